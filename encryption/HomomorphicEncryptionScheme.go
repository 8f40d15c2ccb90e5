package encryption

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// EncryptedInt is an opaque reference to an encrypted unsigned 64-bit
// integer. The zero value references nothing.
type EncryptedInt struct {
	handle common.Hash
}

// Handle returns the public handle of the ciphertext.
func (e EncryptedInt) Handle() common.Hash { return e.handle }

// EncryptedBool is an opaque reference to an encrypted predicate result. It
// can only be consumed by Scheme.Select.
type EncryptedBool struct {
	handle common.Hash
}

func (e EncryptedBool) Handle() common.Hash { return e.handle }

// IntFromHandle rebuilds a reference from a stored handle.
func IntFromHandle(h common.Hash) EncryptedInt { return EncryptedInt{handle: h} }

// Scheme is the set of oblivious primitives the fee engine composes. No
// method reveals anything about the operands; errors only report substrate
// faults such as unknown handles.
type Scheme interface {
	// Add and Sub are modular 2^64; Sub wraps below zero.
	Add(a, b EncryptedInt) (EncryptedInt, error)
	Sub(a, b EncryptedInt) (EncryptedInt, error)
	// Mul is modular 2^64.
	Mul(a, b EncryptedInt) (EncryptedInt, error)
	// Gt is strict greater-than.
	Gt(a, b EncryptedInt) (EncryptedBool, error)
	// Select evaluates to ifTrue when cond holds, without branching on cond.
	Select(cond EncryptedBool, ifTrue, ifFalse EncryptedInt) (EncryptedInt, error)
	// Constant lifts a public plaintext.
	Constant(value uint64) (EncryptedInt, error)
	// Ingest validates an externally produced ciphertext and its proof for
	// the given target and sender.
	Ingest(external, proof []byte, target, sender common.Address) (EncryptedInt, error)
}

// Exporter re-encrypts a plaintext under another scheme.
type Exporter interface {
	Encrypt(value *big.Int) ([]byte, error)
}
