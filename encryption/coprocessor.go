package encryption

import (
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"
	"math/bits"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"fee-backend/storage"
)

var (
	ErrUnknownHandle     = errors.New("unknown ciphertext handle")
	ErrCorruptCiphertext = errors.New("corrupt ciphertext")
)

// Ciphertext kinds, bound into the sealing as associated data.
const (
	kindInt  byte = 'i'
	kindBool byte = 'b'
)

const sealInfo = "fee-coprocessor/seal"

var ciphertextPrefix = []byte("ct/")

// Coprocessor implements Scheme over sealed ciphertexts. Plaintexts exist only
// inside its methods, and every operation on them is evaluated without
// branching on their values.
//
// Ciphertexts produced during a computation are transient until Commit
// persists the ones worth keeping. Commit and Discard end the current
// computation, so computations must be serialized by the caller.
type Coprocessor struct {
	mu        sync.Mutex
	aead      cipher.AEAD
	network   *ecies.PrivateKey
	store     storage.KV
	transient map[common.Hash][]byte
	crypto    *CryptoService
	logger    *zap.Logger
}

var _ Scheme = (*Coprocessor)(nil)

// NewCoprocessor derives the sealing key from the network key and keeps
// durable ciphertexts in store.
func NewCoprocessor(networkKey *ecdsa.PrivateKey, store storage.KV, logger *zap.Logger) (*Coprocessor, error) {
	if networkKey == nil {
		return nil, errors.New("network key not set")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	kdf := hkdf.New(sha256.New, crypto.FromECDSA(networkKey), nil, []byte(sealInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive sealing key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create sealing cipher: %w", err)
	}

	return &Coprocessor{
		aead:      aead,
		network:   ecies.ImportECDSA(networkKey),
		store:     store,
		transient: make(map[common.Hash][]byte),
		crypto:    NewCryptoService(),
		logger:    logger.With(zap.String("module", "coprocessor")),
	}, nil
}

// NetworkPublicKey is the key clients encrypt their inputs to.
func (c *Coprocessor) NetworkPublicKey() *ecdsa.PublicKey {
	return c.network.PublicKey.ExportECDSA()
}

func (c *Coprocessor) Add(a, b EncryptedInt) (EncryptedInt, error) {
	x, y, err := c.openPair(a, b)
	if err != nil {
		return EncryptedInt{}, err
	}
	return c.sealInt(x + y)
}

func (c *Coprocessor) Sub(a, b EncryptedInt) (EncryptedInt, error) {
	x, y, err := c.openPair(a, b)
	if err != nil {
		return EncryptedInt{}, err
	}
	return c.sealInt(x - y)
}

func (c *Coprocessor) Mul(a, b EncryptedInt) (EncryptedInt, error) {
	x, y, err := c.openPair(a, b)
	if err != nil {
		return EncryptedInt{}, err
	}
	return c.sealInt(x * y)
}

func (c *Coprocessor) Gt(a, b EncryptedInt) (EncryptedBool, error) {
	x, y, err := c.openPair(a, b)
	if err != nil {
		return EncryptedBool{}, err
	}
	// y - x borrows exactly when x > y
	_, borrow := bits.Sub64(y, x, 0)
	h, err := c.seal(kindBool, borrow)
	if err != nil {
		return EncryptedBool{}, err
	}
	return EncryptedBool{handle: h}, nil
}

func (c *Coprocessor) Select(cond EncryptedBool, ifTrue, ifFalse EncryptedInt) (EncryptedInt, error) {
	bit, err := c.open(kindBool, cond.handle, false)
	if err != nil {
		return EncryptedInt{}, err
	}
	t, f, err := c.openPair(ifTrue, ifFalse)
	if err != nil {
		return EncryptedInt{}, err
	}
	mask := -(bit & 1)
	return c.sealInt((t & mask) | (f &^ mask))
}

func (c *Coprocessor) Constant(value uint64) (EncryptedInt, error) {
	return c.sealInt(value)
}

// Commit persists the listed handles and drops every other transient
// ciphertext.
func (c *Coprocessor) Commit(keep ...common.Hash) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, h := range keep {
		sealed, ok := c.transient[h]
		if !ok {
			if _, err := c.store.Get(ciphertextKey(h)); err == nil {
				continue
			}
			return fmt.Errorf("commit %s: %w", h.Hex(), ErrUnknownHandle)
		}
		if err := c.store.Set(ciphertextKey(h), sealed); err != nil {
			return fmt.Errorf("commit %s: %w", h.Hex(), err)
		}
	}

	dropped := len(c.transient)
	c.transient = make(map[common.Hash][]byte)
	c.logger.Debug("committed computation", zap.Int("kept", len(keep)), zap.Int("transient", dropped))
	return nil
}

// Forget removes a committed ciphertext. It undoes a Commit whose
// surrounding transition failed.
func (c *Coprocessor) Forget(h common.Hash) error {
	if err := c.store.Delete(ciphertextKey(h)); err != nil {
		return fmt.Errorf("forget %s: %w", h.Hex(), err)
	}
	return nil
}

// Discard drops every transient ciphertext.
func (c *Coprocessor) Discard() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transient = make(map[common.Hash][]byte)
}

// TransientCount reports how many ciphertexts await Commit or Discard.
func (c *Coprocessor) TransientCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.transient)
}

// Reveal opens a committed integer ciphertext. It is the trusted-boundary
// read used by the decryption gateway and by ExportTo; callers are
// responsible for access checks.
func (c *Coprocessor) Reveal(h common.Hash) (uint64, error) {
	return c.open(kindInt, h, true)
}

// ExportTo re-encrypts a committed integer under another scheme.
func (c *Coprocessor) ExportTo(h common.Hash, exporter Exporter) ([]byte, error) {
	v, err := c.Reveal(h)
	if err != nil {
		return nil, err
	}
	return exporter.Encrypt(new(big.Int).SetUint64(v))
}

func (c *Coprocessor) sealInt(v uint64) (EncryptedInt, error) {
	h, err := c.seal(kindInt, v)
	if err != nil {
		return EncryptedInt{}, err
	}
	return EncryptedInt{handle: h}, nil
}

func (c *Coprocessor) seal(kind byte, v uint64) (common.Hash, error) {
	nonceSize := c.aead.NonceSize()
	nonce := make([]byte, nonceSize, nonceSize+8+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return common.Hash{}, fmt.Errorf("failed to draw nonce: %w", err)
	}

	var plaintext [8]byte
	binary.BigEndian.PutUint64(plaintext[:], v)
	sealed := c.aead.Seal(nonce, nonce, plaintext[:], []byte{kind})
	h := crypto.Keccak256Hash(sealed)

	c.mu.Lock()
	c.transient[h] = sealed
	c.mu.Unlock()
	return h, nil
}

func (c *Coprocessor) openPair(a, b EncryptedInt) (uint64, uint64, error) {
	x, err := c.open(kindInt, a.handle, false)
	if err != nil {
		return 0, 0, err
	}
	y, err := c.open(kindInt, b.handle, false)
	if err != nil {
		return 0, 0, err
	}
	return x, y, nil
}

func (c *Coprocessor) open(kind byte, h common.Hash, durableOnly bool) (uint64, error) {
	sealed, err := c.lookup(h, durableOnly)
	if err != nil {
		return 0, err
	}

	nonceSize := c.aead.NonceSize()
	if len(sealed) < nonceSize {
		return 0, fmt.Errorf("%w: %s", ErrCorruptCiphertext, h.Hex())
	}
	plaintext, err := c.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], []byte{kind})
	if err != nil || len(plaintext) != 8 {
		return 0, fmt.Errorf("%w: %s", ErrCorruptCiphertext, h.Hex())
	}
	return binary.BigEndian.Uint64(plaintext), nil
}

func (c *Coprocessor) lookup(h common.Hash, durableOnly bool) ([]byte, error) {
	if !durableOnly {
		c.mu.Lock()
		sealed, ok := c.transient[h]
		c.mu.Unlock()
		if ok {
			return sealed, nil
		}
	}

	sealed, err := c.store.Get(ciphertextKey(h))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, h.Hex())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ciphertext %s: %w", h.Hex(), err)
	}
	return sealed, nil
}

func ciphertextKey(h common.Hash) []byte {
	return append(append([]byte{}, ciphertextPrefix...), h.Bytes()...)
}
