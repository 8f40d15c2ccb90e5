// Package fee computes parking fees over encrypted durations.
//
// Every data-dependent decision is an oblivious Select over an encrypted
// predicate, and every loop bound comes from public policy, so the sequence
// of primitive calls is the same for any secret duration.
package fee

import (
	"math/bits"

	"fee-backend/encryption"
	"fee-backend/models"
)

// LadderTop returns floor(log2(maxBlocks)), the exponent of the largest
// chunk the subtraction ladder tries. maxBlocks must be positive.
func LadderTop(maxBlocks uint16) int {
	return bits.Len16(maxBlocks) - 1
}

// Range returns the largest duration Blocks divides exactly for the given
// policy: blockSize * 2^(LadderTop(maxBlocks)+1) - 1.
func Range(blockSizeMinutes uint64, maxBlocks uint16) uint64 {
	return blockSizeMinutes<<uint(LadderTop(maxBlocks)+1) - 1
}

// Blocks computes ceil(minutes / blockSizeMinutes) by binary restoring
// division: for k from LadderTop(maxBlocks) down to 0 it conditionally
// subtracts blockSizeMinutes*2^k from the remainder and adds 2^k to the
// quotient, then adds one block when a remainder is left.
//
// The result is exact for minutes <= Range(blockSizeMinutes, maxBlocks).
// Larger inputs saturate the ladder; CapAndPrice clamps them.
func Blocks(s encryption.Scheme, minutes encryption.EncryptedInt, blockSizeMinutes uint64, maxBlocks uint16) (encryption.EncryptedInt, error) {
	if blockSizeMinutes == 0 || maxBlocks == 0 {
		return encryption.EncryptedInt{}, models.ErrInvalidPolicy
	}

	ev := &evaluator{s: s}
	remainder := minutes
	blocks := ev.constant(0)

	for k := LadderTop(maxBlocks); k >= 0; k-- {
		chunk := blockSizeMinutes << uint(k)
		ge := ev.gt(remainder, ev.constant(chunk-1))
		remainder = ev.sel(ge, ev.sub(remainder, ev.constant(chunk)), remainder)
		blocks = ev.sel(ge, ev.add(blocks, ev.constant(1<<uint(k))), blocks)
	}

	hasRemainder := ev.gt(remainder, ev.constant(0))
	blocks = ev.sel(hasRemainder, ev.add(blocks, ev.constant(1)), blocks)

	return blocks, ev.err
}

// CapAndPrice clamps blocks to maxBlocks and multiplies by the per-block
// price. It returns the fee and the clamped block count.
func CapAndPrice(s encryption.Scheme, blocks encryption.EncryptedInt, maxBlocks uint16, pricePerBlock uint64) (fee, capped encryption.EncryptedInt, err error) {
	ev := &evaluator{s: s}

	limit := ev.constant(uint64(maxBlocks))
	tooMany := ev.gt(blocks, limit)
	capped = ev.sel(tooMany, limit, blocks)
	fee = ev.mul(capped, ev.constant(pricePerBlock))

	return fee, capped, ev.err
}

// Compute runs the whole pipeline for one encrypted duration.
func Compute(s encryption.Scheme, minutes encryption.EncryptedInt, policy models.PricingConfig) (encryption.EncryptedInt, error) {
	if err := policy.Validate(); err != nil {
		return encryption.EncryptedInt{}, err
	}

	blocks, err := Blocks(s, minutes, policy.BlockSizeMinutes, policy.MaxBlocks)
	if err != nil {
		return encryption.EncryptedInt{}, err
	}
	fee, _, err := CapAndPrice(s, blocks, policy.MaxBlocks, policy.PricePerBlock)
	return fee, err
}

// evaluator threads the first substrate error through a straight-line
// composition of primitives. Once an error is recorded every further call
// is skipped.
type evaluator struct {
	s   encryption.Scheme
	err error
}

func (e *evaluator) constant(v uint64) encryption.EncryptedInt {
	if e.err != nil {
		return encryption.EncryptedInt{}
	}
	var out encryption.EncryptedInt
	out, e.err = e.s.Constant(v)
	return out
}

func (e *evaluator) add(a, b encryption.EncryptedInt) encryption.EncryptedInt {
	if e.err != nil {
		return encryption.EncryptedInt{}
	}
	var out encryption.EncryptedInt
	out, e.err = e.s.Add(a, b)
	return out
}

func (e *evaluator) sub(a, b encryption.EncryptedInt) encryption.EncryptedInt {
	if e.err != nil {
		return encryption.EncryptedInt{}
	}
	var out encryption.EncryptedInt
	out, e.err = e.s.Sub(a, b)
	return out
}

func (e *evaluator) mul(a, b encryption.EncryptedInt) encryption.EncryptedInt {
	if e.err != nil {
		return encryption.EncryptedInt{}
	}
	var out encryption.EncryptedInt
	out, e.err = e.s.Mul(a, b)
	return out
}

func (e *evaluator) gt(a, b encryption.EncryptedInt) encryption.EncryptedBool {
	if e.err != nil {
		return encryption.EncryptedBool{}
	}
	var out encryption.EncryptedBool
	out, e.err = e.s.Gt(a, b)
	return out
}

func (e *evaluator) sel(cond encryption.EncryptedBool, ifTrue, ifFalse encryption.EncryptedInt) encryption.EncryptedInt {
	if e.err != nil {
		return encryption.EncryptedInt{}
	}
	var out encryption.EncryptedInt
	out, e.err = e.s.Select(cond, ifTrue, ifFalse)
	return out
}
