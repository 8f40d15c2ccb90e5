// File: models/types.go
package models

import (
	"math"
	"math/bits"

	"github.com/ethereum/go-ethereum/common"
)

// PricingConfig is the fee policy. PricePerBlock is in cents.
type PricingConfig struct {
	PricePerBlock    uint64 `json:"price_per_block"`
	MaxBlocks        uint16 `json:"max_blocks"`
	BlockSizeMinutes uint64 `json:"block_size_minutes"`
}

// Validate rejects zero fields, a block size too large for the subtraction
// ladder, and a price whose product with the cap overflows 64 bits.
func (p PricingConfig) Validate() error {
	if p.PricePerBlock == 0 || p.MaxBlocks == 0 || p.BlockSizeMinutes == 0 {
		return ErrInvalidPolicy
	}
	// the ladder lifts BlockSizeMinutes << 15 at most
	if bits.Len64(p.BlockSizeMinutes)+15 > 64 {
		return ErrInvalidPolicy
	}
	if p.PricePerBlock > math.MaxUint64/uint64(p.MaxBlocks) {
		return ErrInvalidPolicy
	}
	return nil
}

// ResultRecord is the latest fee computed for one requester.
type ResultRecord struct {
	Owner      common.Address `json:"owner"`
	Ciphertext common.Hash    `json:"ciphertext"`
	UpdatedAt  int64          `json:"updated_at"`
}

// PolicyState is the persisted policy together with its authority.
type PolicyState struct {
	Pricing PricingConfig  `json:"pricing"`
	Owner   common.Address `json:"owner"`
}

// FeeRecord is the journal payload of a fee computation.
type FeeRecord struct {
	Requester common.Address `json:"requester"`
	Handle    common.Hash    `json:"handle"`
}

// PolicyChange is the journal payload of a policy mutation.
type PolicyChange struct {
	Caller common.Address `json:"caller"`
	Value  string         `json:"value"`
}
