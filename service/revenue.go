package service

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"fee-backend/encryption"
	"fee-backend/storage"
)

var (
	revenueKeyKey   = []byte("revenue/key")
	revenueTotalKey = []byte("revenue/total")
)

// RevenueAccumulator keeps a paillier-encrypted running total of every fee
// computed. Fees enter it through Coprocessor.ExportTo, so the total is
// never held in the clear outside Total.
type RevenueAccumulator struct {
	mu       sync.Mutex
	paillier *encryption.PaillierAdapter
	store    storage.KV
	total    []byte
}

var _ encryption.Exporter = (*RevenueAccumulator)(nil)

// NewRevenueAccumulator loads the paillier key and the running total from
// store, generating a keySize-bit key on first use.
func NewRevenueAccumulator(store storage.KV, keySize int) (*RevenueAccumulator, error) {
	r := &RevenueAccumulator{
		paillier: encryption.NewPaillierAdapter(keySize),
		store:    store,
	}

	raw, err := store.Get(revenueKeyKey)
	switch {
	case err == nil:
		if err := r.paillier.UnmarshalKey(raw); err != nil {
			return nil, err
		}
	case errors.Is(err, storage.ErrNotFound):
		if err := r.paillier.Initialize(); err != nil {
			return nil, err
		}
		raw, err := r.paillier.MarshalKey()
		if err != nil {
			return nil, err
		}
		if err := store.Set(revenueKeyKey, raw); err != nil {
			return nil, fmt.Errorf("failed to store revenue key: %w", err)
		}
	default:
		return nil, fmt.Errorf("failed to load revenue key: %w", err)
	}

	total, err := store.Get(revenueTotalKey)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to load revenue total: %w", err)
	}
	r.total = total
	return r, nil
}

// Encrypt makes the accumulator an export target for the coprocessor.
func (r *RevenueAccumulator) Encrypt(value *big.Int) ([]byte, error) {
	return r.paillier.Encrypt(value)
}

// Accumulate adds a ciphertext produced by Encrypt to the running total.
func (r *RevenueAccumulator) Accumulate(ciphertext []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := ciphertext
	if r.total != nil {
		var err error
		next, err = r.paillier.Add(r.total, ciphertext)
		if err != nil {
			return err
		}
	}
	if err := r.store.Set(revenueTotalKey, next); err != nil {
		return fmt.Errorf("failed to store revenue total: %w", err)
	}
	r.total = next
	return nil
}

// Total decrypts the running total.
func (r *RevenueAccumulator) Total() (*big.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.total == nil {
		return new(big.Int), nil
	}
	return r.paillier.Decrypt(r.total)
}

func (r *RevenueAccumulator) Scheme() string {
	return r.paillier.Name()
}
