// Package custody keeps confidential fee results and the decrypt grants
// attached to them.
package custody

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"fee-backend/storage"
)

var aclPrefix = []byte("acl/")

// ACL records which addresses may decrypt a committed handle. Grants are
// additive; Revoke exists only to unwind a transition that failed.
type ACL struct {
	store storage.KV
}

func NewACL(store storage.KV) *ACL {
	return &ACL{store: store}
}

// Allow grants who the right to decrypt handle.
func (a *ACL) Allow(handle common.Hash, who common.Address) error {
	if who == (common.Address{}) {
		return errors.New("cannot grant the zero address")
	}
	if err := a.store.Set(grantKey(handle, who), []byte{1}); err != nil {
		return fmt.Errorf("failed to store grant on %s: %w", handle.Hex(), err)
	}
	return nil
}

// Revoke removes a grant made by Allow.
func (a *ACL) Revoke(handle common.Hash, who common.Address) error {
	if err := a.store.Delete(grantKey(handle, who)); err != nil {
		return fmt.Errorf("failed to revoke grant on %s: %w", handle.Hex(), err)
	}
	return nil
}

// IsAllowed reports whether who holds a grant on handle.
func (a *ACL) IsAllowed(handle common.Hash, who common.Address) (bool, error) {
	_, err := a.store.Get(grantKey(handle, who))
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read grant on %s: %w", handle.Hex(), err)
	}
	return true, nil
}

func grantKey(handle common.Hash, who common.Address) []byte {
	key := make([]byte, 0, len(aclPrefix)+common.HashLength+common.AddressLength)
	key = append(key, aclPrefix...)
	key = append(key, handle.Bytes()...)
	return append(key, who.Bytes()...)
}
