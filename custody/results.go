package custody

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"fee-backend/models"
	"fee-backend/storage"
)

// ErrNoResult is returned when a requester has never computed a fee.
var ErrNoResult = errors.New("no fee computed for this address")

var resultPrefix = []byte("result/")

// ResultStore holds the latest fee handle per requester. Each Put replaces
// the previous record of the same owner.
type ResultStore struct {
	store storage.KV
}

func NewResultStore(store storage.KV) *ResultStore {
	return &ResultStore{store: store}
}

func (r *ResultStore) Put(record models.ResultRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal result record: %w", err)
	}
	if err := r.store.Set(resultKey(record.Owner), data); err != nil {
		return fmt.Errorf("failed to store result for %s: %w", record.Owner.Hex(), err)
	}
	return nil
}

// Delete forgets the record of owner.
func (r *ResultStore) Delete(owner common.Address) error {
	if err := r.store.Delete(resultKey(owner)); err != nil {
		return fmt.Errorf("failed to delete result for %s: %w", owner.Hex(), err)
	}
	return nil
}

func (r *ResultStore) Get(owner common.Address) (models.ResultRecord, error) {
	data, err := r.store.Get(resultKey(owner))
	if errors.Is(err, storage.ErrNotFound) {
		return models.ResultRecord{}, ErrNoResult
	}
	if err != nil {
		return models.ResultRecord{}, fmt.Errorf("failed to load result for %s: %w", owner.Hex(), err)
	}

	var record models.ResultRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return models.ResultRecord{}, fmt.Errorf("failed to unmarshal result record: %w", err)
	}
	return record, nil
}

func resultKey(owner common.Address) []byte {
	return append(append([]byte{}, resultPrefix...), owner.Bytes()...)
}
