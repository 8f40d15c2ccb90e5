// File: storage/storage.go
package storage

import (
	"errors"
	"sync"

	"fee-backend/models"
)

// ErrNotFound is returned by KV.Get for a missing key.
var ErrNotFound = errors.New("storage: key not found")

// KV is the durable key-value store behind the coprocessor, the custody
// records and the policy state.
type KV interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(key []byte) error
	Close() error
}

// Journal persists hash-chained blocks per chain name.
type Journal interface {
	SaveBlock(chain string, block *models.Block) error
	LoadChain(chain string) ([]*models.Block, error)
}

// MemoryStore is a KV and Journal kept in process memory.
type MemoryStore struct {
	mutex  sync.RWMutex
	data   map[string][]byte
	chains map[string][]*models.Block
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:   make(map[string][]byte),
		chains: make(map[string][]*models.Block),
	}
}

func (s *MemoryStore) Get(key []byte) ([]byte, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	value, ok := s.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (s *MemoryStore) Set(key, value []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	s.data[string(key)] = stored
	return nil
}

func (s *MemoryStore) Delete(key []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.data, string(key))
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) SaveBlock(chain string, block *models.Block) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	copied := *block
	s.chains[chain] = append(s.chains[chain], &copied)
	return nil
}

func (s *MemoryStore) LoadChain(chain string) ([]*models.Block, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	blocks := make([]*models.Block, len(s.chains[chain]))
	for i, b := range s.chains[chain] {
		copied := *b
		blocks[i] = &copied
	}
	return blocks, nil
}
