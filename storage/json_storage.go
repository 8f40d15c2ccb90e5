package storage

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"fee-backend/models"
)

// Chain represents one journal chain
type Chain struct {
	Blocks []*models.Block `json:"blocks"`
}

// JSONStore keeps journal chains and a key-value map in JSON files under
// basePath. Every write rewrites the affected file through a temp file and an
// atomic rename.
type JSONStore struct {
	basePath string
	mu       sync.RWMutex
	chains   map[string]*Chain
	kv       map[string][]byte // hex-encoded keys
}

func NewJSONStore(basePath string) (*JSONStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	store := &JSONStore{
		basePath: basePath,
		chains:   make(map[string]*Chain),
		kv:       make(map[string][]byte),
	}

	data, err := os.ReadFile(store.kvPath())
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read kv file: %w", err)
	}
	if err == nil {
		if err := json.Unmarshal(data, &store.kv); err != nil {
			return nil, fmt.Errorf("failed to unmarshal kv file: %w", err)
		}
	}

	return store, nil
}

func (s *JSONStore) SaveBlock(chainType string, block *models.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain, err := s.chainLocked(chainType)
	if err != nil {
		return err
	}

	blocks := append(chain.Blocks[:len(chain.Blocks):len(chain.Blocks)], block)
	if err := s.writeFile(s.chainPath(chainType), &Chain{Blocks: blocks}); err != nil {
		return err
	}
	chain.Blocks = blocks
	return nil
}

func (s *JSONStore) LoadChain(chainType string) ([]*models.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain, err := s.chainLocked(chainType)
	if err != nil {
		return nil, err
	}

	// Return a copy of the blocks to prevent modification
	blocks := make([]*models.Block, len(chain.Blocks))
	copy(blocks, chain.Blocks)
	return blocks, nil
}

func (s *JSONStore) Get(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.kv[hex.EncodeToString(key)]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (s *JSONStore) Set(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := hex.EncodeToString(key)
	previous, existed := s.kv[k]

	stored := make([]byte, len(value))
	copy(stored, value)
	s.kv[k] = stored

	if err := s.writeFile(s.kvPath(), s.kv); err != nil {
		if existed {
			s.kv[k] = previous
		} else {
			delete(s.kv, k)
		}
		return err
	}
	return nil
}

func (s *JSONStore) Delete(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := hex.EncodeToString(key)
	previous, existed := s.kv[k]
	if !existed {
		return nil
	}
	delete(s.kv, k)

	if err := s.writeFile(s.kvPath(), s.kv); err != nil {
		s.kv[k] = previous
		return err
	}
	return nil
}

func (s *JSONStore) Close() error { return nil }

// chainLocked returns the cached chain, loading it from disk on first use.
func (s *JSONStore) chainLocked(chainType string) (*Chain, error) {
	if chain, ok := s.chains[chainType]; ok {
		return chain, nil
	}

	chain, err := s.loadChainFromFile(chainType)
	if err != nil {
		return nil, fmt.Errorf("failed to load chain %s: %w", chainType, err)
	}
	s.chains[chainType] = chain
	return chain, nil
}

func (s *JSONStore) loadChainFromFile(chainType string) (*Chain, error) {
	data, err := os.ReadFile(s.chainPath(chainType))
	if err != nil {
		if os.IsNotExist(err) {
			return &Chain{Blocks: make([]*models.Block, 0)}, nil
		}
		return nil, err
	}

	var chain Chain
	if err := json.Unmarshal(data, &chain); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chain: %w", err)
	}

	return &chain, nil
}

func (s *JSONStore) chainPath(chainType string) string {
	return filepath.Join(s.basePath, fmt.Sprintf("%s_chain.json", chainType))
}

func (s *JSONStore) kvPath() string {
	return filepath.Join(s.basePath, "kv.json")
}

func (s *JSONStore) writeFile(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}

	// Write to temporary file first
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}

	// Atomic rename to ensure consistency
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to save %s: %w", filepath.Base(path), err)
	}

	return nil
}
