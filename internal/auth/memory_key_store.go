package auth

import (
	"context"
	"sync"

	"ai_gateway/internal/utils"
)

// MemoryKeyStore is a hash-indexed in-memory key store, useful for local
// runs without Postgres and for tests.
type MemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[string]*Key // hash(plaintext) -> record
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string]*Key)}
}

// Register stores a key under the hash of its plaintext.
func (s *MemoryKeyStore) Register(plaintextKey string, key *Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[utils.HashString(plaintextKey)] = key
}

func (s *MemoryKeyStore) Lookup(_ context.Context, plaintextKey string) (*Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.keys[utils.HashString(plaintextKey)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	copied := *key
	return &copied, nil
}
