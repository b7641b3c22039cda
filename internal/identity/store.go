package identity

import (
	"context"
	"errors"
	"sync"

	"github.com/aayush-48/MeshPe/internal/domain"
)

// ErrNotFound is returned by Load when no identity is stored
var ErrNotFound = errors.New("no stored identity")

// Store persists the current session identity
type Store interface {
	Load(ctx context.Context) (domain.Identity, error)
	Save(ctx context.Context, id domain.Identity) error
	Clear(ctx context.Context) error
	Close() error
}

// MemoryStore keeps the identity for the lifetime of the process
type MemoryStore struct {
	mu       sync.RWMutex
	identity *domain.Identity
}

// NewMemoryStore creates an empty in-process store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(ctx context.Context) (domain.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.identity == nil {
		return domain.Identity{}, ErrNotFound
	}
	return *s.identity, nil
}

func (s *MemoryStore) Save(ctx context.Context, id domain.Identity) error {
	if !id.Valid() {
		return errors.New("identity has no user id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = &id
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = nil
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
