package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aayush-48/MeshPe/internal/domain"
	"github.com/aayush-48/MeshPe/internal/identity"
)

// Session holds the authenticated identity. It is set only by a successful
// verification and cleared only by logout; the store sees one Save per
// authentication and one Clear per logout. Store writes run detached from
// the caller's context so a dropped request cannot leave a stale identity.
type Session struct {
	store  identity.Store
	logger *slog.Logger

	mu      sync.RWMutex
	current *domain.Identity
	gen     uint64

	// io serializes store writes in the order the session changed
	io sync.Mutex
}

// NewSession creates a session backed by store
func NewSession(store identity.Store, logger *slog.Logger) *Session {
	return &Session{store: store, logger: logger}
}

// Restore loads a previously saved identity. A missing identity is not an error.
func (s *Session) Restore(ctx context.Context) (domain.Identity, bool, error) {
	id, err := s.store.Load(ctx)
	if errors.Is(err, identity.ErrNotFound) {
		return domain.Identity{}, false, nil
	}
	if err != nil {
		return domain.Identity{}, false, fmt.Errorf("failed to restore session: %w", err)
	}

	s.mu.Lock()
	s.current = &id
	s.gen++
	s.mu.Unlock()

	s.logger.Info("Session restored", slog.String("user_id", id.ID))
	return id, true, nil
}

// Current returns the authenticated identity
func (s *Session) Current() (domain.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.current == nil {
		return domain.Identity{}, false
	}
	return *s.current, true
}

// establish sets the in-process identity and returns the generation to hand
// to persist. It does no I/O and may be called under a flow lock.
func (s *Session) establish(id domain.Identity) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = &id
	s.gen++
	return s.gen
}

// persist saves the identity set by establish unless the session has moved
// on since. A store failure is logged; the in-process session is still
// authenticated.
func (s *Session) persist(ctx context.Context, gen uint64, id domain.Identity) {
	s.io.Lock()
	defer s.io.Unlock()

	s.mu.RLock()
	stale := s.gen != gen
	s.mu.RUnlock()
	if stale {
		s.logger.Debug("Skipping save of superseded identity", slog.String("user_id", id.ID))
		return
	}

	if err := s.store.Save(context.WithoutCancel(ctx), id); err != nil {
		s.logger.Error("Failed to persist session identity",
			slog.String("user_id", id.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Info("Session established", slog.String("user_id", id.ID))
}

// end clears the identity in process and in the store
func (s *Session) end(ctx context.Context) error {
	s.mu.Lock()
	s.current = nil
	s.gen++
	s.mu.Unlock()

	s.io.Lock()
	defer s.io.Unlock()

	if err := s.store.Clear(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("failed to clear session identity: %w", err)
	}
	return nil
}
