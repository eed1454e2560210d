package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"ai_gateway/internal/utils"
)

// Manager creates and mutates sessions. Concurrent appends to the same
// session are serialized in arrival order at the manager; callers get no
// ordering guarantee across concurrent writers beyond that.
type Manager struct {
	store  Store
	logger *utils.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a manager over the given store.
func NewManager(store Store) *Manager {
	return &Manager{
		store:  store,
		logger: utils.NewLogger("session"),
		locks:  make(map[string]*sync.Mutex),
	}
}

// lockFor returns the serialization mutex for a key, creating it on first use.
// Locks are never removed: sessions are never deleted by the gateway, and the
// per-session footprint is one mutex.
func (m *Manager) lockFor(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// Get retrieves a session by id.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	return m.store.Get(ctx, id)
}

// GetOrCreate returns the session for a user/workspace pair, creating one on
// the first message. Creation is serialized per owner so concurrent first
// messages yield a single session.
func (m *Manager) GetOrCreate(ctx context.Context, userID, workspaceID string, agentIDs []string) (*Session, error) {
	ownerKey := "owner:" + userID + ":" + workspaceID
	l := m.lockFor(ownerKey)
	l.Lock()
	defer l.Unlock()

	s, err := m.store.FindByOwner(ctx, userID, workspaceID)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to look up session: %w", err)
	}

	s = NewSession(userID, workspaceID, agentIDs)
	if err := m.store.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	m.logger.Info("session created", "session_id", s.ID, "user_id", userID, "workspace_id", workspaceID)
	return s, nil
}

// AppendTurn appends one turn to a session. Appends to the same session are
// serialized; no lost updates.
func (m *Manager) AppendTurn(ctx context.Context, sessionID string, turn Turn) error {
	l := m.lockFor("session:" + sessionID)
	l.Lock()
	defer l.Unlock()

	if err := m.store.AppendTurn(ctx, sessionID, turn); err != nil {
		return fmt.Errorf("failed to append turn: %w", err)
	}
	return nil
}
