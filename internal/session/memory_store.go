package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and standalone deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byOwner  map[string]string // userID:workspaceID -> session id
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		byOwner:  make(map[string]string),
	}
}

func ownerKey(userID, workspaceID string) string {
	return userID + ":" + workspaceID
}

// Get retrieves a session by id.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(sess), nil
}

// FindByOwner retrieves the session for a user/workspace pair.
func (s *MemoryStore) FindByOwner(ctx context.Context, userID, workspaceID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byOwner[ownerKey(userID, workspaceID)]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(s.sessions[id]), nil
}

// Create persists a new session.
func (s *MemoryStore) Create(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[sess.ID] = copySession(sess)
	s.byOwner[ownerKey(sess.UserID, sess.WorkspaceID)] = sess.ID
	return nil
}

// AppendTurn appends one turn to a session's history.
func (s *MemoryStore) AppendTurn(ctx context.Context, id string, turn Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.History = append(sess.History, turn)
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

func copySession(in *Session) *Session {
	out := *in
	out.AgentIDs = append([]string(nil), in.AgentIDs...)
	out.History = append([]Turn(nil), in.History...)
	return &out
}
