package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a session id resolves to nothing.
var ErrNotFound = errors.New("session not found")

// Turn is one conversation entry. History is append-only.
type Turn struct {
	Role      string    `json:"role" db:"role"`
	Content   string    `json:"content" db:"content"`
	Timestamp time.Time `json:"timestamp" db:"created_at"`
}

// Session links a user/workspace pair to its ordered message history and
// assigned agents. The gateway never deletes sessions; lifecycle is owned by
// the caller through the external store.
type Session struct {
	ID          string    `json:"id" db:"id"`
	UserID      string    `json:"user_id" db:"user_id"`
	WorkspaceID string    `json:"workspace_id" db:"workspace_id"`
	AgentIDs    []string  `json:"agent_ids" db:"-"`
	History     []Turn    `json:"history" db:"-"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// Store is the narrow persistence interface the manager depends on.
type Store interface {
	// Get retrieves a session with its full history.
	Get(ctx context.Context, id string) (*Session, error)

	// FindByOwner retrieves the session for a user/workspace pair, or
	// ErrNotFound when none exists yet.
	FindByOwner(ctx context.Context, userID, workspaceID string) (*Session, error)

	// Create persists a new session.
	Create(ctx context.Context, s *Session) error

	// AppendTurn appends one turn to a session's history.
	AppendTurn(ctx context.Context, id string, turn Turn) error
}

// NewSession builds a session for a user/workspace pair.
func NewSession(userID, workspaceID string, agentIDs []string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:          uuid.New().String(),
		UserID:      userID,
		WorkspaceID: workspaceID,
		AgentIDs:    agentIDs,
		History:     []Turn{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
