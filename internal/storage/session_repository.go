package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"ai_gateway/internal/session"
)

// SessionRepository persists chat sessions with their JSONB history.
// Implements session.Store. The session cache serves repeated reads; every
// write goes through and refreshes it.
type SessionRepository struct {
	db *DB
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db *DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// sessionRow is the table shape; history is unpacked separately.
type sessionRow struct {
	ID          string         `db:"id"`
	UserID      string         `db:"user_id"`
	WorkspaceID string         `db:"workspace_id"`
	AgentIDs    pq.StringArray `db:"agent_ids"`
	History     []byte         `db:"history"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func (row *sessionRow) toSession() (*session.Session, error) {
	var history []session.Turn
	if len(row.History) > 0 {
		if err := json.Unmarshal(row.History, &history); err != nil {
			return nil, fmt.Errorf("failed to decode session history: %w", err)
		}
	}
	return &session.Session{
		ID:          row.ID,
		UserID:      row.UserID,
		WorkspaceID: row.WorkspaceID,
		AgentIDs:    row.AgentIDs,
		History:     history,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}, nil
}

// Get retrieves a session with its full history.
func (r *SessionRepository) Get(ctx context.Context, id string) (*session.Session, error) {
	if cached, found := r.db.sessionCache.Get(id); found {
		return cached.(*session.Session), nil
	}

	query := `
		SELECT id, user_id, workspace_id, agent_ids, history, created_at, updated_at
		FROM sessions
		WHERE id = $1
	`

	var row sessionRow
	err := r.db.conn.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	sess, err := row.toSession()
	if err != nil {
		return nil, err
	}
	r.db.sessionCache.Set(id, sess)
	return sess, nil
}

// FindByOwner retrieves the session for a user/workspace pair.
func (r *SessionRepository) FindByOwner(ctx context.Context, userID, workspaceID string) (*session.Session, error) {
	query := `
		SELECT id, user_id, workspace_id, agent_ids, history, created_at, updated_at
		FROM sessions
		WHERE user_id = $1 AND workspace_id = $2
		ORDER BY created_at
		LIMIT 1
	`

	var row sessionRow
	err := r.db.conn.GetContext(ctx, &row, query, userID, workspaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return row.toSession()
}

// Create persists a new session.
func (r *SessionRepository) Create(ctx context.Context, s *session.Session) error {
	history, err := json.Marshal(s.History)
	if err != nil {
		return fmt.Errorf("failed to encode session history: %w", err)
	}

	query := `
		INSERT INTO sessions (id, user_id, workspace_id, agent_ids, history, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = r.db.conn.ExecContext(
		ctx, query,
		s.ID, s.UserID, s.WorkspaceID, pq.StringArray(s.AgentIDs),
		history, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	r.db.sessionCache.Set(s.ID, s)
	return nil
}

// AppendTurn pushes one turn onto the history array in place, so two
// gateway instances appending to the same session cannot lose each other's
// writes.
func (r *SessionRepository) AppendTurn(ctx context.Context, id string, turn session.Turn) error {
	encoded, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("failed to encode turn: %w", err)
	}

	query := `
		UPDATE sessions
		SET history = history || $2::jsonb, updated_at = now()
		WHERE id = $1
	`
	result, err := r.db.conn.ExecContext(ctx, query, id, encoded)
	if err != nil {
		return fmt.Errorf("failed to append turn: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check append result: %w", err)
	}
	if rows == 0 {
		return session.ErrNotFound
	}

	// The cached copy is stale now.
	r.db.sessionCache.Delete(id)
	return nil
}
