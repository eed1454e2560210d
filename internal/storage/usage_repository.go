package storage

import (
	"context"
	"fmt"
	"time"

	"ai_gateway/internal/usage"
)

// UsageRepository persists usage records. Implements usage.RecordStore.
type UsageRepository struct {
	db *DB
}

// NewUsageRepository creates a new usage repository
func NewUsageRepository(db *DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// Create inserts one usage record.
func (r *UsageRepository) Create(ctx context.Context, record *usage.Record) error {
	query := `
		INSERT INTO usage_records (
			id, user_id, organization_id, provider, model, operation,
			input_tokens, output_tokens, cost_usd, session_id, agent_id,
			created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	if record.ID == "" {
		record.ID = usage.NewRecordID()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.conn.ExecContext(
		ctx, query,
		record.ID, record.UserID, record.OrganizationID,
		record.Provider, record.Model, record.Operation,
		record.InputTokens, record.OutputTokens, record.CostUSD,
		record.SessionID, record.AgentID, record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create usage record: %w", err)
	}
	return nil
}

// CreateBatch inserts many records in one transaction. Used by the queue
// worker's fast path; any failure rolls back the whole batch.
func (r *UsageRepository) CreateBatch(ctx context.Context, records []*usage.Record) error {
	tx, err := r.db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO usage_records (
			id, user_id, organization_id, provider, model, operation,
			input_tokens, output_tokens, cost_usd, session_id, agent_id,
			created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	for _, record := range records {
		if record.ID == "" {
			record.ID = usage.NewRecordID()
		}
		if record.CreatedAt.IsZero() {
			record.CreatedAt = time.Now().UTC()
		}
		if _, err := tx.ExecContext(
			ctx, query,
			record.ID, record.UserID, record.OrganizationID,
			record.Provider, record.Model, record.Operation,
			record.InputTokens, record.OutputTokens, record.CostUSD,
			record.SessionID, record.AgentID, record.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to insert usage record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit usage batch: %w", err)
	}
	return nil
}

// ListByUser retrieves a user's records in a time range, newest first.
func (r *UsageRepository) ListByUser(ctx context.Context, userID string, from, to time.Time, limit int) ([]*usage.Record, error) {
	query := `
		SELECT id, user_id, organization_id, provider, model, operation,
		       input_tokens, output_tokens, cost_usd, session_id, agent_id,
		       created_at
		FROM usage_records
		WHERE user_id = $1
		  AND created_at >= $2
		  AND created_at < $3
		ORDER BY created_at DESC
		LIMIT $4
	`

	var records []*usage.Record
	err := r.db.conn.SelectContext(ctx, &records, query, userID, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage records: %w", err)
	}
	return records, nil
}
