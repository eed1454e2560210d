package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ai_gateway/internal/auth"
	"ai_gateway/internal/utils"
)

// APIKeyRepository resolves caller API keys, fronted by the key cache.
// Implements auth.KeyStore. Only the SHA-256 hash of a key ever touches
// the database.
type APIKeyRepository struct {
	db *DB
}

// NewAPIKeyRepository creates a new API key repository
func NewAPIKeyRepository(db *DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

type apiKeyRow struct {
	ID             string    `db:"id"`
	KeyHash        string    `db:"key_hash"`
	Name           string    `db:"name"`
	UserID         string    `db:"user_id"`
	OrganizationID string    `db:"organization_id"`
	Revoked        bool      `db:"revoked"`
	CreatedAt      time.Time `db:"created_at"`
}

// Lookup resolves a plaintext key to its record, or auth.ErrKeyNotFound.
// Revoked keys are still returned; rejecting them is the middleware's call.
func (r *APIKeyRepository) Lookup(ctx context.Context, plaintextKey string) (*auth.Key, error) {
	hash := utils.HashString(plaintextKey)

	if cached, found := r.db.apiKeyCache.Get(hash); found {
		key := cached.(auth.Key)
		return &key, nil
	}

	query := `
		SELECT id, key_hash, name, user_id, organization_id, revoked, created_at
		FROM api_keys
		WHERE key_hash = $1
	`

	var row apiKeyRow
	err := r.db.conn.GetContext(ctx, &row, query, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up API key: %w", err)
	}

	key := auth.Key{
		ID:             row.ID,
		Name:           row.Name,
		UserID:         row.UserID,
		OrganizationID: row.OrganizationID,
		Revoked:        row.Revoked,
	}
	r.db.apiKeyCache.Set(hash, key)
	return &key, nil
}

// Create stores a new API key from its plaintext. Returns the generated id.
func (r *APIKeyRepository) Create(ctx context.Context, plaintextKey, name, userID, organizationID string) (string, error) {
	query := `
		INSERT INTO api_keys (id, key_hash, name, user_id, organization_id)
		VALUES ($1, $2, $3, $4, $5)
	`

	id := uuid.New().String()
	_, err := r.db.conn.ExecContext(ctx, query, id, utils.HashString(plaintextKey), name, userID, organizationID)
	if err != nil {
		return "", fmt.Errorf("failed to create API key: %w", err)
	}
	return id, nil
}

// Revoke marks a key revoked and drops it from the cache.
func (r *APIKeyRepository) Revoke(ctx context.Context, id string) error {
	query := `UPDATE api_keys SET revoked = TRUE WHERE id = $1 RETURNING key_hash`

	var hash string
	err := r.db.conn.GetContext(ctx, &hash, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrAPIKeyNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to revoke API key: %w", err)
	}

	r.db.apiKeyCache.Delete(hash)
	return nil
}
