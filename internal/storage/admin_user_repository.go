package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// AdminUser is a human account for the management API. Passwords are
// stored as bcrypt hashes.
type AdminUser struct {
	ID           string         `db:"id"`
	Email        string         `db:"email"`
	PasswordHash string         `db:"password_hash"`
	Roles        pq.StringArray `db:"roles"`
	Enabled      bool           `db:"enabled"`
	LastLoginAt  *time.Time     `db:"last_login_at"`
	CreatedAt    time.Time      `db:"created_at"`
}

// AdminUserRepository handles admin user database operations
type AdminUserRepository struct {
	db *DB
}

// NewAdminUserRepository creates a new admin user repository
func NewAdminUserRepository(db *DB) *AdminUserRepository {
	return &AdminUserRepository{db: db}
}

// GetByEmail retrieves an admin user by email.
func (r *AdminUserRepository) GetByEmail(ctx context.Context, email string) (*AdminUser, error) {
	query := `
		SELECT id, email, password_hash, roles, enabled, last_login_at, created_at
		FROM admin_users
		WHERE email = $1
	`

	var user AdminUser
	err := r.db.conn.GetContext(ctx, &user, query, email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAdminUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get admin user: %w", err)
	}
	return &user, nil
}

// Create stores a new admin user.
func (r *AdminUserRepository) Create(ctx context.Context, email, passwordHash string, roles []string) (*AdminUser, error) {
	query := `
		INSERT INTO admin_users (id, email, password_hash, roles)
		VALUES ($1, $2, $3, $4)
		RETURNING id, email, password_hash, roles, enabled, last_login_at, created_at
	`

	var user AdminUser
	err := r.db.conn.GetContext(ctx, &user, query, uuid.New().String(), email, passwordHash, pq.StringArray(roles))
	if err != nil {
		return nil, fmt.Errorf("failed to create admin user: %w", err)
	}
	return &user, nil
}

// TouchLastLogin records a successful login.
func (r *AdminUserRepository) TouchLastLogin(ctx context.Context, id string) error {
	query := `UPDATE admin_users SET last_login_at = now() WHERE id = $1`
	if _, err := r.db.conn.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return nil
}
