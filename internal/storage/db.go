package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// DB wraps the database connection and the in-process caches fronting it.
type DB struct {
	conn *sqlx.DB

	apiKeyCache  *LRUCache
	limitsCache  *LRUCache
	sessionCache *LRUCache
}

// DBConfig holds database configuration
type DBConfig struct {
	URL string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	APIKeyCacheSize  int
	APIKeyCacheTTL   time.Duration
	LimitsCacheSize  int
	LimitsCacheTTL   time.Duration
	SessionCacheSize int
	SessionCacheTTL  time.Duration
}

// DefaultDBConfig returns default database configuration
func DefaultDBConfig(url string) DBConfig {
	return DBConfig{
		URL: url,

		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,

		APIKeyCacheSize:  1000,
		APIKeyCacheTTL:   5 * time.Minute,
		LimitsCacheSize:  1000,
		LimitsCacheTTL:   5 * time.Minute,
		SessionCacheSize: 1000,
		SessionCacheTTL:  5 * time.Minute,
	}
}

// NewDB connects to Postgres and prepares the caches.
func NewDB(cfg DBConfig) (*DB, error) {
	conn, err := sqlx.Connect("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	conn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return &DB{
		conn:         conn,
		apiKeyCache:  NewLRUCache(cfg.APIKeyCacheSize, cfg.APIKeyCacheTTL),
		limitsCache:  NewLRUCache(cfg.LimitsCacheSize, cfg.LimitsCacheTTL),
		sessionCache: NewLRUCache(cfg.SessionCacheSize, cfg.SessionCacheTTL),
	}, nil
}

// Close closes the database connection and clears caches
func (db *DB) Close() error {
	db.apiKeyCache.Clear()
	db.limitsCache.Clear()
	db.sessionCache.Clear()
	return db.conn.Close()
}

// Ping checks if the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Health verifies the connection can serve queries.
func (db *DB) Health(ctx context.Context) error {
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var result int
	if err := db.conn.GetContext(ctx, &result, "SELECT 1"); err != nil {
		return fmt.Errorf("health check query failed: %w", err)
	}
	return nil
}

// Conn returns the underlying sqlx connection
// Use this for custom queries not covered by repositories
func (db *DB) Conn() *sqlx.DB {
	return db.conn
}

// CleanupExpiredCacheEntries removes expired entries from all caches.
// Should be called periodically (e.g., every minute)
func (db *DB) CleanupExpiredCacheEntries() int {
	removed := db.apiKeyCache.CleanupExpired()
	removed += db.limitsCache.CleanupExpired()
	removed += db.sessionCache.CleanupExpired()
	return removed
}

// schema is applied at startup. Idempotent, so restarts are safe.
const schema = `
CREATE TABLE IF NOT EXISTS api_keys (
	id              UUID PRIMARY KEY,
	key_hash        TEXT NOT NULL UNIQUE,
	name            TEXT NOT NULL DEFAULT '',
	user_id         TEXT NOT NULL,
	organization_id TEXT NOT NULL DEFAULT '',
	revoked         BOOLEAN NOT NULL DEFAULT FALSE,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS admin_users (
	id            UUID PRIMARY KEY,
	email         TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	roles         TEXT[] NOT NULL DEFAULT '{}',
	enabled       BOOLEAN NOT NULL DEFAULT TRUE,
	last_login_at TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS usage_records (
	id              UUID PRIMARY KEY,
	user_id         TEXT NOT NULL,
	organization_id TEXT NOT NULL DEFAULT '',
	provider        TEXT NOT NULL,
	model           TEXT NOT NULL,
	operation       TEXT NOT NULL,
	input_tokens    INTEGER NOT NULL DEFAULT 0,
	output_tokens   INTEGER NOT NULL DEFAULT 0,
	cost_usd        DOUBLE PRECISION NOT NULL DEFAULT 0,
	session_id      TEXT NOT NULL DEFAULT '',
	agent_id        TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_usage_records_user_created
	ON usage_records (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS usage_limits (
	scope                   TEXT PRIMARY KEY,
	daily_tokens            BIGINT NOT NULL DEFAULT 0,
	monthly_tokens          BIGINT NOT NULL DEFAULT 0,
	daily_cost_usd          DOUBLE PRECISION NOT NULL DEFAULT 0,
	monthly_cost_usd        DOUBLE PRECISION NOT NULL DEFAULT 0,
	max_requests_per_hour   INTEGER NOT NULL DEFAULT 0,
	max_concurrent_sessions INTEGER NOT NULL DEFAULT 0,
	updated_at              TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sessions (
	id           UUID PRIMARY KEY,
	user_id      TEXT NOT NULL,
	workspace_id TEXT NOT NULL,
	agent_ids    TEXT[] NOT NULL DEFAULT '{}',
	history      JSONB NOT NULL DEFAULT '[]',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_sessions_owner
	ON sessions (user_id, workspace_id);
`

// EnsureSchema creates the gateway tables when they do not exist yet.
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
