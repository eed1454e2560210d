package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ai_gateway/internal/usage"
)

// LimitsRepository persists per-scope usage limits behind the limits cache.
// Implements usage.LimitsStore.
type LimitsRepository struct {
	db *DB
}

// NewLimitsRepository creates a new limits repository
func NewLimitsRepository(db *DB) *LimitsRepository {
	return &LimitsRepository{db: db}
}

// Get returns the limits configured for a scope, or usage.ErrLimitsNotFound.
func (r *LimitsRepository) Get(ctx context.Context, scope string) (*usage.Limits, error) {
	if cached, found := r.db.limitsCache.Get(scope); found {
		limits := cached.(usage.Limits)
		return &limits, nil
	}

	query := `
		SELECT daily_tokens, monthly_tokens, daily_cost_usd, monthly_cost_usd,
		       max_requests_per_hour, max_concurrent_sessions
		FROM usage_limits
		WHERE scope = $1
	`

	var limits usage.Limits
	err := r.db.conn.GetContext(ctx, &limits, query, scope)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, usage.ErrLimitsNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get limits: %w", err)
	}

	r.db.limitsCache.Set(scope, limits)
	return &limits, nil
}

// Upsert stores a scope's limits, replacing any previous row.
func (r *LimitsRepository) Upsert(ctx context.Context, scope string, limits usage.Limits) error {
	query := `
		INSERT INTO usage_limits (
			scope, daily_tokens, monthly_tokens, daily_cost_usd,
			monthly_cost_usd, max_requests_per_hour, max_concurrent_sessions,
			updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (scope) DO UPDATE SET
			daily_tokens            = EXCLUDED.daily_tokens,
			monthly_tokens          = EXCLUDED.monthly_tokens,
			daily_cost_usd          = EXCLUDED.daily_cost_usd,
			monthly_cost_usd        = EXCLUDED.monthly_cost_usd,
			max_requests_per_hour   = EXCLUDED.max_requests_per_hour,
			max_concurrent_sessions = EXCLUDED.max_concurrent_sessions,
			updated_at              = now()
	`

	_, err := r.db.conn.ExecContext(
		ctx, query,
		scope, limits.DailyTokens, limits.MonthlyTokens,
		limits.DailyCostUSD, limits.MonthlyCostUSD,
		limits.MaxRequestsPerHour, limits.MaxConcurrentSessions,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert limits: %w", err)
	}

	r.db.limitsCache.Set(scope, limits)
	return nil
}
