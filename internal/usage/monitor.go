package usage

import (
	"context"
	"fmt"
	"time"

	"ai_gateway/internal/pricing"
	"ai_gateway/internal/queue"
	"ai_gateway/internal/utils"
)

// Estimate is the projected size of a request at admission time.
type Estimate struct {
	Tokens  int64
	CostUSD float64
}

// Result is an admission decision. Warnings name every ceiling the request
// would cross, so callers can report all of them at once.
type Result struct {
	WithinLimits bool     `json:"within_limits"`
	Warnings     []string `json:"warnings,omitempty"`
}

// Monitor enforces quotas and records consumption. Admission is a soft
// limit: concurrent requests read the same counters without serializing, so
// two requests racing on the last tokens of a quota may both be admitted.
// Recording is unconditional, including for failed generations with partial
// output, so the books stay honest either way.
type Monitor struct {
	counters    *Counters
	limits      LimitsStore
	pricing     *pricing.Table
	recordQueue queue.Queue
	defaults    Limits
	sessionTTL  time.Duration
	logger      *utils.Logger
}

// MonitorConfig wires a Monitor.
type MonitorConfig struct {
	Counters    *Counters
	LimitsStore LimitsStore
	Pricing     *pricing.Table
	RecordQueue queue.Queue
	Defaults    Limits
	SessionTTL  time.Duration
	Logger      *utils.Logger
}

// NewMonitor creates a usage monitor.
func NewMonitor(cfg MonitorConfig) *Monitor {
	return &Monitor{
		counters:    cfg.Counters,
		limits:      cfg.LimitsStore,
		pricing:     cfg.Pricing,
		recordQueue: cfg.RecordQueue,
		defaults:    cfg.Defaults,
		sessionTTL:  cfg.SessionTTL,
		logger:      cfg.Logger,
	}
}

// effectiveLimits resolves the limits for a scope. User scopes fall back to
// the configured defaults; organization scopes apply only when explicitly
// stored.
func (m *Monitor) effectiveLimits(ctx context.Context, scope string) (*Limits, error) {
	limits, err := m.limits.Get(ctx, scope)
	if err == ErrLimitsNotFound {
		defaults := m.defaults
		return &defaults, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load limits for %s: %w", scope, err)
	}
	return limits, nil
}

func checkScope(scope string, totals Totals, limits *Limits, estimate Estimate) []string {
	var warnings []string

	if limits.DailyTokens > 0 && totals.DailyTokens+estimate.Tokens > limits.DailyTokens {
		warnings = append(warnings, fmt.Sprintf(
			"%s: daily token limit exceeded (%d/%d)", scope, totals.DailyTokens, limits.DailyTokens))
	}
	if limits.MonthlyTokens > 0 && totals.MonthlyTokens+estimate.Tokens > limits.MonthlyTokens {
		warnings = append(warnings, fmt.Sprintf(
			"%s: monthly token limit exceeded (%d/%d)", scope, totals.MonthlyTokens, limits.MonthlyTokens))
	}
	if limits.DailyCostUSD > 0 && totals.DailyCostUSD+estimate.CostUSD > limits.DailyCostUSD {
		warnings = append(warnings, fmt.Sprintf(
			"%s: daily cost limit exceeded ($%.4f/$%.2f)", scope, totals.DailyCostUSD, limits.DailyCostUSD))
	}
	if limits.MonthlyCostUSD > 0 && totals.MonthlyCostUSD+estimate.CostUSD > limits.MonthlyCostUSD {
		warnings = append(warnings, fmt.Sprintf(
			"%s: monthly cost limit exceeded ($%.4f/$%.2f)", scope, totals.MonthlyCostUSD, limits.MonthlyCostUSD))
	}
	return warnings
}

// Check decides admission for a projected request. It bumps the caller's
// hourly request window and compares current counters plus the estimate
// against every configured ceiling, for the user and (when set) the
// organization.
func (m *Monitor) Check(ctx context.Context, caller Caller, estimate Estimate) (*Result, error) {
	scope := UserScope(caller.UserID)

	limits, err := m.effectiveLimits(ctx, scope)
	if err != nil {
		return nil, err
	}

	requests, err := m.counters.CountRequest(ctx, scope)
	if err != nil {
		return nil, err
	}

	totals, err := m.counters.Totals(ctx, scope)
	if err != nil {
		return nil, err
	}

	warnings := checkScope(scope, totals, limits, estimate)
	if limits.MaxRequestsPerHour > 0 && requests > int64(limits.MaxRequestsPerHour) {
		warnings = append(warnings, fmt.Sprintf(
			"%s: hourly request limit exceeded (%d/%d)", scope, requests, limits.MaxRequestsPerHour))
	}

	if caller.OrganizationID != "" {
		orgScope := OrgScope(caller.OrganizationID)
		orgLimits, err := m.limits.Get(ctx, orgScope)
		if err != nil && err != ErrLimitsNotFound {
			return nil, fmt.Errorf("failed to load limits for %s: %w", orgScope, err)
		}
		if orgLimits != nil {
			orgTotals, err := m.counters.Totals(ctx, orgScope)
			if err != nil {
				return nil, err
			}
			warnings = append(warnings, checkScope(orgScope, orgTotals, orgLimits, estimate)...)
		}
	}

	if len(warnings) > 0 {
		m.logger.Warn("Request rejected by quota check",
			"user_id", caller.UserID, "warnings", len(warnings))
		return &Result{WithinLimits: false, Warnings: warnings}, nil
	}
	return &Result{WithinLimits: true}, nil
}

// RecordUsage books one consumption entry. The cost is computed from the
// pricing table, counters are bumped atomically, and the record is queued
// for async persistence. Returns the record id.
func (m *Monitor) RecordUsage(ctx context.Context, record *Record) (string, error) {
	if record.ID == "" {
		record.ID = NewRecordID()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	cost, err := m.pricing.Calculate(record.Provider, record.Model, record.InputTokens, record.OutputTokens)
	if err != nil {
		return "", err
	}
	record.CostUSD = cost

	tokens := int64(record.InputTokens + record.OutputTokens)
	if err := m.counters.AddUsage(ctx, UserScope(record.UserID), tokens, cost); err != nil {
		return "", err
	}
	if record.OrganizationID != "" {
		if err := m.counters.AddUsage(ctx, OrgScope(record.OrganizationID), tokens, cost); err != nil {
			return "", err
		}
	}

	if err := m.recordQueue.Enqueue(ctx, record); err != nil {
		// Counters already reflect the spend; losing the detail row is the
		// lesser failure, so log and keep going.
		m.logger.Error("Failed to enqueue usage record",
			"record_id", record.ID, "error", err)
	}

	m.logger.Debug("Recorded usage",
		"record_id", record.ID,
		"user_id", record.UserID,
		"provider", record.Provider,
		"model", record.Model,
		"tokens", tokens,
		"cost_usd", cost)

	return record.ID, nil
}

// CheckAndRecord admits a record at its actual size and books it when
// admitted. Token counts and pricing are both known here, so the admission
// estimate carries the record's real cost. Rejections return
// ErrQuotaExceeded alongside the warnings.
func (m *Monitor) CheckAndRecord(ctx context.Context, record *Record) (*Result, string, error) {
	caller := Caller{UserID: record.UserID, OrganizationID: record.OrganizationID}

	cost, err := m.pricing.Calculate(record.Provider, record.Model, record.InputTokens, record.OutputTokens)
	if err != nil {
		return nil, "", err
	}
	estimate := Estimate{
		Tokens:  int64(record.InputTokens + record.OutputTokens),
		CostUSD: cost,
	}

	result, err := m.Check(ctx, caller, estimate)
	if err != nil {
		return nil, "", err
	}
	if !result.WithinLimits {
		return result, "", ErrQuotaExceeded
	}

	id, err := m.RecordUsage(ctx, record)
	if err != nil {
		return result, "", err
	}
	return result, id, nil
}

// Summary reports the caller's current consumption against their limits.
func (m *Monitor) Summary(ctx context.Context, caller Caller) (*Summary, error) {
	scope := UserScope(caller.UserID)

	limits, err := m.effectiveLimits(ctx, scope)
	if err != nil {
		return nil, err
	}
	totals, err := m.counters.Totals(ctx, scope)
	if err != nil {
		return nil, err
	}

	return &Summary{Scope: scope, Totals: totals, Limits: *limits}, nil
}

// OrgSummary reports an organization's pooled consumption. Organizations
// without stored limits show zero ceilings (unlimited).
func (m *Monitor) OrgSummary(ctx context.Context, orgID string) (*Summary, error) {
	scope := OrgScope(orgID)

	limits, err := m.limits.Get(ctx, scope)
	if err == ErrLimitsNotFound {
		limits = &Limits{}
	} else if err != nil {
		return nil, fmt.Errorf("failed to load limits for %s: %w", scope, err)
	}

	totals, err := m.counters.Totals(ctx, scope)
	if err != nil {
		return nil, err
	}
	return &Summary{Scope: scope, Totals: totals, Limits: *limits}, nil
}

// limitSetters maps the mutable limit keys to their fields. Unknown keys are
// rejected rather than ignored.
var limitSetters = map[string]func(*Limits, float64){
	"daily_tokens":            func(l *Limits, v float64) { l.DailyTokens = int64(v) },
	"monthly_tokens":          func(l *Limits, v float64) { l.MonthlyTokens = int64(v) },
	"daily_cost_usd":          func(l *Limits, v float64) { l.DailyCostUSD = v },
	"monthly_cost_usd":        func(l *Limits, v float64) { l.MonthlyCostUSD = v },
	"max_requests_per_hour":   func(l *Limits, v float64) { l.MaxRequestsPerHour = int(v) },
	"max_concurrent_sessions": func(l *Limits, v float64) { l.MaxConcurrentSessions = int(v) },
}

// UpdateLimits applies a partial update to a scope's limits. Unknown keys and
// negative values are rejected; untouched fields keep their current value.
func (m *Monitor) UpdateLimits(ctx context.Context, scope string, updates map[string]float64) (*Limits, error) {
	if len(updates) == 0 {
		return nil, ErrInvalidLimits
	}

	limits, err := m.effectiveLimits(ctx, scope)
	if err != nil {
		return nil, err
	}

	for key, value := range updates {
		setter, ok := limitSetters[key]
		if !ok {
			return nil, fmt.Errorf("%w: unknown key %q", ErrInvalidLimits, key)
		}
		setter(limits, value)
	}
	if err := limits.Validate(); err != nil {
		return nil, err
	}

	if err := m.limits.Upsert(ctx, scope, *limits); err != nil {
		return nil, fmt.Errorf("failed to store limits for %s: %w", scope, err)
	}

	m.logger.Info("Updated usage limits", "scope", scope)
	return limits, nil
}

// AcquireSession claims a concurrent-session slot for the caller, returning
// ErrQuotaExceeded when the cap is reached. Slots expire after the configured
// TTL so crashed streams cannot pin them forever.
func (m *Monitor) AcquireSession(ctx context.Context, caller Caller) error {
	scope := UserScope(caller.UserID)

	limits, err := m.effectiveLimits(ctx, scope)
	if err != nil {
		return err
	}

	ok, err := m.counters.AcquireSession(ctx, scope, limits.MaxConcurrentSessions, m.sessionTTL)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: concurrent session limit reached (%d)",
			ErrQuotaExceeded, limits.MaxConcurrentSessions)
	}
	return nil
}

// ReleaseSession returns the caller's session slot.
func (m *Monitor) ReleaseSession(ctx context.Context, caller Caller) error {
	return m.counters.ReleaseSession(ctx, UserScope(caller.UserID))
}
