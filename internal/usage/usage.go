package usage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrQuotaExceeded is returned when the admission check fails. Surfaced
	// as 429 and never retried automatically.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrLimitsNotFound is returned when a caller has no stored limits.
	ErrLimitsNotFound = errors.New("usage limits not found")

	// ErrInvalidLimits is returned on negative values or unknown limit keys.
	ErrInvalidLimits = errors.New("invalid usage limits")
)

// Caller identifies who is consuming the gateway.
type Caller struct {
	UserID         string
	OrganizationID string // optional
}

// Operation is the kind of provider call being billed.
type Operation string

const (
	OperationChat       Operation = "chat"
	OperationCompletion Operation = "completion"
	OperationAgent      Operation = "agent"
)

// Record is one immutable usage entry. Cost is fixed from the rate in effect
// at creation time and never recomputed.
type Record struct {
	ID             string    `json:"id" db:"id"`
	UserID         string    `json:"user_id" db:"user_id"`
	OrganizationID string    `json:"organization_id,omitempty" db:"organization_id"`
	Provider       string    `json:"provider" db:"provider"`
	Model          string    `json:"model" db:"model"`
	Operation      Operation `json:"operation" db:"operation"`
	InputTokens    int       `json:"input_tokens" db:"input_tokens"`
	OutputTokens   int       `json:"output_tokens" db:"output_tokens"`
	CostUSD        float64   `json:"cost_usd" db:"cost_usd"`
	SessionID      string    `json:"session_id,omitempty" db:"session_id"`
	AgentID        string    `json:"agent_id,omitempty" db:"agent_id"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// NewRecordID returns a fresh usage record id.
func NewRecordID() string {
	return uuid.New().String()
}

// Limits are the configured ceilings for one caller. A zero value means
// "no ceiling" for that dimension; all values must be non-negative.
type Limits struct {
	DailyTokens           int64   `json:"daily_tokens" db:"daily_tokens"`
	MonthlyTokens         int64   `json:"monthly_tokens" db:"monthly_tokens"`
	DailyCostUSD          float64 `json:"daily_cost_usd" db:"daily_cost_usd"`
	MonthlyCostUSD        float64 `json:"monthly_cost_usd" db:"monthly_cost_usd"`
	MaxRequestsPerHour    int     `json:"max_requests_per_hour" db:"max_requests_per_hour"`
	MaxConcurrentSessions int     `json:"max_concurrent_sessions" db:"max_concurrent_sessions"`
}

// Validate rejects negative values.
func (l Limits) Validate() error {
	if l.DailyTokens < 0 || l.MonthlyTokens < 0 ||
		l.DailyCostUSD < 0 || l.MonthlyCostUSD < 0 ||
		l.MaxRequestsPerHour < 0 || l.MaxConcurrentSessions < 0 {
		return ErrInvalidLimits
	}
	return nil
}

// RecordStore persists usage records durably.
type RecordStore interface {
	Create(ctx context.Context, record *Record) error
	ListByUser(ctx context.Context, userID string, from, to time.Time, limit int) ([]*Record, error)
}

// LimitsStore persists configured limits. Scope is a caller scope key
// ("user:<id>" or "org:<id>").
type LimitsStore interface {
	Get(ctx context.Context, scope string) (*Limits, error)
	Upsert(ctx context.Context, scope string, limits Limits) error
}

// Totals is the running consumption for one scope and window pair.
type Totals struct {
	DailyTokens    int64   `json:"daily_tokens"`
	MonthlyTokens  int64   `json:"monthly_tokens"`
	DailyCostUSD   float64 `json:"daily_cost_usd"`
	MonthlyCostUSD float64 `json:"monthly_cost_usd"`
	HourRequests   int64   `json:"hour_requests"`
}

// Summary is the usage dashboard payload: current totals against limits.
type Summary struct {
	Scope  string `json:"scope"`
	Totals Totals `json:"totals"`
	Limits Limits `json:"limits"`
}

// UserScope returns the counter/limits scope key for a user.
func UserScope(userID string) string { return "user:" + userID }

// OrgScope returns the counter/limits scope key for an organization.
func OrgScope(orgID string) string { return "org:" + orgID }
