// Package logging archives per-request audit records. Records are buffered
// in Redis so a gateway restart loses nothing, and a background flusher
// drains them to S3 as JSON Lines batches.
package logging

import "time"

// Record is one audited gateway request.
type Record struct {
	Timestamp      time.Time `json:"timestamp"`
	RequestID      string    `json:"request_id"`
	UserID         string    `json:"user_id"`
	OrganizationID string    `json:"organization_id,omitempty"`
	SessionID      string    `json:"session_id,omitempty"`
	AgentID        string    `json:"agent_id,omitempty"`
	Provider       string    `json:"provider"`
	Model          string    `json:"model"`
	Operation      string    `json:"operation"`
	InputTokens    int       `json:"input_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	CostUSD        float64   `json:"cost_usd"`
	StatusCode     int       `json:"status_code"`
	LatencyMS      int64     `json:"latency_ms"`
	Error          string    `json:"error,omitempty"`
}
