package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"ai_gateway/internal/middleware"
	"ai_gateway/internal/pricing"
	"ai_gateway/internal/usage"
	"ai_gateway/internal/utils"
)

func contextWithAuditTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

// handleUsageSummary serves GET /usage: the caller's totals against their
// limits. ?organization_id= switches to the caller's organization scope.
func (d *Dependencies) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.GetCaller(r.Context())
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "Missing caller identity", "unauthorized")
		return
	}

	if orgID := r.URL.Query().Get("organization_id"); orgID != "" {
		if orgID != caller.OrganizationID {
			utils.RespondWithError(w, http.StatusForbidden, "Not a member of that organization", "forbidden")
			return
		}
		summary, err := d.Monitor.OrgSummary(r.Context(), orgID)
		if err != nil {
			d.logger.Error("Failed to build org usage summary", "organization_id", orgID, "error", err)
			utils.RespondWithError(w, http.StatusInternalServerError, "Failed to build usage summary", "internal_error")
			return
		}
		utils.RespondWithJSON(w, http.StatusOK, summary)
		return
	}

	summary, err := d.Monitor.Summary(r.Context(), caller)
	if err != nil {
		d.logger.Error("Failed to build usage summary", "user_id", caller.UserID, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to build usage summary", "internal_error")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, summary)
}

type usageRecordRequest struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	Operation    string `json:"operation"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	SessionID    string `json:"session_id,omitempty"`
	AgentID      string `json:"agent_id,omitempty"`
}

// handleUsageRecord serves POST /usage: admission at the record's actual
// size, then recording when admitted.
func (d *Dependencies) handleUsageRecord(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.GetCaller(r.Context())
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "Missing caller identity", "unauthorized")
		return
	}

	var req usageRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid request body", "invalid_request")
		return
	}
	if req.Provider == "" || req.Model == "" || req.Operation == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "provider, model and operation are required", "invalid_request")
		return
	}
	if req.InputTokens < 0 || req.OutputTokens < 0 {
		utils.RespondWithError(w, http.StatusBadRequest, "token counts must be non-negative", "invalid_request")
		return
	}

	record := &usage.Record{
		UserID:         caller.UserID,
		OrganizationID: caller.OrganizationID,
		Provider:       req.Provider,
		Model:          req.Model,
		Operation:      usage.Operation(req.Operation),
		InputTokens:    req.InputTokens,
		OutputTokens:   req.OutputTokens,
		SessionID:      req.SessionID,
		AgentID:        req.AgentID,
	}

	result, id, err := d.Monitor.CheckAndRecord(r.Context(), record)
	switch {
	case errors.Is(err, usage.ErrQuotaExceeded):
		utils.RespondWithJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":    "quota exceeded",
			"code":     "quota_exceeded",
			"warnings": result.Warnings,
		})
		return
	case errors.Is(err, pricing.ErrUnknownPricing):
		d.logger.Warn("Usage record for unpriced model",
			"provider", req.Provider, "model", req.Model)
		utils.RespondWithError(w, http.StatusBadRequest, "No pricing for provider/model pair", "unknown_pricing")
		return
	case err != nil:
		d.logger.Error("Failed to record usage", "user_id", caller.UserID, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to record usage", "internal_error")
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"record_id":     id,
		"cost_usd":      record.CostUSD,
		"within_limits": result.WithinLimits,
	})
}

type usageLimitsRequest struct {
	UserID         string             `json:"user_id,omitempty"`
	OrganizationID string             `json:"organization_id,omitempty"`
	Limits         map[string]float64 `json:"limits"`
}

// handleUsageLimits serves PUT /usage: admin-only partial limit updates for
// a user or organization scope.
func (d *Dependencies) handleUsageLimits(w http.ResponseWriter, r *http.Request) {
	var req usageLimitsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid request body", "invalid_request")
		return
	}

	var scope string
	switch {
	case req.UserID != "" && req.OrganizationID != "":
		utils.RespondWithError(w, http.StatusBadRequest, "user_id and organization_id are mutually exclusive", "invalid_request")
		return
	case req.UserID != "":
		scope = usage.UserScope(req.UserID)
	case req.OrganizationID != "":
		scope = usage.OrgScope(req.OrganizationID)
	default:
		utils.RespondWithError(w, http.StatusBadRequest, "user_id or organization_id is required", "invalid_request")
		return
	}

	limits, err := d.Monitor.UpdateLimits(r.Context(), scope, req.Limits)
	if err != nil {
		if errors.Is(err, usage.ErrInvalidLimits) {
			utils.RespondWithError(w, http.StatusBadRequest, err.Error(), "invalid_limits")
			return
		}
		d.logger.Error("Failed to update limits", "scope", scope, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to update limits", "internal_error")
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"scope":  scope,
		"limits": limits,
	})
}
