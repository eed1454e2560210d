package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"ai_gateway/internal/agents"
	"ai_gateway/internal/logging"
	"ai_gateway/internal/middleware"
	"ai_gateway/internal/providers"
	"ai_gateway/internal/usage"
	"ai_gateway/internal/utils"
)

// handleAgentsList serves GET /agents.
func (d *Dependencies) handleAgentsList(w http.ResponseWriter, r *http.Request) {
	utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"agents": d.Orchestrator.List(),
	})
}

type agentExecuteRequest struct {
	AgentID string `json:"agent_id"`
	Input   string `json:"input"`
	Context string `json:"context,omitempty"`
}

// handleAgentExecute serves POST /agents/execute: a one-shot, non-streaming
// agent call with full quota accounting.
func (d *Dependencies) handleAgentExecute(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.GetCaller(r.Context())
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "Missing caller identity", "unauthorized")
		return
	}

	var req agentExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid request body", "invalid_request")
		return
	}
	if req.AgentID == "" || req.Input == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "agent_id and input are required", "invalid_request")
		return
	}

	admission, err := d.Monitor.Check(r.Context(), caller, usage.Estimate{Tokens: roughTokens(req.Input)})
	if err != nil {
		d.logger.Error("Admission check failed", "user_id", caller.UserID, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Admission check failed", "internal_error")
		return
	}
	if !admission.WithinLimits {
		utils.RespondWithJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":    "quota exceeded",
			"code":     "quota_exceeded",
			"warnings": admission.Warnings,
		})
		return
	}

	start := time.Now()
	result, err := d.Orchestrator.Execute(r.Context(), req.AgentID, req.Input, req.Context)
	if err != nil {
		switch {
		case errors.Is(err, agents.ErrUnknownAgent):
			utils.RespondWithError(w, http.StatusNotFound, "Unknown agent", "unknown_agent")
		case errors.Is(err, providers.ErrUnknownModel):
			utils.RespondWithError(w, http.StatusBadGateway, "No provider for agent model", "provider_unavailable")
		case errors.Is(err, providers.ErrProviderUnavailable):
			utils.RespondWithError(w, http.StatusBadGateway, "Provider unavailable", "provider_unavailable")
		default:
			d.logger.Error("Agent execution failed",
				"agent_id", req.AgentID, "user_id", caller.UserID, "error", err)
			utils.RespondWithError(w, http.StatusInternalServerError, "Agent execution failed", "internal_error")
		}
		return
	}

	record := &usage.Record{
		UserID:         caller.UserID,
		OrganizationID: caller.OrganizationID,
		Provider:       result.Provider,
		Model:          result.Model,
		Operation:      usage.OperationAgent,
		InputTokens:    result.Usage.InputTokens,
		OutputTokens:   result.Usage.OutputTokens,
		AgentID:        result.AgentID,
	}
	if _, err := d.Monitor.RecordUsage(r.Context(), record); err != nil {
		d.logger.Error("Failed to record agent usage",
			"agent_id", result.AgentID, "user_id", caller.UserID, "error", err)
	}

	d.auditAgentExecute(caller, result, record, time.Since(start))

	utils.RespondWithJSON(w, http.StatusOK, result)
}

func (d *Dependencies) auditAgentExecute(caller usage.Caller, result *agents.Result, record *usage.Record, elapsed time.Duration) {
	rec := &logging.Record{
		RequestID:      uuid.New().String(),
		UserID:         caller.UserID,
		OrganizationID: caller.OrganizationID,
		AgentID:        result.AgentID,
		Provider:       result.Provider,
		Model:          result.Model,
		Operation:      string(usage.OperationAgent),
		InputTokens:    record.InputTokens,
		OutputTokens:   record.OutputTokens,
		CostUSD:        record.CostUSD,
		StatusCode:     http.StatusOK,
		LatencyMS:      elapsed.Milliseconds(),
	}

	ctx, cancel := contextWithAuditTimeout()
	defer cancel()
	if err := d.Audit.Write(ctx, rec); err != nil {
		d.logger.Error("Failed to write audit record", "error", err)
	}
}
