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
	"ai_gateway/internal/session"
	"ai_gateway/internal/stream"
	"ai_gateway/internal/usage"
	"ai_gateway/internal/utils"
)

type streamRequest struct {
	Message     string `json:"message"`
	SessionID   string `json:"session_id,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	AgentID     string `json:"agent_id,omitempty"`
}

// roughTokens sizes a prompt for admission before the provider reports
// real counts.
func roughTokens(text string) int64 {
	if text == "" {
		return 0
	}
	return int64(len(text)/4 + 1)
}

// handleStream serves POST /stream. Admission failures surface as HTTP 429
// before the stream starts; everything after the first event is delivered
// as SSE, including failures.
func (d *Dependencies) handleStream(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.GetCaller(r.Context())
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "Missing caller identity", "unauthorized")
		return
	}

	var req streamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid request body", "invalid_request")
		return
	}
	if req.Message == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "message is required", "invalid_request")
		return
	}

	result, err := d.Monitor.Check(r.Context(), caller, usage.Estimate{Tokens: roughTokens(req.Message)})
	if err != nil {
		d.logger.Error("Admission check failed", "user_id", caller.UserID, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Admission check failed", "internal_error")
		return
	}
	if !result.WithinLimits {
		utils.RespondWithJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":    "quota exceeded",
			"code":     "quota_exceeded",
			"warnings": result.Warnings,
		})
		return
	}

	sess, err := d.resolveSession(r, caller, req)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			utils.RespondWithError(w, http.StatusNotFound, "Session not found", "not_found")
			return
		}
		d.logger.Error("Failed to resolve session", "user_id", caller.UserID, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to resolve session", "internal_error")
		return
	}

	start := time.Now()
	events, err := d.Pipeline.Run(r.Context(), caller, sess, req.Message, req.AgentID)
	if err != nil {
		switch {
		case errors.Is(err, usage.ErrQuotaExceeded):
			utils.RespondWithError(w, http.StatusTooManyRequests, err.Error(), "quota_exceeded")
		case errors.Is(err, agents.ErrUnknownAgent):
			utils.RespondWithError(w, http.StatusNotFound, "Unknown agent", "unknown_agent")
		default:
			d.logger.Error("Failed to start stream", "user_id", caller.UserID, "error", err)
			utils.RespondWithError(w, http.StatusInternalServerError, "Failed to start stream", "internal_error")
		}
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondWithError(w, http.StatusInternalServerError, "Streaming not supported", "internal_error")
		return
	}

	var streamStatus string
	for event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			d.logger.Error("Failed to encode stream event", "error", err)
			continue
		}
		if _, err := w.Write([]byte("data: ")); err != nil {
			break
		}
		if _, err := w.Write(data); err != nil {
			break
		}
		if _, err := w.Write([]byte("\n\n")); err != nil {
			break
		}
		flusher.Flush()

		if event.Type == stream.EventComplete || event.Type == stream.EventError {
			streamStatus = string(event.Type)
		}
	}

	w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()

	d.auditStream(caller, sess, req, streamStatus, time.Since(start))
}

// resolveSession loads an explicit session (owner-checked) or finds/creates
// the caller's workspace session.
func (d *Dependencies) resolveSession(r *http.Request, caller usage.Caller, req streamRequest) (*session.Session, error) {
	if req.SessionID != "" {
		sess, err := d.Sessions.Get(r.Context(), req.SessionID)
		if err != nil {
			return nil, err
		}
		if sess.UserID != caller.UserID {
			// Someone else's session id reads as absent.
			return nil, session.ErrNotFound
		}
		return sess, nil
	}

	workspace := req.WorkspaceID
	if workspace == "" {
		workspace = "default"
	}
	return d.Sessions.GetOrCreate(r.Context(), caller.UserID, workspace, nil)
}

func (d *Dependencies) auditStream(caller usage.Caller, sess *session.Session, req streamRequest, status string, elapsed time.Duration) {
	rec := &logging.Record{
		RequestID:      uuid.New().String(),
		UserID:         caller.UserID,
		OrganizationID: caller.OrganizationID,
		SessionID:      sess.ID,
		AgentID:        req.AgentID,
		Operation:      string(usage.OperationChat),
		LatencyMS:      elapsed.Milliseconds(),
		StatusCode:     http.StatusOK,
	}
	if status == string(stream.EventError) {
		rec.Error = "stream terminated with error"
	}

	ctx, cancel := contextWithAuditTimeout()
	defer cancel()
	if err := d.Audit.Write(ctx, rec); err != nil {
		d.logger.Error("Failed to write audit record", "error", err)
	}
}
