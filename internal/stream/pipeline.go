// Package stream produces the ordered event sequence for one streaming chat
// turn: a session event, the generated chunks, then exactly one terminal
// event. It owns the session slot and the usage bookkeeping for the turn.
package stream

import (
	"context"
	"io"
	"time"

	"ai_gateway/internal/agents"
	"ai_gateway/internal/providers"
	"ai_gateway/internal/session"
	"ai_gateway/internal/usage"
	"ai_gateway/internal/utils"
)

// EventType discriminates pipeline events.
type EventType string

const (
	EventSession  EventType = "session"
	EventChunk    EventType = "chunk"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Event is one item in a turn's event sequence. The sequence is always
// [session, chunk..., terminal] where the terminal is complete or error,
// and the channel is closed right after the terminal.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Text      string    `json:"text,omitempty"`
	Status    string    `json:"status,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// Pipeline runs streaming chat turns.
type Pipeline struct {
	sessions     *session.Manager
	orchestrator *agents.Orchestrator
	router       *providers.Router
	monitor      *usage.Monitor
	eventBuffer  int
	logger       *utils.Logger
}

// PipelineConfig wires a Pipeline.
type PipelineConfig struct {
	Sessions     *session.Manager
	Orchestrator *agents.Orchestrator
	Router       *providers.Router
	Monitor      *usage.Monitor
	EventBuffer  int
	Logger       *utils.Logger
}

// NewPipeline creates a streaming pipeline.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	buffer := cfg.EventBuffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Pipeline{
		sessions:     cfg.Sessions,
		orchestrator: cfg.Orchestrator,
		router:       cfg.Router,
		monitor:      cfg.Monitor,
		eventBuffer:  buffer,
		logger:       cfg.Logger,
	}
}

// estimateTokens approximates token counts when the provider omitted usage,
// so aborted generations still get booked.
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(text)/4 + 1
}

// Run starts one streaming turn. It claims a concurrent-session slot
// (usage.ErrQuotaExceeded when the caller is at capacity) and resolves the
// agent before any event is produced; after that, all outcomes flow through
// the returned channel. The slot is released and usage is recorded however
// the turn ends, including consumer cancellation mid-generation.
func (p *Pipeline) Run(ctx context.Context, caller usage.Caller, sess *session.Session, message, agentID string) (<-chan Event, error) {
	req, resolvedAgent, err := p.orchestrator.BuildRequest(sess, message, agentID)
	if err != nil {
		return nil, err
	}

	if err := p.monitor.AcquireSession(ctx, caller); err != nil {
		return nil, err
	}

	events := make(chan Event, p.eventBuffer)
	go p.run(ctx, caller, sess, message, resolvedAgent, req, events)
	return events, nil
}

// emit delivers an event unless the consumer is gone.
func emit(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *Pipeline) run(ctx context.Context, caller usage.Caller, sess *session.Session, message, agentID string, req providers.Request, events chan<- Event) {
	defer close(events)
	defer func() {
		if err := p.monitor.ReleaseSession(context.Background(), caller); err != nil {
			p.logger.Error("Failed to release session slot",
				"user_id", caller.UserID, "error", err)
		}
	}()

	emit(ctx, events, Event{Type: EventSession, SessionID: sess.ID})

	if err := p.sessions.AppendTurn(ctx, sess.ID, session.Turn{
		Role:      "user",
		Content:   message,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		p.logger.Error("Failed to append user turn",
			"session_id", sess.ID, "error", err)
		emit(ctx, events, Event{Type: EventError, Message: "failed to update session"})
		return
	}

	live, err := p.router.RouteStream(ctx, req)
	if err != nil {
		p.logger.Warn("Failed to open provider stream",
			"session_id", sess.ID, "model", req.Model, "error", err)
		emit(ctx, events, Event{Type: EventError, Message: "generation unavailable"})
		return
	}
	defer live.Events.Close()

	var (
		assembled  []byte
		finalUsage *providers.Usage
		streamErr  error
	)

loop:
	for {
		select {
		case <-ctx.Done():
			streamErr = ctx.Err()
			break loop
		default:
		}

		chunk, err := live.Events.Recv()
		// Some backends deliver the usage-bearing chunk together with the
		// terminating error; never drop reported counts.
		if chunk != nil && chunk.Usage != nil {
			finalUsage = chunk.Usage
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			streamErr = err
			break
		}
		if chunk.Text != "" {
			assembled = append(assembled, chunk.Text...)
			if !emit(ctx, events, Event{Type: EventChunk, Text: chunk.Text}) {
				streamErr = ctx.Err()
				break
			}
		}
		if chunk.Done {
			break
		}
	}

	p.router.ReportStreamOutcome(live.Provider, streamErr)
	p.record(caller, sess, agentID, live, req, string(assembled), finalUsage)

	if streamErr != nil {
		p.logger.Warn("Stream ended early",
			"session_id", sess.ID, "provider", live.Provider, "error", streamErr)
		emit(ctx, events, Event{Type: EventError, Message: "generation interrupted"})
		return
	}

	if len(assembled) > 0 {
		if err := p.sessions.AppendTurn(context.Background(), sess.ID, session.Turn{
			Role:      "assistant",
			Content:   string(assembled),
			Timestamp: time.Now().UTC(),
		}); err != nil {
			p.logger.Error("Failed to append assistant turn",
				"session_id", sess.ID, "error", err)
		}
	}

	emit(ctx, events, Event{Type: EventComplete, Status: "done"})
}

// record books the turn's consumption. Runs off the request context so
// cancellation cannot skip the books; partial output counts too.
func (p *Pipeline) record(caller usage.Caller, sess *session.Session, agentID string, live *providers.LiveStream, req providers.Request, output string, providerUsage *providers.Usage) {
	rec := &usage.Record{
		UserID:         caller.UserID,
		OrganizationID: caller.OrganizationID,
		Provider:       live.Provider,
		Model:          live.Model,
		Operation:      usage.OperationChat,
		SessionID:      sess.ID,
		AgentID:        agentID,
	}
	if providerUsage != nil {
		rec.InputTokens = providerUsage.InputTokens
		rec.OutputTokens = providerUsage.OutputTokens
	} else {
		for _, msg := range req.Messages {
			rec.InputTokens += estimateTokens(msg.Content)
		}
		rec.OutputTokens = estimateTokens(output)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := p.monitor.RecordUsage(ctx, rec); err != nil {
		p.logger.Error("Failed to record stream usage",
			"session_id", sess.ID, "user_id", caller.UserID, "error", err)
	}
}
