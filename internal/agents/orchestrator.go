package agents

import (
	"context"
	"fmt"

	"ai_gateway/internal/breaker"
	"ai_gateway/internal/providers"
	"ai_gateway/internal/session"
	"ai_gateway/internal/utils"
)

// Orchestrator maps agent ids to capability profiles and composes provider
// requests on behalf of sessions.
type Orchestrator struct {
	catalog      *Catalog
	router       *providers.Router
	historyTurns int
	logger       *utils.Logger
}

// Result is the outcome of a one-shot agent execution: the raw provider
// response plus the router's current provider-health snapshot.
type Result struct {
	AgentID  string             `json:"agent_id"`
	Content  string             `json:"content"`
	Provider string             `json:"provider"`
	Model    string             `json:"model"`
	Usage    providers.Usage    `json:"usage"`
	Health   []breaker.Snapshot `json:"provider_health"`
}

// NewOrchestrator creates an orchestrator over a catalog and router.
// historyTurns bounds how much session history is injected into prompts.
func NewOrchestrator(catalog *Catalog, router *providers.Router, historyTurns int) *Orchestrator {
	if historyTurns <= 0 {
		historyTurns = 20
	}
	return &Orchestrator{
		catalog:      catalog,
		router:       router,
		historyTurns: historyTurns,
		logger:       utils.NewLogger("agents"),
	}
}

// List returns the agent catalog.
func (o *Orchestrator) List() []Agent {
	return o.catalog.List()
}

// Execute resolves an agent, assembles a provider request from its
// instructions plus caller-supplied context, and delegates to the router.
// Unknown agent ids fail before any provider call is made.
func (o *Orchestrator) Execute(ctx context.Context, agentID, input, callerContext string) (*Result, error) {
	agent, err := o.catalog.Get(agentID)
	if err != nil {
		o.logger.Warn("agent lookup failed", "agent_id", agentID)
		return nil, err
	}

	messages := []providers.Message{
		{Role: "system", Content: agent.Instructions},
	}
	if callerContext != "" {
		messages = append(messages, providers.Message{
			Role:    "system",
			Content: "Additional context from the caller:\n" + callerContext,
		})
	}
	messages = append(messages, providers.Message{Role: "user", Content: input})

	resp, err := o.router.Route(ctx, providers.Request{
		Model:    agent.Model,
		Messages: messages,
	})
	if err != nil {
		return nil, fmt.Errorf("agent %s execution failed: %w", agentID, err)
	}

	return &Result{
		AgentID:  agentID,
		Content:  resp.Content,
		Provider: resp.Provider,
		Model:    resp.Model,
		Usage:    resp.Usage,
		Health:   o.router.Breaker().Snapshot(),
	}, nil
}

// BuildRequest composes the provider request for a streaming session turn:
// agent instructions, bounded recent history, then the new message.
func (o *Orchestrator) BuildRequest(sess *session.Session, message, agentID string) (providers.Request, string, error) {
	agent, err := o.resolveForSession(sess, agentID)
	if err != nil {
		return providers.Request{}, "", err
	}

	messages := []providers.Message{
		{Role: "system", Content: agent.Instructions},
	}

	history := sess.History
	if len(history) > o.historyTurns {
		history = history[len(history)-o.historyTurns:]
	}
	for _, turn := range history {
		messages = append(messages, providers.Message{Role: turn.Role, Content: turn.Content})
	}
	messages = append(messages, providers.Message{Role: "user", Content: message})

	return providers.Request{
		Model:    agent.Model,
		Messages: messages,
	}, agent.ID, nil
}

// resolveForSession picks the agent: the explicit id when given, else the
// session's first assigned agent, else the general default.
func (o *Orchestrator) resolveForSession(sess *session.Session, agentID string) (Agent, error) {
	if agentID != "" {
		return o.catalog.Get(agentID)
	}
	if len(sess.AgentIDs) > 0 {
		return o.catalog.Get(sess.AgentIDs[0])
	}
	return o.catalog.Get("general")
}
