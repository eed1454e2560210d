package agents

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai_gateway/internal/breaker"
	"ai_gateway/internal/providers"
	"ai_gateway/internal/session"
)

// recordingProvider captures the request it served.
type recordingProvider struct {
	name    string
	lastReq providers.Request
	calls   int
}

func (p *recordingProvider) Name() string { return p.name }

func (p *recordingProvider) Complete(ctx context.Context, req providers.Request) (*providers.Response, error) {
	p.calls++
	p.lastReq = req
	return &providers.Response{
		Provider: p.name,
		Model:    req.Model,
		Content:  "done",
		Usage:    providers.Usage{InputTokens: 20, OutputTokens: 10},
	}, nil
}

func (p *recordingProvider) Stream(ctx context.Context, req providers.Request) (providers.Stream, error) {
	p.calls++
	p.lastReq = req
	return nil, nil
}

func (p *recordingProvider) Close() error { return nil }

func newTestOrchestrator(t *testing.T) (*Orchestrator, *recordingProvider, *recordingProvider) {
	t.Helper()
	openai := &recordingProvider{name: "openai"}
	anthropic := &recordingProvider{name: "anthropic"}
	router := providers.NewRouter(providers.RouterConfig{
		Breaker: breaker.NewRegistry(5, 30*time.Second),
		Timeout: time.Second,
	}, openai, anthropic)
	return NewOrchestrator(NewCatalog(), router, 4), openai, anthropic
}

func TestOrchestratorList(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)

	list := o.List()
	require.NotEmpty(t, list)

	ids := make([]string, 0, len(list))
	for _, a := range list {
		ids = append(ids, a.ID)
	}
	assert.Contains(t, ids, "general")
	assert.Contains(t, ids, "coder")
}

func TestOrchestratorExecute(t *testing.T) {
	o, openai, _ := newTestOrchestrator(t)

	res, err := o.Execute(context.Background(), "general", "what is Go?", "")
	require.NoError(t, err)
	assert.Equal(t, "done", res.Content)
	assert.Equal(t, "openai", res.Provider)
	assert.NotEmpty(t, res.Health)

	// System instructions first, user input last.
	require.GreaterOrEqual(t, len(openai.lastReq.Messages), 2)
	assert.Equal(t, "system", openai.lastReq.Messages[0].Role)
	last := openai.lastReq.Messages[len(openai.lastReq.Messages)-1]
	assert.Equal(t, "user", last.Role)
	assert.Equal(t, "what is Go?", last.Content)
}

func TestOrchestratorExecuteInjectsCallerContext(t *testing.T) {
	o, _, anthropic := newTestOrchestrator(t)

	_, err := o.Execute(context.Background(), "coder", "fix this", "repo uses Go 1.24")
	require.NoError(t, err)

	require.Len(t, anthropic.lastReq.Messages, 3)
	assert.Contains(t, anthropic.lastReq.Messages[1].Content, "repo uses Go 1.24")
}

func TestOrchestratorExecuteUnknownAgent(t *testing.T) {
	o, openai, anthropic := newTestOrchestrator(t)

	_, err := o.Execute(context.Background(), "ghost", "hello", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownAgent)

	// No provider call is made for an unknown agent.
	assert.Zero(t, openai.calls)
	assert.Zero(t, anthropic.calls)
}

func TestOrchestratorBuildRequestBoundsHistory(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)

	sess := session.NewSession("user-1", "ws-1", nil)
	for i := 0; i < 10; i++ {
		sess.History = append(sess.History, session.Turn{Role: "user", Content: "old"})
	}

	req, agentID, err := o.BuildRequest(sess, "latest question", "")
	require.NoError(t, err)
	assert.Equal(t, "general", agentID)

	// system + 4 history turns + new message
	assert.Len(t, req.Messages, 6)
	assert.Equal(t, "latest question", req.Messages[len(req.Messages)-1].Content)
}

func TestOrchestratorBuildRequestUsesSessionAgent(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)

	sess := session.NewSession("user-1", "ws-1", []string{"coder"})
	req, agentID, err := o.BuildRequest(sess, "write a loop", "")
	require.NoError(t, err)
	assert.Equal(t, "coder", agentID)
	assert.Equal(t, "claude-3-5-sonnet", req.Model)
}

func TestCatalogLoadOverride(t *testing.T) {
	t.Setenv("AGENT_CATALOG", `[{"id":"translator","name":"Translator","model":"gpt-4o","instructions":"Translate."}]`)

	c, err := LoadCatalog()
	require.NoError(t, err)

	a, err := c.Get("translator")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", a.Model)

	// Defaults are still present.
	_, err = c.Get("general")
	assert.NoError(t, err)
}
