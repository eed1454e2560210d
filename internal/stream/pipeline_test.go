package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai_gateway/internal/agents"
	"ai_gateway/internal/breaker"
	"ai_gateway/internal/pricing"
	"ai_gateway/internal/providers"
	"ai_gateway/internal/queue"
	"ai_gateway/internal/session"
	"ai_gateway/internal/usage"
	"ai_gateway/internal/utils"
)

type scriptedStream struct {
	chunks []providers.Chunk
	err    error // returned after the scripted chunks instead of io.EOF
	pos    int
}

func (s *scriptedStream) Recv() (*providers.Chunk, error) {
	if s.pos >= len(s.chunks) {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return &chunk, nil
}

func (s *scriptedStream) Close() error { return nil }

type scriptedProvider struct {
	name    string
	chunks  []providers.Chunk
	err     error
	openErr error
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Complete(context.Context, providers.Request) (*providers.Response, error) {
	return nil, errors.New("not used")
}

func (p *scriptedProvider) Stream(context.Context, providers.Request) (providers.Stream, error) {
	if p.openErr != nil {
		return nil, p.openErr
	}
	return &scriptedStream{chunks: p.chunks, err: p.err}, nil
}

func (p *scriptedProvider) Close() error { return nil }

type limitsStore struct{ stored map[string]usage.Limits }

func (s *limitsStore) Get(_ context.Context, scope string) (*usage.Limits, error) {
	if l, ok := s.stored[scope]; ok {
		return &l, nil
	}
	return nil, usage.ErrLimitsNotFound
}

func (s *limitsStore) Upsert(_ context.Context, scope string, l usage.Limits) error {
	s.stored[scope] = l
	return nil
}

type pipelineFixture struct {
	pipeline *Pipeline
	sessions *session.Manager
	monitor  *usage.Monitor
	queue    queue.Queue
}

func newFixture(t *testing.T, defaults usage.Limits, provs ...providers.Provider) *pipelineFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	table := pricing.NewTable()

	q := queue.NewMemoryQueue(queue.DefaultConfig("stream-test"))
	t.Cleanup(func() { q.Close() })

	monitor := usage.NewMonitor(usage.MonitorConfig{
		Counters:    usage.NewCounters(client),
		LimitsStore: &limitsStore{stored: make(map[string]usage.Limits)},
		Pricing:     table,
		RecordQueue: q,
		Defaults:    defaults,
		SessionTTL:  time.Minute,
		Logger:      utils.NewLogger("stream-test", utils.Error),
	})

	router := providers.NewRouter(providers.RouterConfig{
		Breaker: breaker.NewRegistry(3, time.Minute),
		Timeout: time.Second,
	}, provs...)

	sessions := session.NewManager(session.NewMemoryStore())

	pipeline := NewPipeline(PipelineConfig{
		Sessions:     sessions,
		Orchestrator: agents.NewOrchestrator(agents.NewCatalog(), router, 10),
		Router:       router,
		Monitor:      monitor,
		EventBuffer:  8,
		Logger:       utils.NewLogger("stream-test", utils.Error),
	})
	return &pipelineFixture{pipeline: pipeline, sessions: sessions, monitor: monitor, queue: q}
}

// gptProvider serves the general agent's gpt-4o-mini model, so it registers
// under the name the openai model family resolves to.
func gptProvider(chunks []providers.Chunk, streamErr error) *scriptedProvider {
	return &scriptedProvider{name: "openai", chunks: chunks, err: streamErr}
}

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
}

func textChunks(texts ...string) []providers.Chunk {
	chunks := make([]providers.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = providers.Chunk{Text: text}
	}
	chunks[len(chunks)-1].Done = true
	chunks[len(chunks)-1].Usage = &providers.Usage{InputTokens: 10, OutputTokens: 5}
	return chunks
}

func runTurn(t *testing.T, f *pipelineFixture, caller usage.Caller, message string) (*session.Session, []Event) {
	t.Helper()
	ctx := context.Background()

	sess, err := f.sessions.GetOrCreate(ctx, caller.UserID, "ws1", nil)
	require.NoError(t, err)

	events, err := f.pipeline.Run(ctx, caller, sess, message, "general")
	require.NoError(t, err)
	return sess, collect(t, events)
}

func TestPipelineEventSequence(t *testing.T) {
	f := newFixture(t, usage.Limits{}, gptProvider(textChunks("Hello", ", ", "world"), nil))

	sess, events := runTurn(t, f, usage.Caller{UserID: "u1"}, "hi")

	require.Len(t, events, 5)
	assert.Equal(t, EventSession, events[0].Type)
	assert.Equal(t, sess.ID, events[0].SessionID)
	for _, ev := range events[1:4] {
		assert.Equal(t, EventChunk, ev.Type)
	}
	assert.Equal(t, "Hello", events[1].Text)
	assert.Equal(t, EventComplete, events[4].Type)
	assert.Equal(t, "done", events[4].Status)
}

func TestPipelineAppendsBothTurns(t *testing.T) {
	f := newFixture(t, usage.Limits{}, gptProvider(textChunks("answer"), nil))

	sess, _ := runTurn(t, f, usage.Caller{UserID: "u1"}, "question")

	updated, err := f.sessions.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, updated.History, 2)
	assert.Equal(t, "user", updated.History[0].Role)
	assert.Equal(t, "question", updated.History[0].Content)
	assert.Equal(t, "assistant", updated.History[1].Role)
	assert.Equal(t, "answer", updated.History[1].Content)
}

func TestPipelineRecordsUsage(t *testing.T) {
	f := newFixture(t, usage.Limits{}, gptProvider(textChunks("answer"), nil))
	caller := usage.Caller{UserID: "u1"}

	sess, _ := runTurn(t, f, caller, "question")

	items, err := f.queue.DequeueBatch(context.Background(), 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, items, 1)
	rec := items[0].(*usage.Record)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, sess.ID, rec.SessionID)
	assert.Equal(t, "general", rec.AgentID)
	assert.Equal(t, 10, rec.InputTokens)
	assert.Equal(t, 5, rec.OutputTokens)

	summary, err := f.monitor.Summary(context.Background(), caller)
	require.NoError(t, err)
	assert.Equal(t, int64(15), summary.Totals.DailyTokens)
}

func TestPipelineStreamErrorIsTerminal(t *testing.T) {
	chunks := []providers.Chunk{{Text: "partial"}}
	f := newFixture(t, usage.Limits{}, gptProvider(chunks, errors.New("upstream reset")))

	_, events := runTurn(t, f, usage.Caller{UserID: "u1"}, "hi")

	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Type)
	assert.NotEmpty(t, last.Message)
	for _, ev := range events[:len(events)-1] {
		assert.NotEqual(t, EventComplete, ev.Type)
		assert.NotEqual(t, EventError, ev.Type)
	}
}

func TestPipelinePartialUsageBookedOnError(t *testing.T) {
	chunks := []providers.Chunk{{Text: "partial output here"}}
	f := newFixture(t, usage.Limits{}, gptProvider(chunks, errors.New("upstream reset")))
	caller := usage.Caller{UserID: "u1"}

	runTurn(t, f, caller, "hi")

	// No provider usage arrived, so the estimate path books the turn.
	summary, err := f.monitor.Summary(context.Background(), caller)
	require.NoError(t, err)
	assert.Greater(t, summary.Totals.DailyTokens, int64(0))
}

func TestPipelineOpenFailure(t *testing.T) {
	f := newFixture(t, usage.Limits{}, &scriptedProvider{name: "openai", openErr: errors.New("dial failed")})

	_, events := runTurn(t, f, usage.Caller{UserID: "u1"}, "hi")

	require.Len(t, events, 2)
	assert.Equal(t, EventSession, events[0].Type)
	assert.Equal(t, EventError, events[1].Type)
}

func TestPipelineSessionSlots(t *testing.T) {
	// A scripted stream that never ends until the context is cancelled
	// would complicate the test; instead rely on slot accounting across
	// sequential turns plus a capacity-zero rejection.
	f := newFixture(t, usage.Limits{MaxConcurrentSessions: 1}, gptProvider(textChunks("ok"), nil))
	ctx := context.Background()
	caller := usage.Caller{UserID: "u1"}

	sess, err := f.sessions.GetOrCreate(ctx, caller.UserID, "ws1", nil)
	require.NoError(t, err)

	// Slot is released when the turn finishes, so back-to-back turns work.
	for i := 0; i < 3; i++ {
		events, err := f.pipeline.Run(ctx, caller, sess, "hi", "general")
		require.NoError(t, err)
		collect(t, events)
	}

	// Exhaust the only slot out-of-band, then Run must reject synchronously.
	require.NoError(t, f.monitor.AcquireSession(ctx, caller))
	_, err = f.pipeline.Run(ctx, caller, sess, "hi", "general")
	assert.ErrorIs(t, err, usage.ErrQuotaExceeded)
}

func TestPipelineUnknownAgentFailsBeforeSlot(t *testing.T) {
	f := newFixture(t, usage.Limits{MaxConcurrentSessions: 1}, gptProvider(textChunks("ok"), nil))
	ctx := context.Background()
	caller := usage.Caller{UserID: "u1"}

	sess, err := f.sessions.GetOrCreate(ctx, caller.UserID, "ws1", nil)
	require.NoError(t, err)

	_, err = f.pipeline.Run(ctx, caller, sess, "hi", "no-such-agent")
	assert.ErrorIs(t, err, agents.ErrUnknownAgent)

	// The failed run must not have consumed the slot.
	assert.NoError(t, f.monitor.AcquireSession(ctx, caller))
}

// sseHandler serves the given payloads as one SSE response, ending with the
// OpenAI-style [DONE] marker.
func sseHandler(payloads ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, p := range payloads {
			fmt.Fprintf(w, "data: %s\n\n", p)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

func dequeueRecord(t *testing.T, f *pipelineFixture) *usage.Record {
	t.Helper()
	items, err := f.queue.DequeueBatch(context.Background(), 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, items, 1)
	return items[0].(*usage.Record)
}

func TestPipelineRecordsOpenAIStreamUsage(t *testing.T) {
	srv := httptest.NewServer(sseHandler(
		`{"choices":[{"delta":{"content":"Hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
		`{"choices":[],"usage":{"prompt_tokens":10,"completion_tokens":5}}`,
	))
	defer srv.Close()

	p, err := providers.NewOpenAIProvider(providers.OpenAIConfig{APIKey: "test", BaseURL: srv.URL})
	require.NoError(t, err)
	f := newFixture(t, usage.Limits{}, p)

	sess, events := runTurn(t, f, usage.Caller{UserID: "u1"}, "question")
	require.Equal(t, EventComplete, events[len(events)-1].Type)

	rec := dequeueRecord(t, f)
	assert.Equal(t, sess.ID, rec.SessionID)
	assert.Equal(t, "openai", rec.Provider)
	assert.Equal(t, 10, rec.InputTokens)
	assert.Equal(t, 5, rec.OutputTokens)
}

func TestPipelineRecordsAnthropicStreamUsage(t *testing.T) {
	srv := httptest.NewServer(sseHandler(
		`{"type":"message_start","message":{"usage":{"input_tokens":9}}}`,
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hi"}}`,
		`{"type":"message_delta","usage":{"output_tokens":4}}`,
		`{"type":"message_stop"}`,
	))
	defer srv.Close()

	p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{APIKey: "test", BaseURL: srv.URL})
	require.NoError(t, err)
	f := newFixture(t, usage.Limits{}, p)

	ctx := context.Background()
	caller := usage.Caller{UserID: "u1"}
	sess, err := f.sessions.GetOrCreate(ctx, caller.UserID, "ws1", nil)
	require.NoError(t, err)

	// The coder agent targets a claude model, resolving to this provider.
	events, err := f.pipeline.Run(ctx, caller, sess, "write code", "coder")
	require.NoError(t, err)
	got := collect(t, events)
	require.Equal(t, EventComplete, got[len(got)-1].Type)

	rec := dequeueRecord(t, f)
	assert.Equal(t, "anthropic", rec.Provider)
	assert.Equal(t, 9, rec.InputTokens)
	assert.Equal(t, 4, rec.OutputTokens)
}

// trailingUsageStream reports usage only on the chunk delivered together
// with io.EOF.
type trailingUsageStream struct {
	sent bool
}

func (s *trailingUsageStream) Recv() (*providers.Chunk, error) {
	if !s.sent {
		s.sent = true
		return &providers.Chunk{Text: "Hello"}, nil
	}
	return &providers.Chunk{Done: true, Usage: &providers.Usage{InputTokens: 10, OutputTokens: 5}}, io.EOF
}

func (s *trailingUsageStream) Close() error { return nil }

type trailingUsageProvider struct{}

func (trailingUsageProvider) Name() string { return "openai" }

func (trailingUsageProvider) Complete(context.Context, providers.Request) (*providers.Response, error) {
	return nil, errors.New("not used")
}

func (trailingUsageProvider) Stream(context.Context, providers.Request) (providers.Stream, error) {
	return &trailingUsageStream{}, nil
}

func (trailingUsageProvider) Close() error { return nil }

func TestPipelineKeepsUsageDeliveredWithEOF(t *testing.T) {
	f := newFixture(t, usage.Limits{}, trailingUsageProvider{})

	_, events := runTurn(t, f, usage.Caller{UserID: "u1"}, "question")
	require.Equal(t, EventComplete, events[len(events)-1].Type)

	rec := dequeueRecord(t, f)
	assert.Equal(t, 10, rec.InputTokens)
	assert.Equal(t, 5, rec.OutputTokens)
}
