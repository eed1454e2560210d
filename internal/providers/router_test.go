package providers

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai_gateway/internal/breaker"
)

// fakeProvider is a scriptable Provider for router tests.
type fakeProvider struct {
	name     string
	failWith error
	calls    int
	chunks   []string
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	f.calls++
	if f.failWith != nil {
		return nil, f.failWith
	}
	return &Response{
		Provider: f.name,
		Model:    req.Model,
		Content:  "ok",
		Usage:    Usage{InputTokens: 10, OutputTokens: 5},
	}, nil
}

func (f *fakeProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	f.calls++
	if f.failWith != nil {
		return nil, f.failWith
	}
	return &fakeStream{chunks: f.chunks}, nil
}

func (f *fakeProvider) Close() error { return nil }

type fakeStream struct {
	chunks []string
	pos    int
}

func (s *fakeStream) Recv() (*Chunk, error) {
	if s.pos >= len(s.chunks) {
		return &Chunk{Done: true, Usage: &Usage{InputTokens: 10, OutputTokens: 5}}, io.EOF
	}
	c := &Chunk{Text: s.chunks[s.pos]}
	s.pos++
	return c, nil
}

func (s *fakeStream) Close() error { return nil }

func newTestRouter(t *testing.T, fallback string, provs ...Provider) *Router {
	t.Helper()
	return NewRouter(RouterConfig{
		Breaker:  breaker.NewRegistry(5, 30*time.Second),
		Fallback: fallback,
		Timeout:  time.Second,
	}, provs...)
}

func TestRouterRoutesByModelFamily(t *testing.T) {
	openai := &fakeProvider{name: "openai"}
	anthropic := &fakeProvider{name: "anthropic"}
	r := newTestRouter(t, "", openai, anthropic)

	resp, err := r.Route(context.Background(), Request{Model: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, "openai", resp.Provider)

	resp, err = r.Route(context.Background(), Request{Model: "claude-3-5-sonnet"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", resp.Provider)
}

func TestRouterQualifiedModelHint(t *testing.T) {
	anthropic := &fakeProvider{name: "anthropic"}
	r := newTestRouter(t, "", anthropic)

	resp, err := r.Route(context.Background(), Request{Model: "anthropic/claude-3-5-haiku"})
	require.NoError(t, err)
	assert.Equal(t, "claude-3-5-haiku", resp.Model)
}

func TestRouterUnknownModel(t *testing.T) {
	r := newTestRouter(t, "", &fakeProvider{name: "openai"})

	_, err := r.Route(context.Background(), Request{Model: "mystery-model"})
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestRouterFallsBackOnce(t *testing.T) {
	openai := &fakeProvider{name: "openai", failWith: errors.New("boom")}
	anthropic := &fakeProvider{name: "anthropic"}
	r := newTestRouter(t, "anthropic", openai, anthropic)

	resp, err := r.Route(context.Background(), Request{Model: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", resp.Provider)
	assert.Equal(t, 1, openai.calls)
	assert.Equal(t, 1, anthropic.calls)
}

func TestRouterBoundedRetry(t *testing.T) {
	openai := &fakeProvider{name: "openai", failWith: errors.New("boom")}
	anthropic := &fakeProvider{name: "anthropic", failWith: errors.New("also boom")}
	r := newTestRouter(t, "anthropic", openai, anthropic)

	_, err := r.Route(context.Background(), Request{Model: "gpt-4o"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderUnavailable)

	// One attempt each, no retry storm.
	assert.Equal(t, 1, openai.calls)
	assert.Equal(t, 1, anthropic.calls)
}

func TestRouterNoFallbackConfigured(t *testing.T) {
	openai := &fakeProvider{name: "openai", failWith: errors.New("boom")}
	r := newTestRouter(t, "", openai)

	_, err := r.Route(context.Background(), Request{Model: "gpt-4o"})
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Equal(t, 1, openai.calls)
}

func TestRouterBreakerFailsFastWithoutCall(t *testing.T) {
	openai := &fakeProvider{name: "openai", failWith: errors.New("boom")}
	r := newTestRouter(t, "", openai)

	// Trip the breaker.
	for i := 0; i < 5; i++ {
		_, _ = r.Route(context.Background(), Request{Model: "gpt-4o"})
	}
	require.Equal(t, breaker.Open, r.Breaker().StateOf("openai"))
	callsWhenOpen := openai.calls

	// Subsequent routes are rejected before reaching the provider.
	_, err := r.Route(context.Background(), Request{Model: "gpt-4o"})
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Equal(t, callsWhenOpen, openai.calls)
}

func TestRouterStreamFallback(t *testing.T) {
	openai := &fakeProvider{name: "openai", failWith: errors.New("boom")}
	anthropic := &fakeProvider{name: "anthropic", chunks: []string{"hello", " world"}}
	r := newTestRouter(t, "anthropic", openai, anthropic)

	live, err := r.RouteStream(context.Background(), Request{Model: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", live.Provider)

	var text string
	for {
		chunk, err := live.Events.Recv()
		if err == io.EOF {
			require.NotNil(t, chunk.Usage)
			break
		}
		require.NoError(t, err)
		text += chunk.Text
	}
	assert.Equal(t, "hello world", text)
}

func TestRouterReportStreamOutcome(t *testing.T) {
	openai := &fakeProvider{name: "openai", chunks: []string{"x"}}
	r := newTestRouter(t, "", openai)

	_, err := r.RouteStream(context.Background(), Request{Model: "gpt-4o"})
	require.NoError(t, err)

	// Mid-stream provider failure counts against the breaker.
	r.ReportStreamOutcome("openai", errors.New("connection reset"))
	snaps := r.Breaker().Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, 1, snaps[0].Failures)

	// Caller cancellation does not.
	r.ReportStreamOutcome("openai", context.Canceled)
	snaps = r.Breaker().Snapshot()
	assert.Equal(t, 0, snaps[0].Failures)
}
