package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ai_gateway/internal/breaker"
	"ai_gateway/internal/utils"
)

var (
	// ErrProviderUnavailable is returned after the primary call failed (or
	// its breaker was open) and the single fallback attempt, if configured,
	// failed too. No further retries are made.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrUnknownModel is returned when no registered provider serves the
	// requested model.
	ErrUnknownModel = errors.New("unknown model")
)

// Router selects a backend provider for a request, guards every call with
// the shared circuit breaker registry, and retries once against the
// configured fallback provider before surfacing failure.
type Router struct {
	providers map[string]Provider
	breaker   *breaker.Registry
	fallback  string
	timeout   time.Duration
	logger    *utils.Logger
}

// RouterConfig holds construction options for the Router.
type RouterConfig struct {
	Breaker  *breaker.Registry
	Fallback string        // provider name tried once when the primary fails
	Timeout  time.Duration // per-call timeout; a timeout counts as a failure
}

// NewRouter creates a router over the given providers.
func NewRouter(cfg RouterConfig, provs ...Provider) *Router {
	m := make(map[string]Provider, len(provs))
	for _, p := range provs {
		m[p.Name()] = p
	}
	return &Router{
		providers: m,
		breaker:   cfg.Breaker,
		fallback:  cfg.Fallback,
		timeout:   cfg.Timeout,
		logger:    utils.NewLogger("router"),
	}
}

// Breaker exposes the shared health registry for observability.
func (r *Router) Breaker() *breaker.Registry {
	return r.breaker
}

// providerFor resolves a model hint to a provider. Hints may be qualified
// ("anthropic/claude-3-5-sonnet") or bare model names matched by family.
func (r *Router) providerFor(model string) (Provider, string, error) {
	if name, rest, ok := strings.Cut(model, "/"); ok {
		if p, found := r.providers[name]; found {
			return p, rest, nil
		}
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}

	var name string
	switch {
	case strings.HasPrefix(model, "claude"):
		name = "anthropic"
	case strings.HasPrefix(model, "gpt") || strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3"):
		name = "openai"
	default:
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}

	p, found := r.providers[name]
	if !found {
		return nil, "", fmt.Errorf("%w: %s (provider %s not configured)", ErrUnknownModel, model, name)
	}
	return p, model, nil
}

// fallbackFor returns the fallback provider, or nil when none applies.
// The fallback is never the provider that just failed.
func (r *Router) fallbackFor(failed string) Provider {
	if r.fallback == "" || r.fallback == failed {
		return nil
	}
	return r.providers[r.fallback]
}

func (r *Router) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}

// attempt performs one breaker-guarded non-streaming call.
func (r *Router) attempt(ctx context.Context, p Provider, req Request) (*Response, error) {
	if err := r.breaker.Allow(p.Name()); err != nil {
		return nil, err
	}

	callCtx, cancel := r.callCtx(ctx)
	defer cancel()

	resp, err := p.Complete(callCtx, req)
	if err != nil {
		r.breaker.RecordFailure(p.Name())
		return nil, err
	}

	r.breaker.RecordSuccess(p.Name())
	return resp, nil
}

// Route performs a completion call against the provider serving the model
// hint, falling back once on failure.
func (r *Router) Route(ctx context.Context, req Request) (*Response, error) {
	primary, model, err := r.providerFor(req.Model)
	if err != nil {
		return nil, err
	}
	req.Model = model

	resp, primaryErr := r.attempt(ctx, primary, req)
	if primaryErr == nil {
		return resp, nil
	}

	if fb := r.fallbackFor(primary.Name()); fb != nil {
		r.logger.Warn("primary provider failed, trying fallback",
			"primary", primary.Name(), "fallback", fb.Name(), "error", primaryErr)
		resp, fbErr := r.attempt(ctx, fb, req)
		if fbErr == nil {
			return resp, nil
		}
		return nil, fmt.Errorf("%w: %s failed (%v), fallback %s failed (%v)",
			ErrProviderUnavailable, primary.Name(), primaryErr, fb.Name(), fbErr)
	}

	return nil, fmt.Errorf("%w: %s failed (%v)", ErrProviderUnavailable, primary.Name(), primaryErr)
}

// LiveStream couples an open provider stream with the identity of the
// provider serving it, so callers can report the stream's final outcome.
type LiveStream struct {
	Provider string
	Model    string
	Events   Stream
}

// RouteStream opens a streaming call against the provider serving the model
// hint, falling back once when the stream cannot be opened. Failures after
// the stream is open are reported via ReportStreamOutcome.
//
// The per-call timeout is not applied here: streams legitimately outlive it
// and are bounded by the caller's context instead.
func (r *Router) RouteStream(ctx context.Context, req Request) (*LiveStream, error) {
	primary, model, err := r.providerFor(req.Model)
	if err != nil {
		return nil, err
	}
	req.Model = model

	open := func(p Provider) (Stream, error) {
		if err := r.breaker.Allow(p.Name()); err != nil {
			return nil, err
		}
		s, err := p.Stream(ctx, req)
		if err != nil {
			r.breaker.RecordFailure(p.Name())
			return nil, err
		}
		return s, nil
	}

	s, primaryErr := open(primary)
	if primaryErr == nil {
		return &LiveStream{Provider: primary.Name(), Model: model, Events: s}, nil
	}

	if fb := r.fallbackFor(primary.Name()); fb != nil {
		r.logger.Warn("primary provider failed to open stream, trying fallback",
			"primary", primary.Name(), "fallback", fb.Name(), "error", primaryErr)
		s, fbErr := open(fb)
		if fbErr == nil {
			return &LiveStream{Provider: fb.Name(), Model: model, Events: s}, nil
		}
		return nil, fmt.Errorf("%w: %s failed (%v), fallback %s failed (%v)",
			ErrProviderUnavailable, primary.Name(), primaryErr, fb.Name(), fbErr)
	}

	return nil, fmt.Errorf("%w: %s failed (%v)", ErrProviderUnavailable, primary.Name(), primaryErr)
}

// ReportStreamOutcome records the terminal result of a stream opened via
// RouteStream. Caller cancellation is not a provider failure.
func (r *Router) ReportStreamOutcome(provider string, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		r.breaker.RecordSuccess(provider)
		return
	}
	r.breaker.RecordFailure(provider)
}

// Close closes all registered providers.
func (r *Router) Close() error {
	var firstErr error
	for _, p := range r.providers {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
