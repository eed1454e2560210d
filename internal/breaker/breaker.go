package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned by Allow when a provider's breaker is open and its
// recovery timeout has not elapsed. Callers must fail fast without I/O.
var ErrOpen = errors.New("circuit breaker is open")

// State is the circuit breaker state for one provider.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// health tracks one provider. A single failure while half-open reopens the
// breaker; a success while half-open closes it.
type health struct {
	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probing     bool // a half-open trial call is in flight
}

// Snapshot is a point-in-time, copyable view of one provider's health.
type Snapshot struct {
	Provider    string    `json:"provider"`
	State       State     `json:"state"`
	Failures    int       `json:"consecutive_failures"`
	LastFailure time.Time `json:"last_failure,omitempty"`
}

// Registry tracks per-provider health shared by all concurrent requests.
// Failures observed by any caller affect routing for every caller.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*health

	failureThreshold int
	recoveryTimeout  time.Duration

	// injectable clock for tests
	now func() time.Time
}

// NewRegistry creates a registry. All providers share the same threshold and
// recovery timeout.
func NewRegistry(failureThreshold int, recoveryTimeout time.Duration) *Registry {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	return &Registry{
		providers:        make(map[string]*health),
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		now:              time.Now,
	}
}

func (r *Registry) get(provider string) *health {
	r.mu.RLock()
	h, ok := r.providers[provider]
	r.mu.RUnlock()
	if ok {
		return h
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok = r.providers[provider]; ok {
		return h
	}
	h = &health{state: Closed}
	r.providers[provider] = h
	return h
}

// Allow reports whether a call to the provider may proceed. While open it
// fails fast until the recovery timeout elapses, then admits exactly one
// half-open trial call.
func (r *Registry) Allow(provider string) error {
	h := r.get(provider)
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case Open:
		if r.now().Sub(h.lastFailure) < r.recoveryTimeout {
			return fmt.Errorf("%w: provider %s", ErrOpen, provider)
		}
		h.state = HalfOpen
		h.probing = true
		return nil
	case HalfOpen:
		// Only one trial call at a time; everyone else keeps failing fast
		// until its outcome is recorded.
		if h.probing {
			return fmt.Errorf("%w: provider %s", ErrOpen, provider)
		}
		h.probing = true
		return nil
	default:
		return nil
	}
}

// RecordSuccess resets the failure counter; a half-open trial success closes
// the breaker.
func (r *Registry) RecordSuccess(provider string) {
	h := r.get(provider)
	h.mu.Lock()
	defer h.mu.Unlock()

	h.failures = 0
	h.probing = false
	if h.state == HalfOpen {
		h.state = Closed
	}
}

// RecordFailure counts a failed call (timeout, non-2xx, malformed response).
// Reaching the threshold, or failing a half-open trial, opens the breaker.
func (r *Registry) RecordFailure(provider string) {
	h := r.get(provider)
	h.mu.Lock()
	defer h.mu.Unlock()

	h.failures++
	h.lastFailure = r.now()
	h.probing = false

	if h.state == HalfOpen || h.failures >= r.failureThreshold {
		h.state = Open
	}
}

// StateOf returns the current state for a provider.
func (r *Registry) StateOf(provider string) State {
	h := r.get(provider)
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Snapshot returns the health of every tracked provider, for observability.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.RLock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	r.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(names))
	for _, name := range names {
		h := r.get(name)
		h.mu.Lock()
		snaps = append(snaps, Snapshot{
			Provider:    name,
			State:       h.state,
			Failures:    h.failures,
			LastFailure: h.lastFailure,
		})
		h.mu.Unlock()
	}
	return snaps
}
