package breaker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryOpensAfterThreshold(t *testing.T) {
	r := NewRegistry(5, 30*time.Second)

	for i := 0; i < 4; i++ {
		r.RecordFailure("openai")
		assert.Equal(t, Closed, r.StateOf("openai"))
	}

	r.RecordFailure("openai")
	assert.Equal(t, Open, r.StateOf("openai"))

	// 6th call fails fast without any network attempt.
	start := time.Now()
	err := r.Allow("openai")
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOpen)
	assert.Less(t, elapsed, time.Millisecond)
}

func TestRegistryHalfOpenTrialAfterRecoveryTimeout(t *testing.T) {
	r := NewRegistry(2, 30*time.Second)

	now := time.Now()
	r.now = func() time.Time { return now }

	r.RecordFailure("openai")
	r.RecordFailure("openai")
	require.Equal(t, Open, r.StateOf("openai"))
	require.ErrorIs(t, r.Allow("openai"), ErrOpen)

	// Recovery timeout elapses: exactly one trial call is admitted.
	now = now.Add(31 * time.Second)
	require.NoError(t, r.Allow("openai"))
	assert.Equal(t, HalfOpen, r.StateOf("openai"))

	// More calls while the trial is in flight keep failing fast.
	assert.ErrorIs(t, r.Allow("openai"), ErrOpen)
	assert.ErrorIs(t, r.Allow("openai"), ErrOpen)

	// The trial's outcome frees the slot.
	r.RecordSuccess("openai")
	assert.NoError(t, r.Allow("openai"))
}

func TestRegistryHalfOpenAdmitsSingleConcurrentTrial(t *testing.T) {
	r := NewRegistry(1, time.Second)

	now := time.Now()
	r.now = func() time.Time { return now }

	r.RecordFailure("openai")
	require.Equal(t, Open, r.StateOf("openai"))
	now = now.Add(2 * time.Second)

	const callers = 16
	var wg sync.WaitGroup
	var admitted int32
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Allow("openai") == nil {
				atomic.AddInt32(&admitted, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), admitted)
	assert.Equal(t, HalfOpen, r.StateOf("openai"))

	// A failed trial reopens and the next wave is rejected outright.
	r.RecordFailure("openai")
	assert.Equal(t, Open, r.StateOf("openai"))
	assert.ErrorIs(t, r.Allow("openai"), ErrOpen)
}

func TestRegistryHalfOpenSuccessCloses(t *testing.T) {
	r := NewRegistry(1, time.Second)

	now := time.Now()
	r.now = func() time.Time { return now }

	r.RecordFailure("anthropic")
	now = now.Add(2 * time.Second)
	require.NoError(t, r.Allow("anthropic"))

	r.RecordSuccess("anthropic")
	assert.Equal(t, Closed, r.StateOf("anthropic"))

	snaps := r.Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, 0, snaps[0].Failures)
}

func TestRegistryHalfOpenFailureReopens(t *testing.T) {
	r := NewRegistry(3, time.Second)

	now := time.Now()
	r.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		r.RecordFailure("openai")
	}
	now = now.Add(2 * time.Second)
	require.NoError(t, r.Allow("openai"))
	require.Equal(t, HalfOpen, r.StateOf("openai"))

	// A single half-open failure reopens immediately, threshold not required.
	r.RecordFailure("openai")
	assert.Equal(t, Open, r.StateOf("openai"))
	assert.ErrorIs(t, r.Allow("openai"), ErrOpen)
}

func TestRegistrySuccessResetsCounter(t *testing.T) {
	r := NewRegistry(3, time.Second)

	r.RecordFailure("openai")
	r.RecordFailure("openai")
	r.RecordSuccess("openai")

	// Counter restarts from zero, so two more failures keep the breaker closed.
	r.RecordFailure("openai")
	r.RecordFailure("openai")
	assert.Equal(t, Closed, r.StateOf("openai"))

	r.RecordFailure("openai")
	assert.Equal(t, Open, r.StateOf("openai"))
}

func TestRegistryStateIsPerProvider(t *testing.T) {
	r := NewRegistry(1, time.Minute)

	r.RecordFailure("openai")
	assert.Equal(t, Open, r.StateOf("openai"))
	assert.Equal(t, Closed, r.StateOf("anthropic"))
	assert.NoError(t, r.Allow("anthropic"))
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry(100, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = r.Allow("openai")
				if n%2 == 0 {
					r.RecordSuccess("openai")
				} else {
					r.RecordFailure("openai")
				}
				_ = r.Snapshot()
			}
		}(i)
	}
	wg.Wait()
}
