package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerGetOrCreate(t *testing.T) {
	m := NewManager(NewMemoryStore())
	ctx := context.Background()

	s, err := m.GetOrCreate(ctx, "user-1", "ws-1", []string{"coder"})
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, "user-1", s.UserID)
	assert.Equal(t, []string{"coder"}, s.AgentIDs)
	assert.Empty(t, s.History)

	// Same owner gets the same session back.
	again, err := m.GetOrCreate(ctx, "user-1", "ws-1", nil)
	require.NoError(t, err)
	assert.Equal(t, s.ID, again.ID)

	// Different workspace gets a fresh one.
	other, err := m.GetOrCreate(ctx, "user-1", "ws-2", nil)
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, other.ID)
}

func TestManagerGetOrCreateConcurrentFirstMessage(t *testing.T) {
	m := NewManager(NewMemoryStore())
	ctx := context.Background()

	ids := make(chan string, 16)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.GetOrCreate(ctx, "user-1", "ws-1", nil)
			require.NoError(t, err)
			ids <- s.ID
		}()
	}
	wg.Wait()
	close(ids)

	first := <-ids
	for id := range ids {
		assert.Equal(t, first, id, "concurrent first messages must share one session")
	}
}

func TestManagerAppendTurn(t *testing.T) {
	m := NewManager(NewMemoryStore())
	ctx := context.Background()

	s, err := m.GetOrCreate(ctx, "user-1", "ws-1", nil)
	require.NoError(t, err)

	require.NoError(t, m.AppendTurn(ctx, s.ID, Turn{Role: "user", Content: "hi", Timestamp: time.Now()}))
	require.NoError(t, m.AppendTurn(ctx, s.ID, Turn{Role: "assistant", Content: "hello", Timestamp: time.Now()}))

	got, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, got.History, 2)
	assert.Equal(t, "user", got.History[0].Role)
	assert.Equal(t, "assistant", got.History[1].Role)
}

func TestManagerAppendTurnUnknownSession(t *testing.T) {
	m := NewManager(NewMemoryStore())

	err := m.AppendTurn(context.Background(), "no-such-session", Turn{Role: "user", Content: "hi"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManagerConcurrentAppendsNoLostUpdates(t *testing.T) {
	m := NewManager(NewMemoryStore())
	ctx := context.Background()

	s, err := m.GetOrCreate(ctx, "user-1", "ws-1", nil)
	require.NoError(t, err)

	const writers = 8
	const perWriter = 25

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				err := m.AppendTurn(ctx, s.ID, Turn{
					Role:    "user",
					Content: fmt.Sprintf("writer-%d-turn-%d", w, i),
				})
				require.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	got, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, got.History, writers*perWriter)
}
