package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai_gateway/internal/queue"
	"ai_gateway/internal/usage"
)

type fakeRecordStore struct {
	mu       sync.Mutex
	created  []*usage.Record
	failures int // Create errors this many times before succeeding
}

func (s *fakeRecordStore) Create(_ context.Context, record *usage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("insert failed")
	}
	s.created = append(s.created, record)
	return nil
}

func (s *fakeRecordStore) ListByUser(context.Context, string, time.Time, time.Time, int) ([]*usage.Record, error) {
	return nil, nil
}

func (s *fakeRecordStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.created)
}

func workerConfig() *queue.Config {
	return &queue.Config{
		Name:         "usage-test",
		BatchSize:    10,
		BatchTimeout: 20 * time.Millisecond,
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestWorkerPersistsQueuedRecords(t *testing.T) {
	q := queue.NewMemoryQueue(workerConfig())
	defer q.Close()
	store := &fakeRecordStore{}

	worker := NewUsageQueueWorker(q, nil, store, workerConfig())
	worker.Start(context.Background())
	defer worker.Stop()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		rec := &usage.Record{ID: usage.NewRecordID(), UserID: "u1", Provider: "openai", Model: "gpt-4o"}
		require.NoError(t, q.Enqueue(ctx, rec))
	}

	waitFor(t, func() bool { return store.count() == 3 })
}

func TestWorkerRetriesThenSucceeds(t *testing.T) {
	q := queue.NewMemoryQueue(workerConfig())
	defer q.Close()
	store := &fakeRecordStore{failures: 2}

	worker := NewUsageQueueWorker(q, nil, store, workerConfig())
	worker.Start(context.Background())
	defer worker.Stop()

	require.NoError(t, q.Enqueue(context.Background(), &usage.Record{ID: "r1", UserID: "u1"}))

	waitFor(t, func() bool { return store.count() == 1 })
}

func TestWorkerParksExhaustedRecordsInDLQ(t *testing.T) {
	q := queue.NewMemoryQueue(workerConfig())
	defer q.Close()
	dlq := queue.NewMemoryDeadLetterQueue()
	defer dlq.Close()
	store := &fakeRecordStore{failures: 100}

	worker := NewUsageQueueWorker(q, dlq, store, workerConfig())
	worker.Start(context.Background())
	defer worker.Stop()

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, &usage.Record{ID: "r1", UserID: "u1"}))

	waitFor(t, func() bool {
		items, err := dlq.List(ctx, 0)
		return err == nil && len(items) == 1
	})
	assert.Zero(t, store.count())
}

func TestWorkerRetryFromDLQ(t *testing.T) {
	q := queue.NewMemoryQueue(workerConfig())
	defer q.Close()
	dlq := queue.NewMemoryDeadLetterQueue()
	defer dlq.Close()
	store := &fakeRecordStore{failures: 3} // MaxRetries=2 exhausts on the first pass

	worker := NewUsageQueueWorker(q, dlq, store, workerConfig())
	worker.Start(context.Background())
	defer worker.Stop()

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, &usage.Record{ID: "r1", UserID: "u1"}))

	var dlqID string
	waitFor(t, func() bool {
		items, err := dlq.List(ctx, 0)
		if err != nil || len(items) != 1 {
			return false
		}
		dlqID = items[0].ID
		return true
	})

	require.NoError(t, worker.RetryDeadLetterItem(ctx, dlqID))
	waitFor(t, func() bool { return store.count() == 1 })

	items, err := dlq.List(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestWorkerRetryUnknownDLQItem(t *testing.T) {
	q := queue.NewMemoryQueue(workerConfig())
	defer q.Close()
	dlq := queue.NewMemoryDeadLetterQueue()
	defer dlq.Close()

	worker := NewUsageQueueWorker(q, dlq, &fakeRecordStore{}, workerConfig())
	err := worker.RetryDeadLetterItem(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, queue.ErrItemNotFound)
}

func TestDecodeRecordShapes(t *testing.T) {
	want := &usage.Record{ID: "r1", UserID: "u1", Provider: "openai", Model: "gpt-4o"}

	got, err := decodeRecord(want)
	require.NoError(t, err)
	assert.Same(t, want, got)

	got, err = decodeRecord([]byte(`{"id":"r1","user_id":"u1","provider":"openai","model":"gpt-4o"}`))
	require.NoError(t, err)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.UserID, got.UserID)
}
