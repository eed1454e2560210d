package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ai_gateway/internal/queue"
	"ai_gateway/internal/usage"
	"ai_gateway/internal/utils"
)

// batchCreator is the fast path: one transaction per drained batch. The
// Postgres repository implements it; plain stores fall back to per-record
// inserts.
type batchCreator interface {
	CreateBatch(ctx context.Context, records []*usage.Record) error
}

// UsageQueueWorker drains the usage queue into the record store. Failed
// records are retried with exponential backoff and parked in the dead
// letter queue when retries run out.
type UsageQueueWorker struct {
	queue       queue.Queue
	dlq         queue.DeadLetterQueue
	store       usage.RecordStore
	config      *queue.Config
	logger      *utils.Logger
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewUsageQueueWorker creates a new usage queue worker
func NewUsageQueueWorker(q queue.Queue, dlq queue.DeadLetterQueue, store usage.RecordStore, config *queue.Config) *UsageQueueWorker {
	if config == nil {
		config = queue.DefaultConfig("usage")
	}

	return &UsageQueueWorker{
		queue:       q,
		dlq:         dlq,
		store:       store,
		config:      config,
		logger:      utils.NewLogger("usage-worker"),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start starts the worker goroutine
func (w *UsageQueueWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop gracefully stops the worker
func (w *UsageQueueWorker) Stop() error {
	close(w.stopChan)
	<-w.stoppedChan
	return nil
}

func (w *UsageQueueWorker) run(ctx context.Context) {
	defer close(w.stoppedChan)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Usage worker stopping")
			return
		case <-ctx.Done():
			w.logger.Info("Usage worker context cancelled")
			return
		default:
			w.processBatch(ctx)
		}
	}
}

// processBatch drains and persists one batch.
func (w *UsageQueueWorker) processBatch(ctx context.Context) {
	items, err := w.queue.DequeueBatch(ctx, w.config.BatchSize, w.config.BatchTimeout)
	if err != nil {
		w.logger.Error("Failed to dequeue usage records", "error", err)
		time.Sleep(1 * time.Second) // back off on error
		return
	}
	if len(items) == 0 {
		return
	}

	records := make([]*usage.Record, 0, len(items))
	for _, item := range items {
		record, err := decodeRecord(item)
		if err != nil {
			w.logger.Error("Failed to decode usage record", "error", err)
			continue
		}
		records = append(records, record)
	}
	if len(records) == 0 {
		return
	}

	w.logger.Debug("Processing usage batch", "count", len(records))

	if batcher, ok := w.store.(batchCreator); ok {
		if err := batcher.CreateBatch(ctx, records); err == nil {
			return
		} else {
			w.logger.Error("Batch insert failed, falling back to individual inserts", "error", err)
		}
	}

	for _, record := range records {
		if err := w.processRecord(ctx, record); err != nil {
			w.logger.Error("Failed to process usage record",
				"record_id", record.ID, "error", err)
		}
	}
}

// processRecord inserts one record with retries, parking it in the DLQ when
// retries run out.
func (w *UsageQueueWorker) processRecord(ctx context.Context, record *usage.Record) error {
	var lastErr error
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := w.config.RetryBackoff * time.Duration(1<<uint(attempt-1))
			w.logger.Debug("Retrying usage record",
				"record_id", record.ID, "attempt", attempt, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := w.store.Create(ctx, record); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	if w.dlq != nil {
		if err := w.dlq.Add(ctx, record, lastErr); err != nil {
			w.logger.Error("Failed to add to dead letter queue", "error", err)
		} else {
			w.logger.Warn("Usage record moved to DLQ",
				"record_id", record.ID, "error", lastErr)
		}
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// RetryDeadLetterItem re-enqueues a parked record by DLQ id.
func (w *UsageQueueWorker) RetryDeadLetterItem(ctx context.Context, id string) error {
	if w.dlq == nil {
		return fmt.Errorf("dead letter queue not configured")
	}

	items, err := w.dlq.List(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to list dead letter items: %w", err)
	}

	for _, item := range items {
		if item.ID != id {
			continue
		}
		if err := w.queue.Enqueue(ctx, item.Item); err != nil {
			return fmt.Errorf("failed to re-enqueue item: %w", err)
		}
		if err := w.dlq.Remove(ctx, id); err != nil {
			return fmt.Errorf("failed to remove from DLQ: %w", err)
		}
		return nil
	}
	return queue.ErrItemNotFound
}

// QueueLength returns the current queue length.
func (w *UsageQueueWorker) QueueLength(ctx context.Context) (int, error) {
	return w.queue.Length(ctx)
}

// decodeRecord normalizes queue items into usage records. The Redis backend
// hands back raw JSON; the memory backend hands back the original pointer.
func decodeRecord(item interface{}) (*usage.Record, error) {
	switch v := item.(type) {
	case *usage.Record:
		return v, nil
	case usage.Record:
		return &v, nil
	case []byte:
		var record usage.Record
		if err := json.Unmarshal(v, &record); err != nil {
			return nil, err
		}
		return &record, nil
	case json.RawMessage:
		var record usage.Record
		if err := json.Unmarshal(v, &record); err != nil {
			return nil, err
		}
		return &record, nil
	default:
		data, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal item: %w", err)
		}
		var record usage.Record
		if err := json.Unmarshal(data, &record); err != nil {
			return nil, err
		}
		return &record, nil
	}
}
