package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue over a Redis list, shared with any other
// worker pointed at the same key.
type RedisQueue struct {
	client *redis.Client
	qKey   string
}

// NewRedisQueue creates a queue over an existing Redis client.
func NewRedisQueue(client *redis.Client, name string) *RedisQueue {
	return &RedisQueue{
		client: client,
		qKey:   fmt.Sprintf("queue:%s", name),
	}
}

// Enqueue adds an item to the queue
func (q *RedisQueue) Enqueue(ctx context.Context, item interface{}) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal item: %w", err)
	}
	if err := q.client.RPush(ctx, q.qKey, data).Err(); err != nil {
		return fmt.Errorf("failed to push to Redis: %w", err)
	}
	return nil
}

// DequeueBatch retrieves up to maxItems items, blocking at most wait for the
// first one. Items come back as json.RawMessage.
func (q *RedisQueue) DequeueBatch(ctx context.Context, maxItems int, wait time.Duration) ([]interface{}, error) {
	result, err := q.client.BLPop(ctx, wait, q.qKey).Result()
	if err == redis.Nil {
		return []interface{}{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop from Redis: %w", err)
	}

	// result[0] is the key, result[1] is the value
	items := []interface{}{json.RawMessage(result[1])}

	for len(items) < maxItems {
		val, err := q.client.LPop(ctx, q.qKey).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return items, nil
		}
		items = append(items, json.RawMessage(val))
	}

	return items, nil
}

// Length returns the current queue length
func (q *RedisQueue) Length(ctx context.Context) (int, error) {
	length, err := q.client.LLen(ctx, q.qKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue length: %w", err)
	}
	return int(length), nil
}

// Close is a no-op; the shared Redis client is owned by the caller.
func (q *RedisQueue) Close() error {
	return nil
}

// RedisDeadLetterQueue implements DeadLetterQueue over a Redis hash.
type RedisDeadLetterQueue struct {
	client *redis.Client
	dlKey  string
}

// NewRedisDeadLetterQueue creates a DLQ over an existing Redis client.
func NewRedisDeadLetterQueue(client *redis.Client, name string) *RedisDeadLetterQueue {
	return &RedisDeadLetterQueue{
		client: client,
		dlKey:  fmt.Sprintf("dlq:%s", name),
	}
}

// Add parks a failed item.
func (q *RedisDeadLetterQueue) Add(ctx context.Context, item interface{}, cause error) error {
	dlItem := DeadLetterItem{
		ID:        uuid.New().String(),
		Item:      item,
		Error:     cause.Error(),
		Timestamp: time.Now(),
	}

	data, err := json.Marshal(dlItem)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter item: %w", err)
	}
	if err := q.client.HSet(ctx, q.dlKey, dlItem.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to add to dead letter queue: %w", err)
	}
	return nil
}

// List retrieves up to maxItems parked items (0 = all).
func (q *RedisDeadLetterQueue) List(ctx context.Context, maxItems int) ([]DeadLetterItem, error) {
	results, err := q.client.HGetAll(ctx, q.dlKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letter items: %w", err)
	}

	items := make([]DeadLetterItem, 0, len(results))
	for _, data := range results {
		var dlItem DeadLetterItem
		if err := json.Unmarshal([]byte(data), &dlItem); err != nil {
			continue // skip malformed entries
		}
		items = append(items, dlItem)
		if maxItems > 0 && len(items) >= maxItems {
			break
		}
	}
	return items, nil
}

// Remove deletes a parked item by id.
func (q *RedisDeadLetterQueue) Remove(ctx context.Context, id string) error {
	if err := q.client.HDel(ctx, q.dlKey, id).Err(); err != nil {
		return fmt.Errorf("failed to remove from dead letter queue: %w", err)
	}
	return nil
}

// Close is a no-op; the shared Redis client is owned by the caller.
func (q *RedisDeadLetterQueue) Close() error {
	return nil
}
