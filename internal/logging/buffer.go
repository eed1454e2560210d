package logging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBuffer is a bounded Redis list holding audit records awaiting
// archival. When full, the oldest entries are dropped rather than blocking
// the request path.
type RedisBuffer struct {
	client   *redis.Client
	queueKey string
	maxSize  int64 // 0 = unbounded
}

// enqueueScript pushes a record and trims the list to its size bound.
var enqueueScript = redis.NewScript(`
	local key = KEYS[1]
	local value = ARGV[1]
	local max_size = tonumber(ARGV[2])

	redis.call('RPUSH', key, value)

	local len = redis.call('LLEN', key)
	if len > max_size then
		redis.call('LTRIM', key, len - max_size, -1)
	end

	return len
`)

// dequeueScript pops up to count oldest records atomically.
var dequeueScript = redis.NewScript(`
	local key = KEYS[1]
	local count = tonumber(ARGV[1])

	local records = redis.call('LRANGE', key, 0, count - 1)
	if #records > 0 then
		redis.call('LTRIM', key, #records, -1)
	end

	return records
`)

// NewRedisBuffer creates a buffer over an existing Redis client.
func NewRedisBuffer(client *redis.Client, queueKey string, maxSize int64) *RedisBuffer {
	return &RedisBuffer{client: client, queueKey: queueKey, maxSize: maxSize}
}

// Enqueue appends one record to the buffer.
func (b *RedisBuffer) Enqueue(ctx context.Context, record *Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}

	if b.maxSize > 0 {
		if err := enqueueScript.Run(ctx, b.client, []string{b.queueKey}, data, b.maxSize).Err(); err != nil {
			return fmt.Errorf("failed to enqueue audit record: %w", err)
		}
		return nil
	}
	if err := b.client.RPush(ctx, b.queueKey, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue audit record: %w", err)
	}
	return nil
}

// EnqueueBatch appends records in one pipeline, used to put a failed flush
// back.
func (b *RedisBuffer) EnqueueBatch(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}

	values := make([]interface{}, len(records))
	for i, record := range records {
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal audit record %d: %w", i, err)
		}
		values[i] = data
	}

	pipe := b.client.Pipeline()
	pipe.RPush(ctx, b.queueKey, values...)
	if b.maxSize > 0 {
		pipe.LTrim(ctx, b.queueKey, -b.maxSize, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue audit batch: %w", err)
	}
	return nil
}

// Dequeue pops up to count oldest records.
func (b *RedisBuffer) Dequeue(ctx context.Context, count int) ([]*Record, error) {
	result, err := dequeueScript.Run(ctx, b.client, []string{b.queueKey}, count).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue audit records: %w", err)
	}

	records := make([]*Record, 0, len(result))
	for i, data := range result {
		var record Record
		if err := json.Unmarshal([]byte(data), &record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit record %d: %w", i, err)
		}
		records = append(records, &record)
	}
	return records, nil
}

// Size returns the number of buffered records.
func (b *RedisBuffer) Size(ctx context.Context) (int64, error) {
	return b.client.LLen(ctx, b.queueKey).Result()
}

// Clear drops every buffered record.
func (b *RedisBuffer) Clear(ctx context.Context) error {
	return b.client.Del(ctx, b.queueKey).Err()
}
