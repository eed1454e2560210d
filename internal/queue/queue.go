// Package queue provides the async processing backbone for usage recording
// and audit archival, with two interchangeable backends:
//
//   - Memory queue: channel-based, no persistence, zero external
//     dependencies. For tests and standalone deployments.
//   - Redis queue: list-based, persistent across restarts, shared by
//     distributed workers.
//
// Workers drain batches (bounded size, bounded wait), retry failed items
// with exponential backoff, and park exhausted items in a dead-letter queue.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrQueueClosed is returned when operating on a closed queue
	ErrQueueClosed = errors.New("queue is closed")

	// ErrItemNotFound is returned when an item is not found
	ErrItemNotFound = errors.New("item not found")
)

// Queue defines the interface for message queuing
type Queue interface {
	// Enqueue adds an item to the queue
	Enqueue(ctx context.Context, item interface{}) error

	// DequeueBatch retrieves up to maxItems items, waiting at most wait for
	// the first one. An empty slice means the wait elapsed with nothing.
	DequeueBatch(ctx context.Context, maxItems int, wait time.Duration) ([]interface{}, error)

	// Length returns the current queue length
	Length(ctx context.Context) (int, error)

	// Close shuts down the queue gracefully
	Close() error
}

// DeadLetterQueue holds items that exhausted their retries.
type DeadLetterQueue interface {
	// Add parks a failed item along with its final error.
	Add(ctx context.Context, item interface{}, err error) error

	// List retrieves up to maxItems parked items (0 = all).
	List(ctx context.Context, maxItems int) ([]DeadLetterItem, error)

	// Remove deletes a parked item by id.
	Remove(ctx context.Context, id string) error

	// Close shuts down the dead letter queue
	Close() error
}

// DeadLetterItem represents an item in the dead letter queue
type DeadLetterItem struct {
	ID        string      `json:"id"`
	Item      interface{} `json:"item"`
	Error     string      `json:"error"`
	Timestamp time.Time   `json:"timestamp"`
	Retries   int         `json:"retries"`
}

// Config holds worker/queue tuning shared by both backends.
type Config struct {
	Name         string
	BatchSize    int
	BatchTimeout time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// DefaultConfig returns default queue configuration
func DefaultConfig(name string) *Config {
	return &Config{
		Name:         name,
		BatchSize:    100,
		BatchTimeout: 5 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 1 * time.Second,
	}
}
