package queue

import (
	"context"
	"errors"
	"time"
)

// Package queue provides the buffer between the streaming hot path and
// quota accounting. Consumption events are enqueued fire-and-forget while a
// response is still streaming and drained in batches by the ledger worker.
//
// Two backends:
//
//  1. Memory queue (channel-based): no persistence, zero external
//     dependencies, fine for standalone deployments.
//  2. Redis queue (list-based): persistent across restarts, supports
//     distributed workers.

// ErrQueueClosed is returned when operating on a closed queue
var ErrQueueClosed = errors.New("queue is closed")

// Queue defines the interface for message queuing
type Queue interface {
	// Enqueue adds an item to the queue
	Enqueue(ctx context.Context, item interface{}) error

	// DequeueWithTimeout retrieves up to maxItems, waiting at most timeout
	// for the first one. Returns an empty slice on timeout.
	DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]interface{}, error)

	// Length returns the current queue length
	Length(ctx context.Context) (int, error)

	// Close shuts down the queue gracefully
	Close() error
}

// Config holds queue configuration
type Config struct {
	// BatchSize is the maximum number of items to process in a batch
	BatchSize int

	// BatchTimeout is how long to wait before processing a partial batch
	BatchTimeout time.Duration

	// MaxRetries is the maximum number of retry attempts for a failed batch
	MaxRetries int

	// RetryBackoff is the initial backoff duration for retries
	RetryBackoff time.Duration

	// UseRedis selects the Redis backend over the in-memory one
	UseRedis bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// QueueName is the name/key for the queue
	QueueName string
}

// DefaultConfig returns default queue configuration
func DefaultConfig(queueName string) *Config {
	return &Config{
		BatchSize:    100,
		BatchTimeout: 5 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 1 * time.Second,
		UseRedis:     false,
		QueueName:    queueName,
	}
}

// New creates a queue for the configured backend.
func New(config *Config) (Queue, error) {
	if config == nil {
		config = DefaultConfig("default")
	}
	if config.UseRedis {
		return NewRedisQueue(config)
	}
	return NewMemoryQueue(config), nil
}
