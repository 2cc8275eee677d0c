package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultDeadLetterKey is the Redis list that holds dead letters
const DefaultDeadLetterKey = "bastion:webhooks:dead_letter"

// maxReplays is how many replay runs a dead letter survives before it is dropped
const maxReplays = 5

const deadLetterPushTimeout = 5 * time.Second

// DeadLetter is a delivery that exhausted its attempts
type DeadLetter struct {
	IntegrationID int64     `json:"integration_id"`
	Envelope      Envelope  `json:"envelope"`
	Error         string    `json:"error"`
	Attempts      int       `json:"attempts"`
	Replays       int       `json:"replays"`
	FailedAt      time.Time `json:"failed_at"`
}

// DeadLetterQueue durably holds failed deliveries for replay
type DeadLetterQueue interface {
	Push(ctx context.Context, dl DeadLetter) error
	// Pop removes the oldest dead letter. It returns nil, nil when empty.
	Pop(ctx context.Context) (*DeadLetter, error)
	Len(ctx context.Context) (int64, error)
}

// RedisDeadLetterQueue is a FIFO Redis list
type RedisDeadLetterQueue struct {
	client *redis.Client
	key    string
}

// NewRedisDeadLetterQueue creates a queue on key
func NewRedisDeadLetterQueue(client *redis.Client, key string) *RedisDeadLetterQueue {
	if key == "" {
		key = DefaultDeadLetterKey
	}
	return &RedisDeadLetterQueue{client: client, key: key}
}

// Push appends dl
func (q *RedisDeadLetterQueue) Push(ctx context.Context, dl DeadLetter) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}
	if err := q.client.RPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("failed to push dead letter: %w", err)
	}
	return nil
}

// Pop removes and returns the oldest dead letter
func (q *RedisDeadLetterQueue) Pop(ctx context.Context) (*DeadLetter, error) {
	data, err := q.client.LPop(ctx, q.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop dead letter: %w", err)
	}

	var dl DeadLetter
	if err := json.Unmarshal(data, &dl); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dead letter: %w", err)
	}
	return &dl, nil
}

// Len returns the queue length
func (q *RedisDeadLetterQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read dead letter queue length: %w", err)
	}
	return n, nil
}
