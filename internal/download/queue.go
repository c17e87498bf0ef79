package download

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyJobQueue = "vidstash:download:queue"

	// Default timeout for blocking operations
	defaultBlockTimeout = 5 * time.Second

	DefaultQueueCapacity = 100
)

// Queue is a bounded FIFO of job IDs waiting for a worker.
type Queue interface {
	// Enqueue returns ErrQueueFull when the queue is at capacity.
	Enqueue(ctx context.Context, jobID int64) error
	// Dequeue blocks up to timeout and returns ErrQueueEmpty if nothing arrived.
	Dequeue(ctx context.Context, timeout time.Duration) (int64, error)
	Len(ctx context.Context) (int64, error)
	Close() error
}

// MemoryQueue is an in-process queue backed by a buffered channel.
type MemoryQueue struct {
	ch chan int64
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &MemoryQueue{ch: make(chan int64, capacity)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, jobID int64) error {
	select {
	case q.ch <- jobID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context, timeout time.Duration) (int64, error) {
	if timeout == 0 {
		timeout = defaultBlockTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case id := <-q.ch:
		return id, nil
	case <-timer.C:
		return 0, ErrQueueEmpty
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (q *MemoryQueue) Len(ctx context.Context) (int64, error) {
	return int64(len(q.ch)), nil
}

func (q *MemoryQueue) Close() error {
	return nil
}

// RedisQueue keeps job IDs in a Redis list so several server instances can
// share one set of workers.
type RedisQueue struct {
	client   *redis.Client
	capacity int64
}

// NewRedisQueue creates a queue on an existing client.
func NewRedisQueue(client *redis.Client, capacity int) *RedisQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &RedisQueue{client: client, capacity: int64(capacity)}
}

// NewRedisClient parses redisURL and verifies the server answers.
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return client, nil
}

// enqueueScript pushes only while the list is below capacity.
var enqueueScript = redis.NewScript(`
if redis.call("LLEN", KEYS[1]) >= tonumber(ARGV[2]) then
	return 0
end
redis.call("LPUSH", KEYS[1], ARGV[1])
return 1
`)

func (q *RedisQueue) Enqueue(ctx context.Context, jobID int64) error {
	pushed, err := enqueueScript.Run(ctx, q.client, []string{keyJobQueue}, jobID, q.capacity).Int()
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	if pushed == 0 {
		return ErrQueueFull
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (int64, error) {
	if timeout == 0 {
		timeout = defaultBlockTimeout
	}

	result, err := q.client.BRPop(ctx, timeout, keyJobQueue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, ErrQueueEmpty
		}
		return 0, fmt.Errorf("failed to dequeue job: %w", err)
	}

	if len(result) < 2 {
		return 0, ErrQueueEmpty
	}

	id, err := strconv.ParseInt(result[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed job id %q in queue: %w", result[1], err)
	}
	return id, nil
}

// Len returns the number of jobs waiting in the queue
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, keyJobQueue).Result()
}

// Close is a no-op; the client is owned by the caller.
func (q *RedisQueue) Close() error {
	return nil
}
