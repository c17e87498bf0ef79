package download

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

func getTestRedisURL() string {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = "redis://localhost:6380"
	}
	return url
}

func newTestRedisQueue(t *testing.T, capacity int) *RedisQueue {
	t.Helper()
	client, err := NewRedisClient(getTestRedisURL())
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	ctx := context.Background()
	client.Del(ctx, keyJobQueue)
	t.Cleanup(func() { client.Del(context.Background(), keyJobQueue) })

	return NewRedisQueue(client, capacity)
}

func testQueueFIFO(t *testing.T, queue Queue) {
	ctx := context.Background()

	for _, id := range []int64{1, 2, 3} {
		if err := queue.Enqueue(ctx, id); err != nil {
			t.Fatalf("Failed to enqueue job %d: %v", id, err)
		}
	}

	n, err := queue.Len(ctx)
	if err != nil {
		t.Fatalf("Failed to get queue length: %v", err)
	}
	if n != 3 {
		t.Errorf("Expected queue length 3, got %d", n)
	}

	for _, want := range []int64{1, 2, 3} {
		got, err := queue.Dequeue(ctx, time.Second)
		if err != nil {
			t.Fatalf("Failed to dequeue job: %v", err)
		}
		if got != want {
			t.Errorf("Expected job %d, got %d", want, got)
		}
	}
}

func testQueueCapacity(t *testing.T, queue Queue) {
	ctx := context.Background()

	if err := queue.Enqueue(ctx, 1); err != nil {
		t.Fatalf("Failed to enqueue job: %v", err)
	}
	if err := queue.Enqueue(ctx, 2); err != nil {
		t.Fatalf("Failed to enqueue job: %v", err)
	}
	if err := queue.Enqueue(ctx, 3); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}

	if _, err := queue.Dequeue(ctx, time.Second); err != nil {
		t.Fatalf("Failed to dequeue job: %v", err)
	}
	if err := queue.Enqueue(ctx, 3); err != nil {
		t.Errorf("Expected room after dequeue, got %v", err)
	}
}

func testQueueEmpty(t *testing.T, queue Queue) {
	_, err := queue.Dequeue(context.Background(), 100*time.Millisecond)
	if !errors.Is(err, ErrQueueEmpty) {
		t.Errorf("Expected ErrQueueEmpty, got %v", err)
	}
}

func TestMemoryQueue_FIFO(t *testing.T) {
	testQueueFIFO(t, NewMemoryQueue(10))
}

func TestMemoryQueue_Capacity(t *testing.T) {
	testQueueCapacity(t, NewMemoryQueue(2))
}

func TestMemoryQueue_Empty(t *testing.T) {
	testQueueEmpty(t, NewMemoryQueue(1))
}

func TestMemoryQueue_DequeueCancelled(t *testing.T) {
	queue := NewMemoryQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := queue.Dequeue(ctx, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestMemoryQueue_DefaultCapacity(t *testing.T) {
	queue := NewMemoryQueue(0)
	if cap(queue.ch) != DefaultQueueCapacity {
		t.Errorf("Expected capacity %d, got %d", DefaultQueueCapacity, cap(queue.ch))
	}
}

func TestRedisQueue_FIFO(t *testing.T) {
	testQueueFIFO(t, newTestRedisQueue(t, 10))
}

func TestRedisQueue_Capacity(t *testing.T) {
	testQueueCapacity(t, newTestRedisQueue(t, 2))
}

func TestRedisQueue_Empty(t *testing.T) {
	testQueueEmpty(t, newTestRedisQueue(t, 1))
}
