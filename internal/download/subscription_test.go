package download

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestSubscriptionChannelDecodes(t *testing.T) {
	msgs := make(chan *redis.Message, 2)
	sub := &Subscription{ch: msgs}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs <- &redis.Message{Channel: jobEventsChannel("alice"), Payload: "not json"}
	msgs <- &redis.Message{Channel: jobEventsChannel("alice"), Payload: `{"type":"job.updated","job":{"id":4,"status":"completed"}}`}

	select {
	case event := <-sub.Channel(ctx):
		if event.Job == nil || event.Job.ID != 4 {
			t.Fatalf("unexpected event %+v", event)
		}
		if event.Job.UserID != "alice" {
			t.Errorf("UserID = %q, want alice from the channel name", event.Job.UserID)
		}
	case <-time.After(time.Second):
		t.Fatal("no event decoded")
	}
}

func TestSubscriptionChannelStopsWithContext(t *testing.T) {
	msgs := make(chan *redis.Message, 1)
	sub := &Subscription{ch: msgs}
	ctx, cancel := context.WithCancel(context.Background())

	events := sub.Channel(ctx)
	// nobody reads this event; the goroutine must still exit on cancel
	msgs <- &redis.Message{Channel: jobEventsChannel("bob"), Payload: `{"type":"job.updated","job":{"id":1}}`}
	time.Sleep(20 * time.Millisecond)
	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("event channel not closed after cancel")
		}
	}
}

func TestRelayReturnsOnCancel(t *testing.T) {
	sub := &Subscription{ch: make(chan *redis.Message)}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		sub.Relay(ctx, NotifierFunc(func(context.Context, Event) {}))
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Relay did not return")
	}
}
