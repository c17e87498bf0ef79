package download

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/vidstash/backend/internal/logger"
)

const channelJobEventsPrefix = "vidstash:jobs:"

func jobEventsChannel(userID string) string {
	return channelJobEventsPrefix + userID
}

// RedisNotifier publishes job events on a per-user pub/sub channel so every
// server instance can forward them to its own websocket clients.
type RedisNotifier struct {
	client *redis.Client
	log    *logger.Logger
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client, log: logger.Default().WithComponent("notifier")}
}

// Publish encodes event and publishes it. Failures are logged only.
func (n *RedisNotifier) Publish(ctx context.Context, event Event) {
	if event.Job == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		n.log.Error(ctx, "failed to encode job event", err)
		return
	}
	if err := n.client.Publish(ctx, jobEventsChannel(event.Job.UserID), data).Err(); err != nil {
		n.log.Warn(ctx, "failed to publish job event", map[string]interface{}{
			"job_id": event.Job.ID,
			"error":  err.Error(),
		})
	}
}

// Subscription wraps a Redis pub/sub subscription for job events
type Subscription struct {
	pubsub *redis.PubSub
	ch     <-chan *redis.Message
}

// SubscribeAll listens to job events for every user.
func SubscribeAll(ctx context.Context, client *redis.Client) *Subscription {
	pubsub := client.PSubscribe(ctx, channelJobEventsPrefix+"*")
	return &Subscription{pubsub: pubsub, ch: pubsub.Channel()}
}

// Channel returns a channel that receives decoded events. It is closed
// when the subscription is closed or ctx is done.
func (s *Subscription) Channel(ctx context.Context) <-chan Event {
	out := make(chan Event)

	go func() {
		defer close(out)
		for {
			var msg *redis.Message
			select {
			case <-ctx.Done():
				return
			case m, ok := <-s.ch:
				if !ok {
					return
				}
				msg = m
			}

			event, ok := decodeEvent(msg.Channel, msg.Payload)
			if !ok {
				continue
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// decodeEvent parses a published payload. Events without a job are dropped.
func decodeEvent(channel, payload string) (Event, bool) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil || event.Job == nil {
		return Event{}, false
	}
	if event.Job.UserID == "" {
		event.Job.UserID = strings.TrimPrefix(channel, channelJobEventsPrefix)
	}
	return event, true
}

// Relay forwards every received event to n until the subscription closes
// or ctx is done.
func (s *Subscription) Relay(ctx context.Context, n Notifier) {
	events := s.Channel(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			n.Publish(ctx, event)
		}
	}
}

// Close closes the subscription
func (s *Subscription) Close() error {
	return s.pubsub.Close()
}
