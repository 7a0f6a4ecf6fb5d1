package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/abdusss111/marbix-service/pkg/models"
)

// Publisher fans events out of the worker process over redis pub/sub so the
// API process holding the websocket connections can deliver them.
type Publisher struct {
	client  *redis.Client
	channel string
}

func NewPublisher(redisURL, channel string) (*Publisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return &Publisher{client: redis.NewClient(opts), channel: channel}, nil
}

func (p *Publisher) Close() error {
	return p.client.Close()
}

// Publish sends one event. Delivery is best-effort: the request record
// remains the durable source of truth, events only accelerate it.
func (p *Publisher) Publish(ctx context.Context, event models.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

var _ Sink = (*Publisher)(nil)
var _ Sink = (*Notifier)(nil)

// Subscribe feeds events published on the channel into the local notifier
// until ctx is cancelled. Run it in its own goroutine in the API process.
func Subscribe(ctx context.Context, redisURL, channel string, notifier *Notifier) error {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	sub := client.Subscribe(ctx, channel)
	defer sub.Close()

	ch := sub.Channel()
	slog.Info("event subscriber started", "channel", channel)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("event subscription closed")
			}
			var event models.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				slog.Error("drop malformed event", "error", err)
				continue
			}
			notifier.Send(event.RequestID, event)
		}
	}
}
