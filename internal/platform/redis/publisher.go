package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/phrazzld/scry-queue/internal/events"
	goredis "github.com/redis/go-redis/v9"
)

// EventForwarder publishes status events from a bus subscription to a Redis
// pub/sub channel so that other processes can follow task progress.
type EventForwarder struct {
	client  goredis.UniversalClient
	channel string
	logger  *slog.Logger
}

// NewEventForwarder creates a forwarder publishing on channel.
func NewEventForwarder(client goredis.UniversalClient, channel string, logger *slog.Logger) *EventForwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventForwarder{
		client:  client,
		channel: channel,
		logger:  logger.With("component", "redis_event_forwarder", "channel", channel),
	}
}

// Publish sends one event.
func (f *EventForwarder) Publish(ctx context.Context, event events.StatusChanged) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return f.client.Publish(ctx, f.channel, data).Err()
}

// Run forwards events from sub until ctx is done or the subscription is
// closed. Publish failures are logged and the event is dropped.
func (f *EventForwarder) Run(ctx context.Context, sub *events.Subscription) {
	f.logger.Info("forwarding task events")
	defer f.logger.Info("stopped forwarding task events")

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := f.Publish(ctx, ev); err != nil {
				f.logger.Warn("failed to publish task event",
					"event_id", ev.ID,
					"task_id", ev.TaskID,
					"error", err)
			}
		}
	}
}
