package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"ms-booking/internal/models"

	"github.com/go-redis/redis/v8"
)

// StatusUpdate is what the UI listens for after a booking changes state.
type StatusUpdate struct {
	Type    string                   `json:"type"`
	Booking models.BookingStatusView `json:"booking"`
}

// StatusBroadcaster fans booking status changes out over a Redis pub/sub channel so every
// API instance can push them to connected clients.
type StatusBroadcaster struct {
	Client  *redis.Client
	Channel string
}

func NewStatusBroadcaster(client *redis.Client, channel string) *StatusBroadcaster {
	if channel == "" {
		channel = "booking.status"
	}
	return &StatusBroadcaster{Client: client, Channel: channel}
}

func (b *StatusBroadcaster) Publish(ctx context.Context, update StatusUpdate) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return err
	}
	if err := b.Client.Publish(ctx, b.Channel, payload).Err(); err != nil {
		return fmt.Errorf("publish status for %s: %w", update.Booking.ID, err)
	}
	return nil
}

// Subscribe delivers decoded updates until ctx is done. Malformed messages are skipped.
func (b *StatusBroadcaster) Subscribe(ctx context.Context) (<-chan StatusUpdate, error) {
	sub := b.Client.Subscribe(ctx, b.Channel)
	// Wait for the subscription confirmation so no publish is missed after we return
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.Channel, err)
	}

	out := make(chan StatusUpdate, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var update StatusUpdate
				if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
					continue
				}
				select {
				case out <- update:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
