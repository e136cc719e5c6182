package redisbus

import (
	"context"
	"encoding/json"
	"time"

	"ticketing-backend/internal/domain"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	DefaultChannel = "seat-status"
	publishTimeout = 2 * time.Second
)

// Bus fans SeatStatusUpdates out to every replica through Redis pub/sub.
// Each replica publishes its own transitions and delivers everything it
// receives (its own included) to its local subscribers.
type Bus struct {
	Rdb     *redis.Client
	Channel string
	// Fallback receives an update directly when it cannot be published, so
	// viewers on this replica still see it.
	Fallback func(domain.SeatStatusUpdate)
}

func (b *Bus) channel() string {
	if b.Channel == "" {
		return DefaultChannel
	}
	return b.Channel
}

func (b *Bus) Publish(ctx context.Context, update domain.SeatStatusUpdate) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return err
	}
	return b.Rdb.Publish(ctx, b.channel(), payload).Err()
}

// Notify is a broadcast.NotifyFunc.
func (b *Bus) Notify(update domain.SeatStatusUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := b.Publish(ctx, update); err != nil {
		log.Warn().Err(err).Str("event_id", update.EventID).Msg("seat status publish failed, delivering locally")
		if b.Fallback != nil {
			b.Fallback(update)
		}
	}
}

// Run subscribes to the channel and hands every update to deliver until ctx
// is cancelled.
func (b *Bus) Run(ctx context.Context, deliver func(domain.SeatStatusUpdate)) error {
	sub := b.Rdb.Subscribe(ctx, b.channel())
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	log.Info().Str("channel", b.channel()).Msg("seat status bus subscribed")

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var update domain.SeatStatusUpdate
			if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
				log.Warn().Err(err).Msg("dropping malformed seat status message")
				continue
			}
			deliver(update)
		}
	}
}
