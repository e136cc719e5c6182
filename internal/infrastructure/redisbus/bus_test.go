package redisbus

import (
	"context"
	"testing"
	"time"

	"ticketing-backend/internal/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_RoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	bus := &Bus{Rdb: rdb}
	received := make(chan domain.SeatStatusUpdate, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- bus.Run(ctx, func(u domain.SeatStatusUpdate) { received <- u })
	}()

	require.Eventually(t, func() bool {
		n, err := rdb.PubSubNumSub(context.Background(), DefaultChannel).Result()
		return err == nil && n[DefaultChannel] == 1
	}, time.Second, 10*time.Millisecond)

	seatID := "A-1"
	bus.Notify(domain.SeatStatusUpdate{EventID: "evt-1", SeatID: &seatID, Status: domain.StatusHeld})

	select {
	case u := <-received:
		assert.Equal(t, "evt-1", u.EventID)
		assert.Equal(t, domain.StatusHeld, u.Status)
		require.NotNil(t, u.SeatID)
		assert.Equal(t, "A-1", *u.SeatID)
	case <-time.After(time.Second):
		t.Fatal("update not delivered")
	}

	mr.Publish(DefaultChannel, "not json")
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("bus did not stop")
	}
	assert.Empty(t, received)
}

func TestBus_FallbackWhenRedisDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	mr.Close()

	var got []domain.SeatStatusUpdate
	bus := &Bus{Rdb: rdb, Fallback: func(u domain.SeatStatusUpdate) { got = append(got, u) }}
	bus.Notify(domain.SeatStatusUpdate{EventID: "evt-2", Status: domain.StatusAvailable})

	require.Len(t, got, 1)
	assert.Equal(t, "evt-2", got[0].EventID)
}
