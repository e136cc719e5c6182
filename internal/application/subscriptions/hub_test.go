package subscriptions

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"ticketing-backend/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu      sync.Mutex
	sent    [][]byte
	pings   int
	closed  bool
	sendErr error
	pingErr error
}

func (f *fakeConn) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeConn) Ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) messages(t *testing.T) []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]interface{}, 0, len(f.sent))
	for _, raw := range f.sent {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &m))
		out = append(out, m)
	}
	return out
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestHub() (*Hub, *testClock) {
	clock := &testClock{now: time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)}
	h := NewHub(Config{PingInterval: 30 * time.Second, PongTimeout: 60 * time.Second})
	h.Now = clock.Now
	return h, clock
}

func TestNewHub_PongTimeoutExceedsPing(t *testing.T) {
	h := NewHub(Config{PingInterval: 30 * time.Second, PongTimeout: 10 * time.Second})
	assert.Equal(t, 60*time.Second, h.PongTimeout())

	h = NewHub(Config{})
	assert.Equal(t, 30*time.Second, h.PingInterval())
	assert.Equal(t, 60*time.Second, h.PongTimeout())
}

func TestPublish_ScopedToEvent(t *testing.T) {
	h, _ := newTestHub()
	a, b, other := &fakeConn{}, &fakeConn{}, &fakeConn{}
	h.Register(a, "evt-1")
	h.Register(b, "evt-1")
	h.Register(other, "evt-2")
	assert.Equal(t, 2, h.Count("evt-1"))
	assert.Equal(t, 3, h.Total())

	seatID := "A-12"
	holdExpiry := time.Date(2026, 3, 1, 18, 10, 0, 0, time.UTC)
	h.Publish(domain.SeatStatusUpdate{EventID: "evt-1", SeatID: &seatID, Status: domain.StatusHeld, ExpiresAt: &holdExpiry})

	for _, c := range []*fakeConn{a, b} {
		msgs := c.messages(t)
		require.Len(t, msgs, 1)
		assert.Equal(t, "seat_status", msgs[0]["type"])
		assert.Equal(t, "evt-1", msgs[0]["eventId"])
		assert.Equal(t, "A-12", msgs[0]["seatId"])
		assert.Equal(t, "held", msgs[0]["status"])
		assert.Equal(t, "2026-03-01T18:10:00Z", msgs[0]["expiresAt"])
		assert.Equal(t, "2026-03-01T18:00:00Z", msgs[0]["timestamp"])
	}
	assert.Empty(t, other.messages(t))
}

func TestPublish_NoViewers(t *testing.T) {
	h, _ := newTestHub()
	h.Publish(domain.SeatStatusUpdate{EventID: "evt-1", Status: domain.StatusAvailable})
	assert.Equal(t, 0, h.Total())
}

func TestPublish_FailedSendEvicts(t *testing.T) {
	h, _ := newTestHub()
	good, broken := &fakeConn{}, &fakeConn{sendErr: errors.New("broken pipe")}
	h.Register(good, "evt-1")
	h.Register(broken, "evt-1")

	h.Publish(domain.SeatStatusUpdate{EventID: "evt-1", Status: domain.StatusSold})

	assert.Equal(t, 1, h.Count("evt-1"))
	assert.True(t, broken.isClosed())
	assert.False(t, good.isClosed())
	assert.Len(t, good.messages(t), 1)
}

func TestHandleMessage_PingAndSubscribe(t *testing.T) {
	h, _ := newTestHub()
	c := &fakeConn{}
	h.Register(c, "evt-1")

	h.HandleMessage(c, []byte(`{"type":"ping"}`))
	h.HandleMessage(c, []byte(`{"type":"subscribe","eventId":"evt-9"}`))
	h.HandleMessage(c, []byte(`not json`))
	h.HandleMessage(c, []byte(`{"type":"dance"}`))

	msgs := c.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "pong", msgs[0]["type"])
	assert.NotEmpty(t, msgs[0]["timestamp"])
	assert.Equal(t, "subscribed", msgs[1]["type"])
	assert.Equal(t, "evt-9", msgs[1]["eventId"])

	assert.Equal(t, 0, h.Count("evt-1"))
	assert.Equal(t, 1, h.Count("evt-9"))

	h.Publish(domain.SeatStatusUpdate{EventID: "evt-1", Status: domain.StatusHeld})
	assert.Len(t, c.messages(t), 2)
	h.Publish(domain.SeatStatusUpdate{EventID: "evt-9", Status: domain.StatusHeld})
	assert.Len(t, c.messages(t), 3)
}

func TestEvictStale(t *testing.T) {
	h, clock := newTestHub()
	quiet, chatty := &fakeConn{}, &fakeConn{}
	h.Register(quiet, "evt-1")
	h.Register(chatty, "evt-1")

	clock.Advance(45 * time.Second)
	h.Touch(chatty)
	assert.Equal(t, 0, h.EvictStale(clock.Now()))

	clock.Advance(30 * time.Second)
	assert.Equal(t, 1, h.EvictStale(clock.Now()))
	assert.True(t, quiet.isClosed())
	assert.False(t, chatty.isClosed())
	assert.Equal(t, 1, h.Total())

	// Any inbound message counts as an ack.
	clock.Advance(50 * time.Second)
	h.HandleMessage(chatty, []byte(`{"type":"ping"}`))
	clock.Advance(50 * time.Second)
	assert.Equal(t, 0, h.EvictStale(clock.Now()))
}

func TestUnregister(t *testing.T) {
	h, _ := newTestHub()
	c := &fakeConn{}
	h.Register(c, "evt-1")
	h.Unregister(c)
	h.Unregister(c)

	assert.Equal(t, 0, h.Total())
	assert.Equal(t, 0, h.Count("evt-1"))
	assert.False(t, c.isClosed())
	assert.False(t, h.Subscribe(c, "evt-2"))
}

func TestRun_PingsAndStops(t *testing.T) {
	h := NewHub(Config{PingInterval: 10 * time.Millisecond, PongTimeout: time.Minute})
	alive, dead := &fakeConn{}, &fakeConn{pingErr: errors.New("gone")}
	h.Register(alive, "evt-1")
	h.Register(dead, "evt-1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	require.Eventually(t, func() bool {
		alive.mu.Lock()
		defer alive.mu.Unlock()
		return alive.pings >= 2
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}
	assert.True(t, dead.isClosed())
	assert.Equal(t, 1, h.Total())
}

func TestConcurrentPublishAndRegister(t *testing.T) {
	h, _ := newTestHub()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c := &fakeConn{}
			h.Register(c, "evt-1")
			h.Unregister(c)
		}()
		go func() {
			defer wg.Done()
			h.Publish(domain.SeatStatusUpdate{EventID: "evt-1", Status: domain.StatusHeld})
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, h.Total())
}
