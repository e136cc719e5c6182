package realtime

import (
	"encoding/json"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"ticketing-backend/internal/application/subscriptions"
	"ticketing-backend/internal/domain"

	fws "github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) (*subscriptions.Hub, string, *fiber.App) {
	hub := subscriptions.NewHub(subscriptions.Config{PingInterval: time.Minute})
	h := &Handlers{Hub: hub}
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/ws/events/:eventId", h.RequireUpgrade, h.Stream())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() { _ = app.Shutdown() })
	return hub, "ws://" + ln.Addr().String(), app
}

func readJSON(t *testing.T, c *fws.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := c.ReadMessage()
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestStream_PushesSeatStatus(t *testing.T) {
	hub, base, _ := startServer(t)

	client, _, err := fws.DefaultDialer.Dial(base+"/ws/events/evt-1", nil)
	require.NoError(t, err)
	defer client.Close()

	require.Eventually(t, func() bool { return hub.Count("evt-1") == 1 }, 2*time.Second, 10*time.Millisecond)

	seatID := "A-1"
	hub.Publish(domain.SeatStatusUpdate{EventID: "evt-1", SeatID: &seatID, Status: domain.StatusHeld})
	msg := readJSON(t, client)
	assert.Equal(t, "seat_status", msg["type"])
	assert.Equal(t, "A-1", msg["seatId"])
	assert.Equal(t, "held", msg["status"])

	require.NoError(t, client.WriteMessage(fws.TextMessage, []byte(`{"type":"ping"}`)))
	assert.Equal(t, "pong", readJSON(t, client)["type"])

	require.NoError(t, client.WriteMessage(fws.TextMessage, []byte(`{"type":"subscribe","eventId":"evt-2"}`)))
	sub := readJSON(t, client)
	assert.Equal(t, "subscribed", sub["type"])
	assert.Equal(t, "evt-2", sub["eventId"])
	assert.Equal(t, 0, hub.Count("evt-1"))
	assert.Equal(t, 1, hub.Count("evt-2"))
}

func TestStream_DisconnectUnregisters(t *testing.T) {
	hub, base, _ := startServer(t)

	client, _, err := fws.DefaultDialer.Dial(base+"/ws/events/evt-1", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Total() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, client.Close())
	require.Eventually(t, func() bool { return hub.Total() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStream_RejectsPlainHTTP(t *testing.T) {
	hub := subscriptions.NewHub(subscriptions.Config{})
	h := &Handlers{Hub: hub}
	app := fiber.New()
	app.Get("/ws/events/:eventId", h.RequireUpgrade, h.Stream())

	resp, err := app.Test(httptest.NewRequest("GET", "/ws/events/evt-1", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}
