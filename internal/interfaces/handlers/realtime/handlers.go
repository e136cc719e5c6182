package realtime

import (
	"time"

	"ticketing-backend/internal/application/subscriptions"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

const writeWait = 10 * time.Second

type Handlers struct {
	Hub *subscriptions.Hub
}

// RequireUpgrade rejects plain HTTP requests on the WebSocket route.
func (h *Handlers) RequireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// Stream serves GET /ws/events/:eventId. The connection receives a
// seat_status message for every committed transition of the event until it
// disconnects or stops answering pings.
func (h *Handlers) Stream() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		eventID := c.Params("eventId")
		conn := &wsConn{c: c}
		h.Hub.Register(conn, eventID)
		defer func() {
			h.Hub.Unregister(conn)
			_ = c.Close()
		}()

		c.SetPongHandler(func(string) error {
			h.Hub.Touch(conn)
			return nil
		})

		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Debug().Err(err).Str("event_id", eventID).Msg("viewer connection closed")
				}
				return
			}
			h.Hub.HandleMessage(conn, msg)
		}
	})
}

// wsConn adapts a websocket connection to subscriptions.Conn.
type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Send(payload []byte) error {
	if err := w.c.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return w.c.WriteMessage(websocket.TextMessage, payload)
}

func (w *wsConn) Ping() error {
	return w.c.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (w *wsConn) Close() error {
	return w.c.Close()
}
