package subscriptions

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"ticketing-backend/internal/domain"

	"github.com/rs/zerolog/log"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultPongTimeout  = 60 * time.Second
)

// Conn is one live viewer connection. Implementations need not be safe for
// concurrent writes; the hub serialises Send and Ping per connection.
type Conn interface {
	Send(payload []byte) error
	Ping() error
	Close() error
}

type Config struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
}

type client struct {
	conn    Conn
	eventID string
	lastAck time.Time
	writeMu sync.Mutex
}

// Hub is the per-event registry of live viewers. Thread-safe: Publish is
// called after hold commits, Register/HandleMessage from per-connection
// goroutines and EvictStale from the ping loop.
type Hub struct {
	mu      sync.Mutex
	events  map[string]map[*client]struct{}
	clients map[Conn]*client

	pingInterval time.Duration
	pongTimeout  time.Duration

	Now func() time.Time
}

func NewHub(cfg Config) *Hub {
	ping := cfg.PingInterval
	if ping <= 0 {
		ping = defaultPingInterval
	}
	pong := cfg.PongTimeout
	if pong <= 0 {
		pong = defaultPongTimeout
	}
	// A connection must get at least one ping before it can be judged stale.
	if pong <= ping {
		pong = 2 * ping
	}
	return &Hub{
		events:       make(map[string]map[*client]struct{}),
		clients:      make(map[Conn]*client),
		pingInterval: ping,
		pongTimeout:  pong,
	}
}

func (h *Hub) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *Hub) PingInterval() time.Duration { return h.pingInterval }
func (h *Hub) PongTimeout() time.Duration  { return h.pongTimeout }

// Register adds conn as a viewer of eventID. Registering an already known
// connection re-scopes it.
func (h *Hub) Register(conn Conn, eventID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.clients[conn]; ok {
		h.moveLocked(c, eventID)
		c.lastAck = h.now()
		return
	}
	c := &client{conn: conn, eventID: eventID, lastAck: h.now()}
	h.clients[conn] = c
	h.addLocked(c)
	log.Debug().Str("event_id", eventID).Int("viewers", len(h.events[eventID])).Msg("viewer registered")
}

// Unregister forgets conn. It does not close it.
func (h *Hub) Unregister(conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(conn)
}

// Subscribe re-scopes a registered connection to another event. It reports
// false when conn is unknown.
func (h *Hub) Subscribe(conn Conn, eventID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[conn]
	if !ok {
		return false
	}
	h.moveLocked(c, eventID)
	c.lastAck = h.now()
	return true
}

// Touch records a liveness acknowledgement (pong frame or any inbound message).
func (h *Hub) Touch(conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[conn]; ok {
		c.lastAck = h.now()
	}
}

type inbound struct {
	Type    string `json:"type"`
	EventID string `json:"eventId"`
}

type controlMessage struct {
	Type      string    `json:"type"`
	EventID   string    `json:"eventId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type seatStatusMessage struct {
	Type string `json:"type"`
	domain.SeatStatusUpdate
	Timestamp time.Time `json:"timestamp"`
}

// HandleMessage processes one inbound client message. Any message counts as
// a liveness ack; unknown or malformed messages are otherwise ignored.
func (h *Hub) HandleMessage(conn Conn, raw []byte) {
	h.Touch(conn)

	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Debug().Err(err).Msg("ignoring malformed viewer message")
		return
	}
	switch msg.Type {
	case "ping":
		h.reply(conn, controlMessage{Type: "pong", Timestamp: h.now().UTC()})
	case "subscribe":
		if msg.EventID == "" || !h.Subscribe(conn, msg.EventID) {
			return
		}
		h.reply(conn, controlMessage{Type: "subscribed", EventID: msg.EventID, Timestamp: h.now().UTC()})
	}
}

func (h *Hub) reply(conn Conn, msg controlMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.Lock()
	c, ok := h.clients[conn]
	h.mu.Unlock()
	if !ok {
		return
	}
	if err := c.send(payload); err != nil {
		h.evict(c, "send failed")
	}
}

// Publish pushes update to every viewer of its event. The payload is
// serialised once; viewers whose send fails are evicted.
func (h *Hub) Publish(update domain.SeatStatusUpdate) {
	payload, err := json.Marshal(seatStatusMessage{
		Type:             "seat_status",
		SeatStatusUpdate: update,
		Timestamp:        h.now().UTC(),
	})
	if err != nil {
		log.Error().Err(err).Str("event_id", update.EventID).Msg("seat status encode failed")
		return
	}

	for _, c := range h.snapshot(update.EventID) {
		if err := c.send(payload); err != nil {
			h.evict(c, "send failed")
		}
	}
}

// Run pings every viewer each PingInterval and evicts the ones that stopped
// acknowledging, until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.EvictStale(h.now())
			for _, c := range h.snapshot("") {
				if err := c.ping(); err != nil {
					h.evict(c, "ping failed")
				}
			}
		}
	}
}

// EvictStale closes every connection whose last ack is older than
// PongTimeout and returns how many it evicted.
func (h *Hub) EvictStale(now time.Time) int {
	cutoff := now.Add(-h.pongTimeout)
	var stale []*client
	h.mu.Lock()
	for _, c := range h.clients {
		if c.lastAck.Before(cutoff) {
			stale = append(stale, c)
		}
	}
	h.mu.Unlock()

	for _, c := range stale {
		h.evict(c, "pong timeout")
	}
	return len(stale)
}

// Count returns the number of viewers of eventID.
func (h *Hub) Count(eventID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events[eventID])
}

// Total returns the number of connected viewers.
func (h *Hub) Total() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// snapshot copies the viewers of eventID (all viewers when empty) so sends
// happen outside the registry lock.
func (h *Hub) snapshot(eventID string) []*client {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []*client
	if eventID == "" {
		out = make([]*client, 0, len(h.clients))
		for _, c := range h.clients {
			out = append(out, c)
		}
		return out
	}
	set := h.events[eventID]
	out = make([]*client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

func (h *Hub) evict(c *client, reason string) {
	h.mu.Lock()
	current, ok := h.clients[c.conn]
	if ok && current == c {
		h.removeLocked(c.conn)
	}
	h.mu.Unlock()
	if !ok || current != c {
		return
	}
	_ = c.conn.Close()
	log.Debug().Str("event_id", c.eventID).Str("reason", reason).Msg("viewer evicted")
}

func (h *Hub) addLocked(c *client) {
	set, ok := h.events[c.eventID]
	if !ok {
		set = make(map[*client]struct{})
		h.events[c.eventID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) moveLocked(c *client, eventID string) {
	if c.eventID == eventID {
		return
	}
	h.dropFromEventLocked(c)
	c.eventID = eventID
	h.addLocked(c)
}

func (h *Hub) removeLocked(conn Conn) {
	c, ok := h.clients[conn]
	if !ok {
		return
	}
	delete(h.clients, conn)
	h.dropFromEventLocked(c)
}

func (h *Hub) dropFromEventLocked(c *client) {
	set := h.events[c.eventID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.events, c.eventID)
	}
}

func (c *client) send(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Send(payload)
}

func (c *client) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Ping()
}
