package api

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// StreamEvent is one frame on the /ws stream: a full snapshot on
// connect, then one cycle summary per collection cycle.
type StreamEvent struct {
	Type      string    `json:"type"` // "snapshot" or "cycle"
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

func (e StreamEvent) encode(logger *slog.Logger) ([]byte, bool) {
	data, err := json.Marshal(e)
	if err != nil {
		logger.Error("marshal stream event", "type", e.Type, "error", err)
		return nil, false
	}
	return data, true
}

// Hub fans cycle events out to stream subscribers. All subscriber
// bookkeeping happens on the Run goroutine; the channels are the only
// synchronization.
type Hub struct {
	clients    map[*StreamClient]struct{}
	register   chan *StreamClient
	unregister chan *StreamClient
	events     chan []byte
	logger     *slog.Logger
}

// NewHub creates an empty hub. Call Run in a goroutine.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*StreamClient]struct{}),
		register:   make(chan *StreamClient),
		unregister: make(chan *StreamClient),
		events:     make(chan []byte, 256),
		logger:     logger.With("component", "api-stream"),
	}
}

// Run owns the subscriber set: joins, departures, fan-out. A subscriber
// whose queue is full is dropped rather than allowed to stall the rest.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.logger.Info("stream subscriber joined", "subscribers", len(h.clients))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.logger.Info("stream subscriber left", "subscribers", len(h.clients))

		case data := <-h.events:
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					delete(h.clients, c)
					close(c.send)
					h.logger.Warn("dropping slow stream subscriber")
				}
			}
		}
	}
}

// Broadcast queues one event for every subscriber. Drop-on-full.
func (h *Hub) Broadcast(evt StreamEvent) {
	data, ok := evt.encode(h.logger)
	if !ok {
		return
	}
	select {
	case h.events <- data:
	default:
		h.logger.Warn("stream backlog full, dropping event", "type", evt.Type)
	}
}

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10
)

// StreamClient is one connected /ws subscriber.
type StreamClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// NewStreamClient registers the connection with the hub and starts its
// pumps.
func NewStreamClient(hub *Hub, conn *websocket.Conn) *StreamClient {
	c := &StreamClient{hub: hub, conn: conn, send: make(chan []byte, 64)}
	hub.register <- c
	go c.writePump()
	go c.readPump()
	return c
}

// Send queues one event for this subscriber only, used to seed a fresh
// connection with the current snapshot. Drop-on-full.
func (c *StreamClient) Send(evt StreamEvent) {
	data, ok := evt.encode(c.hub.logger)
	if !ok {
		return
	}
	select {
	case c.send <- data:
	default:
		c.hub.logger.Warn("subscriber backlog full, dropping event", "type", evt.Type)
	}
}

// writePump drains the send queue onto the wire, pinging between
// events to keep the connection alive. Exits when the hub closes the
// queue or a write fails.
func (c *StreamClient) writePump() {
	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump exists for pong bookkeeping and close detection; the stream
// carries nothing inbound.
func (c *StreamClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("stream read error", "error", err)
			}
			return
		}
	}
}
