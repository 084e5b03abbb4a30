// Package realtime provides a WebSocket hub broadcasting marketplace
// lifecycle events to connected clients.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/paddockmarket/paddock/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// Event is one marketplace occurrence pushed to clients.
type Event struct {
	Type          string         `json:"type"`
	OfferID       string         `json:"offer_id,omitempty"`
	TransactionID string         `json:"transaction_id,omitempty"`
	HorseID       string         `json:"horse_id,omitempty"`
	PartyID       string         `json:"party_id,omitempty"` // intended recipient, empty = everyone
	Payload       map[string]any `json:"payload,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Client is one connected WebSocket consumer.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// Filters. Empty means no filter on that dimension.
	partyID string
	horseID string
}

func (c *Client) wants(e *Event) bool {
	if c.partyID != "" && e.PartyID != "" && e.PartyID != c.partyID {
		return false
	}
	if c.horseID != "" && e.HorseID != "" && e.HorseID != c.horseID {
		return false
	}
	return true
}

// Hub routes events to connected clients.
type Hub struct {
	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	broadcast  chan *Event

	logger *slog.Logger
}

// NewHub creates a hub. Call Run before Broadcast.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *Event, 256),
		logger:     logger,
	}
}

// Run processes registration and broadcast traffic until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			metrics.ActiveWebSocketClients.Set(0)
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			metrics.ActiveWebSocketClients.Set(float64(len(h.clients)))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				metrics.ActiveWebSocketClients.Set(float64(len(h.clients)))
			}

		case e := <-h.broadcast:
			data, err := json.Marshal(e)
			if err != nil {
				h.logger.Warn("marshal realtime event failed", "type", e.Type, "error", err)
				continue
			}
			for c := range h.clients {
				if !c.wants(e) {
					continue
				}
				select {
				case c.send <- data:
				default:
					// Slow consumer, drop it.
					delete(h.clients, c)
					close(c.send)
					metrics.ActiveWebSocketClients.Set(float64(len(h.clients)))
				}
			}
		}
	}
}

// Broadcast queues an event for delivery. Non-blocking: events are
// dropped if the hub is saturated.
func (h *Hub) Broadcast(e *Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	select {
	case h.broadcast <- e:
	default:
		h.logger.Warn("realtime broadcast buffer full, dropping event", "type", e.Type)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS upgrades an HTTP request to a WebSocket client. Clients may
// filter with ?party=<id> and ?horse=<id>.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		partyID: r.URL.Query().Get("party"),
		horseID: r.URL.Query().Get("horse"),
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump drains inbound frames so pings are answered; clients do not
// send application data.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
