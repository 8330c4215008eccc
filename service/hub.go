package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"
)

// WSMessage is the frame written to subscribers.
type WSMessage struct {
	Type    string `json:"type"` // event name, e.g. tracking:position_update
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

const clientBuffer = 256

var (
	errClientClosed = errors.New("client closed")
	errBufferFull   = errors.New("client buffer full")
)

// Client is one WebSocket subscriber on a channel.
type Client struct {
	id      string
	channel string
	agentID string
	conn    *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func (c *Client) ID() string      { return c.id }
func (c *Client) AgentID() string { return c.agentID }

// Send queues a frame for the client without blocking.
func (c *Client) Send(name string, payload any) error {
	data, err := json.Marshal(WSMessage{Type: name, Data: payload})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	return c.enqueue(data)
}

func (c *Client) enqueue(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errBufferFull
	}
}

// Close stops accepting frames. Queued frames are still written, then the
// connection is closed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	return nil
}

// Hub manages WebSocket clients grouped by channel. It implements Publisher
// and ConnectionRegistry.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{} // channel -> clients
}

func NewHub() *Hub {
	return &Hub{
		rooms: make(map[string]map[*Client]struct{}),
	}
}

// Serve upgrades the request and keeps the client subscribed to channel until
// either side closes. agentID may be empty for observers.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, channel, agentID string) {
	websocket.Handler(func(conn *websocket.Conn) {
		c := &Client{
			id:      uuid.NewString(),
			channel: channel,
			agentID: agentID,
			conn:    conn,
			send:    make(chan []byte, clientBuffer),
		}

		h.register(c)
		defer h.unregister(c)

		slog.Info("subscriber connected",
			"subscriber", c.id,
			"channel", channel,
			"agent_id", agentID,
			"remote", conn.Request().RemoteAddr)

		// Write pump
		written := make(chan struct{})
		go func() {
			defer close(written)
			defer conn.Close()
			for msg := range c.send {
				if _, err := conn.Write(msg); err != nil {
					return
				}
			}
		}()

		// Read pump (for close detection)
		buf := make([]byte, 512)
		for {
			if _, err := conn.Read(buf); err != nil {
				break
			}
		}
		c.Close()
		<-written
	}).ServeHTTP(w, r)
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[c.channel] == nil {
		h.rooms[c.channel] = make(map[*Client]struct{})
	}
	h.rooms[c.channel][c] = struct{}{}
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if clients, ok := h.rooms[c.channel]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.rooms, c.channel)
		}
	}
	h.mu.Unlock()

	c.Close()
	slog.Info("subscriber disconnected", "subscriber", c.id, "channel", c.channel)
}

func (h *Hub) clients(channel string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Client, 0, len(h.rooms[channel]))
	for c := range h.rooms[channel] {
		out = append(out, c)
	}
	return out
}

// Publish sends name/payload to every client on channel. Slow clients lose the frame.
func (h *Hub) Publish(ctx context.Context, channel, name string, payload any) error {
	data, err := json.Marshal(WSMessage{Type: name, Data: payload})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	for _, c := range h.clients(channel) {
		if err := c.enqueue(data); errors.Is(err, errBufferFull) {
			slog.Warn("client buffer full", "subscriber", c.id, "channel", channel, "event", name)
		}
	}
	return nil
}

// Subscribers returns the clients bound to eventID's channel.
func (h *Hub) Subscribers(eventID string) []Subscriber {
	clients := h.clients(EventChannel(eventID))
	out := make([]Subscriber, len(clients))
	for i, c := range clients {
		out[i] = c
	}
	return out
}

// Count returns the number of clients on channel.
func (h *Hub) Count(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[channel])
}

// CloseAll closes every client connection.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	rooms := h.rooms
	h.rooms = make(map[string]map[*Client]struct{})
	h.mu.Unlock()

	for _, clients := range rooms {
		for c := range clients {
			c.Close()
		}
	}
}
