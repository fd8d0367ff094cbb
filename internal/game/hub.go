package game

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/rs/zerolog/log"
)

const (
	hubBufferSize     = 256
	clientWriteWindow = 10 * time.Second
)

// Client is one websocket subscriber. Writes are serialized per connection.
type Client struct {
	conn   *websocket.Conn
	userID string
	mu     sync.Mutex
}

// Hub fans round events out to every connected client. Broadcast never
// blocks the round loop: when the buffer is full the event is dropped.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Event, hubBufferSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.conn.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			log.Debug().Str("user_id", client.userID).Int("total", total).Msg("[WS] client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.conn.Close()
				log.Debug().Str("user_id", client.userID).Int("total", len(h.clients)).Msg("[WS] client disconnected")
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			payload, err := json.Marshal(event)
			if err != nil {
				log.Error().Err(err).Str("type", event.Type).Msg("[WS] marshal event")
				continue
			}

			h.mu.RLock()
			for client := range h.clients {
				go client.send(payload)
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) Broadcast(event Event) {
	select {
	case h.broadcast <- event:
	default:
		log.Warn().Str("type", event.Type).Msg("[WS] broadcast buffer full, dropping event")
	}
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *Client) send(payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(clientWriteWindow))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		log.Debug().Err(err).Str("user_id", c.userID).Msg("[WS] write failed")
	}
}

// Reply sends a direct response to this client only.
func (c *Client) Reply(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.send(payload)
	return nil
}

func (c *Client) UserID() string { return c.userID }

// Register adds a connection and sends it the current view of each table.
func (h *Hub) Register(conn *websocket.Conn, userID string, initial []RoundView) *Client {
	client := &Client{conn: conn, userID: userID}
	for _, view := range initial {
		payload, err := json.Marshal(Event{Type: EventInitialState, Data: view})
		if err == nil {
			client.send(payload)
		}
	}
	h.register <- client
	return client
}

func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}
