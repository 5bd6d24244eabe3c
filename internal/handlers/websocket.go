package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/webrtc-rooms/internal/signaling"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Hub fans session events out to every connected UI client.
type Hub struct {
	mu          sync.RWMutex
	clients     map[string]*Client
	closed      bool
	unsubscribe func()
}

// Client represents a WebSocket client connection
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte
}

func NewHub(s Session) *Hub {
	h := &Hub{clients: make(map[string]*Client)}
	h.unsubscribe = s.Subscribe(h.broadcast)
	return h
}

// Close stops forwarding events and disconnects every client.
func (h *Hub) Close() {
	h.unsubscribe()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, client := range h.clients {
		close(client.Send)
		delete(h.clients, id)
	}
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) add(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[client.ID] = client
	return true
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; ok {
		delete(h.clients, client.ID)
		close(client.Send)
	}
}

// send queues data for one client if it is still registered.
func (h *Hub) send(client *Client, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	select {
	case client.Send <- data:
	default:
		log.Warn().Str("module", "ws").Str("client_id", client.ID).Msg("Failed to send event, buffer full")
	}
}

func (h *Hub) broadcast(ev signaling.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("Failed to marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, client := range h.clients {
		select {
		case client.Send <- data:
		default:
			log.Warn().Str("module", "ws").Str("client_id", id).Msg("Failed to send event, buffer full")
		}
	}
}

// HandleEvents upgrades the request and streams session events to it,
// starting with the current state.
func HandleEvents(h *Hub, s Session) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Error().Err(err).Str("module", "ws").Msg("Failed to upgrade connection")
			return
		}

		client := &Client{
			ID:   uuid.New().String(),
			Conn: conn,
			Send: make(chan []byte, sendBuffer),
		}

		// Registered before the snapshot is read so no event falls in between.
		if !h.add(client) {
			_ = conn.Close()
			return
		}

		view := s.State().View()
		snapshot, err := json.Marshal(signaling.Event{Type: signaling.EventState, State: &view})
		if err != nil {
			log.Error().Err(err).Str("module", "ws").Msg("Failed to marshal state")
			h.remove(client)
			_ = conn.Close()
			return
		}
		h.send(client, snapshot)
		log.Info().Str("module", "ws").Str("client_id", client.ID).Msg("event client connected")

		go client.writePump()
		go client.readPump(h)
	}
}

// readPump only services control frames; clients never send commands here.
func (c *Client) readPump(h *Hub) {
	defer func() {
		h.remove(c)
		_ = c.Conn.Close()
		log.Info().Str("module", "ws").Str("client_id", c.ID).Msg("event client disconnected")
	}()

	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("module", "ws").Str("client_id", c.ID).Msg("WebSocket error")
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Str("module", "ws").Str("client_id", c.ID).Msg("Failed to write message")
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
