package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ringtrade/internal/eventbus"
)

// --- WebSocket Hub ---

// Hub fans engine events out to connected tenant clients. Each client
// only receives events for the tenant it authenticated as; a deleted
// tenant's clients are disconnected.
type Hub struct {
	clients    map[*Client]bool
	events     chan eventbus.Event
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mutex      sync.Mutex
}

type Client struct {
	hub      *Hub
	tenantID string
	conn     *websocket.Conn
	send     chan []byte
}

// NewHub subscribes to the bus immediately so no events are missed
// before Run starts draining.
func NewHub(bus *eventbus.Bus) *Hub {
	h := &Hub{
		clients:    make(map[*Client]bool),
		events:     make(chan eventbus.Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
	bus.Subscribe(eventbus.TypeLoopDiscovered, h.events)
	bus.Subscribe(eventbus.TypeGraphMutated, h.events)
	bus.Subscribe(eventbus.TypeTenantDeleted, h.events)
	return h
}

// BroadcastMessage is the wire form of one feed event.
type BroadcastMessage struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// Run drains registrations and events until ctx is cancelled, then
// closes done so add and remove stop blocking.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mutex.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mutex.Unlock()
			close(h.done)
			return
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			h.mutex.Unlock()
		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mutex.Unlock()
		case evt := <-h.events:
			h.dispatch(evt)
		}
	}
}

func (h *Hub) dispatch(evt eventbus.Event) {
	if evt.Type == eventbus.TypeTenantDeleted {
		h.mutex.Lock()
		for client := range h.clients {
			if client.tenantID == evt.TenantID {
				delete(h.clients, client)
				close(client.send)
			}
		}
		h.mutex.Unlock()
		return
	}

	msg := BroadcastMessage{Type: evt.Type, Timestamp: evt.Timestamp, Payload: evt.Data}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mutex.Lock()
	for client := range h.clients {
		if client.tenantID != evt.TenantID {
			continue
		}
		select {
		case client.send <- data:
		default:
			close(client.send)
			delete(h.clients, client)
		}
	}
	h.mutex.Unlock()
}

// add hands the client to Run. A false return means the hub has shut
// down and the client was never registered.
func (h *Hub) add(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// remove is safe after shutdown; Run closes the send channel of every
// client it still held on the way out.
func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// ClientCount reports connected clients for the status page.
func (h *Hub) ClientCount() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.clients)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "websocket feed disabled")
		return
	}

	// Browsers cannot set headers on a WebSocket dial; accept the key
	// as a query parameter too.
	if r.Header.Get("X-API-Key") == "" {
		if k := r.URL.Query().Get("apiKey"); k != "" {
			r.Header.Set("X-API-Key", k)
		}
	}
	t, err := s.auth.ExtractTenant(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("[api] websocket upgrade error:", err)
		return
	}

	client := &Client{
		hub:      s.hub,
		tenantID: t.ID,
		conn:     conn,
		send:     make(chan []byte, 256),
	}

	if !s.hub.add(client) {
		conn.Close()
		return
	}

	go func() {
		defer conn.Close()
		for {
			message, ok := <-client.send
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)
			w.Close()
		}
	}()

	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			break
		}
	}
	s.hub.remove(client)
}

func (s *Server) handleStatusWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("[api] status websocket upgrade error:", err)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	for {
		payload, err := s.buildStatusPayload(time.Now())
		if err != nil {
			payload = []byte(`{"status":"error"}`)
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
