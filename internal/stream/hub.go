package stream

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/forgeflow/forgeflow/internal/common/logger"
)

// Hub fans task events out to WebSocket observers. Clients subscribe to
// session IDs; events for unsubscribed sessions are not delivered.
type Hub struct {
	mu          sync.RWMutex
	clients     map[*Client]bool
	subscribers map[string]map[*Client]bool // sessionID -> clients
	logger      *logger.Logger
}

// NewHub creates a new hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:     make(map[*Client]bool),
		subscribers: make(map[string]map[*Client]bool),
		logger:      log.WithFields(zap.String("component", "stream-hub")),
	}
}

// Register adds a connected client and starts its pumps.
func (h *Hub) Register(conn *websocket.Conn) *Client {
	c := &Client{
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, 64),
		done:       make(chan struct{}),
		sessionIDs: make(map[string]bool),
		logger:     h.logger,
	}

	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()
	return c
}

// Unregister removes a client and all of its subscriptions. The send
// channel is never closed; Broadcast may still hold a reference to the
// client from a snapshot taken before removal, so shutdown is signalled
// through the client's done channel instead.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		for sessionID, subs := range h.subscribers {
			delete(subs, c)
			if len(subs) == 0 {
				delete(h.subscribers, sessionID)
			}
		}
	}
	h.mu.Unlock()
	c.shutdown()
}

// subscribe registers a client's interest in a session's events.
func (h *Hub) subscribe(c *Client, sessionID string) {
	h.mu.Lock()
	subs, ok := h.subscribers[sessionID]
	if !ok {
		subs = make(map[*Client]bool)
		h.subscribers[sessionID] = subs
	}
	subs[c] = true
	h.mu.Unlock()
}

// unsubscribe removes a client's interest in a session's events.
func (h *Hub) unsubscribe(c *Client, sessionID string) {
	h.mu.Lock()
	if subs, ok := h.subscribers[sessionID]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.subscribers, sessionID)
		}
	}
	h.mu.Unlock()
}

// envelope wraps an event with the session it belongs to for observers
// watching multiple sessions.
type envelope struct {
	SessionID string `json:"session_id"`
	Event     Event  `json:"event"`
}

// Broadcast delivers an event to every client subscribed to the session.
// Slow clients are skipped rather than blocking the task pipeline.
func (h *Hub) Broadcast(sessionID string, ev Event) {
	data, err := json.Marshal(envelope{SessionID: sessionID, Event: ev})
	if err != nil {
		h.logger.Error("failed to marshal event for broadcast", zap.Error(err))
		return
	}

	h.mu.RLock()
	subs := h.subscribers[sessionID]
	clients := make([]*Client, 0, len(subs))
	for c := range subs {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if !c.trySend(data) {
			h.logger.Warn("dropping event for slow client",
				zap.String("session_id", sessionID))
		}
	}
}

// SessionSink returns a Sink that broadcasts every event for sessionID.
func (h *Hub) SessionSink(sessionID string) Sink {
	return SinkFunc(func(ev Event) error {
		h.Broadcast(sessionID, ev)
		return nil
	})
}

// CloseAll disconnects every client. Used during shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.Unregister(c)
		_ = c.conn.Close()
	}
}
