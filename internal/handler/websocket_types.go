// internal/handler/websocket_types.go
package handler

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client represents one WebSocket subscriber
type Client struct {
	ID          string
	Connection  *websocket.Conn
	Send        chan []byte
	RemoteAddr  string
	ConnectedAt time.Time
}

// ClientManager tracks connected WebSocket clients
type ClientManager struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewClientManager creates an empty client manager
func NewClientManager() *ClientManager {
	return &ClientManager{
		clients: make(map[string]*Client),
	}
}

// Register adds a client
func (m *ClientManager) Register(client *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[client.ID] = client
}

// Unregister removes a client and closes its send channel
func (m *ClientManager) Unregister(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if client, ok := m.clients[clientID]; ok {
		delete(m.clients, clientID)
		close(client.Send)
	}
}

// Broadcast queues a message for every client. Slow clients are skipped
// rather than blocking the broadcaster.
func (m *ClientManager) Broadcast(message []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, client := range m.clients {
		select {
		case client.Send <- message:
		default:
		}
	}
}

// Count returns the number of connected clients
func (m *ClientManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// WSMessage is the envelope for every broadcast and reply frame. ID
// echoes the request id on command replies so clients can correlate
// them with their own frames.
type WSMessage struct {
	Type         string    `json:"type"`
	ID           string    `json:"id,omitempty"`
	ConnectionID string    `json:"connectionId,omitempty"`
	Data         any       `json:"data,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}
