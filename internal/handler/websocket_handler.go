// internal/handler/websocket_handler.go
package handler

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/davetaz/dcc-io-daemon/internal/core"
	"github.com/davetaz/dcc-io-daemon/internal/event"
	"github.com/davetaz/dcc-io-daemon/internal/model"
	"github.com/davetaz/dcc-io-daemon/internal/utils"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	statusInterval = time.Second
)

// WebSocketHandler serves the bidirectional socket surface. Outbound,
// it fans daemon events out to every client and broadcasts periodic
// connection-state patches so clients that miss an event converge
// anyway. Inbound, it dispatches JSON command frames to the same core
// services the HTTP handlers use, with the socket identity as the
// throttle lease client id.
type WebSocketHandler struct {
	upgrader    websocket.Upgrader
	clients     *ClientManager
	bus         *event.Bus
	aggregator  *core.StatusAggregator
	registry    *core.ConnectionRegistry
	roles       *core.RoleAssignment
	sessions    *core.ThrottleSessionManager
	accessories *AccessoryHandler
	logger      *utils.ServiceLogger

	sub  *event.Subscription
	stop chan struct{}
	once sync.Once
}

// NewWebSocketHandler creates the handler and starts the broadcasters
func NewWebSocketHandler(bus *event.Bus, aggregator *core.StatusAggregator, registry *core.ConnectionRegistry, roles *core.RoleAssignment, sessions *core.ThrottleSessionManager, accessories *AccessoryHandler, logger *zap.Logger) *WebSocketHandler {
	h := &WebSocketHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients:     NewClientManager(),
		bus:         bus,
		aggregator:  aggregator,
		registry:    registry,
		roles:       roles,
		sessions:    sessions,
		accessories: accessories,
		logger:      utils.NewServiceLogger(logger, "websocket-handler"),
		stop:        make(chan struct{}),
	}

	h.sub = bus.Subscribe(h.onEvent)
	go h.statusLoop()
	return h
}

// RegisterRoutes registers the WebSocket endpoint
func (h *WebSocketHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/ws", h.HandleConnection)
}

// HandleConnection upgrades a client and starts its pumps
func (h *WebSocketHandler) HandleConnection(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	client := &Client{
		ID:          uuid.New().String(),
		Connection:  conn,
		Send:        make(chan []byte, 256),
		RemoteAddr:  c.Request.RemoteAddr,
		ConnectedAt: time.Now(),
	}
	h.clients.Register(client)
	h.logger.Info("WebSocket client connected",
		zap.String("client_id", client.ID),
		zap.String("remote_addr", client.RemoteAddr),
	)

	h.sendInitialStatus(client)

	go h.readPump(client)
	go h.writePump(client)
}

// Stop halts the broadcasters and detaches from the event bus
func (h *WebSocketHandler) Stop() {
	h.once.Do(func() {
		h.bus.Unsubscribe(h.sub)
		close(h.stop)
	})
}

// onEvent forwards one daemon event to every client
func (h *WebSocketHandler) onEvent(ev event.Event) {
	msg := WSMessage{
		Type:         string(ev.Kind),
		ConnectionID: ev.ConnectionID,
		Data:         ev.Payload,
		Timestamp:    ev.Timestamp,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal event", zap.Error(err))
		return
	}
	h.clients.Broadcast(payload)
}

// statusLoop broadcasts connection-state patches when anything changed
// since the previous sweep.
func (h *WebSocketHandler) statusLoop() {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	previous := h.aggregator.Snapshot()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			if h.clients.Count() == 0 {
				previous = h.aggregator.Snapshot()
				continue
			}
			delta := h.aggregator.Delta(previous)
			if len(delta) == 0 {
				continue
			}
			h.broadcastStatus(delta)
			previous = h.aggregator.Snapshot()
		}
	}
}

func (h *WebSocketHandler) broadcastStatus(records map[string]model.ConnectionStatus) {
	payload, err := json.Marshal(WSMessage{
		Type:      "STATUS",
		Data:      records,
		Timestamp: time.Now(),
	})
	if err != nil {
		h.logger.Error("Failed to marshal status patch", zap.Error(err))
		return
	}
	h.clients.Broadcast(payload)
}

// sendInitialStatus pushes the full snapshot so the client starts from a
// complete picture before deltas arrive.
func (h *WebSocketHandler) sendInitialStatus(client *Client) {
	payload, err := json.Marshal(WSMessage{
		Type:      "STATUS",
		Data:      h.aggregator.Snapshot(),
		Timestamp: time.Now(),
	})
	if err != nil {
		return
	}
	select {
	case client.Send <- payload:
	default:
	}
}

// readPump reads inbound frames, dispatching each JSON command and
// queueing its reply on the client's send channel.
func (h *WebSocketHandler) readPump(client *Client) {
	defer func() {
		h.clients.Unregister(client.ID)
		client.Connection.Close()
		h.logger.Info("WebSocket client disconnected", zap.String("client_id", client.ID))
	}()

	client.Connection.SetReadLimit(4096)
	client.Connection.SetReadDeadline(time.Now().Add(pongWait))
	client.Connection.SetPongHandler(func(string) error {
		client.Connection.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, raw, err := client.Connection.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("WebSocket read error",
					zap.String("client_id", client.ID),
					zap.Error(err),
				)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		reply := h.dispatch(client, raw)
		select {
		case client.Send <- reply:
		default:
		}
	}
}

// writePump delivers queued messages and keeps the connection alive with
// pings.
func (h *WebSocketHandler) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Connection.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			client.Connection.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.Connection.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.Connection.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			client.Connection.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
