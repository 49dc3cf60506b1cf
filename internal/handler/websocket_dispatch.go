// internal/handler/websocket_dispatch.go
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/davetaz/dcc-io-daemon/internal/core"
	"github.com/davetaz/dcc-io-daemon/internal/model"
)

// WSRequest is one inbound command frame. Type selects the resource,
// Method the verb (get, post, put or list, defaulting to get), Data the
// resource-specific payload. The socket's own identity serves as the
// lease client id, so every frame from one socket counts as the same
// throttle client.
type WSRequest struct {
	ID     string          `json:"id,omitempty"`
	Type   string          `json:"type"`
	Method string          `json:"method,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// WSError carries the failure detail inside an error reply
type WSError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// dispatch routes one inbound frame and returns the reply to queue.
func (h *WebSocketHandler) dispatch(client *Client, raw []byte) []byte {
	var req WSRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return marshalReply(errorReply("", http.StatusBadRequest, "invalid JSON payload: "+err.Error()))
	}
	if req.Type == "" {
		return marshalReply(errorReply(req.ID, http.StatusBadRequest, "message must include 'type'"))
	}

	method := strings.ToLower(req.Method)
	if method == "" {
		method = "get"
	}

	var reply WSMessage
	switch strings.ToLower(req.Type) {
	case "throttle", "throttles":
		reply = h.handleThrottleRequest(client, method, req.Data)
	case "power":
		reply = h.handlePowerRequest(method, req.Data)
	case "turnout", "turnouts":
		reply = h.handleTurnoutRequest(method, req.Data)
	case "status":
		reply = WSMessage{Type: "STATUS", Data: h.aggregator.Snapshot()}
	default:
		reply = errorReply(req.ID, http.StatusNotFound, "unknown type '"+req.Type+"'")
	}

	if reply.ID == "" {
		reply.ID = req.ID
	}
	return marshalReply(reply)
}

// ThrottleCommand is the data payload for throttle frames. Speed,
// forward and function changes may be combined in one frame; absent
// fields are untouched.
type ThrottleCommand struct {
	ConnectionID string          `json:"connectionId"`
	Address      int             `json:"address"`
	LongAddress  bool            `json:"longAddress"`
	Speed        *float32        `json:"speed"`
	Forward      *bool           `json:"forward"`
	Functions    map[string]bool `json:"functions"`
}

func (h *WebSocketHandler) handleThrottleRequest(client *Client, method string, data json.RawMessage) WSMessage {
	if method == "list" {
		return WSMessage{Type: "throttles", Data: h.sessions.List()}
	}
	if method != "get" && method != "post" {
		return errorReply("", http.StatusBadRequest, "unsupported method '"+method+"' for throttle")
	}

	var cmd ThrottleCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return errorReply("", http.StatusBadRequest, "invalid throttle payload: "+err.Error())
	}

	session, err := h.sessions.Open(cmd.ConnectionID, cmd.Address, cmd.LongAddress)
	if err != nil {
		return coreErrorReply(err)
	}
	if method == "get" {
		return WSMessage{Type: "throttle", Data: session.State()}
	}

	if cmd.Speed != nil {
		if err := session.SetSpeed(client.ID, *cmd.Speed); err != nil {
			return coreErrorReply(err)
		}
	}
	if cmd.Forward != nil {
		if err := session.SetDirection(client.ID, *cmd.Forward); err != nil {
			return coreErrorReply(err)
		}
	}
	for key, on := range cmd.Functions {
		index, err := strconv.Atoi(key)
		if err != nil {
			return errorReply("", http.StatusBadRequest, "invalid function key '"+key+"'")
		}
		if err := session.SetFunction(index, on); err != nil {
			return coreErrorReply(err)
		}
	}
	return WSMessage{Type: "throttle", Data: session.State()}
}

// PowerCommand selects track power for one connection, or the throttles
// role holder when connectionId is empty.
type PowerCommand struct {
	ConnectionID string `json:"connectionId"`
	State        string `json:"state"`
}

func (h *WebSocketHandler) handlePowerRequest(method string, data json.RawMessage) WSMessage {
	if method != "post" && method != "put" {
		return errorReply("", http.StatusBadRequest, "unsupported method '"+method+"' for power")
	}

	var cmd PowerCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return errorReply("", http.StatusBadRequest, "invalid power payload: "+err.Error())
	}

	conn, err := h.resolveConnection(cmd.ConnectionID)
	if err != nil {
		return coreErrorReply(err)
	}
	if err := conn.SetPower(context.Background(), cmd.State); err != nil {
		return coreErrorReply(err)
	}
	return WSMessage{Type: "power", ConnectionID: conn.ID(), Data: map[string]string{"state": cmd.State}}
}

// TurnoutCommand selects the position for one turnout
type TurnoutCommand struct {
	Address int    `json:"address"`
	Closed  *bool  `json:"closed"`
	Name    string `json:"name"`
}

func (h *WebSocketHandler) handleTurnoutRequest(method string, data json.RawMessage) WSMessage {
	if method == "list" || method == "get" {
		return WSMessage{Type: "turnouts", Data: h.accessories.Turnouts()}
	}
	if method != "post" && method != "put" {
		return errorReply("", http.StatusBadRequest, "unsupported method '"+method+"' for turnout")
	}

	var cmd TurnoutCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return errorReply("", http.StatusBadRequest, "invalid turnout payload: "+err.Error())
	}
	if cmd.Closed == nil {
		return errorReply("", http.StatusBadRequest, "turnout payload requires 'closed'")
	}

	state, err := h.accessories.Throw(cmd.Address, *cmd.Closed, cmd.Name)
	if err != nil {
		return coreErrorReply(err)
	}
	return WSMessage{Type: "turnout", Data: state}
}

// resolveConnection looks a connection up by id, falling back to the
// throttles role holder for an empty id.
func (h *WebSocketHandler) resolveConnection(connectionID string) (*core.Connection, error) {
	if connectionID == "" {
		return h.roles.Resolve(model.RoleThrottles)
	}
	return h.registry.Get(connectionID)
}

func errorReply(requestID string, code int, message string) WSMessage {
	return WSMessage{
		Type: "ERROR",
		ID:   requestID,
		Data: WSError{Code: code, Message: message},
	}
}

func coreErrorReply(err error) WSMessage {
	return errorReply("", statusForError(err), err.Error())
}

func marshalReply(msg WSMessage) []byte {
	msg.Timestamp = time.Now()
	payload, err := json.Marshal(msg)
	if err != nil {
		payload, _ = json.Marshal(errorReply(msg.ID, http.StatusInternalServerError, "failed to encode reply"))
	}
	return payload
}
