// internal/handler/accessory_handler.go
package handler

import (
	"net/http"
	"sort"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/davetaz/dcc-io-daemon/internal/core"
	"github.com/davetaz/dcc-io-daemon/internal/utils"
)

// TurnoutState is the last commanded position of one turnout
type TurnoutState struct {
	Address int    `json:"address"`
	Closed  bool   `json:"closed"`
	Name    string `json:"name,omitempty"`
}

// AccessoryHandler handles turnout HTTP requests. Commanded positions
// are remembered so clients can render the layout without polling the
// hardware, which cannot report turnout state.
type AccessoryHandler struct {
	accessories *core.AccessoryService
	logger      *utils.ServiceLogger

	mu       sync.RWMutex
	turnouts map[int]TurnoutState
}

// NewAccessoryHandler creates a new accessory handler
func NewAccessoryHandler(accessories *core.AccessoryService, logger *zap.Logger) *AccessoryHandler {
	return &AccessoryHandler{
		accessories: accessories,
		logger:      utils.NewServiceLogger(logger, "accessory-handler"),
		turnouts:    make(map[int]TurnoutState),
	}
}

// RegisterRoutes registers accessory-related routes
func (h *AccessoryHandler) RegisterRoutes(router *gin.RouterGroup) {
	turnouts := router.Group("/turnouts")
	{
		turnouts.GET("", h.ListTurnouts)
		turnouts.PUT("/:address", h.SetTurnout)
	}
}

// ListTurnouts returns every turnout commanded since startup
func (h *AccessoryHandler) ListTurnouts(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Turnouts retrieved", h.Turnouts())
}

// Turnouts lists the remembered turnout positions sorted by address.
func (h *AccessoryHandler) Turnouts() []TurnoutState {
	h.mu.RLock()
	states := make([]TurnoutState, 0, len(h.turnouts))
	for _, t := range h.turnouts {
		states = append(states, t)
	}
	h.mu.RUnlock()

	sort.Slice(states, func(i, j int) bool { return states[i].Address < states[j].Address })
	return states
}

// Throw commands a turnout and records its position. Both the HTTP and
// WebSocket surfaces go through here so they share one state store.
func (h *AccessoryHandler) Throw(address int, closed bool, name string) (TurnoutState, error) {
	if err := h.accessories.SetTurnout(address, closed); err != nil {
		h.logger.Error("Failed to set turnout",
			zap.Int("address", address),
			zap.Error(err),
		)
		return TurnoutState{}, err
	}

	state := TurnoutState{Address: address, Closed: closed, Name: name}
	h.mu.Lock()
	if name == "" {
		state.Name = h.turnouts[address].Name
	}
	h.turnouts[address] = state
	h.mu.Unlock()
	return state, nil
}

// SetTurnoutRequest selects the turnout position
type SetTurnoutRequest struct {
	Closed *bool  `json:"closed" binding:"required"`
	Name   string `json:"name"`
}

// SetTurnout throws or closes a turnout via the accessories connection
func (h *AccessoryHandler) SetTurnout(c *gin.Context) {
	address, err := strconv.Atoi(c.Param("address"))
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid turnout address", err)
		return
	}
	var req SetTurnoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	state, err := h.Throw(address, *req.Closed, req.Name)
	if err != nil {
		coreErrorResponse(c, err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Turnout set", state)
}
