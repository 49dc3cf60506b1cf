// internal/handler/connection_handler.go
package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/davetaz/dcc-io-daemon/internal/core"
	"github.com/davetaz/dcc-io-daemon/internal/event"
	"github.com/davetaz/dcc-io-daemon/internal/model"
	"github.com/davetaz/dcc-io-daemon/internal/utils"
)

// ConnectionHandler handles connection lifecycle and role HTTP requests
type ConnectionHandler struct {
	registry  *core.ConnectionRegistry
	roles     *core.RoleAssignment
	bus       *event.Bus
	cvTimeout time.Duration
	logger    *utils.ServiceLogger
}

// NewConnectionHandler creates a new connection handler
func NewConnectionHandler(registry *core.ConnectionRegistry, roles *core.RoleAssignment, bus *event.Bus, cvTimeout time.Duration, logger *zap.Logger) *ConnectionHandler {
	return &ConnectionHandler{
		registry:  registry,
		roles:     roles,
		bus:       bus,
		cvTimeout: cvTimeout,
		logger:    utils.NewServiceLogger(logger, "connection-handler"),
	}
}

// RegisterRoutes registers connection-related routes
func (h *ConnectionHandler) RegisterRoutes(router *gin.RouterGroup) {
	connections := router.Group("/connections")
	{
		connections.POST("", h.CreateConnection)
		connections.GET("", h.ListConnections)

		connRoutes := connections.Group("/:id")
		{
			connRoutes.GET("", h.GetConnection)
			connRoutes.DELETE("", h.RemoveConnection)
			connRoutes.POST("/power", h.SetPower)
			connRoutes.POST("/stop", h.EmergencyStop)
			connRoutes.PUT("/roles/:role", h.SetRole)
			connRoutes.GET("/cv/:cv", h.ReadCV)
			connRoutes.PUT("/cv/:cv", h.WriteCV)
		}
	}
	router.GET("/roles", h.GetRoles)
}

// CreateConnectionRequest is the payload for manual connection creation
type CreateConnectionRequest struct {
	ID         string            `json:"id" binding:"required"`
	SystemType string            `json:"systemType" binding:"required"`
	Name       string            `json:"name"`
	Prefix     string            `json:"prefix"`
	Options    map[string]string `json:"options"`
}

// CreateConnection registers and connects a command station
func (h *ConnectionHandler) CreateConnection(c *gin.Context) {
	var req CreateConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	cfg := model.ConnectionConfig{
		ID:         req.ID,
		SystemType: req.SystemType,
		Name:       req.Name,
		Prefix:     req.Prefix,
		Options:    req.Options,
	}
	conn, err := h.registry.CreateConnection(c.Request.Context(), cfg)
	if err != nil {
		h.logger.Error("Failed to create connection",
			zap.String("connection_id", req.ID),
			zap.Error(err),
		)
		coreErrorResponse(c, err)
		return
	}

	h.logger.Info("Connection created", zap.String("connection_id", conn.ID()))
	utils.SuccessResponse(c, http.StatusCreated, "Connection created", h.statusOf(conn))
}

// ListConnections returns the status of every connection
func (h *ConnectionHandler) ListConnections(c *gin.Context) {
	conns := h.registry.List()
	statuses := make([]model.ConnectionStatus, 0, len(conns))
	for _, conn := range conns {
		statuses = append(statuses, h.statusOf(conn))
	}
	utils.SuccessResponse(c, http.StatusOK, "Connections retrieved", statuses)
}

// GetConnection returns one connection's status
func (h *ConnectionHandler) GetConnection(c *gin.Context) {
	conn, err := h.registry.Get(c.Param("id"))
	if err != nil {
		coreErrorResponse(c, err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Connection retrieved", h.statusOf(conn))
}

// RemoveConnection tears a connection down
func (h *ConnectionHandler) RemoveConnection(c *gin.Context) {
	id := c.Param("id")
	h.registry.RemoveConnection(id)
	utils.SuccessResponse(c, http.StatusOK, "Connection removed", gin.H{"id": id})
}

// SetPowerRequest selects the track power state
type SetPowerRequest struct {
	State string `json:"state" binding:"required"`
}

// SetPower switches track power on or off
func (h *ConnectionHandler) SetPower(c *gin.Context) {
	var req SetPowerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	conn, err := h.registry.Get(c.Param("id"))
	if err != nil {
		coreErrorResponse(c, err)
		return
	}
	if err := conn.SetPower(c.Request.Context(), req.State); err != nil {
		coreErrorResponse(c, err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Power state set", gin.H{"state": req.State})
}

// EmergencyStop cuts power and broadcasts the stop
func (h *ConnectionHandler) EmergencyStop(c *gin.Context) {
	conn, err := h.registry.Get(c.Param("id"))
	if err != nil {
		coreErrorResponse(c, err)
		return
	}
	if err := conn.EmergencyStop(c.Request.Context(), h.bus); err != nil {
		coreErrorResponse(c, err)
		return
	}
	h.logger.Warn("Emergency stop issued", zap.String("connection_id", conn.ID()))
	utils.SuccessResponse(c, http.StatusOK, "Emergency stop issued", nil)
}

// SetRoleRequest toggles a role; an omitted body enables it
type SetRoleRequest struct {
	Enabled *bool `json:"enabled"`
}

// SetRole enables or disables a functional role for a connection
func (h *ConnectionHandler) SetRole(c *gin.Context) {
	var req SetRoleRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}
	enabled := req.Enabled == nil || *req.Enabled

	role := model.Role(c.Param("role"))
	if err := h.roles.SetRole(c.Param("id"), role, enabled); err != nil {
		coreErrorResponse(c, err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Role updated", gin.H{
		"role":         string(role),
		"enabled":      enabled,
		"connectionId": c.Param("id"),
	})
}

// GetRoles reports the current role assignment
func (h *ConnectionHandler) GetRoles(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Roles retrieved", gin.H{
		string(model.RoleThrottles):   h.roles.Holder(model.RoleThrottles),
		string(model.RoleAccessories): h.roles.Holder(model.RoleAccessories),
	})
}

// ReadCV reads a configuration variable from the programming track
func (h *ConnectionHandler) ReadCV(c *gin.Context) {
	cv, err := strconv.Atoi(c.Param("cv"))
	if err != nil || cv < 1 {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid CV number", err)
		return
	}

	conn, err := h.registry.Get(c.Param("id"))
	if err != nil {
		coreErrorResponse(c, err)
		return
	}
	drv, err := conn.Driver()
	if err != nil {
		coreErrorResponse(c, err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.cvTimeout)
	defer cancel()
	value, err := drv.Programmer().ReadCV(ctx, cv)
	if err != nil {
		h.logger.Error("CV read failed", zap.Int("cv", cv), zap.Error(err))
		utils.ErrorResponse(c, http.StatusBadGateway, "CV read failed", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "CV read", gin.H{"cv": cv, "value": value})
}

// WriteCVRequest carries the value for a CV write
type WriteCVRequest struct {
	Value int `json:"value" binding:"min=0,max=255"`
}

// WriteCV writes a configuration variable on the programming track
func (h *ConnectionHandler) WriteCV(c *gin.Context) {
	cv, err := strconv.Atoi(c.Param("cv"))
	if err != nil || cv < 1 {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid CV number", err)
		return
	}
	var req WriteCVRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	conn, err := h.registry.Get(c.Param("id"))
	if err != nil {
		coreErrorResponse(c, err)
		return
	}
	drv, err := conn.Driver()
	if err != nil {
		coreErrorResponse(c, err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.cvTimeout)
	defer cancel()
	if err := drv.Programmer().WriteCV(ctx, cv, req.Value); err != nil {
		h.logger.Error("CV write failed", zap.Int("cv", cv), zap.Error(err))
		utils.ErrorResponse(c, http.StatusBadGateway, "CV write failed", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "CV written", gin.H{"cv": cv, "value": req.Value})
}

func (h *ConnectionHandler) statusOf(conn *core.Connection) model.ConnectionStatus {
	st := conn.Status()
	st.Roles = h.roles.Roles(conn.ID())
	return st
}
