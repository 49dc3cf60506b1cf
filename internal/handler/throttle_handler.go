// internal/handler/throttle_handler.go
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/davetaz/dcc-io-daemon/internal/core"
	"github.com/davetaz/dcc-io-daemon/internal/utils"
)

// ThrottleHandler handles locomotive control HTTP requests
type ThrottleHandler struct {
	sessions *core.ThrottleSessionManager
	logger   *utils.ServiceLogger
}

// NewThrottleHandler creates a new throttle handler
func NewThrottleHandler(sessions *core.ThrottleSessionManager, logger *zap.Logger) *ThrottleHandler {
	return &ThrottleHandler{
		sessions: sessions,
		logger:   utils.NewServiceLogger(logger, "throttle-handler"),
	}
}

// RegisterRoutes registers throttle-related routes
func (h *ThrottleHandler) RegisterRoutes(router *gin.RouterGroup) {
	throttles := router.Group("/throttles")
	{
		throttles.POST("", h.OpenThrottle)
		throttles.GET("", h.ListThrottles)

		throttleRoutes := throttles.Group("/:id")
		{
			throttleRoutes.GET("", h.GetThrottle)
			throttleRoutes.DELETE("", h.CloseThrottle)
			throttleRoutes.POST("/speed", h.SetSpeed)
			throttleRoutes.POST("/direction", h.SetDirection)
			throttleRoutes.POST("/function", h.SetFunction)
		}
	}
}

// OpenThrottleRequest selects the locomotive to control
type OpenThrottleRequest struct {
	ConnectionID string `json:"connectionId"`
	Address      int    `json:"address" binding:"required"`
	LongAddress  bool   `json:"longAddress"`
}

// OpenThrottle opens (or returns) the session for a locomotive address
func (h *ThrottleHandler) OpenThrottle(c *gin.Context) {
	var req OpenThrottleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	session, err := h.sessions.Open(req.ConnectionID, req.Address, req.LongAddress)
	if err != nil {
		h.logger.Error("Failed to open throttle",
			zap.Int("address", req.Address),
			zap.Error(err),
		)
		coreErrorResponse(c, err)
		return
	}
	utils.SuccessResponse(c, http.StatusCreated, "Throttle opened", session.State())
}

// ListThrottles returns every live throttle session
func (h *ThrottleHandler) ListThrottles(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Throttles retrieved", h.sessions.List())
}

// GetThrottle returns one session's state
func (h *ThrottleHandler) GetThrottle(c *gin.Context) {
	session, err := h.sessions.Get(c.Param("id"))
	if err != nil {
		coreErrorResponse(c, err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Throttle retrieved", session.State())
}

// CloseThrottle releases a session
func (h *ThrottleHandler) CloseThrottle(c *gin.Context) {
	h.sessions.Close(c.Param("id"))
	utils.SuccessResponse(c, http.StatusOK, "Throttle closed", gin.H{"throttleId": c.Param("id")})
}

// SetSpeedRequest carries a normalized speed under a client's lease
type SetSpeedRequest struct {
	ClientID string   `json:"clientId" binding:"required"`
	Speed    *float32 `json:"speed" binding:"required"`
}

// SetSpeed requests a speed change for a locomotive
func (h *ThrottleHandler) SetSpeed(c *gin.Context) {
	var req SetSpeedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	session, err := h.sessions.Get(c.Param("id"))
	if err != nil {
		coreErrorResponse(c, err)
		return
	}
	if err := session.SetSpeed(req.ClientID, *req.Speed); err != nil {
		coreErrorResponse(c, err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Speed set", gin.H{"speed": *req.Speed})
}

// SetDirectionRequest carries a direction under a client's lease
type SetDirectionRequest struct {
	ClientID string `json:"clientId" binding:"required"`
	Forward  *bool  `json:"forward" binding:"required"`
}

// SetDirection requests a direction change for a locomotive
func (h *ThrottleHandler) SetDirection(c *gin.Context) {
	var req SetDirectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	session, err := h.sessions.Get(c.Param("id"))
	if err != nil {
		coreErrorResponse(c, err)
		return
	}
	if err := session.SetDirection(req.ClientID, *req.Forward); err != nil {
		coreErrorResponse(c, err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Direction set", gin.H{"forward": *req.Forward})
}

// SetFunctionRequest toggles one decoder function
type SetFunctionRequest struct {
	Index *int  `json:"index" binding:"required"`
	On    *bool `json:"on" binding:"required"`
}

// SetFunction toggles a decoder function, no lease required
func (h *ThrottleHandler) SetFunction(c *gin.Context) {
	var req SetFunctionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	session, err := h.sessions.Get(c.Param("id"))
	if err != nil {
		coreErrorResponse(c, err)
		return
	}
	if err := session.SetFunction(*req.Index, *req.On); err != nil {
		coreErrorResponse(c, err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Function set", gin.H{
		"index": *req.Index,
		"on":    *req.On,
	})
}
