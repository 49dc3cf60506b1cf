// internal/handler/status_handler.go
package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/davetaz/dcc-io-daemon/internal/core"
	"github.com/davetaz/dcc-io-daemon/internal/utils"
)

// StatusHandler serves the aggregated daemon status
type StatusHandler struct {
	aggregator *core.StatusAggregator
	startedAt  time.Time
	version    string
	logger     *utils.ServiceLogger
}

// NewStatusHandler creates a new status handler
func NewStatusHandler(aggregator *core.StatusAggregator, version string, logger *zap.Logger) *StatusHandler {
	return &StatusHandler{
		aggregator: aggregator,
		startedAt:  time.Now(),
		version:    version,
		logger:     utils.NewServiceLogger(logger, "status-handler"),
	}
}

// RegisterRoutes registers status routes
func (h *StatusHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/status", h.GetStatus)
}

// GetStatus returns the snapshot of every connection
func (h *StatusHandler) GetStatus(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Status retrieved", gin.H{
		"version":     h.version,
		"uptime":      time.Since(h.startedAt).Round(time.Second).String(),
		"connections": h.aggregator.Snapshot(),
	})
}

// RegisterHealthRoutes registers the unversioned health endpoint
func (h *StatusHandler) RegisterHealthRoutes(router *gin.Engine) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"version": h.version,
			"uptime":  time.Since(h.startedAt).Round(time.Second).String(),
		})
	})
}
