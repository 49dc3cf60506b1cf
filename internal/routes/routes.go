// internal/routes/routes.go
package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/davetaz/dcc-io-daemon/internal/config"
	"github.com/davetaz/dcc-io-daemon/internal/core"
	"github.com/davetaz/dcc-io-daemon/internal/event"
	"github.com/davetaz/dcc-io-daemon/internal/handler"
	"github.com/davetaz/dcc-io-daemon/internal/middleware"
	"github.com/davetaz/dcc-io-daemon/internal/utils"
)

// Router holds all dependencies for routing
type Router struct {
	config      *config.Config
	logger      *zap.Logger
	registry    *core.ConnectionRegistry
	roles       *core.RoleAssignment
	sessions    *core.ThrottleSessionManager
	accessories *handler.AccessoryHandler
	aggregator  *core.StatusAggregator
	bus         *event.Bus
	ws          *handler.WebSocketHandler
}

// NewRouter creates a new router instance
func NewRouter(
	cfg *config.Config,
	logger *zap.Logger,
	registry *core.ConnectionRegistry,
	roles *core.RoleAssignment,
	sessions *core.ThrottleSessionManager,
	accessories *handler.AccessoryHandler,
	aggregator *core.StatusAggregator,
	bus *event.Bus,
	ws *handler.WebSocketHandler,
) *Router {
	return &Router{
		config:      cfg,
		logger:      logger,
		registry:    registry,
		roles:       roles,
		sessions:    sessions,
		accessories: accessories,
		aggregator:  aggregator,
		bus:         bus,
		ws:          ws,
	}
}

// SetupRouter creates and configures the Gin router
func (r *Router) SetupRouter() *gin.Engine {
	if r.config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()

	router.Use(middleware.RecoveryMiddleware(r.logger))
	router.Use(middleware.LoggingMiddleware(utils.NewServiceLogger(r.logger, "http")))
	router.Use(middleware.CORSMiddleware(&r.config.Server))

	connectionHandler := handler.NewConnectionHandler(r.registry, r.roles, r.bus, r.config.Device.CVTimeout, r.logger)
	throttleHandler := handler.NewThrottleHandler(r.sessions, r.logger)
	statusHandler := handler.NewStatusHandler(r.aggregator, r.config.App.Version, r.logger)

	statusHandler.RegisterHealthRoutes(router)
	r.ws.RegisterRoutes(router)

	v1 := router.Group("/api/v1")
	{
		connectionHandler.RegisterRoutes(v1)
		throttleHandler.RegisterRoutes(v1)
		r.accessories.RegisterRoutes(v1)
		statusHandler.RegisterRoutes(v1)
	}

	router.NoRoute(func(c *gin.Context) {
		utils.ErrorResponse(c, http.StatusNotFound, "Route not found", nil)
	})

	return router
}
