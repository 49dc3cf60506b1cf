// cmd/server/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/davetaz/dcc-io-daemon/internal/config"
	"github.com/davetaz/dcc-io-daemon/internal/core"
	"github.com/davetaz/dcc-io-daemon/internal/driver"
	"github.com/davetaz/dcc-io-daemon/internal/event"
	"github.com/davetaz/dcc-io-daemon/internal/handler"
	"github.com/davetaz/dcc-io-daemon/internal/monitor"
	"github.com/davetaz/dcc-io-daemon/internal/routes"
	"github.com/davetaz/dcc-io-daemon/internal/utils"
)

// Application represents the main application
type Application struct {
	config *config.Config
	logger *zap.Logger
	server *http.Server

	bus         *event.Bus
	drivers     *driver.Registry
	registry    *core.ConnectionRegistry
	roles       *core.RoleAssignment
	sessions    *core.ThrottleSessionManager
	accessories *core.AccessoryService
	aggregator  *core.StatusAggregator
	monitor     *monitor.DeviceMonitor
	ws          *handler.WebSocketHandler
}

func main() {
	// .env is optional; real deployments use the environment directly
	_ = godotenv.Load()

	app, err := NewApplication()
	if err != nil {
		fmt.Printf("Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Start(); err != nil {
		app.logger.Fatal("Failed to start application", zap.Error(err))
	}
}

// NewApplication creates a new application instance
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	serviceLogger := utils.NewServiceLogger(logger, "dcc-io-daemon")
	serviceLogger.LogServiceStart(cfg.App.Version)

	app := &Application{
		config: cfg,
		logger: logger,
	}

	app.initializeCore()
	app.initializeMonitor()
	app.initializeServer()

	return app, nil
}

// initializeCore wires the event bus, driver registry and orchestration
// components together
func (app *Application) initializeCore() {
	app.bus = event.NewBus(app.logger)
	app.drivers = driver.NewDefaultRegistry(app.logger)

	app.registry = core.NewConnectionRegistry(app.drivers, app.bus, app.logger, app.config.Device.ConnectTimeout)
	app.roles = core.NewRoleAssignment(app.registry, app.logger)
	app.sessions = core.NewThrottleSessionManager(
		app.registry,
		app.roles,
		app.bus,
		app.logger,
		app.config.Throttle.LeaseTimeout,
		app.config.Throttle.SpeedCommandInterval,
		app.config.Throttle.LeaseSweepInterval,
	)
	app.accessories = core.NewAccessoryService(app.roles)
	app.aggregator = core.NewStatusAggregator(app.registry, app.roles)

	app.logger.Info("Core initialized",
		zap.Strings("system_types", app.drivers.SystemTypes()),
	)
}

// initializeMonitor sets up hot-plug device discovery
func (app *Application) initializeMonitor() {
	app.monitor = monitor.NewDeviceMonitor(
		monitor.SerialEnumerator{},
		app.registry,
		app.roles,
		app.config.Profiles,
		app.logger,
		app.config.Device.MonitorInterval,
		app.config.Device.ConnectTimeout,
	)
}

// initializeServer sets up the HTTP server and routes
func (app *Application) initializeServer() {
	// The accessory handler is shared between the HTTP and WebSocket
	// surfaces so both command through one turnout state store.
	accessoryHandler := handler.NewAccessoryHandler(app.accessories, app.logger)
	app.ws = handler.NewWebSocketHandler(app.bus, app.aggregator, app.registry, app.roles, app.sessions, accessoryHandler, app.logger)

	routerManager := routes.NewRouter(
		app.config,
		app.logger,
		app.registry,
		app.roles,
		app.sessions,
		accessoryHandler,
		app.aggregator,
		app.bus,
		app.ws,
	)
	router := routerManager.SetupRouter()

	app.server = &http.Server{
		Addr:         app.config.GetServerAddr(),
		Handler:      router,
		ReadTimeout:  app.config.Server.ReadTimeout,
		WriteTimeout: app.config.Server.WriteTimeout,
		IdleTimeout:  app.config.Server.IdleTimeout,
	}

	app.logger.Info("HTTP server initialized",
		zap.String("address", app.config.GetServerAddr()),
	)
}

// Start runs the monitor and the HTTP server, then blocks until shutdown
func (app *Application) Start() error {
	app.monitor.Start()

	go func() {
		app.logger.Info("HTTP server starting", zap.String("address", app.server.Addr))
		if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	app.waitForShutdown()
	return nil
}

// waitForShutdown waits for a shutdown signal and performs graceful
// shutdown
func (app *Application) waitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	app.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	app.shutdown()
}

// shutdown stops background tasks, closes every connection and drains
// the HTTP server
func (app *Application) shutdown() {
	serviceLogger := utils.NewServiceLogger(app.logger, "dcc-io-daemon")
	serviceLogger.LogServiceStop("shutdown signal received")

	app.monitor.Stop()
	app.ws.Stop()
	app.sessions.Stop()
	app.sessions.CloseAll("")
	app.registry.Close()

	ctx, cancel := context.WithTimeout(context.Background(), app.config.Device.ShutdownTimeout)
	defer cancel()
	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		app.logger.Info("HTTP server stopped")
	}

	_ = app.logger.Sync()

	time.Sleep(100 * time.Millisecond)
	os.Exit(0)
}
