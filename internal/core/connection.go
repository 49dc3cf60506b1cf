// internal/core/connection.go
package core

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/davetaz/dcc-io-daemon/internal/event"
	"github.com/davetaz/dcc-io-daemon/internal/model"
	"github.com/davetaz/dcc-io-daemon/internal/utils"
	"github.com/davetaz/dcc-io-daemon/pkg/driver"
)

// Connection pairs a configuration with the driver instance serving it.
// The registry owns the lifecycle; everything else reaches the hardware
// through this handle.
type Connection struct {
	Config model.ConnectionConfig

	driver driver.Driver
	logger *utils.ConnectionLogger

	mu     sync.Mutex
	opened bool
}

// NewConnection wraps a freshly built driver. The driver is not yet
// connected; call Connect to bring the link up.
func NewConnection(cfg model.ConnectionConfig, drv driver.Driver, base *zap.Logger) *Connection {
	return &Connection{
		Config: cfg,
		driver: drv,
		logger: utils.NewConnectionLogger(base, cfg.ID, cfg.SystemType),
	}
}

// ID returns the connection identifier.
func (c *Connection) ID() string {
	return c.Config.ID
}

// Connect brings the underlying link up. Calling Connect on an already
// open connection is a no-op.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.opened {
		return nil
	}
	if err := c.driver.Connect(ctx); err != nil {
		c.logger.LogConnection("connect", false, err)
		return driverFailure("connect", err)
	}
	c.opened = true
	c.logger.LogConnection("connect", true, nil)

	// Version info is best effort; some stations never answer.
	if err := c.driver.RequestVersion(); err != nil {
		c.logger.LogConnection("version", false, err)
	}
	return nil
}

// IsConnected reports whether the driver currently holds a live link.
func (c *Connection) IsConnected() bool {
	return c.driver.IsConnected()
}

// Driver exposes the underlying command station driver. Returns
// ErrNotConnected when the link is down.
func (c *Connection) Driver() (driver.Driver, error) {
	if !c.driver.IsConnected() {
		return nil, ErrNotConnected
	}
	return c.driver, nil
}

// Status reports the connection's current state for the status surface.
func (c *Connection) Status() model.ConnectionStatus {
	st := model.ConnectionStatus{
		ID:         c.Config.ID,
		SystemType: c.Config.SystemType,
		Connected:  c.driver.IsConnected(),
	}
	st.CommandStation = c.driver.Info()
	if st.Connected {
		st.PowerStatus = c.driver.PowerStatus()
	}
	return st
}

// SetPower switches track power and lets the driver publish the change.
func (c *Connection) SetPower(ctx context.Context, state string) error {
	drv, err := c.Driver()
	if err != nil {
		return err
	}
	if err := drv.SetPower(ctx, state); err != nil {
		return driverFailure("set power", err)
	}
	return nil
}

// EmergencyStop cuts power and broadcasts the stop event.
func (c *Connection) EmergencyStop(ctx context.Context, bus *event.Bus) error {
	if err := c.SetPower(ctx, driver.PowerOff); err != nil {
		return err
	}
	bus.Publish(event.Event{
		Kind:         event.EmergencyStop,
		ConnectionID: c.Config.ID,
	})
	return nil
}

// Close shuts the driver down. Safe to call more than once.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.opened {
		return nil
	}
	c.opened = false
	if err := c.driver.Close(); err != nil {
		c.logger.LogConnection("close", false, err)
		return driverFailure("close", err)
	}
	c.logger.LogConnection("close", true, nil)
	return nil
}
