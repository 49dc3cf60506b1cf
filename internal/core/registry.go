// internal/core/registry.go
package core

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davetaz/dcc-io-daemon/internal/driver"
	"github.com/davetaz/dcc-io-daemon/internal/event"
	"github.com/davetaz/dcc-io-daemon/internal/model"
)

// RemoveHook runs after a connection has been taken out of the registry.
// Hooks release state other components key on the connection id.
type RemoveHook func(connectionID string)

// ConnectionRegistry owns every live connection. It is the only component
// that creates and destroys driver instances; ids and serial ports are
// both unique keys.
type ConnectionRegistry struct {
	drivers        *driver.Registry
	bus            *event.Bus
	logger         *zap.Logger
	connectTimeout time.Duration

	mu    sync.RWMutex
	conns map[string]*Connection
	ports map[string]string // serial port -> connection id

	hookMu sync.Mutex
	hooks  []RemoveHook
}

// NewConnectionRegistry builds an empty registry.
func NewConnectionRegistry(drivers *driver.Registry, bus *event.Bus, logger *zap.Logger, connectTimeout time.Duration) *ConnectionRegistry {
	return &ConnectionRegistry{
		drivers:        drivers,
		bus:            bus,
		logger:         logger,
		connectTimeout: connectTimeout,
		conns:          make(map[string]*Connection),
		ports:          make(map[string]string),
	}
}

// OnRemove registers a hook invoked whenever a connection is removed.
func (r *ConnectionRegistry) OnRemove(hook RemoveHook) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// CreateConnection builds, registers and connects a new connection.
// Creating an id that already exists returns the existing connection
// unchanged. A serial port already bound to another connection is
// rejected with ErrBusy.
func (r *ConnectionRegistry) CreateConnection(ctx context.Context, cfg model.ConnectionConfig) (*Connection, error) {
	if cfg.ID == "" {
		return nil, invalidArgument("connection id is required")
	}
	if !r.drivers.IsSupported(cfg.SystemType) {
		return nil, unsupportedSystemType(cfg.SystemType)
	}

	port := cfg.Option(model.OptionKeyPort)

	r.mu.Lock()
	if existing, ok := r.conns[cfg.ID]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	if port != "" {
		if owner, bound := r.ports[port]; bound {
			r.mu.Unlock()
			return nil, portBusy(port, owner)
		}
	}

	drv, err := r.drivers.Create(cfg, r.bus)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	conn := NewConnection(cfg, drv, r.logger)
	r.conns[cfg.ID] = conn
	if port != "" {
		r.ports[port] = cfg.ID
	}
	r.mu.Unlock()

	connectCtx := ctx
	if r.connectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, r.connectTimeout)
		defer cancel()
	}
	if err := conn.Connect(connectCtx); err != nil {
		// The record stays registered; callers can retry or remove it.
		r.logger.Warn("Connection failed to open",
			zap.String("connection_id", cfg.ID),
			zap.String("system_type", cfg.SystemType),
			zap.Error(err),
		)
		return conn, err
	}
	return conn, nil
}

// Get returns the connection for an id.
func (r *ConnectionRegistry) Get(id string) (*Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	if !ok {
		return nil, notFound("connection", id)
	}
	return conn, nil
}

// ConnectionForPort returns the id bound to a serial port, if any.
func (r *ConnectionRegistry) ConnectionForPort(port string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.ports[port]
	return id, ok
}

// PortBindings returns a copy of every serial port binding, port -> id.
// The device monitor uses this to sweep connections whose port vanished,
// whether the monitor or an API call created them.
func (r *ConnectionRegistry) PortBindings() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bound := make(map[string]string, len(r.ports))
	for port, id := range r.ports {
		bound[port] = id
	}
	return bound
}

// List returns all connections sorted by id.
func (r *ConnectionRegistry) List() []*Connection {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	sort.Slice(conns, func(i, j int) bool { return conns[i].ID() < conns[j].ID() })
	return conns
}

// RemoveConnection tears a connection down and releases everything keyed
// on it. Remove hooks run first so throttle sessions and roles are gone
// before the driver closes; the port binding is released last. Removing
// an id that does not exist is a no-op; the return value reports whether
// a connection was actually removed.
func (r *ConnectionRegistry) RemoveConnection(id string) bool {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, id)
	r.mu.Unlock()

	r.hookMu.Lock()
	hooks := make([]RemoveHook, len(r.hooks))
	copy(hooks, r.hooks)
	r.hookMu.Unlock()
	for _, hook := range hooks {
		hook(id)
	}

	if err := conn.Close(); err != nil {
		r.logger.Warn("Driver close failed during removal",
			zap.String("connection_id", id),
			zap.Error(err),
		)
	}

	if port := conn.Config.Option(model.OptionKeyPort); port != "" {
		r.mu.Lock()
		if r.ports[port] == id {
			delete(r.ports, port)
		}
		r.mu.Unlock()
	}

	r.logger.Info("Connection removed", zap.String("connection_id", id))
	return true
}

// Close removes every connection. Used at shutdown.
func (r *ConnectionRegistry) Close() {
	for _, conn := range r.List() {
		r.RemoveConnection(conn.ID())
	}
}
