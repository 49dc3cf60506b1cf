// internal/driver/registry.go
package driver

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/davetaz/dcc-io-daemon/internal/event"
	"github.com/davetaz/dcc-io-daemon/internal/model"
	"github.com/davetaz/dcc-io-daemon/pkg/driver"
)

// Factory creates a driver for one connection. The driver publishes its
// protocol events to the shared bus under the config's connection id.
type Factory func(cfg model.ConnectionConfig, bus *event.Bus, logger *zap.Logger) (driver.Driver, error)

// Registry maps system-type tags to driver factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	logger    *zap.Logger
}

// NewRegistry creates a new driver registry
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		logger:    logger,
	}
}

// Register registers a driver factory for a system-type tag
func (r *Registry) Register(systemType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[systemType] = factory
	r.logger.Info("Driver registered", zap.String("system_type", systemType))
}

// Create creates a driver instance for the config's system-type tag
func (r *Registry) Create(cfg model.ConnectionConfig, bus *event.Bus) (driver.Driver, error) {
	r.mu.RLock()
	factory, exists := r.factories[cfg.SystemType]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("no driver for system type %q", cfg.SystemType)
	}
	return factory(cfg, bus, r.logger)
}

// IsSupported checks if a system-type tag has a registered driver
func (r *Registry) IsSupported(systemType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.factories[systemType]
	return exists
}

// SystemTypes returns all registered system-type tags in sorted order
func (r *Registry) SystemTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
