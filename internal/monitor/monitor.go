// internal/monitor/monitor.go
package monitor

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davetaz/dcc-io-daemon/internal/config"
	"github.com/davetaz/dcc-io-daemon/internal/core"
	"github.com/davetaz/dcc-io-daemon/internal/model"
)

// DeviceMonitor keeps the connection registry synchronized with the
// serial hardware actually plugged in. Each scan removes connections for
// vanished ports, then creates connections for newly matched devices.
type DeviceMonitor struct {
	enumerator PortEnumerator
	registry   *core.ConnectionRegistry
	roles      *core.RoleAssignment
	profiles   []config.DeviceProfile
	logger     *zap.Logger

	interval       time.Duration
	connectTimeout time.Duration

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewDeviceMonitor builds a monitor. Start begins scanning.
func NewDeviceMonitor(en PortEnumerator, registry *core.ConnectionRegistry, roles *core.RoleAssignment, profiles []config.DeviceProfile, logger *zap.Logger, interval, connectTimeout time.Duration) *DeviceMonitor {
	return &DeviceMonitor{
		enumerator:     en,
		registry:       registry,
		roles:          roles,
		profiles:       profiles,
		logger:         logger,
		interval:       interval,
		connectTimeout: connectTimeout,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Start runs one scan immediately, then scans on the configured period
// until Stop is called.
func (m *DeviceMonitor) Start() {
	go func() {
		defer close(m.done)
		m.Scan()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.Scan()
			}
		}
	}()
	m.logger.Info("Device monitor started",
		zap.Duration("interval", m.interval),
		zap.Int("profiles", len(m.profiles)),
	)
}

// Stop cancels the scan loop, waiting a bounded time for the current
// scan to finish.
func (m *DeviceMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	select {
	case <-m.done:
	case <-time.After(5 * time.Second):
		m.logger.Warn("Device monitor did not stop in time")
	}
}

// Scan runs one disappearance pass and one discovery pass. Enumerator
// errors and individual device failures are logged, never fatal.
func (m *DeviceMonitor) Scan() {
	ports, err := m.enumerator.Enumerate()
	if err != nil {
		m.logger.Warn("Port enumeration failed", zap.Error(err))
		return
	}

	present := make(map[string]PortInfo, len(ports))
	for _, p := range ports {
		present[p.Port] = p
	}

	m.removeVanished(present)
	m.discover(ports)
}

// removeVanished drops connections whose port is no longer present.
// Every port binding in the registry is swept, so serial connections
// created through the API are torn down on unplug just like discovered
// ones.
func (m *DeviceMonitor) removeVanished(present map[string]PortInfo) {
	for port, id := range m.registry.PortBindings() {
		if _, ok := present[port]; ok {
			continue
		}
		m.logger.Info("Device disappeared",
			zap.String("port", port),
			zap.String("connection_id", id),
		)
		m.registry.RemoveConnection(id)
	}
}

// discover matches present devices against the profile table and creates
// connections for new matches.
func (m *DeviceMonitor) discover(ports []PortInfo) {
	for _, port := range ports {
		select {
		case <-m.stop:
			return
		default:
		}

		if _, bound := m.registry.ConnectionForPort(port.Port); bound {
			continue
		}

		profile, ok := m.match(port)
		if !ok {
			continue
		}

		id := ConnectionID(profile.SystemType, port.Port)
		cfg := model.ConnectionConfig{
			ID:         id,
			SystemType: profile.SystemType,
			Name:       profile.Name,
			Options:    map[string]string{model.OptionKeyPort: port.Port},
		}
		for k, v := range profile.Options {
			cfg.Options[k] = v
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.connectTimeout)
		_, err := m.registry.CreateConnection(ctx, cfg)
		cancel()
		if err != nil {
			m.logger.Warn("Discovered device failed to connect",
				zap.String("port", port.Port),
				zap.String("profile", profile.Name),
				zap.Error(err),
			)
			// Drop the half-built record so the next scan retries.
			m.registry.RemoveConnection(id)
			continue
		}

		m.roles.AutoAssign(id)
		m.logger.Info("Device connected",
			zap.String("port", port.Port),
			zap.String("profile", profile.Name),
			zap.String("connection_id", id),
		)
	}
}

// match finds the first profile for a port. Exact vendor/product id
// pairs win over description patterns; both respect declaration order.
func (m *DeviceMonitor) match(port PortInfo) (config.DeviceProfile, bool) {
	for _, p := range m.profiles {
		if p.VendorID != "" && p.ProductID != "" &&
			usbIDEqual(p.VendorID, port.VendorID) &&
			usbIDEqual(p.ProductID, port.ProductID) {
			return p, true
		}
	}
	if port.Description != "" {
		desc := strings.ToLower(port.Description)
		for _, p := range m.profiles {
			for _, pattern := range p.DescriptionPatterns {
				if pattern != "" && strings.Contains(desc, strings.ToLower(pattern)) {
					return p, true
				}
			}
		}
	}
	return config.DeviceProfile{}, false
}

// usbIDEqual compares hex vendor/product ids, tolerating an optional 0x
// prefix on either side.
func usbIDEqual(a, b string) bool {
	trim := func(s string) string {
		if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
			return s[2:]
		}
		return s
	}
	return strings.EqualFold(trim(a), trim(b))
}

// ConnectionID derives a stable id from a system type and port so the
// same physical device reproduces the same id across replugs.
func ConnectionID(systemType, port string) string {
	return normalize(strings.ReplaceAll(systemType, "-", "")) + "_" + normalize(port)
}

func normalize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
