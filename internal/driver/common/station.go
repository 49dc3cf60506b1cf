// internal/driver/common/station.go
package common

import (
	"sync"

	"go.uber.org/zap"

	"github.com/davetaz/dcc-io-daemon/internal/event"
	"github.com/davetaz/dcc-io-daemon/pkg/driver"
)

// Station holds the state every driver family shares: connected flag, power
// status, and command station info, plus helpers for publishing protocol
// events under the owning connection id.
type Station struct {
	ID     string
	Bus    *event.Bus
	Logger *zap.Logger

	mu        sync.RWMutex
	connected bool
	power     string
	info      map[string]string
}

// NewStation creates station state for one connection.
func NewStation(id string, bus *event.Bus, logger *zap.Logger) *Station {
	return &Station{
		ID:     id,
		Bus:    bus,
		Logger: logger,
		power:  driver.PowerUnknown,
		info:   make(map[string]string),
	}
}

// IsConnected reports whether the transport is up.
func (s *Station) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// SetConnected records the transport state and publishes a
// CONNECTION_STATE_CHANGED event.
func (s *Station) SetConnected(connected bool) {
	s.mu.Lock()
	changed := s.connected != connected
	s.connected = connected
	s.mu.Unlock()

	if changed {
		s.Bus.Publish(event.Event{
			Kind:         event.ConnectionStateChanged,
			ConnectionID: s.ID,
			Payload:      map[string]any{"connected": connected},
		})
	}
}

// PowerStatus returns the last known track power state.
func (s *Station) PowerStatus() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.power
}

// StorePower records a power state and publishes POWER_CHANGED.
func (s *Station) StorePower(state string) {
	s.mu.Lock()
	s.power = state
	s.mu.Unlock()

	s.Bus.Publish(event.Event{
		Kind:         event.PowerChanged,
		ConnectionID: s.ID,
		Payload:      map[string]any{"power": state},
	})
}

// Info returns a copy of the command station info map, or nil if nothing is
// known yet.
func (s *Station) Info() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.info) == 0 {
		return nil
	}
	out := make(map[string]string, len(s.info))
	for k, v := range s.info {
		out[k] = v
	}
	return out
}

// StoreInfo records one command station info field.
func (s *Station) StoreInfo(key, value string) {
	s.mu.Lock()
	s.info[key] = value
	s.mu.Unlock()
}

// PublishSent reports an outbound protocol message.
func (s *Station) PublishSent(raw string) {
	s.Bus.Publish(event.Event{
		Kind:         event.MessageSent,
		ConnectionID: s.ID,
		Payload:      map[string]any{"message": raw},
	})
}

// PublishReceived reports an inbound protocol message.
func (s *Station) PublishReceived(raw string) {
	s.Bus.Publish(event.Event{
		Kind:         event.MessageReceived,
		ConnectionID: s.ID,
		Payload:      map[string]any{"message": raw},
	})
}

// PublishError reports a transport or protocol failure.
func (s *Station) PublishError(err error) {
	s.Bus.Publish(event.Event{
		Kind:         event.CommunicationError,
		ConnectionID: s.ID,
		Payload:      map[string]any{"error": err.Error()},
	})
}
