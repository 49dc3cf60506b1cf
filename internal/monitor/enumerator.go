// internal/monitor/enumerator.go
package monitor

import (
	"fmt"

	"go.bug.st/serial/enumerator"
)

// PortInfo describes one enumerated serial port.
type PortInfo struct {
	Port        string
	VendorID    string
	ProductID   string
	Description string
}

// PortEnumerator lists the serial ports currently present. The monitor
// depends on this interface so tests can script hot-plug sequences.
type PortEnumerator interface {
	Enumerate() ([]PortInfo, error)
}

// SerialEnumerator enumerates real hardware through the OS serial stack.
type SerialEnumerator struct{}

// Enumerate returns USB serial ports with their vendor/product metadata.
func (SerialEnumerator) Enumerate() ([]PortInfo, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}
	infos := make([]PortInfo, 0, len(ports))
	for _, p := range ports {
		if !p.IsUSB {
			continue
		}
		infos = append(infos, PortInfo{
			Port:        p.Name,
			VendorID:    p.VID,
			ProductID:   p.PID,
			Description: p.Product,
		})
	}
	return infos, nil
}
