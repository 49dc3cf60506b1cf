// internal/model/connection.go
package model

// ConnectionConfig describes a single logical command station connection.
// It is built once (from the API or from device discovery) and never mutated.
type ConnectionConfig struct {
	ID         string            `json:"id"`
	SystemType string            `json:"systemType"`
	Name       string            `json:"name,omitempty"`
	Prefix     string            `json:"prefix,omitempty"`
	Options    map[string]string `json:"options,omitempty"`
}

// Option returns the value for an option key, or "" if unset.
// Interpretation is system-specific: "portName" names a serial/USB port,
// "host"/"port" name a network target, "baudRate" a serial speed.
func (c ConnectionConfig) Option(key string) string {
	return c.Options[key]
}

// OptionKeyPort is the option carrying the physical port identifier for
// connections backed by a serial/USB device.
const OptionKeyPort = "portName"

// Role is a functional duty a connection can be assigned.
type Role string

const (
	RoleThrottles   Role = "throttles"
	RoleAccessories Role = "accessories"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleThrottles || r == RoleAccessories
}

// ConnectionStatus is one connection's record in a status snapshot.
// SystemType and CommandStation are only populated for full records; delta
// patches omit them for connections the receiver has already seen.
type ConnectionStatus struct {
	ID             string            `json:"id"`
	SystemType     string            `json:"systemType,omitempty"`
	Connected      bool              `json:"connected"`
	CommandStation map[string]string `json:"commandStation,omitempty"`
	PowerStatus    string            `json:"powerStatus,omitempty"`
	Roles          []string          `json:"roles"`
}
