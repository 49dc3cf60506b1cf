// pkg/driver/interfaces.go
package driver

import (
	"context"
)

// Driver is the protocol engine for one command station connection. The
// orchestration core treats it as opaque: it manages the transport, encodes
// commands for its system family, and pushes protocol events onto the
// shared event bus.
type Driver interface {
	// Connection management
	Connect(ctx context.Context) error
	IsConnected() bool

	// Sessions and controllers bound to this connection
	OpenThrottle(address int, longAddress bool) (Throttle, error)
	Programmer() Programmer
	Accessories() AccessoryController

	// Command station state
	Info() map[string]string
	PowerStatus() string
	SetPower(ctx context.Context, state string) error
	RequestVersion() error

	// Close releases the transport. It must be safe to call more than once;
	// teardown errors are swallowed internally.
	Close() error
}

// Throttle is a live control handle for one locomotive address. Speed is
// normalized to [0.0, 1.0]; encoding to the hardware's speed-step scale is
// the driver's concern.
type Throttle interface {
	Address() int
	LongAddress() bool

	SetSpeed(speed float32) error
	SetDirection(forward bool) error
	SetFunction(index int, on bool) error

	Speed() float32
	Direction() bool
	Function(index int) bool

	// Release returns the throttle allocation to the command station while
	// keeping the connection itself alive.
	Release()
}

// Programmer reads and writes decoder configuration variables. CV
// operations can take a long time on the rails; implementations honor the
// context deadline.
type Programmer interface {
	ReadCV(ctx context.Context, cv int) (int, error)
	WriteCV(ctx context.Context, cv int, value int) error
}

// AccessoryController drives stationary decoders (turnouts, signals).
type AccessoryController interface {
	// SetTurnout sets a turnout: closed=true for CLOSED, false for THROWN.
	SetTurnout(address int, closed bool) error
}

// Power states reported by PowerStatus.
const (
	PowerOn      = "ON"
	PowerOff     = "OFF"
	PowerIdle    = "IDLE"
	PowerUnknown = "UNKNOWN"
)

// MaxFunction is the highest supported locomotive function index (F0..F28).
const MaxFunction = 28
