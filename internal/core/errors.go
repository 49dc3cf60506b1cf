// internal/core/errors.go
package core

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Callers classify failures with errors.Is so the
// transport layer can map them to protocol status codes without parsing
// message text.
var (
	// ErrNotFound reports an unknown connection, throttle, or profile id.
	ErrNotFound = errors.New("not found")

	// ErrUnsupportedSystemType reports a config whose system-type tag has
	// no registered driver.
	ErrUnsupportedSystemType = errors.New("unsupported system type")

	// ErrNotConnected reports an operation attempted on a connection that
	// is not connected, or when no usable connection exists.
	ErrNotConnected = errors.New("not connected")

	// ErrInvalidArgument reports an out-of-range speed, function index, or
	// otherwise malformed request value.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrRoleConflict reports a role that is already held by a different
	// connection.
	ErrRoleConflict = errors.New("role conflict")

	// ErrBusy reports a speed/direction lease held by another client.
	ErrBusy = errors.New("busy")

	// ErrDriver marks failures surfaced by the external driver (port open
	// failure, CV timeout, write error).
	ErrDriver = errors.New("driver failure")
)

// driverFailure wraps an error from the driver layer so it classifies as
// ErrDriver while keeping the original error in the chain.
func driverFailure(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrDriver, op, err)
}

func notFound(kind, id string) error {
	return fmt.Errorf("%w: %s %q", ErrNotFound, kind, id)
}

func unsupportedSystemType(systemType string) error {
	return fmt.Errorf("%w: %q", ErrUnsupportedSystemType, systemType)
}

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func portBusy(port, owner string) error {
	return fmt.Errorf("%w: port %q is bound to connection %q", ErrBusy, port, owner)
}

func roleConflict(role any, holder string) error {
	return fmt.Errorf("%w: role %v is held by connection %q", ErrRoleConflict, role, holder)
}
