// internal/driver/common/throttle.go
package common

import (
	"fmt"
	"sync"

	"github.com/davetaz/dcc-io-daemon/pkg/driver"
)

// Sender encodes and transmits locomotive commands for one system family.
// Speed commands always carry the direction because most DCC families put
// both in the same packet.
type Sender interface {
	SendSpeed(address int, longAddress bool, speed float32, forward bool) error
	SendFunction(address int, longAddress bool, index int, on bool) error
	ReleaseThrottle(address int, longAddress bool)
}

// Throttle is the family-independent throttle handle. It caches the last
// commanded state so the daemon can report speed/direction/functions without
// querying the hardware, and delegates transmission to the family's Sender.
type Throttle struct {
	sender  Sender
	address int
	long    bool

	mu        sync.Mutex
	speed     float32
	forward   bool
	functions [driver.MaxFunction + 1]bool
	released  bool
}

// NewThrottle creates a throttle handle. Direction defaults to forward.
func NewThrottle(sender Sender, address int, longAddress bool) *Throttle {
	return &Throttle{
		sender:  sender,
		address: address,
		long:    longAddress,
		forward: true,
	}
}

func (t *Throttle) Address() int      { return t.address }
func (t *Throttle) LongAddress() bool { return t.long }

// SetSpeed transmits a speed command carrying the current direction.
func (t *Throttle) SetSpeed(speed float32) error {
	t.mu.Lock()
	if t.released {
		t.mu.Unlock()
		return fmt.Errorf("throttle for address %d released", t.address)
	}
	t.speed = speed
	forward := t.forward
	t.mu.Unlock()

	return t.sender.SendSpeed(t.address, t.long, speed, forward)
}

// SetDirection transmits the current speed with the new direction.
func (t *Throttle) SetDirection(forward bool) error {
	t.mu.Lock()
	if t.released {
		t.mu.Unlock()
		return fmt.Errorf("throttle for address %d released", t.address)
	}
	t.forward = forward
	speed := t.speed
	t.mu.Unlock()

	return t.sender.SendSpeed(t.address, t.long, speed, forward)
}

// SetFunction transmits one function change.
func (t *Throttle) SetFunction(index int, on bool) error {
	if index < 0 || index > driver.MaxFunction {
		return fmt.Errorf("function index %d out of range", index)
	}

	t.mu.Lock()
	if t.released {
		t.mu.Unlock()
		return fmt.Errorf("throttle for address %d released", t.address)
	}
	t.functions[index] = on
	t.mu.Unlock()

	return t.sender.SendFunction(t.address, t.long, index, on)
}

func (t *Throttle) Speed() float32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.speed
}

func (t *Throttle) Direction() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.forward
}

func (t *Throttle) Function(index int) bool {
	if index < 0 || index > driver.MaxFunction {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.functions[index]
}

// Release returns the allocation to the command station. Further commands
// on this handle fail; Release itself is idempotent.
func (t *Throttle) Release() {
	t.mu.Lock()
	if t.released {
		t.mu.Unlock()
		return
	}
	t.released = true
	t.mu.Unlock()

	t.sender.ReleaseThrottle(t.address, t.long)
}
