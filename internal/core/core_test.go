// internal/core/core_test.go
package core

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davetaz/dcc-io-daemon/internal/driver"
	"github.com/davetaz/dcc-io-daemon/internal/event"
	"github.com/davetaz/dcc-io-daemon/internal/model"
	pkgdriver "github.com/davetaz/dcc-io-daemon/pkg/driver"
)

// fakeDriver is an in-memory command station for tests. It records every
// throttle-level send so coalescing and lease behavior can be asserted.
type fakeDriver struct {
	mu        sync.Mutex
	connected bool
	power     string
	throttles []*fakeThrottle
	turnouts  map[int]bool

	failConnect bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		power:    pkgdriver.PowerUnknown,
		turnouts: make(map[int]bool),
	}
}

func (d *fakeDriver) Connect(ctx context.Context) error {
	if d.failConnect {
		return context.DeadlineExceeded
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = true
	return nil
}

func (d *fakeDriver) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *fakeDriver) disconnect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
}

func (d *fakeDriver) OpenThrottle(address int, longAddress bool) (pkgdriver.Throttle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := &fakeThrottle{address: address, long: longAddress, forward: true}
	d.throttles = append(d.throttles, t)
	return t, nil
}

func (d *fakeDriver) lastThrottle() *fakeThrottle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.throttles) == 0 {
		return nil
	}
	return d.throttles[len(d.throttles)-1]
}

func (d *fakeDriver) Programmer() pkgdriver.Programmer { return fakeProgrammer{} }

func (d *fakeDriver) Accessories() pkgdriver.AccessoryController {
	return &fakeAccessories{d: d}
}

func (d *fakeDriver) Info() map[string]string { return nil }

func (d *fakeDriver) PowerStatus() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.power
}

func (d *fakeDriver) SetPower(ctx context.Context, state string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.power = state
	return nil
}

func (d *fakeDriver) RequestVersion() error { return nil }

func (d *fakeDriver) Close() error {
	d.disconnect()
	return nil
}

type fakeThrottle struct {
	mu       sync.Mutex
	address  int
	long     bool
	speed    float32
	forward  bool
	released bool

	speedSends []float32
}

func (t *fakeThrottle) Address() int      { return t.address }
func (t *fakeThrottle) LongAddress() bool { return t.long }

func (t *fakeThrottle) SetSpeed(speed float32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.speed = speed
	t.speedSends = append(t.speedSends, speed)
	return nil
}

func (t *fakeThrottle) SetDirection(forward bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.forward = forward
	return nil
}

func (t *fakeThrottle) SetFunction(index int, on bool) error { return nil }

func (t *fakeThrottle) Speed() float32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.speed
}

func (t *fakeThrottle) Direction() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.forward
}

func (t *fakeThrottle) Function(index int) bool { return false }

func (t *fakeThrottle) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.released = true
}

func (t *fakeThrottle) sends() []float32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]float32, len(t.speedSends))
	copy(out, t.speedSends)
	return out
}

type fakeProgrammer struct{}

func (fakeProgrammer) ReadCV(ctx context.Context, cv int) (int, error) { return 3, nil }
func (fakeProgrammer) WriteCV(ctx context.Context, cv, value int) error {
	return nil
}

type fakeAccessories struct {
	d *fakeDriver
}

func (a *fakeAccessories) SetTurnout(address int, closed bool) error {
	a.d.mu.Lock()
	defer a.d.mu.Unlock()
	a.d.turnouts[address] = closed
	return nil
}

// testHarness wires a registry with a fake system type so tests can
// create connections without hardware.
type testHarness struct {
	bus      *event.Bus
	registry *ConnectionRegistry
	roles    *RoleAssignment
	drivers  map[string]*fakeDriver
	mu       sync.Mutex
}

func newTestHarness() *testHarness {
	logger := zap.NewNop()
	h := &testHarness{
		bus:     event.NewBus(logger),
		drivers: make(map[string]*fakeDriver),
	}

	reg := driver.NewRegistry(logger)
	reg.Register("fake", func(cfg model.ConnectionConfig, bus *event.Bus, _ *zap.Logger) (pkgdriver.Driver, error) {
		d := newFakeDriver()
		h.mu.Lock()
		h.drivers[cfg.ID] = d
		h.mu.Unlock()
		return d, nil
	})

	h.registry = NewConnectionRegistry(reg, h.bus, logger, time.Second)
	h.roles = NewRoleAssignment(h.registry, logger)
	return h
}

func (h *testHarness) driver(id string) *fakeDriver {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.drivers[id]
}

func (h *testHarness) connect(id string) *Connection {
	conn, err := h.registry.CreateConnection(context.Background(), model.ConnectionConfig{
		ID:         id,
		SystemType: "fake",
	})
	if err != nil {
		panic(err)
	}
	return conn
}

func (h *testHarness) sessions(leaseTimeout, flushInterval time.Duration) *ThrottleSessionManager {
	return NewThrottleSessionManager(h.registry, h.roles, h.bus, zap.NewNop(), leaseTimeout, flushInterval, 50*time.Millisecond)
}
