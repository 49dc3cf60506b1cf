// internal/monitor/monitor_test.go
package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/davetaz/dcc-io-daemon/internal/config"
	"github.com/davetaz/dcc-io-daemon/internal/core"
	"github.com/davetaz/dcc-io-daemon/internal/driver"
	"github.com/davetaz/dcc-io-daemon/internal/event"
	"github.com/davetaz/dcc-io-daemon/internal/model"
	pkgdriver "github.com/davetaz/dcc-io-daemon/pkg/driver"
)

// scriptedEnumerator returns whatever port list the test sets.
type scriptedEnumerator struct {
	mu    sync.Mutex
	ports []PortInfo
	err   error
}

func (e *scriptedEnumerator) set(ports ...PortInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ports = ports
}

func (e *scriptedEnumerator) Enumerate() ([]PortInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	return append([]PortInfo(nil), e.ports...), nil
}

// stubDriver connects instantly and remembers nothing.
type stubDriver struct {
	mu        sync.Mutex
	connected bool
	fail      bool
}

func (d *stubDriver) Connect(ctx context.Context) error {
	if d.fail {
		return errors.New("port open failed")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = true
	return nil
}

func (d *stubDriver) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *stubDriver) OpenThrottle(address int, longAddress bool) (pkgdriver.Throttle, error) {
	return nil, errors.New("not implemented")
}
func (d *stubDriver) Programmer() pkgdriver.Programmer                 { return nil }
func (d *stubDriver) Accessories() pkgdriver.AccessoryController       { return nil }
func (d *stubDriver) Info() map[string]string                          { return nil }
func (d *stubDriver) PowerStatus() string                              { return pkgdriver.PowerUnknown }
func (d *stubDriver) SetPower(ctx context.Context, state string) error { return nil }
func (d *stubDriver) RequestVersion() error                            { return nil }

func (d *stubDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	return nil
}

type fixture struct {
	enumerator *scriptedEnumerator
	registry   *core.ConnectionRegistry
	roles      *core.RoleAssignment
	monitor    *DeviceMonitor

	mu          sync.Mutex
	failConnect bool
}

func eliteProfile() config.DeviceProfile {
	return config.DeviceProfile{
		Name:                "Hornby Elite",
		VendorID:            "04D8",
		ProductID:           "000A",
		SystemType:          "xnet-elite",
		DescriptionPatterns: []string{"elite"},
	}
}

func nceProfile() config.DeviceProfile {
	return config.DeviceProfile{
		Name:                "NCE USB",
		VendorID:            "0403",
		ProductID:           "6001",
		SystemType:          "nce-usb",
		DescriptionPatterns: []string{"nce"},
	}
}

func newFixture(t *testing.T, profiles ...config.DeviceProfile) *fixture {
	t.Helper()
	logger := zap.NewNop()

	f := &fixture{enumerator: &scriptedEnumerator{}}

	reg := driver.NewRegistry(logger)
	factory := func(cfg model.ConnectionConfig, bus *event.Bus, _ *zap.Logger) (pkgdriver.Driver, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		return &stubDriver{fail: f.failConnect}, nil
	}
	reg.Register("xnet-elite", factory)
	reg.Register("nce-usb", factory)

	bus := event.NewBus(logger)
	f.registry = core.NewConnectionRegistry(reg, bus, logger, time.Second)
	f.roles = core.NewRoleAssignment(f.registry, logger)
	f.monitor = NewDeviceMonitor(f.enumerator, f.registry, f.roles, profiles, logger, time.Hour, time.Second)
	return f
}

func TestScanConnectsMatchedDevice(t *testing.T) {
	f := newFixture(t, eliteProfile())
	f.enumerator.set(PortInfo{Port: "/dev/ttyUSB0", VendorID: "04d8", ProductID: "000a"})

	f.monitor.Scan()

	conns := f.registry.List()
	require.Len(t, conns, 1)
	assert.Equal(t, "xnetelite__dev_ttyUSB0", conns[0].ID())
	assert.True(t, conns[0].IsConnected())
	assert.Equal(t, "/dev/ttyUSB0", conns[0].Config.Option(model.OptionKeyPort))

	// Roles were auto-assigned to the first device.
	assert.Equal(t, "xnetelite__dev_ttyUSB0", f.roles.Holder(model.RoleThrottles))
}

func TestScanIsIdempotentForBoundPort(t *testing.T) {
	f := newFixture(t, eliteProfile())
	f.enumerator.set(PortInfo{Port: "/dev/ttyUSB0", VendorID: "04D8", ProductID: "000A"})

	f.monitor.Scan()
	f.monitor.Scan()

	assert.Len(t, f.registry.List(), 1)
}

func TestScanRemovesVanishedDevice(t *testing.T) {
	f := newFixture(t, eliteProfile())
	f.enumerator.set(PortInfo{Port: "/dev/ttyUSB0", VendorID: "04D8", ProductID: "000A"})
	f.monitor.Scan()
	require.Len(t, f.registry.List(), 1)

	f.enumerator.set()
	f.monitor.Scan()

	assert.Empty(t, f.registry.List())
	_, bound := f.registry.ConnectionForPort("/dev/ttyUSB0")
	assert.False(t, bound)
}

func TestScanRemovesManuallyCreatedConnectionOnUnplug(t *testing.T) {
	// Serial connections created through the API are swept on unplug
	// just like discovered ones.
	f := newFixture(t, eliteProfile())
	_, err := f.registry.CreateConnection(context.Background(), model.ConnectionConfig{
		ID:         "my-elite",
		SystemType: "xnet-elite",
		Options:    map[string]string{model.OptionKeyPort: "/dev/ttyACM3"},
	})
	require.NoError(t, err)

	f.enumerator.set()
	f.monitor.Scan()

	assert.Empty(t, f.registry.List())
	_, bound := f.registry.ConnectionForPort("/dev/ttyACM3")
	assert.False(t, bound)
}

func TestReplugReproducesTheSameID(t *testing.T) {
	f := newFixture(t, eliteProfile())
	port := PortInfo{Port: "/dev/ttyUSB0", VendorID: "04D8", ProductID: "000A"}

	f.enumerator.set(port)
	f.monitor.Scan()
	first := f.registry.List()[0].ID()

	f.enumerator.set()
	f.monitor.Scan()
	f.enumerator.set(port)
	f.monitor.Scan()

	require.Len(t, f.registry.List(), 1)
	assert.Equal(t, first, f.registry.List()[0].ID())
}

func TestVendorMatchWinsOverDescription(t *testing.T) {
	// The NCE vendor/product pair must beat the earlier profile's
	// description pattern.
	f := newFixture(t, eliteProfile(), nceProfile())
	f.enumerator.set(PortInfo{
		Port:        "/dev/ttyUSB1",
		VendorID:    "0403",
		ProductID:   "6001",
		Description: "Elite compatible adapter",
	})

	f.monitor.Scan()

	conns := f.registry.List()
	require.Len(t, conns, 1)
	assert.Equal(t, "nce-usb", conns[0].Config.SystemType)
}

func TestVendorMatchToleratesHexPrefix(t *testing.T) {
	profile := eliteProfile()
	profile.VendorID = "0x04d8"
	profile.ProductID = "0x000a"
	f := newFixture(t, profile)
	f.enumerator.set(PortInfo{Port: "/dev/ttyUSB0", VendorID: "04D8", ProductID: "000A"})

	f.monitor.Scan()

	assert.Len(t, f.registry.List(), 1)
}

func TestDescriptionMatchIsCaseInsensitive(t *testing.T) {
	f := newFixture(t, eliteProfile())
	f.enumerator.set(PortInfo{
		Port:        "/dev/ttyACM0",
		VendorID:    "1234",
		ProductID:   "5678",
		Description: "Hornby ELITE Command Station",
	})

	f.monitor.Scan()

	conns := f.registry.List()
	require.Len(t, conns, 1)
	assert.Equal(t, "xnet-elite", conns[0].Config.SystemType)
}

func TestUnmatchedDeviceIsIgnored(t *testing.T) {
	f := newFixture(t, eliteProfile())
	f.enumerator.set(PortInfo{Port: "/dev/ttyUSB0", VendorID: "dead", ProductID: "beef", Description: "Arduino"})

	f.monitor.Scan()

	assert.Empty(t, f.registry.List())
}

func TestConnectFailureDoesNotBlockOtherDevices(t *testing.T) {
	f := newFixture(t, eliteProfile(), nceProfile())
	f.mu.Lock()
	f.failConnect = true
	f.mu.Unlock()
	f.enumerator.set(
		PortInfo{Port: "/dev/ttyUSB0", VendorID: "04D8", ProductID: "000A"},
		PortInfo{Port: "/dev/ttyUSB1", VendorID: "0403", ProductID: "6001"},
	)

	f.monitor.Scan()
	assert.Empty(t, f.registry.List())

	// The failed device is retried on the next scan once it recovers.
	f.mu.Lock()
	f.failConnect = false
	f.mu.Unlock()
	f.monitor.Scan()
	assert.Len(t, f.registry.List(), 2)
}

func TestEnumeratorErrorKeepsState(t *testing.T) {
	f := newFixture(t, eliteProfile())
	f.enumerator.set(PortInfo{Port: "/dev/ttyUSB0", VendorID: "04D8", ProductID: "000A"})
	f.monitor.Scan()
	require.Len(t, f.registry.List(), 1)

	f.enumerator.mu.Lock()
	f.enumerator.err = errors.New("usb stack wedged")
	f.enumerator.mu.Unlock()
	f.monitor.Scan()

	// A failed enumeration must not tear existing connections down.
	assert.Len(t, f.registry.List(), 1)
}

func TestStartAndStop(t *testing.T) {
	f := newFixture(t, eliteProfile())
	f.monitor.Start()
	f.monitor.Stop()
}
