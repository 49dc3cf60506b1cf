// internal/driver/registry_test.go
package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/davetaz/dcc-io-daemon/internal/event"
	"github.com/davetaz/dcc-io-daemon/internal/model"
	pkgdriver "github.com/davetaz/dcc-io-daemon/pkg/driver"
)

func TestDefaultRegistryCoversAllFamilies(t *testing.T) {
	r := NewDefaultRegistry(zap.NewNop())

	assert.Equal(t, []string{"dccpp-ethernet", "nce-serial", "nce-usb", "xnet-elite"}, r.SystemTypes())
	assert.True(t, r.IsSupported("xnet-elite"))
	assert.False(t, r.IsSupported("marklin-cs3"))
}

func TestCreateUnknownSystemType(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	bus := event.NewBus(zap.NewNop())

	_, err := r.Create(model.ConnectionConfig{SystemType: "nope"}, bus)
	assert.Error(t, err)
}

func TestCreateBuildsDriverFromFactory(t *testing.T) {
	logger := zap.NewNop()
	r := NewDefaultRegistry(logger)
	bus := event.NewBus(logger)

	drv, err := r.Create(model.ConnectionConfig{
		ID:         "dccpp_test",
		SystemType: "dccpp-ethernet",
		Options:    map[string]string{"host": "192.168.1.50"},
	}, bus)
	require.NoError(t, err)
	require.NotNil(t, drv)

	var _ pkgdriver.Driver = drv
	assert.False(t, drv.IsConnected())
}
