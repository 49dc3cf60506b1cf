// internal/config/config_test.go
package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.GetServerAddr())
	assert.Equal(t, 5*time.Second, cfg.Device.MonitorInterval)
	assert.Equal(t, 15*time.Second, cfg.Device.ConnectTimeout)
	assert.Equal(t, 90*time.Second, cfg.Device.CVTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Throttle.SpeedCommandInterval)
	assert.Equal(t, 2*time.Second, cfg.Throttle.LeaseTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Throttle.LeaseSweepInterval)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.IsProduction())
}

func TestBuiltInProfiles(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Len(t, cfg.Profiles, 2)
	assert.Equal(t, "xnet-elite", cfg.Profiles[0].SystemType)
	assert.Equal(t, "0x04d8", cfg.Profiles[0].VendorID)
	assert.Contains(t, cfg.Profiles[0].DescriptionPatterns, "elite")
	assert.Equal(t, "nce-usb", cfg.Profiles[1].SystemType)
	assert.Equal(t, "9600", cfg.Profiles[1].Options["baudRate"])
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("DCCIO_SERVER_PORT", "8123")
	t.Setenv("DCCIO_LOGGING_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8123", cfg.GetServerAddr())
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	cfg.Logging.Level = "verbose"
	assert.Error(t, validate(cfg))

	cfg, _ = Load()
	cfg.Device.MonitorInterval = 0
	assert.Error(t, validate(cfg))

	cfg, _ = Load()
	cfg.Throttle.LeaseTimeout = 0
	assert.Error(t, validate(cfg))

	cfg, _ = Load()
	cfg.Profiles = append(cfg.Profiles, DeviceProfile{Name: "broken"})
	assert.Error(t, validate(cfg))
}
