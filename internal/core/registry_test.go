// internal/core/registry_test.go
package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davetaz/dcc-io-daemon/internal/model"
)

func TestCreateConnectionIsIdempotent(t *testing.T) {
	h := newTestHarness()

	first := h.connect("elite_dev_ttyUSB0")
	second := h.connect("elite_dev_ttyUSB0")

	assert.Same(t, first, second)
	assert.Len(t, h.registry.List(), 1)
}

func TestCreateConnectionRejectsUnknownSystemType(t *testing.T) {
	h := newTestHarness()

	_, err := h.registry.CreateConnection(context.Background(), model.ConnectionConfig{
		ID:         "bogus",
		SystemType: "zimo-mx10",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedSystemType)
}

func TestCreateConnectionRejectsMissingID(t *testing.T) {
	h := newTestHarness()

	_, err := h.registry.CreateConnection(context.Background(), model.ConnectionConfig{
		SystemType: "fake",
	})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCreateConnectionRejectsBoundPort(t *testing.T) {
	h := newTestHarness()

	cfg := model.ConnectionConfig{
		ID:         "a",
		SystemType: "fake",
		Options:    map[string]string{model.OptionKeyPort: "/dev/ttyUSB0"},
	}
	_, err := h.registry.CreateConnection(context.Background(), cfg)
	require.NoError(t, err)

	cfg.ID = "b"
	_, err = h.registry.CreateConnection(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestRemoveConnectionReleasesEverything(t *testing.T) {
	h := newTestHarness()
	sessions := h.sessions(leaseWindow, 0)
	defer sessions.Stop()

	cfg := model.ConnectionConfig{
		ID:         "a",
		SystemType: "fake",
		Options:    map[string]string{model.OptionKeyPort: "/dev/ttyUSB0"},
	}
	_, err := h.registry.CreateConnection(context.Background(), cfg)
	require.NoError(t, err)
	h.roles.AutoAssign("a")

	_, err = sessions.Open("a", 3, false)
	require.NoError(t, err)

	require.True(t, h.registry.RemoveConnection("a"))

	_, err = h.registry.Get("a")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, sessions.List())
	assert.Empty(t, h.roles.Roles("a"))

	_, bound := h.registry.ConnectionForPort("/dev/ttyUSB0")
	assert.False(t, bound)

	// The port is free for a replacement connection.
	cfg.ID = "b"
	_, err = h.registry.CreateConnection(context.Background(), cfg)
	assert.NoError(t, err)
}

func TestRemoveConnectionUnknownIDIsNoOp(t *testing.T) {
	h := newTestHarness()
	h.connect("a")

	assert.False(t, h.registry.RemoveConnection("ghost"))
	assert.Len(t, h.registry.List(), 1)
}

func TestPortBindingsSnapshot(t *testing.T) {
	h := newTestHarness()
	_, err := h.registry.CreateConnection(context.Background(), model.ConnectionConfig{
		ID:         "a",
		SystemType: "fake",
		Options:    map[string]string{model.OptionKeyPort: "/dev/ttyUSB0"},
	})
	require.NoError(t, err)
	h.connect("ethernet") // no port option, must not appear

	assert.Equal(t, map[string]string{"/dev/ttyUSB0": "a"}, h.registry.PortBindings())
}

func TestCloseRemovesAllConnections(t *testing.T) {
	h := newTestHarness()
	h.connect("a")
	h.connect("b")

	h.registry.Close()
	assert.Empty(t, h.registry.List())
}

func TestListIsSortedByID(t *testing.T) {
	h := newTestHarness()
	h.connect("zebra")
	h.connect("alpha")

	conns := h.registry.List()
	require.Len(t, conns, 2)
	assert.Equal(t, "alpha", conns[0].ID())
	assert.Equal(t, "zebra", conns[1].ID())
}
