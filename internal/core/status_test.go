// internal/core/status_test.go
package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davetaz/dcc-io-daemon/pkg/driver"
)

func TestSnapshotCarriesRolesAndPower(t *testing.T) {
	h := newTestHarness()
	aggregator := NewStatusAggregator(h.registry, h.roles)

	h.connect("a")
	h.roles.AutoAssign("a")
	require.NoError(t, h.driver("a").SetPower(context.Background(), driver.PowerOn))

	snapshot := aggregator.Snapshot()
	require.Contains(t, snapshot, "a")

	record := snapshot["a"]
	assert.Equal(t, "fake", record.SystemType)
	assert.True(t, record.Connected)
	assert.Equal(t, driver.PowerOn, record.PowerStatus)
	assert.ElementsMatch(t, []string{"throttles", "accessories"}, record.Roles)
}

func TestDeltaEmptyWhenNothingChanged(t *testing.T) {
	h := newTestHarness()
	aggregator := NewStatusAggregator(h.registry, h.roles)
	h.connect("a")

	previous := aggregator.Snapshot()
	assert.Empty(t, aggregator.Delta(previous))
}

func TestDeltaReportsPowerChange(t *testing.T) {
	h := newTestHarness()
	aggregator := NewStatusAggregator(h.registry, h.roles)
	h.connect("a")
	h.connect("b")

	previous := aggregator.Snapshot()
	require.NoError(t, h.driver("a").SetPower(context.Background(), driver.PowerOn))

	delta := aggregator.Delta(previous)
	require.Len(t, delta, 1)
	assert.Equal(t, driver.PowerOn, delta["a"].PowerStatus)

	// Patches for known connections omit identity fields.
	assert.Empty(t, delta["a"].SystemType)
}

func TestDeltaIncludesNewConnectionInFull(t *testing.T) {
	h := newTestHarness()
	aggregator := NewStatusAggregator(h.registry, h.roles)

	previous := aggregator.Snapshot()
	h.connect("a")

	delta := aggregator.Delta(previous)
	require.Len(t, delta, 1)
	assert.Equal(t, "fake", delta["a"].SystemType)
	assert.True(t, delta["a"].Connected)
}

func TestDeltaSynthesizesRemovedConnection(t *testing.T) {
	h := newTestHarness()
	aggregator := NewStatusAggregator(h.registry, h.roles)
	h.connect("a")
	h.roles.AutoAssign("a")

	previous := aggregator.Snapshot()
	require.True(t, h.registry.RemoveConnection("a"))

	delta := aggregator.Delta(previous)
	require.Contains(t, delta, "a")
	assert.False(t, delta["a"].Connected)
	assert.Equal(t, previous["a"].Roles, delta["a"].Roles)
}
