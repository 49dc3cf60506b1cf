// internal/core/throttle_test.go
package core

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const leaseWindow = 100 * time.Millisecond

func TestOpenReturnsSameSessionPerKey(t *testing.T) {
	h := newTestHarness()
	sessions := h.sessions(leaseWindow, 0)
	defer sessions.Stop()
	h.connect("a")

	first, err := sessions.Open("a", 3, false)
	require.NoError(t, err)
	second, err := sessions.Open("a", 3, false)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, "a:3", first.Key.ThrottleID())

	// A long address is a distinct key.
	third, err := sessions.Open("a", 3, true)
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.Equal(t, "a:3L", third.Key.ThrottleID())
}

func TestOpenResolvesThroughThrottlesRole(t *testing.T) {
	h := newTestHarness()
	sessions := h.sessions(leaseWindow, 0)
	defer sessions.Stop()
	h.connect("a")
	h.roles.AutoAssign("a")

	session, err := sessions.Open("", 42, false)
	require.NoError(t, err)
	assert.Equal(t, "a", session.Key.ConnectionID)
}

func TestOpenValidation(t *testing.T) {
	h := newTestHarness()
	sessions := h.sessions(leaseWindow, 0)
	defer sessions.Stop()

	_, err := sessions.Open("a", 0, false)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = sessions.Open("ghost", 3, false)
	assert.ErrorIs(t, err, ErrNotFound)

	h.connect("a")
	h.driver("a").disconnect()
	_, err = sessions.Open("a", 3, false)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSpeedLeaseMutualExclusion(t *testing.T) {
	h := newTestHarness()
	sessions := h.sessions(leaseWindow, 0)
	defer sessions.Stop()
	h.connect("a")

	session, err := sessions.Open("a", 10, false)
	require.NoError(t, err)

	require.NoError(t, session.SetSpeed("alice", 0.5))

	err = session.SetSpeed("bob", 0.7)
	assert.ErrorIs(t, err, ErrBusy)
	err = session.SetDirection("bob", false)
	assert.ErrorIs(t, err, ErrBusy)

	// The holder keeps renewing inside the window.
	require.NoError(t, session.SetSpeed("alice", 0.6))

	// Once alice goes idle past the window, bob reclaims the lease.
	time.Sleep(leaseWindow + 20*time.Millisecond)
	assert.NoError(t, session.SetSpeed("bob", 0.7))

	// And now alice is the one locked out.
	assert.ErrorIs(t, session.SetSpeed("alice", 0.1), ErrBusy)
}

func TestSpeedValidation(t *testing.T) {
	h := newTestHarness()
	sessions := h.sessions(leaseWindow, 0)
	defer sessions.Stop()
	h.connect("a")

	session, err := sessions.Open("a", 10, false)
	require.NoError(t, err)

	assert.ErrorIs(t, session.SetSpeed("alice", -0.1), ErrInvalidArgument)
	assert.ErrorIs(t, session.SetSpeed("alice", 1.5), ErrInvalidArgument)
}

func TestFunctionsAreLeaseFree(t *testing.T) {
	h := newTestHarness()
	sessions := h.sessions(leaseWindow, 0)
	defer sessions.Stop()
	h.connect("a")

	session, err := sessions.Open("a", 10, false)
	require.NoError(t, err)

	require.NoError(t, session.SetSpeed("alice", 0.5))

	// Two other clients toggle functions while alice holds the lease.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = session.SetFunction(i, true)
		}(i)
	}
	wg.Wait()
	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])

	assert.ErrorIs(t, session.SetFunction(29, true), ErrInvalidArgument)
	assert.ErrorIs(t, session.SetFunction(-1, true), ErrInvalidArgument)
}

func TestSpeedCoalescingSendsOnlyLatestValue(t *testing.T) {
	h := newTestHarness()
	sessions := h.sessions(time.Second, 50*time.Millisecond)
	defer sessions.Stop()
	h.connect("a")

	session, err := sessions.Open("a", 10, false)
	require.NoError(t, err)

	require.NoError(t, session.SetSpeed("alice", 0.1))
	require.NoError(t, session.SetSpeed("alice", 0.2))
	require.NoError(t, session.SetSpeed("alice", 0.9))

	throttle := h.driver("a").lastThrottle()
	require.NotNil(t, throttle)

	assert.Eventually(t, func() bool {
		return len(throttle.sends()) == 1
	}, time.Second, 5*time.Millisecond)

	sends := throttle.sends()
	require.Len(t, sends, 1)
	assert.InDelta(t, 0.9, sends[0], 0.0001)

	// Nothing further pending; no second send sneaks in.
	time.Sleep(120 * time.Millisecond)
	assert.Len(t, throttle.sends(), 1)
}

func TestZeroIntervalSendsSynchronously(t *testing.T) {
	h := newTestHarness()
	sessions := h.sessions(leaseWindow, 0)
	defer sessions.Stop()
	h.connect("a")

	session, err := sessions.Open("a", 10, false)
	require.NoError(t, err)

	require.NoError(t, session.SetSpeed("alice", 0.3))
	require.NoError(t, session.SetSpeed("alice", 0.4))

	throttle := h.driver("a").lastThrottle()
	require.NotNil(t, throttle)
	assert.Equal(t, []float32{0.3, 0.4}, throttle.sends())
}

func TestZombieSessionsAreSwept(t *testing.T) {
	h := newTestHarness()
	sessions := h.sessions(leaseWindow, 0)
	defer sessions.Stop()
	h.connect("a")

	session, err := sessions.Open("a", 10, false)
	require.NoError(t, err)
	throttleID := session.Key.ThrottleID()

	h.driver("a").disconnect()

	assert.Empty(t, sessions.List())
	_, err = sessions.Get(throttleID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenSweepsSessionsOfDeadConnections(t *testing.T) {
	h := newTestHarness()
	sessions := h.sessions(leaseWindow, 0)
	defer sessions.Stop()
	h.connect("a")
	h.connect("b")

	stale, err := sessions.Open("a", 10, false)
	require.NoError(t, err)
	h.driver("a").disconnect()

	fresh, err := sessions.Open("b", 10, false)
	require.NoError(t, err)
	assert.Equal(t, "b", fresh.Key.ConnectionID)

	sessions.mu.RLock()
	_, staleKept := sessions.sessions[stale.Key]
	live := len(sessions.sessions)
	sessions.mu.RUnlock()
	assert.False(t, staleKept)
	assert.Equal(t, 1, live)
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newTestHarness()
	sessions := h.sessions(leaseWindow, 0)
	defer sessions.Stop()
	h.connect("a")

	session, err := sessions.Open("a", 10, false)
	require.NoError(t, err)
	id := session.Key.ThrottleID()

	sessions.Close(id)
	sessions.Close(id)

	throttle := h.driver("a").lastThrottle()
	require.NotNil(t, throttle)
	assert.True(t, throttle.released)

	// Reopening after close yields a fresh session under the same id.
	again, err := sessions.Open("a", 10, false)
	require.NoError(t, err)
	assert.NotSame(t, session, again)
	assert.Equal(t, id, again.Key.ThrottleID())
}

func TestLeaseSweeperEvictsIdleLease(t *testing.T) {
	h := newTestHarness()
	sessions := h.sessions(leaseWindow, 0)
	defer sessions.Stop()
	h.connect("a")

	session, err := sessions.Open("a", 10, false)
	require.NoError(t, err)
	require.NoError(t, session.SetSpeed("alice", 0.5))

	assert.Eventually(t, func() bool {
		session.mu.Lock()
		defer session.mu.Unlock()
		return session.leaseClient == ""
	}, time.Second, 10*time.Millisecond)
}
