// internal/core/throttle.go
package core

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davetaz/dcc-io-daemon/internal/event"
	"github.com/davetaz/dcc-io-daemon/internal/model"
	"github.com/davetaz/dcc-io-daemon/pkg/driver"
)

// ThrottleKey identifies one locomotive control session.
type ThrottleKey struct {
	ConnectionID string
	Address      int
	LongAddress  bool
}

// ThrottleID renders the key into the public throttle identifier.
func (k ThrottleKey) ThrottleID() string {
	if k.LongAddress {
		return fmt.Sprintf("%s:%dL", k.ConnectionID, k.Address)
	}
	return fmt.Sprintf("%s:%d", k.ConnectionID, k.Address)
}

// ThrottleSession is one open throttle. Lease and pending-speed state is
// guarded by the session's own mutex so different addresses never
// contend with each other.
type ThrottleSession struct {
	Key ThrottleKey

	manager  *ThrottleSessionManager
	throttle driver.Throttle

	mu             sync.Mutex
	leaseClient    string
	leaseRenewed   time.Time
	pendingSpeed   float32
	pendingSet     bool
	flushScheduled bool
	closed         bool
}

// ThrottleState is a point-in-time view of a session, for the status and
// websocket surfaces.
type ThrottleState struct {
	ThrottleID   string  `json:"throttleId"`
	ConnectionID string  `json:"connectionId"`
	Address      int     `json:"address"`
	LongAddress  bool    `json:"longAddress"`
	Speed        float32 `json:"speed"`
	Forward      bool    `json:"forward"`
}

// ThrottleSessionManager multiplexes throttle sessions across clients.
// At most one underlying driver throttle exists per key; speed and
// direction writes are serialized behind a per-address lease while
// function writes stay lease-free.
type ThrottleSessionManager struct {
	registry *ConnectionRegistry
	roles    *RoleAssignment
	bus      *event.Bus
	logger   *zap.Logger

	leaseTimeout  time.Duration
	flushInterval time.Duration

	mu       sync.RWMutex
	sessions map[ThrottleKey]*ThrottleSession

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewThrottleSessionManager builds the manager and wires it into the
// registry so connection removal tears down that connection's sessions.
// A flushInterval of zero disables coalescing; every speed write goes to
// the driver synchronously.
func NewThrottleSessionManager(registry *ConnectionRegistry, roles *RoleAssignment, bus *event.Bus, logger *zap.Logger, leaseTimeout, flushInterval, sweepInterval time.Duration) *ThrottleSessionManager {
	m := &ThrottleSessionManager{
		registry:      registry,
		roles:         roles,
		bus:           bus,
		logger:        logger,
		leaseTimeout:  leaseTimeout,
		flushInterval: flushInterval,
		sessions:      make(map[ThrottleKey]*ThrottleSession),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	registry.OnRemove(m.CloseAll)
	go m.sweepLoop(sweepInterval)
	return m
}

// Open returns the session for (connectionID, address, longAddress),
// creating it on first use. An empty connectionID resolves through the
// throttles role. Reopening an existing key returns the same session.
// Zombies are swept first so a session left over from a dead connection
// is never handed back.
func (m *ThrottleSessionManager) Open(connectionID string, address int, longAddress bool) (*ThrottleSession, error) {
	if address <= 0 {
		return nil, invalidArgument("address must be positive, got %d", address)
	}
	m.sweepZombies()

	var conn *Connection
	var err error
	if connectionID == "" {
		conn, err = m.roles.Resolve(model.RoleThrottles)
	} else {
		conn, err = m.registry.Get(connectionID)
	}
	if err != nil {
		return nil, err
	}
	if !conn.IsConnected() {
		return nil, ErrNotConnected
	}

	key := ThrottleKey{ConnectionID: conn.ID(), Address: address, LongAddress: longAddress}

	m.mu.RLock()
	session, ok := m.sessions[key]
	m.mu.RUnlock()
	if ok {
		return session, nil
	}

	// Open the driver throttle outside the sessions lock; serial links
	// can be slow and other keys must not wait.
	drv, err := conn.Driver()
	if err != nil {
		return nil, err
	}
	throttle, err := drv.OpenThrottle(address, longAddress)
	if err != nil {
		return nil, driverFailure("open throttle", err)
	}

	session = &ThrottleSession{Key: key, manager: m, throttle: throttle}

	m.mu.Lock()
	if existing, ok := m.sessions[key]; ok {
		m.mu.Unlock()
		throttle.Release()
		return existing, nil
	}
	m.sessions[key] = session
	m.mu.Unlock()

	m.logger.Info("Throttle session opened",
		zap.String("throttle_id", key.ThrottleID()),
		zap.String("connection_id", key.ConnectionID),
	)
	return session, nil
}

// Get returns the session for a throttle id. Zombie sessions are swept
// before the lookup so a dead connection never leaks a stale handle.
func (m *ThrottleSessionManager) Get(throttleID string) (*ThrottleSession, error) {
	m.sweepZombies()

	m.mu.RLock()
	defer m.mu.RUnlock()
	for key, session := range m.sessions {
		if key.ThrottleID() == throttleID {
			return session, nil
		}
	}
	return nil, notFound("throttle", throttleID)
}

// List returns the state of every live session, zombie-swept.
func (m *ThrottleSessionManager) List() []ThrottleState {
	m.sweepZombies()

	m.mu.RLock()
	sessions := make([]*ThrottleSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	states := make([]ThrottleState, 0, len(sessions))
	for _, s := range sessions {
		states = append(states, s.State())
	}
	return states
}

// Close releases a session's driver throttle and removes it. Closing an
// unknown or already closed id is a no-op.
func (m *ThrottleSessionManager) Close(throttleID string) {
	m.mu.Lock()
	var session *ThrottleSession
	for key, s := range m.sessions {
		if key.ThrottleID() == throttleID {
			session = s
			delete(m.sessions, key)
			break
		}
	}
	m.mu.Unlock()

	if session != nil {
		session.shutdown()
	}
}

// CloseAll drops every session backed by a connection. Runs as a
// registry remove hook and at daemon shutdown with an empty id.
func (m *ThrottleSessionManager) CloseAll(connectionID string) {
	m.mu.Lock()
	var victims []*ThrottleSession
	for key, s := range m.sessions {
		if connectionID == "" || key.ConnectionID == connectionID {
			victims = append(victims, s)
			delete(m.sessions, key)
		}
	}
	m.mu.Unlock()

	for _, s := range victims {
		s.shutdown()
	}
}

// Stop halts the lease sweeper. Bounded; the loop exits at the next
// select.
func (m *ThrottleSessionManager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	select {
	case <-m.done:
	case <-time.After(time.Second):
	}
}

// sweepZombies closes sessions whose connection is gone or disconnected.
func (m *ThrottleSessionManager) sweepZombies() {
	m.mu.Lock()
	var victims []*ThrottleSession
	for key, s := range m.sessions {
		conn, err := m.registry.Get(key.ConnectionID)
		if err != nil || !conn.IsConnected() {
			victims = append(victims, s)
			delete(m.sessions, key)
		}
	}
	m.mu.Unlock()

	for _, s := range victims {
		m.logger.Debug("Zombie throttle session dropped",
			zap.String("throttle_id", s.Key.ThrottleID()),
		)
		s.shutdown()
	}
}

// sweepLoop evicts leases idle past the expiry window so an abandoned
// client never blocks an address forever.
func (m *ThrottleSessionManager) sweepLoop(interval time.Duration) {
	defer close(m.done)
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.mu.RLock()
			sessions := make([]*ThrottleSession, 0, len(m.sessions))
			for _, s := range m.sessions {
				sessions = append(sessions, s)
			}
			m.mu.RUnlock()
			now := time.Now()
			for _, s := range sessions {
				s.expireLease(now, m.leaseTimeout)
			}
		}
	}
}

// State returns the session's current cached speed and direction.
func (s *ThrottleSession) State() ThrottleState {
	return ThrottleState{
		ThrottleID:   s.Key.ThrottleID(),
		ConnectionID: s.Key.ConnectionID,
		Address:      s.Key.Address,
		LongAddress:  s.Key.LongAddress,
		Speed:        s.throttle.Speed(),
		Forward:      s.throttle.Direction(),
	}
}

// Function reports the cached state of one function.
func (s *ThrottleSession) Function(index int) bool {
	return s.throttle.Function(index)
}

// SetSpeed records a speed request under the caller's lease. With
// coalescing enabled the value replaces any pending one and exactly one
// flush is outstanding per key; the flush sends the latest value only.
func (s *ThrottleSession) SetSpeed(clientID string, value float32) error {
	if value < 0 || value > 1 {
		return invalidArgument("speed %v outside [0.0, 1.0]", value)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return notFound("throttle", s.Key.ThrottleID())
	}
	if err := s.acquireLeaseLocked(clientID); err != nil {
		return err
	}

	if s.manager.flushInterval <= 0 {
		return s.sendSpeedLocked(value)
	}

	s.pendingSpeed = value
	s.pendingSet = true
	if !s.flushScheduled {
		s.flushScheduled = true
		time.AfterFunc(s.manager.flushInterval, s.flushSpeed)
	}
	return nil
}

// flushSpeed delivers the latest pending speed. Runs on the debounce
// timer; consuming the pending value also clears the scheduled flag so
// the next write schedules a fresh flush.
func (s *ThrottleSession) flushSpeed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushScheduled = false
	if s.closed || !s.pendingSet {
		return
	}
	value := s.pendingSpeed
	s.pendingSet = false
	if err := s.sendSpeedLocked(value); err != nil {
		s.manager.logger.Warn("Coalesced speed send failed",
			zap.String("throttle_id", s.Key.ThrottleID()),
			zap.Error(err),
		)
	}
}

func (s *ThrottleSession) sendSpeedLocked(value float32) error {
	if err := s.throttle.SetSpeed(value); err != nil {
		return driverFailure("set speed", err)
	}
	s.manager.publishDelta(s.Key, map[string]any{"speed": value})
	return nil
}

// SetDirection applies immediately under the same lease as speed.
func (s *ThrottleSession) SetDirection(clientID string, forward bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return notFound("throttle", s.Key.ThrottleID())
	}
	if err := s.acquireLeaseLocked(clientID); err != nil {
		return err
	}
	if err := s.throttle.SetDirection(forward); err != nil {
		return driverFailure("set direction", err)
	}
	s.manager.publishDelta(s.Key, map[string]any{"forward": forward})
	return nil
}

// SetFunction applies immediately with no lease. Concurrent callers on
// the same address race last-write-wins.
func (s *ThrottleSession) SetFunction(index int, on bool) error {
	if index < 0 || index > driver.MaxFunction {
		return invalidArgument("function index %d outside [0, %d]", index, driver.MaxFunction)
	}
	if err := s.throttle.SetFunction(index, on); err != nil {
		return driverFailure("set function", err)
	}
	s.manager.publishDelta(s.Key, map[string]any{
		fmt.Sprintf("F%d", index): on,
	})
	return nil
}

// acquireLeaseLocked takes or renews the speed/direction lease. A live
// lease held by another client fails with ErrBusy; one idle past the
// expiry window is reclaimed atomically.
func (s *ThrottleSession) acquireLeaseLocked(clientID string) error {
	now := time.Now()
	if s.leaseClient != "" && s.leaseClient != clientID {
		if now.Sub(s.leaseRenewed) <= s.manager.leaseTimeout {
			return fmt.Errorf("%w: address %d is controlled by another client", ErrBusy, s.Key.Address)
		}
	}
	s.leaseClient = clientID
	s.leaseRenewed = now
	return nil
}

// expireLease clears a lease idle past the window.
func (s *ThrottleSession) expireLease(now time.Time, timeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leaseClient != "" && now.Sub(s.leaseRenewed) > timeout {
		s.leaseClient = ""
	}
}

// shutdown releases the driver throttle. Close errors are swallowed;
// teardown is unconditional.
func (s *ThrottleSession) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.pendingSet = false
	s.mu.Unlock()

	s.throttle.Release()
}

func (m *ThrottleSessionManager) publishDelta(key ThrottleKey, fields map[string]any) {
	payload := map[string]any{
		"throttleId": key.ThrottleID(),
		"address":    key.Address,
	}
	for k, v := range fields {
		payload[k] = v
	}
	m.bus.Publish(event.Event{
		Kind:         event.ThrottleUpdated,
		ConnectionID: key.ConnectionID,
		Payload:      payload,
	})
}
