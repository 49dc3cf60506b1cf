// internal/core/status.go
package core

import (
	"github.com/davetaz/dcc-io-daemon/internal/model"
)

// StatusAggregator assembles per-connection status records and computes
// the minimal patch between two snapshots so transports only broadcast
// real changes.
type StatusAggregator struct {
	registry *ConnectionRegistry
	roles    *RoleAssignment
}

// NewStatusAggregator builds an aggregator over the registry and roles.
func NewStatusAggregator(registry *ConnectionRegistry, roles *RoleAssignment) *StatusAggregator {
	return &StatusAggregator{registry: registry, roles: roles}
}

// Snapshot returns the current status of every connection keyed by id.
func (a *StatusAggregator) Snapshot() map[string]model.ConnectionStatus {
	snapshot := make(map[string]model.ConnectionStatus)
	for _, conn := range a.registry.List() {
		st := conn.Status()
		st.Roles = a.roles.Roles(conn.ID())
		snapshot[st.ID] = st
	}
	return snapshot
}

// Delta compares a prior snapshot against the current state. A record
// appears in the result only when it is new or its connected, power, or
// roles changed; connections that vanished since previous come back as a
// synthetic disconnected record. An empty result means nothing changed.
func (a *StatusAggregator) Delta(previous map[string]model.ConnectionStatus) map[string]model.ConnectionStatus {
	current := a.Snapshot()
	delta := make(map[string]model.ConnectionStatus)

	for id, now := range current {
		before, existed := previous[id]
		if !existed {
			delta[id] = now
			continue
		}
		if statusChanged(before, now) {
			// Identity fields ride along only for records the receiver
			// has never seen.
			patch := now
			patch.SystemType = ""
			patch.CommandStation = nil
			delta[id] = patch
		}
	}

	for id, before := range previous {
		if _, still := current[id]; !still {
			delta[id] = model.ConnectionStatus{
				ID:          id,
				Connected:   false,
				PowerStatus: before.PowerStatus,
				Roles:       before.Roles,
			}
		}
	}

	return delta
}

func statusChanged(before, now model.ConnectionStatus) bool {
	if before.Connected != now.Connected || before.PowerStatus != now.PowerStatus {
		return true
	}
	if len(before.Roles) != len(now.Roles) {
		return true
	}
	for i := range now.Roles {
		if before.Roles[i] != now.Roles[i] {
			return true
		}
	}
	return false
}
