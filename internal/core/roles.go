// internal/core/roles.go
package core

import (
	"sync"

	"go.uber.org/zap"

	"github.com/davetaz/dcc-io-daemon/internal/model"
)

// RoleAssignment decides which connection serves throttle commands and
// which serves accessory commands. At most one connection holds each
// role; one connection may hold both.
type RoleAssignment struct {
	registry *ConnectionRegistry
	logger   *zap.Logger

	mu          sync.RWMutex
	throttles   string
	accessories string
}

// NewRoleAssignment builds an empty assignment and wires it into the
// registry so removals clear any roles the dead connection held.
func NewRoleAssignment(registry *ConnectionRegistry, logger *zap.Logger) *RoleAssignment {
	ra := &RoleAssignment{
		registry: registry,
		logger:   logger,
	}
	registry.OnRemove(ra.clearConnection)
	return ra
}

// SetRole enables or disables a role for a connection. Enabling a role
// already held by a different connection fails with ErrRoleConflict;
// re-enabling on the same holder is a no-op. Disabling releases the role
// only when the connection currently holds it, otherwise nothing
// changes.
func (ra *RoleAssignment) SetRole(connectionID string, role model.Role, enabled bool) error {
	if !role.Valid() {
		return invalidArgument("unknown role %q", role)
	}
	if _, err := ra.registry.Get(connectionID); err != nil {
		return err
	}

	ra.mu.Lock()
	defer ra.mu.Unlock()

	holder := ra.holderLocked(role)
	if !enabled {
		if holder == connectionID {
			ra.setLocked(role, "")
			ra.logger.Info("Role released",
				zap.String("role", string(role)),
				zap.String("connection_id", connectionID),
			)
		}
		return nil
	}
	if holder == connectionID {
		return nil
	}
	if holder != "" {
		return roleConflict(role, holder)
	}
	ra.setLocked(role, connectionID)
	ra.logger.Info("Role assigned",
		zap.String("role", string(role)),
		zap.String("connection_id", connectionID),
	)
	return nil
}

// Holder returns the connection id currently assigned to a role, or ""
// when the role is unassigned.
func (ra *RoleAssignment) Holder(role model.Role) string {
	ra.mu.RLock()
	defer ra.mu.RUnlock()
	return ra.holderLocked(role)
}

// Roles lists the roles a connection holds, for the status surface.
func (ra *RoleAssignment) Roles(connectionID string) []string {
	ra.mu.RLock()
	defer ra.mu.RUnlock()

	var roles []string
	if ra.throttles == connectionID && connectionID != "" {
		roles = append(roles, string(model.RoleThrottles))
	}
	if ra.accessories == connectionID && connectionID != "" {
		roles = append(roles, string(model.RoleAccessories))
	}
	return roles
}

// AutoAssign gives a newly arrived connection any unassigned roles. Both
// roles unassigned means the connection takes both; a single gap is
// filled; fully assigned roles are left alone.
func (ra *RoleAssignment) AutoAssign(connectionID string) {
	ra.mu.Lock()
	defer ra.mu.Unlock()

	assigned := false
	if ra.throttles == "" {
		ra.throttles = connectionID
		assigned = true
	}
	if ra.accessories == "" {
		ra.accessories = connectionID
		assigned = true
	}
	if assigned {
		ra.logger.Info("Roles auto-assigned",
			zap.String("connection_id", connectionID),
			zap.Bool("throttles", ra.throttles == connectionID),
			zap.Bool("accessories", ra.accessories == connectionID),
		)
	}
}

// Resolve picks the connection that should serve a role. The assigned
// holder wins when it exists and is connected; otherwise the fallback is
// the first connected connection in id order. No usable connection means
// ErrNotConnected.
func (ra *RoleAssignment) Resolve(role model.Role) (*Connection, error) {
	ra.mu.RLock()
	holder := ra.holderLocked(role)
	ra.mu.RUnlock()

	if holder != "" {
		if conn, err := ra.registry.Get(holder); err == nil && conn.IsConnected() {
			return conn, nil
		}
	}
	for _, conn := range ra.registry.List() {
		if conn.IsConnected() {
			return conn, nil
		}
	}
	return nil, ErrNotConnected
}

// clearConnection drops every role held by a removed connection.
func (ra *RoleAssignment) clearConnection(connectionID string) {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	if ra.throttles == connectionID {
		ra.throttles = ""
	}
	if ra.accessories == connectionID {
		ra.accessories = ""
	}
}

func (ra *RoleAssignment) holderLocked(role model.Role) string {
	switch role {
	case model.RoleThrottles:
		return ra.throttles
	case model.RoleAccessories:
		return ra.accessories
	}
	return ""
}

func (ra *RoleAssignment) setLocked(role model.Role, connectionID string) {
	switch role {
	case model.RoleThrottles:
		ra.throttles = connectionID
	case model.RoleAccessories:
		ra.accessories = connectionID
	}
}
