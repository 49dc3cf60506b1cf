// internal/core/accessory.go
package core

import (
	"github.com/davetaz/dcc-io-daemon/internal/model"
)

// AccessoryService routes turnout commands through whichever connection
// holds the accessories role.
type AccessoryService struct {
	roles *RoleAssignment
}

// NewAccessoryService builds the accessory router.
func NewAccessoryService(roles *RoleAssignment) *AccessoryService {
	return &AccessoryService{roles: roles}
}

// SetTurnout throws or closes an accessory decoder address.
func (a *AccessoryService) SetTurnout(address int, closed bool) error {
	if address <= 0 {
		return invalidArgument("turnout address must be positive, got %d", address)
	}
	conn, err := a.roles.Resolve(model.RoleAccessories)
	if err != nil {
		return err
	}
	drv, err := conn.Driver()
	if err != nil {
		return err
	}
	if err := drv.Accessories().SetTurnout(address, closed); err != nil {
		return driverFailure("set turnout", err)
	}
	return nil
}
