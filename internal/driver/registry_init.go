// internal/driver/registry_init.go
package driver

import (
	"go.uber.org/zap"

	"github.com/davetaz/dcc-io-daemon/internal/driver/dccpp"
	"github.com/davetaz/dcc-io-daemon/internal/driver/nce"
	"github.com/davetaz/dcc-io-daemon/internal/driver/xnet"
)

// NewDefaultRegistry returns a registry with every built-in command
// station family registered.
func NewDefaultRegistry(logger *zap.Logger) *Registry {
	r := NewRegistry(logger)
	r.Register("xnet-elite", xnet.New)
	r.Register("dccpp-ethernet", dccpp.New)
	r.Register("nce-serial", nce.New(nce.VariantSerial))
	r.Register("nce-usb", nce.New(nce.VariantUSB))
	return r
}
