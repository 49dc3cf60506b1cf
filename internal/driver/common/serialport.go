// internal/driver/common/serialport.go
package common

import (
	"fmt"
	"strconv"

	"go.bug.st/serial"

	"github.com/davetaz/dcc-io-daemon/internal/model"
)

// OpenSerial opens the serial port named by the config's portName option.
// The baudRate option overrides the family default when present.
func OpenSerial(cfg model.ConnectionConfig, defaultBaud int) (serial.Port, error) {
	portName := cfg.Option(model.OptionKeyPort)
	if portName == "" {
		return nil, fmt.Errorf("portName option is required for system type %q", cfg.SystemType)
	}

	baud := defaultBaud
	if s := cfg.Option("baudRate"); s != "" {
		parsed, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("invalid baudRate option %q: %w", s, err)
		}
		baud = parsed
	}

	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}
	return port, nil
}
