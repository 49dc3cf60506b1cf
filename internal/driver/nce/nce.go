// internal/driver/nce/nce.go
package nce

import (
	"context"
	"fmt"
	"sync"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/davetaz/dcc-io-daemon/internal/driver/common"
	"github.com/davetaz/dcc-io-daemon/internal/event"
	"github.com/davetaz/dcc-io-daemon/internal/model"
	"github.com/davetaz/dcc-io-daemon/pkg/driver"
)

// Variant selects the flavour of NCE hardware behind the serial link. The
// PowerCab's USB adapter runs the same binary protocol as the serial bus
// at a higher default baud rate and answers every command with a status
// byte.
type Variant string

const (
	VariantSerial Variant = "serial"
	VariantUSB    Variant = "usb"
)

const (
	serialBaud = 9600
	usbBaud    = 19200

	// Binary-mode command opcodes.
	opLocoControl = 0xA2
	opAccessory   = 0xAD
	opReadCV      = 0xA9
	opWriteCV     = 0xA8
	opVersion     = 0xAA

	// Loco control sub-operations.
	subFwd128 = 0x04
	subRev128 = 0x03
	subFnG1   = 0x07
	subFnG2   = 0x08
	subFnG3   = 0x09
	subFnG4   = 0x15
	subFnG5   = 0x16

	replyOK = '!'
)

// Driver speaks the NCE binary command protocol over a serial port.
type Driver struct {
	*common.Station

	cfg     model.ConnectionConfig
	variant Variant
	logger  *zap.Logger

	mu   sync.Mutex
	port serial.Port
}

// New creates an NCE driver for the given hardware variant.
func New(variant Variant) func(cfg model.ConnectionConfig, bus *event.Bus, logger *zap.Logger) (driver.Driver, error) {
	return func(cfg model.ConnectionConfig, bus *event.Bus, logger *zap.Logger) (driver.Driver, error) {
		return &Driver{
			Station: common.NewStation(cfg.ID, bus, logger),
			cfg:     cfg,
			variant: variant,
			logger: logger.With(
				zap.String("driver", "nce"),
				zap.String("variant", string(variant)),
				zap.String("connection_id", cfg.ID),
			),
		}, nil
	}
}

// Connect opens the serial port at the variant's default baud rate.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.port != nil {
		return nil
	}

	baud := serialBaud
	if d.variant == VariantUSB {
		baud = usbBaud
	}
	port, err := common.OpenSerial(d.cfg, baud)
	if err != nil {
		return err
	}
	d.port = port
	d.SetConnected(true)
	d.logger.Info("Serial port opened",
		zap.String("port", d.cfg.Option(model.OptionKeyPort)),
	)
	return nil
}

// command writes a binary command and reads back the expected number of
// response bytes. Every NCE binary command is acknowledged.
func (d *Driver) command(cmd []byte, respLen int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.port == nil {
		return nil, fmt.Errorf("not connected")
	}
	if _, err := d.port.Write(cmd); err != nil {
		d.PublishError(err)
		return nil, fmt.Errorf("serial write failed: %w", err)
	}
	d.PublishSent(fmt.Sprintf("% X", cmd))

	resp := make([]byte, respLen)
	read := 0
	for read < respLen {
		n, err := d.port.Read(resp[read:])
		if err != nil {
			d.PublishError(err)
			return nil, fmt.Errorf("serial read failed: %w", err)
		}
		if n == 0 {
			return nil, fmt.Errorf("serial read timed out")
		}
		read += n
	}
	d.PublishReceived(fmt.Sprintf("% X", resp))
	return resp, nil
}

// ack runs a command that answers with a single status byte.
func (d *Driver) ack(cmd []byte) error {
	resp, err := d.command(cmd, 1)
	if err != nil {
		return err
	}
	if resp[0] != replyOK {
		return fmt.Errorf("command station rejected command: %#02x", resp[0])
	}
	return nil
}

// addressBytes encodes a DCC address for the 0xA2 loco commands. Long
// addresses set the top two bits of the high byte.
func addressBytes(address int, longAddress bool) (byte, byte) {
	high := byte(address >> 8)
	if longAddress {
		high |= 0xC0
	}
	return high, byte(address & 0xFF)
}

// OpenThrottle returns a 128-speed-step throttle handle.
func (d *Driver) OpenThrottle(address int, longAddress bool) (driver.Throttle, error) {
	if !d.IsConnected() {
		return nil, fmt.Errorf("not connected")
	}
	return common.NewThrottle((*sender)(d), address, longAddress), nil
}

type sender Driver

func (s *sender) SendSpeed(address int, longAddress bool, speed float32, forward bool) error {
	op := byte(subRev128)
	if forward {
		op = subFwd128
	}
	ah, al := addressBytes(address, longAddress)
	steps := byte(speed*126 + 0.5)
	return (*Driver)(s).ack([]byte{opLocoControl, ah, al, op, steps})
}

func (s *sender) SendFunction(address int, longAddress bool, index int, on bool) error {
	// The binary protocol sets functions in banks, mirroring the DCC
	// function group packets.
	var op, data byte
	switch {
	case index <= 4:
		op = subFnG1
		if index == 0 {
			data = 0x10
		} else {
			data = byte(1 << uint(index-1))
		}
	case index <= 8:
		op = subFnG2
		data = byte(1 << uint(index-5))
	case index <= 12:
		op = subFnG3
		data = byte(1 << uint(index-9))
	case index <= 20:
		op = subFnG4
		data = byte(1 << uint(index-13))
	default:
		op = subFnG5
		data = byte(1 << uint(index-21))
	}
	if !on {
		data = 0
	}
	ah, al := addressBytes(address, longAddress)
	return (*Driver)(s).ack([]byte{opLocoControl, ah, al, op, data})
}

func (s *sender) ReleaseThrottle(address int, longAddress bool) {
	// NCE has no explicit release; dropping to speed 0 is the
	// conventional parting shot.
	if err := s.SendSpeed(address, longAddress, 0, true); err != nil {
		(*Driver)(s).logger.Debug("Throttle release failed", zap.Error(err))
	}
}

// Programmer returns the program-track CV programmer.
func (d *Driver) Programmer() driver.Programmer {
	return &programmer{d: d}
}

type programmer struct {
	d *Driver
}

func (p *programmer) ReadCV(ctx context.Context, cv int) (int, error) {
	type result struct {
		value int
		err   error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := p.d.command([]byte{opReadCV, byte(cv >> 8), byte(cv & 0xFF)}, 2)
		if err != nil {
			done <- result{err: err}
			return
		}
		if resp[1] != replyOK {
			done <- result{err: fmt.Errorf("CV %d read failed: %#02x", cv, resp[1])}
			return
		}
		done <- result{value: int(resp[0])}
	}()
	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		return 0, fmt.Errorf("CV %d read timed out: %w", cv, ctx.Err())
	}
}

func (p *programmer) WriteCV(ctx context.Context, cv int, value int) error {
	done := make(chan error, 1)
	go func() {
		done <- p.d.ack([]byte{opWriteCV, byte(cv >> 8), byte(cv & 0xFF), byte(value)})
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("CV %d write timed out: %w", cv, ctx.Err())
	}
}

// Accessories returns the turnout controller.
func (d *Driver) Accessories() driver.AccessoryController {
	return &accessories{d: d}
}

type accessories struct {
	d *Driver
}

func (a *accessories) SetTurnout(address int, closed bool) error {
	op := byte(0x04) // throw
	if closed {
		op = 0x03
	}
	cmd := []byte{opAccessory, byte(address >> 8), byte(address & 0xFF), op, 0x00}
	if err := a.d.ack(cmd); err != nil {
		return err
	}
	a.d.Bus.Publish(event.Event{
		Kind:         event.TurnoutUpdated,
		ConnectionID: a.d.ID,
		Payload:      map[string]any{"address": address, "closed": closed},
	})
	return nil
}

// SetPower tracks the requested state. NCE stations keep track power under
// local cab control, so the daemon records the intent and reports it back.
func (d *Driver) SetPower(ctx context.Context, state string) error {
	switch state {
	case driver.PowerOn, driver.PowerOff:
		d.StorePower(state)
		return nil
	default:
		return fmt.Errorf("unsupported power state %q", state)
	}
}

// RequestVersion reads the command station software version bytes.
func (d *Driver) RequestVersion() error {
	resp, err := d.command([]byte{opVersion}, 3)
	if err != nil {
		return err
	}
	d.StoreInfo("manufacturer", "NCE")
	d.StoreInfo("version", fmt.Sprintf("%d.%d.%d", resp[0], resp[1], resp[2]))
	return nil
}

// Close drops the serial port. Safe to call more than once.
func (d *Driver) Close() error {
	d.mu.Lock()
	port := d.port
	d.port = nil
	d.mu.Unlock()

	if port != nil {
		port.Close()
		d.SetConnected(false)
	}
	return nil
}
