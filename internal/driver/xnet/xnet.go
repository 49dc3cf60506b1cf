// internal/driver/xnet/xnet.go
package xnet

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

const defaultBaud = 19200

// Driver speaks XpressNet over a serial link, tuned for the Hornby Elite's
// built-in USB interface. Frames are header+data bytes closed with an XOR
// checksum.
type Driver struct {
	*common.Station

	cfg    model.ConnectionConfig
	logger *zap.Logger

	mu   sync.Mutex
	port serial.Port

	replies chan []byte
}

// New creates an XpressNet serial driver.
func New(cfg model.ConnectionConfig, bus *event.Bus, logger *zap.Logger) (driver.Driver, error) {
	return &Driver{
		Station: common.NewStation(cfg.ID, bus, logger),
		cfg:     cfg,
		logger:  logger.With(zap.String("driver", "xnet"), zap.String("connection_id", cfg.ID)),
	}, nil
}

// Connect opens the serial port.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.port != nil {
		return nil
	}

	port, err := common.OpenSerial(d.cfg, defaultBaud)
	if err != nil {
		return err
	}
	d.port = port
	d.replies = make(chan []byte, 16)
	go d.readLoop(port)
	d.SetConnected(true)
	d.logger.Info("Serial port opened",
		zap.String("port", d.cfg.Option(model.OptionKeyPort)),
	)
	return nil
}

// readLoop drains inbound XpressNet frames. Frame length is derived from
// the low nibble of the header byte, plus the checksum.
func (d *Driver) readLoop(port serial.Port) {
	header := make([]byte, 1)
	for {
		if _, err := port.Read(header); err != nil {
			d.mu.Lock()
			open := d.port != nil
			d.mu.Unlock()
			if open {
				d.PublishError(err)
				d.SetConnected(false)
			}
			return
		}
		dataLen := int(header[0]&0x0F) + 1
		body := make([]byte, dataLen)
		read := 0
		for read < dataLen {
			n, err := port.Read(body[read:])
			if err != nil {
				return
			}
			read += n
		}
		frame := append([]byte{header[0]}, body...)
		d.PublishReceived(fmt.Sprintf("% X", frame))
		d.handleFrame(frame)
	}
}

func (d *Driver) handleFrame(frame []byte) {
	if len(frame) < 2 {
		return
	}
	switch frame[0] {
	case 0x61:
		switch frame[1] {
		case 0x00:
			d.StorePower(driver.PowerOff)
		case 0x01:
			d.StorePower(driver.PowerOn)
		}
	case 0x63:
		if frame[1] == 0x21 && len(frame) >= 4 {
			d.StoreInfo("version", fmt.Sprintf("%d.%d", frame[2]>>4, frame[2]&0x0F))
		}
		d.deliver(frame)
	default:
		d.deliver(frame)
	}
}

func (d *Driver) deliver(frame []byte) {
	d.mu.Lock()
	replies := d.replies
	d.mu.Unlock()
	if replies == nil {
		return
	}
	select {
	case replies <- frame:
	default:
	}
}

// frame closes an XpressNet packet with its XOR checksum and writes it.
func (d *Driver) frame(data ...byte) error {
	var checksum byte
	for _, b := range data {
		checksum ^= b
	}
	packet := append(append([]byte{}, data...), checksum)

	d.mu.Lock()
	port := d.port
	d.mu.Unlock()

	if port == nil {
		return fmt.Errorf("not connected")
	}
	if _, err := port.Write(packet); err != nil {
		d.PublishError(err)
		return fmt.Errorf("serial write failed: %w", err)
	}
	d.PublishSent(fmt.Sprintf("% X", packet))
	return nil
}

// addressBytes encodes a DCC address as XpressNet high/low bytes. Long
// addresses set the two top bits of the high byte.
func addressBytes(address int, longAddress bool) (byte, byte) {
	if longAddress {
		return byte(address>>8) | 0xC0, byte(address & 0xFF)
	}
	return 0x00, byte(address & 0xFF)
}

// OpenThrottle returns a throttle handle backed by 128-speed-step packets.
func (d *Driver) OpenThrottle(address int, longAddress bool) (driver.Throttle, error) {
	if !d.IsConnected() {
		return nil, fmt.Errorf("not connected")
	}
	return common.NewThrottle((*sender)(d), address, longAddress), nil
}

type sender Driver

func (s *sender) SendSpeed(address int, longAddress bool, speed float32, forward bool) error {
	// 0xE4 0x13: locomotive operation, 128 speed steps.
	steps := byte(speed*126 + 0.5)
	if steps > 0 {
		steps++ // step 1 is emergency stop in 128-step encoding
	}
	rv := steps
	if forward {
		rv |= 0x80
	}
	ah, al := addressBytes(address, longAddress)
	return (*Driver)(s).frame(0xE4, 0x13, ah, al, rv)
}

func (s *sender) SendFunction(address int, longAddress bool, index int, on bool) error {
	// Function group instructions 0x20..0x28 cover F0..F28 in banks.
	var ident byte
	switch {
	case index <= 4:
		ident = 0x20
	case index <= 8:
		ident = 0x21
	case index <= 12:
		ident = 0x22
	case index <= 20:
		ident = 0x23
	default:
		ident = 0x28
	}
	state := byte(0)
	if on {
		state = byte(1 << uint(index%8))
	}
	ah, al := addressBytes(address, longAddress)
	return (*Driver)(s).frame(0xE4, ident, ah, al, state)
}

func (s *sender) ReleaseThrottle(address int, longAddress bool) {
	ah, al := addressBytes(address, longAddress)
	if err := (*Driver)(s).frame(0xE3, 0x44, ah, al); err != nil {
		(*Driver)(s).logger.Debug("Throttle release failed", zap.Error(err))
	}
}

// Programmer returns the service-mode CV programmer.
func (d *Driver) Programmer() driver.Programmer {
	return &programmer{d: d}
}

type programmer struct {
	d *Driver
}

func (p *programmer) ReadCV(ctx context.Context, cv int) (int, error) {
	if err := p.d.frame(0x22, 0x15, byte(cv)); err != nil {
		return 0, err
	}
	// Request the service-mode result. The Elite answers 0x63 0x14 with
	// the CV number and value once the read settles; no decoder on the
	// programming track leaves the request hanging until the deadline.
	if err := p.d.frame(0x21, 0x10); err != nil {
		return 0, err
	}

	p.d.mu.Lock()
	replies := p.d.replies
	p.d.mu.Unlock()
	if replies == nil {
		return 0, fmt.Errorf("not connected")
	}
	for {
		select {
		case frame := <-replies:
			if len(frame) >= 4 && frame[0] == 0x63 && frame[1] == 0x14 {
				return int(frame[3]), nil
			}
		case <-ctx.Done():
			return 0, fmt.Errorf("CV %d read timed out: %w", cv, ctx.Err())
		}
	}
}

func (p *programmer) WriteCV(ctx context.Context, cv int, value int) error {
	if err := p.d.frame(0x23, 0x16, byte(cv), byte(value)); err != nil {
		return err
	}
	return nil
}

// Accessories returns the turnout controller.
func (d *Driver) Accessories() driver.AccessoryController {
	return &accessories{d: d}
}

type accessories struct {
	d *Driver
}

func (a *accessories) SetTurnout(address int, closed bool) error {
	// 0x52: accessory decoder operation request.
	decoder := byte((address - 1) >> 2)
	output := byte(((address - 1) & 0x03) << 1)
	data := byte(0x88) | output
	if !closed {
		data |= 0x01
	}
	if err := a.d.frame(0x52, decoder, data); err != nil {
		return err
	}
	a.d.Bus.Publish(event.Event{
		Kind:         event.TurnoutUpdated,
		ConnectionID: a.d.ID,
		Payload:      map[string]any{"address": address, "closed": closed},
	})
	return nil
}

// SetPower sends resume-operations or stop-operations requests.
func (d *Driver) SetPower(ctx context.Context, state string) error {
	switch state {
	case driver.PowerOn:
		if err := d.frame(0x21, 0x81); err != nil {
			return err
		}
	case driver.PowerOff:
		if err := d.frame(0x21, 0x80); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported power state %q", state)
	}
	d.StorePower(state)
	return nil
}

// RequestVersion asks for the command station software version.
func (d *Driver) RequestVersion() error {
	if err := d.frame(0x21, 0x21); err != nil {
		return err
	}
	d.StoreInfo("manufacturer", "Hornby")
	d.StoreInfo("model", "Elite")
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
