// internal/driver/dccpp/dccpp.go
package dccpp

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davetaz/dcc-io-daemon/internal/driver/common"
	"github.com/davetaz/dcc-io-daemon/internal/event"
	"github.com/davetaz/dcc-io-daemon/internal/model"
	"github.com/davetaz/dcc-io-daemon/pkg/driver"
)

const (
	defaultPort  = "2560"
	writeTimeout = 5 * time.Second
)

// Driver speaks the DCC++ / DCC-EX ASCII command protocol over TCP.
// Commands are bracketed text, e.g. <1> for power on and <t ...> for
// locomotive speed packets.
type Driver struct {
	*common.Station

	cfg    model.ConnectionConfig
	logger *zap.Logger

	mu      sync.Mutex
	conn    net.Conn
	replies chan string
}

// New creates a DCC++ ethernet driver.
func New(cfg model.ConnectionConfig, bus *event.Bus, logger *zap.Logger) (driver.Driver, error) {
	if cfg.Option("host") == "" {
		return nil, fmt.Errorf("host option is required for system type %q", cfg.SystemType)
	}
	return &Driver{
		Station: common.NewStation(cfg.ID, bus, logger),
		cfg:     cfg,
		logger:  logger.With(zap.String("driver", "dccpp"), zap.String("connection_id", cfg.ID)),
	}, nil
}

// Connect dials the command station and starts the reply reader.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn != nil {
		return nil
	}

	port := d.cfg.Option("port")
	if port == "" {
		port = defaultPort
	}
	addr := net.JoinHostPort(d.cfg.Option("host"), port)

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	d.conn = conn
	d.replies = make(chan string, 16)
	go d.readLoop(d.conn, d.replies)

	d.SetConnected(true)
	d.logger.Info("Connected to DCC++ command station", zap.String("addr", addr))
	return nil
}

// readLoop forwards bracketed replies from the station until the transport
// drops. Status replies (<p...>, <i...>) update station state directly.
func (d *Driver) readLoop(conn net.Conn, replies chan<- string) {
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('>')
		if err != nil {
			d.SetConnected(false)
			close(replies)
			return
		}
		msg := strings.TrimSpace(line)
		if msg == "" {
			continue
		}
		d.PublishReceived(msg)
		d.handleReply(msg)

		select {
		case replies <- msg:
		default:
			// Reply buffer full; state was already applied above.
		}
	}
}

func (d *Driver) handleReply(msg string) {
	switch {
	case strings.HasPrefix(msg, "<p1"):
		d.StorePower(driver.PowerOn)
	case strings.HasPrefix(msg, "<p0"):
		d.StorePower(driver.PowerOff)
	case strings.HasPrefix(msg, "<i"):
		d.StoreInfo("version", strings.Trim(msg[2:], "<> "))
	}
}

func (d *Driver) send(cmd string) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write([]byte(cmd)); err != nil {
		d.PublishError(err)
		return fmt.Errorf("write failed: %w", err)
	}
	d.PublishSent(cmd)
	return nil
}

// OpenThrottle returns a throttle handle backed by <t ...> commands.
func (d *Driver) OpenThrottle(address int, longAddress bool) (driver.Throttle, error) {
	if !d.IsConnected() {
		return nil, fmt.Errorf("not connected")
	}
	return common.NewThrottle((*sender)(d), address, longAddress), nil
}

// sender adapts the driver to common.Sender without widening its API.
type sender Driver

func (s *sender) SendSpeed(address int, longAddress bool, speed float32, forward bool) error {
	// DCC++ uses 126 speed steps; -1 is emergency stop and is not used here.
	steps := int(speed*126 + 0.5)
	dir := 0
	if forward {
		dir = 1
	}
	return (*Driver)(s).send(fmt.Sprintf("<t 1 %d %d %d>", address, steps, dir))
}

func (s *sender) SendFunction(address int, longAddress bool, index int, on bool) error {
	state := 0
	if on {
		state = 1
	}
	return (*Driver)(s).send(fmt.Sprintf("<F %d %d %d>", address, index, state))
}

func (s *sender) ReleaseThrottle(address int, longAddress bool) {
	// Drop the loco from the station's refresh table.
	if err := (*Driver)(s).send(fmt.Sprintf("<- %d>", address)); err != nil {
		(*Driver)(s).logger.Debug("Throttle release command failed", zap.Error(err))
	}
}

// Programmer returns the CV programmer for this station.
func (d *Driver) Programmer() driver.Programmer {
	return &programmer{d: d}
}

type programmer struct {
	d *Driver
}

func (p *programmer) ReadCV(ctx context.Context, cv int) (int, error) {
	if err := p.d.send(fmt.Sprintf("<R %d 0 0>", cv)); err != nil {
		return 0, err
	}
	reply, err := p.d.awaitReply(ctx, "<r")
	if err != nil {
		return 0, err
	}
	var cbNum, cbSub, value int
	if _, err := fmt.Sscanf(reply, "<r%d|%d|%d>", &cbNum, &cbSub, &value); err != nil {
		return 0, fmt.Errorf("unparseable CV read reply %q: %w", reply, err)
	}
	return value, nil
}

func (p *programmer) WriteCV(ctx context.Context, cv int, value int) error {
	if err := p.d.send(fmt.Sprintf("<W %d %d 0 0>", cv, value)); err != nil {
		return err
	}
	_, err := p.d.awaitReply(ctx, "<r")
	return err
}

// awaitReply waits for the next reply with the given prefix, bounded by the
// context deadline.
func (d *Driver) awaitReply(ctx context.Context, prefix string) (string, error) {
	d.mu.Lock()
	replies := d.replies
	d.mu.Unlock()

	if replies == nil {
		return "", fmt.Errorf("not connected")
	}

	for {
		select {
		case msg, ok := <-replies:
			if !ok {
				return "", fmt.Errorf("connection closed")
			}
			if strings.HasPrefix(msg, prefix) {
				return msg, nil
			}
		case <-ctx.Done():
			return "", fmt.Errorf("timed out waiting for reply: %w", ctx.Err())
		}
	}
}

// Accessories returns the turnout controller for this station.
func (d *Driver) Accessories() driver.AccessoryController {
	return &accessories{d: d}
}

type accessories struct {
	d *Driver
}

func (a *accessories) SetTurnout(address int, closed bool) error {
	// DCC-EX: <T id 1> throws, <T id 0> closes.
	state := 1
	if closed {
		state = 0
	}
	if err := a.d.send(fmt.Sprintf("<T %d %d>", address, state)); err != nil {
		return err
	}
	a.d.Bus.Publish(event.Event{
		Kind:         event.TurnoutUpdated,
		ConnectionID: a.d.ID,
		Payload:      map[string]any{"address": address, "closed": closed},
	})
	return nil
}

// SetPower switches track power.
func (d *Driver) SetPower(ctx context.Context, state string) error {
	var cmd string
	switch state {
	case driver.PowerOn:
		cmd = "<1>"
	case driver.PowerOff:
		cmd = "<0>"
	default:
		return fmt.Errorf("unsupported power state %q", state)
	}
	if err := d.send(cmd); err != nil {
		return err
	}
	d.StorePower(state)
	return nil
}

// RequestVersion asks the station for its status/version string. The reply
// is applied asynchronously by the read loop.
func (d *Driver) RequestVersion() error {
	return d.send("<s>")
}

// Close drops the transport. Safe to call more than once.
func (d *Driver) Close() error {
	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	d.mu.Unlock()

	if conn != nil {
		conn.Close()
		d.SetConnected(false)
	}
	return nil
}
