// Package sxao drives a Starlight Xpress adaptive optics unit over its
// serial port.
package sxao

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"aoguide/pkg/guider"

	log "github.com/sirupsen/logrus"
	"github.com/tarm/serial"
)

const (
	Class = "sxao"

	maxSteps = 45

	defaultBaud        = 9600
	defaultReadTimeout = 100 * time.Millisecond
	replyTimeout       = 5 * time.Second
)

type cmdCode byte

const (
	cmdFirmware cmdCode = 'X' // Read firmware version, reply Y<3 digits>
	cmdCenter   cmdCode = 'K' // Move to centre, reply K
	cmdStep     cmdCode = 'G' // Step G<dir><5 digits>, reply G or L at limit
)

const (
	replyOK    = 'G'
	replyLimit = 'L'
)

// Port is the serial connection to the unit.
type Port interface {
	io.ReadWriteCloser
	Flush() error
}

// Config selects the serial device.
type Config struct {
	Device      string        `yaml:"device"`
	Baud        int           `yaml:"baud"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// OpenFunc opens the serial port described by cfg.
type OpenFunc func(cfg Config) (Port, error)

// OpenSerial opens a native serial port.
func OpenSerial(cfg Config) (Port, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Device, err)
	}
	return port, nil
}

// Driver is a guider.AODriver for the SX AO.
type Driver struct {
	cfg    Config
	open   OpenFunc
	logger log.FieldLogger

	mu       sync.Mutex
	port     Port
	firmware string
}

func New(cfg Config, open OpenFunc, logger log.FieldLogger) *Driver {
	if cfg.Baud <= 0 {
		cfg.Baud = defaultBaud
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if open == nil {
		open = OpenSerial
	}
	if logger == nil {
		logger = log.StandardLogger()
	}

	return &Driver{
		cfg:    cfg,
		open:   open,
		logger: logger.WithField("driver", Class),
	}
}

func (d *Driver) Name() string  { return "SX AO" }
func (d *Driver) Class() string { return Class }

func (d *Driver) Capabilities() guider.AOCapabilities {
	return guider.AOCapabilities{CanCenter: true}
}

func (d *Driver) MaxStepsFromCenter(guider.Axis) int { return maxSteps }

// Position is not reported by the unit.
func (d *Driver) Position(guider.Axis) (int, error) {
	return 0, guider.ErrNotImplemented
}

func (d *Driver) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.port != nil
}

func (d *Driver) Firmware() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.firmware
}

// Connect opens the port, checks the unit answers and centres it.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.port != nil {
		return guider.ErrAlreadyConnected
	}

	port, err := d.open(d.cfg)
	if err != nil {
		return err
	}

	reply, err := transact(ctx, port, []byte{byte(cmdFirmware)}, 4)
	if err != nil || reply[0] != 'Y' {
		port.Close()
		if err == nil {
			err = fmt.Errorf("unexpected firmware reply %q", reply)
		}
		return fmt.Errorf("no response from SX AO on %s: %w", d.cfg.Device, err)
	}
	d.firmware = string(reply[1:])

	d.port = port
	if err := d.center(ctx); err != nil {
		d.port = nil
		port.Close()
		return err
	}

	d.logger.Infof("SX AO firmware %s connected on %s", d.firmware, d.cfg.Device)
	return nil
}

func (d *Driver) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.port == nil {
		return guider.ErrNotConnected
	}
	err := d.port.Close()
	d.port = nil
	return err
}

func (d *Driver) Center(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.center(ctx)
}

func (d *Driver) center(ctx context.Context) error {
	if d.port == nil {
		return guider.ErrNotConnected
	}

	reply, err := transact(ctx, d.port, []byte{byte(cmdCenter)}, 1)
	if err != nil {
		return fmt.Errorf("center: %w", err)
	}
	if reply[0] != byte(cmdCenter) {
		return fmt.Errorf("center: unexpected reply %q", reply)
	}
	return nil
}

func directionCode(dir guider.Direction) (byte, error) {
	switch dir {
	case guider.North:
		return 'N', nil
	case guider.South:
		return 'S', nil
	case guider.East:
		return 'T', nil
	case guider.West:
		return 'W', nil
	default:
		return 0, guider.ErrInvalidDirection
	}
}

// Step moves count steps in dir. The unit refuses steps past its travel
// with an L reply.
func (d *Driver) Step(ctx context.Context, dir guider.Direction, count int) error {
	code, err := directionCode(dir)
	if err != nil {
		return err
	}
	if count < 0 || count > 99999 {
		return fmt.Errorf("step count %d out of range", count)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.port == nil {
		return guider.ErrNotConnected
	}

	cmd := fmt.Sprintf("%c%c%05d", cmdStep, code, count)
	d.logger.Debugf("Sending %s", cmd)

	reply, err := transact(ctx, d.port, []byte(cmd), 1)
	if err != nil {
		return fmt.Errorf("step: %w", err)
	}

	switch reply[0] {
	case replyOK:
		return nil
	case replyLimit:
		return guider.ErrLimitReached
	default:
		return fmt.Errorf("step: unexpected reply %q", reply)
	}
}

var errReplyTimeout = errors.New("timed out waiting for reply")

// transact writes cmd and reads an n byte reply.
func transact(ctx context.Context, port Port, cmd []byte, n int) ([]byte, error) {
	if err := port.Flush(); err != nil {
		return nil, err
	}
	if _, err := port.Write(cmd); err != nil {
		return nil, err
	}

	buf := make([]byte, n)
	read := 0
	deadline := time.Now().Add(replyTimeout)

	for read < n {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, errReplyTimeout
		}

		m, err := port.Read(buf[read:])
		read += m
		if err != nil && !(errors.Is(err, io.EOF) && m == 0) {
			return nil, err
		}
		if m == 0 {
			time.Sleep(10 * time.Millisecond)
		}
	}

	return buf, nil
}
