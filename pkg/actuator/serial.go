package actuator

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	customlog "github.com/open-teleop/blobtracker/pkg/log"
	"go.bug.st/serial"
)

// PortOptions describes the serial line used to reach the motor board.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// Normalize validates the options and fills defaults (115200 8N1).
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o

	if opts.BaudRate <= 0 {
		opts.BaudRate = 115200
	}

	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}

	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	switch strings.TrimSpace(strings.ToUpper(opts.Parity)) {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}
	return opts, nil
}

// SerialMode converts the options into the go.bug.st/serial mode.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: serial.OneStopBit,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}

	switch opts.Parity {
	case "N":
		mode.Parity = serial.NoParity
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}
	return mode, nil
}

// SerialClient writes one "<channel>:<speed>\n" line per command. Writes are
// serialized so lines never interleave.
type SerialClient struct {
	mu     sync.Mutex
	port   io.WriteCloser
	name   string
	logger customlog.Logger
}

// OpenSerial opens path with opts and returns a client on it.
func OpenSerial(path string, opts PortOptions, logger customlog.Logger) (*SerialClient, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", path, err)
	}
	return NewSerialClient(port, path, logger), nil
}

// NewSerialClient wraps an already-open port.
func NewSerialClient(port io.WriteCloser, name string, logger customlog.Logger) *SerialClient {
	if logger == nil {
		logger = customlog.NewDiscardLogger()
	}
	return &SerialClient{
		port:   port,
		name:   name,
		logger: logger.WithField("actuator", "serial"),
	}
}

// Send writes a command line. The context is only checked before writing;
// serial writes are not cancellable.
func (c *SerialClient) Send(ctx context.Context, channel string, speed int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line := fmt.Sprintf("%s:%d\n", channel, speed)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		return fmt.Errorf("serial port %s closed", c.name)
	}
	if _, err := io.WriteString(c.port, line); err != nil {
		return fmt.Errorf("write to %s: %w", c.name, err)
	}
	return nil
}

// Probe reports whether the port is open. A serial board has no handshake.
func (c *SerialClient) Probe(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		return fmt.Errorf("serial port %s closed", c.name)
	}
	c.logger.Infof("Serial actuator open on %s", c.name)
	return nil
}

// Close closes the port. Further sends fail.
func (c *SerialClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		return nil
	}
	err := c.port.Close()
	c.port = nil
	return err
}

// String returns the port name.
func (c *SerialClient) String() string {
	return c.name
}
