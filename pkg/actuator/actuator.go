package actuator

import (
	"context"
	"fmt"
	"time"

	customlog "github.com/open-teleop/blobtracker/pkg/log"
)

// Client is a motor board connection. It satisfies tracking.Actuator.
type Client interface {
	Send(ctx context.Context, channel string, speed int) error
	Probe(ctx context.Context) error
	Close() error
	String() string
}

// Settings selects and configures a Client.
type Settings struct {
	Transport string // "http" or "serial"
	Address   string // host/base URL, or serial device path
	Timeout   time.Duration
	Serial    PortOptions
}

// New opens the client described by s.
func New(s Settings, logger customlog.Logger) (Client, error) {
	switch s.Transport {
	case "", "http":
		return NewHTTPClient(s.Address, s.Timeout, logger), nil
	case "serial":
		return OpenSerial(s.Address, s.Serial, logger)
	default:
		return nil, fmt.Errorf("unsupported actuator transport %q", s.Transport)
	}
}

// ProbeAndWarn runs the connectivity check and logs the outcome. An
// unreachable board is never fatal; commands keep being retried.
func ProbeAndWarn(ctx context.Context, c Client, logger customlog.Logger) bool {
	if err := c.Probe(ctx); err != nil {
		logger.Warnf("Actuator %s not reachable, continuing anyway: %v", c, err)
		return false
	}
	return true
}
