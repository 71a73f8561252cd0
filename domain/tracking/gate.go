package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrDispatchFailed wraps any failure to deliver a speed to the actuator.
var ErrDispatchFailed = errors.New("dispatch failed")

// Actuator is the remote motor controller. Send delivers one speed to one
// channel and reports success or failure; there is no acknowledgment beyond that.
type Actuator interface {
	Send(ctx context.Context, channel string, speed int) error
}

// Commander sends one speed to every motor channel.
type Commander interface {
	Command(ctx context.Context, speed int) error
}

// ChannelCommander fans a speed out to a fixed list of channels on one Actuator.
// Both motors of the rig receive the same speed; steering is not modelled.
type ChannelCommander struct {
	actuator Actuator
	channels []string
}

// NewChannelCommander returns a Commander for the given channels, in order.
func NewChannelCommander(actuator Actuator, channels ...string) *ChannelCommander {
	return &ChannelCommander{actuator: actuator, channels: channels}
}

// Command sends speed to each channel and stops at the first failure.
func (c *ChannelCommander) Command(ctx context.Context, speed int) error {
	for _, ch := range c.channels {
		if err := c.actuator.Send(ctx, ch, speed); err != nil {
			return fmt.Errorf("%w: channel %s: %w", ErrDispatchFailed, ch, err)
		}
	}
	return nil
}

// Channels returns the configured channel names.
func (c *ChannelCommander) Channels() []string {
	return append([]string(nil), c.channels...)
}

// CommandGate forwards at most one command per interval. It holds no queue:
// speeds computed while the gate is closed are dropped, and only a successful
// dispatch restarts the interval, so a failed send is retried on the next tick.
type CommandGate struct {
	last time.Time
	sent bool
}

// MaybeDispatch sends speed if the interval since the last successful dispatch
// has elapsed. attempted reports whether a send was tried.
func (g *CommandGate) MaybeDispatch(ctx context.Context, speed int, now time.Time, interval time.Duration, cmd Commander) (attempted bool, err error) {
	if g.sent && now.Sub(g.last) < interval {
		return false, nil
	}
	if err := cmd.Command(ctx, speed); err != nil {
		return true, err
	}
	g.last = now
	g.sent = true
	return true, nil
}

// LastDispatch returns the time of the last successful dispatch.
func (g *CommandGate) LastDispatch() (time.Time, bool) {
	return g.last, g.sent
}
