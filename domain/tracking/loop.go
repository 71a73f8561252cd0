// Package tracking runs the closed loop from camera frames to motor commands.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"time"

	"github.com/open-teleop/blobtracker/domain/motion"
	"github.com/open-teleop/blobtracker/domain/tuning"
	"github.com/open-teleop/blobtracker/domain/vision"
	customlog "github.com/open-teleop/blobtracker/pkg/log"
)

// DefaultDispatchTimeout bounds a single command dispatch.
const DefaultDispatchTimeout = 300 * time.Millisecond

// FrameSource yields color frames. Next returns io.EOF once the stream ends.
type FrameSource interface {
	Next(ctx context.Context) (image.Image, error)
	Close() error
}

// Options tune the loop's runtime behaviour.
type Options struct {
	RunID           string
	DispatchTimeout time.Duration
	// Clock is used for gating; defaults to time.Now.
	Clock func() time.Time
}

// Loop is the per-frame tracking loop. Tick must be called from one goroutine;
// tuning may be replaced from any goroutine through the Store.
type Loop struct {
	source    FrameSource
	store     *tuning.Store
	commander Commander
	logger    customlog.Logger
	opts      Options

	gate          CommandGate
	sinks         []TelemetrySink
	seq           uint64
	lostFrames    int
	dispatchFails int

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewLoop wires a loop around its collaborators.
func NewLoop(source FrameSource, store *tuning.Store, commander Commander, logger customlog.Logger, opts Options) *Loop {
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = DefaultDispatchTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if logger == nil {
		logger = customlog.NewDiscardLogger()
	}
	return &Loop{
		source:    source,
		store:     store,
		commander: commander,
		logger:    logger.WithField("component", "tracking"),
		opts:      opts,
	}
}

// AddSink registers a telemetry sink. Call before Run.
func (l *Loop) AddSink(s TelemetrySink) {
	l.sinks = append(l.sinks, s)
}

// ColorRange returns the committed color range.
func (l *Loop) ColorRange() tuning.ColorRange {
	return l.store.ColorRange()
}

// SetColorRange commits a whole new color range, taking effect on the next tick.
func (l *Loop) SetColorRange(r tuning.ColorRange) error {
	_, err := l.store.CommitColorRange(r)
	return err
}

// Params returns the committed tracking parameters.
func (l *Loop) Params() tuning.Params {
	return l.store.Params()
}

// SetParams commits new tracking parameters, taking effect on the next tick.
func (l *Loop) SetParams(p tuning.Params) error {
	_, err := l.store.CommitParams(p)
	return err
}

// Tick processes one frame. It returns io.EOF when the source is exhausted.
func (l *Loop) Tick(ctx context.Context) (Telemetry, error) {
	frame, err := l.source.Next(ctx)
	if err != nil {
		return Telemetry{}, err
	}
	start := time.Now()
	snap := l.store.Load()

	mask, obs, decision := l.evaluate(frame, snap)

	if obs == nil {
		l.lostFrames++
	} else {
		l.lostFrames = 0
	}

	dctx, cancel := context.WithTimeout(ctx, l.opts.DispatchTimeout)
	attempted, dispatchErr := l.gate.MaybeDispatch(dctx, decision.Speed, l.opts.Clock(), snap.Params.CommandInterval, l.commander)
	cancel()
	l.noteDispatch(decision.Speed, attempted, dispatchErr)

	l.seq++
	t := Telemetry{
		RunID:        l.opts.RunID,
		Seq:          l.seq,
		Time:         start,
		FrameWidth:   frame.Bounds().Dx(),
		FrameHeight:  frame.Bounds().Dy(),
		Observation:  obs,
		Decision:     decision,
		Status:       decision.Status(),
		ColorRange:   snap.Color,
		DeadZone:     snap.Params.DeadZone,
		Dispatched:   attempted,
		LostFrames:   l.lostFrames,
		TickDuration: time.Since(start),
		Frame:        frame,
		Mask:         mask,
	}
	if dispatchErr != nil {
		t.DispatchError = dispatchErr.Error()
	}

	for _, s := range l.sinks {
		l.publish(s, t)
	}
	return t, nil
}

// publish hands t to one sink. A panicking sink is logged and skipped so the
// remaining sinks and the next tick still run.
func (l *Loop) publish(s TelemetrySink, t Telemetry) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Errorf("Telemetry sink %T panicked, skipping: %v", s, r)
		}
	}()
	s.Publish(t)
}

// evaluate runs segmentation, location and policy. A panic in any stage
// degrades to a lost-tracking stop.
func (l *Loop) evaluate(frame image.Image, snap tuning.Snapshot) (mask *image.Gray, obs *vision.Observation, d motion.Decision) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Errorf("Vision stage panicked, commanding stop: %v", r)
			mask, obs, d = nil, nil, motion.Decide(nil, 0, snap.Params)
		}
	}()

	mask = vision.Segment(frame, snap.Color)
	obs = vision.Locate(mask, snap.Params.MinArea, snap.Params.MaxArea)
	d = motion.Decide(obs, frame.Bounds().Dy(), snap.Params)
	return mask, obs, d
}

func (l *Loop) noteDispatch(speed int, attempted bool, err error) {
	if !attempted {
		return
	}
	if err != nil {
		l.dispatchFails++
		if l.dispatchFails == 1 {
			l.logger.Warnf("Motor command %d failed, retrying on next tick: %v", speed, err)
		} else {
			l.logger.Debugf("Motor command %d failed (%d consecutive): %v", speed, l.dispatchFails, err)
		}
		return
	}
	if l.dispatchFails > 0 {
		l.logger.Infof("Actuator reachable again after %d failed dispatches", l.dispatchFails)
		l.dispatchFails = 0
	}
	l.logger.Debugf("Dispatched speed %d", speed)
}

// Run ticks until ctx is cancelled or the source is exhausted, then runs the
// shutdown sequence.
func (l *Loop) Run(ctx context.Context) (err error) {
	l.logger.Infof("Tracking loop started (run %s)", l.opts.RunID)
	defer func() {
		if shutdownErr := l.Shutdown(ctx); err == nil {
			err = shutdownErr
		}
	}()

	for {
		if ctx.Err() != nil {
			l.logger.Infof("Tracking loop cancelled")
			return nil
		}
		_, tickErr := l.Tick(ctx)
		switch {
		case tickErr == nil:
		case errors.Is(tickErr, io.EOF):
			l.logger.Infof("Frame source exhausted after %d frames", l.seq)
			return nil
		case errors.Is(tickErr, context.Canceled), errors.Is(tickErr, context.DeadlineExceeded):
			return nil
		default:
			l.logger.Errorf("Failed to grab frame: %v", tickErr)
			return fmt.Errorf("frame source: %w", tickErr)
		}
	}
}

// ForceZeroSpeed sends an immediate stop, bypassing the rate gate. Used for
// emergency stop.
func (l *Loop) ForceZeroSpeed(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.opts.DispatchTimeout)
	defer cancel()
	if err := l.commander.Command(ctx, 0); err != nil {
		l.logger.Warnf("Emergency stop dispatch failed: %v", err)
		return err
	}
	l.logger.Infof("Emergency stop dispatched")
	return nil
}

// Shutdown sends one final best-effort stop and closes the frame source. It
// runs once; later calls return the first result.
func (l *Loop) Shutdown(ctx context.Context) error {
	l.shutdownOnce.Do(func() {
		l.logger.Infof("Stopping motors and releasing frame source")
		// The caller's context is usually already cancelled here.
		if err := l.ForceZeroSpeed(context.WithoutCancel(ctx)); err != nil {
			l.logger.Warnf("Final stop command not delivered: %v", err)
		}
		if err := l.source.Close(); err != nil {
			l.shutdownErr = fmt.Errorf("closing frame source: %w", err)
			return
		}
		l.logger.Infof("Shutdown complete")
	})
	return l.shutdownErr
}
