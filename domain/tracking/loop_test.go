package tracking

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/open-teleop/blobtracker/domain/motion"
	"github.com/open-teleop/blobtracker/domain/tuning"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sliceSource replays frames and then reports io.EOF.
type sliceSource struct {
	frames []image.Image
	closed bool
	err    error
}

func (s *sliceSource) Next(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.frames) == 0 {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f, nil
}

func (s *sliceSource) Close() error {
	s.closed = true
	return nil
}

// fakeClock advances by step on every call.
type fakeClock struct {
	now  time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

var blobColor = color.RGBA{R: 120, G: 200, B: 120, A: 255}

// frameWithBlob returns a 640x480 frame with a 40x40 blob centred at (320, y).
func frameWithBlob(y int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255
	}
	if y < 0 {
		return img
	}
	for yy := y - 20; yy < y+20; yy++ {
		for xx := 300; xx < 340; xx++ {
			img.SetRGBA(xx, yy, blobColor)
		}
	}
	return img
}

func emptyFrame() image.Image { return frameWithBlob(-1) }

func newTestLoop(t *testing.T, src FrameSource, act *fakeActuator, clock *fakeClock) *Loop {
	t.Helper()
	store, err := tuning.NewStore(tuning.DefaultColorRange(), tuning.DefaultParams())
	require.NoError(t, err)
	return NewLoop(src, store, NewChannelCommander(act, "A", "B"), nil, Options{
		RunID: "test-run",
		Clock: clock.Now,
	})
}

func TestTickForwardScenario(t *testing.T) {
	t.Parallel()

	// Blob rows 280..319 -> centroid y = 299 -> error +59 -> clamped to 180.
	src := &sliceSource{frames: []image.Image{frameWithBlob(300)}}
	act := &fakeActuator{}
	loop := newTestLoop(t, src, act, &fakeClock{now: time.Unix(0, 0), step: time.Millisecond})

	tel, err := loop.Tick(context.Background())
	require.NoError(t, err)
	require.NotNil(t, tel.Observation)
	assert.Equal(t, image.Point{X: 319, Y: 299}, tel.Observation.Position)
	assert.Equal(t, 180, tel.Decision.Speed)
	assert.Equal(t, motion.LabelForward, tel.Decision.Label)
	assert.True(t, tel.Dispatched)
	assert.Empty(t, tel.DispatchError)
	assert.Equal(t, uint64(1), tel.Seq)
	assert.Equal(t, "test-run", tel.RunID)
	assert.Equal(t, []sent{{"A", 180}, {"B", 180}}, act.snapshot())
}

func TestTickLostTrackingRespectsInterval(t *testing.T) {
	t.Parallel()

	src := &sliceSource{frames: []image.Image{frameWithBlob(100), emptyFrame(), emptyFrame(), emptyFrame()}}
	act := &fakeActuator{}
	// 20ms per tick against a 50ms interval.
	clock := &fakeClock{now: time.Unix(0, 0), step: 20 * time.Millisecond}
	loop := newTestLoop(t, src, act, clock)

	first, err := loop.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, motion.LabelBackward, first.Decision.Label)
	assert.True(t, first.Dispatched)

	second, err := loop.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Decision.Speed)
	assert.Equal(t, motion.LabelLost, second.Decision.Label)
	assert.False(t, second.Dispatched, "stop is held back until the interval elapses")
	assert.Equal(t, 1, second.LostFrames)

	third, err := loop.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, third.Dispatched, "40ms < 50ms keeps the gate closed")
	assert.Equal(t, 2, third.LostFrames)

	fourth, err := loop.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, fourth.Dispatched)
	assert.Equal(t, []sent{{"A", -213}, {"B", -213}, {"A", 0}, {"B", 0}}, act.snapshot())
}

func TestTickDispatchFailureIsRetried(t *testing.T) {
	t.Parallel()

	src := &sliceSource{frames: []image.Image{frameWithBlob(300), frameWithBlob(300)}}
	act := &fakeActuator{failing: true}
	loop := newTestLoop(t, src, act, &fakeClock{now: time.Unix(0, 0), step: time.Millisecond})

	tel, err := loop.Tick(context.Background())
	require.NoError(t, err, "dispatch failure is not a tick failure")
	assert.True(t, tel.Dispatched)
	assert.NotEmpty(t, tel.DispatchError)

	act.setFailing(false)
	tel, err = loop.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, tel.Dispatched, "retried on the very next tick")
	assert.Empty(t, tel.DispatchError)
}

func TestCalibrationTakesEffectNextTick(t *testing.T) {
	t.Parallel()

	src := &sliceSource{frames: []image.Image{frameWithBlob(300), frameWithBlob(300)}}
	act := &fakeActuator{}
	loop := newTestLoop(t, src, act, &fakeClock{now: time.Unix(0, 0), step: time.Second})

	tel, err := loop.Tick(context.Background())
	require.NoError(t, err)
	require.NotNil(t, tel.Observation)

	// A red-only range no longer matches the blob.
	red := tuning.ColorRange{Lower: tuning.HSV{H: 0, S: 200, V: 200}, Upper: tuning.HSV{H: 5, S: 255, V: 255}}
	require.NoError(t, loop.SetColorRange(red))
	assert.Equal(t, red, loop.ColorRange())

	tel, err = loop.Tick(context.Background())
	require.NoError(t, err)
	assert.Nil(t, tel.Observation)
	assert.Equal(t, red, tel.ColorRange)
}

func TestSetColorRangeRejectsInvalid(t *testing.T) {
	t.Parallel()

	loop := newTestLoop(t, &sliceSource{}, &fakeActuator{}, &fakeClock{})
	bad := tuning.ColorRange{Lower: tuning.HSV{H: 10, S: 10, V: 200}, Upper: tuning.HSV{H: 20, S: 20, V: 100}}
	err := loop.SetColorRange(bad)
	require.ErrorIs(t, err, tuning.ErrInvalidColorRange)
	assert.Equal(t, tuning.DefaultColorRange(), loop.ColorRange())

	p := loop.Params()
	p.MinArea = p.MaxArea
	require.ErrorIs(t, loop.SetParams(p), tuning.ErrInvalidParams)
}

func TestRunEmitsTelemetryAndShutsDownOnEOF(t *testing.T) {
	t.Parallel()

	src := &sliceSource{frames: []image.Image{frameWithBlob(240), frameWithBlob(100), emptyFrame()}}
	act := &fakeActuator{}
	loop := newTestLoop(t, src, act, &fakeClock{now: time.Unix(0, 0), step: time.Second})

	type summary struct {
		Seq   uint64
		Label string
		Speed int
	}
	var got []summary
	loop.AddSink(SinkFunc(func(tel Telemetry) {
		got = append(got, summary{tel.Seq, tel.Decision.Label, tel.Decision.Speed})
	}))

	require.NoError(t, loop.Run(context.Background()))

	// Blob at rows 80..119 -> centroid 99 -> error -141 -> factor 0.734 -> 213.
	want := []summary{
		{1, motion.LabelCentered, 0},
		{2, motion.LabelBackward, -213},
		{3, motion.LabelLost, 0},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("telemetry mismatch (-want +got):\n%s", diff)
	}

	assert.True(t, src.closed)
	calls := act.snapshot()
	// Three gated ticks plus the final stop, two channels each.
	require.Len(t, calls, 8)
	assert.Equal(t, []sent{{"A", 0}, {"B", 0}}, calls[6:])
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	src := &sliceSource{frames: []image.Image{emptyFrame()}}
	act := &fakeActuator{}
	loop := newTestLoop(t, src, act, &fakeClock{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, loop.Run(ctx))
	assert.True(t, src.closed)
	// Final stop still goes out even though the context is cancelled.
	assert.Equal(t, []sent{{"A", 0}, {"B", 0}}, act.snapshot())
}

func TestRunReportsSourceFailure(t *testing.T) {
	t.Parallel()

	src := &sliceSource{err: errors.New("camera unplugged")}
	loop := newTestLoop(t, src, &fakeActuator{}, &fakeClock{})

	err := loop.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "camera unplugged")
	assert.True(t, src.closed)
}

func TestShutdownRunsOnce(t *testing.T) {
	t.Parallel()

	act := &fakeActuator{}
	loop := newTestLoop(t, &sliceSource{}, act, &fakeClock{})

	require.NoError(t, loop.Shutdown(context.Background()))
	require.NoError(t, loop.Shutdown(context.Background()))
	assert.Len(t, act.snapshot(), 2)
}

func TestForceZeroSpeedBypassesGate(t *testing.T) {
	t.Parallel()

	src := &sliceSource{frames: []image.Image{frameWithBlob(400)}}
	act := &fakeActuator{}
	loop := newTestLoop(t, src, act, &fakeClock{now: time.Unix(0, 0)})

	_, err := loop.Tick(context.Background())
	require.NoError(t, err)
	require.NoError(t, loop.ForceZeroSpeed(context.Background()))

	calls := act.snapshot()
	require.Len(t, calls, 4)
	assert.Equal(t, []sent{{"A", 0}, {"B", 0}}, calls[2:])
}

func TestVisionPanicDegradesToStop(t *testing.T) {
	t.Parallel()

	src := &sliceSource{frames: []image.Image{&panicImage{}}}
	act := &fakeActuator{}
	loop := newTestLoop(t, src, act, &fakeClock{})

	var tel Telemetry
	var err error
	assert.NotPanics(t, func() {
		tel, err = loop.Tick(context.Background())
	})
	require.NoError(t, err)
	assert.Equal(t, motion.LabelLost, tel.Decision.Label)
	assert.Equal(t, 0, tel.Decision.Speed)
	assert.Nil(t, tel.Mask)
	assert.Equal(t, []sent{{"A", 0}, {"B", 0}}, act.snapshot())
}

// panicImage panics on pixel access but reports sane bounds.
type panicImage struct {
	*image.RGBA
}

func (p *panicImage) Bounds() image.Rectangle { return image.Rect(0, 0, 4, 4) }
func (p *panicImage) At(x, y int) color.Color { panic("sensor glitch") }

func TestSinkPanicDoesNotEscapeTick(t *testing.T) {
	t.Parallel()

	src := &sliceSource{frames: []image.Image{frameWithBlob(300), emptyFrame()}}
	act := &fakeActuator{}
	loop := newTestLoop(t, src, act, &fakeClock{now: time.Unix(0, 0), step: time.Second})

	var after []uint64
	loop.AddSink(SinkFunc(func(Telemetry) { panic("overlay: mat conversion") }))
	loop.AddSink(SinkFunc(func(tel Telemetry) { after = append(after, tel.Seq) }))

	var err error
	assert.NotPanics(t, func() {
		err = loop.Run(context.Background())
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, after, "later sinks still receive every tick")
	assert.True(t, src.closed)
	calls := act.snapshot()
	require.Len(t, calls, 6)
	assert.Equal(t, []sent{{"A", 0}, {"B", 0}}, calls[4:])
}
