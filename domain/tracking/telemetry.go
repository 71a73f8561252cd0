package tracking

import (
	"image"
	"time"

	"github.com/open-teleop/blobtracker/domain/motion"
	"github.com/open-teleop/blobtracker/domain/tuning"
	"github.com/open-teleop/blobtracker/domain/vision"
)

// Telemetry is emitted once per tick for presentation layers.
type Telemetry struct {
	RunID       string              `json:"run_id"`
	Seq         uint64              `json:"seq"`
	Time        time.Time           `json:"time"`
	FrameWidth  int                 `json:"frame_width"`
	FrameHeight int                 `json:"frame_height"`
	Observation *vision.Observation `json:"observation,omitempty"`
	Decision    motion.Decision     `json:"decision"`
	Status      string              `json:"status"`
	ColorRange  tuning.ColorRange   `json:"color_range"`
	DeadZone    int                 `json:"dead_zone"`

	// Dispatched is true when the gate attempted a send this tick.
	Dispatched    bool   `json:"dispatched"`
	DispatchError string `json:"dispatch_error,omitempty"`

	// LostFrames counts consecutive ticks without an observation. It is
	// informational only and never delays a stop.
	LostFrames int `json:"lost_frames"`

	TickDuration time.Duration `json:"tick_duration_ns"`

	Frame image.Image `json:"-"`
	Mask  *image.Gray `json:"-"`
}

// TelemetrySink receives every tick's telemetry. Publish runs on the tick, so
// slow sinks must hand off to their own goroutines.
type TelemetrySink interface {
	Publish(t Telemetry)
}

// SinkFunc adapts a function to TelemetrySink.
type SinkFunc func(t Telemetry)

// Publish calls f.
func (f SinkFunc) Publish(t Telemetry) {
	f(t)
}
