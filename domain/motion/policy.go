// Package motion maps the tracked object's vertical offset to a signed motor speed.
package motion

import (
	"fmt"
	"math"

	"github.com/open-teleop/blobtracker/domain/tuning"
	"github.com/open-teleop/blobtracker/domain/vision"
)

// Status labels reported with every decision.
const (
	LabelLost     = "lost-tracking"
	LabelCentered = "centered"
	LabelForward  = "forward"
	LabelBackward = "backward"
)

// SaturationFraction is the share of the frame height at which the offset
// produces full speed.
const SaturationFraction = 0.4

// Decision is the output of Decide for one frame.
type Decision struct {
	// Speed is positive when the object is below center (drive forward) and
	// negative when it is above center (drive backward).
	Speed int    `json:"speed"`
	Label string `json:"label"`
	// Error is the object's y minus the frame's center y, zero when lost.
	Error int `json:"error"`
	// Factor is the normalized offset in [0, 1] used for the speed ramp.
	Factor float64 `json:"factor"`
}

// Status renders the decision as operator-facing text.
func (d Decision) Status() string {
	switch d.Label {
	case LabelLost:
		return "STOP - Lost tracking"
	case LabelCentered:
		return "CENTERED - In dead zone"
	case LabelForward:
		return fmt.Sprintf("FORWARD %d - Object below (Err: +%dpx)", d.Speed, d.Error)
	case LabelBackward:
		return fmt.Sprintf("BACKWARD %d - Object above (Err: %dpx)", -d.Speed, d.Error)
	}
	return d.Label
}

// Decide computes the speed command for obs in a frame of the given height.
// The sign convention is fixed: positive speed means the object is below the
// frame center. Inverting it turns the loop into positive feedback.
func Decide(obs *vision.Observation, frameHeight int, p tuning.Params) Decision {
	if obs == nil {
		return Decision{Label: LabelLost}
	}

	centerY := frameHeight / 2
	errY := obs.Position.Y - centerY
	magnitude := errY
	if magnitude < 0 {
		magnitude = -magnitude
	}

	// A zero error is centered even with a zero-width dead zone. This
	// deliberately differs from falling through to backward at min speed.
	if magnitude < p.DeadZone || errY == 0 {
		return Decision{Label: LabelCentered, Error: errY}
	}

	factor := 1.0
	if saturation := float64(frameHeight) * SaturationFraction; saturation > 0 {
		factor = math.Min(float64(magnitude)/saturation, 1.0)
	}

	speed := int(float64(p.BaseSpeed) + float64(p.MaxSpeed-p.BaseSpeed)*factor)
	speed = max(p.MinSpeed, min(speed, p.MaxSpeed))

	if errY > 0 {
		return Decision{Speed: speed, Label: LabelForward, Error: errY, Factor: factor}
	}
	return Decision{Speed: -speed, Label: LabelBackward, Error: errY, Factor: factor}
}
