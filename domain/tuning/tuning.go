// Package tuning holds the mutable tracking configuration: the HSV color range
// used for segmentation and the motion/gating parameters. Values are replaced
// whole through a Store so a tick never observes a half-applied update.
package tuning

import (
	"errors"
	"fmt"
	"time"
)

// Upper limits of the 8-bit HSV representation (OpenCV convention).
const (
	MaxHue        = 179
	MaxSaturation = 255
	MaxValue      = 255

	// MaxMotorSpeed is the largest magnitude the actuator firmware accepts.
	MaxMotorSpeed = 255
)

var (
	// ErrInvalidColorRange is returned when a committed range violates lower <= upper
	// or exceeds the channel limits.
	ErrInvalidColorRange = errors.New("invalid color range")
	// ErrInvalidParams is returned when tracking parameters violate their ordering rules.
	ErrInvalidParams = errors.New("invalid tracking parameters")
)

// ValidationError describes which field failed validation. It unwraps to
// ErrInvalidColorRange or ErrInvalidParams.
type ValidationError struct {
	Kind   error
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s %s", e.Kind, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Kind
}

// HSV is one hue/saturation/value triple.
type HSV struct {
	H uint8 `yaml:"h" json:"h"`
	S uint8 `yaml:"s" json:"s"`
	V uint8 `yaml:"v" json:"v"`
}

// Array returns the triple as [h, s, v].
func (c HSV) Array() [3]uint8 {
	return [3]uint8{c.H, c.S, c.V}
}

func (c HSV) String() string {
	return fmt.Sprintf("[%d, %d, %d]", c.H, c.S, c.V)
}

// ColorRange is the inclusive per-channel HSV window that marks foreground pixels.
type ColorRange struct {
	Lower HSV `yaml:"lower" json:"lower"`
	Upper HSV `yaml:"upper" json:"upper"`
}

// DefaultColorRange is the green range the tracker starts with.
func DefaultColorRange() ColorRange {
	return ColorRange{
		Lower: HSV{H: 34, S: 64, V: 143},
		Upper: HSV{H: 66, S: 146, V: 255},
	}
}

// Contains reports whether the pixel lies inside the range on every channel.
func (r ColorRange) Contains(h, s, v uint8) bool {
	return h >= r.Lower.H && h <= r.Upper.H &&
		s >= r.Lower.S && s <= r.Upper.S &&
		v >= r.Lower.V && v <= r.Upper.V
}

// Validate checks lower <= upper per channel and the hue limit.
func (r ColorRange) Validate() error {
	names := [3]string{"hue", "saturation", "value"}
	lower, upper := r.Lower.Array(), r.Upper.Array()
	for i := range names {
		if lower[i] > upper[i] {
			return &ValidationError{
				Kind:   ErrInvalidColorRange,
				Field:  names[i],
				Reason: fmt.Sprintf("lower %d is greater than upper %d", lower[i], upper[i]),
			}
		}
	}
	if r.Upper.H > MaxHue {
		return &ValidationError{
			Kind:   ErrInvalidColorRange,
			Field:  "hue",
			Reason: fmt.Sprintf("upper %d exceeds %d", r.Upper.H, MaxHue),
		}
	}
	return nil
}

// Params are the motion and gating parameters read by the policy and the gate.
type Params struct {
	DeadZone        int           `yaml:"dead_zone" json:"dead_zone"`
	BaseSpeed       int           `yaml:"base_speed" json:"base_speed"`
	MaxSpeed        int           `yaml:"max_speed" json:"max_speed"`
	MinSpeed        int           `yaml:"min_speed" json:"min_speed"`
	MinArea         int           `yaml:"min_area" json:"min_area"`
	MaxArea         int           `yaml:"max_area" json:"max_area"`
	CommandInterval time.Duration `yaml:"command_interval" json:"command_interval"`
}

// DefaultParams returns the stock tuning.
func DefaultParams() Params {
	return Params{
		DeadZone:        30,
		BaseSpeed:       100,
		MaxSpeed:        255,
		MinSpeed:        180,
		MinArea:         500,
		MaxArea:         50000,
		CommandInterval: 50 * time.Millisecond,
	}
}

// Validate enforces the ordering constraints between parameters.
func (p Params) Validate() error {
	invalid := func(field, reason string) error {
		return &ValidationError{Kind: ErrInvalidParams, Field: field, Reason: reason}
	}

	switch {
	case p.DeadZone < 0:
		return invalid("dead_zone", "must not be negative")
	case p.BaseSpeed < 0:
		return invalid("base_speed", "must not be negative")
	case p.MinSpeed < 0:
		return invalid("min_speed", "must not be negative")
	case p.MaxSpeed > MaxMotorSpeed:
		return invalid("max_speed", fmt.Sprintf("must not exceed %d", MaxMotorSpeed))
	case p.MinSpeed > p.MaxSpeed:
		return invalid("min_speed", fmt.Sprintf("%d is greater than max_speed %d", p.MinSpeed, p.MaxSpeed))
	case p.MinArea < 0:
		return invalid("min_area", "must not be negative")
	case p.MinArea >= p.MaxArea:
		return invalid("min_area", fmt.Sprintf("%d must be less than max_area %d", p.MinArea, p.MaxArea))
	case p.CommandInterval <= 0:
		return invalid("command_interval", "must be positive")
	}
	return nil
}
