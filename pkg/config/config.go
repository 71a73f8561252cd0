package config

import (
	"fmt"
	"os"
	"time"

	"github.com/open-teleop/blobtracker/domain/tuning"
	"gopkg.in/yaml.v3"
)

// TuningConfig is the startup color range and tracking parameters as they
// appear in YAML. HSV triples are [H, S, V].
type TuningConfig struct {
	Lower             [3]int `yaml:"lower" json:"lower"`
	Upper             [3]int `yaml:"upper" json:"upper"`
	DeadZone          int    `yaml:"dead_zone" json:"dead_zone"`
	BaseSpeed         int    `yaml:"base_speed" json:"base_speed"`
	MaxSpeed          int    `yaml:"max_speed" json:"max_speed"`
	MinSpeed          int    `yaml:"min_speed" json:"min_speed"`
	MinArea           int    `yaml:"min_area" json:"min_area"`
	MaxArea           int    `yaml:"max_area" json:"max_area"`
	CommandIntervalMs int    `yaml:"command_interval_ms" json:"command_interval_ms"`
}

// DefaultTuning mirrors tuning.DefaultColorRange and tuning.DefaultParams.
func DefaultTuning() TuningConfig {
	return FromTuning(tuning.DefaultColorRange(), tuning.DefaultParams())
}

// FromTuning converts committed values back to their YAML form.
func FromTuning(r tuning.ColorRange, p tuning.Params) TuningConfig {
	return TuningConfig{
		Lower:             [3]int{int(r.Lower.H), int(r.Lower.S), int(r.Lower.V)},
		Upper:             [3]int{int(r.Upper.H), int(r.Upper.S), int(r.Upper.V)},
		DeadZone:          p.DeadZone,
		BaseSpeed:         p.BaseSpeed,
		MaxSpeed:          p.MaxSpeed,
		MinSpeed:          p.MinSpeed,
		MinArea:           p.MinArea,
		MaxArea:           p.MaxArea,
		CommandIntervalMs: int(p.CommandInterval / time.Millisecond),
	}
}

// ColorRange converts and validates the configured bounds.
func (t TuningConfig) ColorRange() (tuning.ColorRange, error) {
	lower, err := toHSV("tuning.lower", t.Lower)
	if err != nil {
		return tuning.ColorRange{}, err
	}
	upper, err := toHSV("tuning.upper", t.Upper)
	if err != nil {
		return tuning.ColorRange{}, err
	}
	r := tuning.ColorRange{Lower: lower, Upper: upper}
	if err := r.Validate(); err != nil {
		return tuning.ColorRange{}, err
	}
	return r, nil
}

// Params converts and validates the configured tracking parameters.
func (t TuningConfig) Params() (tuning.Params, error) {
	p := tuning.Params{
		DeadZone:        t.DeadZone,
		BaseSpeed:       t.BaseSpeed,
		MaxSpeed:        t.MaxSpeed,
		MinSpeed:        t.MinSpeed,
		MinArea:         t.MinArea,
		MaxArea:         t.MaxArea,
		CommandInterval: time.Duration(t.CommandIntervalMs) * time.Millisecond,
	}
	if err := p.Validate(); err != nil {
		return tuning.Params{}, err
	}
	return p, nil
}

func toHSV(field string, v [3]int) (tuning.HSV, error) {
	limits := [3]int{tuning.MaxHue, tuning.MaxSaturation, tuning.MaxValue}
	for i, c := range v {
		if c < 0 || c > limits[i] {
			return tuning.HSV{}, &tuning.ValidationError{
				Kind:   tuning.ErrInvalidColorRange,
				Field:  fmt.Sprintf("%s[%d]", field, i),
				Reason: fmt.Sprintf("%d outside [0, %d]", c, limits[i]),
			}
		}
	}
	return tuning.HSV{H: uint8(v[0]), S: uint8(v[1]), V: uint8(v[2])}, nil
}

// LoadTuning reads a standalone tuning YAML file, such as one written by
// MarshalTuning, layered over DefaultTuning.
func LoadTuning(path string) (TuningConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TuningConfig{}, fmt.Errorf("error reading tuning file: %w", err)
	}

	t := DefaultTuning()
	if err := yaml.Unmarshal(data, &t); err != nil {
		return TuningConfig{}, fmt.Errorf("error parsing tuning file: %w", err)
	}
	return t, nil
}

// MarshalTuning renders t as YAML, the format used by the settings dump.
func MarshalTuning(t TuningConfig) ([]byte, error) {
	data, err := yaml.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("error encoding tuning: %w", err)
	}
	return data, nil
}
