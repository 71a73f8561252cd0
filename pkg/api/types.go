package api

import (
	"github.com/open-teleop/blobtracker/domain/tuning"
	"github.com/open-teleop/blobtracker/pkg/config"
)

// --- Data Structures for the calibration API ---

// ColorRangeBody is the PUT body for the color range. Triples are [H, S, V].
type ColorRangeBody struct {
	Lower [3]int `json:"lower"`
	Upper [3]int `json:"upper"`
}

// ColorRangeResponse is the active color range and the tuning version it belongs to.
type ColorRangeResponse struct {
	Version uint64 `json:"version"`
	ColorRangeBody
}

// ParamsBody mirrors tuning.Params with the interval in milliseconds.
type ParamsBody struct {
	DeadZone          int `json:"dead_zone"`
	BaseSpeed         int `json:"base_speed"`
	MaxSpeed          int `json:"max_speed"`
	MinSpeed          int `json:"min_speed"`
	MinArea           int `json:"min_area"`
	MaxArea           int `json:"max_area"`
	CommandIntervalMs int `json:"command_interval_ms"`
}

// ParamsResponse is the active parameters and the tuning version they belong to.
type ParamsResponse struct {
	Version uint64 `json:"version"`
	ParamsBody
}

// CalibrationResponse is the whole active tuning.
type CalibrationResponse struct {
	Version uint64              `json:"version"`
	Tuning  config.TuningConfig `json:"tuning"`
}

func newColorRangeResponse(s tuning.Snapshot) ColorRangeResponse {
	t := config.FromTuning(s.Color, s.Params)
	return ColorRangeResponse{
		Version:        s.Version,
		ColorRangeBody: ColorRangeBody{Lower: t.Lower, Upper: t.Upper},
	}
}

func newParamsBody(p tuning.Params) ParamsBody {
	t := config.FromTuning(tuning.ColorRange{}, p)
	return ParamsBody{
		DeadZone:          t.DeadZone,
		BaseSpeed:         t.BaseSpeed,
		MaxSpeed:          t.MaxSpeed,
		MinSpeed:          t.MinSpeed,
		MinArea:           t.MinArea,
		MaxArea:           t.MaxArea,
		CommandIntervalMs: t.CommandIntervalMs,
	}
}

func newParamsResponse(s tuning.Snapshot) ParamsResponse {
	return ParamsResponse{Version: s.Version, ParamsBody: newParamsBody(s.Params)}
}

func (b ColorRangeBody) toColorRange() (tuning.ColorRange, error) {
	return config.TuningConfig{Lower: b.Lower, Upper: b.Upper}.ColorRange()
}

func (b ParamsBody) toParams() (tuning.Params, error) {
	return config.TuningConfig{
		DeadZone:          b.DeadZone,
		BaseSpeed:         b.BaseSpeed,
		MaxSpeed:          b.MaxSpeed,
		MinSpeed:          b.MinSpeed,
		MinArea:           b.MinArea,
		MaxArea:           b.MaxArea,
		CommandIntervalMs: b.CommandIntervalMs,
	}.Params()
}
