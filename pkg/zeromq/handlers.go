package zeromq

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/open-teleop/blobtracker/domain/tuning"
	"github.com/open-teleop/blobtracker/pkg/config"
	customlog "github.com/open-teleop/blobtracker/pkg/log"
	"github.com/open-teleop/blobtracker/services"
)

// CalibrationData is the payload of CALIBRATION and CALIBRATION_CHANGED.
type CalibrationData struct {
	Version uint64              `json:"version"`
	Tuning  config.TuningConfig `json:"tuning"`
}

// ColorRangeData is the payload of SET_COLOR_RANGE. Triples are [H, S, V].
type ColorRangeData struct {
	Lower [3]int `json:"lower"`
	Upper [3]int `json:"upper"`
}

type request struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// CalibrationHandler serves the calibration request types
type CalibrationHandler struct {
	calibration services.CalibrationService
	logger      customlog.Logger
	now         func() time.Time
}

// NewCalibrationHandler creates a handler backed by calibration
func NewCalibrationHandler(calibration services.CalibrationService, logger customlog.Logger) *CalibrationHandler {
	if logger == nil {
		logger = customlog.NewDiscardLogger()
	}
	return &CalibrationHandler{
		calibration: calibration,
		logger:      logger,
		now:         time.Now,
	}
}

// HandleMessage answers GET_CALIBRATION, SET_COLOR_RANGE and SET_PARAMS with
// the resulting calibration. A rejected commit returns the validation error
// and leaves the active values unchanged.
func (h *CalibrationHandler) HandleMessage(data []byte) ([]byte, error) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	var (
		snap tuning.Snapshot
		err  error
	)
	switch req.Type {
	case MsgTypeGetCalibration:
		snap = h.calibration.Snapshot()
	case MsgTypeSetColorRange:
		snap, err = h.setColorRange(req.Data)
	case MsgTypeSetParams:
		snap, err = h.setParams(req.Data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessageType, req.Type)
	}
	if err != nil {
		return nil, err
	}

	h.logger.Debugf("Answering %s with calibration version %d", req.Type, snap.Version)
	return h.reply(MsgTypeCalibration, calibrationData(snap))
}

func (h *CalibrationHandler) setColorRange(raw json.RawMessage) (tuning.Snapshot, error) {
	if len(raw) == 0 {
		return tuning.Snapshot{}, fmt.Errorf("%w: %s requires data", ErrInvalidMessage, MsgTypeSetColorRange)
	}
	var body ColorRangeData
	if err := json.Unmarshal(raw, &body); err != nil {
		return tuning.Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	r, err := config.TuningConfig{Lower: body.Lower, Upper: body.Upper}.ColorRange()
	if err != nil {
		return tuning.Snapshot{}, err
	}
	return h.calibration.CommitColorRange(r)
}

// setParams overlays the supplied fields on the active parameters, so a
// client may send only what it changes.
func (h *CalibrationHandler) setParams(raw json.RawMessage) (tuning.Snapshot, error) {
	if len(raw) == 0 {
		return tuning.Snapshot{}, fmt.Errorf("%w: %s requires data", ErrInvalidMessage, MsgTypeSetParams)
	}
	return h.calibration.EditParams(func(current tuning.Params) (tuning.Params, error) {
		body := config.FromTuning(tuning.ColorRange{}, current)
		if err := json.Unmarshal(raw, &body); err != nil {
			return current, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return body.Params()
	})
}

func (h *CalibrationHandler) reply(msgType string, data interface{}) ([]byte, error) {
	responseData, err := json.Marshal(ZeroMQMessage{
		Type:      msgType,
		Timestamp: unixSeconds(h.now()),
		Data:      data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize response: %w", err)
	}
	return responseData, nil
}

func calibrationData(snap tuning.Snapshot) CalibrationData {
	return CalibrationData{
		Version: snap.Version,
		Tuning:  config.FromTuning(snap.Color, snap.Params),
	}
}

// errorReply renders err as an ERROR envelope. Client mistakes get 400.
func errorReply(err error, now time.Time) []byte {
	code := 500
	var verr *tuning.ValidationError
	if errors.As(err, &verr) || errors.Is(err, ErrInvalidMessage) || errors.Is(err, ErrUnknownMessageType) {
		code = 400
	}
	data, marshalErr := json.Marshal(ZeroMQMessage{
		Type:      MsgTypeError,
		Timestamp: unixSeconds(now),
		Data:      ErrorResponse{Message: err.Error(), Code: code},
	})
	if marshalErr != nil {
		// Only reachable with a broken encoder; REP still owes an answer.
		return []byte(`{"type":"ERROR","data":{"message":"internal error","code":500}}`)
	}
	return data
}
