package zeromq

import (
	"github.com/open-teleop/blobtracker/domain/tuning"
	customlog "github.com/open-teleop/blobtracker/pkg/log"
	"github.com/open-teleop/blobtracker/services"
)

// CalibrationTopic carries CALIBRATION_CHANGED notifications.
const CalibrationTopic = "tracker.calibration"

// jsonPublisher is the part of ZeroMQService the CalibrationPublisher needs.
type jsonPublisher interface {
	PublishJSON(topic, msgType string, data interface{}) error
}

// CalibrationPublisher announces committed calibration changes to subscribers
type CalibrationPublisher struct {
	bus    jsonPublisher
	logger customlog.Logger
}

// NewCalibrationPublisher creates a new publisher for calibration updates
func NewCalibrationPublisher(bus jsonPublisher, logger customlog.Logger) *CalibrationPublisher {
	if logger == nil {
		logger = customlog.NewDiscardLogger()
	}
	return &CalibrationPublisher{bus: bus, logger: logger}
}

// PublishCalibrationChanged implements services.ChangePublisher.
func (p *CalibrationPublisher) PublishCalibrationChanged(snap tuning.Snapshot) error {
	p.logger.Debugf("Publishing calibration change (version %d)", snap.Version)
	return p.bus.PublishJSON(CalibrationTopic, MsgTypeCalibrationChanged, calibrationData(snap))
}

// RegisterCalibrationHandlers wires the request types to calibration and
// returns a publisher for its change notifications.
func RegisterCalibrationHandlers(service *ZeroMQService, calibration services.CalibrationService, logger customlog.Logger) *CalibrationPublisher {
	handler := NewCalibrationHandler(calibration, logger)
	for _, t := range []string{MsgTypeGetCalibration, MsgTypeSetColorRange, MsgTypeSetParams} {
		service.RegisterHandler(t, handler)
	}

	publisher := NewCalibrationPublisher(service, logger)
	calibration.SetPublisher(publisher)

	logger.Infof("Registered calibration handlers and publisher")
	return publisher
}
