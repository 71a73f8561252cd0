package processing

import (
	"fmt"

	"github.com/open-teleop/blobtracker/domain/tracking"
	customlog "github.com/open-teleop/blobtracker/pkg/log"
	"github.com/open-teleop/blobtracker/pkg/telemetry"
)

// MessagePublisher defines the interface for publishing messages
type MessagePublisher interface {
	PublishMessage(topic string, data []byte) error
}

// Target routes one encoding to one publisher.
type Target struct {
	Name      string
	Encoding  string
	Publisher MessagePublisher
}

// EncodeTelemetry is the default TelemetryProcessor. It produces every
// encoding the targets may ask for.
func EncodeTelemetry(t tracking.Telemetry) (map[string][]byte, error) {
	jsonData, err := telemetry.EncodeJSON(t)
	if err != nil {
		return nil, fmt.Errorf("json encode: %w", err)
	}
	return map[string][]byte{
		telemetry.EncodingFlatBuffers: telemetry.Encode(t),
		telemetry.EncodingJSON:        jsonData,
	}, nil
}

// LoggingResultHandler logs processing results and publishes them to each target
type LoggingResultHandler struct {
	logger  customlog.Logger
	targets []Target
}

// NewLoggingResultHandler creates a new logging result handler
func NewLoggingResultHandler(logger customlog.Logger, targets ...Target) *LoggingResultHandler {
	if logger == nil {
		logger = customlog.NewDiscardLogger()
	}
	return &LoggingResultHandler{
		logger:  logger,
		targets: targets,
	}
}

// HandleResult handles a processed telemetry result
func (h *LoggingResultHandler) HandleResult(result *ProcessResult) {
	if result.Error != nil {
		h.logger.Errorf("Error processing telemetry %d for topic '%s': %v", result.Seq, result.Topic, result.Error)
		return
	}

	for _, target := range h.targets {
		data, ok := result.Payloads[target.Encoding]
		if !ok {
			h.logger.Warnf("No %s payload for target %s", target.Encoding, target.Name)
			continue
		}
		if err := target.Publisher.PublishMessage(result.Topic, data); err != nil {
			h.logger.Debugf("Failed to publish telemetry %d to %s: %v", result.Seq, target.Name, err)
			continue
		}
	}
	h.logger.Debugf("Published telemetry %d on '%s' to %d targets", result.Seq, result.Topic, len(h.targets))
}

// CreateHandlerFunc creates a ResultHandler function for the ProcessingPool
func (h *LoggingResultHandler) CreateHandlerFunc() ResultHandler {
	return func(processResult *ProcessResult) {
		if processResult == nil {
			h.logger.Errorf("Received nil ProcessResult")
			return
		}
		h.HandleResult(processResult)
	}
}
