package teleop

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/open-teleop/blobtracker/domain/tuning"
	"github.com/open-teleop/blobtracker/pkg/config"
	customlog "github.com/open-teleop/blobtracker/pkg/log"
)

// Stopper sends an immediate zero speed, bypassing the command gate.
type Stopper interface {
	ForceZeroSpeed(ctx context.Context) error
}

// SettingsSource exposes the active tuning for the settings dump.
type SettingsSource interface {
	Snapshot() tuning.Snapshot
	SettingsYAML() ([]byte, error)
	DumpSettings()
}

// StopResult is the outcome of an emergency stop.
type StopResult struct {
	Time      time.Time `json:"time"`
	Delivered bool      `json:"delivered"`
	Error     string    `json:"error,omitempty"`
}

// TeleopService handles operator controls: emergency stop, settings dump and quit.
// The tracking loop keeps running after a stop and will resume commanding on
// its next eligible tick.
type TeleopService struct {
	stopper  Stopper
	settings SettingsSource
	quit     context.CancelFunc
	logger   customlog.Logger

	mu       sync.Mutex
	lastStop *StopResult
}

// NewTeleopService creates a new teleop service instance. quit cancels the
// run and may be nil.
func NewTeleopService(stopper Stopper, settings SettingsSource, quit context.CancelFunc, logger customlog.Logger) *TeleopService {
	if logger == nil {
		logger = customlog.NewDiscardLogger()
	}
	return &TeleopService{
		stopper:  stopper,
		settings: settings,
		quit:     quit,
		logger:   logger.WithField("component", "control"),
	}
}

// EmergencyStop commands zero speed on every channel now.
func (s *TeleopService) EmergencyStop(ctx context.Context) StopResult {
	s.logger.Warnf("Emergency stop requested")
	res := StopResult{Time: time.Now(), Delivered: true}
	if err := s.stopper.ForceZeroSpeed(ctx); err != nil {
		res.Delivered = false
		res.Error = err.Error()
	}
	s.mu.Lock()
	s.lastStop = &res
	s.mu.Unlock()
	return res
}

// LastStop returns the most recent emergency stop, if any.
func (s *TeleopService) LastStop() (StopResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastStop == nil {
		return StopResult{}, false
	}
	return *s.lastStop, true
}

// DumpSettings logs the active tuning.
func (s *TeleopService) DumpSettings() {
	s.settings.DumpSettings()
}

// Quit cancels the run, which triggers the shutdown sequence.
func (s *TeleopService) Quit() {
	s.logger.Infof("Quit requested")
	if s.quit != nil {
		s.quit()
	}
}

// StopHandler handles POST /api/v1/control/stop
func (s *TeleopService) StopHandler(c *fiber.Ctx) error {
	res := s.EmergencyStop(c.UserContext())
	if !res.Delivered {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": res.Error,
			"stop":  res,
		})
	}
	return c.JSON(fiber.Map{
		"status": "stopped",
		"stop":   res,
	})
}

// SettingsResponse is the JSON settings dump. Tuning uses the same field names
// as the tuning file and the calibration API.
type SettingsResponse struct {
	Version  uint64              `json:"version"`
	Tuning   config.TuningConfig `json:"tuning"`
	LastStop *StopResult         `json:"last_stop,omitempty"`
}

// SettingsHandler handles GET /api/v1/control/settings. ?format=yaml returns
// the tuning file format.
func (s *TeleopService) SettingsHandler(c *fiber.Ctx) error {
	s.settings.DumpSettings()
	if c.Query("format") == "yaml" {
		data, err := s.settings.SettingsYAML()
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		c.Set(fiber.HeaderContentType, "application/x-yaml")
		return c.Send(data)
	}

	snap := s.settings.Snapshot()
	resp := SettingsResponse{
		Version: snap.Version,
		Tuning:  config.FromTuning(snap.Color, snap.Params),
	}
	if last, ok := s.LastStop(); ok {
		resp.LastStop = &last
	}
	return c.JSON(resp)
}
