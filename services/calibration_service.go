package services

import (
	"fmt"
	"sync"

	"github.com/open-teleop/blobtracker/domain/tuning"
	"github.com/open-teleop/blobtracker/pkg/config"
	customlog "github.com/open-teleop/blobtracker/pkg/log"
)

// ChangePublisher is notified after every successful commit, e.g. to announce
// the new snapshot on the telemetry bus.
type ChangePublisher interface {
	PublishCalibrationChanged(s tuning.Snapshot) error
}

// CalibrationService is the calibration surface shared by the HTTP API, the
// ZeroMQ request socket and the overlay keys. Commits replace the whole value
// and take effect on the next tick.
type CalibrationService interface {
	CommitColorRange(r tuning.ColorRange) (tuning.Snapshot, error)
	EditParams(edit func(current tuning.Params) (tuning.Params, error)) (tuning.Snapshot, error)
	Snapshot() tuning.Snapshot
	SettingsYAML() ([]byte, error)
	DumpSettings()
	SetPublisher(p ChangePublisher)
}

// calibrationService implements CalibrationService over a tuning.Store.
type calibrationService struct {
	store     *tuning.Store
	logger    customlog.Logger
	publisher ChangePublisher
	mu        sync.RWMutex
}

// NewCalibrationService creates a CalibrationService over store.
func NewCalibrationService(store *tuning.Store, logger customlog.Logger) (CalibrationService, error) {
	if store == nil {
		return nil, fmt.Errorf("tuning store cannot be nil")
	}
	if logger == nil {
		logger = customlog.NewDiscardLogger()
	}
	return &calibrationService{
		store:  store,
		logger: logger.WithField("component", "calibration"),
	}, nil
}

// CommitColorRange validates and swaps in r. On rejection the previous range
// stays active and is returned in the snapshot.
func (s *calibrationService) CommitColorRange(r tuning.ColorRange) (tuning.Snapshot, error) {
	snap, err := s.store.CommitColorRange(r)
	if err != nil {
		s.logger.Warnf("Rejected color range %s - %s: %v", r.Lower, r.Upper, err)
		return snap, err
	}
	s.logger.Infof("Color range updated to %s - %s (version %d)", r.Lower, r.Upper, snap.Version)
	s.notify(snap)
	return snap, nil
}

// EditParams derives new parameters from the committed ones and commits them
// atomically. A partial update from one surface cannot undo another's.
func (s *calibrationService) EditParams(edit func(current tuning.Params) (tuning.Params, error)) (tuning.Snapshot, error) {
	snap, err := s.store.EditParams(edit)
	if err != nil {
		s.logger.Warnf("Rejected tracking parameters: %v", err)
		return snap, err
	}
	p := snap.Params
	s.logger.Infof("Tracking parameters updated (version %d): dead_zone=%d base=%d min=%d max=%d area=[%d,%d] interval=%v",
		snap.Version, p.DeadZone, p.BaseSpeed, p.MinSpeed, p.MaxSpeed, p.MinArea, p.MaxArea, p.CommandInterval)
	s.notify(snap)
	return snap, nil
}

func (s *calibrationService) Snapshot() tuning.Snapshot {
	return s.store.Load()
}

// SettingsYAML renders the active values in the tuning file format.
func (s *calibrationService) SettingsYAML() ([]byte, error) {
	snap := s.store.Load()
	return config.MarshalTuning(config.FromTuning(snap.Color, snap.Params))
}

// DumpSettings logs the active values, one line each.
func (s *calibrationService) DumpSettings() {
	snap := s.store.Load()
	s.logger.Infof("Current settings (version %d):", snap.Version)
	s.logger.Infof("  HSV lower: %s", snap.Color.Lower)
	s.logger.Infof("  HSV upper: %s", snap.Color.Upper)
	s.logger.Infof("  Dead zone: %d px", snap.Params.DeadZone)
	s.logger.Infof("  Speeds: base %d, min %d, max %d", snap.Params.BaseSpeed, snap.Params.MinSpeed, snap.Params.MaxSpeed)
	s.logger.Infof("  Area: %d..%d px", snap.Params.MinArea, snap.Params.MaxArea)
	s.logger.Infof("  Command interval: %v", snap.Params.CommandInterval)
}

// SetPublisher injects the change publisher after initialization.
func (s *calibrationService) SetPublisher(p ChangePublisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publisher = p
	s.logger.Infof("ChangePublisher injected into CalibrationService.")
}

func (s *calibrationService) notify(snap tuning.Snapshot) {
	s.mu.RLock()
	p := s.publisher
	s.mu.RUnlock()
	if p == nil {
		return
	}
	// Publish off the caller's goroutine; commits must not wait on the bus.
	go func() {
		if err := p.PublishCalibrationChanged(snap); err != nil {
			s.logger.Warnf("Failed to publish calibration change: %v", err)
		}
	}()
}
