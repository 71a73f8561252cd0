package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/open-teleop/blobtracker/domain/diagnostic"
	"github.com/open-teleop/blobtracker/domain/teleop"
	"github.com/open-teleop/blobtracker/domain/tracking"
	"github.com/open-teleop/blobtracker/domain/tuning"
	"github.com/open-teleop/blobtracker/domain/video"
	"github.com/open-teleop/blobtracker/pkg/actuator"
	"github.com/open-teleop/blobtracker/pkg/api"
	"github.com/open-teleop/blobtracker/pkg/capture"
	"github.com/open-teleop/blobtracker/pkg/config"
	customlog "github.com/open-teleop/blobtracker/pkg/log"
	"github.com/open-teleop/blobtracker/pkg/overlay"
	"github.com/open-teleop/blobtracker/pkg/processing"
	"github.com/open-teleop/blobtracker/pkg/telemetry"
	"github.com/open-teleop/blobtracker/pkg/webcam"
	"github.com/open-teleop/blobtracker/pkg/zeromq"
	"github.com/open-teleop/blobtracker/services"
)

// HighGUI windows must be driven from a single OS thread, and the tracking
// loop (which publishes to the window) runs on the main goroutine.
func init() {
	runtime.LockOSThread()
}

func main() {
	configDir := flag.String("config", "config", "directory containing "+config.BootstrapFilename)
	actuatorAddr := flag.String("actuator", "", "motor board address (overrides config)")
	tuningPath := flag.String("tuning", "", "tuning YAML written by the settings dump (overrides config)")
	imageDir := flag.String("image-dir", "", "replay images from a directory instead of the camera")
	videoFile := flag.String("video", "", "replay a video file instead of the camera")
	noWindow := flag.Bool("no-window", false, "run without the overlay window")
	flag.Parse()

	cfg, err := config.LoadBootstrapConfig(*configDir)
	if err != nil {
		log.Fatalf("Failed to load bootstrap configuration: %v", err)
	}
	if *actuatorAddr != "" {
		cfg.Actuator.Address = *actuatorAddr
	}
	if *imageDir != "" {
		cfg.Camera.ImageDir = *imageDir
	}
	if *noWindow {
		cfg.Display.Window = false
	}

	logger, err := customlog.NewLogrusLogger(cfg.Logging.Level, cfg.Logging.LogPath)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	if err := run(cfg, *tuningPath, *videoFile, logger); err != nil {
		logger.Errorf("Tracker exited with error: %v", err)
		os.Exit(1)
	}
	logger.Infof("Tracker exited properly")
}

func run(cfg *config.BootstrapConfig, tuningPath, videoFile string, logger customlog.Logger) error {
	runID := uuid.NewString()
	logger = logger.WithField("run_id", runID)

	store, err := newStore(cfg.Tuning, tuningPath)
	if err != nil {
		return err
	}
	calibration, err := services.NewCalibrationService(store, logger)
	if err != nil {
		return err
	}
	calibration.DumpSettings()

	timeout := time.Duration(cfg.Actuator.TimeoutMs) * time.Millisecond
	board, err := actuator.New(actuator.Settings{
		Transport: cfg.Actuator.Transport,
		Address:   cfg.Actuator.Address,
		Timeout:   timeout,
		Serial: actuator.PortOptions{
			BaudRate: cfg.Actuator.Serial.BaudRate,
			DataBits: cfg.Actuator.Serial.DataBits,
			StopBits: cfg.Actuator.Serial.StopBits,
			Parity:   cfg.Actuator.Serial.Parity,
		},
	}, logger)
	if err != nil {
		return fmt.Errorf("opening actuator: %w", err)
	}
	defer board.Close()

	if cfg.Actuator.Probe {
		probeCtx, cancel := context.WithTimeout(context.Background(), actuator.DefaultProbeTimeout)
		if actuator.ProbeAndWarn(probeCtx, board, logger) {
			logger.Infof("Connected to actuator %s", board)
		}
		cancel()
	}

	source, err := openSource(cfg.Camera, videoFile, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	commander := tracking.NewChannelCommander(board, cfg.Actuator.Channels...)
	logger.Infof("Driving channels %v on %s", commander.Channels(), board)
	loop := tracking.NewLoop(source, store, commander, logger, tracking.Options{
		RunID:           runID,
		DispatchTimeout: timeout,
	})

	diagnostics := diagnostic.NewDiagnosticService(runID, nil)
	preview := video.NewVideoService(cfg.Display.PreviewWidth)
	control := teleop.NewTeleopService(loop, calibration, stop, logger)
	loop.AddSink(diagnostics)
	loop.AddSink(preview)

	hub := api.NewTelemetryHub(logger)
	targets := []processing.Target{{Name: "websocket", Encoding: telemetry.EncodingJSON, Publisher: hub}}

	var bus *zeromq.ZeroMQService
	if cfg.Telemetry.Enabled {
		bus, err = zeromq.NewZeroMQService(zeromq.Settings{
			PublishAddress: cfg.Telemetry.PublishBindAddress,
			RequestAddress: cfg.Telemetry.RequestBindAddress,
		}, logger)
		if err != nil {
			source.Close()
			return fmt.Errorf("starting telemetry bus: %w", err)
		}
		zeromq.RegisterCalibrationHandlers(bus, calibration, logger)
		targets = append(targets, processing.Target{Name: "zeromq", Encoding: telemetry.EncodingFlatBuffers, Publisher: bus})
	}

	pool := processing.NewProcessingPool("telemetry", telemetry.Topic, cfg.Telemetry.Workers, cfg.Telemetry.QueueSize, logger)
	pool.SetProcessor(processing.EncodeTelemetry)
	pool.SetResultHandler(processing.NewLoggingResultHandler(logger, targets...).CreateHandlerFunc())
	pool.Start()
	loop.AddSink(pool)
	diagnostics.WatchQueue(pool)

	if cfg.Display.Window {
		window := overlay.NewWindow("Blob Tracker", true, overlay.Controls{
			Quit: control.Quit,
			Stop: func() {
				// Runs on the loop goroutine, so the stop lands before the next tick.
				control.EmergencyStop(context.Background())
			},
			Settings: control.DumpSettings,
		}, logger)
		defer window.Close()
		loop.AddSink(window)
	}

	app := fiber.New(fiber.Config{
		AppName:               "Blob Tracker",
		ErrorHandler:          api.ErrorHandler,
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(fiberlogger.New())
	api.RegisterControlRoutes(app, api.ControlServices{
		Teleop:      control,
		Diagnostics: diagnostics,
		Video:       preview,
	}, logger)
	api.RegisterCalibrationRoutes(app, calibration, logger)
	api.RegisterTelemetryRoutes(app, hub)

	g, gctx := errgroup.WithContext(ctx)

	addr := fmt.Sprintf(":%d", cfg.Server.HTTPPort)
	g.Go(func() error {
		logger.Infof("HTTP server starting on %s", addr)
		if err := app.Listen(addr); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			logger.Warnf("HTTP server forced to shutdown: %v", err)
		}
		return nil
	})

	if bus != nil {
		if err := bus.Start(); err != nil {
			logger.Warnf("Telemetry bus did not start: %v", err)
		}
		g.Go(func() error {
			<-gctx.Done()
			bus.Stop()
			return nil
		})
	}

	runErr := loop.Run(gctx)

	// Whatever ended the loop, take the servers down with it.
	stop()
	pool.Stop()
	waitErr := g.Wait()

	return errors.Join(runErr, waitErr)
}

func newStore(defaults config.TuningConfig, tuningPath string) (*tuning.Store, error) {
	t := defaults
	if tuningPath != "" {
		loaded, err := config.LoadTuning(tuningPath)
		if err != nil {
			return nil, err
		}
		t = loaded
	}
	colorRange, err := t.ColorRange()
	if err != nil {
		return nil, fmt.Errorf("tuning: %w", err)
	}
	params, err := t.Params()
	if err != nil {
		return nil, fmt.Errorf("tuning: %w", err)
	}
	return tuning.NewStore(colorRange, params)
}

func openSource(cam config.CameraConfig, videoFile string, logger customlog.Logger) (tracking.FrameSource, error) {
	if cam.ImageDir != "" {
		var opts []capture.ImageDirOption
		if cam.Repeat {
			opts = append(opts, capture.Repeat())
		}
		if cam.FPS > 0 {
			opts = append(opts, capture.Pace(time.Second/time.Duration(cam.FPS)))
		}
		src, err := capture.NewImageDir(cam.ImageDir, opts...)
		if err != nil {
			return nil, err
		}
		logger.Infof("Replaying %d images from %s", src.Len(), cam.ImageDir)
		return src, nil
	}

	src, err := webcam.Open(webcam.Settings{
		Device: cam.Device,
		File:   videoFile,
		Width:  cam.Width,
		Height: cam.Height,
		FPS:    cam.FPS,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening camera: %w", err)
	}
	return src, nil
}
