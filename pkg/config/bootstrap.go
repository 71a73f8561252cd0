package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// BootstrapFilename is the file LoadBootstrapConfig reads from the config directory.
const BootstrapFilename = "tracker_config.yaml"

// Environment overrides applied after the file is parsed.
const (
	EnvHTTPPort        = "TRACKER_HTTP_PORT"
	EnvActuatorAddress = "TRACKER_ACTUATOR_ADDRESS"
)

// BootstrapConfig holds the startup configuration loaded from tracker_config.yaml
type BootstrapConfig struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Server    ServerConfig    `yaml:"server"`
	Camera    CameraConfig    `yaml:"camera"`
	Actuator  ActuatorConfig  `yaml:"actuator"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Display   DisplayConfig   `yaml:"display"`
	Tuning    TuningConfig    `yaml:"tuning"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level   string `yaml:"level"`
	LogPath string `yaml:"log_path,omitempty"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	HTTPPort int `yaml:"http_port"`
}

// CameraConfig selects the frame source. ImageDir, when set, replays still
// images instead of opening a device; Repeat loops them until quit.
type CameraConfig struct {
	Device   int    `yaml:"device"`
	Width    int    `yaml:"width"`
	Height   int    `yaml:"height"`
	FPS      int    `yaml:"fps"`
	ImageDir string `yaml:"image_dir,omitempty"`
	Repeat   bool   `yaml:"repeat,omitempty"`
}

// ActuatorConfig describes how motor commands reach the rig.
type ActuatorConfig struct {
	Transport string        `yaml:"transport"` // "http" or "serial"
	Address   string        `yaml:"address"`
	Channels  []string      `yaml:"channels"`
	TimeoutMs int           `yaml:"timeout_ms"`
	Probe     bool          `yaml:"probe"`
	Serial    SerialOptions `yaml:"serial"`
}

// SerialOptions are the line settings used when Transport is "serial".
type SerialOptions struct {
	BaudRate int    `yaml:"baud_rate" json:"baud_rate"`
	DataBits int    `yaml:"data_bits" json:"data_bits"`
	StopBits int    `yaml:"stop_bits" json:"stop_bits"`
	Parity   string `yaml:"parity" json:"parity"`
}

// TelemetryConfig holds ZeroMQ and fan-out pool settings
type TelemetryConfig struct {
	Enabled            bool   `yaml:"enabled"`
	PublishBindAddress string `yaml:"publish_bind_address"`
	RequestBindAddress string `yaml:"request_bind_address"`
	QueueSize          int    `yaml:"queue_size"`
	Workers            int    `yaml:"workers"`
}

// DisplayConfig controls the local overlay window and calibration previews.
type DisplayConfig struct {
	Window       bool `yaml:"window"`
	PreviewWidth int  `yaml:"preview_width"`
}

// Transports accepted in ActuatorConfig.Transport.
const (
	TransportHTTP   = "http"
	TransportSerial = "serial"
)

// DefaultBootstrapConfig returns the configuration used for any field the file omits.
func DefaultBootstrapConfig() BootstrapConfig {
	return BootstrapConfig{
		Logging: LoggingConfig{Level: "info"},
		Server:  ServerConfig{HTTPPort: 8080},
		Camera:  CameraConfig{Device: 0, Width: 640, Height: 480, FPS: 30},
		Actuator: ActuatorConfig{
			Transport: TransportHTTP,
			Address:   "192.168.4.1",
			Channels:  []string{"A", "B"},
			TimeoutMs: 300,
			Probe:     true,
			Serial:    SerialOptions{BaudRate: 115200},
		},
		Telemetry: TelemetryConfig{
			Enabled:            true,
			PublishBindAddress: "tcp://*:5556",
			RequestBindAddress: "tcp://*:5555",
			QueueSize:          64,
			Workers:            2,
		},
		Display: DisplayConfig{Window: true, PreviewWidth: 300},
		Tuning:  DefaultTuning(),
	}
}

// LoadBootstrapConfig loads the bootstrap configuration from tracker_config.yaml
// in configDir, layered over DefaultBootstrapConfig and environment overrides.
func LoadBootstrapConfig(configDir string) (*BootstrapConfig, error) {
	bootstrapConfigPath := filepath.Join(configDir, BootstrapFilename)

	data, err := os.ReadFile(bootstrapConfigPath)
	if err != nil {
		return nil, fmt.Errorf("error reading bootstrap config file '%s': %w", bootstrapConfigPath, err)
	}

	cfg := DefaultBootstrapConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("error parsing bootstrap config file '%s': %w", bootstrapConfigPath, err)
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid bootstrap config '%s': %w", bootstrapConfigPath, err)
	}
	return &cfg, nil
}

// ApplyEnv overrides fields from the environment. lookup is os.LookupEnv in
// production.
func (c *BootstrapConfig) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvHTTPPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvHTTPPort, v, err)
		}
		c.Server.HTTPPort = port
	}
	if v, ok := lookup(EnvActuatorAddress); ok && v != "" {
		c.Actuator.Address = v
	}
	return nil
}

// Validate checks required fields and value ranges.
func (c *BootstrapConfig) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d out of range", c.Server.HTTPPort)
	}
	if c.Camera.ImageDir == "" && (c.Camera.Width <= 0 || c.Camera.Height <= 0) {
		return fmt.Errorf("camera.width and camera.height must be positive")
	}

	c.Actuator.Transport = strings.ToLower(strings.TrimSpace(c.Actuator.Transport))
	switch c.Actuator.Transport {
	case TransportHTTP, TransportSerial:
	default:
		return fmt.Errorf("unsupported actuator.transport %q: expected http or serial", c.Actuator.Transport)
	}
	if c.Actuator.Address == "" {
		return fmt.Errorf("missing required field in bootstrap config: actuator.address")
	}
	if len(c.Actuator.Channels) == 0 {
		return fmt.Errorf("missing required field in bootstrap config: actuator.channels")
	}
	if c.Actuator.TimeoutMs <= 0 {
		return fmt.Errorf("actuator.timeout_ms must be positive")
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.PublishBindAddress == "" {
			return fmt.Errorf("missing required field in bootstrap config: telemetry.publish_bind_address")
		}
		if c.Telemetry.RequestBindAddress == "" {
			return fmt.Errorf("missing required field in bootstrap config: telemetry.request_bind_address")
		}
	}
	if c.Display.PreviewWidth <= 0 {
		return fmt.Errorf("display.preview_width must be positive")
	}

	if _, err := c.Tuning.ColorRange(); err != nil {
		return err
	}
	if _, err := c.Tuning.Params(); err != nil {
		return err
	}
	return nil
}
