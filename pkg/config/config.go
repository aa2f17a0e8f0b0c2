// Package config provides configuration management for CamGate.
// It loads configuration from YAML files with sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Default filesystem locations. Overridable via the Paths section.
const (
	DefaultConfigPath    = "/etc/camgate/config.yaml"
	DefaultUsersDir      = "/etc/camgate/users"
	DefaultModelsDir     = "/etc/camgate/models"
	DefaultSocketPath    = "/run/camgate/socket"
	DefaultIREmitterPath = "/usr/local/bin/linux-enable-ir-emitter"
)

// Policy names accepted in the auth section.
const (
	PolicyStrict   = "strict"
	PolicyLenient  = "lenient"
	PolicyAdaptive = "adaptive"
)

// Config holds all CamGate configuration.
type Config struct {
	Auth        AuthConfig         `yaml:"auth"`
	Capture     CaptureConfig      `yaml:"capture"`
	Cameras     []CameraDefinition `yaml:"cameras"`
	Hardware    HardwareConfig     `yaml:"hardware"`
	Storage     StorageConfig      `yaml:"storage"`
	Paths       PathsConfig        `yaml:"paths"`
	Performance PerformanceConfig  `yaml:"performance"`
	Logging     LoggingConfig      `yaml:"logging"`
}

// AuthConfig holds the decision policy and its thresholds.
type AuthConfig struct {
	// Threshold is the minimum cosine similarity for a camera to match.
	Threshold float64 `yaml:"threshold"`
	// DetectionThreshold is the face-detector confidence gate.
	DetectionThreshold float64 `yaml:"detection_threshold"`
	// Policy is one of strict, lenient, adaptive.
	Policy string `yaml:"policy"`
	// MaxEmbeddings caps labeled entries per camera type. 0 = unlimited.
	MaxEmbeddings int `yaml:"max_embeddings"`
	// TimeoutMS is advisory for remote callers; the engine itself only
	// bounds waits through capture retry ceilings.
	TimeoutMS int `yaml:"timeout_ms"`
}

// CaptureConfig holds global capture tuning. Per-camera overrides win.
type CaptureConfig struct {
	EnrollHDR           string `yaml:"enroll_hdr"` // auto | on | off
	EnrollAveraging     bool   `yaml:"enroll_averaging"`
	EnrollAverageFrames int    `yaml:"enroll_average_frames"`
	VerifyAveraging     bool   `yaml:"verify_averaging"`
	VerifyAverageFrames int    `yaml:"verify_average_frames"`
}

// CameraDefinition describes one configured camera. Immutable after load.
type CameraDefinition struct {
	ID            string `yaml:"id"`
	Path          string `yaml:"path"`
	Type          string `yaml:"type"` // ir | rgb | generic
	MinBrightness int    `yaml:"min_brightness"`
	// Mandatory governs failure severity under the adaptive policy.
	Mandatory bool `yaml:"mandatory"`

	// Per-camera enrollment capture overrides. Empty/zero = inherit global.
	EnrollHDR           string `yaml:"enroll_hdr"`
	EnrollAveraging     string `yaml:"enroll_averaging"` // "" | on | off
	EnrollAverageFrames int    `yaml:"enroll_average_frames"`
}

// HardwareConfig holds inference backend selection.
type HardwareConfig struct {
	// ProviderPriority is tried in order; first usable backend wins.
	ProviderPriority []string `yaml:"provider_priority"`
}

// StorageConfig holds embedding store settings.
type StorageConfig struct {
	SaveSuccessImages bool   `yaml:"save_success_images"`
	SaveFailImages    bool   `yaml:"save_fail_images"`
	EncryptionEnabled bool   `yaml:"encryption_enabled"`
	LogDir            string `yaml:"log_dir"`
}

// PathsConfig holds filesystem locations.
type PathsConfig struct {
	UsersDir      string `yaml:"users_dir"`
	ModelsDir     string `yaml:"models_dir"`
	SocketPath    string `yaml:"socket_path"`
	IREmitterPath string `yaml:"ir_emitter_path"`
}

// PerformanceConfig holds the model keep-alive setting.
type PerformanceConfig struct {
	// ModelKeepAliveSec unloads idle models after this many seconds.
	// 0 keeps them loaded for the process lifetime.
	ModelKeepAliveSec int `yaml:"model_keep_alive_sec"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Auth: AuthConfig{
			Threshold:          0.363,
			DetectionThreshold: 0.9,
			Policy:             PolicyAdaptive,
			MaxEmbeddings:      5,
			TimeoutMS:          3000,
		},
		Capture: CaptureConfig{
			EnrollHDR:           "auto",
			EnrollAveraging:     true,
			EnrollAverageFrames: 5,
			VerifyAveraging:     false,
			VerifyAverageFrames: 3,
		},
		Hardware: HardwareConfig{
			ProviderPriority: []string{"OpenCL", "OpenVINO", "CUDA", "CPU"},
		},
		Storage: StorageConfig{
			LogDir: "/var/log/camgate",
		},
		Paths: PathsConfig{
			UsersDir:      DefaultUsersDir,
			ModelsDir:     DefaultModelsDir,
			SocketPath:    DefaultSocketPath,
			IREmitterPath: DefaultIREmitterPath,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from the specified file, on top of defaults.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return config, err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return config, fmt.Errorf("parse config: %w", err)
	}

	return config, nil
}

// LoadDefault loads the system configuration if present, else defaults.
// Missing files are not an error: the engine auto-detects cameras when
// none are configured.
func LoadDefault() (*Config, error) {
	if _, err := os.Stat(DefaultConfigPath); err == nil {
		return Load(DefaultConfigPath)
	}
	return DefaultConfig(), nil
}

// Validate checks the configuration for out-of-range values.
func (c *Config) Validate() error {
	if c.Auth.Threshold < 0 || c.Auth.Threshold > 1 {
		return fmt.Errorf("auth.threshold must be between 0 and 1, got %f", c.Auth.Threshold)
	}
	if c.Auth.DetectionThreshold < 0 || c.Auth.DetectionThreshold > 1 {
		return fmt.Errorf("auth.detection_threshold must be between 0 and 1, got %f", c.Auth.DetectionThreshold)
	}
	switch c.Auth.Policy {
	case PolicyStrict, PolicyLenient, PolicyAdaptive:
	default:
		return fmt.Errorf("auth.policy must be strict, lenient or adaptive, got %q", c.Auth.Policy)
	}
	if c.Auth.MaxEmbeddings < 0 {
		return fmt.Errorf("auth.max_embeddings must not be negative, got %d", c.Auth.MaxEmbeddings)
	}
	if c.Capture.EnrollAverageFrames <= 0 {
		return fmt.Errorf("capture.enroll_average_frames must be positive, got %d", c.Capture.EnrollAverageFrames)
	}
	if c.Capture.VerifyAverageFrames <= 0 {
		return fmt.Errorf("capture.verify_average_frames must be positive, got %d", c.Capture.VerifyAverageFrames)
	}
	switch c.Capture.EnrollHDR {
	case "auto", "on", "off":
	default:
		return fmt.Errorf("capture.enroll_hdr must be auto, on or off, got %q", c.Capture.EnrollHDR)
	}

	seen := make(map[string]bool, len(c.Cameras))
	for i := range c.Cameras {
		cam := &c.Cameras[i]
		if cam.ID == "" {
			return fmt.Errorf("cameras[%d]: id is required", i)
		}
		if seen[cam.ID] {
			return fmt.Errorf("cameras[%d]: duplicate id %q", i, cam.ID)
		}
		seen[cam.ID] = true
		if cam.Path == "" {
			return fmt.Errorf("camera %s: path is required", cam.ID)
		}
		switch cam.Type {
		case "ir", "rgb", "generic":
		default:
			return fmt.Errorf("camera %s: type must be ir, rgb or generic, got %q", cam.ID, cam.Type)
		}
		switch cam.EnrollHDR {
		case "", "auto", "on", "off":
		default:
			return fmt.Errorf("camera %s: enroll_hdr must be auto, on or off, got %q", cam.ID, cam.EnrollHDR)
		}
		switch cam.EnrollAveraging {
		case "", "on", "off":
		default:
			return fmt.Errorf("camera %s: enroll_averaging must be on or off, got %q", cam.ID, cam.EnrollAveraging)
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// EnsureDirectories creates the directories the daemon writes to.
func (c *Config) EnsureDirectories() error {
	if err := os.MkdirAll(c.Paths.UsersDir, 0700); err != nil {
		return fmt.Errorf("create users directory: %w", err)
	}
	if socketDir := filepath.Dir(c.Paths.SocketPath); socketDir != "." {
		if err := os.MkdirAll(socketDir, 0755); err != nil {
			return fmt.Errorf("create socket directory: %w", err)
		}
	}
	if c.Storage.SaveSuccessImages || c.Storage.SaveFailImages {
		if err := os.MkdirAll(c.Storage.LogDir, 0700); err != nil {
			return fmt.Errorf("create image log directory: %w", err)
		}
	}
	if c.Logging.File != "" {
		if err := os.MkdirAll(filepath.Dir(c.Logging.File), 0755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
	}
	return nil
}

// DetectionModelPath returns the face detector model location.
func (c *Config) DetectionModelPath() string {
	return filepath.Join(c.Paths.ModelsDir, "face_detection_yunet_2022mar.onnx")
}

// RecognitionModelPath returns the face recognizer model location.
func (c *Config) RecognitionModelPath() string {
	return filepath.Join(c.Paths.ModelsDir, "face_recognition_sface_2021dec.onnx")
}

// ExpandPath expands ~ and environment variables in a path.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[2:])
		}
	}
	return os.ExpandEnv(path)
}

// ExpandPaths expands all paths in the configuration.
func (c *Config) ExpandPaths() {
	c.Paths.UsersDir = ExpandPath(c.Paths.UsersDir)
	c.Paths.ModelsDir = ExpandPath(c.Paths.ModelsDir)
	c.Paths.SocketPath = ExpandPath(c.Paths.SocketPath)
	c.Paths.IREmitterPath = ExpandPath(c.Paths.IREmitterPath)
	c.Storage.LogDir = ExpandPath(c.Storage.LogDir)
	c.Logging.File = ExpandPath(c.Logging.File)
	for i := range c.Cameras {
		c.Cameras[i].Path = ExpandPath(c.Cameras[i].Path)
	}
}
