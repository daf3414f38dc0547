package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// CapabilityPath is a capability description file. Empty selects the
	// built-in SmartPlane table.
	CapabilityPath string          `yaml:"capability_path"`
	DeviceNames    []string        `yaml:"device_names"`
	AutoReconnect  bool            `yaml:"auto_reconnect"`
	Queue          QueueConfig     `yaml:"queue"`
	Smoothing      SmoothingConfig `yaml:"smoothing"`
	Firmware       FirmwareConfig  `yaml:"firmware"`
	ScanTimeout    time.Duration   `yaml:"scan_timeout"`
	LogLevel       string          `yaml:"log_level"`
}

// QueueConfig holds the command queue thresholds.
type QueueConfig struct {
	SoftLimit int `yaml:"soft_limit"` // warn above this many pending commands
	HardLimit int `yaml:"hard_limit"` // refuse motor/rudder writes above this
}

// SmoothingConfig holds setpoint smoothing buffer capacities.
type SmoothingConfig struct {
	Motor  int `yaml:"motor"`
	Rudder int `yaml:"rudder"`
}

// FirmwareConfig holds over-the-air upload settings.
type FirmwareConfig struct {
	Image           string        `yaml:"image"` // uploaded once the device reports its version
	HandshakeDelay  time.Duration `yaml:"handshake_delay"`
	BlockStartDelay time.Duration `yaml:"block_start_delay"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "smartlink")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		DeviceNames:   []string{"TailorToys PowerUp", "TobyRich SmartPlane"},
		AutoReconnect: true,
		Queue: QueueConfig{
			SoftLimit: 20,
			HardLimit: 20,
		},
		Smoothing: SmoothingConfig{
			Motor:  1,
			Rudder: 1,
		},
		Firmware: FirmwareConfig{
			HandshakeDelay:  1500 * time.Millisecond,
			BlockStartDelay: 1500 * time.Millisecond,
		},
		ScanTimeout: 10 * time.Second,
		LogLevel:    "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in file paths is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.CapabilityPath = expandTilde(cfg.CapabilityPath)
	cfg.Firmware.Image = expandTilde(cfg.Firmware.Image)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	for _, name := range c.DeviceNames {
		if strings.TrimSpace(name) == "" {
			return errors.New("device_names must not contain empty names")
		}
	}

	if c.Queue.SoftLimit <= 0 {
		return fmt.Errorf("queue.soft_limit must be > 0, got %d", c.Queue.SoftLimit)
	}
	if c.Queue.HardLimit < c.Queue.SoftLimit {
		return fmt.Errorf("queue.hard_limit (%d) must be >= queue.soft_limit (%d)", c.Queue.HardLimit, c.Queue.SoftLimit)
	}

	if c.Smoothing.Motor < 1 {
		return fmt.Errorf("smoothing.motor must be >= 1, got %d", c.Smoothing.Motor)
	}
	if c.Smoothing.Rudder < 1 {
		return fmt.Errorf("smoothing.rudder must be >= 1, got %d", c.Smoothing.Rudder)
	}

	if c.Firmware.HandshakeDelay < 0 || c.Firmware.BlockStartDelay < 0 {
		return errors.New("firmware delays must not be negative")
	}

	if c.ScanTimeout <= 0 {
		return fmt.Errorf("scan_timeout must be > 0, got %s", c.ScanTimeout)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ParseLogLevel maps a config log level to a slog level. Unknown values
// fall back to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = `# smartlink configuration
# capability_path: leave empty for the built-in SmartPlane table.
# Durations use Go syntax, e.g. 1500ms or 10s.
`

// WriteDefault writes the default config to DefaultConfigPath and returns
// the path. An existing file is left untouched and "" is returned.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
