package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.CapabilityPath != "" {
		t.Errorf("CapabilityPath = %q, want empty (built-in table)", cfg.CapabilityPath)
	}
	if len(cfg.DeviceNames) != 2 || cfg.DeviceNames[0] != "TailorToys PowerUp" || cfg.DeviceNames[1] != "TobyRich SmartPlane" {
		t.Errorf("DeviceNames = %v", cfg.DeviceNames)
	}
	if !cfg.AutoReconnect {
		t.Error("AutoReconnect should default to true")
	}
	if cfg.Queue.SoftLimit != 20 || cfg.Queue.HardLimit != 20 {
		t.Errorf("Queue = %+v, want 20/20", cfg.Queue)
	}
	if cfg.Smoothing.Motor != 1 || cfg.Smoothing.Rudder != 1 {
		t.Errorf("Smoothing = %+v, want 1/1", cfg.Smoothing)
	}
	if cfg.Firmware.HandshakeDelay != 1500*time.Millisecond {
		t.Errorf("Firmware.HandshakeDelay = %s, want 1.5s", cfg.Firmware.HandshakeDelay)
	}
	if cfg.Firmware.BlockStartDelay != 1500*time.Millisecond {
		t.Errorf("Firmware.BlockStartDelay = %s, want 1.5s", cfg.Firmware.BlockStartDelay)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
capability_path: /tmp/caps.yaml
device_names: ["My Plane"]
auto_reconnect: false
queue:
  soft_limit: 10
  hard_limit: 40
smoothing:
  motor: 4
  rudder: 2
firmware:
  image: /tmp/fw.bin
  handshake_delay: 250ms
  block_start_delay: 2s
scan_timeout: 30s
log_level: debug
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.CapabilityPath != "/tmp/caps.yaml" {
		t.Errorf("CapabilityPath = %q, want %q", cfg.CapabilityPath, "/tmp/caps.yaml")
	}
	if len(cfg.DeviceNames) != 1 || cfg.DeviceNames[0] != "My Plane" {
		t.Errorf("DeviceNames = %v, want [My Plane]", cfg.DeviceNames)
	}
	if cfg.AutoReconnect {
		t.Error("AutoReconnect = true, want false")
	}
	if cfg.Queue.SoftLimit != 10 || cfg.Queue.HardLimit != 40 {
		t.Errorf("Queue = %+v, want 10/40", cfg.Queue)
	}
	if cfg.Smoothing.Motor != 4 || cfg.Smoothing.Rudder != 2 {
		t.Errorf("Smoothing = %+v, want 4/2", cfg.Smoothing)
	}
	if cfg.Firmware.Image != "/tmp/fw.bin" {
		t.Errorf("Firmware.Image = %q, want %q", cfg.Firmware.Image, "/tmp/fw.bin")
	}
	if cfg.Firmware.HandshakeDelay != 250*time.Millisecond {
		t.Errorf("Firmware.HandshakeDelay = %s, want 250ms", cfg.Firmware.HandshakeDelay)
	}
	if cfg.Firmware.BlockStartDelay != 2*time.Second {
		t.Errorf("Firmware.BlockStartDelay = %s, want 2s", cfg.Firmware.BlockStartDelay)
	}
	if cfg.ScanTimeout != 30*time.Second {
		t.Errorf("ScanTimeout = %s, want 30s", cfg.ScanTimeout)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	yamlContent := `
smoothing:
  motor: 3
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Smoothing.Motor != 3 {
		t.Errorf("Smoothing.Motor = %d, want 3", cfg.Smoothing.Motor)
	}
	if cfg.Smoothing.Rudder != 1 {
		t.Errorf("Smoothing.Rudder = %d, want default 1", cfg.Smoothing.Rudder)
	}
	if len(cfg.DeviceNames) != 2 {
		t.Errorf("DeviceNames = %v, want defaults", cfg.DeviceNames)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("cannot determine home directory")
	}

	yamlContent := `
capability_path: ~/planes/caps.yaml
firmware:
  image: ~/planes/fw.bin
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if want := filepath.Join(home, "planes/caps.yaml"); cfg.CapabilityPath != want {
		t.Errorf("CapabilityPath = %q, want %q", cfg.CapabilityPath, want)
	}
	if want := filepath.Join(home, "planes/fw.bin"); cfg.Firmware.Image != want {
		t.Errorf("Firmware.Image = %q, want %q", cfg.Firmware.Image, want)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestLoadBadDuration(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("scan_timeout: soon\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	if _, err := Load(cfgPath); err == nil {
		t.Error("Load() should fail for an unparseable duration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "empty allowlist accepted",
			modify:  func(c *Config) { c.DeviceNames = nil },
			wantErr: false,
		},
		{
			name:    "blank device name",
			modify:  func(c *Config) { c.DeviceNames = []string{"  "} },
			wantErr: true,
		},
		{
			name:    "zero soft limit",
			modify:  func(c *Config) { c.Queue.SoftLimit = 0 },
			wantErr: true,
		},
		{
			name:    "hard limit below soft limit",
			modify:  func(c *Config) { c.Queue.HardLimit = 5 },
			wantErr: true,
		},
		{
			name:    "zero motor smoothing",
			modify:  func(c *Config) { c.Smoothing.Motor = 0 },
			wantErr: true,
		},
		{
			name:    "zero rudder smoothing",
			modify:  func(c *Config) { c.Smoothing.Rudder = 0 },
			wantErr: true,
		},
		{
			name:    "zero firmware delays allowed",
			modify:  func(c *Config) { c.Firmware.HandshakeDelay, c.Firmware.BlockStartDelay = 0, 0 },
			wantErr: false,
		},
		{
			name:    "negative handshake delay",
			modify:  func(c *Config) { c.Firmware.HandshakeDelay = -time.Second },
			wantErr: true,
		},
		{
			name:    "zero scan timeout",
			modify:  func(c *Config) { c.ScanTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "invalid" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	// Use a temp dir as fake home to avoid touching real config
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "smartlink", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# smartlink") {
		t.Error("written config should start with header comment")
	}

	// Should be valid YAML that round-trips to the defaults
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}
	if cfg.Firmware.HandshakeDelay != 1500*time.Millisecond {
		t.Errorf("written Firmware.HandshakeDelay = %s, want 1.5s", cfg.Firmware.HandshakeDelay)
	}
	if cfg.Queue.HardLimit != 20 {
		t.Errorf("written Queue.HardLimit = %d, want 20", cfg.Queue.HardLimit)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("written config does not validate: %v", err)
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "smartlink")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("log_level: debug\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo}, // defaults to info
		{"", slog.LevelInfo},        // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
