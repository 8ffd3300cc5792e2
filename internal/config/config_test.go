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

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Scan.Duration != 3*time.Second {
		t.Errorf("Scan.Duration = %v, want 3s", cfg.Scan.Duration)
	}
	if cfg.Connection.SettleDelay != 900*time.Millisecond {
		t.Errorf("Connection.SettleDelay = %v, want 900ms", cfg.Connection.SettleDelay)
	}
	if cfg.Connection.Policy != "keepalive" {
		t.Errorf("Connection.Policy = %q, want %q", cfg.Connection.Policy, "keepalive")
	}
	if cfg.Proximity.ReferenceRSSI != -69 {
		t.Errorf("Proximity.ReferenceRSSI = %d, want -69", cfg.Proximity.ReferenceRSSI)
	}
	if cfg.Proximity.PathLossExponent != 2.0 {
		t.Errorf("Proximity.PathLossExponent = %v, want 2.0", cfg.Proximity.PathLossExponent)
	}
	if cfg.Proximity.Window != 3 {
		t.Errorf("Proximity.Window = %d, want 3", cfg.Proximity.Window)
	}
	if cfg.Alarm.ThresholdRSSI != -73 {
		t.Errorf("Alarm.ThresholdRSSI = %v, want -73", cfg.Alarm.ThresholdRSSI)
	}
	if cfg.Connection.ReadTimeout != 3*time.Second {
		t.Errorf("Connection.ReadTimeout = %v, want 3s", cfg.Connection.ReadTimeout)
	}
	if cfg.Alarm.LostAfter != 3 {
		t.Errorf("Alarm.LostAfter = %d, want 3", cfg.Alarm.LostAfter)
	}
	if cfg.Alarm.Prompt != "Authenticate" {
		t.Errorf("Alarm.Prompt = %q, want %q", cfg.Alarm.Prompt, "Authenticate")
	}
	if cfg.Store.Path == "" {
		t.Error("Store.Path should not be empty")
	}
	if cfg.Notify.NATSURL != "" {
		t.Errorf("Notify.NATSURL = %q, want empty", cfg.Notify.NATSURL)
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
log:
  level: debug
  format: json
scan:
  duration: 5s
connection:
  settle_delay: 1500ms
  policy: probe
  reconnect_max: 15
actuator:
  service_uuid: 0000ffe0-0000-1000-8000-00805f9b34fb
  characteristic_uuid: 0000ffe1-0000-1000-8000-00805f9b34fb
proximity:
  reference_rssi: -59
  path_loss_exponent: 2.5
  window: 5
alarm:
  threshold_rssi: -80
notify:
  nats_url: nats://127.0.0.1:4222
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

	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v, want debug/json", cfg.Log)
	}
	if cfg.Scan.Duration != 5*time.Second {
		t.Errorf("Scan.Duration = %v, want 5s", cfg.Scan.Duration)
	}
	if cfg.Connection.SettleDelay != 1500*time.Millisecond {
		t.Errorf("Connection.SettleDelay = %v, want 1.5s", cfg.Connection.SettleDelay)
	}
	if cfg.Connection.Policy != "probe" {
		t.Errorf("Connection.Policy = %q, want %q", cfg.Connection.Policy, "probe")
	}
	if cfg.Connection.ReconnectMax != 15 {
		t.Errorf("Connection.ReconnectMax = %d, want 15", cfg.Connection.ReconnectMax)
	}
	if cfg.Actuator.CharacteristicUUID != "0000ffe1-0000-1000-8000-00805f9b34fb" {
		t.Errorf("Actuator.CharacteristicUUID = %q", cfg.Actuator.CharacteristicUUID)
	}
	if cfg.Proximity.ReferenceRSSI != -59 || cfg.Proximity.PathLossExponent != 2.5 || cfg.Proximity.Window != 5 {
		t.Errorf("Proximity = %+v, want -59/2.5/5", cfg.Proximity)
	}
	if cfg.Alarm.ThresholdRSSI != -80 {
		t.Errorf("Alarm.ThresholdRSSI = %v, want -80", cfg.Alarm.ThresholdRSSI)
	}
	if cfg.Notify.NATSURL != "nats://127.0.0.1:4222" {
		t.Errorf("Notify.NATSURL = %q", cfg.Notify.NATSURL)
	}

	// Fields absent from the file keep their defaults.
	if cfg.Connection.ConnectTimeout != 10*time.Second {
		t.Errorf("Connection.ConnectTimeout = %v, want default 10s", cfg.Connection.ConnectTimeout)
	}
	if cfg.Proximity.SampleInterval != 2*time.Second {
		t.Errorf("Proximity.SampleInterval = %v, want default 2s", cfg.Proximity.SampleInterval)
	}
	if cfg.Notify.Subject != "tagwatch.alarm" {
		t.Errorf("Notify.Subject = %q, want default", cfg.Notify.Subject)
	}
	if cfg.Alarm.Prompt != "Authenticate" {
		t.Errorf("Alarm.Prompt = %q, want default", cfg.Alarm.Prompt)
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("cannot determine home directory")
	}

	yamlContent := `
store:
  path: ~/data/tagwatch.db
log:
  output: ~/logs/tagwatch.log
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

	expected := filepath.Join(home, "data/tagwatch.db")
	if cfg.Store.Path != expected {
		t.Errorf("Store.Path = %q, want %q", cfg.Store.Path, expected)
	}
	expected = filepath.Join(home, "logs/tagwatch.log")
	if cfg.Log.Output != expected {
		t.Errorf("Log.Output = %q, want %q", cfg.Log.Output, expected)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("scan: [unclosed"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	if _, err := Load(cfgPath); err == nil {
		t.Error("Load() should return error for invalid YAML")
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
			name:    "invalid log level",
			modify:  func(c *Config) { c.Log.Level = "invalid" },
			wantErr: true,
		},
		{
			name:    "invalid log format",
			modify:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: true,
		},
		{
			name:    "zero scan duration",
			modify:  func(c *Config) { c.Scan.Duration = 0 },
			wantErr: true,
		},
		{
			name:    "zero settle delay is allowed",
			modify:  func(c *Config) { c.Connection.SettleDelay = 0 },
			wantErr: false,
		},
		{
			name:    "invalid policy",
			modify:  func(c *Config) { c.Connection.Policy = "sometimes" },
			wantErr: true,
		},
		{
			name:    "zero reconnect max",
			modify:  func(c *Config) { c.Connection.ReconnectMax = 0 },
			wantErr: true,
		},
		{
			name:    "missing characteristic",
			modify:  func(c *Config) { c.Actuator.CharacteristicUUID = "" },
			wantErr: true,
		},
		{
			name:    "positive reference rssi",
			modify:  func(c *Config) { c.Proximity.ReferenceRSSI = 10 },
			wantErr: true,
		},
		{
			name:    "zero path loss exponent",
			modify:  func(c *Config) { c.Proximity.PathLossExponent = 0 },
			wantErr: true,
		},
		{
			name:    "zero window",
			modify:  func(c *Config) { c.Proximity.Window = 0 },
			wantErr: true,
		},
		{
			name:    "zero sample interval",
			modify:  func(c *Config) { c.Proximity.SampleInterval = 0 },
			wantErr: true,
		},
		{
			name:    "positive threshold",
			modify:  func(c *Config) { c.Alarm.ThresholdRSSI = 1 },
			wantErr: true,
		},
		{
			name:    "zero read timeout",
			modify:  func(c *Config) { c.Connection.ReadTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "zero lost_after",
			modify:  func(c *Config) { c.Alarm.LostAfter = 0 },
			wantErr: true,
		},
		{
			name:    "empty store path",
			modify:  func(c *Config) { c.Store.Path = "" },
			wantErr: true,
		},
		{
			name: "nats without subject",
			modify: func(c *Config) {
				c.Notify.NATSURL = "nats://localhost:4222"
				c.Notify.Subject = ""
			},
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

	expectedPath := filepath.Join(tmpHome, ".config", "tagwatch", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}

	if !strings.HasPrefix(string(data), "# tagwatch") {
		t.Error("written config should start with header comment")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}
	if cfg.Connection.SettleDelay != 900*time.Millisecond {
		t.Errorf("written config SettleDelay = %v, want 900ms", cfg.Connection.SettleDelay)
	}
	if cfg.Alarm.ThresholdRSSI != -73 {
		t.Errorf("written config ThresholdRSSI = %v, want -73", cfg.Alarm.ThresholdRSSI)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("written config does not validate: %v", err)
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "tagwatch")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("alarm:\n  threshold_rssi: -90\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	// WriteDefault should return ("", nil) without overwriting
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
