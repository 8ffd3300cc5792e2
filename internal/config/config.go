package config

import (
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
	Log        LogConfig        `yaml:"log"`
	Scan       ScanConfig       `yaml:"scan"`
	Connection ConnectionConfig `yaml:"connection"`
	Actuator   ActuatorConfig   `yaml:"actuator"`
	Proximity  ProximityConfig  `yaml:"proximity"`
	Alarm      AlarmConfig      `yaml:"alarm"`
	Gate       GateConfig       `yaml:"gate"`
	Store      StoreConfig      `yaml:"store"`
	Notify     NotifyConfig     `yaml:"notify"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // "text" or "json"
	Output string `yaml:"output"` // stderr, stdout or a file path
}

// ScanConfig holds discovery settings.
type ScanConfig struct {
	Duration time.Duration `yaml:"duration"`
}

// ConnectionConfig holds connection manager settings.
type ConnectionConfig struct {
	SettleDelay    time.Duration `yaml:"settle_delay"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`  // bound on one RSSI read
	Policy         string        `yaml:"policy"`        // "keepalive" or "probe"
	ReconnectMax   int           `yaml:"reconnect_max"` // max backoff seconds
}

// ActuatorConfig names the characteristic that drives the tag's LED.
type ActuatorConfig struct {
	ServiceUUID        string `yaml:"service_uuid"`
	CharacteristicUUID string `yaml:"characteristic_uuid"`
}

// ProximityConfig holds distance estimation settings.
type ProximityConfig struct {
	ReferenceRSSI    int           `yaml:"reference_rssi"` // dBm at 1 meter
	PathLossExponent float64       `yaml:"path_loss_exponent"`
	Window           int           `yaml:"window"`
	SampleInterval   time.Duration `yaml:"sample_interval"`
}

// AlarmConfig holds alarm settings.
type AlarmConfig struct {
	ThresholdRSSI float64 `yaml:"threshold_rssi"`
	Prompt        string  `yaml:"prompt"`
	LostAfter     int     `yaml:"lost_after"` // consecutive missed samples that arm the alarm
}

// GateConfig holds the disarm confirmation settings.
type GateConfig struct {
	PassphraseHash string `yaml:"passphrase_hash"` // from `tagwatch hash-passphrase`
}

// StoreConfig holds the pairing record database location.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// NotifyConfig holds the optional NATS notifier settings.
type NotifyConfig struct {
	NATSURL string `yaml:"nats_url"` // empty disables notifications
	Subject string `yaml:"subject"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "tagwatch")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	storePath := filepath.Join(home, ".local", "share", "tagwatch", "tagwatch.db")

	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Scan: ScanConfig{
			Duration: 3 * time.Second,
		},
		Connection: ConnectionConfig{
			SettleDelay:    900 * time.Millisecond,
			ConnectTimeout: 10 * time.Second,
			ReadTimeout:    3 * time.Second,
			Policy:         "keepalive",
			ReconnectMax:   30,
		},
		Actuator: ActuatorConfig{
			ServiceUUID:        "19b10000-e8f2-537e-4f6c-d104768a1214",
			CharacteristicUUID: "19b10001-e8f2-537e-4f6c-d104768a1214",
		},
		Proximity: ProximityConfig{
			ReferenceRSSI:    -69,
			PathLossExponent: 2.0,
			Window:           3,
			SampleInterval:   2 * time.Second,
		},
		Alarm: AlarmConfig{
			ThresholdRSSI: -73,
			Prompt:        "Authenticate",
			LostAfter:     3,
		},
		Store: StoreConfig{
			Path: storePath,
		},
		Notify: NotifyConfig{
			Subject: "tagwatch.alarm",
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in store.path and log.output is expanded to the
// user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Store.Path = expandTilde(cfg.Store.Path)
	cfg.Log.Output = expandTilde(cfg.Log.Output)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn, or error, got %q", c.Log.Level)
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be \"text\" or \"json\", got %q", c.Log.Format)
	}

	if c.Scan.Duration <= 0 {
		return fmt.Errorf("scan.duration must be > 0")
	}

	if c.Connection.SettleDelay < 0 {
		return fmt.Errorf("connection.settle_delay must be >= 0")
	}
	if c.Connection.ConnectTimeout <= 0 {
		return fmt.Errorf("connection.connect_timeout must be > 0")
	}
	if c.Connection.ReadTimeout <= 0 {
		return fmt.Errorf("connection.read_timeout must be > 0")
	}
	switch c.Connection.Policy {
	case "keepalive", "probe":
	default:
		return fmt.Errorf("connection.policy must be \"keepalive\" or \"probe\", got %q", c.Connection.Policy)
	}
	if c.Connection.ReconnectMax <= 0 {
		return fmt.Errorf("connection.reconnect_max must be > 0")
	}

	if c.Actuator.ServiceUUID == "" || c.Actuator.CharacteristicUUID == "" {
		return fmt.Errorf("actuator.service_uuid and actuator.characteristic_uuid must be set")
	}

	if c.Proximity.ReferenceRSSI >= 0 {
		return fmt.Errorf("proximity.reference_rssi must be negative, got %d", c.Proximity.ReferenceRSSI)
	}
	if c.Proximity.PathLossExponent <= 0 {
		return fmt.Errorf("proximity.path_loss_exponent must be > 0")
	}
	if c.Proximity.Window <= 0 {
		return fmt.Errorf("proximity.window must be > 0")
	}
	if c.Proximity.SampleInterval <= 0 {
		return fmt.Errorf("proximity.sample_interval must be > 0")
	}

	if c.Alarm.ThresholdRSSI >= 0 {
		return fmt.Errorf("alarm.threshold_rssi must be negative, got %v", c.Alarm.ThresholdRSSI)
	}
	if c.Alarm.LostAfter <= 0 {
		return fmt.Errorf("alarm.lost_after must be > 0")
	}

	if c.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}

	if c.Notify.NATSURL != "" && c.Notify.Subject == "" {
		return fmt.Errorf("notify.subject must be set when notify.nats_url is")
	}

	return nil
}

// ParseLogLevel converts a config level string to a slog.Level.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = `# tagwatch configuration
#
# Durations use Go syntax (900ms, 3s). RSSI values are in dBm.
# Set gate.passphrase_hash with the output of "tagwatch hash-passphrase"
# before running "tagwatch watch".

`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there yet. It returns the path written, or "" if a file was already
// present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
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
