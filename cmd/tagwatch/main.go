package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/chaz8081/tagwatch/internal/ble"
	"github.com/chaz8081/tagwatch/internal/config"
	"github.com/chaz8081/tagwatch/internal/logging"
	"github.com/chaz8081/tagwatch/internal/store"
)

var flagConfig string

func main() {
	rootCmd := &cobra.Command{
		Use:   "tagwatch",
		Short: "tagwatch - proximity alarm for a Bluetooth LE tag",
		Long: `tagwatch keeps a connection to a paired Bluetooth Low Energy tag, estimates
its distance from the signal strength and raises an alarm on the tag when it
moves out of range. Disarming the alarm asks for your passphrase.

Requires sudo or CAP_NET_ADMIN capability for Bluetooth access on Linux.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to config file (default: ~/.config/tagwatch/config.yaml)")

	rootCmd.AddCommand(
		scanCmd(),
		pairCmd(),
		unpairCmd(),
		watchCmd(),
		ledCmd(),
		hashPassphraseCmd(),
		initConfigCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads and validates the config and installs the default logger.
// The returned closer flushes the log output.
func setup() (*config.Config, func() error, error) {
	cfg, err := loadConfig(flagConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("config validation: %w", err)
	}

	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, closer, nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	return config.Default(), nil
}

// printBanner displays the watch configuration summary.
func printBanner(cfg *config.Config, rec store.Record, opts ble.ManagerOptions) {
	fmt.Println("=== tagwatch ===")
	fmt.Printf("  Tag:        %s (%s)\n", rec.Name, rec.ID)
	fmt.Printf("  Actuator:   %s / %s\n", opts.ServiceUUID, opts.CharacteristicUUID)
	if rec.AlertDistance > 0 {
		fmt.Printf("  Alert:      beyond %.0f m\n", rec.AlertDistance)
	}
	fmt.Printf("  Threshold:  %.0f dBm over %d samples every %s\n",
		cfg.Alarm.ThresholdRSSI, cfg.Proximity.Window, cfg.Proximity.SampleInterval)
	fmt.Printf("  Policy:     %s\n", cfg.Connection.Policy)
	if cfg.Notify.NATSURL != "" {
		fmt.Printf("  Notify:     %s (%s)\n", cfg.Notify.NATSURL, cfg.Notify.Subject)
	}
	fmt.Printf("  Log:        %s\n", cfg.Log.Level)
	fmt.Println("================")
}
