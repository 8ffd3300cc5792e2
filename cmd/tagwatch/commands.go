package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/chaz8081/tagwatch/internal/alarm"
	"github.com/chaz8081/tagwatch/internal/ble"
	"github.com/chaz8081/tagwatch/internal/config"
	"github.com/chaz8081/tagwatch/internal/gate"
	"github.com/chaz8081/tagwatch/internal/monitor"
	"github.com/chaz8081/tagwatch/internal/notify"
	"github.com/chaz8081/tagwatch/internal/proximity"
	"github.com/chaz8081/tagwatch/internal/store"
)

// radio bundles the BLE components shared by the commands.
type radio struct {
	adapter  *ble.TinyGoAdapter
	registry *ble.Registry
	feed     *ble.Feed
	scanner  *ble.Scanner
	manager  *ble.Manager
}

func newRadio(opts ble.ManagerOptions, scanDuration time.Duration) (*radio, error) {
	adapter := ble.NewTinyGoAdapter()
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("enable bluetooth adapter: %w", err)
	}
	registry := ble.NewRegistry()
	feed := ble.NewFeed()
	return &radio{
		adapter:  adapter,
		registry: registry,
		feed:     feed,
		scanner:  ble.NewScanner(adapter, registry, feed, scanDuration),
		manager:  ble.NewManager(adapter, registry, feed, opts),
	}, nil
}

// managerOptions builds the connection manager settings. The actuator UUIDs
// verified at pairing time win over the config, so a config edit after
// pairing cannot point writes at a characteristic the tag does not have.
func managerOptions(cfg *config.Config, rec *store.Record) ble.ManagerOptions {
	opts := ble.ManagerOptions{
		ServiceUUID:        cfg.Actuator.ServiceUUID,
		CharacteristicUUID: cfg.Actuator.CharacteristicUUID,
		SettleDelay:        cfg.Connection.SettleDelay,
		ConnectTimeout:     cfg.Connection.ConnectTimeout,
		ReadTimeout:        cfg.Connection.ReadTimeout,
		Policy:             ble.Policy(cfg.Connection.Policy),
	}
	if rec == nil || rec.ServiceUUID == "" || rec.CharacteristicUUID == "" {
		return opts
	}
	if !strings.EqualFold(rec.ServiceUUID, opts.ServiceUUID) ||
		!strings.EqualFold(rec.CharacteristicUUID, opts.CharacteristicUUID) {
		slog.Warn("[WATCH] configured actuator differs from the paired one, using the paired one",
			"paired_service", rec.ServiceUUID, "paired_characteristic", rec.CharacteristicUUID,
			"config_service", opts.ServiceUUID, "config_characteristic", opts.CharacteristicUUID)
	}
	opts.ServiceUUID = rec.ServiceUUID
	opts.CharacteristicUUID = rec.CharacteristicUUID
	return opts
}

// Alert distance bounds in meters.
const (
	minAlertDistance     = 1
	maxAlertDistance     = 10
	defaultAlertDistance = 2
)

// location describes where the tag is relative to the alert distance.
func location(est proximity.Estimate, alertDistance float64) string {
	if est.Samples == 0 {
		return "no signal"
	}
	if alertDistance <= 0 {
		alertDistance = defaultAlertDistance
	}
	if est.Distance <= alertDistance {
		return "With you"
	}
	return fmt.Sprintf("%.2f meters away", est.Distance)
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// loadRecord opens the store and returns the pairing record.
func loadRecord(ctx context.Context, cfg *config.Config) (store.Record, error) {
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return store.Record{}, err
	}
	defer st.Close()

	rec, err := st.Load(ctx)
	if errors.Is(err, store.ErrNoRecord) {
		return store.Record{}, fmt.Errorf("no paired tag, run 'tagwatch scan' and 'tagwatch pair <id>' first")
	}
	return rec, err
}

func scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Scan for nearby named Bluetooth LE peripherals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := setup()
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, cancel := signalContext()
			defer cancel()

			r, err := newRadio(managerOptions(cfg, nil), cfg.Scan.Duration)
			if err != nil {
				return err
			}
			fmt.Printf("Scanning for %s...\n", cfg.Scan.Duration)
			found, err := ble.ScanForPeripherals(ctx, r.scanner, r.registry)
			if err != nil {
				return err
			}
			if len(found) == 0 {
				fmt.Println("No named peripherals found.")
				return nil
			}

			fmt.Printf("%-40s %-24s %6s %8s\n", "ID", "NAME", "RSSI", "DIST")
			for _, p := range found {
				dist := proximity.Distance(p.RSSI, cfg.Proximity.ReferenceRSSI, cfg.Proximity.PathLossExponent)
				fmt.Printf("%-40s %-24s %6d %7.1fm\n", p.ID, p.Name, p.RSSI, dist)
			}
			return nil
		},
	}
}

func pairCmd() *cobra.Command {
	var alertDistance float64
	cmd := &cobra.Command{
		Use:   "pair <id>",
		Short: "Pair with a tag found by scan",
		Long: `Pair scans for the tag, connects to it, checks that it exposes the
configured actuator characteristic and stores it as the watched tag.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := setup()
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, cancel := signalContext()
			defer cancel()

			if alertDistance < minAlertDistance || alertDistance > maxAlertDistance {
				return fmt.Errorf("--alert-distance must be between %d and %d meters, got %v",
					minAlertDistance, maxAlertDistance, alertDistance)
			}

			id := args[0]
			r, err := newRadio(managerOptions(cfg, nil), cfg.Scan.Duration)
			if err != nil {
				return err
			}
			if _, err := ble.ScanForPeripherals(ctx, r.scanner, r.registry); err != nil {
				return err
			}
			if _, ok := r.registry.Get(id); !ok {
				return fmt.Errorf("tag %s not seen during the scan, move closer and try again", id)
			}

			fmt.Printf("Pairing with %s...\n", id)
			result, err := ble.Pair(ctx, r.manager, r.registry, id, ble.DefaultPairOptions())
			if err != nil {
				return err
			}

			st, err := store.Open(cfg.Store.Path)
			if err != nil {
				return err
			}
			defer st.Close()

			rec := store.Record{
				ID:                 result.ID,
				Name:               result.Name,
				ServiceUUID:        cfg.Actuator.ServiceUUID,
				CharacteristicUUID: cfg.Actuator.CharacteristicUUID,
				AlertDistance:      alertDistance,
				PairedAt:           time.Now().UTC(),
			}
			if err := st.Save(ctx, rec); err != nil {
				return err
			}
			slog.Info("[PAIR] paired", "id", rec.ID, "name", rec.Name, "rssi", result.RSSI)
			fmt.Printf("Paired with %s (%s).\n", rec.Name, rec.ID)
			return nil
		},
	}
	cmd.Flags().Float64Var(&alertDistance, "alert-distance", defaultAlertDistance,
		"distance in meters within which the tag counts as with you (1-10)")
	return cmd
}

func unpairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unpair",
		Short: "Forget the paired tag",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := setup()
			if err != nil {
				return err
			}
			defer closeLog()

			st, err := store.Open(cfg.Store.Path)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.Delete(context.Background()); err != nil {
				if errors.Is(err, store.ErrNoRecord) {
					fmt.Println("No tag is paired.")
					return nil
				}
				return err
			}
			fmt.Println("Tag forgotten.")
			return nil
		},
	}
}

func ledCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "led on|off",
		Short:     "Switch the tag's alarm indicator on or off",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var value byte
			switch args[0] {
			case "on":
				value = ble.SignalOn
			case "off":
				value = ble.SignalOff
			default:
				return fmt.Errorf("expected on or off, got %q", args[0])
			}

			cfg, closeLog, err := setup()
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, cancel := signalContext()
			defer cancel()

			rec, err := loadRecord(ctx, cfg)
			if err != nil {
				return err
			}
			r, err := newRadio(managerOptions(cfg, &rec), cfg.Scan.Duration)
			if err != nil {
				return err
			}
			r.registry.Remember(rec.ID, rec.Name)
			defer r.manager.Close()

			if err := r.manager.WriteActuationSignal(ctx, rec.ID, value); err != nil {
				return err
			}
			fmt.Printf("Indicator %s.\n", args[0])
			return nil
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch the paired tag and raise the alarm when it moves away",
		Long: `Watch keeps a link to the paired tag and samples its signal strength.
When the smoothed signal falls below alarm.threshold_rssi the tag's indicator
is switched on. While watching, type:

  d  disarm (asks for the passphrase)
  t  trigger the alarm by hand
  s  show the tag's distance
  q  quit

A status line with the estimated distance is printed every
ten seconds as well.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := setup()
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, cancel := signalContext()
			defer cancel()

			rec, err := loadRecord(ctx, cfg)
			if err != nil {
				return err
			}
			return watch(ctx, cancel, cfg, rec)
		},
	}
}

func watch(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, rec store.Record) error {
	est := proximity.NewEstimator(proximity.Options{
		ReferenceRSSI:    cfg.Proximity.ReferenceRSSI,
		PathLossExponent: cfg.Proximity.PathLossExponent,
		Window:           cfg.Proximity.Window,
	})

	// The monitor is the sample sink of the manager it drives.
	var mon *monitor.Monitor
	opts := managerOptions(cfg, &rec)
	opts.OnSignal = func(id string, rssi int, at time.Time) {
		mon.Record(id, rssi, at)
	}
	r, err := newRadio(opts, cfg.Scan.Duration)
	if err != nil {
		return err
	}

	if _, err := ble.ScanForPeripherals(ctx, r.scanner, r.registry); err != nil {
		slog.Warn("[WATCH] initial scan failed", "error", err)
	}
	r.registry.Remember(rec.ID, rec.Name)

	stdin := bufio.NewReader(os.Stdin)
	var gateIn io.Reader = stdin
	if term.IsTerminal(int(os.Stdin.Fd())) {
		gateIn = os.Stdin
	}
	g := gate.NewPassphrase(cfg.Gate.PassphraseHash, gateIn, os.Stderr)
	if ok, _ := g.Available(ctx); !ok {
		fmt.Fprintln(os.Stderr, "Warning: gate.passphrase_hash is not set; the alarm cannot be disarmed.")
		fmt.Fprintln(os.Stderr, "Run 'tagwatch hash-passphrase' and add the hash to your config.")
	}

	ctrl := alarm.NewController(r.manager, g, rec.ID, alarm.Options{
		ThresholdRSSI: cfg.Alarm.ThresholdRSSI,
		Prompt:        cfg.Alarm.Prompt,
	})
	ctrl.OnTransition(func(tr alarm.Transition) {
		switch tr.To {
		case alarm.Armed:
			fmt.Printf("\a*** ALARM: %s out of range (%s) ***\n", rec.Name, tr.Reason)
		case alarm.Disarmed:
			fmt.Println("Alarm disarmed.")
		}
		if tr.ActuationFailed {
			fmt.Println("Warning: the tag did not acknowledge the indicator write.")
		}
	})

	if cfg.Notify.NATSURL != "" {
		nc, err := notify.Connect(cfg.Notify.NATSURL)
		if err != nil {
			return err
		}
		defer nc.Drain()
		ctrl.OnTransition(notify.New(nc, cfg.Notify.Subject).Handle)
	}

	mon = monitor.New(r.manager, est, ctrl, rec.ID, monitor.Options{
		Interval:     cfg.Proximity.SampleInterval,
		ReconnectMax: cfg.Connection.ReconnectMax,
		LostAfter:    cfg.Alarm.LostAfter,
	})

	printBanner(cfg, rec, opts)
	fmt.Println("Watching. Type d to disarm, t to trigger, s for status, q to quit.")

	done := make(chan error, 1)
	go func() { done <- mon.Run(ctx) }()

	status := time.NewTicker(statusEvery)
	defer status.Stop()
	printStatus := func() {
		cur, _ := est.Current()
		fmt.Printf("%s: %s (%s)\n", rec.Name, location(cur, rec.AlertDistance), ctrl.State())
	}

	lines := readCommands(ctx, stdin)
	for {
		select {
		case err := <-done:
			return err
		case <-status.C:
			printStatus()
		case cmd, ok := <-lines:
			if !ok {
				// stdin closed; keep watching until a signal arrives.
				lines = nil
				continue
			}
			switch strings.ToLower(strings.TrimSpace(cmd.line)) {
			case "d", "disarm":
				tr, err := ctrl.Disarm(ctx)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Disarm failed: %v\n", err)
				} else if tr == nil {
					fmt.Println("Alarm is not armed.")
				}
			case "t", "trigger":
				ctrl.Trigger(ctx)
			case "s", "status":
				printStatus()
			case "q", "quit":
				cancel()
			case "":
			default:
				fmt.Println("Commands: d (disarm), t (trigger), s (status), q (quit)")
			}
			close(cmd.handled)
		}
	}
}

// statusEvery is how often watch prints the tag's distance.
const statusEvery = 10 * time.Second

type command struct {
	line    string
	handled chan struct{}
}

// readCommands reads stdin one line at a time. The next line is not read
// until the previous one is handled, so a passphrase prompt can use stdin.
func readCommands(ctx context.Context, r *bufio.Reader) <-chan command {
	ch := make(chan command)
	go func() {
		defer close(ch)
		for {
			line, err := r.ReadString('\n')
			if err != nil && line == "" {
				return
			}
			cmd := command{line: line, handled: make(chan struct{})}
			select {
			case ch <- cmd:
			case <-ctx.Done():
				return
			}
			select {
			case <-cmd.handled:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func hashPassphraseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-passphrase",
		Short: "Generate gate.passphrase_hash for the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pass, err := readNewPassphrase()
			if err != nil {
				return err
			}
			hash, err := gate.HashPassphrase(pass)
			if err != nil {
				return err
			}
			fmt.Println(hash)
			return nil
		},
	}
}

func readNewPassphrase() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("read passphrase: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fmt.Fprint(os.Stderr, "Passphrase: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	fmt.Fprint(os.Stderr, "Repeat: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	if string(first) != string(second) {
		return "", fmt.Errorf("passphrases do not match")
	}
	return string(first), nil
}

func initConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config",
		Short: "Write the default config to ~/.config/tagwatch/config.yaml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.WriteDefault()
			if err != nil {
				return err
			}
			if path == "" {
				fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
				return nil
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
}
