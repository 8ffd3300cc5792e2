// Package alarm decides when the paired tag is out of range and drives its
// indicator. Arming is automatic; disarming requires the user to pass a Gate.
package alarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/chaz8081/tagwatch/internal/ble"
	"github.com/chaz8081/tagwatch/internal/proximity"
)

var (
	ErrBiometricUnavailable = errors.New("alarm: no confirmation method available")
	ErrBiometricDenied      = errors.New("alarm: confirmation denied")
	errNoPeripheral         = errors.New("alarm: no peripheral set")
)

// State is the alarm state.
type State int

const (
	Disarmed State = iota
	Armed
)

func (s State) String() string {
	if s == Armed {
		return "armed"
	}
	return "disarmed"
}

// Transition reasons.
const (
	ReasonSignalLost = "signal_lost"
	ReasonNoSignal   = "no_signal"
	ReasonManual     = "manual"
	ReasonConfirmed  = "confirmed"
)

// Transition describes one state change.
type Transition struct {
	Peripheral      string
	From            State
	To              State
	Reason          string
	RSSI            float64 // smoothed value that caused arming, if any
	ActuationFailed bool
	At              time.Time
}

// Actuator writes the indicator signal. *ble.Manager implements it.
type Actuator interface {
	WriteActuationSignal(ctx context.Context, id string, value byte) error
	Disconnect(ctx context.Context, id string) error
	Active() (string, bool)
}

// Gate confirms the user before the alarm is disarmed.
type Gate interface {
	// Available reports whether confirmation is possible and names the method.
	Available(ctx context.Context) (bool, string)
	Authenticate(ctx context.Context, message string) (bool, error)
}

// Options configures the Controller.
type Options struct {
	ThresholdRSSI float64 // arm when the smoothed RSSI is strictly below this
	Prompt        string
}

// DefaultOptions returns the default threshold and prompt.
func DefaultOptions() Options {
	return Options{
		ThresholdRSSI: -73,
		Prompt:        "Authenticate",
	}
}

// Controller holds the alarm state for one peripheral.
type Controller struct {
	act  Actuator
	gate Gate
	opts Options

	mu         sync.Mutex
	state      State
	peripheral string
	listeners  []func(Transition)
}

// NewController creates a Disarmed controller for peripheral id.
func NewController(act Actuator, gate Gate, id string, opts Options) *Controller {
	if opts.ThresholdRSSI == 0 {
		opts.ThresholdRSSI = DefaultOptions().ThresholdRSSI
	}
	if opts.Prompt == "" {
		opts.Prompt = DefaultOptions().Prompt
	}
	return &Controller{
		act:        act,
		gate:       gate,
		opts:       opts,
		peripheral: id,
	}
}

// State returns the current alarm state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Peripheral returns the ID the controller actuates.
func (c *Controller) Peripheral() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peripheral
}

// SetPeripheral changes the actuated peripheral. The state is kept.
func (c *Controller) SetPeripheral(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peripheral = id
}

// OnTransition registers fn to run after every state change.
func (c *Controller) OnTransition(fn func(Transition)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Observe arms the alarm when est is below the threshold. It returns the
// transition, or nil if the state did not change.
func (c *Controller) Observe(ctx context.Context, est proximity.Estimate) *Transition {
	if est.Samples == 0 || est.RSSI >= c.opts.ThresholdRSSI {
		return nil
	}
	return c.arm(ctx, ReasonSignalLost, est.RSSI)
}

// Lost arms the alarm when the tag stopped answering altogether.
func (c *Controller) Lost(ctx context.Context) *Transition {
	return c.arm(ctx, ReasonNoSignal, 0)
}

// Trigger arms the alarm by hand.
func (c *Controller) Trigger(ctx context.Context) *Transition {
	return c.arm(ctx, ReasonManual, 0)
}

func (c *Controller) arm(ctx context.Context, reason string, rssi float64) *Transition {
	c.mu.Lock()
	if c.state == Armed {
		c.mu.Unlock()
		return nil
	}
	c.state = Armed
	id := c.peripheral
	c.mu.Unlock()

	slog.Warn("[ALARM] armed", "id", id, "reason", reason, "rssi", rssi)
	tr := Transition{
		Peripheral: id,
		From:       Disarmed,
		To:         Armed,
		Reason:     reason,
		RSSI:       rssi,
		At:         time.Now(),
	}
	if err := c.write(ctx, id, ble.SignalOn); err != nil {
		// The alarm stays raised locally even if the tag did not get the signal.
		slog.Error("[ALARM] failed to actuate indicator", "id", id, "error", err)
		tr.ActuationFailed = true
	}
	c.notify(tr)
	return &tr
}

// Disarm asks the Gate to confirm the user and, on success, turns the
// indicator off and closes the link. It returns nil, nil when already
// Disarmed.
func (c *Controller) Disarm(ctx context.Context) (*Transition, error) {
	if c.State() == Disarmed {
		return nil, nil
	}

	ok, kind := c.gate.Available(ctx)
	if !ok {
		slog.Warn("[ALARM] confirmation not available")
		return nil, ErrBiometricUnavailable
	}
	slog.Debug("[ALARM] confirmation available", "kind", kind)

	confirmed, err := c.gate.Authenticate(ctx, c.opts.Prompt)
	if err != nil {
		return nil, fmt.Errorf("alarm: authenticate: %w", err)
	}
	if !confirmed {
		slog.Info("[ALARM] confirmation denied")
		return nil, ErrBiometricDenied
	}

	c.mu.Lock()
	if c.state == Disarmed {
		c.mu.Unlock()
		return nil, nil
	}
	c.state = Disarmed
	id := c.peripheral
	c.mu.Unlock()

	slog.Info("[ALARM] disarmed", "id", id)
	tr := Transition{
		Peripheral: id,
		From:       Armed,
		To:         Disarmed,
		Reason:     ReasonConfirmed,
		At:         time.Now(),
	}
	if err := c.write(ctx, id, ble.SignalOff); err != nil {
		slog.Error("[ALARM] failed to clear indicator", "id", id, "error", err)
		tr.ActuationFailed = true
	}
	if active, ok := c.act.Active(); ok && active == id {
		if err := retryBusy(ctx, func() error { return c.act.Disconnect(ctx, id) }); err != nil {
			slog.Warn("[ALARM] disconnect after disarm failed", "id", id, "error", err)
		}
	}
	c.notify(tr)
	return &tr, nil
}

// busyRetries bounds how often a write is retried while the link is busy
// with a sampling read. Together with busyBackoff it outlasts the default
// RSSI read timeout.
const (
	busyRetries = 20
	busyBackoff = 200 * time.Millisecond
)

func (c *Controller) write(ctx context.Context, id string, value byte) error {
	if id == "" {
		return errNoPeripheral
	}
	return retryBusy(ctx, func() error {
		return c.act.WriteActuationSignal(ctx, id, value)
	})
}

func retryBusy(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i < busyRetries; i++ {
		if err = fn(); !errors.Is(err, ble.ErrBusy) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(busyBackoff):
		}
	}
	return err
}

func (c *Controller) notify(tr Transition) {
	c.mu.Lock()
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(tr)
	}
}
