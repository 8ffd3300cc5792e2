package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// PairResult contains the data needed to save the pairing record.
type PairResult struct {
	ID       string
	Name     string
	RSSI     int
	Services []Service
}

// PairOptions configures pairing behavior.
type PairOptions struct {
	Timeout time.Duration // bound on the whole connect sequence
}

// DefaultPairOptions returns sensible defaults for production use.
func DefaultPairOptions() PairOptions {
	return PairOptions{
		Timeout: 20 * time.Second,
	}
}

// ScanForPeripherals runs one discovery scan to completion and returns the
// named peripherals found, strongest first.
func ScanForPeripherals(ctx context.Context, scanner *Scanner, registry *Registry) ([]Peripheral, error) {
	if err := scanner.StartScan(ctx); err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	scanner.Wait()
	return registry.Snapshot(), nil
}

// Pair connects to id, checks that it exposes the actuator characteristic,
// and disconnects again. The peripheral must already be in the registry.
func Pair(ctx context.Context, mgr *Manager, registry *Registry, id string, opts PairOptions) (*PairResult, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultPairOptions().Timeout
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	if err := mgr.Connect(ctx, id); err != nil {
		return nil, fmt.Errorf("ble: connect for pairing: %w", err)
	}
	defer func() {
		if err := mgr.Disconnect(context.Background(), id); err != nil && !errors.Is(err, ErrNotConnected) {
			slog.Warn("[BLE] disconnect after pairing failed", "id", id, "error", err)
		}
	}()

	p, ok := registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("ble: pair %s: %w", id, ErrUnknownPeripheral)
	}
	if !hasActuator(p.Services, mgr.opts.ServiceUUID, mgr.opts.CharacteristicUUID) {
		return nil, fmt.Errorf("ble: pair %s: service %s characteristic %s: %w",
			id, mgr.opts.ServiceUUID, mgr.opts.CharacteristicUUID, ErrCharacteristicNotFound)
	}

	return &PairResult{
		ID:       p.ID,
		Name:     p.Name,
		RSSI:     p.RSSI,
		Services: p.Services,
	}, nil
}
