package ble

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestScanForPeripherals(t *testing.T) {
	adapter := newMockAdapter([]Advertisement{
		{ID: "11:11", Name: "Far Tag", RSSI: -88},
		{ID: "22:22", Name: "ESP TAG", RSSI: -45},
		{ID: "33:33", Name: "", RSSI: -30},
	})
	reg := NewRegistry()
	scanner := NewScanner(adapter, reg, NewFeed(), time.Second)

	result, err := ScanForPeripherals(context.Background(), scanner, reg)
	if err != nil {
		t.Fatalf("ScanForPeripherals() error = %v", err)
	}
	if len(result) != 2 {
		t.Fatalf("got %d peripherals, want 2", len(result))
	}
	if result[0].ID != "22:22" || result[0].Name != "ESP TAG" {
		t.Errorf("first = %+v, want strongest ESP TAG", result[0])
	}
	if result[1].ID != "11:11" {
		t.Errorf("second ID = %q, want %q", result[1].ID, "11:11")
	}
}

func TestScanForPeripheralsEmpty(t *testing.T) {
	reg := NewRegistry()
	scanner := NewScanner(newMockAdapter(nil), reg, NewFeed(), time.Second)

	result, err := ScanForPeripherals(context.Background(), scanner, reg)
	if err != nil {
		t.Fatalf("ScanForPeripherals() error = %v", err)
	}
	if len(result) != 0 {
		t.Fatalf("got %d peripherals, want 0", len(result))
	}
}

func TestScanForPeripheralsEnableError(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.enableErr = errors.New("adapter powered off")
	reg := NewRegistry()
	scanner := NewScanner(adapter, reg, NewFeed(), time.Second)

	if _, err := ScanForPeripherals(context.Background(), scanner, reg); !errors.Is(err, ErrScanStart) {
		t.Errorf("ScanForPeripherals() error = %v, want ErrScanStart", err)
	}
}

func TestPair(t *testing.T) {
	adapter := newMockAdapter(nil)
	mgr, reg, _ := newTestManager(t, adapter, testManagerOptions())

	result, err := Pair(context.Background(), mgr, reg, "AA:BB", PairOptions{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Pair() error = %v", err)
	}
	if result.ID != "AA:BB" || result.Name != "ESP TAG" {
		t.Errorf("result = %+v, want AA:BB / ESP TAG", result)
	}
	if len(result.Services) != 2 {
		t.Errorf("got %d services, want 2", len(result.Services))
	}
	if !adapter.latestConnection().isDisconnected() {
		t.Error("Pair() should disconnect when done")
	}
	if _, ok := mgr.Active(); ok {
		t.Error("no peripheral should be active after Pair()")
	}
}

func TestPairMissingActuator(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.prepare = func(c *mockConnection) { c.services = c.services[:1] }
	mgr, reg, _ := newTestManager(t, adapter, testManagerOptions())

	_, err := Pair(context.Background(), mgr, reg, "AA:BB", DefaultPairOptions())
	if !errors.Is(err, ErrCharacteristicNotFound) {
		t.Fatalf("Pair() error = %v, want ErrCharacteristicNotFound", err)
	}
	if !adapter.latestConnection().isDisconnected() {
		t.Error("Pair() should disconnect after a failed check")
	}
}

func TestPairConnectFailure(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.connectErr = errors.New("peer unreachable")
	mgr, reg, _ := newTestManager(t, adapter, testManagerOptions())

	if _, err := Pair(context.Background(), mgr, reg, "AA:BB", DefaultPairOptions()); !errors.Is(err, ErrConnect) {
		t.Errorf("Pair() error = %v, want ErrConnect", err)
	}
}

func TestDefaultPairOptions(t *testing.T) {
	if got := DefaultPairOptions().Timeout; got != 20*time.Second {
		t.Errorf("Timeout = %v, want 20s", got)
	}
}
