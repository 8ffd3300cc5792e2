package ble

import (
	"errors"
	"fmt"
	"strings"
)

// Failure kinds reported by native radio operations.
var (
	ErrScanStart        = errors.New("scan start failed")
	ErrConnect          = errors.New("connect failed")
	ErrDisconnect       = errors.New("disconnect failed")
	ErrServiceDiscovery = errors.New("service discovery failed")
	ErrRead             = errors.New("rssi read failed")
	ErrWrite            = errors.New("characteristic write failed")
)

// Caller errors.
var (
	ErrBusy                   = errors.New("another operation is in flight")
	ErrActiveConnection       = errors.New("another peripheral is already connected")
	ErrUnknownPeripheral      = errors.New("unknown peripheral")
	ErrNotConnected           = errors.New("peripheral is not connected")
	ErrCharacteristicNotFound = errors.New("actuator characteristic not found")
)

// OpError records a failed operation against a peripheral. It unwraps to
// both the failure kind and the underlying cause.
type OpError struct {
	Op   string
	ID   string
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("ble: %s %s: %v", e.Op, e.ID, e.Kind)
	}
	return fmt.Sprintf("ble: %s %s: %v: %v", e.Op, e.ID, e.Kind, e.Err)
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opError(op, id string, kind, err error) *OpError {
	return &OpError{Op: op, ID: id, Kind: kind, Err: err}
}

func equalUUID(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
