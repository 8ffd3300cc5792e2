package ble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

var errScanInProgress = errors.New("ble: scan already in progress")

// TinyGoAdapter wraps tinygo-org/bluetooth (BlueZ on Linux, CoreBluetooth on
// macOS). On macOS peripheral IDs are CoreBluetooth UUIDs, not MAC addresses.
//
// tinygo/bluetooth has no RSSI read for a connected device, so ReadRSSI takes
// the strength of the next advertisement seen from the peripheral, the same
// way beacon ranging does.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter

	mu          sync.Mutex
	enabled     bool
	scanning    bool
	ownScan     bool // scan started by readRSSI rather than Scan
	handler     func(Advertisement)
	waiters     map[string][]chan int
	connections map[string]*tinyGoConnection // keyed by peripheral ID
}

// NewTinyGoAdapter creates a new BLE adapter on the default HCI device.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		waiters:     make(map[string][]chan int),
		connections: make(map[string]*tinyGoConnection),
	}
}

func (a *TinyGoAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enabled {
		return nil
	}
	if err := a.adapter.Enable(); err != nil {
		return err
	}
	a.enabled = true

	// tinygo/bluetooth reports disconnects through the adapter-level handler
	// (connected=false); route them to the owning connection.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[id]
		delete(a.connections, id)
		a.mu.Unlock()
		if ok {
			conn.fireDisconnect()
		}
	})
	return nil
}

func (a *TinyGoAdapter) Scan(ctx context.Context, handler func(Advertisement)) error {
	a.mu.Lock()
	if a.scanning {
		a.mu.Unlock()
		return errScanInProgress
	}
	a.scanning = true
	a.handler = handler
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.scanning = false
		a.handler = nil
		a.mu.Unlock()
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.adapter.Scan(a.onScanResult); err != nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

func (a *TinyGoAdapter) onScanResult(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
	adv := Advertisement{
		ID:   result.Address.String(),
		Name: result.LocalName(),
		RSSI: int(result.RSSI),
	}

	a.mu.Lock()
	h := a.handler
	ws := a.waiters[adv.ID]
	delete(a.waiters, adv.ID)
	stop := a.ownScan && len(a.waiters) == 0
	a.mu.Unlock()

	for _, ch := range ws {
		ch <- adv.RSSI
	}
	if h != nil {
		h(adv)
	}
	if stop {
		_ = a.adapter.StopScan()
	}
}

func (a *TinyGoAdapter) StopScan() error {
	a.mu.Lock()
	scanning := a.scanning
	a.mu.Unlock()
	if !scanning {
		return nil
	}
	return a.adapter.StopScan()
}

// readRSSI waits for the next advertisement from id. If no scan is running it
// runs one for the duration of the wait.
func (a *TinyGoAdapter) readRSSI(ctx context.Context, id string) (int, error) {
	ch := make(chan int, 1)

	a.mu.Lock()
	a.waiters[id] = append(a.waiters[id], ch)
	own := !a.scanning
	if own {
		a.scanning = true
		a.ownScan = true
	}
	a.mu.Unlock()

	// An own scan stops itself on the first advertisement seen after the
	// last waiter left.
	if own {
		go func() {
			_ = a.adapter.Scan(a.onScanResult)
			a.mu.Lock()
			a.scanning = false
			a.ownScan = false
			a.mu.Unlock()
		}()
	}

	select {
	case rssi := <-ch:
		return rssi, nil
	case <-ctx.Done():
		a.mu.Lock()
		ws := a.waiters[id]
		for i, w := range ws {
			if w == ch {
				a.waiters[id] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		if len(a.waiters[id]) == 0 {
			delete(a.waiters, id)
		}
		a.mu.Unlock()
		return 0, fmt.Errorf("ble: no advertisement from %s: %w", id, ctx.Err())
	}
}

func (a *TinyGoAdapter) Connect(ctx context.Context, id string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(id)

	// tinygo/bluetooth's Connect blocks internally with its own timeout.
	// We wrap it to also respect our ctx cancellation.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		// The underlying Connect will eventually time out or succeed; if it
		// succeeds, drop the link nobody is waiting for.
		go func() {
			if result := <-ch; result.err == nil {
				_ = result.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", id, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", id, result.err)
		}
		conn := &tinyGoConnection{
			id:      id,
			adapter: a,
			device:  &result.device,
			chars:   make(map[string]*bluetooth.DeviceCharacteristic),
		}

		a.mu.Lock()
		a.connections[id] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

type tinyGoConnection struct {
	id      string
	adapter *TinyGoAdapter
	device  *bluetooth.Device

	mu           sync.Mutex
	chars        map[string]*bluetooth.DeviceCharacteristic // "service/char", lower case
	disconnectCb func()
}

func charKey(serviceUUID, charUUID string) string {
	return strings.ToLower(serviceUUID) + "/" + strings.ToLower(charUUID)
}

func (c *tinyGoConnection) DiscoverServices(ctx context.Context) ([]Service, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	svcs, err := c.device.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}

	result := make([]Service, 0, len(svcs))
	for i := range svcs {
		svc := svcs[i]
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("ble: discover characteristics of %s: %w", svc.UUID().String(), err)
		}
		s := Service{UUID: svc.UUID().String()}
		c.mu.Lock()
		for j := range chars {
			char := chars[j]
			s.Characteristics = append(s.Characteristics, char.UUID().String())
			c.chars[charKey(s.UUID, char.UUID().String())] = &char
		}
		c.mu.Unlock()
		result = append(result, s)
	}
	return result, nil
}

func (c *tinyGoConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	c.mu.Lock()
	char, ok := c.chars[charKey(serviceUUID, charUUID)]
	c.mu.Unlock()
	if ok {
		return &tinyGoCharacteristic{char: char}, nil
	}

	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}
	charUUIDParsed, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{charUUIDParsed})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}

	c.mu.Lock()
	c.chars[charKey(serviceUUID, charUUID)] = &chars[0]
	c.mu.Unlock()
	return &tinyGoCharacteristic{char: &chars[0]}, nil
}

func (c *tinyGoConnection) ReadRSSI(ctx context.Context) (int, error) {
	return c.adapter.readRSSI(ctx, c.id)
}

func (c *tinyGoConnection) Disconnect() error {
	c.adapter.mu.Lock()
	delete(c.adapter.connections, c.id)
	c.adapter.mu.Unlock()
	return c.device.Disconnect()
}

func (c *tinyGoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *tinyGoConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type tinyGoCharacteristic struct {
	char *bluetooth.DeviceCharacteristic
}

func (c *tinyGoCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *tinyGoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cb(buf)
	})
}
