// Package ble tracks a single paired BLE tag: it keeps the registry of
// discovered peripherals, runs discovery scans, and owns the connection used
// to sample RSSI and to actuate the tag's indicator characteristic.
package ble

import "context"

// Default actuator UUIDs. These match the stock ESP32/Arduino "LED" example
// service the tag firmware is built from.
const (
	DefaultServiceUUID        = "19b10000-e8f2-537e-4f6c-d104768a1214"
	DefaultCharacteristicUUID = "19b10001-e8f2-537e-4f6c-d104768a1214"
)

// Actuation payloads written to the indicator characteristic.
const (
	SignalOff byte = 0
	SignalOn  byte = 1
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Service describes a discovered GATT service and its characteristic UUIDs.
type Service struct {
	UUID            string
	Characteristics []string
}

// HasCharacteristic reports whether the service exposes charUUID.
func (s Service) HasCharacteristic(charUUID string) bool {
	for _, c := range s.Characteristics {
		if equalUUID(c, charUUID) {
			return true
		}
	}
	return false
}

// Advertisement is a single discovery result from the native scanner.
type Advertisement struct {
	ID   string
	Name string
	RSSI int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverServices enumerates every service and characteristic.
	DiscoverServices(ctx context.Context) ([]Service, error)
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// ReadRSSI returns the current signal strength of the link in dBm.
	ReadRSSI(ctx context.Context) (int, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan reports advertisements to handler until ctx is done or StopScan
	// is called. It blocks for the duration of the scan.
	Scan(ctx context.Context, handler func(Advertisement)) error
	// StopScan ends a running scan. Calling it without a scan is not an error.
	StopScan() error
	// Connect establishes a connection to the peripheral with the given ID.
	Connect(ctx context.Context, id string) (Connection, error)
}
