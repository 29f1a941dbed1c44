// Package ble abstracts the Bluetooth Low Energy transport consumed by the
// protocol engine: scanning, connecting, characteristic discovery, writes
// and notification subscription. The engine itself never touches a
// concrete BLE stack; everything above this package works on bytes.
package ble

import "context"

// Advertisement is one observed BLE advertisement.
type Advertisement struct {
	Adapter   string
	MAC       string
	LocalName string
	RSSI      int
	// ManufacturerData holds the raw manufacturer-specific AD payloads
	// (one per company record), exactly as received.
	ManufacturerData [][]byte
}

// Characteristic is a discovered GATT characteristic.
type Characteristic interface {
	// UUID returns the characteristic UUID in canonical lowercase form.
	UUID() string
	// Notifiable reports whether the characteristic carries the NOTIFY or
	// INDICATE property.
	Notifiable() bool
	// Write sends data to the characteristic without response.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this
	// characteristic.
	Subscribe(callback func(data []byte)) error
	// Unsubscribe removes a previously registered notification callback.
	Unsubscribe() error
}

// Service is a discovered GATT service with its characteristics.
type Service struct {
	UUID            string
	Characteristics []Characteristic
}

// Connection is an active connection to a peripheral.
type Connection interface {
	// Services discovers all services and their characteristics.
	Services() ([]Service, error)
	// MTU returns the negotiated ATT MTU, or an error when the backend
	// cannot report one.
	MTU() (int, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the link drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter.
type Adapter interface {
	// Enable powers on the adapter.
	Enable() error
	// Scan streams advertisements to the callback until the callback
	// returns false or ctx is cancelled.
	Scan(ctx context.Context, callback func(Advertisement) bool) error
	// Connect establishes a connection to the device with the given
	// address.
	Connect(ctx context.Context, mac string) (Connection, error)
}
