package ble

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"
)

// TinyGoAdapter wraps tinygo-org/bluetooth. On macOS device addresses are
// CoreBluetooth UUIDs rather than MAC addresses; the MAC fields carry that
// UUID string there.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*tinyGoConnection // keyed by device address
}

// NewTinyGoAdapter creates a BLE adapter backed by the platform default
// Bluetooth stack.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*tinyGoConnection),
	}
}

func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// The adapter-level handler fires with connected=false when a
	// peripheral drops; route it to the matching connection callback.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[id]
		a.mu.Unlock()
		if ok && conn.disconnectCb != nil {
			conn.disconnectCb()
		}
	})

	return nil
}

func (a *TinyGoAdapter) Scan(ctx context.Context, callback func(Advertisement) bool) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		adv := Advertisement{
			Adapter:   "default",
			MAC:       result.Address.String(),
			LocalName: result.LocalName(),
			RSSI:      int(result.RSSI),
		}
		// Rebuild each manufacturer payload with the company identifier
		// bytes in front: the identity signature spans the company-ID
		// field, so the parser needs the record exactly as advertised.
		for _, element := range result.ManufacturerData() {
			payload := make([]byte, 2+len(element.Data))
			binary.LittleEndian.PutUint16(payload[0:2], element.CompanyID)
			copy(payload[2:], element.Data)
			adv.ManufacturerData = append(adv.ManufacturerData, payload)
		}
		if !callback(adv) {
			a.adapter.StopScan()
		}
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

func (a *TinyGoAdapter) Connect(ctx context.Context, mac string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(mac)

	// tinygo's Connect blocks with its own timeout; wrap it so our ctx
	// cancellation returns promptly.
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
		return nil, fmt.Errorf("ble: connect to %s: %w", mac, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", mac, result.err)
		}
		conn := &tinyGoConnection{device: &result.device}
		a.mu.Lock()
		a.connections[mac] = conn
		a.mu.Unlock()
		return conn, nil
	}
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

type tinyGoConnection struct {
	device       *bluetooth.Device
	disconnectCb func()

	mu    sync.Mutex
	chars []*tinyGoCharacteristic
}

func (c *tinyGoConnection) Services() ([]Service, error) {
	svcs, err := c.device.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}

	out := make([]Service, 0, len(svcs))
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chars = c.chars[:0]
	for i := range svcs {
		chars, err := svcs[i].DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("ble: discover characteristics for %s: %w", svcs[i].UUID().String(), err)
		}
		service := Service{UUID: svcs[i].UUID().String()}
		for j := range chars {
			wrapped := &tinyGoCharacteristic{char: chars[j]}
			service.Characteristics = append(service.Characteristics, wrapped)
			c.chars = append(c.chars, wrapped)
		}
		out = append(out, service)
	}
	return out, nil
}

func (c *tinyGoConnection) MTU() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.chars) == 0 {
		return 0, fmt.Errorf("ble: mtu unavailable before service discovery")
	}
	mtu, err := c.chars[0].char.GetMTU()
	if err != nil {
		return 0, fmt.Errorf("ble: mtu: %w", err)
	}
	return int(mtu), nil
}

func (c *tinyGoConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *tinyGoConnection) OnDisconnect(cb func()) {
	c.disconnectCb = cb
}

type tinyGoCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *tinyGoCharacteristic) UUID() string {
	return c.char.UUID().String()
}

// Notifiable is optimistic: tinygo does not surface GATT properties, so
// subscription failures are reported by Subscribe instead.
func (c *tinyGoCharacteristic) Notifiable() bool {
	return true
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

func (c *tinyGoCharacteristic) Unsubscribe() error {
	return c.char.EnableNotifications(nil)
}
