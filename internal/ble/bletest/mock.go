// Package bletest provides an in-memory transport implementation for
// exercising the protocol engine without hardware.
package bletest

import (
	"context"
	"fmt"
	"sync"

	"github.com/chaz8081/idmctl/internal/ble"
)

// Characteristic records writes and lets tests push notifications.
type Characteristic struct {
	uuid       string
	notifiable bool

	mu       sync.Mutex
	writes   [][]byte
	callback func([]byte)
	// WriteErr, when set, fails every Write call.
	WriteErr error
	// OnWrite, when set, runs after each successful write while holding
	// no locks; tests use it to answer writes with notifications.
	OnWrite func(data []byte)
}

// NewCharacteristic creates a mock characteristic.
func NewCharacteristic(uuid string, notifiable bool) *Characteristic {
	return &Characteristic{uuid: uuid, notifiable: notifiable}
}

func (c *Characteristic) UUID() string     { return c.uuid }
func (c *Characteristic) Notifiable() bool { return c.notifiable }

func (c *Characteristic) Write(data []byte) error {
	c.mu.Lock()
	if c.WriteErr != nil {
		err := c.WriteErr
		c.mu.Unlock()
		return err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	onWrite := c.OnWrite
	c.mu.Unlock()
	if onWrite != nil {
		onWrite(cp)
	}
	return nil
}

func (c *Characteristic) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = cb
	return nil
}

func (c *Characteristic) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = nil
	return nil
}

// Notify delivers a notification to the subscriber, if any.
func (c *Characteristic) Notify(data []byte) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

// Writes returns a snapshot of everything written so far.
func (c *Characteristic) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

// WrittenBytes returns the concatenation of all writes.
func (c *Characteristic) WrittenBytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []byte
	for _, w := range c.writes {
		out = append(out, w...)
	}
	return out
}

// Reset clears the recorded writes.
func (c *Characteristic) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = nil
}

// Connection is a mock BLE connection.
type Connection struct {
	services []ble.Service
	mtu      int
	mtuErr   error

	mu           sync.Mutex
	disconnectCb func()
	disconnected bool
}

// NewConnection creates a connection exposing the given services.
func NewConnection(mtu int, services ...ble.Service) *Connection {
	return &Connection{services: services, mtu: mtu}
}

// SetMTUError makes MTU() fail, simulating a backend that cannot report
// the negotiated value.
func (c *Connection) SetMTUError(err error) { c.mtuErr = err }

func (c *Connection) Services() ([]ble.Service, error) { return c.services, nil }

func (c *Connection) MTU() (int, error) {
	if c.mtuErr != nil {
		return 0, c.mtuErr
	}
	return c.mtu, nil
}

func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return nil
}

func (c *Connection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

// DropLink simulates a link loss, firing the disconnect callback.
func (c *Connection) DropLink() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Disconnected reports whether Disconnect was called.
func (c *Connection) Disconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// Adapter is a mock BLE adapter serving canned advertisements.
type Adapter struct {
	Advertisements []ble.Advertisement

	mu          sync.Mutex
	connections map[string]*Connection
}

// NewAdapter creates a mock adapter.
func NewAdapter(advertisements ...ble.Advertisement) *Adapter {
	return &Adapter{
		Advertisements: advertisements,
		connections:    make(map[string]*Connection),
	}
}

// AddConnection registers the connection returned for a MAC.
func (a *Adapter) AddConnection(mac string, conn *Connection) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connections[mac] = conn
}

func (a *Adapter) Enable() error { return nil }

func (a *Adapter) Scan(_ context.Context, callback func(ble.Advertisement) bool) error {
	for _, adv := range a.Advertisements {
		if !callback(adv) {
			return nil
		}
	}
	return nil
}

func (a *Adapter) Connect(_ context.Context, mac string) (ble.Connection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	conn, ok := a.connections[mac]
	if !ok {
		return nil, fmt.Errorf("bletest: no connection registered for %q", mac)
	}
	return conn, nil
}

// Compile-time interface checks.
var (
	_ ble.Adapter        = (*Adapter)(nil)
	_ ble.Connection     = (*Connection)(nil)
	_ ble.Characteristic = (*Characteristic)(nil)
)
