// Package ble drives a single Bluetooth Low Energy peripheral. It serializes
// every GATT operation through a priority command queue gated by a single
// in-flight permit, runs the scan/connect/discover state machine, and
// dispatches discovered services to pluggable per-service drivers.
package ble

import "sync/atomic"

// Characteristic is a handle to a characteristic discovered on the current
// link. Handles are only meaningful for the connection that produced them.
type Characteristic struct {
	UUID string

	// Ref is the transport's own handle for this characteristic.
	Ref any

	noResponse atomic.Bool
}

// SetWriteWithoutResponse selects write-without-response for later writes.
func (c *Characteristic) SetWriteWithoutResponse(v bool) {
	c.noResponse.Store(v)
}

// WriteWithoutResponse reports whether writes skip the ATT response.
func (c *Characteristic) WriteWithoutResponse() bool {
	return c.noResponse.Load()
}

// Service is a discovered GATT service with its characteristics.
type Service struct {
	UUID            string
	Characteristics []*Characteristic
}

// Advertisement is a single scan result.
type Advertisement struct {
	Name    string
	Address string
	RSSI    int
	Data    []byte // raw advertising data, nil if the platform hides it
}

// Transport is the platform BLE stack. Every method only issues the
// operation; its outcome is delivered later through the Handler. The stack
// drops a second request while one is outstanding, so callers must wait for
// each completion before issuing the next operation.
type Transport interface {
	// SetHandler registers the receiver of all completion callbacks.
	SetHandler(h Handler)
	// RadioEnabled reports whether the platform radio is powered on.
	RadioEnabled() bool
	// StartScan begins scanning, restarting any scan already running.
	StartScan(onResult func(Advertisement)) error
	// StopScan stops a running scan.
	StopScan() error
	// Connect opens a link to the advertised address.
	// Completion: OnConnectionStateChange.
	Connect(address string) error
	// Disconnect closes the link. Completion: OnConnectionStateChange(false).
	Disconnect() error
	// DiscoverServices enumerates the peer's services.
	// Completion: OnServicesDiscovered.
	DiscoverServices() error
	// ReadCharacteristic reads a value. Completion: OnCharacteristicRead.
	ReadCharacteristic(c *Characteristic) error
	// WriteCharacteristic writes a value. Completion: OnCharacteristicWrite.
	WriteCharacteristic(c *Characteristic, value []byte) error
	// SetNotify toggles notifications. Completion: OnDescriptorWrite.
	SetNotify(c *Characteristic, enable bool) error
	// ReadRSSI reads the link signal strength. Completion: OnRSSIRead.
	ReadRSSI() error
}

// Handler receives asynchronous transport events. Callbacks may arrive on
// any goroutine.
type Handler interface {
	OnConnectionStateChange(connected bool)
	OnServicesDiscovered(services []*Service, err error)
	OnCharacteristicRead(c *Characteristic, value []byte, err error)
	OnCharacteristicChanged(c *Characteristic, value []byte)
	OnCharacteristicWrite(c *Characteristic, err error)
	OnDescriptorWrite(c *Characteristic, err error)
	OnRSSIRead(rssi int, err error)
}
