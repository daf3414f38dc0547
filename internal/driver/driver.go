// Package driver implements the service drivers for TobyRich SmartPlane
// peripherals: battery, device information, vehicle control and firmware
// upload. Each driver is registered under the kind tag the capability
// table uses to name it.
package driver

import (
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/smartlink/internal/ble"
)

// Driver kind tags.
const (
	KindBattery           = "battery"
	KindDeviceInformation = "device_information"
	KindSmartplane        = "smartplane"
	KindFirmware          = "firmware"
)

// Options tunes driver behavior.
type Options struct {
	// MotorSmoothing and RudderSmoothing are the smoothing buffer
	// capacities. 1 passes each setpoint through unchanged.
	MotorSmoothing  int
	RudderSmoothing int

	// HandshakeDelay separates the two version-query writes.
	HandshakeDelay time.Duration
	// BlockStartDelay separates the transfer request from the first block.
	BlockStartDelay time.Duration
}

// DefaultOptions returns the settings the devices were tuned with.
func DefaultOptions() Options {
	return Options{
		MotorSmoothing:  1,
		RudderSmoothing: 1,
		HandshakeDelay:  1500 * time.Millisecond,
		BlockStartDelay: 1500 * time.Millisecond,
	}
}

// NewRegistry returns a registry with every driver in this package.
func NewRegistry(opts Options) *ble.Registry {
	reg := ble.NewRegistry()
	reg.Register(KindBattery, func() ble.Driver { return &Battery{} })
	reg.Register(KindDeviceInformation, func() ble.Driver { return &DeviceInformation{} })
	reg.Register(KindSmartplane, func() ble.Driver {
		return NewSmartplane(opts.MotorSmoothing, opts.RudderSmoothing)
	})
	reg.Register(KindFirmware, func() ble.Driver {
		return NewFirmware(opts.HandshakeDelay, opts.BlockStartDelay)
	})
	return reg
}

// base holds the link and field map every driver is attached with and
// issues operations by field name. Operations on a field the device does
// not expose are dropped.
type base struct {
	mu     sync.Mutex
	link   *ble.Link
	fields map[string]*ble.Characteristic
}

func (b *base) attach(link *ble.Link, fields map[string]*ble.Characteristic) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.link = link
	b.fields = fields
}

func (b *base) field(name string) (*ble.Link, *ble.Characteristic) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.fields[name]
	if !ok {
		slog.Debug("[DRV] field not present", "field", name)
	}
	return b.link, c
}

// linkValid reports whether the driver's connection is still up.
func (b *base) linkValid() bool {
	b.mu.Lock()
	link := b.link
	b.mu.Unlock()
	return link != nil && link.Valid()
}

func (b *base) updateField(name string) {
	link, c := b.field(name)
	if link == nil || c == nil {
		return
	}
	if err := link.Read(c); err != nil {
		slog.Warn("[DRV] read not queued", "field", name, "error", err)
	}
}

func (b *base) setNotification(name string, enable bool) {
	link, c := b.field(name)
	if link == nil || c == nil {
		return
	}
	if err := link.SetNotify(c, enable); err != nil {
		slog.Warn("[DRV] notification toggle not queued", "field", name, "error", err)
	}
}

func (b *base) writeBytes(name string, value []byte) {
	link, c := b.field(name)
	if link == nil || c == nil {
		return
	}
	if err := link.Write(c, value); err != nil {
		slog.Warn("[DRV] write not queued", "field", name, "error", err)
	}
}

func (b *base) writeChannel(name string, ch ble.Channel) error {
	link, c := b.field(name)
	if link == nil || c == nil {
		return nil
	}
	return link.WriteChannel(c, ch)
}

func (b *base) setWriteWithoutResponse(name string) {
	if _, c := b.field(name); c != nil {
		c.SetWriteWithoutResponse(true)
	}
}
