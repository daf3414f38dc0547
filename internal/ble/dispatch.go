package ble

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Driver is the protocol logic for one discovered service.
type Driver interface {
	// Attach hands the driver its characteristics, keyed by field name,
	// and a handle for issuing operations. It runs once, during service
	// discovery; drivers typically queue their initial reads and
	// notification subscriptions here.
	Attach(link *Link, fields map[string]*Characteristic)
	// DidUpdateValue is called for every read completion or notification
	// on one of the driver's characteristics.
	DidUpdateValue(field string, value []byte)
}

// ChannelSource is implemented by drivers that issue channel-tagged writes.
// ChannelValue returns the bytes to transmit at execution time.
type ChannelSource interface {
	ChannelValue(ch Channel) []byte
}

// Detacher is implemented by drivers that hold resources beyond the
// connection, such as timers. Detach is called once the driver's connection
// has dropped.
type Detacher interface {
	Detach()
}

// Factory creates a fresh driver instance.
type Factory func() Driver

// Registry maps driver kinds named in the capability table to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds kind to f, replacing any earlier binding.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// New instantiates a driver of the given kind.
func (r *Registry) New(kind string) (Driver, bool) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return f(), true
}

// Kinds lists the registered driver kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Link is a driver's non-owning handle to its connection. It is bound to a
// single connection: after that connection drops, every call is a no-op.
type Link struct {
	dev   *Device
	epoch uint64
}

// Read queues a read of c.
func (l *Link) Read(c *Characteristic) error {
	return l.submit(Command{Kind: KindRead, Target: c})
}

// SetNotify queues enabling or disabling notifications on c.
func (l *Link) SetNotify(c *Characteristic, enable bool) error {
	kind := KindDisableNotification
	if enable {
		kind = KindEnableNotification
	}
	return l.submit(Command{Kind: kind, Target: c})
}

// Write queues a write of value to c.
func (l *Link) Write(c *Characteristic, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)
	return l.submit(Command{Kind: KindWrite, Target: c, Value: v})
}

// WriteChannel queues a channel-tagged write to c. The payload is taken from
// the driver's ChannelSource when the write executes. The write is refused
// with ErrChannelBusy while the previous write on ch is in flight, and with
// ErrQueueFull when too many commands are pending.
func (l *Link) WriteChannel(c *Characteristic, ch Channel) error {
	return l.submit(Command{Kind: KindWrite, Target: c, Channel: ch})
}

// Valid reports whether the link's connection is still up.
func (l *Link) Valid() bool {
	l.dev.mu.Lock()
	defer l.dev.mu.Unlock()
	return l.epoch == l.dev.epoch && l.dev.state.connected()
}

func (l *Link) submit(cmd Command) error {
	if cmd.Target == nil {
		return nil
	}
	return l.dev.submitFrom(l.epoch, cmd)
}

// route is the owner of one characteristic.
type route struct {
	driver Driver
	field  string
}

// dispatchServices matches discovered services against the capability table,
// instantiates and attaches their drivers and extends the routing table.
// Called without d.mu held.
func (d *Device) dispatchServices(epoch uint64, services []*Service) {
	for _, s := range services {
		sName, ok := d.caps.ServiceName(s.UUID)
		if !ok {
			slog.Debug("[BLE] skipping unknown service", "uuid", s.UUID)
			continue
		}
		kind, _ := d.caps.DriverFor(sName)
		drv, ok := d.registry.New(kind)
		if !ok {
			slog.Warn("[BLE] no driver for service", "service", sName, "driver", kind)
			continue
		}
		slog.Debug("[BLE] initializing driver", "service", sName, "driver", kind)

		fields := make(map[string]*Characteristic)
		for _, c := range s.Characteristics {
			qualified, ok := d.caps.FieldName(c.UUID)
			if !ok {
				continue
			}
			fields[fieldOf(qualified)] = c
		}

		d.mu.Lock()
		if epoch != d.epoch {
			d.mu.Unlock()
			return
		}
		for field, c := range fields {
			d.routes[c] = route{driver: drv, field: field}
		}
		d.drivers[sName] = append(d.drivers[sName], drv)
		d.mu.Unlock()

		drv.Attach(&Link{dev: d, epoch: epoch}, fields)
		if dl := d.delegate(); dl != nil {
			dl.DidStartService(d, sName, drv)
		}
	}
}

// deliver routes an inbound value to the owning driver. Values for
// characteristics with no owner are dropped.
func (d *Device) deliver(c *Characteristic, value []byte) {
	d.mu.Lock()
	r, ok := d.routes[c]
	d.mu.Unlock()
	if !ok {
		return
	}
	r.driver.DidUpdateValue(r.field, value)
}

// fieldOf strips the service qualifier from "Service/field".
func fieldOf(qualified string) string {
	if i := strings.IndexByte(qualified, '/'); i >= 0 {
		return qualified[i+1:]
	}
	return qualified
}

// channelValue fetches the payload for a channel-tagged write from the
// driver that owns c.
func (d *Device) channelValue(c *Characteristic, ch Channel) ([]byte, error) {
	d.mu.Lock()
	r, ok := d.routes[c]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("ble: no driver owns %s", c.UUID)
	}
	src, ok := r.driver.(ChannelSource)
	if !ok {
		return nil, fmt.Errorf("ble: driver for %s has no %s channel", r.field, ch)
	}
	return src.ChannelValue(ch), nil
}
