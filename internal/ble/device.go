package ble

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
)

var (
	// ErrRadioDisabled is returned by Connect when the platform radio is off.
	ErrRadioDisabled = errors.New("ble: bluetooth radio disabled")
	// ErrClosed is returned by Connect after Close.
	ErrClosed = errors.New("ble: device closed")
)

// State is the connection state of a Device.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateConnecting
	StateServiceDiscovery
	StateReady
	StateDisconnecting
)

var stateNames = [...]string{"idle", "scanning", "connecting", "service-discovery", "ready", "disconnecting"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// linkUp reports whether drivers may issue characteristic operations.
func (s State) linkUp() bool {
	return s == StateServiceDiscovery || s == StateReady
}

func (s State) connected() bool {
	return s.linkUp() || s == StateDisconnecting
}

// Capabilities is the lookup API of the device capability table.
type Capabilities interface {
	ServiceName(uuid string) (string, bool)
	DriverFor(service string) (string, bool)
	// FieldName returns the service-qualified name "Service/field".
	FieldName(uuid string) (string, bool)
	PrimaryServices() []string
	RSSIWindow() (low, high int)
}

// Delegate receives connection-level events. All methods are called without
// internal locks held, on whichever goroutine produced the event.
type Delegate interface {
	DidStartService(d *Device, serviceName string, drv Driver)
	DidUpdateSignalStrength(d *Device, rssi int)
	DidStartScanning(d *Device)
	DidStartConnectingTo(d *Device, rssi int)
	DidDisconnect(d *Device)
}

// Options configures a Device.
type Options struct {
	// DeviceNames is the advertised-name allowlist, compared without case.
	// When empty, devices advertising a primary service are accepted.
	DeviceNames []string
	// AutoReconnect restarts scanning when the link drops unexpectedly.
	AutoReconnect bool
	// SoftLimit is the pending-command count that triggers a warning.
	SoftLimit int
	// HardLimit is the pending-command count above which channel-tagged
	// writes are refused.
	HardLimit int
}

// Device is the connection to one BLE peripheral. It implements Handler and
// registers itself with its transport.
type Device struct {
	transport Transport
	caps      Capabilities
	registry  *Registry
	opts      Options
	permit    *permit

	mu          sync.Mutex
	state       State
	epoch       uint64 // bumped on every disconnect
	queue       *commandQueue
	routes      map[*Characteristic]route
	drivers     map[string][]Driver
	peer        string
	inFlight    *Command
	channelBusy map[Channel]bool
	dl          Delegate
	closed      bool
}

// Compile-time check that Device implements Handler.
var _ Handler = (*Device)(nil)

// NewDevice creates an idle Device. Nothing is started until Connect.
func NewDevice(t Transport, caps Capabilities, reg *Registry, opts Options) (*Device, error) {
	if t == nil || caps == nil || reg == nil {
		return nil, fmt.Errorf("ble: transport, capabilities and registry are required")
	}
	if low, high := caps.RSSIWindow(); low > high {
		return nil, fmt.Errorf("ble: invalid rssi window [%d, %d]", low, high)
	}
	if opts.SoftLimit <= 0 {
		opts.SoftLimit = DefaultSoftLimit
	}
	if opts.HardLimit <= 0 {
		opts.HardLimit = DefaultHardLimit
	}
	d := &Device{
		transport:   t,
		caps:        caps,
		registry:    reg,
		opts:        opts,
		permit:      newPermit(),
		routes:      make(map[*Characteristic]route),
		drivers:     make(map[string][]Driver),
		channelBusy: make(map[Channel]bool),
	}
	d.queue = newCommandQueue(0, opts.SoftLimit, d.execute)
	t.SetHandler(d)
	return d, nil
}

// SetDelegate registers the connection event listener. nil clears it.
func (d *Device) SetDelegate(dl Delegate) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dl = dl
}

func (d *Device) delegate() Delegate {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dl
}

// State returns the current connection state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Driver returns the first driver attached for the named service on the
// current connection.
func (d *Device) Driver(serviceName string) (Driver, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	drvs := d.drivers[serviceName]
	if len(drvs) == 0 {
		return nil, false
	}
	return drvs[0], true
}

// Connect starts scanning for an acceptable device. It fails with
// ErrRadioDisabled if the radio is off; connection progress is reported
// through the Delegate.
func (d *Device) Connect() error {
	if !d.transport.RadioEnabled() {
		return ErrRadioDisabled
	}
	return d.startScanning()
}

// Disconnect queues a disconnect request. It has no effect unless the
// device is ready.
func (d *Device) Disconnect() {
	d.submit(Command{Kind: KindDisconnect})
}

// UpdateSignalStrength queues an RSSI poll. The result is reported through
// Delegate.DidUpdateSignalStrength.
func (d *Device) UpdateSignalStrength() {
	d.submit(Command{Kind: KindPollRSSI})
}

// Close stops scanning, drops the link if any and tears down the queue.
// The Device cannot be reused.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	state := d.state
	q := d.queue
	d.mu.Unlock()

	q.close()
	_ = d.transport.StopScan()
	d.permit.release()
	if state != StateIdle && state != StateScanning {
		if err := d.transport.Disconnect(); err != nil {
			return fmt.Errorf("ble: disconnect: %w", err)
		}
	}
	return nil
}

func (d *Device) submit(cmd Command) {
	d.mu.Lock()
	q := d.queue
	d.mu.Unlock()
	if err := q.submit(cmd); err != nil {
		slog.Debug("[BLE] dropping command", "cmd", cmd, "error", err)
	}
}

// submitFrom queues a driver command issued through a Link bound to epoch.
func (d *Device) submitFrom(epoch uint64, cmd Command) error {
	d.mu.Lock()
	if epoch != d.epoch || !d.state.linkUp() {
		d.mu.Unlock()
		return nil
	}
	q := d.queue
	if cmd.Channel != ChannelNone {
		if q.pending() > d.opts.HardLimit {
			d.mu.Unlock()
			return ErrQueueFull
		}
		if d.channelBusy[cmd.Channel] {
			d.mu.Unlock()
			return ErrChannelBusy
		}
		d.channelBusy[cmd.Channel] = true
	}
	d.mu.Unlock()

	if err := q.submit(cmd); err != nil {
		slog.Debug("[BLE] dropping command", "cmd", cmd, "error", err)
	}
	return nil
}

func (d *Device) startScanning() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if d.state != StateIdle && d.state != StateScanning {
		d.mu.Unlock()
		return nil
	}
	d.state = StateScanning
	d.mu.Unlock()

	_ = d.transport.StopScan() // in case a scan is already running
	if err := d.transport.StartScan(d.onAdvertisement); err != nil {
		d.mu.Lock()
		if d.state == StateScanning {
			d.state = StateIdle
		}
		d.mu.Unlock()
		return fmt.Errorf("ble: start scan: %w", err)
	}
	slog.Info("[BLE] scanning")
	if dl := d.delegate(); dl != nil {
		dl.DidStartScanning(d)
	}
	return nil
}

func (d *Device) onAdvertisement(adv Advertisement) {
	low, high := d.caps.RSSIWindow()
	if adv.RSSI < low || adv.RSSI > high {
		slog.Debug("[BLE] rssi outside range", "name", adv.Name, "rssi", adv.RSSI, "low", low, "high", high)
		return
	}
	if !d.accepts(adv) {
		return
	}

	d.mu.Lock()
	if d.state != StateScanning {
		d.mu.Unlock()
		return
	}
	d.state = StateConnecting
	d.peer = adv.Address
	q := d.queue
	d.mu.Unlock()

	slog.Info("[BLE] trying to connect", "name", adv.Name, "address", adv.Address, "rssi", adv.RSSI, "pending", q.pending())
	if dl := d.delegate(); dl != nil {
		dl.DidStartConnectingTo(d, adv.RSSI)
	}
	if err := q.submit(Command{Kind: KindConnect}); err != nil {
		slog.Debug("[BLE] dropping connect", "error", err)
	}
}

func (d *Device) accepts(adv Advertisement) bool {
	if len(d.opts.DeviceNames) > 0 {
		for _, name := range d.opts.DeviceNames {
			if adv.Name != "" && strings.EqualFold(name, adv.Name) {
				return true
			}
		}
		return false
	}
	return includesPrimaryService(adv.Data, d.caps.PrimaryServices())
}

// runnableLocked reports whether cmd still applies to the current link.
// Commands that fail this check are stale and dropped silently.
func (d *Device) runnableLocked(epoch uint64, cmd Command) bool {
	if epoch != d.epoch || d.closed {
		return false
	}
	switch cmd.Kind {
	case KindRead, KindWrite, KindEnableNotification, KindDisableNotification:
		_, ok := d.routes[cmd.Target]
		return ok && d.state.linkUp()
	case KindDisconnect, KindPollRSSI:
		return d.state == StateReady
	case KindDiscoverServices:
		return d.state == StateServiceDiscovery
	case KindScan:
		return d.state == StateIdle
	case KindConnect:
		return d.state == StateConnecting
	}
	return false
}

func (d *Device) runnable(epoch uint64, cmd Command) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.runnableLocked(epoch, cmd) {
		return true
	}
	d.dropLocked(epoch, cmd)
	return false
}

// dropLocked frees the channel slot of a stale tagged write.
func (d *Device) dropLocked(epoch uint64, cmd Command) {
	if epoch == d.epoch && cmd.Channel != ChannelNone {
		delete(d.channelBusy, cmd.Channel)
	}
}

// execute runs on the queue worker. It takes the in-flight permit and
// issues cmd; the permit is released by the matching completion callback,
// or right away for operations without one.
func (d *Device) execute(epoch uint64, cmd Command) {
	if !d.runnable(epoch, cmd) {
		slog.Debug("[BLE] skipping stale command", "cmd", cmd)
		return
	}
	d.permit.acquire()

	d.mu.Lock()
	if !d.runnableLocked(epoch, cmd) {
		d.dropLocked(epoch, cmd)
		d.mu.Unlock()
		d.permit.release()
		slog.Debug("[BLE] skipping stale command", "cmd", cmd)
		return
	}
	current := cmd
	d.inFlight = &current
	switch cmd.Kind {
	case KindDisconnect:
		d.state = StateDisconnecting
	case KindScan:
		d.state = StateScanning
	}
	peer := d.peer
	d.mu.Unlock()

	if err := d.issue(cmd, peer); err != nil {
		slog.Warn("[BLE] operation failed", "cmd", cmd, "error", err)
		d.recover(cmd)
		d.completeOn(cmd.Target, cmd.Kind)
	}
}

func (d *Device) issue(cmd Command, peer string) error {
	t := d.transport
	switch cmd.Kind {
	case KindRead:
		return t.ReadCharacteristic(cmd.Target)
	case KindWrite:
		value := cmd.Value
		if cmd.Channel != ChannelNone {
			v, err := d.channelValue(cmd.Target, cmd.Channel)
			if err != nil {
				return err
			}
			value = v
		}
		return t.WriteCharacteristic(cmd.Target, value)
	case KindEnableNotification:
		return t.SetNotify(cmd.Target, true)
	case KindDisableNotification:
		return t.SetNotify(cmd.Target, false)
	case KindPollRSSI:
		return t.ReadRSSI()
	case KindDiscoverServices:
		return t.DiscoverServices()
	case KindConnect:
		return t.Connect(peer)
	case KindDisconnect:
		defer d.complete(KindDisconnect)
		return t.Disconnect()
	case KindScan:
		defer d.complete(KindScan)
		_ = t.StopScan()
		if err := t.StartScan(d.onAdvertisement); err != nil {
			return err
		}
		slog.Info("[BLE] scanning")
		if dl := d.delegate(); dl != nil {
			dl.DidStartScanning(d)
		}
		return nil
	}
	return fmt.Errorf("ble: unknown command kind %d", int(cmd.Kind))
}

// recover undoes the state change of an operation the transport refused.
func (d *Device) recover(cmd Command) {
	switch cmd.Kind {
	case KindConnect:
		d.mu.Lock()
		if d.state == StateConnecting {
			d.state = StateScanning
		}
		d.mu.Unlock()
	case KindScan:
		d.mu.Lock()
		if d.state == StateScanning {
			d.state = StateIdle
		}
		d.mu.Unlock()
	case KindDisconnect:
		d.mu.Lock()
		if d.state == StateDisconnecting {
			d.state = StateReady
		}
		d.mu.Unlock()
	case KindDiscoverServices:
		_ = d.transport.Disconnect()
	}
}

// complete clears the in-flight command if it is one of kinds and releases
// the permit. Completions that match nothing in flight are ignored.
func (d *Device) complete(kinds ...Kind) bool {
	return d.completeOn(nil, kinds...)
}

// completeOn is complete for operations on a characteristic: the in-flight
// command must also target c. Handles are fresh on every discovery, so a
// late answer from a dropped link never matches a command on the new one.
func (d *Device) completeOn(c *Characteristic, kinds ...Kind) bool {
	d.mu.Lock()
	cur := d.inFlight
	if cur == nil || !slices.Contains(kinds, cur.Kind) || (c != nil && cur.Target != c) {
		d.mu.Unlock()
		if c != nil {
			slog.Debug("[BLE] ignoring unmatched completion", "uuid", c.UUID, "kinds", kinds)
		}
		return false
	}
	d.inFlight = nil
	if cur.Channel != ChannelNone {
		delete(d.channelBusy, cur.Channel)
	}
	d.mu.Unlock()
	d.permit.release()
	return true
}

// OnConnectionStateChange implements Handler.
func (d *Device) OnConnectionStateChange(connected bool) {
	if connected {
		d.onConnected()
		return
	}
	d.onDisconnected()
}

func (d *Device) onConnected() {
	d.mu.Lock()
	if d.state != StateConnecting {
		state := d.state
		d.mu.Unlock()
		slog.Warn("[BLE] unexpected connect event", "state", state)
		return
	}
	d.state = StateServiceDiscovery
	d.inFlight = nil
	q := d.queue
	peer := d.peer
	d.mu.Unlock()

	slog.Info("[BLE] connected", "address", peer)
	_ = d.transport.StopScan()
	// Connect held the permit; discovery takes it again and keeps it until
	// every driver is attached.
	d.permit.release()
	if err := q.submit(Command{Kind: KindDiscoverServices}); err != nil {
		slog.Debug("[BLE] dropping discovery", "error", err)
	}
}

// onDisconnected tears down everything bound to the dropped link: the
// queue and its pending commands, the routing table and every driver.
func (d *Device) onDisconnected() {
	d.mu.Lock()
	prev := d.state
	old := d.queue
	abandoned := d.drivers
	d.epoch++
	d.routes = make(map[*Characteristic]route)
	d.drivers = make(map[string][]Driver)
	d.channelBusy = make(map[Channel]bool)
	d.inFlight = nil
	d.state = StateIdle
	reconnect := d.opts.AutoReconnect && !d.closed && prev != StateDisconnecting
	if !d.closed {
		d.queue = newCommandQueue(d.epoch, d.opts.SoftLimit, d.execute)
	}
	q := d.queue
	dl := d.dl
	d.mu.Unlock()

	old.close()
	d.permit.release()
	slog.Info("[BLE] disconnected", "previous", prev)
	detach(abandoned)

	if dl != nil {
		dl.DidDisconnect(d)
	}
	if reconnect {
		slog.Info("[BLE] reconnecting")
		if err := q.submit(Command{Kind: KindScan}); err != nil {
			slog.Debug("[BLE] dropping scan", "error", err)
		}
	}
}

// OnServicesDiscovered implements Handler.
func (d *Device) OnServicesDiscovered(services []*Service, err error) {
	d.mu.Lock()
	if d.state != StateServiceDiscovery || d.inFlight == nil || d.inFlight.Kind != KindDiscoverServices {
		d.mu.Unlock()
		return
	}
	epoch := d.epoch
	var abandoned map[string][]Driver
	if err == nil {
		// Start afresh; a repeated discovery must not keep old owners.
		abandoned = d.drivers
		d.routes = make(map[*Characteristic]route)
		d.drivers = make(map[string][]Driver)
	}
	d.mu.Unlock()
	detach(abandoned)

	if err != nil {
		slog.Error("[BLE] service discovery failed", "error", err)
		d.complete(KindDiscoverServices)
		_ = d.transport.Disconnect()
		return
	}

	slog.Info("[BLE] services discovered", "count", len(services))
	d.dispatchServices(epoch, services)

	d.mu.Lock()
	if epoch == d.epoch && d.state == StateServiceDiscovery {
		d.state = StateReady
	}
	d.mu.Unlock()

	// Now perform all queued up operations.
	d.complete(KindDiscoverServices)
}

// OnCharacteristicRead implements Handler.
func (d *Device) OnCharacteristicRead(c *Characteristic, value []byte, err error) {
	if err != nil {
		slog.Warn("[BLE] read failed", "uuid", c.UUID, "error", err)
	} else {
		d.deliver(c, value)
	}
	d.completeOn(c, KindRead)
}

// OnCharacteristicChanged implements Handler. Notifications are not
// completions and never release the permit.
func (d *Device) OnCharacteristicChanged(c *Characteristic, value []byte) {
	d.deliver(c, value)
}

// OnCharacteristicWrite implements Handler.
func (d *Device) OnCharacteristicWrite(c *Characteristic, err error) {
	if err != nil {
		slog.Warn("[BLE] write failed", "uuid", c.UUID, "error", err)
	}
	d.completeOn(c, KindWrite)
}

// OnDescriptorWrite implements Handler.
func (d *Device) OnDescriptorWrite(c *Characteristic, err error) {
	if err != nil {
		slog.Warn("[BLE] notification toggle failed", "uuid", c.UUID, "error", err)
	}
	d.completeOn(c, KindEnableNotification, KindDisableNotification)
}

// OnRSSIRead implements Handler.
func (d *Device) OnRSSIRead(rssi int, err error) {
	if err != nil {
		slog.Warn("[BLE] rssi read failed", "error", err)
	} else if dl := d.delegate(); dl != nil {
		dl.DidUpdateSignalStrength(d, rssi)
	}
	d.complete(KindPollRSSI)
}

func detach(drivers map[string][]Driver) {
	for _, drvs := range drivers {
		for _, drv := range drvs {
			if dt, ok := drv.(Detacher); ok {
				dt.Detach()
			}
		}
	}
}
