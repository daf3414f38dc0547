// Package bletest provides an in-memory ble.Transport for tests. It records
// every operation the Device issues and lets the test play the peripheral:
// advertise, complete operations, push notifications and drop the link.
package bletest

import (
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/chaz8081/smartlink/internal/ble"
)

// OpKind identifies a recorded transport call.
type OpKind int

const (
	OpScan OpKind = iota
	OpStopScan
	OpConnect
	OpDisconnect
	OpDiscover
	OpRead
	OpWrite
	OpNotify
	OpRSSI
)

func (k OpKind) String() string {
	return [...]string{"scan", "stop-scan", "connect", "disconnect", "discover", "read", "write", "notify", "rssi"}[k]
}

// needsCompletion reports whether the op stays outstanding until the test
// (or auto-completion) answers it.
func (k OpKind) needsCompletion() bool {
	switch k {
	case OpConnect, OpDiscover, OpRead, OpWrite, OpNotify, OpRSSI:
		return true
	}
	return false
}

// Op is one recorded transport call.
type Op struct {
	Kind    OpKind
	Address string
	Char    *ble.Characteristic
	Value   []byte
	Enable  bool
}

// ErrInjected is returned for calls failed with FailNext.
var ErrInjected = errors.New("bletest: injected failure")

// Transport is a scriptable fake. The zero value is not usable; use New.
type Transport struct {
	// AutoComplete answers every operation asynchronously after a short
	// random delay. Set it before the Device starts issuing operations.
	AutoComplete bool
	// RSSI is reported by auto-completed RSSI reads.
	RSSI int

	mu          sync.Mutex
	handler     ble.Handler
	radio       bool
	onResult    func(ble.Advertisement)
	connected   bool
	services    []*ble.Service
	discovered  []*ble.Service
	origin      map[*ble.Characteristic]*ble.Characteristic
	values      map[*ble.Characteristic][]byte
	ops         []Op
	pending     []Op
	maxInFlight int
	fail        map[OpKind]error
}

// Compile-time check that Transport implements ble.Transport.
var _ ble.Transport = (*Transport)(nil)

// New returns a fake with the radio on.
func New() *Transport {
	return &Transport{
		radio:  true,
		origin: make(map[*ble.Characteristic]*ble.Characteristic),
		values: make(map[*ble.Characteristic][]byte),
		fail:   make(map[OpKind]error),
	}
}

// NewService builds a discovered service with one characteristic per UUID.
func NewService(uuid string, charUUIDs ...string) *ble.Service {
	s := &ble.Service{UUID: uuid}
	for _, c := range charUUIDs {
		s.Characteristics = append(s.Characteristics, &ble.Characteristic{UUID: c})
	}
	return s
}

// SetRadio powers the fake radio on or off.
func (t *Transport) SetRadio(on bool) {
	t.mu.Lock()
	t.radio = on
	t.mu.Unlock()
}

// SetServices sets the services reported by discovery. The next discovery
// reports these exact handles.
func (t *Transport) SetServices(services ...*ble.Service) {
	t.mu.Lock()
	t.services = services
	t.discovered = nil
	t.mu.Unlock()
}

// SetValue sets the value auto-completed reads of c return. c may be the
// handle given to SetServices or any rediscovered copy of it.
func (t *Transport) SetValue(c *ble.Characteristic, value []byte) {
	t.mu.Lock()
	t.values[t.originOf(c)] = value
	t.mu.Unlock()
}

// Characteristic returns the handle the latest discovery reported for
// uuid, or nil.
func (t *Transport) Characteristic(uuid string) *ble.Characteristic {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.discovered {
		for _, c := range s.Characteristics {
			if c.UUID == uuid {
				return c
			}
		}
	}
	return nil
}

func (t *Transport) originOf(c *ble.Characteristic) *ble.Characteristic {
	if o, ok := t.origin[c]; ok {
		return o
	}
	return c
}

// rediscover returns the services for the next discovery. The first one
// reports the handles given to SetServices; every later one reports fresh
// copies, the way a real stack hands out new handles per connection.
func (t *Transport) rediscover() []*ble.Service {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.discovered == nil {
		t.discovered = t.services
		return t.services
	}
	out := make([]*ble.Service, 0, len(t.services))
	for _, s := range t.services {
		cp := &ble.Service{UUID: s.UUID}
		for _, c := range s.Characteristics {
			nc := *c
			cp.Characteristics = append(cp.Characteristics, &nc)
			t.origin[&nc] = c
		}
		out = append(out, cp)
	}
	t.discovered = out
	return out
}

// FailNext makes the next call of kind return ErrInjected.
func (t *Transport) FailNext(kind OpKind) {
	t.mu.Lock()
	t.fail[kind] = ErrInjected
	t.mu.Unlock()
}

// Ops returns a copy of every recorded call.
func (t *Transport) Ops() []Op {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Op, len(t.ops))
	copy(out, t.ops)
	return out
}

// OpsOf returns the recorded calls of kind, in order.
func (t *Transport) OpsOf(kind OpKind) []Op {
	var out []Op
	for _, op := range t.Ops() {
		if op.Kind == kind {
			out = append(out, op)
		}
	}
	return out
}

// Count returns the number of recorded calls of kind.
func (t *Transport) Count(kind OpKind) int {
	return len(t.OpsOf(kind))
}

// WaitOps waits until at least n calls of kind have been recorded.
func (t *Transport) WaitOps(kind OpKind, n int, timeout time.Duration) bool {
	return Eventually(timeout, func() bool { return t.Count(kind) >= n })
}

// Outstanding returns the number of issued operations still awaiting
// completion.
func (t *Transport) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// MaxInFlight returns the largest number of operations that were ever
// outstanding at once.
func (t *Transport) MaxInFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxInFlight
}

// Scanning reports whether a scan is running.
func (t *Transport) Scanning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onResult != nil
}

// Eventually polls cond until it holds or timeout passes.
func Eventually(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}

// record logs op and returns the injected failure for its kind, if any.
func (t *Transport) record(op Op) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ops = append(t.ops, op)
	if err := t.fail[op.Kind]; err != nil {
		delete(t.fail, op.Kind)
		return err
	}
	if op.Kind.needsCompletion() {
		t.pending = append(t.pending, op)
		if len(t.pending) > t.maxInFlight {
			t.maxInFlight = len(t.pending)
		}
	}
	return nil
}

// take removes the oldest outstanding op of one of kinds.
func (t *Transport) take(kinds ...OpKind) (Op, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, op := range t.pending {
		for _, k := range kinds {
			if op.Kind == k {
				t.pending = append(t.pending[:i], t.pending[i+1:]...)
				return op, true
			}
		}
	}
	return Op{}, false
}

func (t *Transport) h() ble.Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

func (t *Transport) auto(f func()) {
	if !t.AutoComplete {
		return
	}
	go func() {
		time.Sleep(time.Duration(rand.IntN(500)) * time.Microsecond)
		f()
	}()
}

// ble.Transport

func (t *Transport) SetHandler(h ble.Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *Transport) RadioEnabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.radio
}

func (t *Transport) StartScan(onResult func(ble.Advertisement)) error {
	if err := t.record(Op{Kind: OpScan}); err != nil {
		return err
	}
	t.mu.Lock()
	t.onResult = onResult
	t.mu.Unlock()
	return nil
}

func (t *Transport) StopScan() error {
	t.mu.Lock()
	t.onResult = nil
	t.mu.Unlock()
	return t.record(Op{Kind: OpStopScan})
}

func (t *Transport) Connect(address string) error {
	if err := t.record(Op{Kind: OpConnect, Address: address}); err != nil {
		return err
	}
	t.auto(func() { t.CompleteConnect(true) })
	return nil
}

// Disconnect always delivers the disconnect event asynchronously, like a
// real stack, if a link is up.
func (t *Transport) Disconnect() error {
	if err := t.record(Op{Kind: OpDisconnect}); err != nil {
		return err
	}
	t.mu.Lock()
	up := t.connected
	t.mu.Unlock()
	if up {
		go t.Drop()
	}
	return nil
}

func (t *Transport) DiscoverServices() error {
	if err := t.record(Op{Kind: OpDiscover}); err != nil {
		return err
	}
	t.auto(func() { t.CompleteDiscover(nil) })
	return nil
}

func (t *Transport) ReadCharacteristic(c *ble.Characteristic) error {
	if err := t.record(Op{Kind: OpRead, Char: c}); err != nil {
		return err
	}
	t.auto(func() {
		t.mu.Lock()
		v := t.values[t.originOf(c)]
		t.mu.Unlock()
		t.CompleteRead(v, nil)
	})
	return nil
}

func (t *Transport) WriteCharacteristic(c *ble.Characteristic, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)
	if err := t.record(Op{Kind: OpWrite, Char: c, Value: v}); err != nil {
		return err
	}
	t.auto(func() { t.CompleteWrite(nil) })
	return nil
}

func (t *Transport) SetNotify(c *ble.Characteristic, enable bool) error {
	if err := t.record(Op{Kind: OpNotify, Char: c, Enable: enable}); err != nil {
		return err
	}
	t.auto(func() { t.CompleteNotify(nil) })
	return nil
}

func (t *Transport) ReadRSSI() error {
	if err := t.record(Op{Kind: OpRSSI}); err != nil {
		return err
	}
	t.auto(func() { t.CompleteRSSI(t.RSSI) })
	return nil
}

// Peripheral side.

// Advertise delivers a scan result if a scan is running.
func (t *Transport) Advertise(adv ble.Advertisement) {
	t.mu.Lock()
	f := t.onResult
	t.mu.Unlock()
	if f != nil {
		f(adv)
	}
}

// CompleteConnect answers the outstanding connect.
func (t *Transport) CompleteConnect(ok bool) bool {
	if _, found := t.take(OpConnect); !found {
		return false
	}
	t.mu.Lock()
	t.connected = ok
	t.mu.Unlock()
	if h := t.h(); h != nil {
		h.OnConnectionStateChange(ok)
	}
	return true
}

// CompleteDiscover answers the outstanding discovery with the services set
// by SetServices, or with err. Rediscoveries report fresh handles.
func (t *Transport) CompleteDiscover(err error) bool {
	if _, found := t.take(OpDiscover); !found {
		return false
	}
	var services []*ble.Service
	if err == nil {
		services = t.rediscover()
	}
	if h := t.h(); h != nil {
		h.OnServicesDiscovered(services, err)
	}
	return true
}

// CompleteRead answers the outstanding read.
func (t *Transport) CompleteRead(value []byte, err error) bool {
	op, found := t.take(OpRead)
	if !found {
		return false
	}
	if h := t.h(); h != nil {
		h.OnCharacteristicRead(op.Char, value, err)
	}
	return true
}

// CompleteWrite answers the outstanding write.
func (t *Transport) CompleteWrite(err error) bool {
	op, found := t.take(OpWrite)
	if !found {
		return false
	}
	if h := t.h(); h != nil {
		h.OnCharacteristicWrite(op.Char, err)
	}
	return true
}

// CompleteNotify answers the outstanding notification toggle.
func (t *Transport) CompleteNotify(err error) bool {
	op, found := t.take(OpNotify)
	if !found {
		return false
	}
	if h := t.h(); h != nil {
		h.OnDescriptorWrite(op.Char, err)
	}
	return true
}

// CompleteRSSI answers the outstanding RSSI read.
func (t *Transport) CompleteRSSI(rssi int) bool {
	if _, found := t.take(OpRSSI); !found {
		return false
	}
	if h := t.h(); h != nil {
		h.OnRSSIRead(rssi, nil)
	}
	return true
}

// CompleteNext answers whichever operation is outstanding, successfully.
func (t *Transport) CompleteNext() bool {
	t.mu.Lock()
	if len(t.pending) == 0 {
		t.mu.Unlock()
		return false
	}
	op := t.pending[0]
	v := t.values[t.originOf(op.Char)]
	t.mu.Unlock()
	switch op.Kind {
	case OpConnect:
		return t.CompleteConnect(true)
	case OpDiscover:
		return t.CompleteDiscover(nil)
	case OpRead:
		return t.CompleteRead(v, nil)
	case OpWrite:
		return t.CompleteWrite(nil)
	case OpNotify:
		return t.CompleteNotify(nil)
	case OpRSSI:
		return t.CompleteRSSI(t.RSSI)
	}
	return false
}

// Notify pushes a notification for c. It does not complete anything.
func (t *Transport) Notify(c *ble.Characteristic, value []byte) {
	if h := t.h(); h != nil {
		h.OnCharacteristicChanged(c, value)
	}
}

// Drop simulates the peer going away. Outstanding operations are abandoned.
func (t *Transport) Drop() {
	t.mu.Lock()
	t.connected = false
	t.pending = nil
	t.mu.Unlock()
	if h := t.h(); h != nil {
		h.OnConnectionStateChange(false)
	}
}
