package ble

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

// maxAttrLen is the largest attribute value ATT allows.
const maxAttrLen = 512

var errNotConnected = errors.New("ble: not connected")

// TinyGoTransport is the Transport backed by tinygo-org/bluetooth. On macOS
// addresses are CoreBluetooth UUIDs, not MAC addresses.
//
// The library's GATT calls are synchronous; each is run on its own goroutine
// and its result reported through the Handler.
type TinyGoTransport struct {
	adapter *bluetooth.Adapter

	enableOnce sync.Once
	enableErr  error

	mu       sync.Mutex
	handler  Handler
	seen     map[string]bluetooth.Address
	lastRSSI map[string]int
	device   *bluetooth.Device
	address  string
	gen      uint64 // bumped whenever the link comes up or goes down
}

// NewTinyGoTransport creates a transport on the default adapter.
func NewTinyGoTransport() *TinyGoTransport {
	return &TinyGoTransport{
		adapter:  bluetooth.DefaultAdapter,
		seen:     make(map[string]bluetooth.Address),
		lastRSSI: make(map[string]int),
	}
}

// Compile-time check that TinyGoTransport implements Transport.
var _ Transport = (*TinyGoTransport)(nil)

func (t *TinyGoTransport) SetHandler(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *TinyGoTransport) h() Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

func (t *TinyGoTransport) generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen
}

// handlerFor returns the handler only while the link of generation gen is
// still the current one. Results of GATT calls that outlive their link are
// dropped.
func (t *TinyGoTransport) handlerFor(gen uint64) Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		return nil
	}
	return t.handler
}

// RadioEnabled powers on the adapter the first time it is called.
func (t *TinyGoTransport) RadioEnabled() bool {
	t.enableOnce.Do(func() {
		t.enableErr = t.adapter.Enable()
		if t.enableErr != nil {
			return
		}
		// On macOS tinygo/bluetooth fires this with connected=false from
		// DidDisconnectPeripheral.
		t.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
			if connected {
				return
			}
			t.mu.Lock()
			ours := t.device != nil && strings.EqualFold(device.Address.String(), t.address)
			if ours {
				t.device = nil
				t.gen++
			}
			t.mu.Unlock()
			if h := t.h(); ours && h != nil {
				h.OnConnectionStateChange(false)
			}
		})
	})
	return t.enableErr == nil
}

func (t *TinyGoTransport) StartScan(onResult func(Advertisement)) error {
	if !t.RadioEnabled() {
		return fmt.Errorf("ble: enable adapter: %w", t.enableErr)
	}
	go func() {
		_ = t.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			addr := result.Address.String()
			t.mu.Lock()
			t.seen[addr] = result.Address
			t.lastRSSI[addr] = int(result.RSSI)
			t.mu.Unlock()
			onResult(Advertisement{
				Name:    result.LocalName(),
				Address: addr,
				RSSI:    int(result.RSSI),
				Data:    result.Bytes(),
			})
		})
	}()
	return nil
}

func (t *TinyGoTransport) StopScan() error {
	// Stopping an idle adapter returns an error we don't care about.
	_ = t.adapter.StopScan()
	return nil
}

func (t *TinyGoTransport) Connect(address string) error {
	t.mu.Lock()
	addr, ok := t.seen[address]
	t.mu.Unlock()
	if !ok {
		addr.Set(address)
	}

	go func() {
		device, err := t.adapter.Connect(addr, bluetooth.ConnectionParams{})
		h := t.h()
		if err != nil {
			if h != nil {
				h.OnConnectionStateChange(false)
			}
			return
		}
		t.mu.Lock()
		t.device = &device
		t.address = address
		t.gen++
		t.mu.Unlock()
		if h != nil {
			h.OnConnectionStateChange(true)
		}
	}()
	return nil
}

func (t *TinyGoTransport) current() (*bluetooth.Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.device == nil {
		return nil, errNotConnected
	}
	return t.device, nil
}

func (t *TinyGoTransport) Disconnect() error {
	dev, err := t.current()
	if err != nil {
		return err
	}
	if err := dev.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect: %w", err)
	}
	return nil
}

func (t *TinyGoTransport) DiscoverServices() error {
	dev, err := t.current()
	if err != nil {
		return err
	}
	gen := t.generation()
	go func() {
		services, err := discover(dev)
		if h := t.handlerFor(gen); h != nil {
			h.OnServicesDiscovered(services, err)
		}
	}()
	return nil
}

func discover(dev *bluetooth.Device) ([]*Service, error) {
	svcs, err := dev.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	out := make([]*Service, 0, len(svcs))
	for _, s := range svcs {
		chars, err := s.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("ble: discover characteristics of %s: %w", s.UUID(), err)
		}
		svc := &Service{UUID: strings.ToLower(s.UUID().String())}
		for i := range chars {
			svc.Characteristics = append(svc.Characteristics, &Characteristic{
				UUID: strings.ToLower(chars[i].UUID().String()),
				Ref:  &chars[i],
			})
		}
		out = append(out, svc)
	}
	return out, nil
}

func native(c *Characteristic) (*bluetooth.DeviceCharacteristic, error) {
	dc, ok := c.Ref.(*bluetooth.DeviceCharacteristic)
	if !ok {
		return nil, fmt.Errorf("ble: characteristic %s has no platform handle", c.UUID)
	}
	return dc, nil
}

func (t *TinyGoTransport) ReadCharacteristic(c *Characteristic) error {
	dc, err := native(c)
	if err != nil {
		return err
	}
	gen := t.generation()
	go func() {
		buf := make([]byte, maxAttrLen)
		n, err := dc.Read(buf)
		if h := t.handlerFor(gen); h != nil {
			h.OnCharacteristicRead(c, buf[:n], err)
		}
	}()
	return nil
}

func (t *TinyGoTransport) WriteCharacteristic(c *Characteristic, value []byte) error {
	dc, err := native(c)
	if err != nil {
		return err
	}
	gen := t.generation()
	go func() {
		var err error
		if c.WriteWithoutResponse() {
			_, err = dc.WriteWithoutResponse(value)
		} else {
			err = writeWithResponse(dc, value)
		}
		if h := t.handlerFor(gen); h != nil {
			h.OnCharacteristicWrite(c, err)
		}
	}()
	return nil
}

func (t *TinyGoTransport) SetNotify(c *Characteristic, enable bool) error {
	dc, err := native(c)
	if err != nil {
		return err
	}
	gen := t.generation()
	go func() {
		var cb func([]byte)
		if enable {
			cb = func(buf []byte) {
				v := make([]byte, len(buf))
				copy(v, buf)
				if h := t.handlerFor(gen); h != nil {
					h.OnCharacteristicChanged(c, v)
				}
			}
		}
		err := dc.EnableNotifications(cb)
		if h := t.handlerFor(gen); h != nil {
			h.OnDescriptorWrite(c, err)
		}
	}()
	return nil
}

// ReadRSSI reports the signal strength of the last advertisement heard from
// the connected peer. tinygo/bluetooth has no connected-link RSSI call.
func (t *TinyGoTransport) ReadRSSI() error {
	t.mu.Lock()
	if t.device == nil {
		t.mu.Unlock()
		return errNotConnected
	}
	rssi := t.lastRSSI[t.address]
	gen := t.gen
	t.mu.Unlock()
	go func() {
		if h := t.handlerFor(gen); h != nil {
			h.OnRSSIRead(rssi, nil)
		}
	}()
	return nil
}
