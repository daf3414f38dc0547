package ble_test

import (
	"errors"
	"testing"
	"time"

	"github.com/chaz8081/smartlink/internal/ble"
	"github.com/chaz8081/smartlink/internal/ble/bletest"
)

func TestScanForDevices(t *testing.T) {
	tr := bletest.New()
	type result struct {
		found []ble.Found
		err   error
	}
	done := make(chan result, 1)
	go func() {
		found, err := ble.ScanForDevices(tr, -90, -30, 100*time.Millisecond)
		done <- result{found, err}
	}()

	if !bletest.Eventually(time.Second, tr.Scanning) {
		t.Fatal("scan never started")
	}
	battery := []byte{0x03, 0x03, 0x0f, 0x18}
	tr.Advertise(ble.Advertisement{Name: "Plane", Address: "AA", RSSI: -70, Data: battery})
	tr.Advertise(ble.Advertisement{Name: "Far", Address: "BB", RSSI: -95})
	tr.Advertise(ble.Advertisement{Address: "AA", RSSI: -50})
	tr.Advertise(ble.Advertisement{Name: "Close", Address: "CC", RSSI: -20})

	r := <-done
	if r.err != nil {
		t.Fatalf("ScanForDevices() error = %v", r.err)
	}
	if tr.Scanning() {
		t.Error("scan still running")
	}

	want := []struct {
		addr    string
		name    string
		rssi    int
		inRange bool
	}{
		{"CC", "Close", -20, false},
		{"AA", "Plane", -50, true},
		{"BB", "Far", -95, false},
	}
	if len(r.found) != len(want) {
		t.Fatalf("found %d devices, want %d: %+v", len(r.found), len(want), r.found)
	}
	for i, w := range want {
		f := r.found[i]
		if f.Address != w.addr || f.Name != w.name || f.RSSI != w.rssi || f.InRange != w.inRange {
			t.Errorf("found[%d] = %s %q %d in=%v, want %s %q %d in=%v",
				i, f.Address, f.Name, f.RSSI, f.InRange, w.addr, w.name, w.rssi, w.inRange)
		}
	}
}

func TestScanForDevicesRadioOff(t *testing.T) {
	tr := bletest.New()
	tr.SetRadio(false)
	if _, err := ble.ScanForDevices(tr, -90, -30, time.Millisecond); !errors.Is(err, ble.ErrRadioDisabled) {
		t.Errorf("ScanForDevices() error = %v, want ErrRadioDisabled", err)
	}
}
