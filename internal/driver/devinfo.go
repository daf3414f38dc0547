package driver

import (
	"encoding/hex"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/chaz8081/smartlink/internal/ble"
)

// DeviceInformationDelegate receives device identity updates.
type DeviceInformationDelegate interface {
	DidUpdateSerialNumber(d *DeviceInformation, serial string)
	DidUpdateSystemID(d *DeviceInformation, systemID string)
}

// DeviceInformation reads the serial number and system ID once per
// connection.
type DeviceInformation struct {
	base

	dmu      sync.Mutex
	dl       DeviceInformationDelegate
	serial   string
	systemID string
}

func (d *DeviceInformation) SetDelegate(dl DeviceInformationDelegate) {
	d.dmu.Lock()
	defer d.dmu.Unlock()
	d.dl = dl
}

// SerialNumber returns the serial number, empty until read.
func (d *DeviceInformation) SerialNumber() string {
	d.dmu.Lock()
	defer d.dmu.Unlock()
	return d.serial
}

// SystemID returns the system ID as lower-case hex, empty until read.
func (d *DeviceInformation) SystemID() string {
	d.dmu.Lock()
	defer d.dmu.Unlock()
	return d.systemID
}

func (d *DeviceInformation) Attach(link *ble.Link, fields map[string]*ble.Characteristic) {
	d.attach(link, fields)
	d.updateField("serialnumber")
	d.updateField("systemid")
}

func (d *DeviceInformation) DidUpdateValue(field string, value []byte) {
	switch field {
	case "serialnumber":
		serial := strings.TrimSpace(strings.TrimRight(string(value), "\x00"))
		slog.Info("[DIS] serial number", "serial", serial)

		d.dmu.Lock()
		d.serial = serial
		dl := d.dl
		d.dmu.Unlock()
		if dl != nil {
			dl.DidUpdateSerialNumber(d, serial)
		}

	case "systemid":
		id, ok := systemID(value)
		if !ok {
			slog.Warn("[DIS] short system id", "len", len(value))
			return
		}
		slog.Info("[DIS] system id", "id", id)

		d.dmu.Lock()
		d.systemID = id
		dl := d.dl
		d.dmu.Unlock()
		if dl != nil {
			dl.DidUpdateSystemID(d, id)
		}
	}
}

// systemID drops the two filler bytes in the middle of the 8-byte system ID
// and renders the remaining address bytes most significant first.
func systemID(raw []byte) (string, bool) {
	if len(raw) < 8 {
		return "", false
	}
	b := make([]byte, 0, 6)
	b = append(b, raw[0:3]...)
	b = append(b, raw[5:8]...)
	slices.Reverse(b)
	return hex.EncodeToString(b), true
}
