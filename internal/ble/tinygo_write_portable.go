//go:build !darwin && !windows

package ble

import "tinygo.org/x/bluetooth"

// writeWithResponse falls back to a write command where the library has no
// acknowledged write. The completion is reported once the stack accepts it.
func writeWithResponse(dc *bluetooth.DeviceCharacteristic, value []byte) error {
	_, err := dc.WriteWithoutResponse(value)
	return err
}
