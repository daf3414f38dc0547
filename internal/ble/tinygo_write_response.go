//go:build darwin || windows

package ble

import "tinygo.org/x/bluetooth"

// writeWithResponse performs an acknowledged write.
func writeWithResponse(dc *bluetooth.DeviceCharacteristic, value []byte) error {
	_, err := dc.Write(value)
	return err
}
