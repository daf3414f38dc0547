package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/chaz8081/smartlink/internal/ble"
	"github.com/chaz8081/smartlink/internal/driver"
)

// app logs every device and driver event and runs the optional firmware
// upload and control demo.
type app struct {
	ctx   context.Context
	image string
	demo  bool

	mu         sync.Mutex
	demoCancel context.CancelFunc
}

func (a *app) DidStartService(_ *ble.Device, name string, drv ble.Driver) {
	log.Printf("Service %s started", name)
	switch d := drv.(type) {
	case *driver.Battery:
		d.SetDelegate(a)
	case *driver.DeviceInformation:
		d.SetDelegate(a)
	case *driver.Smartplane:
		d.SetDelegate(a)
		d.UpdateChargingStatus()
		if a.demo {
			a.startDemo(d)
		}
	case *driver.Firmware:
		d.SetDelegate(a)
	}
}

func (a *app) DidUpdateSignalStrength(_ *ble.Device, rssi int) {
	log.Printf("Signal strength %d dBm", rssi)
}

func (a *app) DidStartScanning(*ble.Device) {
	log.Println("Scanning...")
}

func (a *app) DidStartConnectingTo(_ *ble.Device, rssi int) {
	log.Printf("Connecting (%d dBm)...", rssi)
}

func (a *app) DidDisconnect(*ble.Device) {
	log.Println("Disconnected")
	a.stopDemo()
}

func (a *app) DidUpdateBatteryLevel(_ *driver.Battery, percent int) {
	log.Printf("Battery %d%%", percent)
}

func (a *app) DidUpdateSerialNumber(_ *driver.DeviceInformation, serial string) {
	log.Printf("Serial number %s", serial)
}

func (a *app) DidUpdateSystemID(_ *driver.DeviceInformation, id string) {
	log.Printf("System ID %s", id)
}

func (a *app) DidStartChargingBattery(*driver.Smartplane) {
	log.Println("Charging")
}

func (a *app) DidStopChargingBattery(*driver.Smartplane) {
	log.Println("Not charging")
}

func (a *app) DidReceiveFirmwareVersion(f *driver.Firmware, version string) {
	log.Printf("Firmware on device: %s", version)
	if a.image == "" {
		return
	}
	// Upload asks ShouldStartUploadingFirmware on this goroutine; keep it
	// off the transport callback.
	go a.upload(f)
}

func (a *app) upload(f *driver.Firmware) {
	file, err := os.Open(a.image)
	if err != nil {
		log.Printf("ERROR: firmware image: %v", err)
		return
	}
	defer file.Close()
	if err := f.Upload(file); err != nil {
		log.Printf("ERROR: firmware upload: %v", err)
	}
}

func (a *app) DidGetFirmwareRejected(_ *driver.Firmware, image string) {
	log.Printf("Firmware %s rejected: device already runs an image in that slot", image)
}

func (a *app) ShouldStartUploadingFirmware(_ *driver.Firmware, image string) bool {
	log.Printf("Uploading firmware %s", image)
	return true
}

func (a *app) DidUploadFirmwareUpto(_ *driver.Firmware, percent float64) {
	log.Printf("Firmware upload %.1f%%", percent)
}

func (a *app) DidFinishUploadingFirmware(*driver.Firmware) {
	log.Println("Firmware upload finished, the device will restart")
}

// startDemo sweeps the rudder and pulses the motor until the link drops.
func (a *app) startDemo(plane *driver.Smartplane) {
	a.mu.Lock()
	if a.demoCancel != nil {
		a.demoCancel()
	}
	ctx, cancel := context.WithCancel(a.ctx)
	a.demoCancel = cancel
	a.mu.Unlock()

	go func() {
		t := time.NewTicker(50 * time.Millisecond)
		defer t.Stop()
		start := time.Now()
		for {
			select {
			case <-ctx.Done():
				_ = plane.SetMotor(0)
				return
			case now := <-t.C:
				phase := now.Sub(start).Seconds()
				motor := int(60 * (1 + math.Sin(phase)))
				rudder := int(driver.RudderMax * math.Sin(phase*2))
				for _, err := range []error{plane.SetMotor(motor), plane.SetRudder(rudder)} {
					if errors.Is(err, ble.ErrChannelBusy) || errors.Is(err, ble.ErrQueueFull) {
						slog.Debug("[DEMO] setpoint dropped", "error", err)
					} else if err != nil {
						slog.Warn("[DEMO] setpoint failed", "error", err)
					}
				}
			}
		}
	}()
}

func (a *app) stopDemo() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.demoCancel != nil {
		a.demoCancel()
		a.demoCancel = nil
	}
}
