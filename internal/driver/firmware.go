package driver

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/smartlink/internal/ble"
	"github.com/chaz8081/smartlink/internal/firmware"
)

// progressEvery is the block interval between progress reports.
const progressEvery = 20

// ErrUploadInProgress is returned by Upload while another upload is pending
// or running.
var ErrUploadInProgress = errors.New("firmware: upload in progress")

// Phase is the state of the firmware upload protocol.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseVersionQuery
	PhaseAwaitingDecision
	PhaseTransferring
	PhaseFinished
	PhaseRejected
	PhaseCanceled
)

var phaseNames = [...]string{"idle", "version-query", "awaiting-decision", "transferring", "finished", "rejected", "canceled"}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("Phase(%d)", int(p))
	}
	return phaseNames[p]
}

// FirmwareDelegate follows an upload. ShouldStartUploadingFirmware gates
// every transfer; returning false abandons it before any block is sent.
type FirmwareDelegate interface {
	DidReceiveFirmwareVersion(f *Firmware, version string)
	DidGetFirmwareRejected(f *Firmware, image string)
	ShouldStartUploadingFirmware(f *Firmware, image string) bool
	DidUploadFirmwareUpto(f *Firmware, percent float64)
	DidFinishUploadingFirmware(f *Firmware)
}

// Firmware runs the over-the-air download protocol on the image identify
// and block request characteristics.
type Firmware struct {
	base

	handshakeDelay  time.Duration
	blockStartDelay time.Duration

	fmu      sync.Mutex
	dl       FirmwareDelegate
	phase    Phase
	running  *firmware.Header
	image    *firmware.Image
	next     int
	canceled bool
	timers   []*time.Timer
}

// NewFirmware returns a firmware driver with the given protocol delays.
func NewFirmware(handshakeDelay, blockStartDelay time.Duration) *Firmware {
	return &Firmware{
		handshakeDelay:  handshakeDelay,
		blockStartDelay: blockStartDelay,
	}
}

func (f *Firmware) SetDelegate(dl FirmwareDelegate) {
	f.fmu.Lock()
	defer f.fmu.Unlock()
	f.dl = dl
}

// Phase returns the current protocol phase.
func (f *Firmware) Phase() Phase {
	f.fmu.Lock()
	defer f.fmu.Unlock()
	return f.phase
}

// VersionOnDevice returns the running image as "ID-version-slot", or ""
// until the device has reported it.
func (f *Firmware) VersionOnDevice() string {
	f.fmu.Lock()
	defer f.fmu.Unlock()
	if f.running == nil {
		return ""
	}
	return f.running.String()
}

// Detach cancels pending protocol timers once the connection is gone.
func (f *Firmware) Detach() {
	f.fmu.Lock()
	defer f.fmu.Unlock()
	for _, t := range f.timers {
		t.Stop()
	}
	f.timers = nil
}

func (f *Firmware) after(d time.Duration, fn func()) {
	f.fmu.Lock()
	defer f.fmu.Unlock()
	f.timers = append(f.timers, time.AfterFunc(d, fn))
}

// Attach subscribes to both characteristics and starts the version query:
// a zero byte now and a one byte after the handshake delay. Writes run ahead
// of notification toggles in the queue, so only the answer to the second
// write can reach identify.
func (f *Firmware) Attach(link *ble.Link, fields map[string]*ble.Characteristic) {
	f.attach(link, fields)

	f.fmu.Lock()
	f.phase = PhaseVersionQuery
	f.fmu.Unlock()

	f.setNotification("imgidentify", true)
	f.setNotification("blockrequest", true)
	f.writeBytes("imgidentify", []byte{0})
	slog.Debug("[FW] version query A written")

	f.after(f.handshakeDelay, func() {
		f.writeBytes("imgidentify", []byte{1})
		slog.Debug("[FW] version query B written")
	})
}

func (f *Firmware) DidUpdateValue(field string, value []byte) {
	switch field {
	case "imgidentify":
		f.identify(value)
	case "blockrequest":
		f.tick()
	}
}

// identify records the first version report; later ones are ignored.
func (f *Firmware) identify(value []byte) {
	h, err := firmware.ParseHeader(value)
	if err != nil {
		slog.Warn("[FW] bad identify notification", "error", err)
		return
	}

	f.fmu.Lock()
	if f.running != nil {
		f.fmu.Unlock()
		return
	}
	f.running = &h
	if f.phase == PhaseVersionQuery {
		f.phase = PhaseIdle
	}
	dl := f.dl
	f.fmu.Unlock()

	slog.Info("[FW] current firmware on device", "version", h.String())
	if dl != nil {
		dl.DidReceiveFirmwareVersion(f, h.String())
	}
}

// Upload reads an image from r and, if it targets the slot not currently
// running and the delegate agrees, transfers it. A same-slot image is
// reported through DidGetFirmwareRejected and nil is returned. Upload
// returns once the transfer has been scheduled; progress and completion are
// reported through the delegate.
func (f *Firmware) Upload(r io.Reader) error {
	img, err := firmware.ReadImage(r)
	if err != nil {
		return err
	}
	if img.BlockCount() == 0 {
		return fmt.Errorf("firmware: image %s has no blocks", img.Header)
	}
	name := img.Header.String()
	slog.Info("[FW] image loaded", "image", name, "bytes", len(img.Data), "blocks", img.BlockCount(), "blake2b", img.Digest())

	f.fmu.Lock()
	switch {
	case f.running == nil:
		f.fmu.Unlock()
		return firmware.ErrVersionUnknown
	case f.phase == PhaseAwaitingDecision || f.phase == PhaseTransferring:
		f.fmu.Unlock()
		return ErrUploadInProgress
	case img.Header.Slot() == f.running.Slot():
		f.phase = PhaseRejected
		running := f.running.String()
		dl := f.dl
		f.fmu.Unlock()
		slog.Warn("[FW] image targets the running slot", "image", name, "running", running)
		if dl != nil {
			dl.DidGetFirmwareRejected(f, name)
		}
		return nil
	}
	f.phase = PhaseAwaitingDecision
	dl := f.dl
	f.fmu.Unlock()

	if dl == nil || !dl.ShouldStartUploadingFirmware(f, name) {
		slog.Info("[FW] upload declined", "image", name)
		f.fmu.Lock()
		f.phase = PhaseIdle
		f.fmu.Unlock()
		return nil
	}

	f.fmu.Lock()
	f.phase = PhaseTransferring
	f.image = img
	f.next = 0
	f.canceled = false
	f.fmu.Unlock()

	f.writeBytes("imgidentify", firmware.TransferRequest(img.Header))
	f.after(f.blockStartDelay, f.tick)
	return nil
}

// Cancel stops a running transfer before its next block. No abort is sent;
// the device times out on its own.
func (f *Firmware) Cancel() {
	f.fmu.Lock()
	defer f.fmu.Unlock()
	if f.phase == PhaseTransferring {
		f.canceled = true
	}
}

// tick sends the next block. It runs once from the start timer and then
// once per block request from the device.
func (f *Firmware) tick() {
	if !f.linkValid() {
		return
	}

	f.fmu.Lock()
	if f.phase != PhaseTransferring {
		f.fmu.Unlock()
		return
	}
	if f.canceled {
		f.canceled = false
		f.phase = PhaseCanceled
		f.image = nil
		sent := f.next
		f.fmu.Unlock()
		slog.Info("[FW] upload canceled", "blocks_sent", sent)
		return
	}
	block := f.image.Block(f.next)
	f.next++
	sent, total := f.next, f.image.BlockCount()
	done := sent == total
	if done {
		f.phase = PhaseFinished
		f.image = nil
	}
	dl := f.dl
	f.fmu.Unlock()

	f.writeBytes("blockrequest", block)

	if done {
		slog.Info("[FW] upload finished", "blocks", total)
		if dl != nil {
			dl.DidFinishUploadingFirmware(f)
		}
		return
	}
	if sent%progressEvery == 0 && dl != nil {
		dl.DidUploadFirmwareUpto(f, float64(sent)/float64(total)*100)
	}
}
