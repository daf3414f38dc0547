package driver

import (
	"log/slog"
	"sync"

	"github.com/chaz8081/smartlink/internal/ble"
)

// BatteryDelegate receives battery level updates.
type BatteryDelegate interface {
	DidUpdateBatteryLevel(b *Battery, percent int)
}

// Battery reports the standard battery level characteristic.
type Battery struct {
	base

	dmu   sync.Mutex
	dl    BatteryDelegate
	level int
	known bool
}

// SetDelegate registers the listener. nil clears it.
func (b *Battery) SetDelegate(dl BatteryDelegate) {
	b.dmu.Lock()
	defer b.dmu.Unlock()
	b.dl = dl
}

// Level returns the last reported level in percent.
func (b *Battery) Level() (int, bool) {
	b.dmu.Lock()
	defer b.dmu.Unlock()
	return b.level, b.known
}

// Attach reads the level once and subscribes to changes.
func (b *Battery) Attach(link *ble.Link, fields map[string]*ble.Characteristic) {
	b.attach(link, fields)
	b.updateField("level")
	b.setNotification("level", true)
}

func (b *Battery) DidUpdateValue(field string, value []byte) {
	if field != "level" {
		return
	}
	if len(value) == 0 {
		slog.Warn("[BAT] empty level value")
		return
	}
	level := int(value[0])

	b.dmu.Lock()
	b.level, b.known = level, true
	dl := b.dl
	b.dmu.Unlock()

	slog.Debug("[BAT] level", "percent", level)
	if dl != nil {
		dl.DidUpdateBatteryLevel(b, level)
	}
}
