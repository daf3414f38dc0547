package ble

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Found is a peripheral seen by ScanForDevices.
type Found struct {
	Advertisement
	// InRange reports whether RSSI lies inside the acceptance window.
	InRange bool
	// Services lists the service UUIDs the peripheral advertised.
	Services []string
}

// ScanForDevices scans for timeout and returns every peripheral heard, one
// entry per address, strongest signal first. It does not connect.
func ScanForDevices(t Transport, low, high int, timeout time.Duration) ([]Found, error) {
	if !t.RadioEnabled() {
		return nil, ErrRadioDisabled
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var mu sync.Mutex
	seen := make(map[string]int)
	var found []Found

	err := t.StartScan(func(adv Advertisement) {
		f := Found{
			Advertisement: adv,
			InRange:       adv.RSSI >= low && adv.RSSI <= high,
			Services:      advertisedServices(adv.Data),
		}
		mu.Lock()
		defer mu.Unlock()
		if i, ok := seen[adv.Address]; ok {
			// Keep the latest reading, but don't lose a name heard earlier.
			if f.Name == "" {
				f.Name = found[i].Name
			}
			found[i] = f
			return
		}
		seen[adv.Address] = len(found)
		found = append(found, f)
	})
	if err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}

	<-ctx.Done()
	if err := t.StopScan(); err != nil {
		return nil, fmt.Errorf("ble: stop scan: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	out := make([]Found, len(found))
	copy(out, found)
	sort.SliceStable(out, func(i, j int) bool { return out[i].RSSI > out[j].RSSI })
	return out, nil
}
