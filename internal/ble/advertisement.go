package ble

import (
	"fmt"
	"slices"

	"github.com/google/uuid"
)

// Advertising data types that carry service UUID lists.
const (
	adIncomplete16  = 0x02
	adComplete16    = 0x03
	adIncomplete128 = 0x06
	adComplete128   = 0x07
)

// advertisedServices extracts the service UUIDs listed in raw advertising
// data, in lower-case canonical form. Truncated structures end the parse.
func advertisedServices(data []byte) []string {
	var out []string
	for len(data) > 0 {
		n := int(data[0])
		if n == 0 {
			break // padding
		}
		if n >= len(data) {
			break
		}
		typ, payload := data[1], data[2:n+1]
		data = data[n+1:]

		switch typ {
		case adIncomplete16, adComplete16:
			for i := 0; i+2 <= len(payload); i += 2 {
				short := uint16(payload[i]) | uint16(payload[i+1])<<8
				out = append(out, fmt.Sprintf("0000%04x-0000-1000-8000-00805f9b34fb", short))
			}
		case adIncomplete128, adComplete128:
			for i := 0; i+16 <= len(payload); i += 16 {
				// Little-endian on air.
				b := make([]byte, 16)
				for j := range b {
					b[j] = payload[i+15-j]
				}
				id, err := uuid.FromBytes(b)
				if err != nil {
					continue
				}
				out = append(out, id.String())
			}
		}
	}
	return out
}

// includesPrimaryService reports whether data advertises any of primaries.
func includesPrimaryService(data []byte, primaries []string) bool {
	for _, s := range advertisedServices(data) {
		if slices.Contains(primaries, s) {
			return true
		}
	}
	return false
}
