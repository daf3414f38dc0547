// Package capability loads the device capability description: the RSSI
// acceptance window, the primary services to scan for, and the names and
// driver kinds of every known service and characteristic.
package capability

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Default RSSI acceptance window, used when the description leaves it out.
const (
	DefaultRSSILow  = -96
	DefaultRSSIHigh = -25
)

// bluetoothBase is the Bluetooth SIG base UUID that 16-bit UUIDs expand into.
const bluetoothBase = "0000%s-0000-1000-8000-00805f9b34fb"

// Description is the on-disk form of a capability description.
type Description struct {
	RSSILow  *int                   `yaml:"rssi_low"`
	RSSIHigh *int                   `yaml:"rssi_high"`
	Services map[string]ServiceSpec `yaml:"services"`
}

// ServiceSpec describes one service.
type ServiceSpec struct {
	UUID    string            `yaml:"uuid"`
	Primary bool              `yaml:"primary"`
	Driver  string            `yaml:"driver"`
	Fields  map[string]string `yaml:"fields"` // field name -> characteristic UUID
}

// Table is the validated, lookup-ready capability table. It is immutable
// after construction and safe for concurrent use.
type Table struct {
	rssiLow, rssiHigh int
	primary           []string
	names             map[string]string // uuid -> "Service" or "Service/field"
	services          map[string]bool   // uuids that name a service
	drivers           map[string]string // service name -> driver kind
}

//go:embed smartplane.yaml
var builtin []byte

// Default returns the built-in SmartPlane capability table.
func Default() *Table {
	t, err := Parse(builtin)
	if err != nil {
		panic("capability: built-in description: " + err.Error())
	}
	return t
}

// Load reads and parses a capability description file.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading capability file: %w", err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Parse builds a Table from a YAML capability description. Any malformed
// entry fails the whole table.
func Parse(data []byte) (*Table, error) {
	var desc Description
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("parsing capability description: %w", err)
	}
	return New(desc)
}

// New validates desc and builds its lookup tables.
func New(desc Description) (*Table, error) {
	t := &Table{
		rssiLow:  DefaultRSSILow,
		rssiHigh: DefaultRSSIHigh,
		names:    make(map[string]string),
		services: make(map[string]bool),
		drivers:  make(map[string]string),
	}
	if desc.RSSILow != nil {
		t.rssiLow = *desc.RSSILow
	}
	if desc.RSSIHigh != nil {
		t.rssiHigh = *desc.RSSIHigh
	}
	if t.rssiLow > t.rssiHigh {
		return nil, fmt.Errorf("rssi_low (%d) must not exceed rssi_high (%d)", t.rssiLow, t.rssiHigh)
	}
	if len(desc.Services) == 0 {
		return nil, fmt.Errorf("services must not be empty")
	}

	// Sorted for deterministic primary-service order and log output.
	serviceNames := make([]string, 0, len(desc.Services))
	for name := range desc.Services {
		serviceNames = append(serviceNames, name)
	}
	sort.Strings(serviceNames)

	for _, name := range serviceNames {
		svc := desc.Services[name]
		if strings.Contains(name, "/") {
			return nil, fmt.Errorf("service name %q must not contain '/'", name)
		}
		id, err := Normalize(svc.UUID)
		if err != nil {
			return nil, fmt.Errorf("service %q: %w", name, err)
		}
		if svc.Driver == "" {
			return nil, fmt.Errorf("service %q: driver must not be empty", name)
		}
		t.names[id] = name
		t.services[id] = true
		t.drivers[name] = svc.Driver
		if svc.Primary {
			t.primary = append(t.primary, id)
			slog.Debug("[CAP] primary service", "service", name, "uuid", id)
		}

		for field, raw := range svc.Fields {
			fid, err := Normalize(raw)
			if err != nil {
				return nil, fmt.Errorf("service %q field %q: %w", name, field, err)
			}
			t.names[fid] = name + "/" + field
		}
	}
	return t, nil
}

// Normalize harmonizes a 16-bit or 128-bit UUID string into the canonical
// lower-case 128-bit form.
func Normalize(s string) (string, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) == 4 {
		s = fmt.Sprintf(bluetoothBase, s)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid uuid %q: %w", s, err)
	}
	return id.String(), nil
}

// ServiceName returns the service name registered for a service UUID.
func (t *Table) ServiceName(id string) (string, bool) {
	key, ok := t.key(id)
	if !ok || !t.services[key] {
		return "", false
	}
	return t.names[key], true
}

// FieldName returns the service-qualified name ("Service/field") registered
// for a characteristic UUID.
func (t *Table) FieldName(id string) (string, bool) {
	key, ok := t.key(id)
	if !ok || t.services[key] {
		return "", false
	}
	name, ok := t.names[key]
	return name, ok
}

// DriverFor returns the driver kind configured for a service name.
func (t *Table) DriverFor(service string) (string, bool) {
	kind, ok := t.drivers[service]
	return kind, ok
}

// PrimaryServices returns the canonical UUIDs of the services to scan for.
func (t *Table) PrimaryServices() []string {
	out := make([]string, len(t.primary))
	copy(out, t.primary)
	return out
}

// RSSIWindow returns the inclusive signal-strength acceptance window.
func (t *Table) RSSIWindow() (low, high int) {
	return t.rssiLow, t.rssiHigh
}

func (t *Table) key(id string) (string, bool) {
	key, err := Normalize(id)
	if err != nil {
		return "", false
	}
	return key, true
}
