// Package scan enumerates serial ports present on the host and describes
// each one as an open-ended attribute map.
package scan

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// OverrideEnv replaces live enumeration with a fixed snapshot: its value
// is a YAML (or JSON) list of attribute maps. Captured once, when a
// provider is constructed.
const OverrideEnv = "OK_SERIAL_SCAN_OVERRIDE"

// Attributes describes one port. Keys are lowercase; values are raw
// strings from the enumeration source. The key set is open-ended — the
// accessors below only cover the names every provider emits.
type Attributes map[string]string

// NewAttributes copies raw into a fresh map with lowercased keys.
func NewAttributes(raw map[string]string) Attributes {
	a := make(Attributes, len(raw))
	for k, v := range raw {
		a[strings.ToLower(k)] = v
	}
	return a
}

// Get looks an attribute up case-insensitively. Missing keys read as "".
func (a Attributes) Get(key string) string {
	if v, ok := a[key]; ok {
		return v
	}
	return a[strings.ToLower(key)]
}

func (a Attributes) Device() string       { return a["device"] }
func (a Attributes) Name() string         { return a["name"] }
func (a Attributes) Description() string  { return a["description"] }
func (a Attributes) HWID() string         { return a["hwid"] }
func (a Attributes) VID() string          { return a["vid"] }
func (a Attributes) PID() string          { return a["pid"] }
func (a Attributes) VIDPID() string       { return a["vid_pid"] }
func (a Attributes) SerialNumber() string { return a["serial_number"] }
func (a Attributes) Location() string     { return a["location"] }
func (a Attributes) Manufacturer() string { return a["manufacturer"] }
func (a Attributes) Product() string      { return a["product"] }

// Provider yields a point-in-time snapshot of present ports.
type Provider interface {
	Scan() ([]Attributes, error)
}

// NewProvider returns the default provider: the snapshot named by
// OK_SERIAL_SCAN_OVERRIDE when that is set, otherwise live sysfs
// enumeration. The environment is read here, not per scan.
func NewProvider() (Provider, error) {
	if v, ok := os.LookupEnv(OverrideEnv); ok {
		ports, err := ParseOverride(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", OverrideEnv, err)
		}
		return Static(ports...), nil
	}
	return Sysfs(), nil
}

// ParseOverride parses a serialized snapshot: a YAML list of string maps.
func ParseOverride(s string) ([]Attributes, error) {
	var raw []map[string]string
	if err := yaml.Unmarshal([]byte(s), &raw); err != nil {
		return nil, err
	}
	ports := make([]Attributes, 0, len(raw))
	for _, m := range raw {
		ports = append(ports, NewAttributes(m))
	}
	return ports, nil
}

type static struct {
	ports []Attributes
}

// Static returns a provider with a fixed snapshot.
func Static(ports ...Attributes) Provider {
	return &static{ports: ports}
}

func (p *static) Scan() ([]Attributes, error) {
	out := make([]Attributes, len(p.ports))
	copy(out, p.ports)
	sortPorts(out)
	return out, nil
}

func sortPorts(ports []Attributes) {
	sort.Slice(ports, func(i, j int) bool {
		return ports[i].Device() < ports[j].Device()
	})
}
