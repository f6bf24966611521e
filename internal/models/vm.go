package models

import (
	"fmt"
	"strings"
)

// PowerState mirrors the management plane's power state for a VM.
type PowerState int

const (
	PowerStateUnknown PowerState = iota
	PoweredOff
	PoweredOn
	Suspended
)

var powerStateNames = map[PowerState]string{
	PoweredOff: "POWERED_OFF",
	PoweredOn:  "POWERED_ON",
	Suspended:  "SUSPENDED",
}

func (s PowerState) String() string {
	if name, ok := powerStateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParsePowerState accepts the wire value (POWERED_ON) case-insensitively.
func ParsePowerState(s string) (PowerState, error) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	for state, name := range powerStateNames {
		if name == upper {
			return state, nil
		}
	}
	return PowerStateUnknown, fmt.Errorf("unknown power state %q", s)
}

func (s PowerState) MarshalText() ([]byte, error) {
	if _, ok := powerStateNames[s]; !ok {
		return nil, fmt.Errorf("cannot marshal power state %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *PowerState) UnmarshalText(text []byte) error {
	parsed, err := ParsePowerState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// VMSummary is a point-in-time snapshot of one VM as listed by the
// management plane. ID is the stable key; names are not unique.
type VMSummary struct {
	ID         string     `json:"vm"`
	Name       string     `json:"name"`
	PowerState PowerState `json:"power_state"`
	CPUCount   *int       `json:"cpu_count,omitempty"`
	MemoryMiB  *int       `json:"memory_size_mib,omitempty"`
}

// Validate reports whether a decoded summary is usable for planning.
func (v VMSummary) Validate() error {
	if v.ID == "" {
		return fmt.Errorf("vm summary %q has no id", v.Name)
	}
	if _, ok := powerStateNames[v.PowerState]; !ok {
		return fmt.Errorf("vm %s has no power state", v.ID)
	}
	return nil
}
