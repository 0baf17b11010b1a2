package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// ModuleID is a 4-channel pH amplifier address: four hex bytes, conventionally
// written dotted ("F.0.1.22").
type ModuleID [4]byte

// ParseModuleID parses a dotted hex address into a ModuleID. Each component
// is parsed as a hex byte, not decimal — "F.1.0.22" is {0x0F, 0x01, 0x00, 0x22}.
func ParseModuleID(addr string) (ModuleID, error) {
	var m ModuleID
	parts := strings.Split(addr, ".")
	if len(parts) != 4 {
		return m, fmt.Errorf("wire: module address %q must have 4 dotted components", addr)
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return m, fmt.Errorf("wire: module address %q: component %q: %w", addr, p, err)
		}
		m[i] = byte(v)
	}
	return m, nil
}

// String renders the module address in dotted hex form.
func (m ModuleID) String() string {
	return fmt.Sprintf("%X.%X.%X.%X", m[0], m[1], m[2], m[3])
}

// ProbeID is a module address joined with a 1-based channel index by "_",
// e.g. "F.0.1.22_3".
type ProbeID string

// Split separates a probe id into its module address and 1-based channel.
func (p ProbeID) Split() (module string, channel int, err error) {
	s := string(p)
	idx := strings.LastIndex(s, "_")
	if idx < 0 {
		return "", 0, fmt.Errorf("wire: probe id %q missing module_channel separator", p)
	}
	module = s[:idx]
	channel, err = strconv.Atoi(s[idx+1:])
	if err != nil {
		return "", 0, fmt.Errorf("wire: probe id %q: invalid channel: %w", p, err)
	}
	if channel < 1 || channel > 4 {
		return "", 0, fmt.Errorf("wire: probe id %q: channel %d out of range 1..4", p, channel)
	}
	return module, channel, nil
}

// Module returns the probe's module address, parsed.
func (p ProbeID) Module() (ModuleID, error) {
	addr, _, err := p.Split()
	if err != nil {
		return ModuleID{}, err
	}
	return ParseModuleID(addr)
}
