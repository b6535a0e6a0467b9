package peripheral

import (
	"fmt"
	"strings"
)

// Capability is a set of characteristic capability flags.
type Capability uint8

const (
	CapRead Capability = 1 << iota
	CapWrite
	CapWriteNoResponse
	CapNotify
	CapIndicate
)

// DefaultCapabilities is applied when a characteristic is created without flags.
const DefaultCapabilities = CapRead | CapWrite | CapNotify

var capabilityNames = []struct {
	flag Capability
	name string
}{
	{CapRead, "read"},
	{CapWrite, "write"},
	{CapWriteNoResponse, "write-without-response"},
	{CapNotify, "notify"},
	{CapIndicate, "indicate"},
}

// Has reports whether every flag in other is set.
func (c Capability) Has(other Capability) bool {
	return c&other == other
}

// CanNotify reports whether the characteristic can push values to peers.
func (c Capability) CanNotify() bool {
	return c&(CapNotify|CapIndicate) != 0
}

func (c Capability) String() string {
	var parts []string
	for _, cn := range capabilityNames {
		if c&cn.flag != 0 {
			parts = append(parts, cn.name)
		}
	}
	return strings.Join(parts, ",")
}

// ParseCapabilities parses a comma separated list such as "read,write,notify".
// An empty string yields DefaultCapabilities.
func ParseCapabilities(s string) (Capability, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultCapabilities, nil
	}

	var caps Capability
	for _, raw := range strings.Split(s, ",") {
		name := strings.ToLower(strings.TrimSpace(raw))
		switch name {
		case "":
			continue
		case "write-nr", "writenr", "write_without_response":
			name = "write-without-response"
		}

		found := false
		for _, cn := range capabilityNames {
			if cn.name == name {
				caps |= cn.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("%w: unknown capability %q", ErrInvalidArgument, raw)
		}
	}
	return caps, nil
}
