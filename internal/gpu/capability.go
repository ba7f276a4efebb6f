package gpu

import "strings"

// Capabilities is the set of optional control surfaces a device offers.
type Capabilities uint8

const (
	CapClockOffset Capabilities = 1 << iota
	CapVoltageCurve
	CapPowerLimit
	CapFanCurve
	CapManualFan
)

var capabilityNames = []struct {
	cap  Capabilities
	name string
}{
	{CapClockOffset, "clock-offset"},
	{CapVoltageCurve, "voltage-curve"},
	{CapPowerLimit, "power-limit"},
	{CapFanCurve, "fan-curve"},
	{CapManualFan, "manual-fan"},
}

func (c Capabilities) Has(other Capabilities) bool {
	return c&other == other
}

// Names lists the set members in a fixed order.
func (c Capabilities) Names() []string {
	names := make([]string, 0, len(capabilityNames))
	for _, n := range capabilityNames {
		if c.Has(n.cap) {
			names = append(names, n.name)
		}
	}
	return names
}

func (c Capabilities) String() string {
	return strings.Join(c.Names(), ",")
}

// ParseCapabilities is the inverse of Names. Unknown names are ignored.
func ParseCapabilities(names []string) Capabilities {
	var c Capabilities
	for _, name := range names {
		for _, n := range capabilityNames {
			if n.name == name {
				c |= n.cap
			}
		}
	}
	return c
}
