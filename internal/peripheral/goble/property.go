package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/blepd/internal/peripheral"
)

var capabilityProperties = []struct {
	capability peripheral.Capability
	property   ble.Property
}{
	{peripheral.CapRead, ble.CharRead},
	{peripheral.CapWrite, ble.CharWrite},
	{peripheral.CapWriteNoResponse, ble.CharWriteNR},
	{peripheral.CapNotify, ble.CharNotify},
	{peripheral.CapIndicate, ble.CharIndicate},
}

// ToProperty converts capability flags to go-ble characteristic properties.
func ToProperty(caps peripheral.Capability) ble.Property {
	var p ble.Property
	for _, cp := range capabilityProperties {
		if caps&cp.capability != 0 {
			p |= cp.property
		}
	}
	return p
}

// FromProperty converts go-ble characteristic properties to capability flags.
// Properties without a capability counterpart (broadcast, signed writes) are ignored.
func FromProperty(p ble.Property) peripheral.Capability {
	var caps peripheral.Capability
	for _, cp := range capabilityProperties {
		if p&cp.property != 0 {
			caps |= cp.capability
		}
	}
	return caps
}
