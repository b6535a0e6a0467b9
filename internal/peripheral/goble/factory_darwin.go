//go:build darwin

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

// hciDevice is meaningless on macOS: CoreBluetooth owns the controller.
func newDevice(_ int) (ble.Device, error) {
	return darwin.NewDevice(ble.OptPeripheralRole())
}
