package goble

import (
	"errors"
	"fmt"
	"strings"

	"github.com/srg/blepd/internal/peripheral"
)

var (
	// ErrBluetoothOff is returned when the controller is unavailable or powered off.
	ErrBluetoothOff = errors.New("bluetooth is turned off")
	// ErrPeerGone is returned when a notification targets a link that already dropped.
	ErrPeerGone = errors.New("peer disconnected")
)

// NormalizeError maps known go-ble error strings to the errors callers test for.
// The original error stays in the chain text.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "invalid state: have=4"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "can't init hci"), containsIgnoreCase(msg, "no devices available"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "disconnected"), containsIgnoreCase(msg, "use of closed"):
		return fmt.Errorf("%w: %v", ErrPeerGone, err)
	case containsIgnoreCase(msg, "no such service"):
		return fmt.Errorf("%w: %v", peripheral.ErrNotFound, err)
	default:
		return err
	}
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
