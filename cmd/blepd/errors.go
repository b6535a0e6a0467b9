package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/srg/blepd/internal/peripheral"
)

// ErrNoPeer is returned by `send` when no central connects within --wait.
var ErrNoPeer = errors.New("no central connected")

// FormatUserError turns an error chain into a one-line message with a hint for the
// failures users can act on.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()

	var hint string
	switch {
	case errors.Is(err, ErrNoPeer):
		hint = "make sure a central is scanning and connects to the advertised name"
	case errors.Is(err, peripheral.ErrTransportFailure):
		hint = "check that Bluetooth is powered on and this process may use the adapter"
	case errors.Is(err, peripheral.ErrCapabilityMismatch):
		hint = "add \"notify\" to the characteristic properties in the config"
	case errors.Is(err, peripheral.ErrNotFound):
		hint = "declare the service and characteristic under `services` in the config"
	case errors.Is(err, peripheral.ErrRetriesExhausted):
		hint = "increase delivery.default_retries or --retries"
	case errors.Is(err, peripheral.ErrNotInitialized):
		hint = "the peripheral was not started"
	}

	msg = strings.TrimSpace(msg)
	if hint == "" {
		return msg
	}
	return fmt.Sprintf("%s (hint: %s)", msg, hint)
}
