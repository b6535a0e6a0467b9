package peripheral

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// sigBaseSuffix is the Bluetooth SIG base UUID without its leading 32 bits.
const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID string to the registry key format: lowercase, no dashes,
// no braces and no 0x prefix. SIG base UUIDs collapse to their 16 or 32-bit short form.
// Returns "" when the input is not a 16, 32 or 128-bit hex UUID.
func NormalizeUUID(uuid string) string {
	s := strings.ToLower(strings.TrimSpace(uuid))
	s = strings.TrimPrefix(strings.TrimSuffix(s, "}"), "{")
	s = strings.TrimPrefix(s, "0x")
	s = strings.ReplaceAll(s, "-", "")

	switch len(s) {
	case 4, 8, 32:
	default:
		return ""
	}
	if _, err := hex.DecodeString(s); err != nil {
		return ""
	}

	if len(s) == 32 && strings.HasSuffix(s, sigBaseSuffix) {
		if strings.HasPrefix(s, "0000") {
			return s[4:8]
		}
		return s[:8]
	}
	return s
}

// ValidateUUID normalizes uuid and rejects malformed input with ErrInvalidArgument.
func ValidateUUID(uuid string) (string, error) {
	if uuid == "" {
		return "", fmt.Errorf("%w: UUID cannot be empty", ErrInvalidArgument)
	}
	normalized := NormalizeUUID(uuid)
	if normalized == "" {
		return "", fmt.Errorf("%w: invalid UUID format: %s", ErrInvalidArgument, uuid)
	}
	return normalized, nil
}

// ShortenUUID returns a truncated version of a UUID for display purposes.
func ShortenUUID(uuid string) string {
	if len(uuid) > 8 {
		return uuid[:8]
	}
	return uuid
}
