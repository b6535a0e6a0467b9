package peripheral

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCapabilities(t *testing.T) {
	tests := []struct {
		in   string
		want Capability
	}{
		{"", DefaultCapabilities},
		{"read", CapRead},
		{"read, notify", CapRead | CapNotify},
		{"WRITE,write-nr", CapWrite | CapWriteNoResponse},
		{"write_without_response,indicate", CapWriteNoResponse | CapIndicate},
		{"read,,notify", CapRead | CapNotify},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCapabilities(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got, "parsed flags MUST match")
		})
	}

	_, err := ParseCapabilities("read,broadcast")
	assert.ErrorIs(t, err, ErrInvalidArgument, "unknown capability MUST be rejected")
}

func TestCapability_StringRoundTrip(t *testing.T) {
	caps := CapRead | CapWriteNoResponse | CapIndicate
	assert.Equal(t, "read,write-without-response,indicate", caps.String())

	parsed, err := ParseCapabilities(caps.String())
	require.NoError(t, err)
	assert.Equal(t, caps, parsed, "String output MUST parse back to the same flags")
}

func TestCapability_CanNotify(t *testing.T) {
	assert.True(t, CapNotify.CanNotify())
	assert.True(t, CapIndicate.CanNotify(), "indicate MUST count as a push capability")
	assert.False(t, (CapRead | CapWrite).CanNotify())
	assert.True(t, DefaultCapabilities.Has(CapRead|CapNotify))
	assert.False(t, CapRead.Has(CapRead|CapWrite))
}
