package main

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/srg/blepd/internal/peripheral"
	"github.com/stretchr/testify/assert"
)

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"plain", errors.New("boom"), "boom"},
		{
			"no peer",
			fmt.Errorf("%w within 1s", ErrNoPeer),
			"no central connected within 1s (hint: make sure a central is scanning and connects to the advertised name)",
		},
		{
			"missing characteristic",
			&peripheral.NotFoundError{Resource: "characteristic", UUIDs: []string{"ffff"}},
			`characteristic "ffff" not found (hint: declare the service and characteristic under ` + "`services`" + ` in the config)`,
		},
		{
			"not initialized",
			peripheral.ErrNotInitialized,
			"not_initialized (hint: the peripheral was not started)",
		},
		{"cancelled", context.Canceled, "context canceled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatUserError(tt.err))
		})
	}
}

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.0", formatVersion("1.2.0"))
	assert.Equal(t, "dev", formatVersion("dev"))
}
