package groutine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoDone(t *testing.T) {
	names := make(chan string, 1)
	done := GoDone(context.Background(), "named-worker", func(ctx context.Context) {
		names <- GetName(ctx)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		require.FailNow(t, "done channel MUST close after fn returns")
	}
	assert.Equal(t, "named-worker", <-names, "goroutine name MUST be visible through the context")
}

func TestGetName_WithoutName(t *testing.T) {
	assert.Equal(t, "", GetName(context.Background()))
	assert.Equal(t, "", GetName(nil)) //nolint:staticcheck // nil context is handled explicitly
}
