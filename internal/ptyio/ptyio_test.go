package ptyio

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestPTY(t *testing.T, opts Options) (PTY, *os.File) {
	t.Helper()
	opts.Logger = logrus.New()
	p, err := New(opts)
	if err != nil {
		t.Skipf("PTY not available: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })

	client, err := os.OpenFile(p.TTYName(), os.O_RDWR, 0)
	require.NoError(t, err, "slave side MUST be openable by path")
	t.Cleanup(func() { _ = client.Close() })
	return p, client
}

func TestPTY_WriteReachesClient(t *testing.T) {
	p, client := openTestPTY(t, Options{})

	n, err := p.Write([]byte("hello\n"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 16)
	got, err := client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(buf[:got]), "raw mode MUST pass bytes through untouched")
}

func TestPTY_ClientBytesReachCallback(t *testing.T) {
	// GOAL: bytes typed by the client arrive at the read callback in order
	//
	// TEST SCENARIO: client writes before callback is set → callback set → buffered bytes flushed → more bytes arrive
	p, client := openTestPTY(t, Options{})

	_, err := client.Write([]byte("ab"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.Stats().ReadQueueLen == 2 }, 2*time.Second, 5*time.Millisecond)

	var mu sync.Mutex
	var got []byte
	p.SetReadCallback(func(b []byte) {
		mu.Lock()
		got = append(got, b...)
		mu.Unlock()
	})
	_, err = client.Write([]byte("cd"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return string(got) == "abcd"
	}, 2*time.Second, 5*time.Millisecond, "buffered bytes MUST be flushed before new ones")
}

func TestPTY_ReadWithoutCallback(t *testing.T) {
	p, client := openTestPTY(t, Options{})
	_, err := client.Write([]byte("xyz"))
	require.NoError(t, err)

	buf := make([]byte, 8)
	var n int
	require.Eventually(t, func() bool {
		n, err = p.Read(buf)
		return n > 0
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "xyz", string(buf[:n]))
}

func TestPTY_WriteOverflowDrops(t *testing.T) {
	p, _ := openTestPTY(t, Options{WriteCap: 8})

	// Drain competes with the write loop, so only the accounting is checked.
	n, err := p.Write(make([]byte, 64))
	require.NoError(t, err, "overflow MUST NOT be an error")
	assert.LessOrEqual(t, n, 8)
	assert.Equal(t, uint64(64-n), p.Stats().DroppedWrite)
}

func TestPTY_CallbackPanicUnregisters(t *testing.T) {
	errs := make(chan error, 1)
	p, client := openTestPTY(t, Options{OnError: func(err error) { errs <- err }})
	p.SetReadCallback(func([]byte) { panic("boom") })

	_, err := client.Write([]byte("x"))
	require.NoError(t, err)

	select {
	case err := <-errs:
		assert.Contains(t, err.Error(), "boom")
	case <-time.After(2 * time.Second):
		t.Fatal("callback panic MUST be reported")
	}
}

func TestPTY_Close(t *testing.T) {
	p, _ := openTestPTY(t, Options{})
	require.NoError(t, p.Close())
	assert.NoError(t, p.Close(), "second Close MUST be a no-op")

	_, err := p.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
}
