package bridge

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blepd/internal/peripheral"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePeripheral struct {
	mu      sync.Mutex
	sent    []byte
	sends   int
	retries int
	onWrite map[string]peripheral.WriteHandler
}

func newFakePeripheral() *fakePeripheral {
	return &fakePeripheral{onWrite: make(map[string]peripheral.WriteHandler)}
}

func (f *fakePeripheral) SendLarge(_ context.Context, uuid string, data []byte, opts ...peripheral.SendOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data...)
	f.sends++
	f.retries = len(opts)
	return nil
}

func (f *fakePeripheral) OnCharacteristic(uuid string, _ peripheral.ReadHandler, onWrite peripheral.WriteHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if onWrite == nil {
		delete(f.onWrite, uuid)
		return nil
	}
	f.onWrite[uuid] = onWrite
	return nil
}

func (f *fakePeripheral) writeHandler(uuid string) peripheral.WriteHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.onWrite[uuid]
}

func (f *fakePeripheral) sentString() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.sent)
}

func startBridge(t *testing.T, target Peripheral, opts Options) (*Bridge, *os.File) {
	t.Helper()
	b, err := Start(t.Context(), target, opts, logrus.New())
	if err != nil {
		t.Skipf("PTY not available: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	client, err := os.OpenFile(b.TTYName(), os.O_RDWR, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return b, client
}

func TestBridge_PTYInputIsSentOnTX(t *testing.T) {
	target := newFakePeripheral()
	_, client := startBridge(t, target, Options{TXUUID: "fff1", RXUUID: "fff2", Retries: 2})

	_, err := client.Write([]byte("AT+GMR\r\n"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return target.sentString() == "AT+GMR\r\n" },
		2*time.Second, 5*time.Millisecond, "PTY input MUST reach the TX characteristic")
	target.mu.Lock()
	assert.Equal(t, 1, target.retries, "explicit retries MUST be forwarded as a send option")
	target.mu.Unlock()
}

func TestBridge_PeerWritesReachPTY(t *testing.T) {
	// GOAL: writes to RX show up on the serial device
	//
	// TEST SCENARIO: bridge started → peer writes to RX → client reads the bytes → Close detaches RX
	target := newFakePeripheral()
	b, client := startBridge(t, target, Options{TXUUID: "fff1", RXUUID: "fff2", Retries: -1})

	rx := peripheral.NormalizeUUID("fff2")
	handler := target.writeHandler(rx)
	require.NotNil(t, handler, "bridge MUST observe writes on RX")
	handler(rx, "AA:BB", []byte("OK\r\n"))

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 16)
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "OK\r\n", string(buf[:n]))

	require.NoError(t, b.Close())
	assert.Nil(t, target.writeHandler(rx), "Close MUST remove the RX observer")
}

func TestBridge_Symlink(t *testing.T) {
	link := filepath.Join(t.TempDir(), "ble-serial")
	b, _ := startBridge(t, newFakePeripheral(), Options{TXUUID: "fff1", RXUUID: "fff2", LinkPath: link})

	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, b.TTYName(), target)
	assert.Equal(t, link, b.Link())

	require.NoError(t, b.Close())
	_, err = os.Lstat(link)
	assert.True(t, os.IsNotExist(err), "Close MUST remove the symlink")
}

func TestBridge_Rejections(t *testing.T) {
	_, err := Start(context.Background(), newFakePeripheral(), Options{TXUUID: "fff1"}, logrus.New())
	assert.ErrorIs(t, err, peripheral.ErrInvalidArgument)

	_, err = Start(context.Background(), newFakePeripheral(), Options{TXUUID: "fff1", RXUUID: "not-a-uuid"}, logrus.New())
	assert.ErrorIs(t, err, peripheral.ErrInvalidArgument)
}
