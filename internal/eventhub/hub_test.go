package eventhub

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/srg/blepd/internal/peripheral"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wireEvent struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

func dial(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "client MUST connect")
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool { return hub.ClientCount() >= 1 }, time.Second, 5*time.Millisecond,
		"hub MUST register the client")
	return conn
}

func read(t *testing.T, conn *websocket.Conn) wireEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev wireEvent
	require.NoError(t, conn.ReadJSON(&ev), "client MUST receive an event")
	return ev
}

func TestHub_BroadcastsPeripheralEvents(t *testing.T) {
	// GOAL: Observer callbacks reach connected clients as typed JSON events
	//
	// TEST SCENARIO: client connects → connect, write, transfer result, disconnect → four events in order

	hub := New(logrus.New())
	conn := dial(t, hub)

	hub.OnConnect(peripheral.Peer{Address: "AA:BB"})
	hub.OnWrite("2a37", "AA:BB", []byte{0xCA, 0xFE})
	hub.OnTransferResult(peripheral.DeliveryOutcome{
		ItemID: "id-1", UUID: "2a37", Attempts: 3, Payload: []byte{1, 2},
		Err: peripheral.ErrRetriesExhausted,
	})
	hub.OnDisconnect(peripheral.Peer{Address: "AA:BB"}, errors.New("timeout"))

	ev := read(t, conn)
	assert.Equal(t, EventConnect, ev.Type)
	assert.Equal(t, "AA:BB", ev.Payload["address"])

	ev = read(t, conn)
	assert.Equal(t, EventWrite, ev.Type)
	assert.Equal(t, "cafe", ev.Payload["value"], "written value MUST be hex encoded")

	ev = read(t, conn)
	assert.Equal(t, EventTransferResult, ev.Type)
	assert.Equal(t, false, ev.Payload["success"])
	assert.EqualValues(t, 3, ev.Payload["attempts"])
	assert.EqualValues(t, 2, ev.Payload["bytes"])
	assert.Contains(t, ev.Payload["error"], "retries exhausted")

	ev = read(t, conn)
	assert.Equal(t, EventDisconnect, ev.Type)
	assert.Equal(t, "timeout", ev.Payload["reason"])
}

func TestHub_ClientDisconnectIsForgotten(t *testing.T) {
	hub := New(logrus.New())
	conn := dial(t, hub)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond,
		"closed client MUST be removed")
	assert.NotPanics(t, func() { hub.OnRead("2a37", "AA:BB") }, "broadcast without clients MUST be a no-op")
}

func TestHub_Close(t *testing.T) {
	hub := New(logrus.New())
	conn := dial(t, hub)

	hub.Close()
	assert.Zero(t, hub.ClientCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "client MUST receive a going-away close")
}
