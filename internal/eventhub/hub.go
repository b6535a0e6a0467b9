// Package eventhub streams peripheral events to WebSocket clients as JSON.
package eventhub

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/srg/blepd/internal/groutine"
	"github.com/srg/blepd/internal/peripheral"
)

const (
	EventConnect        = "connect"
	EventDisconnect     = "disconnect"
	EventRead           = "read"
	EventWrite          = "write"
	EventTransferResult = "transfer_result"
)

// Event is one message sent to every client.
type Event struct {
	Type    string    `json:"type"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}

type PeerPayload struct {
	Address string `json:"address"`
	Reason  string `json:"reason,omitempty"`
}

type IOPayload struct {
	UUID  string `json:"uuid"`
	Peer  string `json:"peer"`
	Value string `json:"value,omitempty"` // hex
}

type TransferPayload struct {
	ItemID   string `json:"item_id"`
	UUID     string `json:"uuid"`
	Peer     string `json:"peer,omitempty"`
	Success  bool   `json:"success"`
	Attempts int    `json:"attempts"`
	Bytes    int    `json:"bytes"`
	Error    string `json:"error,omitempty"`
}

// Hub is an http.Handler that upgrades requests to WebSocket connections and
// broadcasts events to all of them. Clients are send-only; anything they write is discarded.
type Hub struct {
	logger       *logrus.Logger
	upgrader     websocket.Upgrader
	writeTimeout time.Duration

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func New(logger *logrus.Logger) *Hub {
	return &Hub{
		logger:       logger,
		writeTimeout: 100 * time.Millisecond,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]struct{}),
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()
	h.logger.WithField("remote", conn.RemoteAddr().String()).Debug("Event client connected")

	// reading is required to observe close frames
	for {
		if _, _, err := conn.NextReader(); err != nil {
			break
		}
	}
	h.remove(conn)
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.clients[conn]
	delete(h.clients, conn)
	h.mu.Unlock()

	if ok {
		_ = conn.Close()
		h.logger.WithField("remote", conn.RemoteAddr().String()).Debug("Event client disconnected")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast writes ev to every client in parallel. Clients that fail to take the
// message within the write timeout are dropped.
func (h *Hub) Broadcast(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	h.mu.Lock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *websocket.Conn) {
			defer wg.Done()
			_ = c.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := c.WriteJSON(ev); err != nil {
				h.logger.WithError(err).WithField("remote", c.RemoteAddr().String()).Debug("Dropping slow event client")
				h.remove(c)
			}
		}(c)
	}
	wg.Wait()
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*websocket.Conn]struct{})
	h.mu.Unlock()

	for c := range clients {
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(h.writeTimeout))
		_ = c.Close()
	}
}

// ListenAndServe serves the hub at /events on addr until ctx is cancelled.
func (h *Hub) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/events", h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	groutine.Go(ctx, "eventhub-shutdown", func(ctx context.Context) {
		<-ctx.Done()
		h.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})

	h.logger.WithField("addr", addr).Info("Event stream listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ----------------------------
// Peripheral observers
// ----------------------------

func (h *Hub) OnConnect(peer peripheral.Peer) {
	h.Broadcast(Event{Type: EventConnect, Payload: PeerPayload{Address: peer.Address}})
}

func (h *Hub) OnDisconnect(peer peripheral.Peer, reason error) {
	p := PeerPayload{Address: peer.Address}
	if reason != nil {
		p.Reason = reason.Error()
	}
	h.Broadcast(Event{Type: EventDisconnect, Payload: p})
}

func (h *Hub) OnRead(uuid, peer string) {
	h.Broadcast(Event{Type: EventRead, Payload: IOPayload{UUID: uuid, Peer: peer}})
}

func (h *Hub) OnWrite(uuid, peer string, value []byte) {
	h.Broadcast(Event{Type: EventWrite, Payload: IOPayload{UUID: uuid, Peer: peer, Value: hex.EncodeToString(value)}})
}

func (h *Hub) OnTransferResult(o peripheral.DeliveryOutcome) {
	p := TransferPayload{
		ItemID:   o.ItemID,
		UUID:     o.UUID,
		Peer:     o.Peer,
		Success:  o.Success,
		Attempts: o.Attempts,
		Bytes:    len(o.Payload),
	}
	if o.Err != nil {
		p.Error = o.Err.Error()
	}
	h.Broadcast(Event{Type: EventTransferResult, Payload: p})
}
