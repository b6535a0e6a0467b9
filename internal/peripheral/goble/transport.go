package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blepd/internal/groutine"
	"github.com/srg/blepd/internal/peripheral"
)

// ----------------------------
// Device Factory
// ----------------------------

// DeviceFactory creates ble.Device instances (can be overridden in tests).
// hciDevice selects the Linux HCI controller, -1 for the default one.
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func(hciDevice int) (ble.Device, error) {
	return newDevice(hciDevice)
}

const advertiseStopTimeout = time.Second

// ----------------------------
// Characteristic Handle
// ----------------------------

// charHandle is the peripheral.Handle of a go-ble characteristic. It serves reads from
// its own value copy and keeps one notifier per subscribed peer.
type charHandle struct {
	uuid string
	char *ble.Characteristic

	mu    sync.RWMutex
	value []byte
	subs  map[string]ble.Notifier
}

func (h *charHandle) UUID() string {
	return h.uuid
}

func (h *charHandle) setValue(v []byte) {
	data := make([]byte, len(v))
	copy(data, v)

	h.mu.Lock()
	h.value = data
	h.mu.Unlock()
}

func (h *charHandle) currentValue() []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.value
}

func (h *charHandle) subscribe(peer string, n ble.Notifier) {
	h.mu.Lock()
	h.subs[peer] = n
	h.mu.Unlock()
}

func (h *charHandle) unsubscribe(peer string, n ble.Notifier) {
	h.mu.Lock()
	if h.subs[peer] == n {
		delete(h.subs, peer)
	}
	h.mu.Unlock()
}

// subscribers returns a snapshot of notifiers, restricted to peer when set.
func (h *charHandle) subscribers(peer string) map[string]ble.Notifier {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]ble.Notifier, len(h.subs))
	for addr, n := range h.subs {
		if peer == "" || addr == peer {
			out[addr] = n
		}
	}
	return out
}

// ----------------------------
// Transport
// ----------------------------

type peerConn struct {
	conn ble.Conn
	mtu  int
}

// Transport is a peripheral.Transport backed by a go-ble GATT server.
//
// go-ble does not surface link-layer connection events to a server, so a peer is
// reported connected on its first GATT request (usually the CCCD subscription) and
// disconnected when the connection's Disconnected channel closes.
type Transport struct {
	logger    *logrus.Logger
	hciDevice int

	mu           sync.Mutex
	dev          ble.Device
	events       peripheral.TransportEvents
	services     map[string]*ble.Service
	started      map[string]bool
	chars        map[string]*charHandle
	peers        map[string]*peerConn
	preferredMTU int

	advCancel context.CancelFunc
	advDone   <-chan struct{}
}

var _ peripheral.Transport = (*Transport)(nil)

// NewTransport creates a transport that opens hciDevice (-1 for the default controller).
func NewTransport(hciDevice int, logger *logrus.Logger) *Transport {
	return &Transport{
		logger:    logger,
		hciDevice: hciDevice,
		services:  make(map[string]*ble.Service),
		started:   make(map[string]bool),
		chars:     make(map[string]*charHandle),
		peers:     make(map[string]*peerConn),
	}
}

func (t *Transport) Open(deviceName string, events peripheral.TransportEvents) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dev != nil {
		return nil
	}

	dev, err := DeviceFactory(t.hciDevice)
	if err != nil {
		return NormalizeError(err)
	}

	t.dev = dev
	t.events = events
	t.logger.WithFields(logrus.Fields{"device": deviceName, "address": addressOf(dev)}).Debug("go-ble device opened")
	return nil
}

func (t *Transport) Close() error {
	t.stopAdvertising()

	t.mu.Lock()
	dev := t.dev
	t.dev = nil
	t.services = make(map[string]*ble.Service)
	t.started = make(map[string]bool)
	t.chars = make(map[string]*charHandle)
	t.peers = make(map[string]*peerConn)
	t.mu.Unlock()

	if dev == nil {
		return nil
	}
	if err := dev.RemoveAllServices(); err != nil {
		t.logger.WithError(err).Debug("Failed to remove services on close")
	}
	return NormalizeError(dev.Stop())
}

func (t *Transport) CreateService(uuid string) error {
	u, err := ble.Parse(uuid)
	if err != nil {
		return fmt.Errorf("%w: %v", peripheral.ErrInvalidArgument, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.services[uuid]; !ok {
		t.services[uuid] = ble.NewService(u)
	}
	return nil
}

func (t *Transport) CreateCharacteristic(serviceUUID, uuid string, caps peripheral.Capability) (peripheral.Handle, error) {
	u, err := ble.Parse(uuid)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", peripheral.ErrInvalidArgument, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	svc, ok := t.services[serviceUUID]
	if !ok {
		return nil, &peripheral.NotFoundError{Resource: "service", UUIDs: []string{serviceUUID}}
	}
	if t.started[serviceUUID] {
		return nil, fmt.Errorf("service %q already started, characteristics are fixed", serviceUUID)
	}

	h := &charHandle{uuid: uuid, subs: make(map[string]ble.Notifier)}
	c := svc.NewCharacteristic(u)

	if caps.Has(peripheral.CapRead) {
		c.HandleRead(ble.ReadHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
			t.serveRead(h, req, rsp)
		}))
	}
	if caps&(peripheral.CapWrite|peripheral.CapWriteNoResponse) != 0 {
		c.HandleWrite(ble.WriteHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
			t.serveWrite(h, req)
		}))
	}
	if caps.Has(peripheral.CapNotify) {
		c.HandleNotify(ble.NotifyHandlerFunc(func(req ble.Request, n ble.Notifier) {
			t.serveSubscription(h, req, n)
		}))
	}
	if caps.Has(peripheral.CapIndicate) {
		c.HandleIndicate(ble.NotifyHandlerFunc(func(req ble.Request, n ble.Notifier) {
			t.serveSubscription(h, req, n)
		}))
	}
	// handler registration sets broader bits (write implies write-without-response)
	c.Property = ToProperty(caps)

	h.char = c
	t.chars[uuid] = h
	return h, nil
}

func (t *Transport) StartService(uuid string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	svc, ok := t.services[uuid]
	if !ok {
		return &peripheral.NotFoundError{Resource: "service", UUIDs: []string{uuid}}
	}
	if t.dev == nil {
		return peripheral.ErrNotInitialized
	}
	if t.started[uuid] {
		return nil
	}
	if err := t.dev.AddService(svc); err != nil {
		return NormalizeError(err)
	}
	t.started[uuid] = true
	return nil
}

func (t *Transport) SetCharacteristicValue(handle peripheral.Handle, value []byte) error {
	h, ok := handle.(*charHandle)
	if !ok {
		return fmt.Errorf("%w: foreign handle %T", peripheral.ErrInvalidArgument, handle)
	}
	h.setValue(value)
	return nil
}

func (t *Transport) Notify(handle peripheral.Handle, peer string) error {
	h, ok := handle.(*charHandle)
	if !ok {
		return fmt.Errorf("%w: foreign handle %T", peripheral.ErrInvalidArgument, handle)
	}

	subs := h.subscribers(peer)
	if len(subs) == 0 {
		return peripheral.ErrNoSubscribers
	}

	value := h.currentValue()
	var errs []error
	delivered := 0
	for addr, n := range subs {
		if len(value) > n.Cap() {
			errs = append(errs, fmt.Errorf("peer %s: %d bytes exceed notification capacity %d", addr, len(value), n.Cap()))
			continue
		}
		if _, err := n.Write(value); err != nil {
			errs = append(errs, fmt.Errorf("peer %s: %w", addr, NormalizeError(err)))
			continue
		}
		delivered++
	}

	if delivered == 0 {
		return errors.Join(errs...)
	}
	if len(errs) > 0 {
		t.logger.WithFields(logrus.Fields{"uuid": h.uuid, "delivered": delivered}).
			WithError(errors.Join(errs...)).Debug("Notification reached only some peers")
	}
	return nil
}

func (t *Transport) StartAdvertising(deviceName string, serviceUUIDs []string) error {
	uuids := make([]ble.UUID, 0, len(serviceUUIDs))
	for _, s := range serviceUUIDs {
		u, err := ble.Parse(s)
		if err != nil {
			return fmt.Errorf("%w: %v", peripheral.ErrInvalidArgument, err)
		}
		uuids = append(uuids, u)
	}

	t.stopAdvertising()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dev == nil {
		return peripheral.ErrNotInitialized
	}

	dev := t.dev
	ctx, cancel := context.WithCancel(context.Background())
	t.advCancel = cancel
	t.advDone = groutine.GoDone(ctx, "ble-advertiser", func(ctx context.Context) {
		err := dev.AdvertiseNameAndServices(ctx, deviceName, uuids...)
		if err != nil && !errors.Is(err, context.Canceled) {
			t.logger.WithError(NormalizeError(err)).Warn("Advertising stopped with error")
		}
	})
	return nil
}

func (t *Transport) StopAdvertising() error {
	t.stopAdvertising()
	return nil
}

func (t *Transport) stopAdvertising() {
	t.mu.Lock()
	cancel, done := t.advCancel, t.advDone
	t.advCancel, t.advDone = nil, nil
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-time.After(advertiseStopTimeout):
		t.logger.Warn("Advertiser did not stop in time")
	}
}

// SetPreferredMTU records the preference. go-ble answers MTU exchanges with its own
// receive MTU, so the value is only used for logging the negotiated outcome.
func (t *Transport) SetPreferredMTU(mtu int) error {
	if mtu < peripheral.MinMTU || mtu > peripheral.MaxMTU {
		return fmt.Errorf("%w: preferred MTU %d outside [%d, %d]", peripheral.ErrInvalidArgument, mtu, peripheral.MinMTU, peripheral.MaxMTU)
	}
	t.mu.Lock()
	t.preferredMTU = mtu
	t.mu.Unlock()
	return nil
}

// ----------------------------
// GATT request handling
// ----------------------------

func (t *Transport) serveRead(h *charHandle, req ble.Request, rsp ble.ResponseWriter) {
	addr := t.observe(req.Conn())

	value := h.currentValue()
	off := req.Offset()
	if off > len(value) {
		rsp.SetStatus(ble.ErrInvalidOffset)
		return
	}
	end := min(len(value), off+rsp.Cap())
	if _, err := rsp.Write(value[off:end]); err != nil {
		t.logger.WithError(err).WithField("uuid", h.uuid).Debug("Read response write failed")
	}

	if events := t.callbacks(); events.OnRead != nil {
		events.OnRead(h.uuid, addr)
	}
}

func (t *Transport) serveWrite(h *charHandle, req ble.Request) {
	addr := t.observe(req.Conn())

	data := make([]byte, len(req.Data()))
	copy(data, req.Data())
	h.setValue(data)

	if events := t.callbacks(); events.OnWrite != nil {
		events.OnWrite(h.uuid, addr, data)
	}
}

func (t *Transport) callbacks() peripheral.TransportEvents {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.events
}

// serveSubscription blocks for the lifetime of a subscription, as go-ble expects.
func (t *Transport) serveSubscription(h *charHandle, req ble.Request, n ble.Notifier) {
	addr := t.observe(req.Conn())
	h.subscribe(addr, n)
	t.logger.WithFields(logrus.Fields{"uuid": h.uuid, "peer": addr}).Debug("Peer subscribed")

	<-n.Context().Done()

	h.unsubscribe(addr, n)
	t.logger.WithFields(logrus.Fields{"uuid": h.uuid, "peer": addr}).Debug("Peer unsubscribed")
}

// observe reports a connect the first time a connection is seen and an MTU change
// whenever its TX MTU differs from the last one reported.
func (t *Transport) observe(conn ble.Conn) string {
	addr := conn.RemoteAddr().String()
	mtu := conn.TxMTU()

	t.mu.Lock()
	pc, known := t.peers[addr]
	if !known {
		pc = &peerConn{conn: conn, mtu: mtu}
		t.peers[addr] = pc
	}
	mtuChanged := known && pc.mtu != mtu
	pc.mtu = mtu
	events := t.events
	t.mu.Unlock()

	if !known {
		if events.OnConnect != nil {
			events.OnConnect(peripheral.Peer{Address: addr, MTU: mtu})
		}
		groutine.Go(context.Background(), "ble-peer-watch", func(ctx context.Context) {
			<-conn.Disconnected()
			t.forget(addr, conn)
		})
		return addr
	}

	if mtuChanged && events.OnMTUChange != nil {
		events.OnMTUChange(addr, mtu)
	}
	return addr
}

func (t *Transport) forget(addr string, conn ble.Conn) {
	t.mu.Lock()
	pc, ok := t.peers[addr]
	if !ok || pc.conn != conn {
		t.mu.Unlock()
		return
	}
	delete(t.peers, addr)
	events := t.events
	t.mu.Unlock()

	if events.OnDisconnect != nil {
		events.OnDisconnect(peripheral.Peer{Address: addr, MTU: pc.mtu}, nil)
	}
}

// Peers returns the addresses of peers seen since they connected.
func (t *Transport) Peers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.peers))
	for addr := range t.peers {
		out = append(out, addr)
	}
	return out
}

// addressOf returns the local adapter address when the device exposes one.
func addressOf(dev ble.Device) string {
	d, ok := dev.(interface{ Address() ble.Addr })
	if !ok {
		return ""
	}
	if a := d.Address(); a != nil {
		return a.String()
	}
	return ""
}
