package peripheral

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blepd/internal/history"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ----------------------------
// Send Options
// ----------------------------

type sendOptions struct {
	retries   int
	peer      string
	chunkSize int
}

// SendOption customizes SendData and SendLarge.
type SendOption func(*sendOptions)

// WithRetries sets how many times a failed delivery is retried.
func WithRetries(n int) SendOption {
	return func(o *sendOptions) { o.retries = n }
}

// WithPeer restricts delivery to one connected peer.
func WithPeer(address string) SendOption {
	return func(o *sendOptions) { o.peer = address }
}

// WithChunkSize sets the requested SendLarge chunk size; the MTU may lower it.
func WithChunkSize(n int) SendOption {
	return func(o *sendOptions) { o.chunkSize = n }
}

// ----------------------------
// Manager
// ----------------------------

type serviceEntry struct {
	uuid    string
	started bool
	chars   []string
}

// Manager owns one local peripheral: its GATT table, connection state and the outbound
// delivery pipeline. Construct one per process and pass it to collaborators.
type Manager struct {
	logger     *logrus.Logger
	transport  Transport
	opts       Options
	registry   *Registry
	tracker    *ConnectionTracker
	dispatcher *Dispatcher
	history    *history.Log[DeliveryOutcome]
	stats      deliveryStats

	mu          sync.RWMutex
	initialized bool
	closing     bool
	deviceName  string
	services    *orderedmap.OrderedMap[string, *serviceEntry]
	queue       *DeliveryQueue
	worker      *deliveryWorker
	advertising bool
}

// NewManager creates an uninitialized manager driving transport.
func NewManager(transport Transport, opts Options, logger *logrus.Logger) (*Manager, error) {
	if transport == nil {
		return nil, fmt.Errorf("%w: transport cannot be nil", ErrInvalidArgument)
	}
	if logger == nil {
		logger = logrus.New()
	}

	m := &Manager{
		logger:     logger,
		transport:  transport,
		opts:       opts,
		registry:   NewRegistry(),
		tracker:    NewConnectionTracker(logger),
		dispatcher: NewDispatcher(logger),
		services:   orderedmap.New[string, *serviceEntry](),
	}

	if opts.HistorySize > 0 {
		h, err := history.New[DeliveryOutcome](opts.HistorySize)
		if err != nil {
			return nil, err
		}
		m.history = h
	}
	return m, nil
}

// Initialize opens the transport under deviceName and starts the delivery worker.
// A second call returns ErrAlreadyInitialized and changes nothing.
func (m *Manager) Initialize(deviceName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		m.logger.WithField("device", m.deviceName).Warn("Peripheral already initialized")
		return ErrAlreadyInitialized
	}
	if m.closing {
		return ErrShuttingDown
	}
	if deviceName == "" {
		return fmt.Errorf("%w: device name cannot be empty", ErrInvalidArgument)
	}

	if err := m.transport.Open(deviceName, m.transportEvents()); err != nil {
		return &TransportError{Op: "open", Err: err}
	}
	if m.opts.PreferredMTU > 0 {
		if err := m.transport.SetPreferredMTU(m.opts.PreferredMTU); err != nil {
			m.logger.WithError(err).WithField("mtu", m.opts.PreferredMTU).Warn("Failed to set preferred MTU")
		}
	}

	m.queue = NewDeliveryQueue()
	m.worker = &deliveryWorker{
		logger:     m.logger,
		queue:      m.queue,
		registry:   m.registry,
		tracker:    m.tracker,
		transport:  m.transport,
		dispatcher: m.dispatcher,
		history:    m.history,
		stats:      &m.stats,
		backoff:    m.opts.RequeueBackoff,
	}
	m.worker.start(context.Background())

	m.deviceName = deviceName
	m.initialized = true
	m.logger.WithField("device", deviceName).Info("Peripheral initialized")
	return nil
}

// Deinitialize stops the worker, stops advertising, forgets services, characteristics and
// peers, and closes the transport. It is a no-op when not initialized.
func (m *Manager) Deinitialize() error {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.initialized = false
	m.closing = true
	worker, advertising := m.worker, m.advertising
	m.worker, m.advertising = nil, false
	m.mu.Unlock()

	var errs []error
	if err := worker.stop(m.opts.ShutdownTimeout, m.opts.ReportDroppedOnShutdown); err != nil {
		errs = append(errs, err)
	}

	// transport calls run unlocked: closing may emit disconnect events
	if advertising {
		if err := m.transport.StopAdvertising(); err != nil {
			errs = append(errs, &TransportError{Op: "stop-advertising", Err: err})
		}
	}
	if err := m.transport.Close(); err != nil {
		errs = append(errs, &TransportError{Op: "close", Err: err})
	}

	m.mu.Lock()
	m.registry.Clear()
	m.services = orderedmap.New[string, *serviceEntry]()
	m.tracker.Reset()
	m.closing = false
	m.mu.Unlock()

	m.logger.WithField("device", m.deviceName).Info("Peripheral deinitialized")
	return errors.Join(errs...)
}

// IsInitialized reports whether Initialize has succeeded and Deinitialize has not run since.
func (m *Manager) IsInitialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

// ----------------------------
// GATT table
// ----------------------------

// CreateService registers a service. Creating an existing service succeeds with a warning.
func (m *Manager) CreateService(uuid string) error {
	key, err := ValidateUUID(uuid)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return ErrNotInitialized
	}

	if _, exists := m.services.Get(key); exists {
		m.logger.WithField("uuid", key).Warn("Service already exists")
		return nil
	}
	if err := m.transport.CreateService(key); err != nil {
		return &TransportError{Op: "create-service", UUID: key, Err: err}
	}

	m.services.Set(key, &serviceEntry{uuid: key})
	m.logger.WithField("uuid", key).Info("Service created")
	return nil
}

// CreateCharacteristic registers a characteristic under the first created service.
// Zero caps means DefaultCapabilities.
func (m *Manager) CreateCharacteristic(uuid string, caps Capability) error {
	m.mu.RLock()
	first := m.services.Oldest()
	m.mu.RUnlock()

	if first == nil {
		if !m.IsInitialized() {
			return ErrNotInitialized
		}
		return &NotFoundError{Resource: "service"}
	}
	return m.CreateCharacteristicIn(first.Key, uuid, caps)
}

// CreateCharacteristicIn registers a characteristic under a specific service.
// Registering an existing characteristic succeeds with a warning and changes nothing.
func (m *Manager) CreateCharacteristicIn(serviceUUID, uuid string, caps Capability) error {
	svcKey, err := ValidateUUID(serviceUUID)
	if err != nil {
		return err
	}
	key, err := ValidateUUID(uuid)
	if err != nil {
		return err
	}
	if caps == 0 {
		caps = DefaultCapabilities
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return ErrNotInitialized
	}

	svc, ok := m.services.Get(svcKey)
	if !ok {
		return &NotFoundError{Resource: "service", UUIDs: []string{serviceUUID}}
	}

	log := m.logger.WithFields(logrus.Fields{"service": svcKey, "uuid": key, "capabilities": caps.String()})
	if _, err := m.registry.Register(key, caps); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			log.Warn("Characteristic already exists")
			return nil
		}
		return err
	}

	h, err := m.transport.CreateCharacteristic(svcKey, key, caps)
	if err != nil {
		m.registry.Remove(key)
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return &TransportError{Op: "create-characteristic", UUID: key, Err: err}
	}
	if err := m.registry.Bind(key, svcKey, h); err != nil {
		return err
	}

	svc.chars = append(svc.chars, key)
	log.Info("Characteristic created")
	return nil
}

// StartService publishes a service and its characteristics through the transport.
func (m *Manager) StartService(uuid string) error {
	key, err := ValidateUUID(uuid)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return ErrNotInitialized
	}

	svc, ok := m.services.Get(key)
	if !ok {
		return &NotFoundError{Resource: "service", UUIDs: []string{uuid}}
	}
	if svc.started {
		return nil
	}
	if err := m.transport.StartService(key); err != nil {
		return &TransportError{Op: "start-service", UUID: key, Err: err}
	}

	svc.started = true
	m.logger.WithFields(logrus.Fields{"uuid": key, "characteristics": len(svc.chars)}).Info("Service started")
	return nil
}

// Services returns service UUIDs in creation order.
func (m *Manager) Services() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.serviceUUIDsLocked()
}

func (m *Manager) serviceUUIDsLocked() []string {
	uuids := make([]string, 0, m.services.Len())
	for pair := m.services.Oldest(); pair != nil; pair = pair.Next() {
		uuids = append(uuids, pair.Key)
	}
	return uuids
}

// Characteristics returns the registered characteristic UUIDs in sorted order.
func (m *Manager) Characteristics() []string {
	return m.registry.UUIDs()
}

// ----------------------------
// Advertising
// ----------------------------

// StartAdvertising advertises the device name and every service UUID.
func (m *Manager) StartAdvertising() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return ErrNotInitialized
	}

	uuids := m.serviceUUIDsLocked()
	if len(uuids) == 0 {
		return &NotFoundError{Resource: "service"}
	}
	if err := m.transport.StartAdvertising(m.deviceName, uuids); err != nil {
		return &TransportError{Op: "start-advertising", Err: err}
	}

	m.advertising = true
	m.logger.WithFields(logrus.Fields{"device": m.deviceName, "services": uuids}).Info("Advertising started")
	return nil
}

// StopAdvertising stops advertising.
func (m *Manager) StopAdvertising() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return ErrNotInitialized
	}

	if err := m.transport.StopAdvertising(); err != nil {
		return &TransportError{Op: "stop-advertising", Err: err}
	}
	m.advertising = false
	m.logger.Info("Advertising stopped")
	return nil
}

// IsAdvertising reports whether advertising was started and not stopped.
func (m *Manager) IsAdvertising() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.advertising
}

// ----------------------------
// Delivery
// ----------------------------

// SendData queues data for notification on uuid. It never waits for delivery: the result
// arrives through the transfer-result observer. Unknown, non-notifying or uninitialized
// targets are rejected immediately and nothing is queued.
func (m *Manager) SendData(uuid string, data []byte, opts ...SendOption) error {
	o := m.sendOptions(opts)
	key, q, err := m.prepareSend(uuid, o)
	if err != nil {
		return err
	}
	return m.enqueue(q, key, data, o)
}

// SendLarge splits data into chunks of min(chunk size, MTU-3) bytes and queues them in
// order, pausing ChunkPacing between submissions. If queuing stops early a *ChunkError
// names the first chunk that was not queued; earlier chunks stay queued.
func (m *Manager) SendLarge(ctx context.Context, uuid string, data []byte, opts ...SendOption) error {
	o := m.sendOptions(opts)
	key, q, err := m.prepareSend(uuid, o)
	if err != nil {
		return err
	}

	chunkSize, err := EffectiveChunkSize(o.chunkSize, m.tracker.MTU())
	if err != nil {
		return err
	}
	chunks := SplitChunks(data, chunkSize)

	m.logger.WithFields(logrus.Fields{
		"uuid":   key,
		"bytes":  len(data),
		"chunk":  chunkSize,
		"chunks": len(chunks),
	}).Info("Sending large payload")

	for i, chunk := range chunks {
		if i > 0 && m.opts.ChunkPacing > 0 {
			timer := time.NewTimer(m.opts.ChunkPacing)
			select {
			case <-ctx.Done():
				timer.Stop()
				return &ChunkError{Index: i, Total: len(chunks), Err: ctx.Err()}
			case <-timer.C:
			}
		}

		if err := m.enqueue(q, key, chunk, o); err != nil {
			m.logger.WithError(err).WithFields(logrus.Fields{"uuid": key, "chunk": i}).Error("Large payload aborted")
			return &ChunkError{Index: i, Total: len(chunks), Err: err}
		}
	}
	return nil
}

func (m *Manager) sendOptions(opts []SendOption) sendOptions {
	o := sendOptions{retries: m.opts.DefaultRetries, chunkSize: m.opts.ChunkSize}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (m *Manager) prepareSend(uuid string, o sendOptions) (string, *DeliveryQueue, error) {
	m.mu.RLock()
	initialized, q := m.initialized, m.queue
	m.mu.RUnlock()

	if !initialized {
		return "", nil, ErrNotInitialized
	}
	if o.retries < 0 {
		return "", nil, fmt.Errorf("%w: retries must be >= 0, got %d", ErrInvalidArgument, o.retries)
	}

	ch, ok := m.registry.Get(uuid)
	if !ok {
		return "", nil, &NotFoundError{Resource: "characteristic", UUIDs: []string{uuid}}
	}
	if !ch.Capabilities().CanNotify() {
		return "", nil, fmt.Errorf("%w: characteristic %q supports %s, not notify", ErrCapabilityMismatch, ch.UUID(), ch.Capabilities())
	}

	if !m.tracker.IsConnected() {
		m.logger.WithField("uuid", ch.UUID()).Warn("No peer connected, data stays queued until one connects")
	}
	return ch.UUID(), q, nil
}

func (m *Manager) enqueue(q *DeliveryQueue, key string, data []byte, o sendOptions) error {
	item := newQueueItem(key, data, o.retries, o.peer)
	if !q.Enqueue(item) {
		return ErrShuttingDown
	}
	m.stats.enqueued.Add(1)

	m.logger.WithFields(logrus.Fields{
		"item":    item.ID,
		"uuid":    key,
		"bytes":   len(data),
		"retries": o.retries,
	}).Debug("Item queued")
	return nil
}

// SetCharacteristicValue sets a characteristic's value without notifying.
func (m *Manager) SetCharacteristicValue(uuid string, value []byte) error {
	if !m.IsInitialized() {
		return ErrNotInitialized
	}
	ch, ok := m.registry.Get(uuid)
	if !ok {
		return &NotFoundError{Resource: "characteristic", UUIDs: []string{uuid}}
	}

	ch.setValue(value)
	if h := ch.Handle(); h != nil {
		if err := m.transport.SetCharacteristicValue(h, value); err != nil {
			return &TransportError{Op: "set-value", UUID: ch.UUID(), Err: err}
		}
	}
	return nil
}

// NotifyCharacteristic sets the value and notifies subscribers right away, bypassing
// the queue. No retry is applied and no transfer-result is reported.
func (m *Manager) NotifyCharacteristic(uuid string, value []byte) error {
	if !m.IsInitialized() {
		return ErrNotInitialized
	}
	ch, ok := m.registry.Get(uuid)
	if !ok {
		return &NotFoundError{Resource: "characteristic", UUIDs: []string{uuid}}
	}
	if !ch.Capabilities().CanNotify() {
		return fmt.Errorf("%w: characteristic %q supports %s, not notify", ErrCapabilityMismatch, ch.UUID(), ch.Capabilities())
	}
	h := ch.Handle()
	if h == nil {
		return &TransportError{Op: "notify", UUID: ch.UUID(), Err: errors.New("characteristic is not bound to the transport")}
	}

	ch.setValue(value)
	if err := m.transport.SetCharacteristicValue(h, value); err != nil {
		return &TransportError{Op: "set-value", UUID: ch.UUID(), Err: err}
	}
	if err := m.transport.Notify(h, ""); err != nil {
		return &TransportError{Op: "notify", UUID: ch.UUID(), Err: err}
	}
	return nil
}

// CharacteristicValue returns the last value set by a send or an inbound write.
func (m *Manager) CharacteristicValue(uuid string) ([]byte, error) {
	ch, ok := m.registry.Get(uuid)
	if !ok {
		return nil, &NotFoundError{Resource: "characteristic", UUIDs: []string{uuid}}
	}
	return ch.Value(), nil
}

// SetMTU records a negotiated MTU in [MinMTU, MaxMTU] and offers it to the transport.
// Chunk sizes of later SendLarge calls follow it; already queued chunks are unaffected.
func (m *Manager) SetMTU(size int) error {
	if !m.IsInitialized() {
		return ErrNotInitialized
	}
	if err := m.tracker.SetMTU(size); err != nil {
		return err
	}
	if err := m.transport.SetPreferredMTU(size); err != nil {
		m.logger.WithError(err).WithField("mtu", size).Warn("Transport rejected preferred MTU")
	}
	m.logger.WithField("mtu", size).Info("MTU updated")
	return nil
}

// MTU returns the current negotiated MTU.
func (m *Manager) MTU() int {
	return m.tracker.MTU()
}

// ClearQueue drops queued items for uuid, or every item when uuid is empty.
func (m *Manager) ClearQueue(uuid string) int {
	m.mu.RLock()
	q := m.queue
	m.mu.RUnlock()
	if q == nil {
		return 0
	}

	n := q.Clear(uuid)
	m.logger.WithFields(logrus.Fields{"uuid": uuid, "removed": n}).Debug("Queue cleared")
	return n
}

// QueueSize returns a best-effort count of queued items for uuid, or of all items.
func (m *Manager) QueueSize(uuid string) int {
	m.mu.RLock()
	q := m.queue
	m.mu.RUnlock()
	if q == nil {
		return 0
	}
	return q.Size(uuid)
}

// IsConnected reports whether at least one peer is connected.
func (m *Manager) IsConnected() bool {
	return m.tracker.IsConnected()
}

// PeerCount returns the number of connected peers.
func (m *Manager) PeerCount() int {
	return m.tracker.PeerCount()
}

// Stats returns delivery counters.
func (m *Manager) Stats() Stats {
	return m.stats.snapshot()
}

// DrainOutcomes removes and returns the recorded outcome history, oldest first.
// A second call sees only outcomes recorded since the first.
func (m *Manager) DrainOutcomes() []DeliveryOutcome {
	if m.history == nil {
		return nil
	}
	return m.history.Drain()
}

// ----------------------------
// Observers
// ----------------------------

// OnConnection installs the connection observer. Either function may be nil.
func (m *Manager) OnConnection(onConnect ConnectHandler, onDisconnect DisconnectHandler) {
	m.dispatcher.SetConnectionHandlers(onConnect, onDisconnect)
}

// OnCharacteristic installs the I/O observer for uuid; empty uuid is the fallback.
// A malformed uuid returns ErrInvalidArgument.
func (m *Manager) OnCharacteristic(uuid string, onRead ReadHandler, onWrite WriteHandler) error {
	return m.dispatcher.SetCharacteristicHandlers(uuid, onRead, onWrite)
}

// OnTransferResult installs the transfer-result observer.
func (m *Manager) OnTransferResult(h TransferResultHandler) {
	m.dispatcher.SetTransferResultHandler(h)
}

// ----------------------------
// Transport events
// ----------------------------

func (m *Manager) transportEvents() TransportEvents {
	return TransportEvents{
		OnConnect:    m.handleConnect,
		OnDisconnect: m.handleDisconnect,
		OnMTUChange:  m.handleMTUChange,
		OnRead:       m.dispatcher.DispatchRead,
		OnWrite:      m.handleWrite,
	}
}

func (m *Manager) handleConnect(peer Peer) {
	peers := m.tracker.OnConnect()
	if peer.MTU > 0 {
		m.handleMTUChange(peer.Address, peer.MTU)
	}

	m.logger.WithFields(logrus.Fields{
		"peer":     peer.Address,
		"peers":    peers,
		"interval": peer.ConnInterval,
	}).Info("Peer connected")
	m.dispatcher.DispatchConnect(peer)
}

func (m *Manager) handleDisconnect(peer Peer, reason error) {
	peers := m.tracker.OnDisconnect()

	log := m.logger.WithFields(logrus.Fields{"peer": peer.Address, "peers": peers})
	if reason != nil {
		log = log.WithField("reason", reason.Error())
	}
	log.Info("Peer disconnected")

	if m.opts.ReadvertiseOnDisconnect {
		m.mu.RLock()
		advertising, name, uuids := m.advertising && m.initialized, m.deviceName, m.serviceUUIDsLocked()
		m.mu.RUnlock()

		if advertising {
			if err := m.transport.StartAdvertising(name, uuids); err != nil {
				m.logger.WithError(err).Warn("Failed to restart advertising after disconnect")
			}
		}
	}

	m.dispatcher.DispatchDisconnect(peer, reason)
}

func (m *Manager) handleMTUChange(peer string, mtu int) {
	clamped := max(MinMTU, min(mtu, MaxMTU))
	if clamped != mtu {
		m.logger.WithFields(logrus.Fields{"peer": peer, "mtu": mtu}).Warn("Negotiated MTU out of range, clamping")
	}
	_ = m.tracker.SetMTU(clamped)
	m.logger.WithFields(logrus.Fields{"peer": peer, "mtu": clamped}).Debug("MTU changed")
}

func (m *Manager) handleWrite(uuid, peer string, value []byte) {
	if err := m.registry.SetValue(uuid, value); err != nil {
		m.logger.WithError(err).WithField("uuid", uuid).Warn("Write to unknown characteristic")
	}
	m.dispatcher.DispatchWrite(uuid, peer, value)
}
