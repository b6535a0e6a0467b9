package peripheral

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// DeliveryOutcome is the terminal result of one queued item.
type DeliveryOutcome struct {
	ItemID   string
	UUID     string
	Peer     string
	Success  bool
	Payload  []byte
	Attempts int
	Err      error // nil on success
}

type (
	ConnectHandler        func(peer Peer)
	DisconnectHandler     func(peer Peer, reason error)
	ReadHandler           func(uuid, peer string)
	WriteHandler          func(uuid, peer string, value []byte)
	TransferResultHandler func(outcome DeliveryOutcome)
)

type ioHandlers struct {
	onRead  ReadHandler
	onWrite WriteHandler
}

// Dispatcher forwards events to at most one handler per kind. Dispatch is synchronous
// on the caller's goroutine; a missing handler is a no-op and a panicking handler is
// logged and swallowed.
type Dispatcher struct {
	logger *logrus.Logger

	mu           sync.RWMutex
	onConnect    ConnectHandler
	onDisconnect DisconnectHandler
	onResult     TransferResultHandler
	io           map[string]ioHandlers // "" is the fallback for characteristics without their own
}

// NewDispatcher creates a dispatcher with no handlers.
func NewDispatcher(logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		logger: logger,
		io:     make(map[string]ioHandlers),
	}
}

// SetConnectionHandlers replaces the connection observer. Either function may be nil.
func (d *Dispatcher) SetConnectionHandlers(onConnect ConnectHandler, onDisconnect DisconnectHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onConnect = onConnect
	d.onDisconnect = onDisconnect
}

// SetCharacteristicHandlers replaces the I/O observer of one characteristic.
// An empty uuid installs the fallback used by characteristics without their own observer.
// Passing two nil functions removes the observer. A malformed uuid is rejected with
// ErrInvalidArgument and changes nothing.
func (d *Dispatcher) SetCharacteristicHandlers(uuid string, onRead ReadHandler, onWrite WriteHandler) error {
	var key string
	if uuid != "" {
		var err error
		if key, err = ValidateUUID(uuid); err != nil {
			return err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if onRead == nil && onWrite == nil {
		delete(d.io, key)
		return nil
	}
	d.io[key] = ioHandlers{onRead: onRead, onWrite: onWrite}
	return nil
}

// SetTransferResultHandler replaces the transfer-result observer.
func (d *Dispatcher) SetTransferResultHandler(h TransferResultHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onResult = h
}

func (d *Dispatcher) DispatchConnect(peer Peer) {
	d.mu.RLock()
	h := d.onConnect
	d.mu.RUnlock()
	if h != nil {
		d.guard("connect", func() { h(peer) })
	}
}

func (d *Dispatcher) DispatchDisconnect(peer Peer, reason error) {
	d.mu.RLock()
	h := d.onDisconnect
	d.mu.RUnlock()
	if h != nil {
		d.guard("disconnect", func() { h(peer, reason) })
	}
}

func (d *Dispatcher) DispatchRead(uuid, peer string) {
	if h := d.ioFor(uuid).onRead; h != nil {
		d.guard("read", func() { h(uuid, peer) })
	}
}

// DispatchWrite hands the inbound value to the observer uninterpreted.
func (d *Dispatcher) DispatchWrite(uuid, peer string, value []byte) {
	if h := d.ioFor(uuid).onWrite; h != nil {
		d.guard("write", func() { h(uuid, peer, value) })
	}
}

func (d *Dispatcher) DispatchTransferResult(outcome DeliveryOutcome) {
	d.mu.RLock()
	h := d.onResult
	d.mu.RUnlock()
	if h != nil {
		d.guard("transfer-result", func() { h(outcome) })
	}
}

func (d *Dispatcher) ioFor(uuid string) ioHandlers {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if h, ok := d.io[NormalizeUUID(uuid)]; ok {
		return h
	}
	return d.io[""]
}

func (d *Dispatcher) guard(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.WithField("event", kind).Errorf("Event handler panicked (recovered): %v", r)
		}
	}()
	fn()
}
