package peripheral

// Handle identifies a characteristic inside the transport.
type Handle interface {
	UUID() string
}

// Peer describes a connected central.
type Peer struct {
	Address      string
	ConnInterval int // connection interval in 1.25ms units, 0 when unknown
	MTU          int
}

// TransportEvents are the callbacks a transport reports into. They are registered once,
// when the transport is opened, and may be invoked from any goroutine.
type TransportEvents struct {
	OnConnect    func(peer Peer)
	OnDisconnect func(peer Peer, reason error)
	OnMTUChange  func(peer string, mtu int)
	OnRead       func(uuid, peer string)
	OnWrite      func(uuid, peer string, value []byte)
}

// Transport is the GATT server stack the peripheral drives. Connection establishment,
// pairing and attribute registration mechanics belong to the implementation.
type Transport interface {
	// Open brings the stack up under deviceName and registers the event callbacks.
	Open(deviceName string, events TransportEvents) error
	// Close releases the stack. It is safe to call more than once.
	Close() error

	CreateService(uuid string) error
	// CreateCharacteristic returns a NotFoundError when serviceUUID is unknown.
	CreateCharacteristic(serviceUUID, uuid string, caps Capability) (Handle, error)
	StartService(uuid string) error

	SetCharacteristicValue(h Handle, value []byte) error
	// Notify pushes the current value to subscribed peers, or only to peer when set.
	// It succeeds when at least one peer accepted the notification.
	Notify(h Handle, peer string) error

	StartAdvertising(deviceName string, serviceUUIDs []string) error
	StopAdvertising() error

	// SetPreferredMTU is the MTU the stack offers during exchange; it does not change
	// the negotiated value.
	SetPreferredMTU(mtu int) error
}
