//go:build test

// Package mocks holds testify mocks of the peripheral adapter interfaces.
package mocks

import (
	"sync"
	"sync/atomic"

	"github.com/srg/blepd/internal/peripheral"
	"github.com/stretchr/testify/mock"
)

// MockHandle is the handle returned by MockTransport.CreateCharacteristic.
type MockHandle struct {
	ID string
}

func (h *MockHandle) UUID() string {
	return h.ID
}

// MockTransport is a testify mock of peripheral.Transport. It keeps the callbacks passed
// to Open so tests can inject connection and I/O events with the Simulate* helpers.
type MockTransport struct {
	mock.Mock

	mu       sync.Mutex
	events   peripheral.TransportEvents
	notifies atomic.Int64
	adverts  atomic.Int64
}

var _ peripheral.Transport = (*MockTransport)(nil)

// NewMockTransport creates a mock without expectations.
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// AllowAll registers optional success expectations for every method. Expectations added
// before calling it take precedence, since testify matches calls in registration order.
func (m *MockTransport) AllowAll() *MockTransport {
	m.On("Open", mock.Anything).Return(nil).Maybe()
	m.On("Close").Return(nil).Maybe()
	m.On("CreateService", mock.Anything).Return(nil).Maybe()
	m.On("CreateCharacteristic", mock.Anything, mock.Anything, mock.Anything).Return(nil, nil).Maybe()
	m.On("StartService", mock.Anything).Return(nil).Maybe()
	m.On("SetCharacteristicValue", mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("Notify", mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("StartAdvertising", mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("StopAdvertising").Return(nil).Maybe()
	m.On("SetPreferredMTU", mock.Anything).Return(nil).Maybe()
	return m
}

func (m *MockTransport) Open(deviceName string, events peripheral.TransportEvents) error {
	m.mu.Lock()
	m.events = events
	m.mu.Unlock()
	return m.Called(deviceName).Error(0)
}

func (m *MockTransport) Close() error {
	return m.Called().Error(0)
}

func (m *MockTransport) CreateService(uuid string) error {
	return m.Called(uuid).Error(0)
}

// CreateCharacteristic returns a *MockHandle for uuid unless the expectation supplies a handle.
func (m *MockTransport) CreateCharacteristic(serviceUUID, uuid string, caps peripheral.Capability) (peripheral.Handle, error) {
	args := m.Called(serviceUUID, uuid, caps)
	if err := args.Error(1); err != nil {
		return nil, err
	}
	if h, ok := args.Get(0).(peripheral.Handle); ok && h != nil {
		return h, nil
	}
	return &MockHandle{ID: uuid}, nil
}

func (m *MockTransport) StartService(uuid string) error {
	return m.Called(uuid).Error(0)
}

func (m *MockTransport) SetCharacteristicValue(h peripheral.Handle, value []byte) error {
	return m.Called(h, value).Error(0)
}

func (m *MockTransport) Notify(h peripheral.Handle, peer string) error {
	m.notifies.Add(1)
	return m.Called(h, peer).Error(0)
}

func (m *MockTransport) StartAdvertising(deviceName string, serviceUUIDs []string) error {
	m.adverts.Add(1)
	return m.Called(deviceName, serviceUUIDs).Error(0)
}

func (m *MockTransport) StopAdvertising() error {
	return m.Called().Error(0)
}

func (m *MockTransport) SetPreferredMTU(mtu int) error {
	return m.Called(mtu).Error(0)
}

// ----------------------------
// Event simulation
// ----------------------------

func (m *MockTransport) callbacks() peripheral.TransportEvents {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events
}

// SimulateConnect reports a peer connecting with the given MTU (0 keeps the current one).
func (m *MockTransport) SimulateConnect(address string, mtu int) {
	if cb := m.callbacks().OnConnect; cb != nil {
		cb(peripheral.Peer{Address: address, MTU: mtu})
	}
}

// SimulateDisconnect reports a peer disconnecting.
func (m *MockTransport) SimulateDisconnect(address string, reason error) {
	if cb := m.callbacks().OnDisconnect; cb != nil {
		cb(peripheral.Peer{Address: address}, reason)
	}
}

// SimulateMTUChange reports a new negotiated MTU.
func (m *MockTransport) SimulateMTUChange(address string, mtu int) {
	if cb := m.callbacks().OnMTUChange; cb != nil {
		cb(address, mtu)
	}
}

// SimulateRead reports a peer reading a characteristic.
func (m *MockTransport) SimulateRead(uuid, address string) {
	if cb := m.callbacks().OnRead; cb != nil {
		cb(uuid, address)
	}
}

// SimulateWrite reports a peer writing value to a characteristic.
func (m *MockTransport) SimulateWrite(uuid, address string, value []byte) {
	if cb := m.callbacks().OnWrite; cb != nil {
		cb(uuid, address, value)
	}
}

// NotifyCalls returns how many Notify calls were made; safe while the worker runs.
func (m *MockTransport) NotifyCalls() int {
	return int(m.notifies.Load())
}

// AdvertiseCalls returns how many StartAdvertising calls were made.
func (m *MockTransport) AdvertiseCalls() int {
	return int(m.adverts.Load())
}
