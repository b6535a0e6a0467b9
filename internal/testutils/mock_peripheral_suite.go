//go:build test

package testutils

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blepd/internal/peripheral"
	"github.com/srg/blepd/internal/testutils/mocks"
	"github.com/stretchr/testify/suite"
)

const (
	TestDeviceName  = "blepd-test"
	TestServiceUUID = "180d"
	TestCharUUID    = "2a37"
	TestPeer        = "AA:BB:CC:DD:EE:FF"
)

// MockPeripheralSuite runs a real peripheral.Manager on top of a mocks.MockTransport.
//
// Usage:
//
//	type SendSuite struct {
//	    testutils.MockPeripheralSuite
//	}
//
//	func (s *SendSuite) TestSomething() {
//	    s.Transport.On("Notify", mock.Anything, mock.Anything).Return(errors.New("busy")).Once()
//	    s.StartPeripheral()           // registers 180d/2a37 and applies AllowAll
//	    s.Transport.SimulateConnect(testutils.TestPeer, 0)
//	    ...
//	}
//
// Expectations set before StartPeripheral win over the AllowAll defaults.
// Options may be tuned in the test before StartPeripheral as well.
type MockPeripheralSuite struct {
	suite.Suite

	Helper *TestHelper
	Logger *logrus.Logger

	Transport *mocks.MockTransport
	Manager   *peripheral.Manager
	Options   peripheral.Options
	Outcomes  *OutcomeRecorder
}

func (s *MockPeripheralSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
}

// SetupTest creates a fresh mock transport and fast delivery options.
func (s *MockPeripheralSuite) SetupTest() {
	s.Transport = mocks.NewMockTransport()
	s.Outcomes = NewOutcomeRecorder()
	s.Manager = nil

	s.Options = peripheral.DefaultOptions()
	s.Options.RequeueBackoff = 5 * time.Millisecond
	s.Options.ChunkPacing = 0
	s.Options.ShutdownTimeout = 500 * time.Millisecond
}

// TearDownTest shuts the manager down; Deinitialize is a no-op if the test already did.
func (s *MockPeripheralSuite) TearDownTest() {
	if s.Manager != nil {
		_ = s.Manager.Deinitialize()
	}
}

// NewManager builds an uninitialized manager over the mock transport with AllowAll applied.
func (s *MockPeripheralSuite) NewManager() *peripheral.Manager {
	s.Transport.AllowAll()
	m, err := peripheral.NewManager(s.Transport, s.Options, s.Logger)
	s.Require().NoError(err, "MUST create manager")
	m.OnTransferResult(s.Outcomes.Record)
	s.Manager = m
	return m
}

// StartPeripheral initializes a manager with TestServiceUUID holding TestCharUUID
// (read, notify) and starts the service.
func (s *MockPeripheralSuite) StartPeripheral() *peripheral.Manager {
	m := s.NewManager()
	s.Require().NoError(m.Initialize(TestDeviceName), "MUST initialize")
	s.Require().NoError(m.CreateService(TestServiceUUID), "MUST create service")
	s.Require().NoError(m.CreateCharacteristic(TestCharUUID, peripheral.CapRead|peripheral.CapNotify), "MUST create characteristic")
	s.Require().NoError(m.StartService(TestServiceUUID), "MUST start service")
	return m
}

// WaitOutcomes waits until at least n transfer results arrived.
func (s *MockPeripheralSuite) WaitOutcomes(n int) []peripheral.DeliveryOutcome {
	s.Require().Eventually(func() bool {
		return s.Outcomes.Len() >= n
	}, 2*time.Second, 5*time.Millisecond, "MUST receive %d transfer results", n)
	return s.Outcomes.All()
}
