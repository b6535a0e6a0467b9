package peripheral

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingTransport succeeds on everything and counts notifications.
type countingTransport struct {
	notifies atomic.Int32
}

func (c *countingTransport) Open(string, TransportEvents) error          { return nil }
func (c *countingTransport) Close() error                                { return nil }
func (c *countingTransport) CreateService(string) error                  { return nil }
func (c *countingTransport) StartService(string) error                   { return nil }
func (c *countingTransport) SetCharacteristicValue(Handle, []byte) error { return nil }
func (c *countingTransport) StartAdvertising(string, []string) error     { return nil }
func (c *countingTransport) StopAdvertising() error                      { return nil }
func (c *countingTransport) SetPreferredMTU(int) error                   { return nil }
func (c *countingTransport) Notify(Handle, string) error                 { c.notifies.Add(1); return nil }
func (c *countingTransport) CreateCharacteristic(_, uuid string, _ Capability) (Handle, error) {
	return testHandle(uuid), nil
}

type workerFixture struct {
	worker   *deliveryWorker
	queue    *DeliveryQueue
	registry *Registry
	tracker  *ConnectionTracker
	tr       *countingTransport

	mu       sync.Mutex
	outcomes []DeliveryOutcome
}

func newWorkerFixture(t *testing.T) *workerFixture {
	logger := logrus.New()
	f := &workerFixture{
		queue:    NewDeliveryQueue(),
		registry: NewRegistry(),
		tracker:  NewConnectionTracker(logger),
		tr:       &countingTransport{},
	}
	d := NewDispatcher(logger)
	d.SetTransferResultHandler(func(o DeliveryOutcome) {
		f.mu.Lock()
		f.outcomes = append(f.outcomes, o)
		f.mu.Unlock()
	})
	f.worker = &deliveryWorker{
		logger:     logger,
		queue:      f.queue,
		registry:   f.registry,
		tracker:    f.tracker,
		transport:  f.tr,
		dispatcher: d,
		stats:      &deliveryStats{},
		backoff:    time.Hour,
	}
	t.Cleanup(func() { _ = f.worker.stop(time.Second, false) })
	return f
}

func (f *workerFixture) results() []DeliveryOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]DeliveryOutcome(nil), f.outcomes...)
}

func TestWorker_MissingCharacteristicIsTerminal(t *testing.T) {
	// GOAL: An item whose characteristic vanished fails once, without retries
	f := newWorkerFixture(t)
	f.tracker.OnConnect()
	f.worker.start(t.Context())

	f.queue.Enqueue(newQueueItem("2a37", []byte{1}, 5, ""))
	require.Eventually(t, func() bool { return len(f.results()) == 1 }, time.Second, 2*time.Millisecond)

	o := f.results()[0]
	assert.False(t, o.Success)
	assert.ErrorIs(t, o.Err, ErrNotFound, "missing characteristic MUST be reported as NotFound")
	assert.Equal(t, 1, o.Attempts, "NotFound MUST NOT be retried")
	assert.Zero(t, f.tr.notifies.Load())
}

func TestWorker_ConnectCutsBackoffShort(t *testing.T) {
	// TEST SCENARIO: item queued with no peer → worker parks in a one-hour backoff → connect → delivered
	f := newWorkerFixture(t)
	_, err := f.registry.Register("2a37", CapNotify)
	require.NoError(t, err)
	require.NoError(t, f.registry.Bind("2a37", "180d", testHandle("2a37")))
	f.worker.start(t.Context())

	f.queue.Enqueue(newQueueItem("2a37", []byte{1}, 0, ""))
	require.Eventually(t, func() bool { return f.worker.stats.requeued.Load() >= 1 }, time.Second, 2*time.Millisecond)

	f.tracker.OnConnect()
	require.Eventually(t, func() bool { return len(f.results()) == 1 }, time.Second, 2*time.Millisecond,
		"connect MUST wake the worker before the backoff elapses")
	assert.True(t, f.results()[0].Success)
}

func TestWorker_UnboundHandleIsTransportFailure(t *testing.T) {
	f := newWorkerFixture(t)
	_, err := f.registry.Register("2a37", CapNotify)
	require.NoError(t, err)
	f.tracker.OnConnect()
	f.worker.start(t.Context())

	f.queue.Enqueue(newQueueItem("2a37", []byte{1}, 1, ""))
	require.Eventually(t, func() bool { return len(f.results()) == 1 }, time.Second, 2*time.Millisecond)

	o := f.results()[0]
	assert.ErrorIs(t, o.Err, ErrRetriesExhausted)
	assert.ErrorIs(t, o.Err, ErrTransportFailure)
	assert.Equal(t, 2, o.Attempts)
}
