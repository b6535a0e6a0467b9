package peripheral

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blepd/internal/groutine"
	"github.com/srg/blepd/internal/history"
)

// Stats is a snapshot of delivery counters.
type Stats struct {
	Enqueued  int64 // items accepted by SendData, one per chunk for SendLarge
	Delivered int64 // terminal successes
	Failed    int64 // terminal failures
	Retried   int64 // failed attempts that were re-enqueued
	Requeued  int64 // items pushed back because no peer was connected
	Dropped   int64 // items lost at shutdown
}

type deliveryStats struct {
	enqueued, delivered, failed, retried, requeued, dropped atomic.Int64
}

func (s *deliveryStats) snapshot() Stats {
	return Stats{
		Enqueued:  s.enqueued.Load(),
		Delivered: s.delivered.Load(),
		Failed:    s.failed.Load(),
		Retried:   s.retried.Load(),
		Requeued:  s.requeued.Load(),
		Dropped:   s.dropped.Load(),
	}
}

// ----------------------------
// Delivery Worker
// ----------------------------

// deliveryWorker is the single consumer of the delivery queue.
// While no peer is connected an item goes back to the head of the queue rather than
// the back, so waiting for a central keeps FIFO order; the backoff ends early on connect.
//
//	WaitingForItem -> HasItem -> (no peer) push back to head + backoff -> WaitingForItem
//	                          -> Dispatching -> Success | Failure -> WaitingForItem
//	WaitingForItem -> ShuttingDown (queue closed)
type deliveryWorker struct {
	logger     *logrus.Logger
	queue      *DeliveryQueue
	registry   *Registry
	tracker    *ConnectionTracker
	transport  Transport
	dispatcher *Dispatcher
	history    *history.Log[DeliveryOutcome]
	stats      *deliveryStats
	backoff    time.Duration

	stopping atomic.Bool
	stopCh   chan struct{}
	done     <-chan struct{}
}

func (w *deliveryWorker) start(ctx context.Context) {
	w.stopCh = make(chan struct{})
	w.done = groutine.GoDone(ctx, "delivery-worker", w.run)
}

func (w *deliveryWorker) run(_ context.Context) {
	w.logger.Debug("Delivery worker started")
	defer w.logger.Debug("Delivery worker exited")

	for {
		item, ok := w.queue.Dequeue()
		if !ok {
			return
		}

		if !w.tracker.IsConnected() {
			if !w.queue.PushFront(item) {
				w.drop(item)
				return
			}
			w.stats.requeued.Add(1)
			w.logger.WithFields(logrus.Fields{
				"item": item.ID,
				"uuid": item.UUID,
			}).Debug("No peer connected, item requeued")

			if !w.waitBackoff() {
				return
			}
			continue
		}

		w.dispatch(item)
	}
}

// waitBackoff sleeps for the requeue backoff. A connect cuts the sleep short.
// Returns false when the worker is stopping.
func (w *deliveryWorker) waitBackoff() bool {
	timer := time.NewTimer(w.backoff)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-w.tracker.ConnectNotify():
		return true
	case <-timer.C:
		return true
	}
}

func (w *deliveryWorker) dispatch(item *QueueItem) {
	item.Attempts++
	log := w.logger.WithFields(logrus.Fields{
		"item":    item.ID,
		"uuid":    item.UUID,
		"attempt": item.Attempts,
		"bytes":   len(item.Payload),
	})

	err := w.attempt(item)
	if err == nil {
		log.Debug("Notification delivered")
		w.finish(item, nil)
		return
	}

	if errors.Is(err, ErrNotFound) {
		log.WithError(err).Warn("Characteristic disappeared before delivery")
		w.finish(item, err)
		return
	}

	if item.Retries > 0 {
		item.Retries--
		w.stats.retried.Add(1)
		log.WithError(err).WithField("retries", item.Retries).Debug("Delivery failed, re-enqueueing")
		if !w.queue.Enqueue(item) {
			w.drop(item)
		}
		return
	}

	log.WithError(err).Error("Delivery failed, retries exhausted")
	w.finish(item, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, item.Attempts, err))
}

func (w *deliveryWorker) attempt(item *QueueItem) error {
	ch, ok := w.registry.Get(item.UUID)
	if !ok {
		return &NotFoundError{Resource: "characteristic", UUIDs: []string{item.UUID}}
	}

	h := ch.Handle()
	if h == nil {
		return &TransportError{Op: "notify", UUID: item.UUID, Err: errors.New("characteristic is not bound to the transport")}
	}

	ch.setValue(item.Payload)
	if err := w.transport.SetCharacteristicValue(h, item.Payload); err != nil {
		return &TransportError{Op: "set-value", UUID: item.UUID, Err: err}
	}
	if err := w.transport.Notify(h, item.Peer); err != nil {
		return &TransportError{Op: "notify", UUID: item.UUID, Err: err}
	}
	return nil
}

func (w *deliveryWorker) finish(item *QueueItem, err error) {
	outcome := DeliveryOutcome{
		ItemID:   item.ID,
		UUID:     item.UUID,
		Peer:     item.Peer,
		Success:  err == nil,
		Payload:  item.Payload,
		Attempts: item.Attempts,
		Err:      err,
	}

	if outcome.Success {
		w.stats.delivered.Add(1)
	} else {
		w.stats.failed.Add(1)
	}
	if w.history != nil {
		if herr := w.history.Record(outcome); herr != nil {
			w.logger.WithError(herr).Warn("Failed to record delivery outcome")
		}
	}
	w.dispatcher.DispatchTransferResult(outcome)
}

func (w *deliveryWorker) drop(item *QueueItem) {
	w.stats.dropped.Add(1)
	w.logger.WithFields(logrus.Fields{
		"item": item.ID,
		"uuid": item.UUID,
	}).Debug("Queue closed, item dropped")
}

// stop closes the queue, wakes the worker and waits up to timeout for it to exit.
// Items still queued are discarded, or reported with ErrShuttingDown when reportDropped is set.
// A worker stuck in a transport call is abandoned and ErrShutdownTimeout is returned.
func (w *deliveryWorker) stop(timeout time.Duration, reportDropped bool) error {
	if !w.stopping.CompareAndSwap(false, true) {
		return nil
	}

	close(w.stopCh)
	pending := w.queue.Close()

	var err error
	select {
	case <-w.done:
	case <-time.After(timeout):
		w.logger.WithField("timeout", timeout).Error("Delivery worker did not exit in time, abandoning it")
		err = ErrShutdownTimeout
	}

	if len(pending) == 0 {
		return err
	}
	if reportDropped {
		for _, item := range pending {
			w.finish(item, ErrShuttingDown)
		}
		return err
	}

	w.stats.dropped.Add(int64(len(pending)))
	w.logger.WithField("items", len(pending)).Warn("Discarding queued items at shutdown")
	return err
}
