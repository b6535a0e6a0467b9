// Package history keeps a bounded, overwrite-oldest log of recent records that any
// number of goroutines may append to and drain concurrently.
package history

import (
	"fmt"
	"sync/atomic"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// MaxSize guards against accidental misconfiguration.
const MaxSize uint32 = 1024 * 1024

// Metrics is a snapshot of log counters.
type Metrics struct {
	Recorded    int64
	Overwritten int64
	Errors      int64
}

// Log is a lock-free ring of the most recent records.
type Log[T any] struct {
	buffer      mpmc.RichOverlappedRingBuffer[T]
	recorded    atomic.Int64
	overwritten atomic.Int64
	errors      atomic.Int64
}

// New creates a log holding at most size records.
func New[T any](size uint32) (*Log[T], error) {
	if size == 0 {
		return nil, fmt.Errorf("history size must be > 0")
	}
	if size > MaxSize {
		return nil, fmt.Errorf("history size %d exceeds maximum %d", size, MaxSize)
	}
	return &Log[T]{buffer: mpmc.NewOverlappedRingBuffer[T](size)}, nil
}

// Record appends rec, overwriting the oldest record when full.
func (l *Log[T]) Record(rec T) error {
	overwrites, err := l.buffer.EnqueueM(rec)
	if err != nil {
		l.errors.Add(1)
		return fmt.Errorf("history enqueue: %w", err)
	}
	l.overwritten.Add(int64(overwrites))
	l.recorded.Add(1)
	return nil
}

// Drain removes and returns every buffered record, oldest first.
func (l *Log[T]) Drain() []T {
	var out []T
	for !l.buffer.IsEmpty() {
		rec, err := l.buffer.Dequeue()
		if err != nil {
			break
		}
		out = append(out, rec)
	}
	return out
}

// Metrics returns a snapshot of the counters.
func (l *Log[T]) Metrics() Metrics {
	return Metrics{
		Recorded:    l.recorded.Load(),
		Overwritten: l.overwritten.Load(),
		Errors:      l.errors.Load(),
	}
}
