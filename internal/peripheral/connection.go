package peripheral

import (
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

const (
	// MinMTU is the ATT default MTU every link starts with.
	MinMTU = 23
	// MaxMTU is the largest ATT MTU a peer may negotiate.
	MaxMTU = 517
	// ATTOverhead is the per-notification header (opcode + attribute handle).
	ATTOverhead = 3
)

// ConnectionTracker holds the active peer count and the negotiated MTU.
// Both are updated from transport callbacks and read by the delivery worker without
// any shared lock, so readers may observe values that are one event stale.
type ConnectionTracker struct {
	logger *logrus.Logger
	peers  atomic.Int32
	mtu    atomic.Int32

	// connectNotify wakes a worker sleeping in its disconnected backoff
	connectNotify chan struct{}
}

// NewConnectionTracker creates a tracker with zero peers and the default MTU.
func NewConnectionTracker(logger *logrus.Logger) *ConnectionTracker {
	t := &ConnectionTracker{
		logger:        logger,
		connectNotify: make(chan struct{}, 1),
	}
	t.mtu.Store(MinMTU)
	return t
}

// OnConnect increments the peer count and returns the new value.
func (t *ConnectionTracker) OnConnect() int {
	n := t.peers.Add(1)
	select {
	case t.connectNotify <- struct{}{}:
	default:
	}
	return int(n)
}

// OnDisconnect decrements the peer count, clamping at zero.
func (t *ConnectionTracker) OnDisconnect() int {
	for {
		cur := t.peers.Load()
		if cur <= 0 {
			if cur < 0 && !t.peers.CompareAndSwap(cur, 0) {
				continue
			}
			t.logger.WithField("peers", cur).Warn("Disconnect reported with no connected peers, clamping to 0")
			return 0
		}
		if t.peers.CompareAndSwap(cur, cur-1) {
			return int(cur - 1)
		}
	}
}

// PeerCount returns the number of connected peers.
func (t *ConnectionTracker) PeerCount() int {
	return int(t.peers.Load())
}

// IsConnected reports whether at least one peer is connected.
func (t *ConnectionTracker) IsConnected() bool {
	return t.peers.Load() > 0
}

// SetMTU records a negotiated MTU. Values outside [MinMTU, MaxMTU] are rejected
// and leave the current value unchanged.
func (t *ConnectionTracker) SetMTU(size int) error {
	if size < MinMTU || size > MaxMTU {
		return fmt.Errorf("%w: MTU %d outside [%d, %d]", ErrInvalidArgument, size, MinMTU, MaxMTU)
	}
	t.mtu.Store(int32(size))
	return nil
}

// MTU returns the current negotiated MTU.
func (t *ConnectionTracker) MTU() int {
	return int(t.mtu.Load())
}

// MaxPayload returns the largest notification payload for the current MTU.
func (t *ConnectionTracker) MaxPayload() int {
	return t.MTU() - ATTOverhead
}

// Reset forgets all peers and restores the default MTU.
func (t *ConnectionTracker) Reset() {
	t.peers.Store(0)
	t.mtu.Store(MinMTU)
}

// ConnectNotify is signalled, without blocking, on every connect.
func (t *ConnectionTracker) ConnectNotify() <-chan struct{} {
	return t.connectNotify
}
