package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"
	"github.com/srg/blepd/internal/lua"
	"github.com/srg/blepd/internal/peripheral"
)

// observer receives every peripheral event.
type observer interface {
	OnConnect(peer peripheral.Peer)
	OnDisconnect(peer peripheral.Peer, reason error)
	OnRead(uuid, peer string)
	OnWrite(uuid, peer string, value []byte)
	OnTransferResult(o peripheral.DeliveryOutcome)
}

// fanOut installs a single handler per event kind that forwards to every observer
// in order.
type fanOut []observer

func (f fanOut) attach(m *peripheral.Manager) {
	m.OnConnection(
		func(p peripheral.Peer) {
			for _, o := range f {
				o.OnConnect(p)
			}
		},
		func(p peripheral.Peer, reason error) {
			for _, o := range f {
				o.OnDisconnect(p, reason)
			}
		},
	)
	_ = m.OnCharacteristic("",
		func(uuid, peer string) {
			for _, o := range f {
				o.OnRead(uuid, peer)
			}
		},
		func(uuid, peer string, value []byte) {
			for _, o := range f {
				o.OnWrite(uuid, peer, value)
			}
		},
	)
	m.OnTransferResult(func(outcome peripheral.DeliveryOutcome) {
		for _, o := range f {
			o.OnTransferResult(outcome)
		}
	})
}

// luaObserver forwards events to script hooks.
type luaObserver struct {
	api *lua.PeripheralAPI
}

func (l luaObserver) OnConnect(p peripheral.Peer)                   { l.api.HandleConnect(p) }
func (l luaObserver) OnDisconnect(p peripheral.Peer, r error)       { l.api.HandleDisconnect(p, r) }
func (l luaObserver) OnRead(uuid, peer string)                      { l.api.HandleRead(uuid, peer) }
func (l luaObserver) OnWrite(uuid, peer string, value []byte)       { l.api.HandleWrite(uuid, peer, value) }
func (l luaObserver) OnTransferResult(o peripheral.DeliveryOutcome) { l.api.HandleTransferResult(o) }

var (
	okColor   = color.New(color.FgGreen, color.Bold)
	failColor = color.New(color.FgRed, color.Bold)
	peerColor = color.New(color.FgCyan)
	dimColor  = color.New(color.Faint)
)

// printer writes a human-readable line per event.
type printer struct {
	mu  sync.Mutex
	out io.Writer
	// ioEvents also prints reads and writes
	ioEvents bool
}

func newPrinter(out io.Writer, ioEvents bool) *printer {
	return &printer{out: out, ioEvents: ioEvents}
}

func (p *printer) line(c *color.Color, format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = c.Fprintf(p.out, format+"\n", args...)
}

func (p *printer) OnConnect(peer peripheral.Peer) {
	p.line(peerColor, "+ %s connected", peer.Address)
}

func (p *printer) OnDisconnect(peer peripheral.Peer, reason error) {
	if reason != nil {
		p.line(peerColor, "- %s disconnected: %v", peer.Address, reason)
		return
	}
	p.line(peerColor, "- %s disconnected", peer.Address)
}

func (p *printer) OnRead(uuid, peer string) {
	if p.ioEvents {
		p.line(dimColor, "  read  %s by %s", uuid, peer)
	}
}

func (p *printer) OnWrite(uuid, peer string, value []byte) {
	if p.ioEvents {
		p.line(dimColor, "  write %s by %s: %s", uuid, peer, hex.EncodeToString(value))
	}
}

func (p *printer) OnTransferResult(o peripheral.DeliveryOutcome) {
	if o.Success {
		p.line(okColor, "✓ %s %d bytes after %d attempt(s)", o.UUID, len(o.Payload), o.Attempts)
		return
	}
	p.line(failColor, "✗ %s %d bytes after %d attempt(s): %v", o.UUID, len(o.Payload), o.Attempts, o.Err)
}

// summary counts transfer outcomes for `send`. done closes once every expected
// outcome has arrived; expect may be called after outcomes started arriving.
type summary struct {
	mu        sync.Mutex
	delivered int
	failed    int
	bytes     int
	lastErr   error
	expected  int
	closed    bool
	done      chan struct{}
}

func newSummary() *summary {
	return &summary{expected: -1, done: make(chan struct{})}
}

func (s *summary) record(o peripheral.DeliveryOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.Success {
		s.delivered++
		s.bytes += len(o.Payload)
	} else {
		s.failed++
		s.lastErr = o.Err
	}
	s.checkLocked()
}

func (s *summary) expect(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expected = n
	s.checkLocked()
}

func (s *summary) checkLocked() {
	if !s.closed && s.expected >= 0 && s.delivered+s.failed >= s.expected {
		s.closed = true
		close(s.done)
	}
}

// err returns the last delivery error, or nil when nothing failed.
func (s *summary) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d chunk(s) failed: %w", s.failed, s.expected, s.lastErr)
}

func (s *summary) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("%d/%d chunk(s) delivered (%d bytes), %d failed", s.delivered, s.expected, s.bytes, s.failed)
}
