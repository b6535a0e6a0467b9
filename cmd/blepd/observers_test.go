package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/fatih/color"
	"github.com/srg/blepd/internal/peripheral"
	"github.com/srg/blepd/internal/testutils"
	"github.com/stretchr/testify/assert"
)

func TestPrinter(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	p := newPrinter(&buf, false)

	p.OnConnect(peripheral.Peer{Address: "AA"})
	p.OnRead("2a37", "AA")
	p.OnWrite("2a39", "AA", []byte{0x01})
	p.OnTransferResult(peripheral.DeliveryOutcome{UUID: "2a37", Success: true, Payload: []byte("hi"), Attempts: 1})
	p.OnTransferResult(peripheral.DeliveryOutcome{UUID: "2a37", Payload: []byte("x"), Attempts: 3, Err: errors.New("radio busy")})
	p.OnDisconnect(peripheral.Peer{Address: "AA"}, errors.New("timeout"))

	testutils.NewTextAsserter(t).Equal(`
+ AA connected
✓ 2a37 2 bytes after 1 attempt(s)
✗ 2a37 1 bytes after 3 attempt(s): radio busy
- AA disconnected: timeout
`, buf.String())
}

func TestSummary(t *testing.T) {
	// GOAL: the summary completes whether the expected count arrives before or after outcomes
	s := newSummary()
	s.record(peripheral.DeliveryOutcome{Success: true, Payload: []byte("ab")})
	s.record(peripheral.DeliveryOutcome{Err: peripheral.ErrRetriesExhausted})

	select {
	case <-s.done:
		t.Fatal("summary MUST NOT complete before the expected count is known")
	default:
	}

	s.expect(2)
	select {
	case <-s.done:
	default:
		t.Fatal("summary MUST complete once all outcomes arrived")
	}
	assert.Equal(t, "1/2 chunk(s) delivered (2 bytes), 1 failed", s.String())
	assert.ErrorIs(t, s.err(), peripheral.ErrRetriesExhausted)
}
