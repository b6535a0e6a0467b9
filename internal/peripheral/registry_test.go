package peripheral

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testHandle string

func (h testHandle) UUID() string { return string(h) }

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	ch, err := r.Register("2A37", CapRead|CapNotify)
	require.NoError(t, err)
	assert.Equal(t, "2a37", ch.UUID(), "key MUST be normalized")

	again, err := r.Register("00002a37-0000-1000-8000-00805f9b34fb", CapRead)
	assert.ErrorIs(t, err, ErrAlreadyExists, "duplicate MUST be reported")
	assert.Same(t, ch, again, "duplicate MUST return the existing entry")
	assert.Equal(t, CapRead|CapNotify, again.Capabilities(), "existing entry MUST be untouched")

	require.NoError(t, r.Bind("2a37", "180d", testHandle("2a37")))
	assert.Equal(t, "180d", ch.Service())
	assert.NotNil(t, ch.Handle())

	require.NoError(t, r.SetValue("2a37", []byte{1, 2}))
	v := ch.Value()
	v[0] = 9
	assert.Equal(t, []byte{1, 2}, ch.Value(), "Value MUST return a copy")

	assert.ErrorIs(t, r.SetValue("ffff", nil), ErrNotFound)
	assert.ErrorIs(t, r.Bind("ffff", "180d", nil), ErrNotFound)

	_, err = r.Register("2a19", CapRead)
	require.NoError(t, err)
	assert.Equal(t, []string{"2a19", "2a37"}, r.UUIDs())
	assert.True(t, r.SupportsNotify("2a37"))
	assert.False(t, r.SupportsNotify("2a19"))

	assert.True(t, r.Remove("2a19"))
	assert.Equal(t, 1, r.Len())
	_, err = r.Register("2a19", CapRead)
	require.NoError(t, err, "removed UUID MUST be registrable again")
	assert.Equal(t, []string{"2a19", "2a37"}, r.UUIDs(), "re-registered entry MUST be listed")

	r.Clear()
	assert.Zero(t, r.Len())
	assert.Empty(t, r.UUIDs(), "Clear MUST forget every entry")
	_, ok := r.Get("2a37")
	assert.False(t, ok)

	_, err = r.Register("2a37", CapNotify)
	require.NoError(t, err, "registration after Clear MUST succeed")
	assert.Equal(t, []string{"2a37"}, r.UUIDs())
}

func TestRegistry_ListsEveryEntry(t *testing.T) {
	// GOAL: Every registered characteristic shows up in UUIDs, not only the first
	r := NewRegistry()
	want := []string{"2a19", "2a37", "2a38", "2a39"}
	for _, uuid := range want {
		_, err := r.Register(uuid, CapRead)
		require.NoError(t, err)
	}
	assert.Equal(t, len(want), r.Len())
	assert.Equal(t, want, r.UUIDs(), "UUIDs MUST list every registered characteristic")
}

func TestDispatcher(t *testing.T) {
	d := NewDispatcher(logrus.New())

	var specific, fallback []string
	require.NoError(t, d.SetCharacteristicHandlers("2A37", nil, func(uuid, _ string, _ []byte) { specific = append(specific, uuid) }))
	require.NoError(t, d.SetCharacteristicHandlers("", nil, func(uuid, _ string, _ []byte) { fallback = append(fallback, uuid) }))

	d.DispatchWrite("2a37", "peer", []byte{1})
	d.DispatchWrite("2a19", "peer", []byte{1})
	assert.Equal(t, []string{"2a37"}, specific, "registered observer MUST receive its writes")
	assert.Equal(t, []string{"2a19"}, fallback, "fallback MUST receive the rest")

	require.NoError(t, d.SetCharacteristicHandlers("2a37", nil, nil))
	d.DispatchWrite("2a37", "peer", nil)
	assert.Len(t, fallback, 2, "removed observer MUST fall back")

	bogus := 0
	err := d.SetCharacteristicHandlers("not-a-uuid", nil, func(string, string, []byte) { bogus++ })
	assert.ErrorIs(t, err, ErrInvalidArgument, "malformed UUID MUST be rejected")
	d.DispatchWrite("2a37", "peer", nil)
	assert.Zero(t, bogus, "malformed UUID MUST NOT replace the fallback")
	assert.Len(t, fallback, 3, "fallback MUST keep receiving writes")

	d.SetConnectionHandlers(func(Peer) { panic("boom") }, nil)
	assert.NotPanics(t, func() { d.DispatchConnect(Peer{Address: "x"}) }, "observer panic MUST be contained")
	assert.NotPanics(t, func() { d.DispatchTransferResult(DeliveryOutcome{}) }, "missing observer MUST be a no-op")
}

func TestErrors(t *testing.T) {
	nf := &NotFoundError{Resource: "characteristic", UUIDs: []string{"2a37"}}
	assert.ErrorIs(t, nf, ErrNotFound)
	assert.Equal(t, `characteristic "2a37" not found`, nf.Error())

	te := &TransportError{Op: "notify", UUID: "2a37", Err: assert.AnError}
	assert.ErrorIs(t, te, ErrTransportFailure)
	assert.ErrorIs(t, te, assert.AnError, "TransportError MUST unwrap its cause")

	ce := &ChunkError{Index: 2, Total: 5, Err: ErrShuttingDown}
	assert.ErrorIs(t, ce, ErrShuttingDown)
	assert.True(t, IsState(ce, ShuttingDown))
	assert.False(t, IsState(ErrNotInitialized, ShuttingDown))
}
