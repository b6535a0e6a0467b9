package lua

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blepd/internal/peripheral"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockPeripheral struct {
	mock.Mock
}

func (m *mockPeripheral) SendData(uuid string, data []byte, opts ...peripheral.SendOption) error {
	return m.Called(uuid, data, len(opts)).Error(0)
}

func (m *mockPeripheral) SendLarge(_ context.Context, uuid string, data []byte, opts ...peripheral.SendOption) error {
	return m.Called(uuid, data, len(opts)).Error(0)
}

func (m *mockPeripheral) NotifyCharacteristic(uuid string, value []byte) error {
	return m.Called(uuid, value).Error(0)
}

func (m *mockPeripheral) SetCharacteristicValue(uuid string, value []byte) error {
	return m.Called(uuid, value).Error(0)
}

func (m *mockPeripheral) CharacteristicValue(uuid string) ([]byte, error) {
	args := m.Called(uuid)
	v, _ := args.Get(0).([]byte)
	return v, args.Error(1)
}

func (m *mockPeripheral) MTU() int                  { return m.Called().Int(0) }
func (m *mockPeripheral) SetMTU(size int) error     { return m.Called(size).Error(0) }
func (m *mockPeripheral) QueueSize(uuid string) int { return m.Called(uuid).Int(0) }
func (m *mockPeripheral) ClearQueue(uuid string) int {
	return m.Called(uuid).Int(0)
}
func (m *mockPeripheral) IsConnected() bool { return m.Called().Bool(0) }
func (m *mockPeripheral) PeerCount() int    { return m.Called().Int(0) }

func newTestAPI(t *testing.T) (*PeripheralAPI, *mockPeripheral) {
	t.Helper()
	target := &mockPeripheral{}
	api := NewPeripheralAPI(context.Background(), target, logrus.New())
	t.Cleanup(api.Close)
	return api, target
}

// drain collects printed lines until none arrive for a short while.
func drain(api *PeripheralAPI) []string {
	var lines []string
	for {
		select {
		case rec := <-api.Output():
			lines = append(lines, rec.Content)
		case <-time.After(20 * time.Millisecond):
			return lines
		}
	}
}

func TestPeripheralAPI_Send(t *testing.T) {
	// GOAL: ble.send forwards uuid, raw bytes and options, and reports errors Lua-style
	//
	// TEST SCENARIO: successful send → send rejected by the peripheral → script sees false + message

	api, target := newTestAPI(t)
	target.On("SendData", "2a37", []byte{0x00, 0x48}, 1).Return(nil).Once()
	target.On("SendData", "ffff", []byte("x"), 0).Return(&peripheral.NotFoundError{Resource: "characteristic", UUIDs: []string{"ffff"}}).Once()

	require.NoError(t, api.Execute(`
		local ok = ble.send("2a37", "\0\72", {retries = 2})
		print(ok)
		local ok2, err = ble.send("ffff", "x")
		print(ok2, err)
	`, "send.lua"))

	assert.Equal(t, []string{"true", `false	characteristic "ffff" not found`}, drain(api))
	target.AssertExpectations(t)
}

func TestPeripheralAPI_StateQueries(t *testing.T) {
	api, target := newTestAPI(t)
	target.On("MTU").Return(185)
	target.On("PeerCount").Return(2)
	target.On("IsConnected").Return(true)
	target.On("QueueSize", "").Return(4)
	target.On("QueueSize", "2a37").Return(3)
	target.On("ClearQueue", "2a37").Return(3)
	target.On("SetMTU", 600).Return(peripheral.ErrInvalidArgument)
	target.On("CharacteristicValue", "2a19").Return([]byte("d"), nil)

	require.NoError(t, api.Execute(`
		print(ble.mtu(), ble.peers(), ble.is_connected())
		print(ble.queue_size(), ble.queue_size("2a37"), ble.clear_queue("2a37"))
		print(ble.set_mtu(600))
		print(ble.value("2a19"))
	`, "state.lua"))

	assert.Equal(t, []string{
		"185\t2\ttrue",
		"4\t3\t3",
		"false\tinvalid argument",
		"d",
	}, drain(api))
}

func TestPeripheralAPI_Hooks(t *testing.T) {
	// GOAL: Peripheral events reach on_* hooks with their arguments
	api, target := newTestAPI(t)
	target.On("NotifyCharacteristic", "2a37", []byte("pong")).Return(nil).Once()

	require.NoError(t, api.Execute(`
		function on_connect(addr) print("connect", addr) end
		function on_disconnect(addr, reason) print("disconnect", addr, reason) end
		function on_write(uuid, peer, value)
			print("write", uuid, #value)
			ble.notify(uuid, "pong")
		end
		function on_transfer(r) print("transfer", r.uuid, r.success, r.attempts, r.bytes, r.error) end
	`, "hooks.lua"))

	api.HandleConnect(peripheral.Peer{Address: "AA:BB"})
	api.HandleWrite("2a37", "AA:BB", []byte{1, 2, 3})
	api.HandleTransferResult(peripheral.DeliveryOutcome{UUID: "2a37", Attempts: 2, Payload: []byte{1}, Err: errors.New("radio busy")})
	api.HandleDisconnect(peripheral.Peer{Address: "AA:BB"}, nil)
	api.HandleRead("2a37", "AA:BB")

	assert.Equal(t, []string{
		"connect\tAA:BB",
		"write\t2a37\t3",
		"transfer\t2a37\tfalse\t2\t1\tradio busy",
		"disconnect\tAA:BB\tnil",
	}, drain(api), "undefined hooks MUST be skipped silently")
	target.AssertExpectations(t)
}

func TestPeripheralAPI_HookErrorDoesNotPropagate(t *testing.T) {
	api, _ := newTestAPI(t)
	require.NoError(t, api.Execute(`function on_connect(addr) error("boom") end`, "bad.lua"))

	assert.NotPanics(t, func() { api.HandleConnect(peripheral.Peer{Address: "AA"}) })
	lines := drain(api)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "boom", "hook failure MUST be reported on stderr")
}
