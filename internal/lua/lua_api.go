package lua

import (
	"context"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"
	"github.com/srg/blepd/internal/peripheral"
)

// Hook names a script may define.
const (
	HookConnect    = "on_connect"    // on_connect(address)
	HookDisconnect = "on_disconnect" // on_disconnect(address, reason)
	HookRead       = "on_read"       // on_read(uuid, peer)
	HookWrite      = "on_write"      // on_write(uuid, peer, value)
	HookTransfer   = "on_transfer"   // on_transfer({item_id, uuid, peer, success, attempts, bytes, error})
)

// Peripheral is the part of *peripheral.Manager exposed to scripts.
type Peripheral interface {
	SendData(uuid string, data []byte, opts ...peripheral.SendOption) error
	SendLarge(ctx context.Context, uuid string, data []byte, opts ...peripheral.SendOption) error
	NotifyCharacteristic(uuid string, value []byte) error
	SetCharacteristicValue(uuid string, value []byte) error
	CharacteristicValue(uuid string) ([]byte, error)
	MTU() int
	SetMTU(size int) error
	QueueSize(uuid string) int
	ClearQueue(uuid string) int
	IsConnected() bool
	PeerCount() int
}

// PeripheralAPI exposes a `ble` table to scripts and forwards peripheral events to
// their on_* hooks.
//
//	function on_write(uuid, peer, value)
//	    local ok, err = ble.send("2a37", value, {retries = 1})
//	    if not ok then print("send failed: " .. err) end
//	end
type PeripheralAPI struct {
	LuaEngine *LuaEngine
	target    Peripheral
	logger    *logrus.Logger
	ctx       context.Context
}

// NewPeripheralAPI creates an engine with the ble table bound to target.
// ctx bounds ble.send_large pacing.
func NewPeripheralAPI(ctx context.Context, target Peripheral, logger *logrus.Logger) *PeripheralAPI {
	api := &PeripheralAPI{
		LuaEngine: NewLuaEngine(logger),
		target:    target,
		logger:    logger,
		ctx:       ctx,
	}
	api.registerLuaAPI()
	return api
}

func (api *PeripheralAPI) Execute(script, name string) error {
	return api.LuaEngine.Execute(script, name)
}

func (api *PeripheralAPI) ExecuteFile(path string) error {
	return api.LuaEngine.ExecuteFile(path)
}

func (api *PeripheralAPI) Output() <-chan OutputRecord {
	return api.LuaEngine.Output()
}

func (api *PeripheralAPI) Close() {
	api.LuaEngine.Close()
}

// ----------------------------
// Event hooks
// ----------------------------

func (api *PeripheralAPI) HandleConnect(peer peripheral.Peer) {
	_ = api.LuaEngine.CallHook(HookConnect, func(L *lua.State) int {
		L.PushString(peer.Address)
		return 1
	})
}

func (api *PeripheralAPI) HandleDisconnect(peer peripheral.Peer, reason error) {
	_ = api.LuaEngine.CallHook(HookDisconnect, func(L *lua.State) int {
		L.PushString(peer.Address)
		if reason != nil {
			L.PushString(reason.Error())
		} else {
			L.PushNil()
		}
		return 2
	})
}

func (api *PeripheralAPI) HandleRead(uuid, peer string) {
	_ = api.LuaEngine.CallHook(HookRead, func(L *lua.State) int {
		L.PushString(uuid)
		L.PushString(peer)
		return 2
	})
}

func (api *PeripheralAPI) HandleWrite(uuid, peer string, value []byte) {
	_ = api.LuaEngine.CallHook(HookWrite, func(L *lua.State) int {
		L.PushString(uuid)
		L.PushString(peer)
		L.PushBytes(value)
		return 3
	})
}

func (api *PeripheralAPI) HandleTransferResult(o peripheral.DeliveryOutcome) {
	_ = api.LuaEngine.CallHook(HookTransfer, func(L *lua.State) int {
		L.NewTable()
		setStringField(L, "item_id", o.ItemID)
		setStringField(L, "uuid", o.UUID)
		setStringField(L, "peer", o.Peer)
		L.PushBoolean(o.Success)
		L.SetField(-2, "success")
		L.PushInteger(int64(o.Attempts))
		L.SetField(-2, "attempts")
		L.PushInteger(int64(len(o.Payload)))
		L.SetField(-2, "bytes")
		if o.Err != nil {
			setStringField(L, "error", o.Err.Error())
		}
		return 1
	})
}

func setStringField(L *lua.State, key, value string) {
	L.PushString(value)
	L.SetField(-2, key)
}

// ----------------------------
// ble table
// ----------------------------

func (api *PeripheralAPI) registerLuaAPI() {
	api.LuaEngine.DoWithState(func(L *lua.State) {
		L.NewTable()

		api.register(L, "send", api.luaSend)
		api.register(L, "send_large", api.luaSendLarge)
		api.register(L, "notify", api.luaNotify)
		api.register(L, "set_value", api.luaSetValue)
		api.register(L, "value", api.luaValue)
		api.register(L, "mtu", func(L *lua.State) int {
			L.PushInteger(int64(api.target.MTU()))
			return 1
		})
		api.register(L, "set_mtu", func(L *lua.State) int {
			return pushResult(L, api.target.SetMTU(L.CheckInteger(1)))
		})
		api.register(L, "queue_size", func(L *lua.State) int {
			L.PushInteger(int64(api.target.QueueSize(L.OptString(1, ""))))
			return 1
		})
		api.register(L, "clear_queue", func(L *lua.State) int {
			L.PushInteger(int64(api.target.ClearQueue(L.OptString(1, ""))))
			return 1
		})
		api.register(L, "is_connected", func(L *lua.State) int {
			L.PushBoolean(api.target.IsConnected())
			return 1
		})
		api.register(L, "peers", func(L *lua.State) int {
			L.PushInteger(int64(api.target.PeerCount()))
			return 1
		})
		api.register(L, "log", func(L *lua.State) int {
			api.logger.WithField("source", "lua").Info(L.CheckString(1))
			return 0
		})

		L.SetGlobal("ble")
	})
}

func (api *PeripheralAPI) register(L *lua.State, name string, fn lua.LuaGoFunction) {
	L.PushGoFunction(api.LuaEngine.SafeWrapGoFunction("ble."+name, fn))
	L.SetField(-2, name)
}

// pushResult follows the Lua convention: true on success, false and a message otherwise.
func pushResult(L *lua.State, err error) int {
	if err == nil {
		L.PushBoolean(true)
		return 1
	}
	L.PushBoolean(false)
	L.PushString(err.Error())
	return 2
}

// sendOptions reads an optional {retries = n, peer = "addr", chunk = n} table.
func sendOptions(L *lua.State, idx int) []peripheral.SendOption {
	if !L.IsTable(idx) {
		return nil
	}
	var opts []peripheral.SendOption

	L.GetField(idx, "retries")
	if L.IsNumber(-1) {
		opts = append(opts, peripheral.WithRetries(int(L.ToInteger(-1))))
	}
	L.Pop(1)

	L.GetField(idx, "peer")
	if L.IsString(-1) {
		opts = append(opts, peripheral.WithPeer(L.ToString(-1)))
	}
	L.Pop(1)

	L.GetField(idx, "chunk")
	if L.IsNumber(-1) {
		opts = append(opts, peripheral.WithChunkSize(int(L.ToInteger(-1))))
	}
	L.Pop(1)
	return opts
}

func (api *PeripheralAPI) luaSend(L *lua.State) int {
	uuid := L.CheckString(1)
	data := L.ToBytes(2)
	return pushResult(L, api.target.SendData(uuid, data, sendOptions(L, 3)...))
}

func (api *PeripheralAPI) luaSendLarge(L *lua.State) int {
	uuid := L.CheckString(1)
	data := L.ToBytes(2)
	return pushResult(L, api.target.SendLarge(api.ctx, uuid, data, sendOptions(L, 3)...))
}

func (api *PeripheralAPI) luaNotify(L *lua.State) int {
	return pushResult(L, api.target.NotifyCharacteristic(L.CheckString(1), L.ToBytes(2)))
}

func (api *PeripheralAPI) luaSetValue(L *lua.State) int {
	return pushResult(L, api.target.SetCharacteristicValue(L.CheckString(1), L.ToBytes(2)))
}

func (api *PeripheralAPI) luaValue(L *lua.State) int {
	v, err := api.target.CharacteristicValue(L.CheckString(1))
	if err != nil {
		L.PushNil()
		L.PushString(err.Error())
		return 2
	}
	L.PushBytes(v)
	return 1
}
