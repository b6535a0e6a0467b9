package lua

import (
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"
)

// OutputRecord is one line printed by a script.
type OutputRecord struct {
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"` // "stdout" or "stderr"
}

// LuaError represents detailed Lua execution errors
type LuaError struct {
	Type    string // "syntax", "runtime", "api"
	Message string
	Line    int
	Source  string
}

func (e *LuaError) Error() string {
	var parts []string
	if e.Source != "" {
		parts = append(parts, "in "+e.Source)
	}
	if e.Line > 0 {
		parts = append(parts, fmt.Sprintf("line %d", e.Line))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("Lua %s error: %s", e.Type, e.Message)
	}
	return fmt.Sprintf("Lua %s error (%s): %s", e.Type, strings.Join(parts, ", "), e.Message)
}

// Is matches another *LuaError of the same Type.
func (e *LuaError) Is(target error) bool {
	t, ok := target.(*LuaError)
	return ok && t.Type == e.Type
}

var (
	ErrSyntax  = &LuaError{Type: "syntax"}
	ErrRuntime = &LuaError{Type: "runtime"}
)

// LuaEngine owns one Lua state. Every access goes through DoWithState, so callbacks
// arriving from transport and worker goroutines are serialized.
type LuaEngine struct {
	logger *logrus.Logger
	output *RingChannel[OutputRecord]

	mu    sync.Mutex
	state *lua.State
}

// NewLuaEngine creates an engine with the standard libraries and print capture.
func NewLuaEngine(logger *logrus.Logger) *LuaEngine {
	e := &LuaEngine{
		logger: logger,
		output: NewRingChannel[OutputRecord](256),
	}
	e.state = lua.NewState()
	e.state.OpenLibs()
	e.registerPrint()
	return e
}

// DoWithState runs fn with the state locked. It returns false if the engine is closed.
func (e *LuaEngine) DoWithState(fn func(L *lua.State)) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return false
	}
	fn(e.state)
	return true
}

// Output returns printed lines; old lines are dropped when nobody reads.
func (e *LuaEngine) Output() <-chan OutputRecord {
	return e.output.C()
}

func (e *LuaEngine) emit(source, line string) {
	e.output.Send(OutputRecord{Content: line, Timestamp: time.Now(), Source: source})
}

func (e *LuaEngine) registerPrint() {
	e.state.Register("print", func(L *lua.State) int {
		top := L.GetTop()
		parts := make([]string, 0, top)
		for i := 1; i <= top; i++ {
			switch {
			case L.IsNil(i):
				parts = append(parts, "nil")
			case L.IsBoolean(i):
				parts = append(parts, fmt.Sprint(L.ToBoolean(i)))
			case L.IsString(i) || L.IsNumber(i):
				parts = append(parts, L.ToString(i))
			default:
				L.GetGlobal("tostring")
				L.PushValue(i)
				L.Call(1, 1)
				parts = append(parts, L.ToString(-1))
				L.Pop(1)
			}
		}
		e.emit("stdout", strings.Join(parts, "\t"))
		return 0
	})
}

// SafeWrapGoFunction recovers Go panics inside fn and turns them into Lua errors,
// so a bug in a binding never takes the process down.
func (e *LuaEngine) SafeWrapGoFunction(name string, fn lua.LuaGoFunction) lua.LuaGoFunction {
	return func(L *lua.State) (ret int) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			if _, isLua := r.(*lua.LuaError); isLua {
				panic(r)
			}
			e.logger.WithFields(logrus.Fields{
				"function": name,
				"panic":    r,
				"stack":    string(debug.Stack()),
			}).Error("Go panic in Lua binding")
			L.RaiseError(fmt.Sprintf("%s: internal error: %v", name, r))
		}()
		return fn(L)
	}
}

// Execute runs script under the given chunk name.
func (e *LuaEngine) Execute(script, name string) error {
	if strings.TrimSpace(script) == "" {
		return &LuaError{Type: "api", Message: "empty script", Source: name}
	}

	var execErr error
	ok := e.DoWithState(func(L *lua.State) {
		if status := L.LoadString(script); status != 0 {
			execErr = e.popError(L, "syntax", name)
			return
		}
		if err := L.Call(0, 0); err != nil {
			execErr = newRuntimeError(err, name)
		}
	})
	if !ok {
		return &LuaError{Type: "api", Message: "engine closed", Source: name}
	}
	if execErr != nil {
		e.emit("stderr", execErr.Error())
	}
	return execErr
}

// ExecuteFile reads and runs a script file.
func (e *LuaEngine) ExecuteFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read script %s: %w", path, err)
	}
	return e.Execute(string(data), path)
}

// HasFunction reports whether a global function is defined.
func (e *LuaEngine) HasFunction(name string) bool {
	found := false
	e.DoWithState(func(L *lua.State) {
		L.GetGlobal(name)
		found = L.IsFunction(-1)
		L.Pop(1)
	})
	return found
}

// CallHook calls the global function name if defined. push places the arguments on the
// stack and returns their count. Missing hooks are not an error.
func (e *LuaEngine) CallHook(name string, push func(L *lua.State) int) error {
	var callErr error
	e.DoWithState(func(L *lua.State) {
		L.GetGlobal(name)
		if !L.IsFunction(-1) {
			L.Pop(1)
			return
		}
		nargs := 0
		if push != nil {
			nargs = push(L)
		}
		if err := L.Call(nargs, 0); err != nil {
			callErr = newRuntimeError(err, name)
		}
	})
	if callErr != nil {
		e.emit("stderr", callErr.Error())
		e.logger.WithError(callErr).WithField("hook", name).Warn("Lua hook failed")
	}
	return callErr
}

// SetGlobal sets a string, integer, float or boolean global.
func (e *LuaEngine) SetGlobal(name string, value any) error {
	var err error
	e.DoWithState(func(L *lua.State) {
		switch v := value.(type) {
		case string:
			L.PushString(v)
		case int:
			L.PushInteger(int64(v))
		case int64:
			L.PushInteger(v)
		case float64:
			L.PushNumber(v)
		case bool:
			L.PushBoolean(v)
		default:
			err = fmt.Errorf("unsupported type %T for global %s", value, name)
			return
		}
		L.SetGlobal(name)
	})
	return err
}

// GetGlobal returns a string, number or boolean global, or nil.
func (e *LuaEngine) GetGlobal(name string) any {
	var out any
	e.DoWithState(func(L *lua.State) {
		L.GetGlobal(name)
		defer L.Pop(1)
		switch {
		case L.IsBoolean(-1):
			out = L.ToBoolean(-1)
		case L.IsNumber(-1):
			out = L.ToNumber(-1)
		case L.IsString(-1):
			out = L.ToString(-1)
		}
	})
	return out
}

// Close releases the state; later calls become no-ops.
func (e *LuaEngine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != nil {
		e.state.Close()
		e.state = nil
	}
}

func (e *LuaEngine) popError(L *lua.State, kind, source string) *LuaError {
	msg := "unknown Lua error"
	if L.GetTop() > 0 {
		if L.IsString(-1) {
			msg = L.ToString(-1)
		}
		L.Pop(1)
	}
	return parseLuaMessage(kind, source, msg)
}

func newRuntimeError(err error, source string) *LuaError {
	msg := err.Error()
	if le, ok := err.(*lua.LuaError); ok {
		msg = le.Error()
	}
	return parseLuaMessage("runtime", source, msg)
}

// parseLuaMessage splits `[string "chunk"]:12: message` into line and message.
func parseLuaMessage(kind, source, msg string) *LuaError {
	le := &LuaError{Type: kind, Message: msg, Source: source}
	parts := strings.SplitN(msg, ":", 3)
	if len(parts) == 3 {
		var line int
		if n, err := fmt.Sscanf(strings.TrimSpace(parts[1]), "%d", &line); err == nil && n == 1 {
			le.Line = line
			le.Message = strings.TrimSpace(parts[2])
		}
	}
	return le
}
