package engine

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	lua "github.com/yuin/gopher-lua"
)

// bridgeGlobal is the name the debug runtime is installed under.
const bridgeGlobal = "bridge"

// debugBootstrap is the debug runtime executed inside a freshly captured
// debug context. It builds on the bridge table the Go side pre-populates
// with bridge.emit.
const debugBootstrap = `
bridge.session = { attached = true }

function bridge.describe(value)
  local t = type(value)
  if t == "table" then
    local n = 0
    for _ in pairs(value) do n = n + 1 end
    return string.format("table(%d)", n)
  end
  return tostring(value)
end
`

// DebugContext is the handle captured when the debugger is enabled. It is
// owned by the script goroutine and must never escape it; the backend stores
// it for the lifetime of a debug session and hands it back for each pump.
type DebugContext struct {
	e     *Engine
	env   *lua.LTable
	valid bool
}

// EnableDebugger captures a debug context, starts the engine's internal
// debug goroutine and runs the debug runtime bootstrap inside the new
// context. Script goroutine only. Returns ErrDebuggerActive if a debugger is
// already enabled and ErrClosed on a closed engine.
func (e *Engine) EnableDebugger() (*DebugContext, error) {
	if e.closed {
		return nil, ErrClosed
	}
	if e.debugging {
		return nil, ErrDebuggerActive
	}

	e.startEmitLoop()
	e.debugging = true

	dc := &DebugContext{e: e, env: e.L.NewTable(), valid: true}
	dc.env.RawSetString("emit", e.L.NewFunction(dc.luaEmit))
	e.L.SetGlobal(bridgeGlobal, dc.env)

	if err := e.L.DoString(debugBootstrap); err != nil {
		// The bootstrap is embedded source; failure here means the build is
		// broken, but the session stays usable for raw commands.
		e.logger.Debug("debug bootstrap failed", "engine", e.id, "error", err)
	}

	return dc, nil
}

// DisableDebugger stops the debug goroutine and destroys the captured
// context. Script goroutine only. Returns ErrDebuggerInactive when no
// debugger is enabled.
func (e *Engine) DisableDebugger(dc *DebugContext) error {
	if !e.debugging {
		return ErrDebuggerInactive
	}

	e.stopEmitLoop()
	e.debugging = false

	if dc != nil && dc.valid {
		e.L.SetGlobal(bridgeGlobal, lua.LNil)
		dc.valid = false
		dc.env = nil
	}
	return nil
}

// ProcessDebugMessages drains the command channel and executes each pending
// command against the debug context, emitting one response per command.
// Script goroutine only; a no-op when the context has been destroyed.
func (e *Engine) ProcessDebugMessages(dc *DebugContext) {
	if dc == nil || !dc.valid {
		return
	}
	for _, raw := range e.drainCommands() {
		text, err := decodeCommand(raw)
		if err != nil {
			e.logger.Debug("undecodable command dropped", "engine", e.id, "error", err)
			continue
		}
		e.handleCommand(dc, text)
	}
}

// handleCommand executes a single protocol request and emits the response.
func (e *Engine) handleCommand(dc *DebugContext, text string) {
	if !gjson.Valid(text) {
		msg := e.newResponse(0, "", false)
		msg, _ = sjson.Set(msg, "message", "malformed request")
		e.postDebugMessage(msg)
		return
	}

	req := gjson.Parse(text)
	reqSeq := req.Get("seq").Int()
	command := req.Get("command").String()

	var msg string
	switch command {
	case "version":
		msg = e.newResponse(reqSeq, command, true)
		msg, _ = sjson.Set(msg, "body.version", lua.LuaVersion)
		msg, _ = sjson.Set(msg, "body.engine", "gopher-lua")

	case "evaluate":
		expr := req.Get("arguments.expression").String()
		value, err := dc.evaluate(expr)
		if err != nil {
			msg = e.newResponse(reqSeq, command, false)
			msg, _ = sjson.Set(msg, "message", err.Error())
		} else {
			msg = e.newResponse(reqSeq, command, true)
			msg, _ = sjson.Set(msg, "body.value", value)
		}

	case "continue":
		msg = e.newResponse(reqSeq, command, true)
		msg, _ = sjson.Set(msg, "body.running", true)

	default:
		msg = e.newResponse(reqSeq, command, false)
		msg, _ = sjson.Set(msg, "message", "unknown command: "+command)
	}

	e.postDebugMessage(msg)
}

// newResponse builds the common envelope of a protocol response.
func (e *Engine) newResponse(requestSeq int64, command string, success bool) string {
	msg, _ := sjson.Set("{}", "seq", e.nextSeq())
	msg, _ = sjson.Set(msg, "request_seq", requestSeq)
	msg, _ = sjson.Set(msg, "type", "response")
	msg, _ = sjson.Set(msg, "command", command)
	msg, _ = sjson.Set(msg, "success", success)
	return msg
}

// evaluate runs an expression in the debug context and renders the first
// result as a string.
func (dc *DebugContext) evaluate(expr string) (string, error) {
	L := dc.e.L
	top := L.GetTop()
	if err := L.DoString("return " + expr); err != nil {
		return "", err
	}
	defer L.SetTop(top)
	if L.GetTop() == top {
		return "nil", nil
	}
	return L.Get(top + 1).String(), nil
}

// luaEmit is the Go half of bridge.emit(event, data): scripts running under
// the debugger can raise asynchronous protocol events with it.
func (dc *DebugContext) luaEmit(L *lua.LState) int {
	event := L.CheckString(1)
	data := L.OptString(2, "")

	e := dc.e
	msg, _ := sjson.Set("{}", "seq", e.nextSeq())
	msg, _ = sjson.Set(msg, "type", "event")
	msg, _ = sjson.Set(msg, "event", event)
	if data != "" {
		msg, _ = sjson.Set(msg, "body.data", data)
	}
	e.postDebugMessage(msg)
	return 0
}
