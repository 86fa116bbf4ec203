// Package engine wraps the embedded Lua virtual machine and exposes the
// debugging surface the bridge is built against: an opaque debug-context
// handle, a thread-safe command channel, a command pump, and the registry
// tying engine instances to their owning backends.
//
// gopher-lua's LState is not goroutine-safe. Every method documented as
// "script goroutine only" must be reached through the scheduler; SendCommand
// and the registry functions are the only parts of this package that are
// safe to call from arbitrary goroutines.
package engine

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"
)

// Default VM tuning, applied to newly created engines. Adjusted process-wide
// through SetTuning before any engine exists.
const (
	DefaultRegistrySize  = 1024 * 20
	DefaultCallStackSize = 256
)

// Tuning carries the process-wide VM sizing knobs.
type Tuning struct {
	RegistrySize  int
	CallStackSize int
}

var tuningState struct {
	mu sync.Mutex
	t  Tuning
}

// SetTuning replaces the process-wide tuning used by subsequent New calls
// and returns the previous values. Engines already created are unaffected.
func SetTuning(t Tuning) Tuning {
	tuningState.mu.Lock()
	defer tuningState.mu.Unlock()
	prev := tuningState.t
	if prev.RegistrySize == 0 {
		prev = Tuning{RegistrySize: DefaultRegistrySize, CallStackSize: DefaultCallStackSize}
	}
	tuningState.t = t
	return prev
}

func currentTuning() Tuning {
	tuningState.mu.Lock()
	defer tuningState.mu.Unlock()
	t := tuningState.t
	if t.RegistrySize == 0 {
		t.RegistrySize = DefaultRegistrySize
	}
	if t.CallStackSize == 0 {
		t.CallStackSize = DefaultCallStackSize
	}
	return t
}

// Engine is a single embedded Lua VM plus its debugging machinery.
type Engine struct {
	id     string
	L      *lua.LState
	logger *slog.Logger

	// Inbound debug commands, pushed from arbitrary goroutines and drained
	// on the script goroutine by ProcessDebugMessages.
	cmdMu sync.Mutex
	cmds  *queue.Queue

	// Outbound protocol messages, handed to the internal debug goroutine.
	debugOut  chan string
	debugDone chan struct{}

	seq       atomic.Int64
	debugging bool // script goroutine only
	closed    bool // script goroutine only
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for debug-level engine events.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New creates an engine with a fresh Lua state. Only safe standard libraries
// are opened; scripts get no filesystem or process access.
func New(opts ...Option) *Engine {
	t := currentTuning()
	e := &Engine{
		id:     uuid.New().String(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		cmds:   queue.New(),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.L = lua.NewState(lua.Options{
		SkipOpenLibs:  true,
		RegistrySize:  t.RegistrySize,
		CallStackSize: t.CallStackSize,
	})
	openSafeLibraries(e.L)

	return e
}

// openSafeLibraries opens only safe Lua standard libraries.
func openSafeLibraries(L *lua.LState) {
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	// io, os, debug and package stay closed: scripts under the debugger get
	// no ambient authority.
}

// ID returns the engine's instance identity, the registry key.
func (e *Engine) ID() string { return e.id }

// DoString runs a chunk of Lua source. Script goroutine only.
func (e *Engine) DoString(source string) error {
	if e.closed {
		return ErrClosed
	}
	return e.L.DoString(source)
}

// SendCommand pushes a UTF-16LE encoded command onto the engine's command
// channel. Safe from any goroutine; the command is consumed the next time
// ProcessDebugMessages runs on the script goroutine.
func (e *Engine) SendCommand(raw []byte) {
	buf := make([]byte, len(raw))
	copy(buf, raw)

	e.cmdMu.Lock()
	e.cmds.Add(buf)
	e.cmdMu.Unlock()
}

// drainCommands removes and returns all queued commands.
func (e *Engine) drainCommands() [][]byte {
	e.cmdMu.Lock()
	defer e.cmdMu.Unlock()
	if e.cmds.Length() == 0 {
		return nil
	}
	out := make([][]byte, 0, e.cmds.Length())
	for e.cmds.Length() > 0 {
		out = append(out, e.cmds.Remove().([]byte))
	}
	return out
}

// Close tears the engine down. Script goroutine only. An active debugger is
// disabled first; commands still queued are dropped.
func (e *Engine) Close() {
	if e.closed {
		return
	}
	if e.debugging {
		e.stopEmitLoop()
		e.debugging = false
	}
	e.closed = true
	e.L.Close()
}

func (e *Engine) nextSeq() int64 {
	return e.seq.Add(1)
}

// postDebugMessage hands a protocol message to the debug goroutine. If the
// channel is saturated the message is dropped; delivery is best-effort.
func (e *Engine) postDebugMessage(msg string) {
	select {
	case e.debugOut <- msg:
	default:
		e.logger.Debug("debug message dropped", "engine", e.id)
	}
}

// emitLoop is the engine's internal debug goroutine: it forwards protocol
// messages to whichever backend currently owns this engine.
func (e *Engine) emitLoop(out <-chan string, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case msg := <-out:
			if owner := OwnerOf(e); owner != nil {
				owner.EmitDebugMessage(msg)
			}
		}
	}
}

func (e *Engine) startEmitLoop() {
	e.debugOut = make(chan string, 64)
	e.debugDone = make(chan struct{})
	go e.emitLoop(e.debugOut, e.debugDone)
}

func (e *Engine) stopEmitLoop() {
	close(e.debugDone)
	e.debugOut = nil
	e.debugDone = nil
}
