package luabridge

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dshills/luabridge/engine"
	"github.com/dshills/luabridge/mainloop"
	"github.com/dshills/luabridge/scheduler"
)

// MessageHandler receives a UTF-8 JSON-encoded protocol message. It is
// invoked on the mainloop that was passed to SetDebugMessageHandler.
type MessageHandler func(message string, userData any)

// DestroyFunc releases the user data attached to a handler registration. It
// is invoked exactly once, when the registration is superseded or cleared.
type DestroyFunc func(userData any)

// Backend is the cross-goroutine debug bridge for one engine instance.
//
// All methods are safe to call from any goroutine. Engine and debug-session
// state are never touched directly: SetDebugMessageHandler and
// PostDebugMessage schedule the engine-facing work onto the scheduler and
// return immediately.
type Backend struct {
	eng    *engine.Engine
	sched  *scheduler.Scheduler
	logger *slog.Logger

	// The handler registration slot. The mutex is held only for the O(1)
	// swap; destructors and mainloop reference releases run outside it.
	mu       sync.Mutex
	handler  MessageHandler
	userData any
	destroy  DestroyFunc
	loop     *mainloop.Loop
	closed   bool

	// registered mirrors the slot's emptiness for the lock-free fast path
	// in PostDebugMessage.
	registered atomic.Bool

	// session is owned by the script goroutine; only scheduled jobs touch it.
	session *debugSession

	// inflight counts message envelopes between emission and delivery.
	inflight atomic.Int64

	closeOnce sync.Once
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger used for debug-level bridge events.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) {
		if l != nil {
			b.logger = l
		}
	}
}

// New creates a backend for the given engine and scheduler and records it as
// the engine's owner, so the engine's emission path can find its way back.
func New(eng *engine.Engine, sched *scheduler.Scheduler, opts ...Option) *Backend {
	b := &Backend{
		eng:    eng,
		sched:  sched,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(b)
	}
	engine.RegisterOwner(eng, b)
	return b
}

// SetDebugMessageHandler installs handler as the single active debug message
// consumer, delivering on loop. A nil handler clears the registration; loop
// is ignored in that case. A non-nil handler with a nil loop could never
// receive a delivery, so it is likewise treated as a clearing registration.
// The previous registration's destructor is invoked exactly once, after the
// swap, outside the registry lock.
//
// Each call schedules exactly one job on the script goroutine: enable the
// debug session for a non-nil handler, disable it for nil. Calls apply in
// submission order.
//
// After Close the registration slot is dead: the call is a no-op apart from
// running the supplied destructor, so user data is never stranded.
func (b *Backend) SetDebugMessageHandler(loop *mainloop.Loop, handler MessageHandler, userData any, destroy DestroyFunc) {
	if loop == nil {
		handler = nil
	}

	// The mainloop reference is acquired before the lock: acquisition may
	// run arbitrary consumer code paths and must not nest inside the
	// registry critical section.
	var newLoop *mainloop.Loop
	if handler != nil {
		newLoop = loop.Ref()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		if newLoop != nil {
			newLoop.Unref()
		}
		if destroy != nil {
			destroy(userData)
		}
		return
	}
	oldLoop := b.loop
	oldDestroy := b.destroy
	oldData := b.userData
	b.handler = handler
	b.userData = userData
	b.destroy = destroy
	b.loop = newLoop
	b.registered.Store(handler != nil)
	b.mu.Unlock()

	if oldLoop != nil {
		oldLoop.Unref()
	}
	if oldDestroy != nil {
		oldDestroy(oldData)
	}

	if handler != nil {
		_ = b.sched.PushJob(scheduler.PriorityDefault, b.enableDebugger, nil)
	} else {
		_ = b.sched.PushJob(scheduler.PriorityDefault, b.disableDebugger, nil)
	}
}

// PostDebugMessage forwards a UTF-8 command to the engine's debugger and
// schedules a pump of pending protocol messages. With no handler registered
// it is a no-op. The emptiness check is deliberately lock-free: a command
// racing a concurrent deregistration may be swallowed, which is harmless.
//
// Returns an error satisfying errors.Is(err, engine.ErrInvalidEncoding) if
// text is not valid UTF-8; nothing is forwarded in that case.
func (b *Backend) PostDebugMessage(text string) error {
	if !b.registered.Load() {
		return nil
	}

	cmd, err := engine.EncodeCommand(text)
	if err != nil {
		return err
	}

	b.eng.SendCommand(cmd)
	_ = b.sched.PushJob(scheduler.PriorityDefault, b.processDebugMessages, nil)
	return nil
}

// EmitDebugMessage relays one protocol message toward the registered
// handler. It is called by the engine's internal debug goroutine and must
// not touch engine state: it reads the registration slot, takes a bounded
// mainloop reference, and enqueues a single-shot delivery.
func (b *Backend) EmitDebugMessage(message string) {
	b.mu.Lock()
	loop := b.loop
	if loop != nil {
		loop.Ref()
	}
	b.mu.Unlock()

	if loop == nil {
		return
	}

	// The envelope's release rides along as the delivery's cleanup, so it
	// resolves even when the loop quits with the delivery still queued.
	env := newEnvelope(b, message)
	if !loop.PostWithCleanup(env.deliver, env.release) {
		// Loop already finished: resolve the envelope here so nothing leaks.
		env.release()
	}
	loop.Unref()
}

// Close tears the backend down: the registration is cleared (running the
// destructor exactly once), the debug session is disabled, and the engine
// association is removed. Close may be called from any goroutine; the
// disable is marshaled to the script goroutine as a synchronous job rather
// than run directly. Safe to call multiple times.
func (b *Backend) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		oldLoop := b.loop
		oldDestroy := b.destroy
		oldData := b.userData
		b.handler = nil
		b.userData = nil
		b.destroy = nil
		b.loop = nil
		b.closed = true
		b.registered.Store(false)
		b.mu.Unlock()

		if oldLoop != nil {
			oldLoop.Unref()
		}
		if oldDestroy != nil {
			oldDestroy(oldData)
		}

		// If the scheduler is already stopped the session died with it;
		// ErrStopped is not an error here.
		_ = b.sched.PushJobSync(scheduler.PriorityDefault, b.disableDebugger)

		engine.UnregisterOwner(b.eng)
	})
}

// InFlight returns the number of message envelopes emitted but not yet
// resolved. It is zero whenever no delivery is pending.
func (b *Backend) InFlight() int64 {
	return b.inflight.Load()
}

// CreateScript is not implemented in this revision.
func (b *Backend) CreateScript(name, source string) error {
	return ErrNotImplemented
}

// Ignore is an instrumentation-ignore stub; per-thread bookkeeping is not
// implemented in this revision.
func (b *Backend) Ignore(threadID int) {}

// Unignore is an instrumentation-ignore stub.
func (b *Backend) Unignore(threadID int) {}

// IsIgnoring reports false; per-thread bookkeeping is not implemented in
// this revision.
func (b *Backend) IsIgnoring(threadID int) bool { return false }
