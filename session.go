package luabridge

import "github.com/dshills/luabridge/engine"

// debugSession is the Enabled-state resource bundle: it exists exactly while
// the debugger is enabled and holds the engine's debug context handle. It is
// created, read and destroyed only on the script goroutine.
type debugSession struct {
	context *engine.DebugContext
}

// enableDebugger transitions the session controller to Enabled. Runs only as
// a scheduled job on the script goroutine. Enabling while already enabled is
// a safe no-op.
func (b *Backend) enableDebugger() {
	if b.session != nil {
		return
	}
	dc, err := b.eng.EnableDebugger()
	if err != nil {
		b.logger.Debug("enable debugger failed", "error", err)
		return
	}
	b.session = &debugSession{context: dc}
}

// disableDebugger transitions the session controller to Disabled. Runs only
// as a scheduled job on the script goroutine. Disabling while already
// disabled is a safe no-op.
func (b *Backend) disableDebugger() {
	if b.session == nil {
		return
	}
	if err := b.eng.DisableDebugger(b.session.context); err != nil {
		b.logger.Debug("disable debugger failed", "error", err)
	}
	b.session = nil
}

// processDebugMessages pumps pending protocol commands through the engine.
// Runs only as a scheduled job on the script goroutine. If the session was
// disabled between scheduling and execution, the pump silently does nothing.
func (b *Backend) processDebugMessages() {
	if b.session == nil {
		return
	}
	b.eng.ProcessDebugMessages(b.session.context)
}
