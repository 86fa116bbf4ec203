package engine

import "sync"

// MessageEmitter receives protocol messages from an engine's debug
// goroutine. The backend that owns an engine implements this; the emission
// path looks the owner up through the registry rather than reaching into
// engine state.
type MessageEmitter interface {
	EmitDebugMessage(message string)
}

// registry associates engine instances with their owning backends. It
// replaces the untyped per-instance slot the underlying VM would otherwise
// carry: ownership lives at the collaborator boundary, keyed by instance
// identity.
var registry struct {
	mu     sync.RWMutex
	owners map[string]MessageEmitter
}

// RegisterOwner records the owner of an engine instance. A second
// registration for the same engine replaces the first.
func RegisterOwner(e *Engine, owner MessageEmitter) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if registry.owners == nil {
		registry.owners = make(map[string]MessageEmitter)
	}
	registry.owners[e.ID()] = owner
}

// UnregisterOwner removes the association for an engine instance. Safe to
// call when no association exists.
func UnregisterOwner(e *Engine) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	delete(registry.owners, e.ID())
}

// OwnerOf returns the registered owner for an engine instance, or nil.
func OwnerOf(e *Engine) MessageEmitter {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	return registry.owners[e.ID()]
}
