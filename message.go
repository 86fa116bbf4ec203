package luabridge

import (
	"strings"
	"sync"
)

// messageEnvelope is the transient per-message payload carried from the
// engine's debug goroutine to the consumer's mainloop. It holds a strong
// reference to the owning backend (accounted in inflight) and its own copy
// of the message text; both are released exactly once, on every exit path.
type messageEnvelope struct {
	backend *Backend
	message string

	releaseOnce sync.Once
}

func newEnvelope(b *Backend, message string) *messageEnvelope {
	b.inflight.Add(1)
	return &messageEnvelope{
		backend: b,
		message: strings.Clone(message),
	}
}

// deliver runs on the consumer's mainloop. The handler is re-read from the
// registration slot at delivery time, not snapshotted at emission time:
// delivery always reflects the latest registration, and if the slot has been
// cleared in the meantime the message is silently dropped.
func (env *messageEnvelope) deliver() {
	defer env.release()

	b := env.backend
	b.mu.Lock()
	handler := b.handler
	userData := b.userData
	b.mu.Unlock()

	if handler == nil {
		return
	}
	handler(env.message, userData)
}

// release resolves the envelope: the copied text is dropped and the backend
// reference is returned. Idempotent, so drop paths and delivery share it.
func (env *messageEnvelope) release() {
	env.releaseOnce.Do(func() {
		env.message = ""
		env.backend.inflight.Add(-1)
	})
}
