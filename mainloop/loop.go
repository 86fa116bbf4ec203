// Package mainloop provides the consumer-side event loop context that debug
// message deliveries are marshaled onto.
//
// A Loop is a shared-ownership handle: the creator holds the initial
// reference, and every party that stashes the loop for later use takes its
// own reference with Ref and releases it with Unref. When the last reference
// is dropped the loop is finished: pending callbacks are discarded and
// further posts are rejected. Quit finishes the loop regardless of the
// reference count, which models the consumer tearing its loop down while
// other parties still hold handles to it; their posts simply start failing.
package mainloop

import (
	"sync"
)

// Loop is a single-consumer callback queue. Post may be called from any
// goroutine; Run must be called from exactly one.
type Loop struct {
	mu      sync.Mutex
	pending []callback
	refs    int
	done    bool
	wake    chan struct{}

	quitOnce sync.Once
}

// callback pairs a posted function with its cleanup. The cleanup runs
// exactly once: after the function executes, or when the callback is
// discarded because the loop finished first.
type callback struct {
	fn      func()
	cleanup func()
}

// New creates a loop holding one reference on behalf of the caller.
func New() *Loop {
	return &Loop{
		refs: 1,
		wake: make(chan struct{}, 1),
	}
}

// Ref takes an additional reference and returns the loop for chaining.
// Ref on a finished loop is permitted; the paired Unref is still required.
func (l *Loop) Ref() *Loop {
	l.mu.Lock()
	l.refs++
	l.mu.Unlock()
	return l
}

// Unref releases one reference. Dropping the last reference finishes the
// loop as if Quit had been called.
func (l *Loop) Unref() {
	l.mu.Lock()
	l.refs--
	last := l.refs == 0
	l.mu.Unlock()
	if last {
		l.Quit()
	}
}

// Post enqueues a single-shot callback for execution by Run. It reports
// whether the callback was accepted; false means the loop has finished and
// fn will never be invoked.
func (l *Loop) Post(fn func()) bool {
	return l.PostWithCleanup(fn, nil)
}

// PostWithCleanup enqueues a single-shot callback together with a cleanup
// for the resources it captures. An accepted cleanup runs exactly once, on
// the loop goroutine after fn executes, or on the quitting goroutine if the
// loop finishes before dispatch. A false return means the loop had already
// finished: neither fn nor cleanup will run and the caller keeps ownership
// of the captured resources.
func (l *Loop) PostWithCleanup(fn, cleanup func()) bool {
	l.mu.Lock()
	if l.done {
		l.mu.Unlock()
		return false
	}
	l.pending = append(l.pending, callback{fn: fn, cleanup: cleanup})
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Run dispatches posted callbacks until the loop finishes. Callbacks posted
// before Run starts are not lost; they run first.
func (l *Loop) Run() {
	for {
		l.mu.Lock()
		batch := l.pending
		l.pending = nil
		done := l.done
		l.mu.Unlock()

		for _, cb := range batch {
			cb.fn()
			if cb.cleanup != nil {
				cb.cleanup()
			}
		}
		if done {
			return
		}
		<-l.wake
	}
}

// Quit finishes the loop. Callbacks still pending are discarded without
// being invoked, but their cleanups run so that captured resources are
// released; a concurrent Run returns after completing the callbacks it has
// already dequeued.
func (l *Loop) Quit() {
	l.quitOnce.Do(func() {
		l.mu.Lock()
		l.done = true
		discarded := l.pending
		l.pending = nil
		l.mu.Unlock()

		for _, cb := range discarded {
			if cb.cleanup != nil {
				cb.cleanup()
			}
		}

		select {
		case l.wake <- struct{}{}:
		default:
		}
	})
}

// Finished reports whether the loop has quit or lost its last reference.
func (l *Loop) Finished() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}
