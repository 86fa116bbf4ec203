package scheduler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/eapache/queue"
)

// ErrStopped is returned when a job is pushed to a stopped scheduler, or when
// a pending job was discarded during teardown. It is a cleanup-only
// condition, not a failure surfaced to end users.
var ErrStopped = errors.New("scheduler is stopped")

// Priority selects which queue a job lands in. Jobs of a higher priority are
// always executed before pending jobs of a lower one; within a priority,
// execution order is the submission order.
type Priority int

const (
	// PriorityHigh runs ahead of all default and low priority jobs.
	PriorityHigh Priority = iota
	// PriorityDefault is the priority used for ordinary bridge work.
	PriorityDefault
	// PriorityLow runs only when no other work is pending.
	PriorityLow

	numPriorities = 3
)

// JobFunc is a unit of work executed on the script goroutine.
type JobFunc func()

// job pairs a function with its teardown cleanup. done is non-nil only for
// synchronous submissions.
type job struct {
	fn      JobFunc
	cleanup func()
	done    chan error
}

// Scheduler serializes jobs onto a single dedicated goroutine.
//
// The goroutine that calls Run becomes the script goroutine: the only
// goroutine permitted to touch engine and debug-session state. PushJob and
// PushJobSync may be called from any goroutine.
type Scheduler struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queues  [numPriorities]*queue.Queue
	stopped bool

	logger *slog.Logger

	// stopOnce ensures Stop is only applied once.
	stopOnce sync.Once
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger used for debug-level scheduling events.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates an idle scheduler ready for Run.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	s.cond = sync.NewCond(&s.mu)
	for i := range s.queues {
		s.queues[i] = queue.New()
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PushJob queues fn for execution on the script goroutine at the given
// priority. cleanup may be nil; if the job is discarded because the scheduler
// stopped before it ran, cleanup is still invoked so that resources captured
// by fn are released. Returns ErrStopped if the scheduler has already
// stopped, in which case cleanup has run and fn never will.
func (s *Scheduler) PushJob(p Priority, fn JobFunc, cleanup func()) error {
	if p < PriorityHigh || p > PriorityLow {
		return fmt.Errorf("invalid priority %d", p)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		if cleanup != nil {
			cleanup()
		}
		return ErrStopped
	}
	s.queues[p].Add(&job{fn: fn, cleanup: cleanup})
	s.mu.Unlock()

	s.cond.Signal()
	return nil
}

// PushJobSync queues fn at the given priority and blocks until it has
// executed on the script goroutine. Returns ErrStopped if the scheduler
// stopped before the job could run.
//
// Must not be called from the script goroutine itself: the job cannot run
// until the current job returns, so the call would deadlock.
func (s *Scheduler) PushJobSync(p Priority, fn JobFunc) error {
	if p < PriorityHigh || p > PriorityLow {
		return fmt.Errorf("invalid priority %d", p)
	}

	j := &job{fn: fn, done: make(chan error, 1)}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.queues[p].Add(j)
	s.mu.Unlock()

	s.cond.Signal()
	return <-j.done
}

// Run executes jobs until Stop is called. It blocks, and MUST be called from
// the goroutine that owns the Lua state. When Stop is observed, remaining
// jobs are discarded with cleanup only and Run returns.
func (s *Scheduler) Run() {
	for {
		s.mu.Lock()
		for !s.stopped && s.pendingLocked() == nil {
			s.cond.Wait()
		}
		if s.stopped {
			s.drainLocked()
			s.mu.Unlock()
			return
		}
		j := s.popLocked()
		s.mu.Unlock()

		s.execute(j)
	}
}

// Stop prevents new submissions and discards pending jobs, running cleanups
// only. Waiters on synchronous jobs are released with ErrStopped. Safe to
// call from any goroutine, any number of times. A job already executing is
// allowed to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.drainLocked()
		s.mu.Unlock()
		s.cond.Broadcast()
	})
}

// Stopped reports whether Stop has been called.
func (s *Scheduler) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// pendingLocked returns the highest-priority non-empty queue, or nil.
func (s *Scheduler) pendingLocked() *queue.Queue {
	for _, q := range s.queues {
		if q.Length() > 0 {
			return q
		}
	}
	return nil
}

// popLocked removes and returns the next job in priority order.
func (s *Scheduler) popLocked() *job {
	q := s.pendingLocked()
	return q.Remove().(*job)
}

// execute runs a single job with panic recovery, then settles any waiter.
func (s *Scheduler) execute(j *job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Debug("job panicked", "panic", r)
		}
		if j.done != nil {
			j.done <- nil
		}
	}()
	j.fn()
}

// drainLocked discards all pending jobs, running cleanups only. Waiters on
// synchronous jobs are released with ErrStopped.
func (s *Scheduler) drainLocked() {
	for _, q := range s.queues {
		for q.Length() > 0 {
			j := q.Remove().(*job)
			if j.cleanup != nil {
				j.cleanup()
			}
			if j.done != nil {
				j.done <- ErrStopped
			}
		}
	}
}
