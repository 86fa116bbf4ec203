// Package scheduler provides the job scheduler bound to the script goroutine.
//
// An embedded Lua state is not goroutine-safe: exactly one goroutine may own
// it, and every operation that touches engine state must be marshaled onto
// that goroutine. The Scheduler is that marshaling point. Jobs are executed
// in FIFO order within each priority, higher priorities first, and each job
// runs exactly once under normal operation. When the scheduler is stopped,
// pending jobs are discarded without being invoked, but their cleanup
// functions still run so that captured resources are not leaked.
//
// Usage:
//
//	sched := scheduler.New()
//	go sched.Run() // the goroutine that owns the Lua state
//	defer sched.Stop()
//
//	// From any goroutine:
//	sched.PushJob(scheduler.PriorityDefault, func() {
//	    // runs on the script goroutine
//	}, nil)
package scheduler
