// Package luabridge bridges the debug protocol of an embedded Lua engine to
// an external debugging consumer living on its own event loop.
//
// Three threads of control intersect here: the script goroutine that owns
// the engine, the engine's internal debug goroutine that emits protocol
// messages, and the arbitrary caller goroutines that register handlers and
// post commands. The Backend keeps them apart: engine and session state are
// reached only through jobs on the scheduler, handler registration lives in
// a mutex-protected single slot, and message delivery is marshaled onto the
// consumer's mainloop.
//
// # Quick Start
//
//	luabridge.Initialize()
//	defer luabridge.Shutdown()
//
//	eng := engine.New()
//	sched := scheduler.New()
//	go func() { // the script goroutine
//	    sched.Run()
//	    eng.Close()
//	}()
//
//	loop := mainloop.New()
//	backend := luabridge.New(eng, sched)
//	backend.SetDebugMessageHandler(loop, func(message string, userData any) {
//	    fmt.Println(message)
//	}, nil, nil)
//
//	go loop.Run()
//	backend.PostDebugMessage(`{"seq":1,"type":"request","command":"version"}`)
//
// Exactly one handler is active at a time; registering a new one supersedes
// the old, whose destructor runs exactly once. Clearing the handler (nil
// callback) disables the debug session. Both operations return immediately
// and apply on the script goroutine in submission order.
package luabridge
