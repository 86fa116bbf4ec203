package luabridge

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/dshills/luabridge/engine"
	"github.com/dshills/luabridge/mainloop"
	"github.com/dshills/luabridge/scheduler"
)

// bridgeHarness wires a backend to a live scheduler goroutine and a running
// consumer loop, torn down in reverse order on cleanup.
type bridgeHarness struct {
	b     *Backend
	eng   *engine.Engine
	sched *scheduler.Scheduler
	loop  *mainloop.Loop
}

func newBridgeHarness(t *testing.T) *bridgeHarness {
	t.Helper()

	eng := engine.New()
	sched := scheduler.New()
	scriptDone := make(chan struct{})
	go func() {
		defer close(scriptDone)
		sched.Run()
		eng.Close()
	}()

	loop := mainloop.New()
	go loop.Run()

	b := New(eng, sched)

	t.Cleanup(func() {
		b.Close()
		sched.Stop()
		loop.Quit()
		select {
		case <-scriptDone:
		case <-time.After(2 * time.Second):
			t.Error("script goroutine did not exit")
		}
	})

	return &bridgeHarness{b: b, eng: eng, sched: sched, loop: loop}
}

// sessionActive observes the session controller's state from the script
// goroutine, after all previously scheduled jobs have applied.
func (h *bridgeHarness) sessionActive(t *testing.T) bool {
	t.Helper()
	var active bool
	if err := h.sched.PushJobSync(scheduler.PriorityDefault, func() {
		active = h.b.session != nil
	}); err != nil {
		t.Fatalf("probe job failed: %v", err)
	}
	return active
}

func waitDelivery(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
		return ""
	}
}

func waitNoInFlight(t *testing.T, b *Backend) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for b.InFlight() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("in-flight envelopes did not drain: %d", b.InFlight())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSetDebugMessageHandlerDestructorOrder(t *testing.T) {
	h := newBridgeHarness(t)

	var mu sync.Mutex
	var destroyed []int
	destroyFor := func(id int) DestroyFunc {
		return func(userData any) {
			if userData.(int) != id {
				t.Errorf("destructor %d got user data %v", id, userData)
			}
			mu.Lock()
			destroyed = append(destroyed, id)
			mu.Unlock()
		}
	}

	for i := 1; i <= 5; i++ {
		h.b.SetDebugMessageHandler(h.loop, func(string, any) {}, i, destroyFor(i))
	}
	h.b.SetDebugMessageHandler(nil, nil, nil, nil)

	mu.Lock()
	defer mu.Unlock()
	if len(destroyed) != 5 {
		t.Fatalf("destructors ran %d times, want 5", len(destroyed))
	}
	for i, id := range destroyed {
		if id != i+1 {
			t.Errorf("destructor order position %d: got %d, want %d", i, id, i+1)
		}
	}
}

func TestSetDebugMessageHandlerEnablesSession(t *testing.T) {
	h := newBridgeHarness(t)

	if h.sessionActive(t) {
		t.Fatal("session active before any registration")
	}

	h.b.SetDebugMessageHandler(h.loop, func(string, any) {}, nil, nil)
	if !h.sessionActive(t) {
		t.Fatal("session not enabled after registration")
	}

	// Enabling again while enabled must be a safe no-op.
	h.b.SetDebugMessageHandler(h.loop, func(string, any) {}, nil, nil)
	if !h.sessionActive(t) {
		t.Fatal("session lost across re-registration")
	}

	h.b.SetDebugMessageHandler(nil, nil, nil, nil)
	if h.sessionActive(t) {
		t.Fatal("session still active after clearing")
	}

	// Disabling again while disabled must also be a safe no-op.
	h.b.SetDebugMessageHandler(nil, nil, nil, nil)
	if h.sessionActive(t) {
		t.Fatal("session re-appeared after second clear")
	}
}

func TestRapidToggleConvergesToLastRegistration(t *testing.T) {
	h := newBridgeHarness(t)

	for i := 0; i < 20; i++ {
		h.b.SetDebugMessageHandler(h.loop, func(string, any) {}, nil, nil)
		h.b.SetDebugMessageHandler(nil, nil, nil, nil)
	}
	h.b.SetDebugMessageHandler(h.loop, func(string, any) {}, nil, nil)

	if !h.sessionActive(t) {
		t.Error("session state did not converge to the last registration")
	}
}

func TestPostDebugMessageNoHandler(t *testing.T) {
	h := newBridgeHarness(t)

	if err := h.b.PostDebugMessage(`{"seq":1,"type":"request","command":"version"}`); err != nil {
		t.Fatalf("PostDebugMessage returned error: %v", err)
	}
	if h.sessionActive(t) {
		t.Error("posting without a handler touched the session")
	}
	if h.b.InFlight() != 0 {
		t.Error("posting without a handler produced envelopes")
	}
}

func TestPostDebugMessageInvalidEncoding(t *testing.T) {
	h := newBridgeHarness(t)

	h.b.SetDebugMessageHandler(h.loop, func(string, any) {}, nil, nil)

	err := h.b.PostDebugMessage("broken \xff command")
	if !errors.Is(err, engine.ErrInvalidEncoding) {
		t.Fatalf("expected ErrInvalidEncoding, got %v", err)
	}
}

func TestPostDebugMessageRoundTrip(t *testing.T) {
	h := newBridgeHarness(t)

	received := make(chan string, 16)
	h.b.SetDebugMessageHandler(h.loop, func(message string, _ any) {
		received <- message
	}, nil, nil)

	err := h.b.PostDebugMessage(`{"seq":1,"type":"request","command":"evaluate","arguments":{"expression":"2 + 3"}}`)
	if err != nil {
		t.Fatalf("PostDebugMessage returned error: %v", err)
	}

	msg := waitDelivery(t, received)
	res := gjson.Parse(msg)
	if got := res.Get("type").String(); got != "response" {
		t.Errorf("type = %q, want response", got)
	}
	if !res.Get("success").Bool() {
		t.Fatalf("evaluate failed: %s", res.Get("message").String())
	}
	if got := res.Get("body.value").String(); got != "5" {
		t.Errorf("body.value = %q, want 5", got)
	}

	waitNoInFlight(t, h.b)
}

func TestEmitDeliveredVerbatim(t *testing.T) {
	h := newBridgeHarness(t)

	received := make(chan string, 16)
	var count atomic.Int64
	h.b.SetDebugMessageHandler(h.loop, func(message string, _ any) {
		count.Add(1)
		received <- message
	}, nil, nil)

	// Stand in for the engine's debug goroutine.
	h.b.EmitDebugMessage(`{"seq":1}`)

	if got := waitDelivery(t, received); got != `{"seq":1}` {
		t.Errorf("delivered %q, want byte-exact %q", got, `{"seq":1}`)
	}
	waitNoInFlight(t, h.b)
	if got := count.Load(); got != 1 {
		t.Errorf("handler invoked %d times, want exactly once", got)
	}
}

func TestEmitWithoutHandlerDropped(t *testing.T) {
	h := newBridgeHarness(t)

	h.b.EmitDebugMessage(`{"seq":1}`)

	if h.b.InFlight() != 0 {
		t.Error("emission without a handler built an envelope")
	}
}

func TestEmitConcurrentWithClear(t *testing.T) {
	h := newBridgeHarness(t)

	var delivered atomic.Int64
	var destroyed atomic.Int64
	h.b.SetDebugMessageHandler(h.loop, func(string, any) {
		delivered.Add(1)
	}, nil, func(any) {
		destroyed.Add(1)
	})

	const emissions = 200
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < emissions; i++ {
			h.b.EmitDebugMessage(`{"seq":1}`)
		}
	}()

	h.b.SetDebugMessageHandler(nil, nil, nil, nil)
	wg.Wait()

	waitNoInFlight(t, h.b)

	// Racing messages may be delivered or dropped, but never duplicated, and
	// the superseded handler's destructor runs exactly once.
	if got := delivered.Load(); got > emissions {
		t.Errorf("delivered %d messages for %d emissions", got, emissions)
	}
	if got := destroyed.Load(); got != 1 {
		t.Errorf("destructor ran %d times, want exactly once", got)
	}
}

func TestDeliveryReflectsLatestHandler(t *testing.T) {
	eng := engine.New()
	sched := scheduler.New()
	scriptDone := make(chan struct{})
	go func() {
		defer close(scriptDone)
		sched.Run()
		eng.Close()
	}()
	defer func() {
		sched.Stop()
		<-scriptDone
	}()

	// The loop is deliberately not running yet, so the delivery stays queued
	// while the registration changes underneath it.
	loop := mainloop.New()
	defer loop.Quit()

	b := New(eng, sched)
	defer b.Close()

	gotA := make(chan string, 1)
	gotB := make(chan string, 1)
	b.SetDebugMessageHandler(loop, func(m string, _ any) { gotA <- m }, nil, nil)

	b.EmitDebugMessage(`{"seq":9}`)

	b.SetDebugMessageHandler(loop, func(m string, _ any) { gotB <- m }, nil, nil)

	go loop.Run()

	select {
	case msg := <-gotB:
		if msg != `{"seq":9}` {
			t.Errorf("replacement handler got %q", msg)
		}
	case msg := <-gotA:
		t.Errorf("superseded handler received %q", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
	}
}

func TestEmitPendingWhenLoopQuitsReleasesEnvelope(t *testing.T) {
	eng := engine.New()
	sched := scheduler.New()
	scriptDone := make(chan struct{})
	go func() {
		defer close(scriptDone)
		sched.Run()
		eng.Close()
	}()
	defer func() {
		sched.Stop()
		<-scriptDone
	}()

	// The loop never runs, so the delivery stays queued until Quit discards
	// it. The envelope must resolve anyway.
	loop := mainloop.New()

	b := New(eng, sched)
	defer b.Close()

	var delivered atomic.Int64
	b.SetDebugMessageHandler(loop, func(string, any) {
		delivered.Add(1)
	}, nil, nil)

	b.EmitDebugMessage(`{"seq":1}`)
	if b.InFlight() != 1 {
		t.Fatalf("in-flight = %d after emission, want 1", b.InFlight())
	}

	loop.Quit()

	waitNoInFlight(t, b)
	if got := delivered.Load(); got != 0 {
		t.Errorf("handler ran %d times for a discarded delivery", got)
	}
}

func TestSetDebugMessageHandlerAfterClose(t *testing.T) {
	h := newBridgeHarness(t)
	h.b.Close()

	var destroyed atomic.Int64
	h.b.SetDebugMessageHandler(h.loop, func(string, any) {
		t.Error("handler installed on a closed backend")
	}, "data", func(userData any) {
		if userData != "data" {
			t.Errorf("destructor got %v", userData)
		}
		destroyed.Add(1)
	})

	// The registration is rejected, but its user data is not stranded.
	if got := destroyed.Load(); got != 1 {
		t.Errorf("destructor ran %d times, want 1", got)
	}
	if h.sessionActive(t) {
		t.Error("registration after Close enabled a session")
	}

	if err := h.b.PostDebugMessage(`{"seq":1,"type":"request","command":"version"}`); err != nil {
		t.Errorf("PostDebugMessage returned error: %v", err)
	}
	h.b.EmitDebugMessage(`{"seq":1}`)
	if h.b.InFlight() != 0 {
		t.Error("emission after Close built an envelope")
	}
}

func TestSetDebugMessageHandlerNilLoopClears(t *testing.T) {
	h := newBridgeHarness(t)

	var destroyedA, destroyedB atomic.Int64
	h.b.SetDebugMessageHandler(h.loop, func(string, any) {}, nil, func(any) {
		destroyedA.Add(1)
	})
	if !h.sessionActive(t) {
		t.Fatal("session not enabled")
	}

	// A handler without a delivery loop is undeliverable: the registration
	// clears instead of going half-live.
	h.b.SetDebugMessageHandler(nil, func(string, any) {
		t.Error("undeliverable handler was invoked")
	}, nil, func(any) {
		destroyedB.Add(1)
	})

	if got := destroyedA.Load(); got != 1 {
		t.Errorf("superseded destructor ran %d times, want 1", got)
	}
	if h.sessionActive(t) {
		t.Error("session still active after nil-loop registration")
	}
	if err := h.b.PostDebugMessage(`{"seq":1,"type":"request","command":"version"}`); err != nil {
		t.Errorf("PostDebugMessage returned error: %v", err)
	}
	h.b.EmitDebugMessage(`{"seq":1}`)
	if h.b.InFlight() != 0 {
		t.Error("emission without a delivery loop built an envelope")
	}

	// The cleared registration's destructor is still honored exactly once.
	h.b.SetDebugMessageHandler(nil, nil, nil, nil)
	if got := destroyedB.Load(); got != 1 {
		t.Errorf("nil-loop registration's destructor ran %d times, want 1", got)
	}
}

func TestCloseDisablesAndDestroysOnce(t *testing.T) {
	h := newBridgeHarness(t)

	var destroyed atomic.Int64
	h.b.SetDebugMessageHandler(h.loop, func(string, any) {}, "data", func(userData any) {
		if userData != "data" {
			t.Errorf("destructor got %v", userData)
		}
		destroyed.Add(1)
	})
	if !h.sessionActive(t) {
		t.Fatal("session not enabled")
	}

	// Close from a non-script goroutine; the disable must be marshaled.
	done := make(chan struct{})
	go func() {
		h.b.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}

	if h.sessionActive(t) {
		t.Error("session still active after Close")
	}
	if got := destroyed.Load(); got != 1 {
		t.Errorf("destructor ran %d times, want exactly once", got)
	}

	// Closing again must not run the destructor a second time.
	h.b.Close()
	if got := destroyed.Load(); got != 1 {
		t.Errorf("destructor ran %d times after double Close", got)
	}
}

func TestCloseWithStoppedScheduler(t *testing.T) {
	eng := engine.New()
	sched := scheduler.New()
	sched.Stop()

	b := New(eng, sched)
	// Must not block or panic: the sync disable resolves with ErrStopped.
	b.Close()
	eng.Close()
}

func TestStubOperations(t *testing.T) {
	h := newBridgeHarness(t)

	if err := h.b.CreateScript("demo", `x = 1`); !errors.Is(err, ErrNotImplemented) {
		t.Errorf("CreateScript returned %v, want ErrNotImplemented", err)
	}
	h.b.Ignore(1)
	h.b.Unignore(1)
	if h.b.IsIgnoring(1) {
		t.Error("IsIgnoring reported true")
	}
}
