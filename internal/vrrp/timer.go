package vrrp

import (
	"sync/atomic"
	"time"
)

// Timer is a monotonic, kernel-backed one-shot timer dispatched through a
// Loop (spec.md §4.1, C2). Start arms or idempotently re-arms it; Stop
// disarms it and guarantees the callback will not subsequently fire, even
// if the underlying timer had already expired but its fire had not yet
// been dispatched by the loop (spec.md §5's cancellation guarantee).
//
// live holds the generation number of whichever Start call is currently
// "the armed one", or 0 if none is. Start/Stop/fire all run serialized on
// the loop goroutine (Start/Stop are only ever called from within a loop
// callback, or before Run has started); the only other writer is the
// underlying time.AfterFunc goroutine, which never touches live directly,
// only posts a (timer, generation) pair to the loop for fire to check.
// Atomics here are a defensive width, not a concurrency requirement.
type Timer struct {
	loop *Loop
	cb   func()
	gen  atomic.Uint64
	live atomic.Uint64
	t    *time.Timer
}

// NewTimer creates a Timer bound to loop; cb runs on the loop's goroutine
// whenever the timer fires and has not been superseded by a later
// Start/Stop.
func (l *Loop) NewTimer(cb func()) *Timer {
	return &Timer{loop: l, cb: cb}
}

// Start arms (or re-arms) the timer to fire after d. Arming one timer of
// a Master-Down/Advertisement pair is the caller's responsibility to pair
// with stopping the other — Timer itself has no notion of its sibling
// (spec.md §3 invariant: "exactly one timer of the pair may be armed").
func (t *Timer) Start(d time.Duration) {
	wasArmed := t.live.Load() != 0
	g := t.gen.Add(1)
	t.live.Store(g)
	if t.t != nil {
		t.t.Stop()
	}
	t.t = time.AfterFunc(d, func() {
		t.loop.postTimer(t, g)
	})
	if !wasArmed {
		t.loop.RegisterSource()
	}
}

// Stop disarms the timer. Idempotent; safe to call on a timer that is
// already stopped or has already fired.
func (t *Timer) Stop() {
	if old := t.live.Swap(0); old != 0 {
		if t.t != nil {
			t.t.Stop()
		}
		t.loop.UnregisterSource()
	}
}

// IsArmed reports whether the timer is currently armed. Used by tests
// asserting the state-machine invariants P1/P2 (spec.md §8).
func (t *Timer) IsArmed() bool { return t.live.Load() != 0 }

// fire is invoked on the loop goroutine for every posted expiry; it
// drops stale fires whose generation has been superseded by a
// subsequent Start or Stop.
func (t *Timer) fire(gen uint64) {
	if t.live.Load() != gen {
		return
	}
	t.live.Store(0)
	t.loop.UnregisterSource()
	t.cb()
}
