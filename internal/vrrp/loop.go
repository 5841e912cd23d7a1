package vrrp

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

// Loop is the daemon's single cooperative event loop (spec.md §4.1, C1).
// Every state mutation in the system happens from exactly one call
// site: a callback dispatched by Run's single goroutine. Producers of
// events — timers, socket readers, the rtnetlink link-state watcher, the
// control server — run on their own goroutines but only ever communicate
// with the loop by posting a closure; they never touch shared state
// directly. This is the Go-idiomatic reading of "single thread, readiness
// multiplexer, no locks": a fan-in channel plays the role the C++
// original gives to epoll, and posted closures play the role of the
// dispatched readiness callbacks.
type Loop struct {
	events  chan event
	done    chan struct{}
	aborted atomic.Bool
	sources atomic.Int64 // count of registered timers/sockets/control listener
}

type eventKind int

const (
	evFunc eventKind = iota
	evTimer
	evSignal
)

type event struct {
	kind  eventKind
	fn    func()
	gen   uint64
	timer *Timer
	sig   os.Signal
}

// NewLoop creates an idle loop. Call Run on the goroutine that should own
// all daemon state.
func NewLoop() *Loop {
	return &Loop{
		events: make(chan event, 1024),
		done:   make(chan struct{}),
	}
}

// Post schedules fn to run on the loop's goroutine. Safe to call from any
// goroutine, including from within a callback already running on the
// loop (the re-arming case in spec.md §5: "takes effect at the next
// wake-up, never re-entrantly").
func (l *Loop) Post(fn func()) {
	select {
	case l.events <- event{kind: evFunc, fn: fn}:
	case <-l.done:
	}
}

func (l *Loop) postTimer(t *Timer, gen uint64) {
	select {
	case l.events <- event{kind: evTimer, timer: t, gen: gen}:
	case <-l.done:
	}
}

// RegisterSource and UnregisterSource track how many live descriptors
// (timers, sockets, the control listener) the loop currently has outstanding. The
// loop exits once the abort flag is set, or once the source count drops
// to zero after having been positive at least once (spec.md §4.1: "the
// loop terminates when ... there are no registered descriptors").
func (l *Loop) RegisterSource()   { l.sources.Add(1) }
func (l *Loop) UnregisterSource() { l.sources.Add(-1) }

// Abort sets the abort flag; the loop exits on its next iteration.
// Equivalent to the SIGINT/SIGTERM/SIGQUIT handling of spec.md §4.1.
func (l *Loop) Abort() {
	l.aborted.Store(true)
	l.Post(func() {})
}

// Done returns a channel closed once Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Run installs signal handlers and dispatches events until aborted or
// idle. It blocks; callers typically run it on the main goroutine.
func (l *Loop) Run() {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(sigCh)

	everHadSources := false
	for {
		if l.sources.Load() > 0 {
			everHadSources = true
		}
		select {
		case sig := <-sigCh:
			l.dispatch(event{kind: evSignal, sig: sig})
		case e := <-l.events:
			l.dispatch(e)
		}
		if l.sources.Load() > 0 {
			everHadSources = true
		}
		if l.aborted.Load() || (everHadSources && l.sources.Load() == 0) {
			close(l.done)
			return
		}
	}
}

func (l *Loop) dispatch(e event) {
	switch e.kind {
	case evFunc:
		if e.fn != nil {
			e.fn()
		}
	case evTimer:
		e.timer.fire(e.gen)
	case evSignal:
		l.aborted.Store(true)
	}
}
