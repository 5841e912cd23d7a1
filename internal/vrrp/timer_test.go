package vrrp

import (
	"testing"
	"time"
)

func TestTimerFiresAndIdleExits(t *testing.T) {
	l := NewLoop()
	fired := make(chan struct{}, 1)
	tm := l.NewTimer(func() { fired <- struct{}{} })
	tm.Start(10 * time.Millisecond)

	done := make(chan struct{})
	go func() { l.Run(); close(done) }()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not exit once idle")
	}
}

func TestTimerStopPreventsCallback(t *testing.T) {
	l := NewLoop()
	called := false
	tm := l.NewTimer(func() { called = true })
	tm.Start(5 * time.Millisecond)
	tm.Stop()
	if tm.IsArmed() {
		t.Fatal("timer should not report armed after Stop")
	}

	// Drain a couple of loop iterations to give a stale fire a chance to
	// slip through if the guard were broken.
	done := make(chan struct{})
	l.Post(func() {})
	go func() { l.Run(); close(done) }()
	time.Sleep(20 * time.Millisecond)
	l.Abort()
	<-done
	if called {
		t.Fatal("stopped timer's callback must never run")
	}
}

func TestTimerRestartOnlyLatestFires(t *testing.T) {
	l := NewLoop()
	var fires int
	tm := l.NewTimer(func() { fires++ })
	tm.Start(5 * time.Millisecond)
	tm.Start(50 * time.Millisecond) // re-arm before first would fire

	done := make(chan struct{})
	go func() { l.Run(); close(done) }()
	<-done
	if fires != 1 {
		t.Fatalf("expected exactly 1 fire, got %d", fires)
	}
}
