package service

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

// waitFor polls cond until it holds or the real-time deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// settle gives background goroutines a chance to misbehave.
func settle() {
	time.Sleep(50 * time.Millisecond)
}

func TestCountdownFiresOnceAtDeadline(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cd := NewCountdownController(clock)

	var fired atomic.Int32
	if err := cd.Start(60, func() { fired.Add(1) }, nil); err != nil {
		t.Fatalf("start: %v", err)
	}

	clock.Advance(59 * time.Second)
	settle()
	if fired.Load() != 0 {
		t.Fatal("countdown fired before the deadline")
	}
	if got := cd.Remaining(); got != time.Second {
		t.Fatalf("remaining = %v, want 1s", got)
	}

	clock.Advance(time.Second)
	waitFor(t, func() bool { return fired.Load() == 1 })

	clock.Advance(time.Minute)
	settle()
	if fired.Load() != 1 {
		t.Fatalf("expiry callback ran %d times", fired.Load())
	}
	if cd.Running() || cd.Remaining() != 0 {
		t.Fatal("countdown still running after expiry")
	}
}

func TestCountdownLargeJumpStillFires(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cd := NewCountdownController(clock)

	done := make(chan struct{})
	if err := cd.Start(120, func() { close(done) }, nil); err != nil {
		t.Fatalf("start: %v", err)
	}

	clock.Advance(10 * time.Minute)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("countdown did not fire after a large clock jump")
	}
}

func TestCountdownCancelIsIdempotent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cd := NewCountdownController(clock)

	var fired atomic.Int32
	if err := cd.Start(5, func() { fired.Add(1) }, nil); err != nil {
		t.Fatalf("start: %v", err)
	}

	cd.Cancel()
	cd.Cancel()

	clock.Advance(10 * time.Second)
	settle()
	if fired.Load() != 0 {
		t.Fatal("cancelled countdown fired")
	}
}

func TestCountdownCancelAfterExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cd := NewCountdownController(clock)

	var fired atomic.Int32
	if err := cd.Start(1, func() { fired.Add(1) }, nil); err != nil {
		t.Fatalf("start: %v", err)
	}

	clock.Advance(time.Second)
	waitFor(t, func() bool { return fired.Load() == 1 })

	cd.Cancel()
	cd.Cancel()
	clock.Advance(time.Minute)
	settle()
	if fired.Load() != 1 {
		t.Fatalf("expiry callback ran %d times", fired.Load())
	}
}

func TestCountdownTicks(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cd := NewCountdownController(clock)

	ticks := make(chan time.Duration, 8)
	if err := cd.Start(3, func() {}, func(r time.Duration) { ticks <- r }); err != nil {
		t.Fatalf("start: %v", err)
	}

	clock.Advance(time.Second)
	select {
	case r := <-ticks:
		if r != 2*time.Second {
			t.Fatalf("tick remaining = %v, want 2s", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no tick received")
	}
}

func TestCountdownRejectsRestartAndBadDuration(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cd := NewCountdownController(clock)

	if err := cd.Start(0, func() {}, nil); !errors.Is(err, ErrInvalidDuration) {
		t.Fatalf("zero duration: got %v", err)
	}
	if err := cd.Start(10, func() {}, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := cd.Start(10, func() {}, nil); !errors.Is(err, ErrCountdownStarted) {
		t.Fatalf("second start: got %v", err)
	}
	cd.Cancel()
}
