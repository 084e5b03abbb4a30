package reconcile

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeExpirer struct {
	calls atomic.Int64
	err   error
	panic bool
}

func (f *fakeExpirer) ExpireDue(ctx context.Context, now time.Time, limit int) (int, error) {
	f.calls.Add(1)
	if f.panic {
		panic("boom")
	}
	return 1, f.err
}

type fakeReleaser struct {
	calls atomic.Int64
	err   error
}

func (f *fakeReleaser) AutoReleaseDue(ctx context.Context, now time.Time, limit int) (int, error) {
	f.calls.Add(1)
	return 0, f.err
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestTimerSweepsImmediatelyAndOnTick(t *testing.T) {
	offers := &fakeExpirer{}
	escrows := &fakeReleaser{}
	timer := NewTimer(offers, escrows, 20*time.Millisecond, nil)

	timer.Start(context.Background())
	defer timer.Stop()

	waitFor(t, func() bool { return offers.calls.Load() >= 2 })
	waitFor(t, func() bool { return escrows.calls.Load() >= 2 })
}

func TestTimerStopHaltsSweeps(t *testing.T) {
	offers := &fakeExpirer{}
	escrows := &fakeReleaser{}
	timer := NewTimer(offers, escrows, 10*time.Millisecond, nil)

	timer.Start(context.Background())
	waitFor(t, func() bool { return offers.calls.Load() >= 1 })
	timer.Stop()
	timer.Stop() // second stop is a no-op

	settled := offers.calls.Load()
	time.Sleep(50 * time.Millisecond)
	if got := offers.calls.Load(); got != settled {
		t.Fatalf("sweeps after Stop: %d -> %d", settled, got)
	}
}

func TestTimerStartIsIdempotent(t *testing.T) {
	offers := &fakeExpirer{}
	escrows := &fakeReleaser{}
	timer := NewTimer(offers, escrows, time.Hour, nil)

	ctx := context.Background()
	timer.Start(ctx)
	timer.Start(ctx)
	defer timer.Stop()

	// Only the single immediate sweep, not one per Start call.
	waitFor(t, func() bool { return offers.calls.Load() == 1 })
	time.Sleep(30 * time.Millisecond)
	if got := offers.calls.Load(); got != 1 {
		t.Fatalf("sweeps = %d, want 1", got)
	}
}

func TestTimerSurvivesSweepErrors(t *testing.T) {
	offers := &fakeExpirer{err: errors.New("db down")}
	escrows := &fakeReleaser{err: errors.New("gateway down")}
	timer := NewTimer(offers, escrows, 10*time.Millisecond, nil)

	timer.Start(context.Background())
	defer timer.Stop()

	// Failing sweeps keep running; a release sweep still follows a
	// failed expiry sweep within the same run.
	waitFor(t, func() bool { return offers.calls.Load() >= 3 })
	waitFor(t, func() bool { return escrows.calls.Load() >= 3 })
}

func TestTimerSurvivesPanic(t *testing.T) {
	offers := &fakeExpirer{panic: true}
	escrows := &fakeReleaser{}
	timer := NewTimer(offers, escrows, 10*time.Millisecond, nil)

	timer.Start(context.Background())
	defer timer.Stop()

	waitFor(t, func() bool { return offers.calls.Load() >= 3 })
}

func TestTimerStopsOnContextCancel(t *testing.T) {
	offers := &fakeExpirer{}
	escrows := &fakeReleaser{}
	timer := NewTimer(offers, escrows, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	timer.Start(ctx)
	waitFor(t, func() bool { return offers.calls.Load() >= 1 })
	cancel()

	time.Sleep(20 * time.Millisecond)
	settled := offers.calls.Load()
	time.Sleep(50 * time.Millisecond)
	if got := offers.calls.Load(); got != settled {
		t.Fatalf("sweeps after cancel: %d -> %d", settled, got)
	}
}
