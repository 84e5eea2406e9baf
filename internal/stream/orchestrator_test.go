package stream

import (
	"testing"
	"time"
)

func newTestPipeline(t *testing.T, b *fakeBoundary, rec *dispatchRecorder) *Orchestrator {
	t.Helper()
	o := New(Config{
		Enabled:           true,
		BatchSize:         5,
		ValidationTimeout: time.Second,
	}, Hooks{
		Dispatch: rec.record,
		Boundary: b,
	})
	t.Cleanup(o.Shutdown)
	return o
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestOrchestrator_ValidOutcomeCreatesPhysics(t *testing.T) {
	b := &fakeBoundary{}
	o := newTestPipeline(t, b, &dispatchRecorder{})

	tgt := asteroid(1)
	if !o.Scheduler().Defer(tgt) {
		t.Fatalf("asteroid should be deferred")
	}
	if !o.Tracker().IsPending(1) {
		t.Fatalf("defer should open a validation record")
	}

	o.Tracker().ReportOutcome(1, true)
	waitFor(t, func() bool {
		created, _ := b.snapshot()
		return len(created) == 1
	}, "paced physics creation")

	if o.Scheduler().IsDeferred(1) {
		t.Fatalf("record should be consumed by the creation")
	}
	if tgt.autoBodyDisabled() {
		t.Fatalf("creation should re-enable automatic bodies")
	}
}

func TestOrchestrator_InvalidOutcomeDiscards(t *testing.T) {
	b := &fakeBoundary{}
	o := newTestPipeline(t, b, &dispatchRecorder{})

	o.Scheduler().Defer(asteroid(2))
	o.Tracker().ReportOutcome(2, false)

	waitFor(t, func() bool {
		_, discarded := b.snapshot()
		return len(discarded) == 1
	}, "discard of the invalid entity")
	if created, _ := b.snapshot(); len(created) != 0 {
		t.Fatalf("invalid entity must never get physics: %v", created)
	}
}

func TestOrchestrator_TimeoutFailOpenCreatesOnce(t *testing.T) {
	b := &fakeBoundary{}
	o := newTestPipeline(t, b, &dispatchRecorder{})

	clock := newFakeClock()
	o.tracker.mu.Lock()
	o.tracker.now = clock.Now
	o.tracker.mu.Unlock()

	o.Scheduler().Defer(asteroid(3))
	clock.Advance(2 * time.Second)
	o.tracker.sweepOnce(clock.Now())

	waitFor(t, func() bool {
		created, _ := b.snapshot()
		return len(created) == 1
	}, "fail-open creation after timeout")

	// Neither a second sweep nor the frame-driven force sweep may act again.
	o.tracker.sweepOnce(clock.Now())
	o.Scheduler().ProcessTimeouts()
	time.Sleep(50 * time.Millisecond)

	created, _ := b.snapshot()
	if len(created) != 1 {
		t.Fatalf("fail-open must create exactly once, got %v", created)
	}
	if got := o.Tracker().Metrics().TimeoutTotal; got != 1 {
		t.Fatalf("TimeoutTotal=%d want=1", got)
	}
}

func TestOrchestrator_OutcomeReleasesInFlightEntry(t *testing.T) {
	b := &fakeBoundary{}
	rec := &dispatchRecorder{}
	o := newTestPipeline(t, b, rec)

	o.Queue().Enqueue(7, PriorityHigh, nil)
	o.Tick()
	if len(rec.ids) != 1 || rec.ids[0] != 7 {
		t.Fatalf("expected dispatch of 7, got %v", rec.ids)
	}
	if !o.Queue().InFlight(7) {
		t.Fatalf("dispatched entity should be in flight")
	}

	o.Scheduler().Defer(asteroid(7))
	o.Tracker().ReportOutcome(7, true)
	waitFor(t, func() bool { return !o.Queue().InFlight(7) }, "in-flight release")
}

func TestOrchestrator_DisabledTickIsNoOp(t *testing.T) {
	b := &fakeBoundary{}
	rec := &dispatchRecorder{}
	o := New(Config{Enabled: false, BatchSize: 5, ValidationTimeout: time.Second}, Hooks{
		Dispatch: rec.record,
		Boundary: b,
	})
	defer o.Shutdown()

	o.Queue().Enqueue(1, PriorityNormal, nil)
	o.Tick()
	if len(rec.ids) != 0 {
		t.Fatalf("disabled pipeline must not dispatch: %v", rec.ids)
	}
	if o.Scheduler().ShouldDefer(asteroid(2)) {
		t.Fatalf("disabled pipeline must not defer")
	}
}

func TestOrchestrator_StreamingSuspendsTick(t *testing.T) {
	b := &fakeBoundary{}
	rec := &dispatchRecorder{}
	o := newTestPipeline(t, b, rec)

	o.Queue().Enqueue(1, PriorityNormal, nil)
	o.SetStreamingInProgress(true)
	o.Tick()
	if len(rec.ids) != 0 {
		t.Fatalf("tick during streaming must be a no-op: %v", rec.ids)
	}

	o.SetStreamingInProgress(false)
	o.Tick()
	if len(rec.ids) != 1 {
		t.Fatalf("tick after streaming should admit, got %v", rec.ids)
	}
}
