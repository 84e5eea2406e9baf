package stream

import (
	"testing"
	"time"
)

// fakeClock drives the queue's time source without sleeping.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type dispatchRecorder struct {
	ids   []EntityID
	prios []Priority
}

func (r *dispatchRecorder) record(id EntityID, prio Priority) {
	r.ids = append(r.ids, id)
	r.prios = append(r.prios, prio)
}

func newTestQueue(cfg AdmissionConfig, rec *dispatchRecorder, clock *fakeClock) *AdmissionQueue {
	q := NewAdmissionQueue(cfg, AdmissionHooks{Dispatch: rec.record})
	if clock != nil {
		q.now = clock.Now
	}
	return q
}

func TestAdmissionQueue_BatchCapAcrossTicks(t *testing.T) {
	rec := &dispatchRecorder{}
	q := newTestQueue(AdmissionConfig{BatchSize: 5, ValidationTimeout: 3 * time.Second}, rec, nil)

	for i := 1; i <= 12; i++ {
		if !q.Enqueue(EntityID(i), PriorityNormal, nil) {
			t.Fatalf("enqueue %d rejected", i)
		}
	}

	q.Tick()
	if len(rec.ids) != 5 {
		t.Fatalf("tick 1 admitted %d, want 5", len(rec.ids))
	}
	q.Tick()
	if len(rec.ids) != 10 {
		t.Fatalf("tick 2 total %d, want 10", len(rec.ids))
	}
	q.Tick()
	if len(rec.ids) != 12 {
		t.Fatalf("tick 3 total %d, want 12", len(rec.ids))
	}

	seen := map[EntityID]bool{}
	for _, id := range rec.ids {
		if seen[id] {
			t.Fatalf("duplicate dispatch for %d", id)
		}
		seen[id] = true
	}
}

func TestAdmissionQueue_PriorityOrder(t *testing.T) {
	rec := &dispatchRecorder{}
	q := newTestQueue(AdmissionConfig{BatchSize: 5, ValidationTimeout: 3 * time.Second}, rec, nil)

	q.Enqueue(1, PriorityLow, nil)
	q.Enqueue(2, PriorityCritical, nil)
	q.Enqueue(3, PriorityNormal, nil)
	q.Tick()

	want := []EntityID{2, 3, 1}
	if len(rec.ids) != len(want) {
		t.Fatalf("admitted %d, want %d", len(rec.ids), len(want))
	}
	for i, id := range want {
		if rec.ids[i] != id {
			t.Fatalf("position %d: got %d, want %d (order %v)", i, rec.ids[i], id, rec.ids)
		}
	}
}

func TestAdmissionQueue_DistanceTieBreak(t *testing.T) {
	rec := &dispatchRecorder{}
	q := NewAdmissionQueue(AdmissionConfig{
		BatchSize:         5,
		ValidationTimeout: 3 * time.Second,
		DistancePriority:  true,
	}, AdmissionHooks{
		Dispatch:  rec.record,
		Viewpoint: func() (Vec3, bool) { return Vec3{}, true },
	})

	far := Vec3{X: 100}
	near := Vec3{X: 10}
	q.Enqueue(1, PriorityCritical, &far)
	q.Enqueue(2, PriorityCritical, &near)
	q.Tick()

	if len(rec.ids) != 2 || rec.ids[0] != 2 || rec.ids[1] != 1 {
		t.Fatalf("expected nearer entity first, got %v", rec.ids)
	}
}

func TestAdmissionQueue_DistanceDisabledKeepsArrivalOrder(t *testing.T) {
	rec := &dispatchRecorder{}
	q := NewAdmissionQueue(AdmissionConfig{
		BatchSize:         5,
		ValidationTimeout: 3 * time.Second,
	}, AdmissionHooks{
		Dispatch:  rec.record,
		Viewpoint: func() (Vec3, bool) { return Vec3{}, true },
	})

	far := Vec3{X: 100}
	near := Vec3{X: 10}
	q.Enqueue(1, PriorityCritical, &far)
	q.Enqueue(2, PriorityCritical, &near)
	q.Tick()

	if len(rec.ids) != 2 || rec.ids[0] != 1 || rec.ids[1] != 2 {
		t.Fatalf("expected arrival order, got %v", rec.ids)
	}
}

func TestAdmissionQueue_CooldownBlocksDuplicateDispatch(t *testing.T) {
	rec := &dispatchRecorder{}
	clock := newFakeClock()
	q := newTestQueue(AdmissionConfig{BatchSize: 5, ValidationTimeout: 3 * time.Second}, rec, clock)

	// Two enqueues for the same entity before admission yield one dispatch:
	// the second hits the 1s cooldown window set by the first.
	q.Enqueue(7, PriorityNormal, nil)
	q.Enqueue(7, PriorityNormal, nil)
	q.Tick()
	if len(rec.ids) != 1 {
		t.Fatalf("expected a single dispatch, got %v", rec.ids)
	}
	if got := q.Metrics().CooldownTotal; got != 1 {
		t.Fatalf("CooldownTotal=%d want=1", got)
	}

	// The entity is now in flight; a fresh duplicate never enters the queue.
	if q.Enqueue(7, PriorityNormal, nil) {
		t.Fatalf("duplicate enqueue of a fresh in-flight entity should be rejected")
	}
	clock.Advance(500 * time.Millisecond)
	q.Tick()
	if len(rec.ids) != 1 {
		t.Fatalf("no further dispatch expected, got %v", rec.ids)
	}
}

func TestAdmissionQueue_StuckEvictionAfterThreshold(t *testing.T) {
	rec := &dispatchRecorder{}
	clock := newFakeClock()
	q := newTestQueue(AdmissionConfig{BatchSize: 5, ValidationTimeout: 3 * time.Second}, rec, clock)

	q.Enqueue(9, PriorityNormal, nil)
	q.Tick()
	if !q.InFlight(9) {
		t.Fatalf("entity should be in flight after dispatch")
	}

	clock.Advance(29 * time.Second)
	if q.Enqueue(9, PriorityNormal, nil) {
		t.Fatalf("re-enqueue before the stuck threshold should be rejected")
	}

	clock.Advance(time.Second)
	if !q.Enqueue(9, PriorityNormal, nil) {
		t.Fatalf("re-enqueue at the stuck threshold should evict and accept")
	}
	if q.InFlight(9) {
		t.Fatalf("stale in-flight entry should have been evicted")
	}

	q.Tick()
	if len(rec.ids) != 2 {
		t.Fatalf("evicted entity should dispatch again, got %v", rec.ids)
	}
}

func TestAdmissionQueue_DropsExpiredRequests(t *testing.T) {
	rec := &dispatchRecorder{}
	clock := newFakeClock()
	q := newTestQueue(AdmissionConfig{BatchSize: 5, ValidationTimeout: time.Second}, rec, clock)

	q.Enqueue(4, PriorityNormal, nil)
	clock.Advance(2*time.Second + time.Millisecond)
	q.Tick()

	if len(rec.ids) != 0 {
		t.Fatalf("expired request should not dispatch, got %v", rec.ids)
	}
	if got := q.Metrics().DropExpiredTotal; got != 1 {
		t.Fatalf("DropExpiredTotal=%d want=1", got)
	}
}

func TestAdmissionQueue_ExistsFilter(t *testing.T) {
	rec := &dispatchRecorder{}
	q := NewAdmissionQueue(AdmissionConfig{BatchSize: 5, ValidationTimeout: 3 * time.Second}, AdmissionHooks{
		Dispatch: rec.record,
		Exists:   func(id EntityID) bool { return id == 2 },
	})

	q.Enqueue(1, PriorityNormal, nil)
	q.Enqueue(2, PriorityNormal, nil)
	q.Tick()

	if len(rec.ids) != 1 || rec.ids[0] != 1 {
		t.Fatalf("existing entity should be filtered, got %v", rec.ids)
	}
	if q.InFlight(2) {
		t.Fatalf("filtered entity must not enter the in-flight set")
	}
}

func TestAdmissionQueue_StreamingBackpressure(t *testing.T) {
	rec := &dispatchRecorder{}
	streaming := true
	q := NewAdmissionQueue(AdmissionConfig{BatchSize: 5, ValidationTimeout: 3 * time.Second}, AdmissionHooks{
		Dispatch:            rec.record,
		StreamingInProgress: func() bool { return streaming },
	})

	q.Enqueue(1, PriorityNormal, nil)
	q.Tick()
	if len(rec.ids) != 0 {
		t.Fatalf("tick during bulk streaming must be a no-op, got %v", rec.ids)
	}

	streaming = false
	q.Tick()
	if len(rec.ids) != 1 {
		t.Fatalf("tick after streaming ends should admit, got %v", rec.ids)
	}
}

func TestAdmissionQueue_SnapshotIsolation(t *testing.T) {
	var q *AdmissionQueue
	rec := &dispatchRecorder{}
	q = NewAdmissionQueue(AdmissionConfig{BatchSize: 5, ValidationTimeout: 3 * time.Second}, AdmissionHooks{
		Dispatch: func(id EntityID, prio Priority) {
			rec.record(id, prio)
			if id == 1 {
				q.Enqueue(2, PriorityCritical, nil)
			}
		},
	})

	q.Enqueue(1, PriorityNormal, nil)
	q.Tick()
	if len(rec.ids) != 1 {
		t.Fatalf("entity enqueued during a tick must not be admitted in it, got %v", rec.ids)
	}
	q.Tick()
	if len(rec.ids) != 2 || rec.ids[1] != 2 {
		t.Fatalf("entity enqueued during tick 1 should admit on tick 2, got %v", rec.ids)
	}
}

func TestAdmissionQueue_OnCreatedIdempotent(t *testing.T) {
	rec := &dispatchRecorder{}
	q := newTestQueue(AdmissionConfig{BatchSize: 5, ValidationTimeout: 3 * time.Second}, rec, nil)

	q.OnCreated(42) // unknown id: no-op

	q.Enqueue(42, PriorityNormal, nil)
	q.Tick()
	q.OnCreated(42)
	q.OnCreated(42)
	if q.InFlight(42) {
		t.Fatalf("OnCreated should clear the in-flight entry")
	}
}

func TestAdmissionQueue_Clear(t *testing.T) {
	rec := &dispatchRecorder{}
	q := newTestQueue(AdmissionConfig{BatchSize: 1, ValidationTimeout: 3 * time.Second}, rec, nil)

	q.Enqueue(1, PriorityNormal, nil)
	q.Enqueue(2, PriorityNormal, nil)
	q.Tick()
	q.Clear()

	m := q.Metrics()
	if m.Pending != 0 || m.InFlight != 0 {
		t.Fatalf("clear left pending=%d in_flight=%d", m.Pending, m.InFlight)
	}
}
