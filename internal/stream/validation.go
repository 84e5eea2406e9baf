package stream

import (
	"sync"
	"time"
)

// sweepInterval is the period of the background timeout sweep.
const sweepInterval = time.Second

// ValidationStatus is the lifecycle of a single validation request.
type ValidationStatus uint8

const (
	StatusPending ValidationStatus = iota
	StatusValid
	StatusInvalid
	StatusTimeout
)

// ValidationRequest tracks one pending server confirmation. The record is
// removed from the pending map exactly once, at the moment its outcome fires.
type ValidationRequest struct {
	EntityID    EntityID
	Kind        EntityKind
	RequestedAt time.Time
	RespondedAt time.Time
	Status      ValidationStatus
}

// ValidationTracker holds pending validation requests and resolves each to
// Valid, Invalid or Timeout. Timeouts are detected by a background sweep and
// resolve fail-open. Producers may call RequestValidation and ReportOutcome
// from any goroutine.
type ValidationTracker struct {
	timeout    time.Duration
	onComplete CompletionFunc
	// request, when set, forwards a newly accepted validation request to the
	// external responder boundary. Never called for duplicates.
	request func(EntityID, EntityKind)
	now     func() time.Time

	mu      sync.Mutex
	pending map[EntityID]*ValidationRequest

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	timeoutTotal uint64
	validTotal   uint64
	invalidTotal uint64
}

// TrackerMetrics is a point-in-time snapshot for the metrics endpoint.
type TrackerMetrics struct {
	Pending      int    `json:"pending"`
	ValidTotal   uint64 `json:"valid_total"`
	InvalidTotal uint64 `json:"invalid_total"`
	TimeoutTotal uint64 `json:"timeout_total"`
}

// NewValidationTracker starts the background sweep immediately; callers must
// Shutdown when done. onComplete is required and has exactly one subscriber.
func NewValidationTracker(timeout time.Duration, onComplete CompletionFunc) *ValidationTracker {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	t := &ValidationTracker{
		timeout:    timeout,
		onComplete: onComplete,
		now:        time.Now,
		pending:    map[EntityID]*ValidationRequest{},
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go t.sweepLoop()
	return t
}

// SetRequestFunc wires the outbound responder boundary.
func (t *ValidationTracker) SetRequestFunc(fn func(EntityID, EntityKind)) { t.request = fn }

// Timeout returns the configured validation timeout.
func (t *ValidationTracker) Timeout() time.Duration { return t.timeout }

// RequestValidation inserts a pending record for the entity. A request that
// is already pending is left untouched (duplicate guard); returns whether a
// new record was created.
func (t *ValidationTracker) RequestValidation(id EntityID, kind EntityKind) bool {
	now := t.now()
	t.mu.Lock()
	if _, ok := t.pending[id]; ok {
		t.mu.Unlock()
		return false
	}
	t.pending[id] = &ValidationRequest{
		EntityID:    id,
		Kind:        kind,
		RequestedAt: now,
		Status:      StatusPending,
	}
	t.mu.Unlock()
	if t.request != nil {
		t.request(id, kind)
	}
	return true
}

// ReportOutcome resolves a pending record to Valid or Invalid and fires the
// completion callback. A report for an unknown entity (late or duplicate) is
// a no-op.
func (t *ValidationTracker) ReportOutcome(id EntityID, isValid bool) {
	now := t.now()
	t.mu.Lock()
	rec, ok := t.pending[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.pending, id)
	rec.RespondedAt = now
	out := OutcomeInvalid
	rec.Status = StatusInvalid
	if isValid {
		out = OutcomeValid
		rec.Status = StatusValid
		t.validTotal++
	} else {
		t.invalidTotal++
	}
	t.mu.Unlock()

	if t.onComplete != nil {
		t.onComplete(id, out)
	}
}

// IsPending reports whether the entity has an unresolved validation request.
func (t *ValidationTracker) IsPending(id EntityID) bool {
	t.mu.Lock()
	_, ok := t.pending[id]
	t.mu.Unlock()
	return ok
}

// Clear drops every pending record without firing completions.
func (t *ValidationTracker) Clear() {
	t.mu.Lock()
	t.pending = map[EntityID]*ValidationRequest{}
	t.mu.Unlock()
}

// Shutdown stops the background sweep and releases all records. Safe to call
// more than once.
func (t *ValidationTracker) Shutdown() {
	t.stopOnce.Do(func() { close(t.stop) })
	select {
	case <-t.done:
	case <-time.After(2 * sweepInterval):
		// Abandon a sweep stuck in a completion callback.
	}
	t.Clear()
}

// Metrics returns a snapshot of tracker counters.
func (t *ValidationTracker) Metrics() TrackerMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TrackerMetrics{
		Pending:      len(t.pending),
		ValidTotal:   t.validTotal,
		InvalidTotal: t.invalidTotal,
		TimeoutTotal: t.timeoutTotal,
	}
}

func (t *ValidationTracker) sweepLoop() {
	defer close(t.done)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweepOnce(t.clockNow())
		}
	}
}

// clockNow reads the time source under the lock; tests swap it while the
// sweep goroutine is live.
func (t *ValidationTracker) clockNow() time.Time {
	t.mu.Lock()
	now := t.now
	t.mu.Unlock()
	return now()
}

// sweepOnce resolves every pending record older than the timeout to Timeout.
// A second sweep sees nothing: records leave the map as they resolve.
func (t *ValidationTracker) sweepOnce(now time.Time) {
	var expired []EntityID
	t.mu.Lock()
	for id, rec := range t.pending {
		if now.Sub(rec.RequestedAt) > t.timeout {
			rec.Status = StatusTimeout
			rec.RespondedAt = now
			delete(t.pending, id)
			t.timeoutTotal++
			expired = append(expired, id)
		}
	}
	t.mu.Unlock()

	for _, id := range expired {
		if t.onComplete != nil {
			t.onComplete(id, OutcomeTimeout)
		}
	}
}
