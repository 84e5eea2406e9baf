package stream

import (
	"sort"
	"sync"
	"time"
)

// Fixed recovery constants. Deliberately not tunables: the cooldown guards
// against duplicate interception callbacks and the stuck threshold against a
// lost "created" notification, neither of which scales with world size.
const (
	dispatchCooldown = time.Second
	stuckThreshold   = 30 * time.Second
)

// AdmissionConfig holds the read-only tunables for the queue.
type AdmissionConfig struct {
	// BatchSize is the hard cap on admissions per tick.
	BatchSize int
	// ValidationTimeout bounds queue residency: a request older than twice
	// this value is dropped instead of dispatched.
	ValidationTimeout time.Duration
	// DistancePriority enables nearest-first tie-breaking within a priority.
	DistancePriority bool
	// DistanceThreshold, when > 0, caps how far from the viewpoint distance
	// ordering applies; farther requests fall back to arrival order.
	DistanceThreshold float64
}

// AdmissionHooks are the external collaborators of the queue. Dispatch is
// required; the rest may be nil.
type AdmissionHooks struct {
	// Dispatch requests creation at the external boundary. Called at most
	// once per admission, never while the queue lock is held.
	Dispatch DispatchFunc
	// Exists reports whether the entity already exists at the boundary.
	Exists func(EntityID) bool
	// Viewpoint returns the local reference position for distance ordering.
	Viewpoint func() (Vec3, bool)
	// StreamingInProgress signals an external bulk-load phase; Tick no-ops
	// while it returns true.
	StreamingInProgress func() bool
}

// AdmissionQueue rate-limits entity creation requests. Producers call
// Enqueue from any goroutine; the host calls Tick once per frame.
type AdmissionQueue struct {
	cfg   AdmissionConfig
	hooks AdmissionHooks
	audit AuditLogger
	now   func() time.Time

	mu           sync.Mutex
	pending      []PendingRequest
	inFlight     map[EntityID]time.Time
	lastDispatch map[EntityID]time.Time

	admittedTotal    uint64
	dropExpiredTotal uint64
	cooldownTotal    uint64
	evictedTotal     uint64
}

// QueueMetrics is a point-in-time snapshot for the metrics endpoint.
type QueueMetrics struct {
	Pending          int    `json:"pending"`
	InFlight         int    `json:"in_flight"`
	AdmittedTotal    uint64 `json:"admitted_total"`
	DropExpiredTotal uint64 `json:"drop_expired_total"`
	CooldownTotal    uint64 `json:"cooldown_total"`
	EvictedTotal     uint64 `json:"evicted_total"`
}

func NewAdmissionQueue(cfg AdmissionConfig, hooks AdmissionHooks) *AdmissionQueue {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	return &AdmissionQueue{
		cfg:          cfg,
		hooks:        hooks,
		now:          time.Now,
		inFlight:     map[EntityID]time.Time{},
		lastDispatch: map[EntityID]time.Time{},
	}
}

func (q *AdmissionQueue) SetAuditLogger(l AuditLogger) { q.audit = l }

// Enqueue adds a creation request. It returns false when the entity is
// already in flight and fresh; a stale in-flight entry (older than the stuck
// threshold) is evicted first and the request accepted.
func (q *AdmissionQueue) Enqueue(id EntityID, prio Priority, pos *Vec3) bool {
	now := q.now()
	q.mu.Lock()
	if ts, ok := q.inFlight[id]; ok {
		if now.Sub(ts) < stuckThreshold {
			q.mu.Unlock()
			return false
		}
		delete(q.inFlight, id)
		delete(q.lastDispatch, id)
		q.evictedTotal++
	}
	q.pending = append(q.pending, PendingRequest{
		EntityID: id,
		Priority: prio,
		Pos:      pos,
		QueuedAt: now,
	})
	q.mu.Unlock()
	return true
}

// OnCreated marks an entity no longer in flight. Idempotent.
func (q *AdmissionQueue) OnCreated(id EntityID) {
	q.mu.Lock()
	delete(q.inFlight, id)
	delete(q.lastDispatch, id)
	q.mu.Unlock()
}

// Clear empties the pending collection and the in-flight set.
func (q *AdmissionQueue) Clear() {
	q.mu.Lock()
	q.pending = nil
	q.inFlight = map[EntityID]time.Time{}
	q.lastDispatch = map[EntityID]time.Time{}
	q.mu.Unlock()
}

// Tick runs one admission pass: evict stuck in-flight entries, snapshot the
// pending collection, order it, admit up to BatchSize entries through the
// filter and dispatch them. Requests enqueued during the pass are only
// visible on the next tick.
func (q *AdmissionQueue) Tick() {
	if q.hooks.StreamingInProgress != nil && q.hooks.StreamingInProgress() {
		return
	}
	now := q.now()

	q.mu.Lock()
	for id, ts := range q.inFlight {
		if now.Sub(ts) >= stuckThreshold {
			delete(q.inFlight, id)
			delete(q.lastDispatch, id)
			q.evictedTotal++
		}
	}
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	q.order(batch)

	n := q.cfg.BatchSize
	if n > len(batch) {
		n = len(batch)
	}
	admitted := batch[:n]
	rest := batch[n:]

	if len(rest) > 0 {
		q.mu.Lock()
		// Keep the overflow ahead of anything enqueued during this pass.
		q.pending = append(append(make([]PendingRequest, 0, len(rest)+len(q.pending)), rest...), q.pending...)
		q.mu.Unlock()
	}

	// Existence checks call back into the boundary, so run them unlocked.
	exists := make([]bool, len(admitted))
	if q.hooks.Exists != nil {
		for i, r := range admitted {
			exists[i] = q.hooks.Exists(r.EntityID)
		}
	}

	maxWait := 2 * q.cfg.ValidationTimeout
	dispatch := admitted[:0]
	var rejected []AuditEntry
	q.mu.Lock()
	for i, r := range admitted {
		if exists[i] {
			continue
		}
		if last, ok := q.lastDispatch[r.EntityID]; ok && now.Sub(last) < dispatchCooldown {
			q.cooldownTotal++
			rejected = append(rejected, AuditEntry{TS: now.UnixMilli(), Event: AuditDropCooldown, EntityID: uint64(r.EntityID), Priority: r.Priority.String()})
			continue
		}
		if maxWait > 0 && now.Sub(r.QueuedAt) > maxWait {
			q.dropExpiredTotal++
			rejected = append(rejected, AuditEntry{TS: now.UnixMilli(), Event: AuditDropExpired, EntityID: uint64(r.EntityID), Priority: r.Priority.String(), WaitMS: now.Sub(r.QueuedAt).Milliseconds()})
			continue
		}
		q.inFlight[r.EntityID] = now
		q.lastDispatch[r.EntityID] = now
		q.admittedTotal++
		dispatch = append(dispatch, r)
	}
	q.mu.Unlock()

	for _, e := range rejected {
		q.writeAudit(e)
	}

	for _, r := range dispatch {
		q.writeAudit(AuditEntry{TS: now.UnixMilli(), Event: AuditDispatch, EntityID: uint64(r.EntityID), Priority: r.Priority.String(), WaitMS: now.Sub(r.QueuedAt).Milliseconds()})
		if q.hooks.Dispatch != nil {
			q.hooks.Dispatch(r.EntityID, r.Priority)
		}
	}
}

// order sorts by priority descending; within a priority, nearest-first when
// distance ordering applies, else arrival order (the sort is stable).
func (q *AdmissionQueue) order(batch []PendingRequest) {
	var ref Vec3
	useDist := false
	if q.cfg.DistancePriority && q.hooks.Viewpoint != nil {
		ref, useDist = q.hooks.Viewpoint()
	}
	maxSq := 0.0
	if q.cfg.DistanceThreshold > 0 {
		maxSq = q.cfg.DistanceThreshold * q.cfg.DistanceThreshold
	}
	sort.SliceStable(batch, func(i, j int) bool {
		a, b := batch[i], batch[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !useDist || a.Pos == nil || b.Pos == nil {
			return false
		}
		da := a.Pos.DistSq(ref)
		db := b.Pos.DistSq(ref)
		if maxSq > 0 && da > maxSq && db > maxSq {
			return false
		}
		return da < db
	})
}

// Metrics returns a snapshot of queue counters.
func (q *AdmissionQueue) Metrics() QueueMetrics {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueMetrics{
		Pending:          len(q.pending),
		InFlight:         len(q.inFlight),
		AdmittedTotal:    q.admittedTotal,
		DropExpiredTotal: q.dropExpiredTotal,
		CooldownTotal:    q.cooldownTotal,
		EvictedTotal:     q.evictedTotal,
	}
}

// BatchSize returns the per-tick admission cap.
func (q *AdmissionQueue) BatchSize() int { return q.cfg.BatchSize }

// InFlight reports whether an entity is currently dispatched-but-unconfirmed.
func (q *AdmissionQueue) InFlight(id EntityID) bool {
	q.mu.Lock()
	_, ok := q.inFlight[id]
	q.mu.Unlock()
	return ok
}

func (q *AdmissionQueue) writeAudit(e AuditEntry) {
	if q.audit != nil {
		_ = q.audit.WriteAudit(e)
	}
}
