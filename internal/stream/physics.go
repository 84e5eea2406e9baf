package stream

import (
	"log"
	"regexp"
	"sync"
	"time"
)

// smallBodyMax is the per-dimension bounding size below which an object is
// considered spam-prone and worth deferring.
const smallBodyMax = 256.0

// forceCreateAfterFactor scales the validation timeout into the fail-open
// force-create deadline for deferred records.
const forceCreateAfterFactor = 3

// clearWait bounds how long Clear waits for the pacing worker to observe the
// stop flag before abandoning it.
const clearWait = 2 * time.Second

var asteroidNameRx = regexp.MustCompile(`(?i)^asteroid([_\- ]|\d|$)`)

// PhysicsTarget is a non-owning handle to the live object whose body creation
// may be deferred. The boundary owns entity lifetime; the scheduler re-checks
// Closed before acting.
type PhysicsTarget interface {
	EntityID() EntityID
	DisplayName() string
	BoundingSize() Vec3
	Position() Vec3
	Orientation() [4]float64
	PlanetClass() bool
	Closed() bool
	// SetAutoBodyDisabled suppresses or re-enables the object's own automatic
	// physics construction.
	SetAutoBodyDisabled(disabled bool)
}

// PhysicsBoundary materializes or discards live objects. Implemented by the
// external creation boundary; errors are logged and swallowed, never retried.
type PhysicsBoundary interface {
	CreatePhysics(t PhysicsTarget) error
	Discard(t PhysicsTarget) error
}

// ValidationRequester is the slice of ValidationTracker the scheduler needs.
type ValidationRequester interface {
	RequestValidation(id EntityID, kind EntityKind) bool
}

// DeferredPhysicsRecord tracks one object whose body creation is postponed.
// A record is removed exactly once: created, invalidated, or force-created.
type DeferredPhysicsRecord struct {
	EntityID    EntityID
	Target      PhysicsTarget
	Position    Vec3
	Orientation [4]float64
	Size        Vec3
	BoundsMin   Vec3
	BoundsMax   Vec3
	DeferredAt  time.Time
}

// SchedulerConfig holds the read-only tunables for physics deferral.
type SchedulerConfig struct {
	Enabled bool
	// ValidationTimeout scales the force-create deadline (3x).
	ValidationTimeout time.Duration
	// CreateDelay is the minimum spacing between paced body creations.
	CreateDelay time.Duration
}

// Scheduler postpones expensive physics-body construction until validation
// completes or times out. A single background worker paces queued creations;
// it coordinates with the frame-driven consumer only through the deferred map.
type Scheduler struct {
	cfg       SchedulerConfig
	boundary  PhysicsBoundary
	validator ValidationRequester
	exists    func(EntityID) bool
	audit     AuditLogger
	logger    *log.Logger
	now       func() time.Time

	mu       sync.Mutex
	deferred map[EntityID]*DeferredPhysicsRecord

	createQ  chan EntityID
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	createdTotal uint64
	forcedTotal  uint64
	removedTotal uint64
}

// SchedulerMetrics is a point-in-time snapshot for the metrics endpoint.
type SchedulerMetrics struct {
	Deferred     int    `json:"deferred"`
	CreatedTotal uint64 `json:"created_total"`
	ForcedTotal  uint64 `json:"forced_total"`
	RemovedTotal uint64 `json:"removed_total"`
}

// NewScheduler starts the pacing worker immediately; callers must Clear on
// shutdown. boundary is required; validator and exists may be nil.
func NewScheduler(cfg SchedulerConfig, boundary PhysicsBoundary, validator ValidationRequester, logger *log.Logger) *Scheduler {
	s := &Scheduler{
		cfg:       cfg,
		boundary:  boundary,
		validator: validator,
		logger:    logger,
		now:       time.Now,
		deferred:  map[EntityID]*DeferredPhysicsRecord{},
		createQ:   make(chan EntityID, 1024),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go s.paceLoop()
	return s
}

func (s *Scheduler) SetAuditLogger(l AuditLogger) { s.audit = l }

func (s *Scheduler) SetExistsFunc(fn func(EntityID) bool) { s.exists = fn }

// ShouldDefer decides whether an object's body creation is postponed. Planets
// never defer; asteroid-named objects always do; otherwise only objects small
// in every dimension. False positives are cheap, missing the spam case is not.
func (s *Scheduler) ShouldDefer(t PhysicsTarget) bool {
	if !s.cfg.Enabled || t == nil {
		return false
	}
	if t.PlanetClass() {
		return false
	}
	if asteroidNameRx.MatchString(t.DisplayName()) {
		return true
	}
	sz := t.BoundingSize()
	return sz.X < smallBodyMax && sz.Y < smallBodyMax && sz.Z < smallBodyMax
}

// Defer postpones body creation for the object, suppresses its automatic
// physics construction and requests validation. Returns false when the object
// does not qualify or is already deferred.
func (s *Scheduler) Defer(t PhysicsTarget) bool {
	if !s.ShouldDefer(t) {
		return false
	}
	id := t.EntityID()
	now := s.now()
	pos := t.Position()
	sz := t.BoundingSize()
	rec := &DeferredPhysicsRecord{
		EntityID:    id,
		Target:      t,
		Position:    pos,
		Orientation: t.Orientation(),
		Size:        sz,
		BoundsMin:   Vec3{X: pos.X - sz.X/2, Y: pos.Y - sz.Y/2, Z: pos.Z - sz.Z/2},
		BoundsMax:   Vec3{X: pos.X + sz.X/2, Y: pos.Y + sz.Y/2, Z: pos.Z + sz.Z/2},
		DeferredAt:  now,
	}
	s.mu.Lock()
	if _, ok := s.deferred[id]; ok {
		s.mu.Unlock()
		return false
	}
	s.deferred[id] = rec
	s.mu.Unlock()

	t.SetAutoBodyDisabled(true)
	if s.validator != nil {
		s.validator.RequestValidation(id, KindAsteroid)
	}
	s.writeAudit(AuditEntry{TS: now.UnixMilli(), Event: AuditDefer, EntityID: uint64(id)})
	return true
}

// IsDeferred reports whether the entity currently has a deferred record.
func (s *Scheduler) IsDeferred(id EntityID) bool {
	s.mu.Lock()
	_, ok := s.deferred[id]
	s.mu.Unlock()
	return ok
}

// CreatePhysicsFor removes the record and materializes the body. At most once
// per entity: a second call is a no-op. An already-gone target aborts
// silently; a boundary failure is logged and swallowed, never retried.
func (s *Scheduler) CreatePhysicsFor(id EntityID) bool {
	rec := s.take(id)
	if rec == nil {
		return false
	}
	t := rec.Target
	if t == nil || t.Closed() {
		return false
	}
	if s.exists != nil && !s.exists(id) {
		return false
	}
	t.SetAutoBodyDisabled(false)
	if err := s.boundary.CreatePhysics(t); err != nil {
		s.logf("create physics %d: %v", id, err)
	}
	s.mu.Lock()
	s.createdTotal++
	s.mu.Unlock()
	s.writeAudit(AuditEntry{TS: s.now().UnixMilli(), Event: AuditCreateBody, EntityID: uint64(id)})
	return true
}

// RemoveInvalid removes the record and discards the live object without ever
// creating physics for it. At most once per entity.
func (s *Scheduler) RemoveInvalid(id EntityID) bool {
	rec := s.take(id)
	if rec == nil {
		return false
	}
	if t := rec.Target; t != nil && !t.Closed() {
		if err := s.boundary.Discard(t); err != nil {
			s.logf("discard %d: %v", id, err)
		}
	}
	s.mu.Lock()
	s.removedTotal++
	s.mu.Unlock()
	s.writeAudit(AuditEntry{TS: s.now().UnixMilli(), Event: AuditDiscard, EntityID: uint64(id)})
	return true
}

// EnqueueCreate hands the entity to the pacing worker. Falls back to an
// immediate create when the queue is saturated.
func (s *Scheduler) EnqueueCreate(id EntityID) {
	select {
	case s.createQ <- id:
	default:
		s.CreatePhysicsFor(id)
	}
}

// ProcessTimeouts force-creates physics for every record older than three
// validation timeouts. Called once per frame; fail-open by policy.
func (s *Scheduler) ProcessTimeouts() {
	deadline := forceCreateAfterFactor * s.cfg.ValidationTimeout
	if deadline <= 0 {
		return
	}
	now := s.now()
	var expired []EntityID
	s.mu.Lock()
	for id, rec := range s.deferred {
		if now.Sub(rec.DeferredAt) > deadline {
			expired = append(expired, id)
		}
	}
	s.mu.Unlock()

	for _, id := range expired {
		if s.CreatePhysicsFor(id) {
			s.mu.Lock()
			s.forcedTotal++
			s.mu.Unlock()
			s.writeAudit(AuditEntry{TS: now.UnixMilli(), Event: AuditForceBody, EntityID: uint64(id)})
		}
	}
}

// Clear cancels the pacing worker (bounded wait, then abandoned) and removes
// every remaining record as invalid.
func (s *Scheduler) Clear() {
	s.stopOnce.Do(func() { close(s.stop) })
	select {
	case <-s.done:
	case <-time.After(clearWait):
		s.logf("pacing worker did not stop within %v; abandoning", clearWait)
	}

	s.mu.Lock()
	ids := make([]EntityID, 0, len(s.deferred))
	for id := range s.deferred {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.RemoveInvalid(id)
	}
}

// Metrics returns a snapshot of scheduler counters.
func (s *Scheduler) Metrics() SchedulerMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SchedulerMetrics{
		Deferred:     len(s.deferred),
		CreatedTotal: s.createdTotal,
		ForcedTotal:  s.forcedTotal,
		RemovedTotal: s.removedTotal,
	}
}

// take removes and returns the record for id, or nil.
func (s *Scheduler) take(id EntityID) *DeferredPhysicsRecord {
	s.mu.Lock()
	rec := s.deferred[id]
	delete(s.deferred, id)
	s.mu.Unlock()
	return rec
}

// paceLoop drains queued creations with a minimum inter-creation delay. The
// record is re-checked before and after the delay: a concurrent invalidation
// may have removed it.
func (s *Scheduler) paceLoop() {
	defer close(s.done)
	for {
		var id EntityID
		select {
		case <-s.stop:
			return
		case id = <-s.createQ:
		}
		if !s.IsDeferred(id) {
			continue
		}
		if s.cfg.CreateDelay > 0 {
			timer := time.NewTimer(s.cfg.CreateDelay)
			select {
			case <-s.stop:
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		if !s.IsDeferred(id) {
			continue
		}
		s.CreatePhysicsFor(id)
	}
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

func (s *Scheduler) writeAudit(e AuditEntry) {
	if s.audit != nil {
		_ = s.audit.WriteAudit(e)
	}
}
