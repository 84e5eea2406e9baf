package stream

import (
	"log"
	"sync/atomic"
	"time"
)

// Config holds every tunable the pipeline reads. Read-only after New.
type Config struct {
	Enabled           bool
	BatchSize         int
	ValidationTimeout time.Duration
	CreateDelay       time.Duration
	DistancePriority  bool
	DistanceThreshold float64
}

// Hooks are the external collaborators the pipeline calls out to.
type Hooks struct {
	// Dispatch requests creation of an admitted entity at the boundary.
	Dispatch DispatchFunc
	// Exists reports whether the entity already exists at the boundary.
	Exists func(EntityID) bool
	// Viewpoint returns the local reference position for distance ordering.
	Viewpoint func() (Vec3, bool)
	// Validate forwards a validation request to the external responder.
	Validate func(EntityID, EntityKind)
	// Boundary materializes or discards deferred objects.
	Boundary PhysicsBoundary
	// Audit receives structured decision records (may be nil).
	Audit AuditLogger
	// Logger receives operational messages (may be nil).
	Logger *log.Logger
}

// Orchestrator owns the three subsystems and is the only place they interact:
// validation completions drive the scheduler and release the in-flight entry;
// the per-frame Tick runs admission and then the timeout sweep.
type Orchestrator struct {
	queue   *AdmissionQueue
	tracker *ValidationTracker
	sched   *Scheduler
	audit   AuditLogger
	logger  *log.Logger

	enabled   atomic.Bool
	streaming atomic.Bool
}

// PipelineMetrics aggregates all subsystem snapshots.
type PipelineMetrics struct {
	Queue     QueueMetrics     `json:"queue"`
	Tracker   TrackerMetrics   `json:"tracker"`
	Scheduler SchedulerMetrics `json:"scheduler"`
}

// New wires the pipeline. The orchestrator is the single completion
// subscriber; subsystems never call each other directly.
func New(cfg Config, h Hooks) *Orchestrator {
	o := &Orchestrator{audit: h.Audit, logger: h.Logger}
	o.enabled.Store(cfg.Enabled)

	o.tracker = NewValidationTracker(cfg.ValidationTimeout, o.handleOutcome)
	if h.Validate != nil {
		o.tracker.SetRequestFunc(h.Validate)
	}

	o.queue = NewAdmissionQueue(AdmissionConfig{
		BatchSize:         cfg.BatchSize,
		ValidationTimeout: cfg.ValidationTimeout,
		DistancePriority:  cfg.DistancePriority,
		DistanceThreshold: cfg.DistanceThreshold,
	}, AdmissionHooks{
		Dispatch:            h.Dispatch,
		Exists:              h.Exists,
		Viewpoint:           h.Viewpoint,
		StreamingInProgress: o.streaming.Load,
	})
	o.queue.SetAuditLogger(h.Audit)

	o.sched = NewScheduler(SchedulerConfig{
		Enabled:           cfg.Enabled,
		ValidationTimeout: cfg.ValidationTimeout,
		CreateDelay:       cfg.CreateDelay,
	}, h.Boundary, o.tracker, h.Logger)
	o.sched.SetAuditLogger(h.Audit)
	o.sched.SetExistsFunc(h.Exists)

	return o
}

func (o *Orchestrator) Queue() *AdmissionQueue { return o.queue }

func (o *Orchestrator) Tracker() *ValidationTracker { return o.tracker }

func (o *Orchestrator) Scheduler() *Scheduler { return o.sched }

// Enabled reports the master switch.
func (o *Orchestrator) Enabled() bool { return o.enabled.Load() }

// SetStreamingInProgress toggles the bulk-load backpressure signal.
func (o *Orchestrator) SetStreamingInProgress(active bool) { o.streaming.Store(active) }

// StreamingInProgress reports the bulk-load backpressure signal.
func (o *Orchestrator) StreamingInProgress() bool { return o.streaming.Load() }

// Tick is the per-frame driver: one admission pass, then the deferred-physics
// timeout sweep. No-ops while disabled or during an external bulk load.
func (o *Orchestrator) Tick() {
	if !o.enabled.Load() || o.streaming.Load() {
		return
	}
	o.queue.Tick()
	o.sched.ProcessTimeouts()
}

// Shutdown tears the pipeline down: sweep stopped, pacing worker cancelled,
// all collections emptied.
func (o *Orchestrator) Shutdown() {
	o.tracker.Shutdown()
	o.sched.Clear()
	o.queue.Clear()
}

// Metrics returns a snapshot across all subsystems.
func (o *Orchestrator) Metrics() PipelineMetrics {
	return PipelineMetrics{
		Queue:     o.queue.Metrics(),
		Tracker:   o.tracker.Metrics(),
		Scheduler: o.sched.Metrics(),
	}
}

// handleOutcome reacts to a completed validation: Valid and Timeout both
// create physics (fail-open), Invalid discards, and in every case the entity
// is no longer in flight.
func (o *Orchestrator) handleOutcome(id EntityID, out Outcome) {
	switch out {
	case OutcomeValid, OutcomeTimeout:
		o.sched.EnqueueCreate(id)
	case OutcomeInvalid:
		o.sched.RemoveInvalid(id)
	}
	o.queue.OnCreated(id)
	if o.audit != nil {
		_ = o.audit.WriteAudit(AuditEntry{TS: time.Now().UnixMilli(), Event: AuditOutcome, EntityID: uint64(id), Outcome: out.String()})
	}
}
