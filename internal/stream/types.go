package stream

import (
	"time"
)

// EntityID is the opaque identity assigned by the game to every entity.
type EntityID uint64

// Priority orders pending creation requests. Higher values admit first.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return "NORMAL"
	}
}

// ParsePriority maps a wire string to a Priority. Unknown strings map to NORMAL.
func ParsePriority(s string) Priority {
	switch s {
	case "LOW":
		return PriorityLow
	case "HIGH":
		return PriorityHigh
	case "CRITICAL":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

// EntityKind classifies a validation request.
type EntityKind uint8

const (
	KindUnknown EntityKind = iota
	KindAsteroid
	KindGrid
	KindCharacter
	KindFloatingObject
)

func (k EntityKind) String() string {
	switch k {
	case KindAsteroid:
		return "ASTEROID"
	case KindGrid:
		return "GRID"
	case KindCharacter:
		return "CHARACTER"
	case KindFloatingObject:
		return "FLOATING_OBJECT"
	default:
		return "UNKNOWN"
	}
}

// ParseKind maps a wire string to an EntityKind.
func ParseKind(s string) EntityKind {
	switch s {
	case "ASTEROID":
		return KindAsteroid
	case "GRID":
		return KindGrid
	case "CHARACTER":
		return KindCharacter
	case "FLOATING_OBJECT":
		return KindFloatingObject
	default:
		return KindUnknown
	}
}

type Vec3 struct {
	X, Y, Z float64
}

// DistSq returns the squared distance to b. Ordering by squared distance
// avoids the sqrt in the admission hot path.
func (v Vec3) DistSq(b Vec3) float64 {
	dx := v.X - b.X
	dy := v.Y - b.Y
	dz := v.Z - b.Z
	return dx*dx + dy*dy + dz*dz
}

// PendingRequest is one queued creation request awaiting admission.
type PendingRequest struct {
	EntityID EntityID
	Priority Priority
	Pos      *Vec3 // nil when the requester had no position
	QueuedAt time.Time
}

// Outcome is the terminal state of a validation request.
type Outcome uint8

const (
	OutcomeValid Outcome = iota + 1
	OutcomeInvalid
	OutcomeTimeout
)

func (o Outcome) String() string {
	switch o {
	case OutcomeValid:
		return "VALID"
	case OutcomeInvalid:
		return "INVALID"
	case OutcomeTimeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// DispatchFunc requests creation of an entity at the external boundary.
type DispatchFunc func(id EntityID, prio Priority)

// CompletionFunc receives the terminal outcome of a validation request.
// The orchestrator owns the only subscriber.
type CompletionFunc func(id EntityID, out Outcome)

// AuditEntry is one structured record of a pipeline decision. Entries are
// written to the optional audit sinks (JSONL+zstd file, sqlite index); they
// never affect pipeline behavior.
type AuditEntry struct {
	TS       int64  `json:"ts"` // unix millis
	Event    string `json:"event"`
	EntityID uint64 `json:"entity_id"`
	Priority string `json:"priority,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
	WaitMS   int64  `json:"wait_ms,omitempty"`
}

// AuditLogger is implemented in internal/persistence (may be nil everywhere).
type AuditLogger interface {
	WriteAudit(entry AuditEntry) error
}

// Audit event names.
const (
	AuditDispatch     = "dispatch"
	AuditDropExpired  = "drop_expired"
	AuditDropCooldown = "drop_cooldown"
	AuditEvictStuck   = "evict_stuck"
	AuditOutcome      = "outcome"
	AuditDefer        = "defer"
	AuditCreateBody   = "create_body"
	AuditForceBody    = "force_body"
	AuditDiscard      = "discard"
)
