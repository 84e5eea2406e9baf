package protocol

// HelloMsg opens a game-client session.
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientName      string `json:"client_name,omitempty"`
}

// WelcomeMsg acknowledges a session and echoes the effective tunables.
type WelcomeMsg struct {
	Type                string `json:"type"`
	ProtocolVersion     string `json:"protocol_version"`
	SessionID           string `json:"session_id"`
	BatchSizePerTick    int    `json:"batch_size_per_tick"`
	ValidationTimeoutMs int    `json:"validation_timeout_ms"`
}

// EnqueueMsg asks the pipeline to admit a creation request.
type EnqueueMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	EntityID        uint64      `json:"entity_id"`
	Priority        string      `json:"priority,omitempty"`
	Pos             *[3]float64 `json:"pos,omitempty"`
}

// CreatedMsg confirms the entity now exists on the game side.
type CreatedMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	EntityID        uint64 `json:"entity_id"`
}

// DeferMsg registers an object whose physics-body construction the game has
// suppressed pending validation.
type DeferMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	EntityID        uint64     `json:"entity_id"`
	Name            string     `json:"name"`
	Pos             [3]float64 `json:"pos"`
	Orient          [4]float64 `json:"orient"`
	Size            [3]float64 `json:"size"`
	PlanetClass     bool       `json:"planet_class,omitempty"`
}

// ViewpointMsg updates the local reference position for distance ordering.
type ViewpointMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	Pos             [3]float64 `json:"pos"`
}

// StreamingMsg toggles the bulk-load backpressure signal.
type StreamingMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Active          bool   `json:"active"`
}

// DispatchMsg tells the game to actually create an admitted entity.
type DispatchMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	EntityID        uint64 `json:"entity_id"`
	Priority        string `json:"priority"`
}

// CreatePhysicsMsg tells the game to materialize the deferred body.
type CreatePhysicsMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	EntityID        uint64 `json:"entity_id"`
}

// DiscardMsg tells the game to close the object without creating physics.
type DiscardMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	EntityID        uint64 `json:"entity_id"`
}

// ValidateMsg asks the responder whether the entity should exist.
type ValidateMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	EntityID        uint64 `json:"entity_id"`
	EntityKind      string `json:"entity_kind"`
}

// ResultMsg is the responder's verdict.
type ResultMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	EntityID        uint64 `json:"entity_id"`
	Valid           bool   `json:"valid"`
}
