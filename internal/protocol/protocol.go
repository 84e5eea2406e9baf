package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	// Game client -> sidecar.
	TypeHello     = "HELLO"
	TypeEnqueue   = "ENQUEUE"
	TypeCreated   = "CREATED"
	TypeDefer     = "DEFER"
	TypeViewpoint = "VIEWPOINT"
	TypeStreaming = "STREAMING"

	// Sidecar -> game client.
	TypeWelcome       = "WELCOME"
	TypeDispatch      = "DISPATCH"
	TypeCreatePhysics = "CREATE_PHYSICS"
	TypeDiscard       = "DISCARD"

	// Sidecar <-> validation responder.
	TypeValidate = "VALIDATE"
	TypeResult   = "RESULT"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
