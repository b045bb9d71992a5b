package types

import (
	"bytes"
	"fmt"
	"image"
	"time"
)

// NodeIdentityLen is the fixed width of the identity field on the wire.
const NodeIdentityLen = 32

// NodeIdentity names a camera node in wire messages.
type NodeIdentity string

// Validate rejects names that would not fit the zero-padded wire field.
func (n NodeIdentity) Validate() error {
	if n == "" {
		return fmt.Errorf("node identity is empty")
	}
	if len(n) > NodeIdentityLen {
		return fmt.Errorf("node identity %q is %d bytes, max %d", string(n), len(n), NodeIdentityLen)
	}
	return nil
}

// Bytes returns the identity zero-padded to NodeIdentityLen.
func (n NodeIdentity) Bytes() [NodeIdentityLen]byte {
	var out [NodeIdentityLen]byte
	copy(out[:], n)
	return out
}

// IdentityFromBytes strips the zero padding of a wire identity field.
func IdentityFromBytes(b []byte) NodeIdentity {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return NodeIdentity(b)
}

// FrameMessage is one encoded crop travelling from a node to the server.
type FrameMessage struct {
	Source  NodeIdentity
	Payload []byte
}

// ControlState is the lifecycle state shared by a node and the server session.
type ControlState int32

const (
	StateWaiting ControlState = iota
	StateRunning
	StateExiting
)

func (s ControlState) String() string {
	switch s {
	case StateWaiting:
		return "wait"
	case StateRunning:
		return "start"
	case StateExiting:
		return "exit"
	default:
		return fmt.Sprintf("ControlState(%d)", int32(s))
	}
}

// Command is a control token sent from the server to nodes.
type Command string

const (
	CommandStart  Command = "start"
	CommandWarmup Command = "warmup"
	CommandExit   Command = "exit"
)

// Detection is one bounding box reported by a detector.
type Detection struct {
	Box        image.Rectangle
	Confidence float64
}

// DecisionKind tells whether a frame matched a known person or created a new one.
type DecisionKind int

const (
	MatchedExisting DecisionKind = iota
	CreatedNew
)

func (k DecisionKind) String() string {
	if k == CreatedNew {
		return "created"
	}
	return "matched"
}

// Decision is the outcome of matching one frame against the gallery.
type Decision struct {
	Kind        DecisionKind
	PersonID    int
	Score       float64 // best cosine distance, 0 when the gallery was empty
	Appearances int
}

// ReIdEvent is one line of the results artifact.
type ReIdEvent struct {
	PersonID    int       `json:"person_id"`
	SourcePort  int       `json:"source_port"`
	Appearances int       `json:"appearance_count"`
	At          time.Time `json:"at"`
}

// ServerStatus is a read-only snapshot of the server session.
type ServerStatus struct {
	State             ControlState `json:"-"`
	StateName         string       `json:"state"`
	DetectedPersons   int          `json:"detected_persons"`
	ActiveWorkers     int          `json:"active_workers"`
	Events            int          `json:"reid_events"`
	ClientsConfigured int          `json:"clients_configured"`
	NextID            int          `json:"next_id"`
	SessionID         string       `json:"session_id"`
}
