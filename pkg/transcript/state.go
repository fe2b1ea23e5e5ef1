package transcript

import "time"

// Mode is the content mode the machine is currently appending to.
type Mode int

const (
	ModeNormal Mode = iota
	ModeThinking
)

func (m Mode) String() string {
	if m == ModeThinking {
		return "thinking"
	}
	return "normal"
}

// BlockStyle is a presentation hint for a normal-mode segment.
type BlockStyle int

const (
	StylePlain BlockStyle = iota
	// StyleAfterCode asks for stronger separation from the preceding block.
	StyleAfterCode
)

func (s BlockStyle) String() string {
	if s == StyleAfterCode {
		return "after_code"
	}
	return "plain"
}

// Segment is one renderable container. It belongs to exactly one mode.
type Segment struct {
	Mode  Mode
	Style BlockStyle
	Text  string
}

// Snapshot is a copy of the machine state.
type Snapshot struct {
	StreamID  string
	Mode      Mode
	OpenFence bool
	Segments  []Segment
	Events    int
	Finished  bool
	// Reason is why the stream finished: "done", "transport_closed", "aborted".
	Reason        string
	ThinkingStart time.Time
	ThinkingEnd   time.Time
}

// Finish reasons.
const (
	ReasonDone            = "done"
	ReasonTransportClosed = "transport_closed"
	ReasonTransportError  = "transport_error"
	ReasonAborted         = "aborted"
)
