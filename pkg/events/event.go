package events

// Kind identifies which variant of ContentEvent is active.
type Kind int

const (
	KindRawText Kind = iota
	KindMessage
	KindThinkingStart
	KindThinkingEnd
	KindCode
	KindOutput
	KindConsole
	KindError
	KindDone
	KindDebugMarker
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindThinkingStart:
		return "thinking_start"
	case KindThinkingEnd:
		return "thinking_end"
	case KindCode:
		return "code"
	case KindOutput:
		return "output"
	case KindConsole:
		return "console"
	case KindError:
		return "error"
	case KindDone:
		return "done"
	case KindDebugMarker:
		return "debug_marker"
	default:
		return "raw_text"
	}
}

// Sentinel payloads recognised without JSON parsing.
const (
	SentinelDone  = "[DONE]"
	SentinelDebug = "[DEBUG_CODE_CHUNKS]"
)

// ContentEvent is the decoded form of one frame. Every producer alias has
// already been folded into the canonical fields below.
type ContentEvent struct {
	Kind     Kind
	Content  string
	Language string
	// Format is a producer hint such as "active_line" for console position updates.
	Format string

	NewBlock  bool
	AfterCode bool
	End       bool
	SkipChat  bool
	Console   bool
	Error     bool
	// BlockEnd marks a producer-side code block boundary; it carries no text.
	BlockEnd bool

	// DecodeErr is set when the payload was malformed and fell back to raw text.
	DecodeErr error
}

// Terminal reports whether the event ends the stream.
func (e ContentEvent) Terminal() bool {
	return e.Kind == KindDone
}

// Transition reports whether the event only switches mode.
func (e ContentEvent) Transition() bool {
	return e.Kind == KindThinkingStart || e.Kind == KindThinkingEnd
}
