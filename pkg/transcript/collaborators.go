package transcript

import "github.com/harunnryd/murmur/pkg/events"

// Renderer displays accumulated text. Both calls carry the full text so far and
// must be idempotent.
type Renderer interface {
	// Render redraws normal-mode block number block.
	Render(block int, style BlockStyle, text string)
	RenderThinking(text string)
}

// ExecutionEntry is one raw code, output or console chunk for the execution view.
type ExecutionEntry struct {
	Kind     events.Kind
	Language string
	Format   string
	Content  string
	NewBlock bool
	End      bool
}

// ExecutionSink receives execution chunks regardless of SkipChat.
type ExecutionSink interface {
	Execution(entry ExecutionEntry)
}

// Speaker accepts speakable text. speech.Coordinator satisfies it.
type Speaker interface {
	Speak(text string) int
}

// Normalizer turns markdown into speakable text.
type Normalizer interface {
	ToSpeakable(markdown string) string
}

type NoopRenderer struct{}

func (NoopRenderer) Render(int, BlockStyle, string) {}
func (NoopRenderer) RenderThinking(string)          {}

type NoopSink struct{}

func (NoopSink) Execution(ExecutionEntry) {}

type NoopSpeaker struct{}

func (NoopSpeaker) Speak(string) int { return 0 }

type passthrough struct{}

func (passthrough) ToSpeakable(s string) string { return s }
