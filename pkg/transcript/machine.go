package transcript

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/murmur/pkg/events"
	"github.com/harunnryd/murmur/pkg/logging"
	"github.com/harunnryd/murmur/pkg/metrics"
	"github.com/harunnryd/murmur/pkg/redact"
)

const (
	fenceMarker   = "```"
	closeFence    = "\n```"
	outputPrefix  = "// Output:\n"
	consolePrefix = "// Console:\n"
	errorPrefix   = "\n**Error:** "
	activeLine    = "active_line"
)

// Options wires a Machine. Every collaborator is optional.
type Options struct {
	Renderer    Renderer
	Sink        ExecutionSink
	Speaker     Speaker
	Normalizer  Normalizer
	Diagnostics Diagnostics
	Clock       func() time.Time
	Logger      *slog.Logger
	Observer    metrics.Observer
	StreamID    string
}

// Machine assembles one streamed response. It tracks the active mode and the
// synthetic code fence, re-renders the accumulated text after every content
// event, and hands the finished normal-mode text to the speaker once.
type Machine struct {
	mu sync.Mutex

	streamID  string
	mode      Mode
	openFence bool
	segments  []Segment
	// normal and thinking index the active segment of each mode, -1 when none.
	normal   int
	thinking int
	// resumeNormal is set when thinking ends; the next normal text opens a
	// fresh container so that segment order follows arrival order.
	resumeNormal bool
	events       int
	finished     bool
	reason       string
	// superseded is read outside mu so that Abort can mark a Finish that
	// is still rendering.
	superseded atomic.Bool

	thinkingStart time.Time
	thinkingEnd   time.Time

	renderer Renderer
	sink     ExecutionSink
	speaker  Speaker
	norm     Normalizer
	diag     Diagnostics
	now      func() time.Time
	logger   *slog.Logger
	obs      metrics.Observer
}

func NewMachine(opts Options) *Machine {
	if opts.Renderer == nil {
		opts.Renderer = NoopRenderer{}
	}
	if opts.Sink == nil {
		opts.Sink = NoopSink{}
	}
	if opts.Speaker == nil {
		opts.Speaker = NoopSpeaker{}
	}
	if opts.Normalizer == nil {
		opts.Normalizer = passthrough{}
	}
	if opts.Diagnostics == nil {
		opts.Diagnostics = NewChunkTracker()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Observer == nil {
		opts.Observer = metrics.NoopObserver{}
	}
	if opts.StreamID == "" {
		opts.StreamID = uuid.NewString()
	}
	m := &Machine{
		streamID: opts.StreamID,
		thinking: -1,
		renderer: opts.Renderer,
		sink:     opts.Sink,
		speaker:  opts.Speaker,
		norm:     opts.Normalizer,
		diag:     opts.Diagnostics,
		now:      opts.Clock,
		logger:   logging.NewComponentLogger(opts.Logger, "transcript").With(slog.String("stream_id", opts.StreamID)),
		obs:      opts.Observer,
	}
	m.segments = []Segment{{Mode: ModeNormal}}
	m.normal = 0
	return m
}

func (m *Machine) StreamID() string { return m.streamID }

// Diagnostics returns the collector this machine records into.
func (m *Machine) Diagnostics() Diagnostics { return m.diag }

// Apply feeds one decoded event. Events after Finish are ignored.
func (m *Machine) Apply(ev events.ContentEvent) {
	if ev.Terminal() {
		m.Finish(ReasonDone)
		return
	}

	m.mu.Lock()
	if m.finished {
		m.mu.Unlock()
		m.logger.Debug("event after finish ignored", slog.String("kind", ev.Kind.String()))
		return
	}
	m.events++
	first := m.events == 1
	render := m.applyLocked(ev)
	if render {
		m.renderLocked()
	}
	m.mu.Unlock()

	if first {
		m.record(metrics.EventStreamFirstEvent, nil)
	}
	m.obs.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventStreamEvent,
		Time:  m.now(),
		Value: 1,
		Tags:  map[string]string{metrics.TagStreamID: m.streamID, metrics.TagKind: ev.Kind.String()},
	})
}

// applyLocked mutates state for ev and reports whether a render is due.
func (m *Machine) applyLocked(ev events.ContentEvent) bool {
	switch ev.Kind {
	case events.KindThinkingStart:
		m.closeFenceLocked()
		m.enterThinkingLocked()
		return false

	case events.KindThinkingEnd:
		m.closeFenceLocked()
		m.exitThinkingLocked()
		return false

	case events.KindMessage:
		if ev.NewBlock && m.mode == ModeNormal {
			m.closeFenceLocked()
			style := StylePlain
			if ev.AfterCode {
				style = StyleAfterCode
			}
			m.newBlockLocked(style)
		}
		if strings.Contains(ev.Content, fenceMarker) && m.mode == ModeNormal {
			m.diag.Record(CodeChunk{Content: ev.Content, Embedded: true, At: m.now()})
		}
		m.appendLocked(ev.Content)
		return true

	case events.KindCode:
		if !ev.SkipChat {
			if !m.openFence {
				m.openFenceLocked(fenceMarker + ev.Language + "\n")
			}
			m.appendLocked(ev.Content)
			if ev.End {
				m.closeFenceLocked()
			}
		}
		if m.mode == ModeNormal && ev.Content != "" {
			m.diag.Record(CodeChunk{
				Content:  ev.Content,
				Language: ev.Language,
				NewBlock: ev.NewBlock,
				End:      ev.End,
				At:       m.now(),
			})
			m.executionLocked(ev)
		}
		return !ev.SkipChat

	case events.KindOutput, events.KindConsole:
		if m.mode == ModeNormal {
			m.executionLocked(ev)
		}
		if ev.Kind == events.KindConsole && ev.Format == activeLine {
			return false
		}
		if ev.SkipChat {
			return false
		}
		if !m.openFence {
			m.openFenceLocked(fenceMarker + "\n")
		}
		prefix := outputPrefix
		if ev.Kind == events.KindConsole {
			prefix = consolePrefix
		}
		m.appendLocked(prefix + ev.Content)
		if ev.End {
			m.closeFenceLocked()
		}
		return true

	case events.KindError:
		m.closeFenceLocked()
		m.appendLocked(errorPrefix + ev.Content)
		m.logger.Warn("stream reported error",
			slog.String("reason_code", "stream_error_event"),
			slog.String("error", logging.Clip(redact.Text(ev.Content), 200)))
		return true

	case events.KindDebugMarker:
		DumpDiagnostics(m.logger, m.diag)
		m.diag.Reset()
		return false

	default:
		if ev.BlockEnd {
			m.diag.MarkBlockEnd()
			return false
		}
		if ev.Content == "" {
			return false
		}
		m.appendLocked(ev.Content)
		return true
	}
}

func (m *Machine) enterThinkingLocked() {
	if m.mode == ModeThinking {
		return
	}
	m.mode = ModeThinking
	m.segments = append(m.segments, Segment{Mode: ModeThinking})
	m.thinking = len(m.segments) - 1
	if m.thinkingStart.IsZero() {
		m.thinkingStart = m.now()
	}
}

func (m *Machine) exitThinkingLocked() {
	if m.mode != ModeThinking {
		return
	}
	m.mode = ModeNormal
	m.thinkingEnd = m.now()
	m.resumeNormal = true
}

func (m *Machine) newBlockLocked(style BlockStyle) {
	m.resumeNormal = false
	if m.segments[m.normal].Text == "" {
		m.segments[m.normal].Style = style
		return
	}
	m.segments = append(m.segments, Segment{Mode: ModeNormal, Style: style})
	m.normal = len(m.segments) - 1
}

func (m *Machine) activeLocked() *Segment {
	if m.mode == ModeThinking {
		return &m.segments[m.thinking]
	}
	if m.resumeNormal {
		m.resumeNormal = false
		if m.segments[m.normal].Text != "" {
			m.segments = append(m.segments, Segment{Mode: ModeNormal})
			m.normal = len(m.segments) - 1
		}
	}
	return &m.segments[m.normal]
}

func (m *Machine) appendLocked(text string) {
	if text == "" {
		return
	}
	seg := m.activeLocked()
	seg.Text += text
}

// openFenceLocked starts a fence on its own line.
func (m *Machine) openFenceLocked(marker string) {
	seg := m.activeLocked()
	if seg.Text != "" && !strings.HasSuffix(seg.Text, "\n") {
		seg.Text += "\n"
	}
	seg.Text += marker
	m.openFence = true
}

func (m *Machine) closeFenceLocked() {
	if !m.openFence {
		return
	}
	m.activeLocked().Text += closeFence
	m.openFence = false
}

func (m *Machine) executionLocked(ev events.ContentEvent) {
	m.sink.Execution(ExecutionEntry{
		Kind:     ev.Kind,
		Language: ev.Language,
		Format:   ev.Format,
		Content:  ev.Content,
		NewBlock: ev.NewBlock,
		End:      ev.End,
	})
}

func (m *Machine) renderLocked() {
	if m.mode == ModeThinking {
		m.renderer.RenderThinking(m.thinkingTextLocked())
		return
	}
	block := 0
	for i := 0; i < m.normal; i++ {
		if m.segments[i].Mode == ModeNormal {
			block++
		}
	}
	seg := m.segments[m.normal]
	m.renderer.Render(block, seg.Style, seg.Text)
}

// Finish closes the stream: any open fence is closed, thinking mode is ended,
// the final text is rendered and the normal-mode text is spoken. Only the
// first call has any effect.
func (m *Machine) Finish(reason string) {
	m.mu.Lock()
	if m.finished {
		m.mu.Unlock()
		return
	}
	m.closeFenceLocked()
	if m.mode == ModeThinking {
		m.renderer.RenderThinking(m.thinkingTextLocked())
		m.exitThinkingLocked()
	}
	m.renderLocked()
	m.finished = true
	m.reason = reason
	text := m.normalTextLocked()
	m.mu.Unlock()

	m.record(metrics.EventStreamDone, map[string]any{"reason": reason})
	spoken := m.norm.ToSpeakable(text)
	if spoken == "" {
		m.logger.Debug("stream finished without speakable text", slog.String("reason", reason))
		return
	}
	if m.superseded.Load() {
		m.logger.Debug("stream superseded before speech hand-off", slog.String("reason", reason))
		return
	}
	units := m.speaker.Speak(spoken)
	m.record(metrics.EventSpeechHandoff, map[string]any{"units": units})
	m.logger.Debug("stream finished",
		slog.String("reason", reason),
		slog.Int("units", units),
		slog.String("text", logging.Clip(redact.Text(spoken), 120)))
}

// Abort finishes the stream without speaking. A superseded stream ends this way.
// Called while Finish is rendering, it keeps the finished text from reaching
// the speaker.
func (m *Machine) Abort() {
	m.superseded.Store(true)
	m.mu.Lock()
	if m.finished {
		m.mu.Unlock()
		return
	}
	m.openFence = false
	m.mode = ModeNormal
	m.finished = true
	m.reason = ReasonAborted
	m.mu.Unlock()
	m.record(metrics.EventStreamDone, map[string]any{"reason": ReasonAborted})
}

// Superseded reports whether Abort was called, even after Finish.
func (m *Machine) Superseded() bool { return m.superseded.Load() }

func (m *Machine) Finished() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finished
}

// State returns a copy of the current state.
func (m *Machine) State() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	segs := make([]Segment, len(m.segments))
	copy(segs, m.segments)
	return Snapshot{
		StreamID:      m.streamID,
		Mode:          m.mode,
		OpenFence:     m.openFence,
		Segments:      segs,
		Events:        m.events,
		Finished:      m.finished,
		Reason:        m.reason,
		ThinkingStart: m.thinkingStart,
		ThinkingEnd:   m.thinkingEnd,
	}
}

// Segments returns the non-empty segments in order.
func (m *Machine) Segments() []Segment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Segment, 0, len(m.segments))
	for _, s := range m.segments {
		if s.Text != "" {
			out = append(out, s)
		}
	}
	return out
}

// ThinkingWindow returns when thinking first started and last ended.
func (m *Machine) ThinkingWindow() (start, end time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.thinkingStart, m.thinkingEnd
}

// NormalText joins every normal-mode segment.
func (m *Machine) NormalText() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.normalTextLocked()
}

func (m *Machine) ThinkingText() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.thinkingTextLocked()
}

func (m *Machine) normalTextLocked() string {
	return m.joinLocked(ModeNormal)
}

func (m *Machine) thinkingTextLocked() string {
	return m.joinLocked(ModeThinking)
}

func (m *Machine) joinLocked(mode Mode) string {
	parts := make([]string, 0, len(m.segments))
	for _, s := range m.segments {
		if s.Mode == mode && s.Text != "" {
			parts = append(parts, s.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}

func (m *Machine) record(name string, fields map[string]any) {
	m.obs.RecordEvent(metrics.MetricsEvent{
		Name:   name,
		Time:   m.now(),
		Value:  1,
		Tags:   map[string]string{metrics.TagStreamID: m.streamID},
		Fields: fields,
	})
}
