package metrics

import "time"

// Stream events carry TagStreamID.
const (
	EventStreamStart      = "stream_start"
	EventStreamFrame      = "stream_frame"
	EventStreamEvent      = "stream_event"
	EventStreamFirstEvent = "stream_first_event"
	EventStreamDone       = "stream_done"
	EventSpeechHandoff    = "speech_handoff"
)

// Speech events carry TagUnitID and, once a session exists, TagSessionID.
const (
	EventSpeechEnqueued  = "speech_enqueued"
	EventSpeechResolving = "speech_resolving"
	EventSpeechStarted   = "speech_started"
	EventSpeechEnded     = "speech_ended"
	EventSpeechError     = "speech_error"
	EventSpeechFallback  = "speech_fallback"
	EventSynthLatency    = "synthesis_latency_ms"
)

const (
	TagStreamID  = "stream_id"
	TagSessionID = "session_id"
	TagUnitID    = "unit_id"
	TagKind      = "kind"
)

// MetricsEvent is one observation from the transcript or the speech pipeline.
type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

// Tag returns the tag value or "" when absent.
func (ev MetricsEvent) Tag(key string) string {
	return ev.Tags[key]
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}
