package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/murmur/pkg/metrics"
)

// LatencyObserver measures how long an answer takes to become audible:
// request start, first decoded event, stream end and the first playback that
// follows the speech handoff.
type LatencyObserver struct {
	mu       sync.Mutex
	traces   map[string]*trace
	awaiting string
	log      *slog.Logger
}

type trace struct {
	start      time.Time
	firstEvent time.Time
	done       time.Time
	handoff    time.Time
	spoken     time.Time
	reason     string
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()

	// Playback events carry no stream id; the first start after a handoff
	// belongs to the stream that handed off.
	if ev.Name == metrics.EventSpeechStarted {
		if o.awaiting == "" {
			return
		}
		if t := o.traces[o.awaiting]; t != nil {
			t.spoken = ev.Time
			o.logLocked(o.awaiting, t)
			delete(o.traces, o.awaiting)
		}
		o.awaiting = ""
		return
	}

	streamID := ""
	if ev.Tags != nil {
		streamID = ev.Tag(metrics.TagStreamID)
	}
	if streamID == "" {
		return
	}
	t := o.traces[streamID]
	if t == nil {
		t = &trace{}
		o.traces[streamID] = t
	}
	switch ev.Name {
	case metrics.EventStreamStart:
		if t.start.IsZero() {
			t.start = ev.Time
		}
		// A new answer supersedes one that never reached the speaker.
		if o.awaiting != "" && o.awaiting != streamID {
			if prev := o.traces[o.awaiting]; prev != nil {
				o.logLocked(o.awaiting, prev)
				delete(o.traces, o.awaiting)
			}
			o.awaiting = ""
		}
	case metrics.EventStreamFirstEvent:
		if t.firstEvent.IsZero() {
			t.firstEvent = ev.Time
		}
	case metrics.EventStreamDone:
		t.done = ev.Time
		if r, ok := ev.Fields["reason"].(string); ok {
			t.reason = r
		}
		if t.reason == "aborted" {
			o.logLocked(streamID, t)
			delete(o.traces, streamID)
		}
	case metrics.EventSpeechHandoff:
		t.handoff = ev.Time
		if units, _ := ev.Fields["units"].(int); units > 0 {
			o.awaiting = streamID
			return
		}
		o.logLocked(streamID, t)
		delete(o.traces, streamID)
	}
}

// Pending returns the number of streams still being tracked.
func (o *LatencyObserver) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.traces)
}

func (o *LatencyObserver) logLocked(streamID string, t *trace) {
	o.log.Info("latency",
		"stream_id", streamID,
		"reason", t.reason,
		"first_event_ms", durationMs(t.start, t.firstEvent),
		"stream_ms", durationMs(t.start, t.done),
		"handoff_to_speech_ms", durationMs(t.handoff, t.spoken),
		"time_to_speech_ms", durationMs(t.start, t.spoken),
	)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
