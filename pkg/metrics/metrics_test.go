package metrics

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestSamplingOnlyThinsNamedEvents(t *testing.T) {
	mem := NewMemoryObserver()
	s := NewSamplingObserver(mem, 0.25, EventStreamFrame)
	for i := 0; i < 8; i++ {
		s.RecordEvent(MetricsEvent{Name: EventStreamFrame})
		s.RecordEvent(MetricsEvent{Name: EventSpeechStarted})
	}
	if got := mem.Count(EventStreamFrame); got != 2 {
		t.Fatalf("expected 2 sampled frames, got %d", got)
	}
	if got := mem.Count(EventSpeechStarted); got != 8 {
		t.Fatalf("expected all speech events, got %d", got)
	}
}

func TestSamplingRateBounds(t *testing.T) {
	mem := NewMemoryObserver()
	NewSamplingObserver(mem, 0).RecordEvent(MetricsEvent{Name: "a"})
	NewSamplingObserver(mem, 5).RecordEvent(MetricsEvent{Name: "b"})
	if mem.Count("a") != 0 || mem.Count("b") != 1 {
		t.Fatalf("unexpected counts a=%d b=%d", mem.Count("a"), mem.Count("b"))
	}
}

func TestAsyncCloseDrains(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONLObserver(&buf)
	a := NewAsyncObserver(sink, 64)
	for i := 0; i < 10; i++ {
		a.RecordEvent(MetricsEvent{Name: "speech_enqueued", Time: time.Unix(0, 0)})
	}
	a.Close()
	a.RecordEvent(MetricsEvent{Name: "late"})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines)+int(a.Dropped()) != 10 {
		t.Fatalf("expected 10 events written or dropped, got %d lines, %d dropped", len(lines), a.Dropped())
	}
	if strings.Contains(buf.String(), "late") {
		t.Fatalf("event after close must be ignored")
	}
}

func TestJSONLObserverFormat(t *testing.T) {
	var buf bytes.Buffer
	o := NewJSONLObserver(&buf)
	o.RecordEvent(MetricsEvent{
		Name:   "synthesis_latency_ms",
		Time:   time.Unix(10, 0),
		Value:  42,
		Tags:   map[string]string{"provider": "mock"},
		Fields: map[string]any{"attempts": 1},
	})
	if buf.Len() != 0 {
		t.Fatalf("expected buffered output before flush")
	}
	if err := o.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["name"] != "synthesis_latency_ms" || got["value"] != float64(42) {
		t.Fatalf("unexpected line %v", got)
	}
	if tags, _ := got["tags"].(map[string]any); tags["provider"] != "mock" {
		t.Fatalf("missing tags in %v", got)
	}
}

func TestEventTag(t *testing.T) {
	ev := MetricsEvent{Name: EventSpeechStarted, Tags: map[string]string{TagUnitID: "u-1", TagSessionID: "s-1"}}
	if ev.Tag(TagUnitID) != "u-1" || ev.Tag(TagSessionID) != "s-1" {
		t.Fatalf("unexpected tags %v", ev.Tags)
	}
	if ev.Tag(TagStreamID) != "" || (MetricsEvent{}).Tag(TagStreamID) != "" {
		t.Fatalf("absent tag should be empty")
	}
}
