package metrics

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// JSONLObserver appends one JSON object per event to w. Output is buffered;
// call Flush before reading it back.
type JSONLObserver struct {
	mu sync.Mutex
	w  *bufio.Writer
}

type jsonlEvent struct {
	Name   string            `json:"name"`
	Time   time.Time         `json:"time"`
	Value  float64           `json:"value"`
	Tags   map[string]string `json:"tags,omitempty"`
	Fields map[string]any    `json:"fields,omitempty"`
}

func NewJSONLObserver(w io.Writer) *JSONLObserver {
	if w == nil {
		w = io.Discard
	}
	return &JSONLObserver{w: bufio.NewWriter(w)}
}

func (o *JSONLObserver) RecordEvent(ev MetricsEvent) {
	line, err := json.Marshal(jsonlEvent{
		Name:   ev.Name,
		Time:   ev.Time.UTC(),
		Value:  ev.Value,
		Tags:   ev.Tags,
		Fields: ev.Fields,
	})
	if err != nil {
		return
	}
	o.mu.Lock()
	_, _ = o.w.Write(append(line, '\n'))
	o.mu.Unlock()
}

func (o *JSONLObserver) Flush() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.w.Flush()
}

var _ Flusher = (*JSONLObserver)(nil)
