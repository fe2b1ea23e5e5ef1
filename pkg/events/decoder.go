package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/harunnryd/murmur/pkg/errorsx"
	"github.com/harunnryd/murmur/pkg/frames"
	"github.com/harunnryd/murmur/pkg/logging"
	"github.com/harunnryd/murmur/pkg/redact"
)

// Decoder turns frames into content events. It never fails: anything it cannot
// interpret comes back as raw text.
type Decoder struct {
	logger *slog.Logger
}

func NewDecoder(logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{logger: logging.NewComponentLogger(logger, "event_decoder")}
}

// wireEvent lists every field any known producer has sent. Aliases are folded
// into ContentEvent by normalize and never leak past this file.
type wireEvent struct {
	Type     string          `json:"type"`
	Content  json.RawMessage `json:"content"`
	Language string          `json:"language"`
	Format   string          `json:"format"`

	IsNewBlock          flag `json:"is_new_block"`
	IsNewBlockCamel     flag `json:"isNewBlock"`
	NewMessage          flag `json:"new_message"`
	NewMessageAfterCode flag `json:"new_message_after_code"`
	IsEnd               flag `json:"is_end"`
	IsEndCamel          flag `json:"isEnd"`
	SkipChat            flag `json:"skip_chat"`
	IsConsole           flag `json:"is_console"`
	IsError             flag `json:"is_error"`

	Executing flag            `json:"executing"`
	Code      json.RawMessage `json:"code"`
	Output    json.RawMessage `json:"output"`
}

// Decode interprets one frame.
func (d *Decoder) Decode(f frames.Frame) ContentEvent {
	payload, ok := f.Data()
	if !ok {
		return ContentEvent{Kind: KindRawText}
	}
	return d.DecodePayload(payload)
}

// DecodePayload interprets the payload of a data line.
func (d *Decoder) DecodePayload(payload string) ContentEvent {
	switch strings.TrimSpace(payload) {
	case SentinelDone:
		return ContentEvent{Kind: KindDone}
	case SentinelDebug:
		return ContentEvent{Kind: KindDebugMarker}
	}

	trimmed := bytes.TrimSpace([]byte(payload))
	if len(trimmed) == 0 {
		return ContentEvent{Kind: KindRawText}
	}

	switch trimmed[0] {
	case '{':
		var w wireEvent
		if err := json.Unmarshal(trimmed, &w); err != nil {
			return d.malformed(payload, err)
		}
		return w.normalize()
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return d.malformed(payload, err)
		}
		return ContentEvent{Kind: KindMessage, Content: s}
	default:
		if !json.Valid(trimmed) {
			return d.malformed(payload, fmt.Errorf("invalid json payload"))
		}
		return ContentEvent{Kind: KindRawText, Content: payload}
	}
}

func (d *Decoder) malformed(payload string, err error) ContentEvent {
	err = errorsx.Wrap(err, errorsx.ReasonDecodePayload)
	d.logger.Warn("malformed event payload",
		errorsx.ReasonAttr(err),
		slog.String("payload", logging.Clip(redact.Text(payload), 120)),
		slog.String("error", err.Error()))
	return ContentEvent{Kind: KindRawText, Content: payload, DecodeErr: err}
}

func (w wireEvent) normalize() ContentEvent {
	ev := ContentEvent{
		Content:   rawString(w.Content),
		Language:  w.Language,
		Format:    w.Format,
		NewBlock:  bool(w.IsNewBlock || w.IsNewBlockCamel || w.NewMessage || w.NewMessageAfterCode),
		AfterCode: bool(w.NewMessageAfterCode),
		End:       bool(w.IsEnd || w.IsEndCamel),
		SkipChat:  bool(w.SkipChat),
		Console:   bool(w.IsConsole),
		Error:     bool(w.IsError),
	}

	switch w.Type {
	case "message":
		ev.Kind = KindMessage
	case "thinking_start":
		ev.Kind = KindThinkingStart
	case "thinking_end":
		ev.Kind = KindThinkingEnd
	case "code":
		ev.Kind = KindCode
	case "output":
		ev.Kind = KindOutput
		if ev.Console {
			ev.Kind = KindConsole
		}
	case "console":
		ev.Kind = KindConsole
		ev.Console = true
	case "error":
		ev.Kind = KindError
		ev.Error = true
	case "block_end_marker", "reset_code_execution":
		ev.Kind = KindRawText
		ev.Content = ""
		ev.BlockEnd = true
	case "":
		switch {
		case bool(w.Executing) || w.Code != nil:
			ev.Kind = KindCode
			ev.Content = rawString(w.Code)
		case w.Output != nil:
			ev.Kind = KindOutput
			ev.Content = rawString(w.Output)
		case w.Content != nil:
			ev.Kind = KindMessage
		default:
			ev.Kind = KindRawText
		}
	default:
		ev.Kind = KindRawText
	}
	return ev
}

// rawString renders a JSON value as text: strings unquoted, null empty, other
// values as their literal.
func rawString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}

// flag accepts true/false, "true"/"false" and numbers so that a sloppy producer
// never turns a whole event into raw text.
type flag bool

func (f *flag) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	switch strings.ToLower(s) {
	case "", "null", "false", "0":
		*f = false
		return nil
	case "true":
		*f = true
		return nil
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		*f = n != 0
		return nil
	}
	*f = false
	return nil
}
