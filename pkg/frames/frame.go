package frames

import "strings"

// Delimiter separates frames on the wire.
const Delimiter = "\n\n"

// Frame is the raw text between two delimiters of an event stream.
type Frame string

// Empty reports whether the frame carries nothing but whitespace.
func (f Frame) Empty() bool {
	return strings.TrimSpace(string(f)) == ""
}

// Data returns the frame's data payload. Multiple data lines are joined with a
// newline and a single space after the colon is dropped. ok is false when the
// frame has no data line at all (comments, keep-alives, bare event names).
func (f Frame) Data() (payload string, ok bool) {
	var parts []string
	for _, line := range strings.Split(string(f), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		value := strings.TrimPrefix(line, "data:")
		value = strings.TrimPrefix(value, " ")
		parts = append(parts, value)
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "\n"), true
}

// Field returns the value of the first "name:" line, e.g. the SSE event or id field.
func (f Frame) Field(name string) string {
	prefix := name + ":"
	for _, line := range strings.Split(string(f), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if strings.HasPrefix(line, prefix) {
			return strings.TrimPrefix(strings.TrimPrefix(line, prefix), " ")
		}
	}
	return ""
}
