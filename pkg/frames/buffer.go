package frames

import "bytes"

var delimiter = []byte(Delimiter)

// Buffer accumulates raw chunks from a live response and yields complete frames.
// A delimiter split across two reads is reassembled; the trailing partial frame
// is kept until more data arrives. Buffer is not safe for concurrent use.
type Buffer struct {
	buf     []byte
	emitted int64
}

// NewBuffer returns an empty frame buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Push appends chunk and returns every frame completed by it, in order.
// Empty frames are returned as well; callers filter them with Frame.Empty.
func (b *Buffer) Push(chunk []byte) []Frame {
	if len(chunk) == 0 {
		return nil
	}
	b.buf = append(b.buf, chunk...)

	var out []Frame
	start := 0
	for {
		idx := bytes.Index(b.buf[start:], delimiter)
		if idx < 0 {
			break
		}
		out = append(out, Frame(b.buf[start:start+idx]))
		start += idx + len(delimiter)
	}
	if start > 0 {
		b.buf = append([]byte(nil), b.buf[start:]...)
	}
	b.emitted += int64(len(out))
	return out
}

// PushString is Push for text chunks.
func (b *Buffer) PushString(chunk string) []Frame {
	return b.Push([]byte(chunk))
}

// Pending returns the size of the retained partial frame.
func (b *Buffer) Pending() int {
	return len(b.buf)
}

// Remainder returns the retained partial frame without consuming it.
func (b *Buffer) Remainder() Frame {
	return Frame(b.buf)
}

// Emitted returns how many frames have been produced since the last reset.
func (b *Buffer) Emitted() int64 {
	return b.emitted
}

// Reset drops any retained partial frame.
func (b *Buffer) Reset() {
	b.buf = nil
	b.emitted = 0
}
