package transcript

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/murmur/pkg/logging"
	"github.com/harunnryd/murmur/pkg/redact"
)

// CodeChunk is one recorded piece of code content.
type CodeChunk struct {
	Content  string
	Language string
	NewBlock bool
	End      bool
	// Embedded marks a message chunk that carried fence markup itself.
	Embedded bool
	At       time.Time
}

// Block groups consecutive chunks between block boundaries.
type Block struct {
	Chunks []CodeChunk
	Length int
}

// Content joins the block's chunks.
func (b Block) Content() string {
	var sb strings.Builder
	for _, c := range b.Chunks {
		sb.WriteString(c.Content)
	}
	return sb.String()
}

// Embedded reports whether any chunk came from a message.
func (b Block) Embedded() bool {
	for _, c := range b.Chunks {
		if c.Embedded {
			return true
		}
	}
	return false
}

// Diagnostics collects code chunks for the debug dump.
type Diagnostics interface {
	Record(chunk CodeChunk)
	MarkBlockEnd()
	Blocks() []Block
	Reset()
}

// ChunkTracker is the default Diagnostics. A chunk flagged NewBlock starts a
// new block; MarkBlockEnd closes the current one.
type ChunkTracker struct {
	mu      sync.Mutex
	done    []Block
	current []CodeChunk
	total   int
}

func NewChunkTracker() *ChunkTracker {
	return &ChunkTracker{}
}

func (t *ChunkTracker) Record(chunk CodeChunk) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if chunk.NewBlock {
		t.flushLocked()
	}
	t.current = append(t.current, chunk)
	t.total++
}

func (t *ChunkTracker) MarkBlockEnd() {
	t.mu.Lock()
	t.flushLocked()
	t.mu.Unlock()
}

func (t *ChunkTracker) Blocks() []Block {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Block, 0, len(t.done)+1)
	out = append(out, t.done...)
	if len(t.current) > 0 {
		out = append(out, newBlock(t.current))
	}
	return out
}

// Total returns the number of recorded chunks since the last reset.
func (t *ChunkTracker) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

func (t *ChunkTracker) Reset() {
	t.mu.Lock()
	t.done = nil
	t.current = nil
	t.total = 0
	t.mu.Unlock()
}

func (t *ChunkTracker) flushLocked() {
	if len(t.current) == 0 {
		return
	}
	t.done = append(t.done, newBlock(t.current))
	t.current = nil
}

func newBlock(chunks []CodeChunk) Block {
	b := Block{Chunks: make([]CodeChunk, len(chunks))}
	copy(b.Chunks, chunks)
	for _, c := range chunks {
		b.Length += len(c.Content)
	}
	return b
}

// DumpDiagnostics logs the collected blocks.
func DumpDiagnostics(logger *slog.Logger, d Diagnostics) {
	if d == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	blocks := d.Blocks()
	chunks, embedded := 0, 0
	for _, b := range blocks {
		chunks += len(b.Chunks)
		if b.Embedded() {
			embedded++
		}
	}
	logger.Info("code chunk analysis",
		slog.Int("chunks", chunks),
		slog.Int("blocks", len(blocks)),
		slog.Int("embedded_blocks", embedded))
	for i, b := range blocks {
		source := "code_chunk"
		if b.Embedded() {
			source = "message"
		}
		logger.Info("code block",
			slog.Int("index", i+1),
			slog.Int("chunks", len(b.Chunks)),
			slog.Int("length", b.Length),
			slog.String("source", source),
			slog.String("content", logging.Clip(redact.Text(b.Content()), 400)))
	}
}
