package render

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/harunnryd/murmur/pkg/transcript"
)

type Config struct {
	Out io.Writer
	// Exec receives raw execution chunks. Nil drops them.
	Exec io.Writer
	// Live echoes text as it streams instead of printing a formatted answer on Flush.
	Live         bool
	ShowThinking bool
	// Style is a glamour standard style name; empty picks one from the terminal.
	Style    string
	WordWrap int
	Plain    bool
}

type block struct {
	style transcript.BlockStyle
	text  string
}

// Terminal renders a streamed answer for a terminal. Render calls carry the
// full text of a block; Terminal keeps the latest version of each and writes
// only what is new when Live is set.
type Terminal struct {
	cfg Config
	md  *glamour.TermRenderer

	mu       sync.Mutex
	blocks   []block
	printed  []int
	thinking string
	thought  int
	execOpen bool
}

func NewTerminal(cfg Config) (*Terminal, error) {
	if cfg.Out == nil {
		return nil, fmt.Errorf("render: output writer is required")
	}
	if cfg.WordWrap <= 0 {
		cfg.WordWrap = 100
	}
	t := &Terminal{cfg: cfg}
	if cfg.Plain {
		return t, nil
	}
	opts := []glamour.TermRendererOption{glamour.WithWordWrap(cfg.WordWrap)}
	if cfg.Style != "" {
		opts = append(opts, glamour.WithStandardStyle(cfg.Style))
	} else {
		opts = append(opts, glamour.WithAutoStyle())
	}
	md, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return nil, fmt.Errorf("render: glamour: %w", err)
	}
	t.md = md
	return t, nil
}

// Begin forgets the previous answer.
func (t *Terminal) Begin() {
	t.mu.Lock()
	t.blocks = nil
	t.printed = nil
	t.thinking = ""
	t.thought = 0
	t.execOpen = false
	t.mu.Unlock()
}

func (t *Terminal) Render(idx int, style transcript.BlockStyle, text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for len(t.blocks) <= idx {
		t.blocks = append(t.blocks, block{})
		t.printed = append(t.printed, 0)
	}
	t.blocks[idx] = block{style: style, text: text}
	if !t.cfg.Live {
		return
	}
	if t.printed[idx] == 0 && idx > 0 && text != "" {
		io.WriteString(t.cfg.Out, "\n\n")
	}
	t.printed[idx] = writeDelta(t.cfg.Out, text, t.printed[idx])
}

func (t *Terminal) RenderThinking(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.thinking = text
	if !t.cfg.Live || !t.cfg.ShowThinking {
		return
	}
	if t.thought == 0 && text != "" {
		io.WriteString(t.cfg.Out, "[thinking] ")
	}
	t.thought = writeDelta(t.cfg.Out, text, t.thought)
}

// Execution mirrors code, output and console chunks to the Exec writer.
func (t *Terminal) Execution(e transcript.ExecutionEntry) {
	if t.cfg.Exec == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if e.NewBlock || !t.execOpen {
		label := e.Kind.String()
		if e.Language != "" {
			label += " " + e.Language
		}
		if e.Format != "" {
			label += " (" + e.Format + ")"
		}
		fmt.Fprintf(t.cfg.Exec, "\n--- %s ---\n", label)
		t.execOpen = true
	}
	io.WriteString(t.cfg.Exec, e.Content)
	if e.End {
		io.WriteString(t.cfg.Exec, "\n")
		t.execOpen = false
	}
}

// Markdown joins the latest normal blocks into one document.
func (t *Terminal) Markdown() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	parts := make([]string, 0, len(t.blocks))
	for _, b := range t.blocks {
		if strings.TrimSpace(b.text) == "" {
			continue
		}
		if b.style == transcript.StyleAfterCode {
			parts = append(parts, "---\n\n"+b.text)
			continue
		}
		parts = append(parts, b.text)
	}
	return strings.Join(parts, "\n\n")
}

// Thinking returns the latest reasoning text.
func (t *Terminal) Thinking() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.thinking
}

// Flush writes the formatted answer. With Live set it only terminates the
// echoed line, since the text is already on screen.
func (t *Terminal) Flush() error {
	doc := t.Markdown()
	if t.cfg.Live {
		_, err := io.WriteString(t.cfg.Out, "\n")
		return err
	}
	if strings.TrimSpace(doc) == "" {
		return nil
	}
	out := doc + "\n"
	if t.md != nil {
		rendered, err := t.md.Render(doc)
		if err == nil {
			out = rendered
		}
	}
	_, err := io.WriteString(t.cfg.Out, out)
	return err
}

// writeDelta writes the part of text past done and returns the new offset. A
// text that no longer extends what was written is not echoed again.
func writeDelta(w io.Writer, text string, done int) int {
	if done > len(text) {
		return done
	}
	io.WriteString(w, text[done:])
	return len(text)
}

var (
	_ transcript.Renderer      = (*Terminal)(nil)
	_ transcript.ExecutionSink = (*Terminal)(nil)
)
