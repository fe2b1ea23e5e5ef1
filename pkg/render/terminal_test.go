package render

import (
	"bytes"
	"strings"
	"testing"

	"github.com/harunnryd/murmur/pkg/events"
	"github.com/harunnryd/murmur/pkg/transcript"
)

func TestLiveWritesOnlyDeltas(t *testing.T) {
	var out bytes.Buffer
	term, err := NewTerminal(Config{Out: &out, Live: true, Plain: true})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	term.Render(0, transcript.StylePlain, "Hel")
	term.Render(0, transcript.StylePlain, "Hello")
	term.Render(0, transcript.StylePlain, "Hello")
	term.Render(1, transcript.StyleAfterCode, "Next")
	if err := term.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if got := out.String(); got != "Hello\n\nNext\n" {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestThinkingHiddenUnlessRequested(t *testing.T) {
	var out bytes.Buffer
	term, _ := NewTerminal(Config{Out: &out, Live: true, Plain: true})
	term.RenderThinking("pondering")
	if out.Len() != 0 {
		t.Fatalf("thinking should not be echoed, got %q", out.String())
	}
	if term.Thinking() != "pondering" {
		t.Fatalf("thinking not kept")
	}

	out.Reset()
	shown, _ := NewTerminal(Config{Out: &out, Live: true, ShowThinking: true, Plain: true})
	shown.RenderThinking("a")
	shown.RenderThinking("ab")
	if got := out.String(); got != "[thinking] ab" {
		t.Fatalf("unexpected thinking output %q", got)
	}
}

func TestMarkdownSeparatesAfterCodeBlocks(t *testing.T) {
	var out bytes.Buffer
	term, _ := NewTerminal(Config{Out: &out, Plain: true})
	term.Render(0, transcript.StylePlain, "Intro\n```python\nprint(1)\n```")
	term.Render(1, transcript.StyleAfterCode, "After")
	term.Render(2, transcript.StylePlain, "  ")
	want := "Intro\n```python\nprint(1)\n```\n\n---\n\nAfter"
	if got := term.Markdown(); got != want {
		t.Fatalf("markdown mismatch:\n%q\n%q", got, want)
	}
	if err := term.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if out.String() != want+"\n" {
		t.Fatalf("plain flush should print markdown as is, got %q", out.String())
	}
}

func TestGlamourFlush(t *testing.T) {
	var out bytes.Buffer
	term, err := NewTerminal(Config{Out: &out, Style: "notty", WordWrap: 60})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	term.Render(0, transcript.StylePlain, "# Title\n\nSome **bold** text.")
	if err := term.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "Title") || !strings.Contains(got, "bold") {
		t.Fatalf("rendered output missing content: %q", got)
	}
	if got == "# Title\n\nSome **bold** text.\n" {
		t.Fatalf("expected glamour to format the document")
	}
}

func TestBeginForgetsPreviousAnswer(t *testing.T) {
	var out bytes.Buffer
	term, _ := NewTerminal(Config{Out: &out, Plain: true})
	term.Render(0, transcript.StylePlain, "old")
	term.Begin()
	if term.Markdown() != "" {
		t.Fatalf("expected empty markdown after Begin")
	}
	if err := term.Flush(); err != nil || out.Len() != 0 {
		t.Fatalf("flush of empty answer wrote %q (err %v)", out.String(), err)
	}
}

func TestExecutionMirror(t *testing.T) {
	var out, exec bytes.Buffer
	term, _ := NewTerminal(Config{Out: &out, Exec: &exec, Plain: true})
	term.Execution(transcript.ExecutionEntry{Kind: events.KindCode, Language: "python", Content: "print(1)", NewBlock: true})
	term.Execution(transcript.ExecutionEntry{Kind: events.KindCode, Content: "\n", End: true})
	term.Execution(transcript.ExecutionEntry{Kind: events.KindConsole, Format: "output", Content: "1"})
	want := "\n--- code python ---\nprint(1)\n\n\n--- console (output) ---\n1"
	if got := exec.String(); got != want {
		t.Fatalf("exec mirror mismatch:\n%q\n%q", got, want)
	}
	if out.Len() != 0 {
		t.Fatalf("execution must not reach the answer output")
	}
}

func TestNewRequiresWriter(t *testing.T) {
	if _, err := NewTerminal(Config{}); err == nil {
		t.Fatalf("expected error")
	}
}
