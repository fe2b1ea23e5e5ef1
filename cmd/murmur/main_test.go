package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/harunnryd/murmur/pkg/logging"
	"github.com/harunnryd/murmur/pkg/murmur"
	"github.com/harunnryd/murmur/pkg/prefs"
	"github.com/harunnryd/murmur/pkg/render"
)

func newTestEngine(t *testing.T, out *bytes.Buffer) (*murmur.Engine, *render.Terminal, *[]string) {
	t.Helper()
	var resets []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/chat" {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "data: {\"type\":\"message\",\"content\":\"Hi there.\"}\n\ndata: [DONE]\n\n")
			return
		}
		resets = append(resets, r.URL.Path)
	}))
	t.Cleanup(srv.Close)

	term, err := render.NewTerminal(render.Config{Out: out, Plain: true})
	if err != nil {
		t.Fatalf("terminal: %v", err)
	}
	engine, err := murmur.NewEngine(murmur.EngineOptions{
		Config: murmur.Config{
			Server: murmur.ServerConfig{BaseURL: srv.URL},
			Vendors: murmur.VendorsConfig{
				TTS:   murmur.VendorConfig{Provider: "mock"},
				Audio: murmur.VendorConfig{Provider: "mock"},
			},
			Prefs:         murmur.PrefsConfig{Driver: prefs.DriverMemory},
			Observability: murmur.ObservabilityConfig{SampleRate: 1},
		},
		Renderer: term,
		Sink:     term,
		Logger:   logging.Discard(),
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	return engine, term, &resets
}

func TestChatLoopCommands(t *testing.T) {
	var out bytes.Buffer
	engine, term, resets := newTestEngine(t, &out)
	in := strings.NewReader("/mute\nhello\n/voice nova\n/voice\n/bogus\n/reset\n/replay\n/quit\nignored\n")

	if err := chatLoop(context.Background(), in, &out, engine, term); err != nil {
		t.Fatalf("chat loop: %v", err)
	}
	got := out.String()
	for _, want := range []string{"muted: true", "Hi there.", "voice: nova", "unknown command /bogus", "new chat", "nothing to replay yet"} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected %q in output:\n%s", want, got)
		}
	}
	if len(*resets) != 1 || (*resets)[0] != "/reset" {
		t.Fatalf("unexpected reset calls %v", *resets)
	}
}

func TestChatLoopStopsOnCancel(t *testing.T) {
	var out bytes.Buffer
	engine, term, _ := newTestEngine(t, &out)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pr, pw := newBlockingReader()
	defer pw()
	if err := chatLoop(ctx, pr, &out, engine, term); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

type blockingReader struct{ done chan struct{} }

func (b blockingReader) Read([]byte) (int, error) {
	<-b.done
	return 0, fmt.Errorf("closed")
}

func newBlockingReader() (blockingReader, func()) {
	b := blockingReader{done: make(chan struct{})}
	return b, func() { close(b.done) }
}
