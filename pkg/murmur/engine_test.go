package murmur

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/murmur/pkg/adapters/tts"
	"github.com/harunnryd/murmur/pkg/logging"
	"github.com/harunnryd/murmur/pkg/metrics"
	"github.com/harunnryd/murmur/pkg/prefs"
	"github.com/harunnryd/murmur/pkg/providers/mock"
	"github.com/harunnryd/murmur/pkg/speech"
	"github.com/harunnryd/murmur/pkg/transcript"
	"github.com/harunnryd/murmur/pkg/transports/sse"
)

type fakeAssistant struct {
	mu     sync.Mutex
	frames []string
	// hold keeps the chat stream open until the request is cancelled.
	hold   bool
	resets []string
}

func (a *fakeAssistant) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/chat" {
		a.mu.Lock()
		a.resets = append(a.resets, r.URL.Path)
		a.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		return
	}
	_, _ = io.ReadAll(r.Body)
	w.Header().Set("Content-Type", "text/event-stream")
	a.mu.Lock()
	frames := append([]string(nil), a.frames...)
	hold := a.hold
	a.mu.Unlock()
	flusher, _ := w.(http.Flusher)
	for _, f := range frames {
		fmt.Fprintf(w, "data: %s\n\n", f)
		if flusher != nil {
			flusher.Flush()
		}
	}
	if hold {
		<-r.Context().Done()
	}
}

func (a *fakeAssistant) resetPaths() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.resets...)
}

type harness struct {
	engine *Engine
	synth  *mock.Synthesizer
	server *fakeAssistant
	store  *prefs.MemoryStore
	mem    *metrics.MemoryObserver
	// renderer is optional.
	renderer transcript.Renderer
}

func newHarness(t *testing.T, frames ...string) *harness {
	t.Helper()
	h := &harness{
		synth:  mock.NewTTS(mock.TTSConfig{PerWord: time.Millisecond, MaxDuration: 10 * time.Millisecond}),
		server: &fakeAssistant{frames: frames},
		store:  prefs.NewMemoryStore(),
		mem:    metrics.NewMemoryObserver(),
	}
	srv := httptest.NewServer(h.server)
	t.Cleanup(srv.Close)
	return h.start(t, srv.URL)
}

func (h *harness) start(t *testing.T, baseURL string) *harness {
	t.Helper()
	cfg := Config{
		Server:        ServerConfig{BaseURL: baseURL},
		Speech:        SpeechConfig{AdvanceDelayMS: 1, ErrorDelayMS: 1, RetryDelayMS: 1},
		Vendors:       VendorsConfig{TTS: VendorConfig{Provider: "mock"}, Audio: VendorConfig{Provider: "mock"}},
		Prefs:         PrefsConfig{Driver: prefs.DriverMemory},
		Observability: ObservabilityConfig{SampleRate: 1},
	}
	reg := DefaultRegistry()
	reg.RegisterTTS("mock", func(Config, *slog.Logger) (tts.Synthesizer, error) { return h.synth, nil })
	reg.RegisterAudio("mock", func(Config, *slog.Logger) (speech.Backend, error) {
		return mock.NewBackend(time.Microsecond, logging.Discard()), nil
	})
	client, err := sse.New(sse.Config{BaseURL: baseURL, Client: http.DefaultClient, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	e, err := NewEngine(EngineOptions{
		Config:    cfg,
		Providers: reg,
		Renderer:  h.renderer,
		Logger:    logging.Discard(),
		Observer:  h.mem,
		Client:    client,
		Store:     h.store,
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	h.engine = e
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAskRendersAndSpeaks(t *testing.T) {
	h := newHarness(t,
		`{"type":"message","content":"Hello **world**."}`,
		`{"type":"code","format":"python","content":"print(1)"}`,
		`[DONE]`)

	m, err := h.engine.Ask(context.Background(), "hi")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	st := m.State()
	if !st.Finished || st.Reason != transcript.ReasonDone {
		t.Fatalf("expected finished stream, got %+v", st)
	}
	if !strings.Contains(m.NormalText(), "Hello **world**.") {
		t.Fatalf("unexpected transcript %q", m.NormalText())
	}
	waitFor(t, "synthesis", func() bool { return len(h.synth.Calls()) > 0 })
	spoken := h.synth.Calls()[0].Text
	if !strings.Contains(spoken, "Hello world.") || strings.Contains(spoken, "**") {
		t.Fatalf("expected speakable text, got %q", spoken)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.engine.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if h.engine.Current() != m {
		t.Fatalf("expected current machine to be the last stream")
	}
}

func TestAskWhileMutedQueuesWithoutPlaying(t *testing.T) {
	h := newHarness(t, `{"type":"message","content":"Quiet please."}`, `[DONE]`)
	if muted, err := h.engine.ToggleMute(); err != nil || !muted {
		t.Fatalf("expected muted, got %v %v", muted, err)
	}
	if v, found, _ := h.store.LoadBool(speech.MuteKey); !found || !v {
		t.Fatalf("mute flag not persisted")
	}
	if _, err := h.engine.Ask(context.Background(), "hi"); err != nil {
		t.Fatalf("ask: %v", err)
	}
	if err := h.engine.Drain(context.Background()); err != nil {
		t.Fatalf("drain should return at once when muted: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if n := len(h.synth.Calls()); n != 0 {
		t.Fatalf("expected no synthesis while muted, got %d", n)
	}
	if h.engine.Coordinator().Queue().PeekSize() != 1 {
		t.Fatalf("expected unit to stay queued")
	}
}

func TestNewAskSupersedesStreamInFlight(t *testing.T) {
	h := newHarness(t, `{"type":"message","content":"First answer."}`)
	h.server.hold = true

	done := make(chan *transcript.Machine, 1)
	go func() {
		m, err := h.engine.Ask(context.Background(), "first")
		if err != nil {
			t.Errorf("superseded ask should not fail: %v", err)
		}
		done <- m
	}()
	waitFor(t, "first stream", func() bool {
		m := h.engine.Current()
		return m != nil && strings.Contains(m.NormalText(), "First")
	})

	h.server.mu.Lock()
	h.server.hold = false
	h.server.frames = []string{`{"type":"message","content":"Second answer."}`, `[DONE]`}
	h.server.mu.Unlock()
	second, err := h.engine.Ask(context.Background(), "second")
	if err != nil {
		t.Fatalf("second ask: %v", err)
	}

	var first *transcript.Machine
	select {
	case first = <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("first stream was not aborted")
	}
	if first.State().Reason != transcript.ReasonAborted {
		t.Fatalf("expected first stream aborted, got %q", first.State().Reason)
	}
	waitFor(t, "synthesis", func() bool { return len(h.synth.Calls()) > 0 })
	for _, c := range h.synth.Calls() {
		if strings.Contains(c.Text, "First") {
			t.Fatalf("aborted stream must not be spoken: %q", c.Text)
		}
	}
	if second.State().Reason != transcript.ReasonDone {
		t.Fatalf("unexpected second reason %q", second.State().Reason)
	}
}

func TestNewChatResetsTracking(t *testing.T) {
	h := newHarness(t, `{"type":"message","content":"Something to replay."}`, `[DONE]`)
	if _, err := h.engine.ToggleMute(); err != nil {
		t.Fatalf("mute: %v", err)
	}
	if _, err := h.engine.Ask(context.Background(), "hi"); err != nil {
		t.Fatalf("ask: %v", err)
	}
	if h.engine.Coordinator().ReplayBuffer().Last() == "" {
		t.Fatalf("expected replay buffer to capture the answer")
	}
	if err := h.engine.NewChat(context.Background()); err != nil {
		t.Fatalf("new chat: %v", err)
	}
	if h.engine.Current() != nil {
		t.Fatalf("transcript should be discarded")
	}
	if h.engine.Coordinator().Queue().PeekSize() != 0 {
		t.Fatalf("queue should be cleared")
	}
	if err := h.engine.Replay(); err != speech.ErrNothingToReplay {
		t.Fatalf("expected nothing to replay, got %v", err)
	}
	if got := h.server.resetPaths(); len(got) != 1 || got[0] != sse.DefaultResetPath {
		t.Fatalf("unexpected reset calls %v", got)
	}
	if err := h.engine.ResetFrom(context.Background(), 2); err != nil {
		t.Fatalf("reset from: %v", err)
	}
	if got := h.server.resetPaths(); len(got) != 2 || got[1] != sse.DefaultResetFromPath {
		t.Fatalf("unexpected reset calls %v", got)
	}
}

func TestReplayPlaysWhileMuted(t *testing.T) {
	h := newHarness(t, `{"type":"message","content":"Say it again."}`, `[DONE]`)
	if _, err := h.engine.ToggleMute(); err != nil {
		t.Fatalf("mute: %v", err)
	}
	if _, err := h.engine.Ask(context.Background(), "hi"); err != nil {
		t.Fatalf("ask: %v", err)
	}
	if err := h.engine.Replay(); err != nil {
		t.Fatalf("replay: %v", err)
	}
	waitFor(t, "replayed synthesis", func() bool { return len(h.synth.Calls()) == 1 })
	if !h.engine.Muted() {
		t.Fatalf("mute flag should be restored after replay")
	}
}

func TestChatFailureReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	h := &harness{
		synth: mock.NewTTS(mock.TTSConfig{}),
		store: prefs.NewMemoryStore(),
		mem:   metrics.NewMemoryObserver(),
	}
	h.start(t, srv.URL)
	m, err := h.engine.Ask(context.Background(), "hi")
	if err == nil {
		t.Fatalf("expected error")
	}
	if m == nil || m.State().Reason != transcript.ReasonAborted {
		t.Fatalf("expected aborted machine, got %+v", m)
	}
}

func TestSetVoiceAppliesToNewUnits(t *testing.T) {
	h := newHarness(t, `{"type":"message","content":"New voice."}`, `[DONE]`)
	h.engine.SetVoice("nova")
	if h.engine.Voice() != "nova" {
		t.Fatalf("voice not set")
	}
	if _, err := h.engine.Ask(context.Background(), "hi"); err != nil {
		t.Fatalf("ask: %v", err)
	}
	waitFor(t, "synthesis", func() bool { return len(h.synth.Calls()) > 0 })
	if got := h.synth.Calls()[0].Voice; got != "nova" {
		t.Fatalf("expected nova voice, got %q", got)
	}
}

// finishGate blocks the final render of a stream until release is closed.
type finishGate struct {
	mu      sync.Mutex
	calls   int
	entered chan struct{}
	release chan struct{}
}

func (g *finishGate) Render(int, transcript.BlockStyle, string) {
	g.mu.Lock()
	g.calls++
	n := g.calls
	g.mu.Unlock()
	if n == 2 {
		close(g.entered)
		<-g.release
	}
}

func (g *finishGate) RenderThinking(string) {}

func TestResetDuringFinishDropsStaleAnswer(t *testing.T) {
	gate := &finishGate{entered: make(chan struct{}), release: make(chan struct{})}
	h := &harness{
		synth:    mock.NewTTS(mock.TTSConfig{PerWord: time.Millisecond}),
		server:   &fakeAssistant{frames: []string{`{"type":"message","content":"Stale answer."}`, `[DONE]`}},
		store:    prefs.NewMemoryStore(),
		mem:      metrics.NewMemoryObserver(),
		renderer: gate,
	}
	srv := httptest.NewServer(h.server)
	defer srv.Close()
	h.start(t, srv.URL)

	asked := make(chan error, 1)
	go func() {
		_, err := h.engine.Ask(context.Background(), "hi")
		asked <- err
	}()
	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("stream never reached its final render")
	}
	m := h.engine.Current()
	if m == nil {
		t.Fatalf("expected a stream in flight")
	}

	reset := make(chan struct{})
	go func() {
		h.engine.ResetAllTracking()
		close(reset)
	}()
	waitFor(t, "abort of the finishing stream", m.Superseded)
	close(gate.release)
	<-reset
	if err := <-asked; err != nil {
		t.Fatalf("ask: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if calls := h.synth.Calls(); len(calls) != 0 {
		t.Fatalf("answer discarded by reset was spoken: %q", calls[0].Text)
	}
	if last := h.engine.Coordinator().ReplayBuffer().Last(); last != "" {
		t.Fatalf("replay buffer should stay empty, got %q", last)
	}
	if h.engine.Coordinator().Queue().PeekSize() != 0 {
		t.Fatalf("queue should stay empty")
	}
	if h.engine.Current() != nil {
		t.Fatalf("transcript should be discarded")
	}
}

func TestEachAskOwnsItsDiagnostics(t *testing.T) {
	h := newHarness(t, `{"type":"code","format":"python","content":"print(1)"}`, `[DONE]`)
	first, err := h.engine.Ask(context.Background(), "one")
	if err != nil {
		t.Fatalf("first ask: %v", err)
	}
	second, err := h.engine.Ask(context.Background(), "two")
	if err != nil {
		t.Fatalf("second ask: %v", err)
	}
	if first.Diagnostics() == second.Diagnostics() {
		t.Fatalf("streams must not share a chunk collector")
	}
	if len(first.Diagnostics().Blocks()) == 0 {
		t.Fatalf("first stream lost its chunks to the second")
	}
}
