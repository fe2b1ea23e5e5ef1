package elevenlabs

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/murmur/pkg/adapters/tts"
	"github.com/harunnryd/murmur/pkg/errorsx"
	"github.com/harunnryd/murmur/pkg/logging"
	"github.com/harunnryd/murmur/pkg/resilience"
)

type fakeStream struct {
	mu      sync.Mutex
	path    string
	apiKey  string
	texts   []string
	replies []map[string]any
}

func (f *fakeStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	f.mu.Lock()
	f.path = r.URL.Path
	f.apiKey = r.Header.Get("xi-api-key")
	f.mu.Unlock()
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		text, _ := msg["text"].(string)
		f.mu.Lock()
		f.texts = append(f.texts, text)
		replies := f.replies
		f.mu.Unlock()
		if text == "" {
			for _, rep := range replies {
				_ = conn.WriteJSON(rep)
			}
			return
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSynthesizeCollectsChunks(t *testing.T) {
	wav := []byte("RIFF\x00\x00\x00\x00WAVEfmt ")
	fake := &fakeStream{replies: []map[string]any{
		{"audio": base64.StdEncoding.EncodeToString(wav[:6])},
		{"audio": base64.StdEncoding.EncodeToString(wav[6:])},
		{"isFinal": true},
	}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	s, err := New(Config{
		APIKey:  "key",
		VoiceID: "default-id",
		Voices:  map[string]string{"nova": "nova-id"},
		BaseURL: wsURL(srv),
		Logger:  logging.Discard(),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := s.Synthesize(context.Background(), tts.Request{Text: "Hello there.", Voice: "Nova"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if string(res.Audio) != string(wav) || res.Format != tts.FormatWAV {
		t.Fatalf("unexpected result %q %q", res.Audio, res.Format)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.path != "/v1/text-to-speech/nova-id/stream-input" || fake.apiKey != "key" {
		t.Fatalf("unexpected handshake path=%q key=%q", fake.path, fake.apiKey)
	}
	if len(fake.texts) != 3 || fake.texts[1] != "Hello there. " || fake.texts[2] != "" {
		t.Fatalf("unexpected messages %q", fake.texts)
	}
}

func TestSynthesizeReportsServerError(t *testing.T) {
	fake := &fakeStream{replies: []map[string]any{{"error": "quota_exceeded", "message": "out of credits"}}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	s, _ := New(Config{APIKey: "key", VoiceID: "v", BaseURL: wsURL(srv), Logger: logging.Discard()})
	_, err := s.Synthesize(context.Background(), tts.Request{Text: "hi"})
	if !errorsx.HasReason(err, errorsx.ReasonSynthRejected) || !strings.Contains(err.Error(), "out of credits") {
		t.Fatalf("expected rejected error, got %v", err)
	}
	if resilience.IsTransient(err) {
		t.Fatalf("rejection must not be retried")
	}
}

func TestSynthesizeRateLimitedHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s, _ := New(Config{APIKey: "key", VoiceID: "v", BaseURL: wsURL(srv), Logger: logging.Discard()})
	_, err := s.Synthesize(context.Background(), tts.Request{Text: "hi"})
	if !resilience.IsRateLimit(err) || !errorsx.HasReason(err, errorsx.ReasonSynthRateLimit) {
		t.Fatalf("expected rate limit, got %v", err)
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(Config{VoiceID: "v"}); err == nil {
		t.Fatalf("expected api key error")
	}
	if _, err := New(Config{APIKey: "k"}); err == nil {
		t.Fatalf("expected voice error")
	}
}
