package sse

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/harunnryd/murmur/pkg/errorsx"
	"github.com/harunnryd/murmur/pkg/logging"
	"github.com/harunnryd/murmur/pkg/resilience"
)

type recorded struct {
	path   string
	accept string
	body   map[string]any
}

type assistant struct {
	mu       sync.Mutex
	requests []recorded
	status   int
}

func (a *assistant) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &body)
	}
	a.mu.Lock()
	a.requests = append(a.requests, recorded{path: r.URL.Path, accept: r.Header.Get("Accept"), body: body})
	status := a.status
	a.mu.Unlock()
	if status != 0 {
		http.Error(w, "nope", status)
		return
	}
	if r.URL.Path == DefaultChatPath {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"type\":\"message\",\"content\":\"hi\"}\n\ndata: [DONE]\n\n")
		return
	}
	_, _ = io.WriteString(w, `{"status":"ok"}`)
}

func (a *assistant) last() recorded {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requests[len(a.requests)-1]
}

func newClient(t *testing.T, a *assistant) *Client {
	t.Helper()
	srv := httptest.NewServer(a)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL + "/", Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return c
}

func TestChatReturnsStreamBody(t *testing.T) {
	a := &assistant{}
	c := newClient(t, a)
	body, err := c.Chat(context.Background(), ChatRequest{Prompt: "hello"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	defer body.Close()
	raw, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(raw) != "data: {\"type\":\"message\",\"content\":\"hi\"}\n\ndata: [DONE]\n\n" {
		t.Fatalf("unexpected body %q", raw)
	}
	req := a.last()
	if req.path != "/chat" || req.accept != "text/event-stream" || req.body["prompt"] != "hello" {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestChatStatusErrors(t *testing.T) {
	cases := []struct {
		status    int
		rateLimit bool
		transient bool
	}{
		{status: http.StatusTooManyRequests, rateLimit: true, transient: true},
		{status: http.StatusInternalServerError, transient: true},
		{status: http.StatusBadRequest},
	}
	for _, tc := range cases {
		a := &assistant{status: tc.status}
		c := newClient(t, a)
		_, err := c.Chat(context.Background(), ChatRequest{Prompt: "hello"})
		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}
		if errorsx.Reason(err) != errorsx.ReasonStreamStatus {
			t.Fatalf("status %d: unexpected reason %q", tc.status, errorsx.Reason(err))
		}
		if resilience.IsRateLimit(err) != tc.rateLimit {
			t.Fatalf("status %d: rate limit mismatch", tc.status)
		}
		if resilience.IsTransient(err) != tc.transient {
			t.Fatalf("status %d: transient mismatch", tc.status)
		}
	}
}

func TestChatRejectsEmptyPrompt(t *testing.T) {
	a := &assistant{}
	c := newClient(t, a)
	if _, err := c.Chat(context.Background(), ChatRequest{Prompt: "  "}); err == nil {
		t.Fatalf("expected error")
	}
	if len(a.requests) != 0 {
		t.Fatalf("expected no request to be sent")
	}
}

func TestResetRoutes(t *testing.T) {
	a := &assistant{}
	c := newClient(t, a)
	ctx := context.Background()

	if err := c.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if got := a.last(); got.path != "/reset" || got.body != nil {
		t.Fatalf("unexpected reset request %+v", got)
	}

	if err := c.ResetFrom(ctx, 3); err != nil {
		t.Fatalf("reset from: %v", err)
	}
	if got := a.last(); got.path != "/reset_from_index" || got.body["message_index"] != float64(3) {
		t.Fatalf("unexpected reset_from request %+v", got)
	}

	if err := c.ResetTo(ctx, []HistoryMessage{{Role: "user", Content: "hi"}}); err != nil {
		t.Fatalf("reset to: %v", err)
	}
	got := a.last()
	msgs, _ := got.body["messages"].([]any)
	if got.path != "/reset_to_message" || len(msgs) != 1 {
		t.Fatalf("unexpected reset_to request %+v", got)
	}

	if err := c.ResetFrom(ctx, -1); errorsx.Reason(err) != errorsx.ReasonStreamReset {
		t.Fatalf("expected reset reason for negative index, got %v", err)
	}
}

func TestResetFailureCarriesReason(t *testing.T) {
	a := &assistant{status: http.StatusBadGateway}
	c := newClient(t, a)
	err := c.Reset(context.Background())
	if errorsx.Reason(err) != errorsx.ReasonStreamReset {
		t.Fatalf("unexpected reason %q", errorsx.Reason(err))
	}
	var se resilience.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadGateway {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error")
	}
}
