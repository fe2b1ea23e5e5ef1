package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/harunnryd/murmur/pkg/adapters/analysis"
	"github.com/harunnryd/murmur/pkg/errorsx"
	"github.com/harunnryd/murmur/pkg/logging"
	"github.com/harunnryd/murmur/pkg/resilience"
)

func completion(content string) map[string]any {
	return map[string]any{
		"id":     "chatcmpl-1",
		"object": "chat.completion",
		"model":  DefaultModel,
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
	}
}

func newAnalyzer(t *testing.T, h http.HandlerFunc) *Analyzer {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	a, err := New(Config{APIKey: "test-key", BaseURL: srv.URL + "/v1", Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return a
}

func TestAnalyzeParsesVerdict(t *testing.T) {
	a := newAnalyzer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["model"] != DefaultModel {
			t.Errorf("unexpected model %v", body["model"])
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(completion(`{"emotion":"Happy","summary":"<laugh> that worked"}`))
	})

	res, err := a.Analyze(context.Background(), "It worked!")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if res.Emotion != analysis.EmotionHappy || res.Summary != "<laugh> that worked" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestAnalyzeUnknownEmotionAndEmptySummary(t *testing.T) {
	a := newAnalyzer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(completion(`{"emotion":"smug","summary":""}`))
	})
	res, err := a.Analyze(context.Background(), "original")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if res.Emotion != analysis.EmotionNeutral || res.Summary != "original" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestAnalyzeBadJSON(t *testing.T) {
	a := newAnalyzer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(completion("sure! here you go"))
	})
	_, err := a.Analyze(context.Background(), "x")
	if !errorsx.HasReason(err, errorsx.ReasonAnalysisParse) {
		t.Fatalf("expected parse reason, got %v", err)
	}
}

func TestAnalyzeRateLimit(t *testing.T) {
	a := newAnalyzer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
	})
	_, err := a.Analyze(context.Background(), "x")
	if !resilience.IsRateLimit(err) {
		t.Fatalf("expected rate limit, got %v", err)
	}
	if !errorsx.HasReason(err, errorsx.ReasonAnalysisRequest) {
		t.Fatalf("expected request reason, got %s", errorsx.Reason(err))
	}
}

func TestNewRequiresKey(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error without key")
	}
}
