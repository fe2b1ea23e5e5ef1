package synthapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/murmur/pkg/adapters/tts"
	"github.com/harunnryd/murmur/pkg/errorsx"
	"github.com/harunnryd/murmur/pkg/logging"
	"github.com/harunnryd/murmur/pkg/resilience"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultPath is the synthesis route of the assistant server.
const DefaultPath = "/api/text-to-speech-orpheus"

type Config struct {
	BaseURL string
	Path    string
	Timeout time.Duration
	Client  *http.Client
	Logger  *slog.Logger
}

// Synthesizer posts {text, voice} and expects {success, audio, error} back,
// with audio base64 encoded.
type Synthesizer struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

type request struct {
	Text  string `json:"text"`
	Voice string `json:"voice"`
}

type response struct {
	Success bool   `json:"success"`
	Audio   string `json:"audio"`
	Error   string `json:"error"`
}

func New(cfg Config) (*Synthesizer, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, errors.New("synthapi: base_url is required")
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if !strings.HasPrefix(cfg.Path, "/") {
		cfg.Path = "/" + cfg.Path
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Timeout: cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport,
				otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
					return "synthesize " + r.URL.Path
				})),
		}
	}
	return &Synthesizer{
		cfg:    cfg,
		client: client,
		logger: logging.NewComponentLogger(cfg.Logger, "synthapi"),
	}, nil
}

func (s *Synthesizer) Name() string { return "synthapi" }

func (s *Synthesizer) Synthesize(ctx context.Context, in tts.Request) (tts.Result, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return tts.Result{}, errorsx.New(errorsx.ReasonSynthRequest, "synthapi: empty text")
	}
	body, err := json.Marshal(request{Text: text, Voice: in.Voice})
	if err != nil {
		return tts.Result{}, errorsx.Wrap(err, errorsx.ReasonSynthRequest)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+s.cfg.Path, bytes.NewReader(body))
	if err != nil {
		return tts.Result{}, errorsx.Wrap(err, errorsx.ReasonSynthRequest)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return tts.Result{}, errorsx.Wrapf(errorsx.ReasonSynthRequest, "synthapi: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.Result{}, errorsx.Wrapf(errorsx.ReasonSynthRequest, "synthapi: read body: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return tts.Result{}, errorsx.Wrap(resilience.RateLimitError{Provider: "synthapi", Message: strings.TrimSpace(string(raw))}, errorsx.ReasonSynthRateLimit)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return tts.Result{}, errorsx.Wrap(resilience.StatusError{
			Provider: "synthapi",
			Code:     resp.StatusCode,
			Body:     logging.Clip(string(raw), 200),
		}, errorsx.ReasonSynthStatus)
	}

	var out response
	if err := json.Unmarshal(raw, &out); err != nil {
		return tts.Result{}, errorsx.Wrapf(errorsx.ReasonSynthDecode, "synthapi: decode response: %w", err)
	}
	if !out.Success || out.Audio == "" {
		msg := out.Error
		if msg == "" {
			msg = "synthesis reported failure"
		}
		return tts.Result{}, errorsx.Wrap(&rejectedError{msg: msg}, errorsx.ReasonSynthRejected)
	}
	audio, err := base64.StdEncoding.DecodeString(out.Audio)
	if err != nil {
		return tts.Result{}, errorsx.Wrapf(errorsx.ReasonSynthDecode, "synthapi: decode audio: %w", err)
	}

	s.logger.Debug("synthesis complete",
		slog.String("voice", in.Voice),
		slog.Int("size_bytes", len(audio)),
		slog.Int64("latency_ms", time.Since(start).Milliseconds()))
	return tts.Result{Audio: audio, Format: tts.SniffFormat(audio)}, nil
}

// rejectedError is a well-formed failure answer; retrying it is pointless.
type rejectedError struct{ msg string }

func (e *rejectedError) Error() string { return "synthapi: " + e.msg }

// Permanent marks the error as not worth retrying.
func (e *rejectedError) Permanent() bool { return true }

var _ tts.Synthesizer = (*Synthesizer)(nil)
