package sse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/murmur/pkg/errorsx"
	"github.com/harunnryd/murmur/pkg/logging"
	"github.com/harunnryd/murmur/pkg/redact"
	"github.com/harunnryd/murmur/pkg/resilience"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Default routes of the assistant server.
const (
	DefaultChatPath      = "/chat"
	DefaultResetPath     = "/reset"
	DefaultResetFromPath = "/reset_from_index"
	DefaultResetToPath   = "/reset_to_message"
)

type Config struct {
	BaseURL       string
	ChatPath      string
	ResetPath     string
	ResetFromPath string
	ResetToPath   string
	// Timeout bounds the reset calls. Chat streams are bounded by ctx only.
	Timeout time.Duration
	Client  *http.Client
	Logger  *slog.Logger
}

// ChatRequest is the body of a chat call.
type ChatRequest struct {
	Prompt string `json:"prompt"`
}

// HistoryMessage is one entry of a conversation sent to ResetTo.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client talks to the assistant server: one streaming chat route and the
// conversation reset routes.
type Client struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

func New(cfg Config) (*Client, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, errors.New("sse: base_url is required")
	}
	cfg.ChatPath = route(cfg.ChatPath, DefaultChatPath)
	cfg.ResetPath = route(cfg.ResetPath, DefaultResetPath)
	cfg.ResetFromPath = route(cfg.ResetFromPath, DefaultResetFromPath)
	cfg.ResetToPath = route(cfg.ResetToPath, DefaultResetToPath)
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := cfg.Client
	if client == nil {
		// No client timeout: it would cut long streams.
		client = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport,
				otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
					return r.Method + " " + r.URL.Path
				})),
		}
	}
	return &Client{cfg: cfg, client: client, logger: logging.NewComponentLogger(cfg.Logger, "sse_client")}, nil
}

func route(p, def string) string {
	if p == "" {
		return def
	}
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

// Chat posts the prompt and returns the event stream body. The caller closes it.
func (c *Client) Chat(ctx context.Context, in ChatRequest) (io.ReadCloser, error) {
	if strings.TrimSpace(in.Prompt) == "" {
		return nil, errorsx.New(errorsx.ReasonStreamConnect, "sse: empty prompt")
	}
	req, err := c.newRequest(ctx, c.cfg.ChatPath, in)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonStreamConnect)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errorsx.Wrapf(errorsx.ReasonStreamConnect, "sse: chat: %w", err)
	}
	if err := statusError(resp); err != nil {
		resp.Body.Close()
		return nil, errorsx.Wrap(err, errorsx.ReasonStreamStatus)
	}
	c.logger.Debug("chat stream opened",
		slog.String("prompt", logging.Clip(redact.Text(in.Prompt), 80)),
		slog.String("content_type", resp.Header.Get("Content-Type")))
	return resp.Body, nil
}

// Reset clears the server-side conversation.
func (c *Client) Reset(ctx context.Context) error {
	return c.post(ctx, c.cfg.ResetPath, nil)
}

// ResetFrom truncates the server-side conversation at index.
func (c *Client) ResetFrom(ctx context.Context, index int) error {
	if index < 0 {
		return errorsx.New(errorsx.ReasonStreamReset, "sse: negative message index")
	}
	return c.post(ctx, c.cfg.ResetFromPath, map[string]int{"message_index": index})
}

// ResetTo replaces the server-side conversation with messages.
func (c *Client) ResetTo(ctx context.Context, messages []HistoryMessage) error {
	if messages == nil {
		messages = []HistoryMessage{}
	}
	return c.post(ctx, c.cfg.ResetToPath, map[string][]HistoryMessage{"messages": messages})
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	req, err := c.newRequest(ctx, path, body)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonStreamReset)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return errorsx.Wrapf(errorsx.ReasonStreamReset, "sse: %s: %w", path, err)
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonStreamReset)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	c.logger.Debug("conversation reset", slog.String("path", path))
	return nil
}

func (c *Client) newRequest(ctx context.Context, path string, body any) (*http.Request, error) {
	var r io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode == http.StatusTooManyRequests {
		return resilience.RateLimitError{Provider: "assistant", Message: strings.TrimSpace(string(raw))}
	}
	return resilience.StatusError{Provider: "assistant", Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
}
