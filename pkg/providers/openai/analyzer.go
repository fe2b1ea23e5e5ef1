package openai

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/murmur/pkg/adapters/analysis"
	"github.com/harunnryd/murmur/pkg/errorsx"
	"github.com/harunnryd/murmur/pkg/logging"
	"github.com/harunnryd/murmur/pkg/redact"
	"github.com/harunnryd/murmur/pkg/resilience"
	goopenai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	DefaultModel       = "gpt-4o-mini"
	defaultTemperature = 0.7
	defaultMaxTokens   = 200
)

const systemPrompt = `You prepare assistant replies for a speaking avatar.
Rewrite the text the way a person would say it out loud. You may use these
vocal tags where they fit: <laugh>, <sigh>, <chuckle>, <cough>, <sniffle>,
<groan>, <yawn>, <gasp>. Never include markdown or code.
Pick the single emotion that best matches the tone, one of: happy, sad, angry,
fear, disgust, love, neutral.
Answer with a JSON object holding exactly two string fields, "emotion" and "summary".`

type Config struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
	Logger      *slog.Logger
}

// Analyzer asks a chat model for a speakable rewrite and an emotion tag.
type Analyzer struct {
	cfg    Config
	client *goopenai.Client
	logger *slog.Logger
}

type verdict struct {
	Emotion string `json:"emotion"`
	Summary string `json:"summary"`
}

func New(cfg Config) (*Analyzer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai: api_key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	oc := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	oc.HTTPClient = &http.Client{
		Timeout:   cfg.Timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	return &Analyzer{
		cfg:    cfg,
		client: goopenai.NewClientWithConfig(oc),
		logger: logging.NewComponentLogger(cfg.Logger, "openai_analyzer"),
	}, nil
}

func (a *Analyzer) Name() string { return "openai" }

func (a *Analyzer) Analyze(ctx context.Context, text string) (analysis.Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return analysis.Fallback(text), nil
	}
	resp, err := a.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model: a.cfg.Model,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: goopenai.ChatMessageRoleUser, Content: text},
		},
		Temperature: a.cfg.Temperature,
		MaxTokens:   a.cfg.MaxTokens,
		ResponseFormat: &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return analysis.Result{}, errorsx.Wrap(classify(err), errorsx.ReasonAnalysisRequest)
	}
	if len(resp.Choices) == 0 {
		return analysis.Result{}, errorsx.New(errorsx.ReasonAnalysisParse, "openai: no choices")
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	var v verdict
	if err := json.Unmarshal([]byte(content), &v); err != nil {
		a.logger.Warn("analysis response not json",
			slog.String("reason_code", string(errorsx.ReasonAnalysisParse)),
			slog.String("content", logging.Clip(redact.Text(content), 120)))
		return analysis.Result{}, errorsx.Wrapf(errorsx.ReasonAnalysisParse, "openai: parse verdict: %w", err)
	}
	out := analysis.Result{Emotion: analysis.ParseEmotion(v.Emotion), Summary: strings.TrimSpace(v.Summary)}
	if out.Summary == "" {
		out.Summary = text
	}
	a.logger.Debug("analysis complete",
		slog.String("emotion", string(out.Emotion)),
		slog.String("summary", logging.Clip(redact.Text(out.Summary), 120)))
	return out, nil
}

// classify maps API failures onto the shared resilience errors.
func classify(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests {
			return resilience.RateLimitError{Provider: "openai", Message: apiErr.Message}
		}
		return resilience.StatusError{Provider: "openai", Code: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode == http.StatusTooManyRequests {
			return resilience.RateLimitError{Provider: "openai", Message: reqErr.Error()}
		}
		return resilience.StatusError{Provider: "openai", Code: reqErr.HTTPStatusCode, Body: reqErr.Error()}
	}
	return err
}

var _ analysis.Analyzer = (*Analyzer)(nil)
