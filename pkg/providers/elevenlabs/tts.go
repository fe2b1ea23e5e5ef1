package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/murmur/pkg/adapters/tts"
	"github.com/harunnryd/murmur/pkg/errorsx"
	"github.com/harunnryd/murmur/pkg/logging"
	"github.com/harunnryd/murmur/pkg/resilience"
)

const (
	DefaultBaseURL      = "wss://api.elevenlabs.io"
	DefaultOutputFormat = "mp3_44100_128"
)

type Config struct {
	APIKey string
	// VoiceID is used when the requested voice has no entry in Voices.
	VoiceID      string
	Voices       map[string]string
	ModelID      string
	OutputFormat string
	BaseURL      string
	Timeout      time.Duration
	Logger       *slog.Logger
}

// Synthesizer opens one stream-input session per request, sends the whole
// text and collects the audio chunks until the final message.
type Synthesizer struct {
	cfg    Config
	dialer websocket.Dialer
	logger *slog.Logger
}

type message struct {
	Audio       string `json:"audio"`
	AudioBase64 string `json:"audio_base_64"`
	IsFinal     bool   `json:"isFinal"`
	Error       string `json:"error"`
	Message     string `json:"message"`
}

func New(cfg Config) (*Synthesizer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("elevenlabs: api_key is required")
	}
	if strings.TrimSpace(cfg.VoiceID) == "" && len(cfg.Voices) == 0 {
		return nil, errors.New("elevenlabs: voice_id or voices is required")
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = DefaultOutputFormat
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Synthesizer{
		cfg:    cfg,
		dialer: websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 10 * time.Second},
		logger: logging.NewComponentLogger(cfg.Logger, "elevenlabs_tts"),
	}, nil
}

func (s *Synthesizer) Name() string { return "elevenlabs" }

func (s *Synthesizer) voiceID(voice string) string {
	if id, ok := s.cfg.Voices[strings.ToLower(strings.TrimSpace(voice))]; ok && id != "" {
		return id
	}
	return s.cfg.VoiceID
}

func (s *Synthesizer) buildURL(voiceID string) string {
	q := url.Values{}
	if s.cfg.ModelID != "" {
		q.Set("model_id", s.cfg.ModelID)
	}
	q.Set("output_format", s.cfg.OutputFormat)
	return s.cfg.BaseURL + "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream-input?" + q.Encode()
}

func (s *Synthesizer) Synthesize(ctx context.Context, in tts.Request) (tts.Result, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return tts.Result{}, errorsx.New(errorsx.ReasonSynthRequest, "elevenlabs: empty text")
	}
	voiceID := s.voiceID(in.Voice)
	if voiceID == "" {
		return tts.Result{}, errorsx.New(errorsx.ReasonSynthRequest, "elevenlabs: no voice id for "+in.Voice)
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	start := time.Now()
	conn, resp, err := s.dialer.DialContext(ctx, s.buildURL(voiceID), http.Header{
		"xi-api-key": []string{s.cfg.APIKey},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return tts.Result{}, errorsx.Wrap(resilience.RateLimitError{Provider: "elevenlabs", Message: resp.Status}, errorsx.ReasonSynthRateLimit)
		}
		if resp != nil {
			return tts.Result{}, errorsx.Wrap(resilience.StatusError{Provider: "elevenlabs", Code: resp.StatusCode}, errorsx.ReasonSynthStatus)
		}
		return tts.Result{}, errorsx.Wrapf(errorsx.ReasonSynthRequest, "elevenlabs: dial: %w", err)
	}
	defer conn.Close()

	// Unblock reads when ctx ends.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	for _, payload := range []map[string]any{
		{
			"text": " ",
			"voice_settings": map[string]any{
				"stability":        0.5,
				"similarity_boost": 0.8,
			},
		},
		{"text": text + " ", "try_trigger_generation": true},
		{"text": ""},
	} {
		if err := conn.WriteJSON(payload); err != nil {
			return tts.Result{}, errorsx.Wrapf(errorsx.ReasonSynthRequest, "elevenlabs: send: %w", err)
		}
	}

	var audio bytes.Buffer
	chunks := 0
	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return tts.Result{}, errorsx.Wrapf(errorsx.ReasonSynthRequest, "elevenlabs: %w", ctx.Err())
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) && audio.Len() > 0 {
				break
			}
			return tts.Result{}, errorsx.Wrapf(errorsx.ReasonSynthDecode, "elevenlabs: read: %w", err)
		}
		if msg.Error != "" {
			detail := msg.Error
			if msg.Message != "" {
				detail += ": " + msg.Message
			}
			return tts.Result{}, errorsx.Wrap(&rejectedError{msg: detail}, errorsx.ReasonSynthRejected)
		}
		encoded := msg.Audio
		if encoded == "" {
			encoded = msg.AudioBase64
		}
		if encoded != "" {
			raw, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				return tts.Result{}, errorsx.Wrapf(errorsx.ReasonSynthDecode, "elevenlabs: decode audio: %w", err)
			}
			audio.Write(raw)
			chunks++
		}
		if msg.IsFinal {
			break
		}
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	if audio.Len() == 0 {
		return tts.Result{}, errorsx.Wrap(&rejectedError{msg: "no audio returned"}, errorsx.ReasonSynthRejected)
	}
	s.logger.Debug("synthesis complete",
		slog.String("voice_id", voiceID),
		slog.Int("chunks", chunks),
		slog.Int("size_bytes", audio.Len()),
		slog.Int64("latency_ms", time.Since(start).Milliseconds()))

	format := tts.SniffFormat(audio.Bytes())
	if format == "" && strings.HasPrefix(s.cfg.OutputFormat, "mp3") {
		format = tts.FormatMP3
	}
	return tts.Result{Audio: audio.Bytes(), Format: format}, nil
}

// rejectedError is an error message from the service; retrying will not help.
type rejectedError struct{ msg string }

func (e *rejectedError) Error() string   { return "elevenlabs: " + e.msg }
func (e *rejectedError) Permanent() bool { return true }

var _ tts.Synthesizer = (*Synthesizer)(nil)
