package murmur

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/faiface/beep"
	"github.com/harunnryd/murmur/pkg/adapters/analysis"
	"github.com/harunnryd/murmur/pkg/adapters/tts"
	"github.com/harunnryd/murmur/pkg/backends/audio"
	"github.com/harunnryd/murmur/pkg/backends/avatar"
	"github.com/harunnryd/murmur/pkg/configutil"
	"github.com/harunnryd/murmur/pkg/providers/elevenlabs"
	"github.com/harunnryd/murmur/pkg/providers/mock"
	"github.com/harunnryd/murmur/pkg/providers/openai"
	"github.com/harunnryd/murmur/pkg/providers/synthapi"
	"github.com/harunnryd/murmur/pkg/speech"
)

type TTSFactory func(cfg Config, logger *slog.Logger) (tts.Synthesizer, error)
type AnalyzerFactory func(cfg Config, logger *slog.Logger) (analysis.Analyzer, error)
type BackendFactory func(cfg Config, logger *slog.Logger) (speech.Backend, error)

// ProviderRegistry maps the provider names used in vendors.* to constructors.
type ProviderRegistry struct {
	tts      map[string]TTSFactory
	analysis map[string]AnalyzerFactory
	avatar   map[string]BackendFactory
	audio    map[string]BackendFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		tts:      make(map[string]TTSFactory),
		analysis: make(map[string]AnalyzerFactory),
		avatar:   make(map[string]BackendFactory),
		audio:    make(map[string]BackendFactory),
	}
}

// DefaultRegistry knows every provider shipped with murmur.
func DefaultRegistry() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterTTS("synthapi", buildSynthAPI)
	r.RegisterTTS("elevenlabs", buildElevenLabs)
	r.RegisterTTS("mock", buildMockTTS)
	r.RegisterAnalyzer("openai", buildOpenAI)
	r.RegisterAnalyzer("mock", func(Config, *slog.Logger) (analysis.Analyzer, error) {
		return mock.NewAnalyzer(), nil
	})
	r.RegisterAvatar("websocket", buildAvatar)
	r.RegisterAudio("speaker", buildSpeaker)
	r.RegisterAudio("mock", buildMockBackend)
	return r
}

func key(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

func (r *ProviderRegistry) RegisterTTS(name string, factory TTSFactory) {
	r.tts[key(name)] = factory
}

func (r *ProviderRegistry) RegisterAnalyzer(name string, factory AnalyzerFactory) {
	r.analysis[key(name)] = factory
}

func (r *ProviderRegistry) RegisterAvatar(name string, factory BackendFactory) {
	r.avatar[key(name)] = factory
}

func (r *ProviderRegistry) RegisterAudio(name string, factory BackendFactory) {
	r.audio[key(name)] = factory
}

func (r *ProviderRegistry) BuildTTS(cfg Config, logger *slog.Logger) (tts.Synthesizer, error) {
	provider := cfg.Vendors.TTS.Provider
	fn := r.tts[key(provider)]
	if fn == nil {
		return nil, fmt.Errorf("tts provider not registered: %s", provider)
	}
	return fn(cfg, logger)
}

// BuildAnalyzer returns nil for provider "none"; the coordinator then speaks
// text as is with a neutral emotion.
func (r *ProviderRegistry) BuildAnalyzer(cfg Config, logger *slog.Logger) (analysis.Analyzer, error) {
	provider := cfg.Vendors.Analysis.Provider
	if isNone(provider) {
		return nil, nil
	}
	fn := r.analysis[key(provider)]
	if fn == nil {
		return nil, fmt.Errorf("analysis provider not registered: %s", provider)
	}
	return fn(cfg, logger)
}

func (r *ProviderRegistry) BuildAvatar(cfg Config, logger *slog.Logger) (speech.Backend, error) {
	return buildBackend(r.avatar, "avatar", cfg.Vendors.Avatar.Provider, cfg, logger)
}

func (r *ProviderRegistry) BuildAudio(cfg Config, logger *slog.Logger) (speech.Backend, error) {
	return buildBackend(r.audio, "audio", cfg.Vendors.Audio.Provider, cfg, logger)
}

func buildBackend(m map[string]BackendFactory, kind, provider string, cfg Config, logger *slog.Logger) (speech.Backend, error) {
	if isNone(provider) {
		return nil, nil
	}
	fn := m[key(provider)]
	if fn == nil {
		return nil, fmt.Errorf("%s provider not registered: %s", kind, provider)
	}
	return fn(cfg, logger)
}

func buildSynthAPI(cfg Config, logger *slog.Logger) (tts.Synthesizer, error) {
	var s struct {
		BaseURL string        `mapstructure:"base_url"`
		Path    string        `mapstructure:"path"`
		Timeout time.Duration `mapstructure:"timeout"`
	}
	schema := configutil.Schema{Optional: []string{"base_url", "path", "timeout"}}
	if err := configutil.DecodeVendor("tts", "synthapi", cfg.Vendors.TTS.Settings, schema, &s); err != nil {
		return nil, err
	}
	return synthapi.New(synthapi.Config{
		BaseURL: configutil.StringValue(s.BaseURL, cfg.Server.BaseURL),
		Path:    s.Path,
		Timeout: s.Timeout,
		Logger:  logger,
	})
}

func buildElevenLabs(cfg Config, logger *slog.Logger) (tts.Synthesizer, error) {
	var s struct {
		APIKey       string            `mapstructure:"api_key"`
		VoiceID      string            `mapstructure:"voice_id"`
		Voices       map[string]string `mapstructure:"voices"`
		ModelID      string            `mapstructure:"model_id"`
		OutputFormat string            `mapstructure:"output_format"`
		BaseURL      string            `mapstructure:"base_url"`
		Timeout      time.Duration     `mapstructure:"timeout"`
	}
	schema := configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"voice_id", "voices", "model_id", "output_format", "base_url", "timeout"},
	}
	if err := configutil.DecodeVendor("tts", "elevenlabs", cfg.Vendors.TTS.Settings, schema, &s); err != nil {
		return nil, err
	}
	return elevenlabs.New(elevenlabs.Config{
		APIKey:       s.APIKey,
		VoiceID:      s.VoiceID,
		Voices:       s.Voices,
		ModelID:      s.ModelID,
		OutputFormat: s.OutputFormat,
		BaseURL:      s.BaseURL,
		Timeout:      s.Timeout,
		Logger:       logger,
	})
}

func buildMockTTS(cfg Config, _ *slog.Logger) (tts.Synthesizer, error) {
	var s struct {
		SampleRate  int           `mapstructure:"sample_rate"`
		PerWord     time.Duration `mapstructure:"per_word"`
		MaxDuration time.Duration `mapstructure:"max_duration"`
	}
	schema := configutil.Schema{Optional: []string{"sample_rate", "per_word", "max_duration"}}
	if err := configutil.DecodeVendor("tts", "mock", cfg.Vendors.TTS.Settings, schema, &s); err != nil {
		return nil, err
	}
	return mock.NewTTS(mock.TTSConfig{SampleRate: s.SampleRate, PerWord: s.PerWord, MaxDuration: s.MaxDuration}), nil
}

func buildOpenAI(cfg Config, logger *slog.Logger) (analysis.Analyzer, error) {
	var s struct {
		APIKey      string        `mapstructure:"api_key"`
		Model       string        `mapstructure:"model"`
		BaseURL     string        `mapstructure:"base_url"`
		Temperature float32       `mapstructure:"temperature"`
		MaxTokens   int           `mapstructure:"max_tokens"`
		Timeout     time.Duration `mapstructure:"timeout"`
	}
	schema := configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "base_url", "temperature", "max_tokens", "timeout"},
	}
	if err := configutil.DecodeVendor("analysis", "openai", cfg.Vendors.Analysis.Settings, schema, &s); err != nil {
		return nil, err
	}
	return openai.New(openai.Config{
		APIKey:      s.APIKey,
		Model:       s.Model,
		BaseURL:     s.BaseURL,
		Temperature: s.Temperature,
		MaxTokens:   s.MaxTokens,
		Timeout:     s.Timeout,
		Logger:      logger,
	})
}

func buildAvatar(cfg Config, logger *slog.Logger) (speech.Backend, error) {
	var s struct {
		URL            string        `mapstructure:"url"`
		DialTimeout    time.Duration `mapstructure:"dial_timeout"`
		AcceptTimeout  time.Duration `mapstructure:"accept_timeout"`
		RedialInterval time.Duration `mapstructure:"redial_interval"`
	}
	schema := configutil.Schema{
		Required: []string{"url"},
		Optional: []string{"dial_timeout", "accept_timeout", "redial_interval"},
	}
	if err := configutil.DecodeVendor("avatar", "websocket", cfg.Vendors.Avatar.Settings, schema, &s); err != nil {
		return nil, err
	}
	return avatar.New(avatar.Config{
		URL:            s.URL,
		DialTimeout:    s.DialTimeout,
		AcceptTimeout:  s.AcceptTimeout,
		RedialInterval: s.RedialInterval,
		Logger:         logger,
	})
}

func buildSpeaker(cfg Config, logger *slog.Logger) (speech.Backend, error) {
	var s struct {
		SampleRate int           `mapstructure:"sample_rate"`
		Buffer     time.Duration `mapstructure:"buffer"`
	}
	schema := configutil.Schema{Optional: []string{"sample_rate", "buffer"}}
	if err := configutil.DecodeVendor("audio", "speaker", cfg.Vendors.Audio.Settings, schema, &s); err != nil {
		return nil, err
	}
	return audio.New(audio.Config{
		SampleRate: beep.SampleRate(s.SampleRate),
		Buffer:     s.Buffer,
		Logger:     logger,
	}), nil
}

func buildMockBackend(cfg Config, logger *slog.Logger) (speech.Backend, error) {
	var s struct {
		PerChar time.Duration `mapstructure:"per_char"`
	}
	schema := configutil.Schema{Optional: []string{"per_char"}}
	if err := configutil.DecodeVendor("audio", "mock", cfg.Vendors.Audio.Settings, schema, &s); err != nil {
		return nil, err
	}
	return mock.NewBackend(s.PerChar, logger), nil
}
