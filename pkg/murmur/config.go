package murmur

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/harunnryd/murmur/pkg/configutil"
	"github.com/harunnryd/murmur/pkg/prefs"
	"github.com/harunnryd/murmur/pkg/speech"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. MURMUR_SERVER_BASE_URL.
const EnvPrefix = "MURMUR"

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Speech        SpeechConfig        `mapstructure:"speech"`
	Vendors       VendorsConfig       `mapstructure:"vendors"`
	Prefs         PrefsConfig         `mapstructure:"prefs"`
	Render        RenderConfig        `mapstructure:"render"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
}

type ServerConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	ChatPath      string `mapstructure:"chat_path"`
	ResetPath     string `mapstructure:"reset_path"`
	ResetFromPath string `mapstructure:"reset_from_path"`
	ResetToPath   string `mapstructure:"reset_to_path"`
	TimeoutMS     int    `mapstructure:"timeout_ms"`
}

type SpeechConfig struct {
	Voice             string            `mapstructure:"voice"`
	SplitSentences    bool              `mapstructure:"split_sentences"`
	MinSentenceLen    int               `mapstructure:"min_sentence_len"`
	AdvanceDelayMS    int               `mapstructure:"advance_delay_ms"`
	ErrorDelayMS      int               `mapstructure:"error_delay_ms"`
	RetryDelayMS      int               `mapstructure:"retry_delay_ms"`
	PlaybackTimeoutMS int               `mapstructure:"playback_timeout_ms"`
	SynthRetries      int               `mapstructure:"synth_retries"`
	SynthBackoffMS    int               `mapstructure:"synth_backoff_ms"`
	Replacements      map[string]string `mapstructure:"replacements"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	TTS      VendorConfig `mapstructure:"tts"`
	Analysis VendorConfig `mapstructure:"analysis"`
	Avatar   VendorConfig `mapstructure:"avatar"`
	Audio    VendorConfig `mapstructure:"audio"`
}

type PrefsConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

type RenderConfig struct {
	Style         string `mapstructure:"style"`
	WordWrap      int    `mapstructure:"word_wrap"`
	Live          bool   `mapstructure:"live"`
	ShowThinking  bool   `mapstructure:"show_thinking"`
	ShowExecution bool   `mapstructure:"show_execution"`
	Plain         bool   `mapstructure:"plain"`
}

type ObservabilityConfig struct {
	ArtifactsDir  string  `mapstructure:"artifacts_dir"`
	RetentionDays int     `mapstructure:"retention_days"`
	SampleRate    float64 `mapstructure:"sample_rate"`
	MetricsFile   string  `mapstructure:"metrics_file"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.base_url", "http://localhost:5000")
	v.SetDefault("server.chat_path", "/chat")
	v.SetDefault("server.reset_path", "/reset")
	v.SetDefault("server.reset_from_path", "/reset_from_index")
	v.SetDefault("server.reset_to_path", "/reset_to_message")
	v.SetDefault("server.timeout_ms", 10000)
	v.SetDefault("speech.voice", speech.DefaultVoice)
	v.SetDefault("speech.split_sentences", true)
	v.SetDefault("speech.min_sentence_len", 12)
	v.SetDefault("speech.advance_delay_ms", 50)
	v.SetDefault("speech.error_delay_ms", 250)
	v.SetDefault("speech.retry_delay_ms", 100)
	v.SetDefault("speech.playback_timeout_ms", 120000)
	v.SetDefault("speech.synth_retries", 1)
	v.SetDefault("speech.synth_backoff_ms", 200)
	v.SetDefault("speech.replacements", map[string]string{})
	v.SetDefault("vendors.tts.provider", "synthapi")
	v.SetDefault("vendors.analysis.provider", "none")
	v.SetDefault("vendors.avatar.provider", "none")
	v.SetDefault("vendors.audio.provider", "speaker")
	v.SetDefault("prefs.driver", prefs.DriverFile)
	v.SetDefault("prefs.path", defaultPrefsPath())
	v.SetDefault("render.style", "")
	v.SetDefault("render.word_wrap", 100)
	v.SetDefault("render.live", false)
	v.SetDefault("render.show_thinking", false)
	v.SetDefault("render.show_execution", false)
	v.SetDefault("render.plain", false)
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("observability.sample_rate", 1.0)
	v.SetDefault("observability.metrics_file", "")
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "warn")
}

func defaultPrefsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return "murmur-prefs.yaml"
	}
	return filepath.Join(dir, "murmur", "prefs.yaml")
}

// LoadConfig reads path, or murmur.yaml from the working directory and the
// user config dir when path is empty. A missing default file is not an error.
// Variables from a .env file in the working directory are loaded first.
func LoadConfig(path string) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("murmur")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "murmur"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	expandEnvStrings(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := configutil.RequireString(c.Server.BaseURL, "server.base_url"); err != nil {
		return err
	}
	if err := configutil.RequireString(c.Vendors.TTS.Provider, "vendors.tts.provider"); err != nil {
		return err
	}
	if isNone(c.Vendors.Avatar.Provider) && isNone(c.Vendors.Audio.Provider) {
		return errors.New("at least one of vendors.avatar.provider and vendors.audio.provider must be set")
	}
	switch strings.ToLower(strings.TrimSpace(c.Prefs.Driver)) {
	case "", prefs.DriverFile, prefs.DriverSQLite, prefs.DriverMemory:
	default:
		return fmt.Errorf("prefs.driver %q not supported", c.Prefs.Driver)
	}
	if c.Prefs.Driver != prefs.DriverMemory {
		if err := configutil.RequireString(c.Prefs.Path, "prefs.path"); err != nil {
			return err
		}
	}
	if c.Observability.SampleRate < 0 || c.Observability.SampleRate > 1 {
		return fmt.Errorf("observability.sample_rate must be within [0, 1], got %v", c.Observability.SampleRate)
	}
	for name, ms := range map[string]int{
		"speech.advance_delay_ms":    c.Speech.AdvanceDelayMS,
		"speech.error_delay_ms":      c.Speech.ErrorDelayMS,
		"speech.retry_delay_ms":      c.Speech.RetryDelayMS,
		"speech.playback_timeout_ms": c.Speech.PlaybackTimeoutMS,
		"speech.synth_backoff_ms":    c.Speech.SynthBackoffMS,
		"server.timeout_ms":          c.Server.TimeoutMS,
	} {
		if ms < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	return nil
}

// SpeechOptions converts the speech section for the coordinator.
func (c Config) SpeechOptions() speech.Config {
	return speech.Config{
		Voice:           c.Speech.Voice,
		SplitSentences:  c.Speech.SplitSentences,
		MinSentenceLen:  c.Speech.MinSentenceLen,
		AdvanceDelay:    ms(c.Speech.AdvanceDelayMS),
		ErrorDelay:      ms(c.Speech.ErrorDelayMS),
		RetryDelay:      ms(c.Speech.RetryDelayMS),
		PlaybackTimeout: ms(c.Speech.PlaybackTimeoutMS),
		SynthRetries:    c.Speech.SynthRetries,
		SynthBackoff:    ms(c.Speech.SynthBackoffMS),
	}
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func isNone(provider string) bool {
	p := strings.ToLower(strings.TrimSpace(provider))
	return p == "" || p == "none"
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.TTS.Settings = expandSettings(cfg.Vendors.TTS.Settings)
	cfg.Vendors.Analysis.Settings = expandSettings(cfg.Vendors.Analysis.Settings)
	cfg.Vendors.Avatar.Settings = expandSettings(cfg.Vendors.Avatar.Settings)
	cfg.Vendors.Audio.Settings = expandSettings(cfg.Vendors.Audio.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				expanded := os.ExpandEnv(v.MapIndex(key).String())
				v.SetMapIndex(key, reflect.ValueOf(expanded))
			}
		}
	}
}
