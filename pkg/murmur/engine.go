package murmur

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harunnryd/murmur/pkg/logging"
	"github.com/harunnryd/murmur/pkg/metrics"
	"github.com/harunnryd/murmur/pkg/normalize"
	"github.com/harunnryd/murmur/pkg/observers"
	"github.com/harunnryd/murmur/pkg/prefs"
	"github.com/harunnryd/murmur/pkg/redact"
	"github.com/harunnryd/murmur/pkg/speech"
	"github.com/harunnryd/murmur/pkg/transcript"
	"github.com/harunnryd/murmur/pkg/transports/sse"
)

// Per-frame events are thinned by observability.sample_rate.
var sampledEvents = []string{metrics.EventStreamFrame, metrics.EventStreamEvent}

const drainPoll = 50 * time.Millisecond

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	Renderer  transcript.Renderer
	Sink      transcript.ExecutionSink
	Logger    *slog.Logger
	// Observer receives every metrics event next to the built-in observers.
	Observer metrics.Observer
	// Client overrides the chat client built from Config.Server.
	Client *sse.Client
	// Store overrides the preference store opened from Config.Prefs.
	Store prefs.Store
}

// Engine owns one conversation: the chat client, the speech coordinator and
// the transcript of the stream in flight.
type Engine struct {
	cfg    Config
	client *sse.Client
	coord  *speech.Coordinator
	store  prefs.Store
	norm   *normalize.Normalizer
	logger *slog.Logger

	renderer transcript.Renderer
	sink     transcript.ExecutionSink

	obs      metrics.Observer
	asyncObs *metrics.AsyncObserver
	timeline *observers.TimelineObserver
	jsonl    *os.File
	closers  []io.Closer

	mu      sync.Mutex
	seq     uint64
	cancel  context.CancelFunc
	machine *transcript.Machine
	// diag belongs to machine; each Ask gets its own.
	diag   *transcript.ChunkTracker
	closed bool
}

// streamSpeaker hands finished text to the coordinator only while its stream
// is still the latest one. The check and the enqueue happen under e.mu, so a
// reset either runs first and the text is dropped, or runs after and clears it.
type streamSpeaker struct {
	e   *Engine
	seq uint64
}

func (s streamSpeaker) Speak(text string) int {
	s.e.mu.Lock()
	defer s.e.mu.Unlock()
	if s.e.seq != s.seq || s.e.closed {
		s.e.logger.Debug("stale stream not spoken")
		return 0
	}
	return s.e.coord.Speak(text)
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	redact.SetEnabled(cfg.Privacy.RedactPII)
	providers := opts.Providers
	if providers == nil {
		providers = DefaultRegistry()
	}

	e := &Engine{
		cfg:      cfg,
		norm:     normalize.New(normalize.Config{Replacements: cfg.Speech.Replacements}),
		logger:   logging.NewComponentLogger(logger, "engine"),
		renderer: opts.Renderer,
		sink:     opts.Sink,
	}
	if err := e.buildObservers(opts.Observer, logger); err != nil {
		return nil, err
	}

	ok := false
	defer func() {
		if !ok {
			e.closeResources()
		}
	}()

	e.client = opts.Client
	if e.client == nil {
		client, err := sse.New(sse.Config{
			BaseURL:       cfg.Server.BaseURL,
			ChatPath:      cfg.Server.ChatPath,
			ResetPath:     cfg.Server.ResetPath,
			ResetFromPath: cfg.Server.ResetFromPath,
			ResetToPath:   cfg.Server.ResetToPath,
			Timeout:       ms(cfg.Server.TimeoutMS),
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		e.client = client
	}

	e.store = opts.Store
	if e.store == nil {
		store, err := prefs.Open(cfg.Prefs.Driver, cfg.Prefs.Path)
		if err != nil {
			return nil, fmt.Errorf("open prefs: %w", err)
		}
		e.store = store
	}

	synth, err := providers.BuildTTS(cfg, logger)
	if err != nil {
		return nil, err
	}
	analyzer, err := providers.BuildAnalyzer(cfg, logger)
	if err != nil {
		return nil, err
	}
	avatar, err := providers.BuildAvatar(cfg, logger)
	if err != nil {
		return nil, err
	}
	e.track(avatar)
	audio, err := providers.BuildAudio(cfg, logger)
	if err != nil {
		return nil, err
	}
	e.track(audio)

	coord, err := speech.NewCoordinator(speech.Options{
		Config:      cfg.SpeechOptions(),
		Mute:        speech.NewMuteGate(e.store, logger),
		Synthesizer: synth,
		Analyzer:    analyzer,
		Avatar:      avatar,
		Audio:       audio,
		Observer:    e.obs,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	e.coord = coord
	ok = true

	e.logger.Info("murmur_init",
		slog.String("environment", cfg.Environment),
		slog.String("server", redact.URL(cfg.Server.BaseURL)),
		slog.String("tts_provider", cfg.Vendors.TTS.Provider),
		slog.String("analysis_provider", cfg.Vendors.Analysis.Provider),
		slog.String("avatar_provider", cfg.Vendors.Avatar.Provider),
		slog.String("audio_provider", cfg.Vendors.Audio.Provider),
		slog.Bool("muted", coord.Mute().Muted()))
	return e, nil
}

func (e *Engine) buildObservers(extra metrics.Observer, logger *slog.Logger) error {
	obsCfg := e.cfg.Observability
	list := []metrics.Observer{
		observers.NewLatencyObserver(logger),
		observers.NewLoggerObserver(logger),
	}
	if obsCfg.ArtifactsDir != "" {
		if obsCfg.RetentionDays > 0 {
			maxAge := time.Duration(obsCfg.RetentionDays) * 24 * time.Hour
			if n, err := observers.PurgeArtifacts(obsCfg.ArtifactsDir, maxAge, obsCfg.MetricsFile); err != nil {
				e.logger.Warn("artifact purge failed", slog.String("error", err.Error()))
			} else if n > 0 {
				e.logger.Info("artifacts purged", slog.Int("count", n))
			}
		}
		e.timeline = observers.NewTimelineObserver(obsCfg.ArtifactsDir)
		list = append(list, e.timeline)
	}
	if obsCfg.MetricsFile != "" {
		if err := os.MkdirAll(filepath.Dir(obsCfg.MetricsFile), 0o755); err != nil {
			return fmt.Errorf("metrics file: %w", err)
		}
		f, err := os.OpenFile(obsCfg.MetricsFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("metrics file: %w", err)
		}
		e.jsonl = f
		list = append(list, metrics.NewJSONLObserver(f))
	}
	if extra != nil {
		list = append(list, extra)
	}
	var obs metrics.Observer = observers.NewMultiObserver(list...)
	if obsCfg.SampleRate < 1 {
		obs = metrics.NewSamplingObserver(obs, obsCfg.SampleRate, sampledEvents...)
	}
	e.asyncObs = metrics.NewAsyncObserver(obs, 2048)
	e.obs = e.asyncObs
	return nil
}

func (e *Engine) track(b speech.Backend) {
	if c, ok := b.(io.Closer); ok {
		e.closers = append(e.closers, c)
	}
}

// Ask streams the answer to prompt. A newer Ask or a reset supersedes this
// one: its stream is aborted and nothing is spoken. The returned machine
// holds the final transcript.
func (e *Engine) Ask(ctx context.Context, prompt string) (*transcript.Machine, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, errors.New("engine closed")
	}
	e.supersedeLocked()
	e.seq++
	seq := e.seq
	diag := transcript.NewChunkTracker()
	machine := transcript.NewMachine(transcript.Options{
		Renderer:    e.renderer,
		Sink:        e.sink,
		Speaker:     streamSpeaker{e: e, seq: seq},
		Normalizer:  e.norm,
		Diagnostics: diag,
		Logger:      e.logger,
		Observer:    e.obs,
	})
	e.cancel = cancel
	e.machine = machine
	e.diag = diag
	e.mu.Unlock()
	defer e.release(seq)

	body, err := e.client.Chat(streamCtx, sse.ChatRequest{Prompt: prompt})
	if err != nil {
		machine.Abort()
		if streamCtx.Err() != nil && ctx.Err() == nil {
			return machine, nil
		}
		return machine, err
	}
	defer body.Close()

	asm := transcript.NewAssembler(machine, e.logger, e.obs)
	err = asm.Consume(streamCtx, body)
	if err != nil && streamCtx.Err() != nil && ctx.Err() == nil {
		// Superseded by a newer stream or a reset.
		e.logger.Debug("stream superseded", slog.String("stream_id", machine.StreamID()))
		return machine, nil
	}
	transcript.DumpDiagnostics(e.logger, diag)
	return machine, err
}

// supersedeLocked cancels the stream in flight and aborts its machine, which
// also stops a Finish that is already rendering from speaking.
func (e *Engine) supersedeLocked() {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	if e.machine != nil {
		e.machine.Abort()
	}
}

func (e *Engine) release(seq uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.seq == seq {
		e.cancel = nil
	}
}

// Current returns the transcript of the latest stream, or nil after a reset.
func (e *Engine) Current() *transcript.Machine {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.machine
}

// ResetAllTracking drops the stream in flight, all queued and playing
// speech, the replay buffer and the diagnostics.
func (e *Engine) ResetAllTracking() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.supersedeLocked()
	e.seq++
	e.machine = nil
	e.coord.StopAndClear()
	e.coord.ReplayBuffer().Clear()
	if e.diag != nil {
		e.diag.Reset()
		e.diag = nil
	}
	e.logger.Debug("tracking reset")
}

// NewChat resets local state and the server conversation.
func (e *Engine) NewChat(ctx context.Context) error {
	e.ResetAllTracking()
	return e.client.Reset(ctx)
}

// ResetFrom resets local state and truncates the server history at index.
func (e *Engine) ResetFrom(ctx context.Context, index int) error {
	e.ResetAllTracking()
	return e.client.ResetFrom(ctx, index)
}

// ResetTo resets local state and replaces the server history.
func (e *Engine) ResetTo(ctx context.Context, history []sse.HistoryMessage) error {
	e.ResetAllTracking()
	return e.client.ResetTo(ctx, history)
}

func (e *Engine) ToggleMute() (bool, error) { return e.coord.ToggleMute() }

func (e *Engine) Muted() bool { return e.coord.Mute().Muted() }

func (e *Engine) Replay() error { return e.coord.Replay() }

func (e *Engine) SetVoice(voice string) { e.coord.SetVoice(voice) }

func (e *Engine) Voice() string { return e.coord.Voice() }

func (e *Engine) Coordinator() *speech.Coordinator { return e.coord }

// Drain waits until queued speech has played out. It returns at once when
// muted since nothing will play.
func (e *Engine) Drain(ctx context.Context) error {
	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for {
		if e.Muted() || (!e.coord.Active() && e.coord.Queue().PeekSize() == 0) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close stops speech, disconnects the backends and flushes observers.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.supersedeLocked()
	e.mu.Unlock()
	e.coord.Close()
	return e.closeResources()
}

func (e *Engine) closeResources() error {
	var errs error
	for _, c := range e.closers {
		errs = errors.Join(errs, c.Close())
	}
	if e.asyncObs != nil {
		e.asyncObs.Close()
	}
	if e.timeline != nil {
		errs = errors.Join(errs, e.timeline.Close())
	}
	if e.jsonl != nil {
		errs = errors.Join(errs, e.jsonl.Close())
	}
	if e.store != nil {
		errs = errors.Join(errs, e.store.Close())
	}
	return errs
}
