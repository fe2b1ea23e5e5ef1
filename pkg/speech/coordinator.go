package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/murmur/pkg/adapters/analysis"
	"github.com/harunnryd/murmur/pkg/adapters/tts"
	"github.com/harunnryd/murmur/pkg/errorsx"
	"github.com/harunnryd/murmur/pkg/logging"
	"github.com/harunnryd/murmur/pkg/metrics"
	"github.com/harunnryd/murmur/pkg/redact"
	"github.com/harunnryd/murmur/pkg/resilience"
)

// DefaultVoice is used when no voice is configured.
const DefaultVoice = "alloy"

// ErrNothingToReplay is returned by Replay before anything was spoken.
var ErrNothingToReplay = errors.New("nothing to replay")

// Config tunes scheduling. Zero values fall back to defaults.
type Config struct {
	Voice          string
	SplitSentences bool
	MinSentenceLen int

	// AdvanceDelay separates a finished unit from the next request.
	AdvanceDelay time.Duration
	// ErrorDelay follows a playback failure.
	ErrorDelay time.Duration
	// RetryDelay follows a synthesis failure.
	RetryDelay time.Duration
	// PlaybackTimeout bounds how long a session may wait for its next signal.
	PlaybackTimeout time.Duration

	SynthRetries int
	SynthBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Voice) == "" {
		c.Voice = DefaultVoice
	}
	if c.AdvanceDelay <= 0 {
		c.AdvanceDelay = 50 * time.Millisecond
	}
	if c.ErrorDelay <= 0 {
		c.ErrorDelay = 250 * time.Millisecond
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 100 * time.Millisecond
	}
	if c.PlaybackTimeout <= 0 {
		c.PlaybackTimeout = 2 * time.Minute
	}
	if c.SynthRetries < 0 {
		c.SynthRetries = 0
	}
	return c
}

// Options wires the coordinator's collaborators. Synthesizer and at least one
// backend are required.
type Options struct {
	Config      Config
	Queue       *Queue
	Mute        *MuteGate
	Replay      *ReplayBuffer
	Synthesizer tts.Synthesizer
	Analyzer    analysis.Analyzer
	Avatar      Backend
	Audio       Backend
	Observer    metrics.Observer
	Logger      *slog.Logger
	Clock       func() time.Time
}

// Coordinator plays queued units one at a time. At most one session is ever
// resolving or playing; every failure path returns to idle and asks for the
// next unit.
type Coordinator struct {
	mu      sync.Mutex
	cfg     Config
	voice   string
	current *session
	closed  bool
	timers  map[*time.Timer]struct{}

	queue    *Queue
	mute     *MuteGate
	replay   *ReplayBuffer
	synth    tts.Synthesizer
	analyzer analysis.Analyzer
	avatar   Backend
	audio    Backend

	breaker   *resilience.CircuitBreaker
	retry     resilience.RetryPolicy
	obs       metrics.Observer
	logger    *slog.Logger
	now       func() time.Time
	listeners []StateListener

	ctx    context.Context
	cancel context.CancelFunc
}

func NewCoordinator(opts Options) (*Coordinator, error) {
	if opts.Synthesizer == nil {
		return nil, errors.New("speech: synthesizer is required")
	}
	if opts.Avatar == nil && opts.Audio == nil {
		return nil, errors.New("speech: at least one playback backend is required")
	}
	cfg := opts.Config.withDefaults()
	if opts.Queue == nil {
		opts.Queue = NewQueue()
	}
	if opts.Mute == nil {
		opts.Mute = NewMuteGate(nil, opts.Logger)
	}
	if opts.Replay == nil {
		opts.Replay = NewReplayBuffer()
	}
	if opts.Observer == nil {
		opts.Observer = metrics.NoopObserver{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	retry := resilience.NewRetryPolicy(cfg.SynthRetries, cfg.SynthBackoff)
	retry.Retryable = resilience.IsTransient

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:      cfg,
		voice:    cfg.Voice,
		timers:   make(map[*time.Timer]struct{}),
		queue:    opts.Queue,
		mute:     opts.Mute,
		replay:   opts.Replay,
		synth:    opts.Synthesizer,
		analyzer: opts.Analyzer,
		avatar:   opts.Avatar,
		audio:    opts.Audio,
		breaker:  resilience.NewCircuitBreaker(3, 30*time.Second),
		retry:    retry,
		obs:      opts.Observer,
		logger:   logging.NewComponentLogger(opts.Logger, "playback_coordinator"),
		now:      opts.Clock,
		ctx:      ctx,
		cancel:   cancel,
	}
	c.mute.Subscribe(c.onMuteChange)
	return c, nil
}

// Queue exposes the underlying queue for inspection.
func (c *Coordinator) Queue() *Queue { return c.queue }

// Mute exposes the gate.
func (c *Coordinator) Mute() *MuteGate { return c.mute }

// ReplayBuffer exposes the replay buffer.
func (c *Coordinator) ReplayBuffer() *ReplayBuffer { return c.replay }

// AddListener registers a listener for session state changes.
func (c *Coordinator) AddListener(l StateListener) {
	if l == nil {
		return
	}
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

func (c *Coordinator) SetVoice(voice string) {
	voice = strings.TrimSpace(voice)
	if voice == "" {
		voice = DefaultVoice
	}
	c.mu.Lock()
	c.voice = voice
	c.mu.Unlock()
}

func (c *Coordinator) Voice() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.voice
}

// Active reports whether a session is resolving or playing.
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// State returns the state of the current session, idle when there is none.
func (c *Coordinator) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return StateIdle
	}
	return c.current.state
}

// Speak enqueues already speakable text and asks for playback. It returns the
// number of units enqueued.
func (c *Coordinator) Speak(text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	pieces := []string{text}
	if c.cfg.SplitSentences {
		pieces = SplitSentences(text, c.cfg.MinSentenceLen)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0
	}
	if c.queue.PeekSize() == 0 {
		c.replay.Capture(text)
	}
	voice := c.voice
	now := c.now()
	for _, p := range pieces {
		u := NewUnit(p, voice, now)
		c.queue.Enqueue(u)
		c.record(metrics.EventSpeechEnqueued, u.ID, "", nil)
	}
	c.mu.Unlock()

	c.logger.Debug("speech enqueued",
		slog.Int("units", len(pieces)),
		slog.String("text", logging.Clip(redact.Text(text), 120)))
	c.RequestNext()
	return len(pieces)
}

// RequestNext starts the next unit unless muted, idle-queued or already busy.
// The session is registered before any asynchronous work begins.
func (c *Coordinator) RequestNext() bool {
	c.mu.Lock()
	if c.closed || c.current != nil || c.mute.Muted() || c.queue.PeekSize() == 0 {
		c.mu.Unlock()
		return false
	}
	unit, ok := c.queue.DequeueNext()
	if !ok {
		c.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(c.ctx)
	s := &session{
		id:        uuid.NewString(),
		unit:      unit,
		state:     StateIdle,
		exempt:    c.mute.Overridden(),
		ctx:       ctx,
		cancel:    cancel,
		createdAt: c.now(),
	}
	ev, err := c.transition(s, StateResolving, "unit dequeued")
	c.mu.Unlock()
	if err != nil {
		cancel()
		c.logger.Error("session start rejected", slog.String("error", err.Error()))
		return false
	}
	c.emit(ev)
	go c.resolve(s)
	return true
}

// StopAndClear drops pending units and forces the active session to idle. Work
// already in flight finishes on its own; its signals are ignored.
func (c *Coordinator) StopAndClear() {
	c.mu.Lock()
	dropped := c.queue.Clear()
	s := c.current
	var (
		player Backend
		ev     *StateChange
	)
	if s != nil {
		player = s.player
		ev, _ = c.transition(s, StateIdle, "stopped")
	}
	c.mu.Unlock()

	if player != nil {
		if err := player.Stop(); err != nil {
			c.logger.Warn("backend stop failed",
				slog.String("backend", player.Name()),
				slog.String("error", err.Error()))
		}
	}
	c.emit(ev)
	c.logger.Debug("speech stopped and cleared", slog.Int("dropped", dropped))
}

// ToggleMute flips the persisted mute flag and returns the new value.
func (c *Coordinator) ToggleMute() (bool, error) {
	return c.mute.Toggle()
}

// Replay speaks the last captured block again, even when muted. The mute flag
// is restored as soon as playback has been initiated.
func (c *Coordinator) Replay() error {
	text := c.replay.Last()
	if text == "" {
		return ErrNothingToReplay
	}
	c.StopAndClear()
	wasMuted := c.mute.Muted()
	if wasMuted {
		c.mute.Override(false)
		defer c.mute.ClearOverride()
	}
	c.Speak(text)
	return nil
}

// Close stops playback and pending timers. The coordinator is unusable afterwards.
func (c *Coordinator) Close() {
	c.StopAndClear()
	c.mu.Lock()
	c.closed = true
	for t := range c.timers {
		t.Stop()
	}
	c.timers = make(map[*time.Timer]struct{})
	c.mu.Unlock()
	c.cancel()
}

// transition is the only place a session's state changes. It also maintains
// the current-session slot: entering resolving claims it, returning to idle
// releases it and cancels the session's context. Callers hold c.mu and emit
// the returned change after unlocking.
func (c *Coordinator) transition(s *session, to SessionState, reason string) (*StateChange, error) {
	from := s.state
	if !transitionValid(from, to) {
		return nil, &InvalidTransitionError{From: from, To: to}
	}
	switch to {
	case StateResolving:
		if c.current != nil && c.current != s {
			return nil, fmt.Errorf("session %s already active", c.current.id)
		}
		c.current = s
	case StatePlaying:
		s.startedAt = c.now()
	case StateIdle:
		if c.current == s {
			c.current = nil
		}
		if s.cancel != nil {
			s.cancel()
		}
	}
	s.state = to
	return &StateChange{
		SessionID: s.id,
		UnitID:    s.unit.ID,
		FromState: from,
		ToState:   to,
		Backend:   s.backend,
		Timestamp: c.now(),
		Reason:    reason,
	}, nil
}

func (c *Coordinator) emit(ev *StateChange) {
	if ev == nil {
		return
	}
	c.mu.Lock()
	listeners := make([]StateListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()
	for _, l := range listeners {
		l.OnStateChange(*ev)
	}
}

func (c *Coordinator) isCurrent(s *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current == s
}

func (c *Coordinator) resolve(s *session) {
	c.record(metrics.EventSpeechResolving, s.unit.ID, s.id, nil)
	spoken := c.analyze(s)
	if !c.isCurrent(s) {
		return
	}

	res, err := c.synthesize(s.ctx, spoken.Summary, s.unit.Voice)
	if err != nil {
		c.fail(s, err, c.cfg.RetryDelay, "synthesis failed")
		return
	}
	if !c.isCurrent(s) {
		return
	}

	req := PlayRequest{
		SessionID: s.id,
		Text:      spoken.Summary,
		Audio:     res.Audio,
		Format:    res.Format,
		Emotion:   spoken.Emotion,
		Voice:     s.unit.Voice,
	}
	c.play(s, req, true)
}

// play starts req on the avatar when allowed and available, else on the audio
// backend, then watches the session's signals.
func (c *Coordinator) play(s *session, req PlayRequest, tryAvatar bool) {
	var (
		player  Backend
		kind    BackendKind
		signals <-chan Signal
		err     error
	)
	if tryAvatar && c.avatar != nil && c.avatar.Available() {
		signals, err = safePlay(s.ctx, c.avatar, req)
		if err == nil {
			player, kind = c.avatar, BackendAvatar
		} else {
			c.fallback(s, errorsx.Wrap(err, errorsx.ReasonAvatarRejected))
		}
	}
	if player == nil {
		if c.audio == nil {
			if err == nil {
				err = errors.New("no playback backend available")
			}
			c.fail(s, errorsx.Wrap(err, errorsx.ReasonAvatarUnavailable), c.cfg.ErrorDelay, "no backend accepted the unit")
			return
		}
		signals, err = safePlay(s.ctx, c.audio, req)
		if err != nil {
			c.fail(s, errorsx.Wrap(err, errorsx.ReasonAudioPlayback), c.cfg.ErrorDelay, "audio playback failed")
			return
		}
		player, kind = c.audio, BackendAudio
	}

	c.mu.Lock()
	if c.current != s {
		c.mu.Unlock()
		_ = player.Stop()
		return
	}
	s.player = player
	s.backend = kind
	pause := s.paused || (c.mute.Muted() && !s.exempt)
	s.paused = pause
	c.mu.Unlock()

	if pause {
		_ = player.Pause()
	}
	c.logger.Debug("playback accepted",
		slog.String("session_id", s.id),
		slog.String("backend", kind.String()))
	c.watch(s, req, signals)
}

func (c *Coordinator) fallback(s *session, err error) {
	c.logger.Warn("avatar playback unavailable, falling back to audio",
		slog.String("session_id", s.id),
		errorsx.ReasonAttr(err),
		slog.String("error", err.Error()))
	c.record(metrics.EventSpeechFallback, s.unit.ID, s.id, map[string]any{"error": err.Error()})
}

// watch consumes one session's signals until a terminal signal, a timeout, or
// the session being superseded.
func (c *Coordinator) watch(s *session, req PlayRequest, signals <-chan Signal) {
	timer := time.NewTimer(c.cfg.PlaybackTimeout)
	defer timer.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				sig = Signal{Kind: SignalError, Err: errSignalsClosed, At: c.now()}
			}
			done, retryOnAudio := c.handleSignal(s, sig)
			if retryOnAudio {
				c.play(s, req, false)
				return
			}
			if done {
				return
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(c.cfg.PlaybackTimeout)
		case <-timer.C:
			c.mu.Lock()
			paused := s.paused && c.current == s
			c.mu.Unlock()
			if paused {
				timer.Reset(c.cfg.PlaybackTimeout)
				continue
			}
			c.mu.Lock()
			player := s.player
			c.mu.Unlock()
			if player != nil {
				_ = player.Stop()
			}
			c.fail(s, errorsx.New(errorsx.ReasonPlaybackTimeout, "playback timed out"), c.cfg.ErrorDelay, "playback timed out")
			return
		}
	}
}

// handleSignal applies sig to s. done is true when the session is finished
// with; retryOnAudio asks the caller to replay the same unit on the audio
// backend after an avatar failure that happened before playback started.
func (c *Coordinator) handleSignal(s *session, sig Signal) (done bool, retryOnAudio bool) {
	c.mu.Lock()
	if c.current != s {
		c.mu.Unlock()
		c.logger.Debug("stale playback signal discarded",
			slog.String("session_id", s.id),
			slog.String("signal", sig.Kind.String()))
		return true, false
	}

	switch sig.Kind {
	case SignalStarted:
		if s.state != StateResolving {
			c.mu.Unlock()
			return false, false
		}
		ev, err := c.transition(s, StatePlaying, s.backend.String()+" started")
		backend := s.backend
		c.mu.Unlock()
		if err != nil {
			c.logger.Error("invalid playback transition", slog.String("error", err.Error()))
			return false, false
		}
		c.emit(ev)
		c.record(metrics.EventSpeechStarted, s.unit.ID, s.id, map[string]any{"backend": backend.String()})
		return false, false

	case SignalEnded:
		ev, _ := c.transition(s, StateIdle, "playback ended")
		backend := s.backend
		started := s.startedAt
		c.mu.Unlock()
		c.emit(ev)
		fields := map[string]any{"backend": backend.String()}
		if !started.IsZero() {
			fields["duration_ms"] = c.now().Sub(started).Milliseconds()
		}
		c.record(metrics.EventSpeechEnded, s.unit.ID, s.id, fields)
		c.scheduleNext(c.cfg.AdvanceDelay)
		return true, false

	default:
		err := sig.Err
		if err == nil {
			err = errors.New("backend reported an error")
		}
		if s.backend == BackendAvatar && s.state == StateResolving && c.audio != nil {
			s.player = nil
			s.backend = BackendNone
			c.mu.Unlock()
			c.fallback(s, errorsx.Wrap(err, errorsx.ReasonAvatarPlayback))
			return true, true
		}
		reason := errorsx.ReasonAudioPlayback
		if s.backend == BackendAvatar {
			reason = errorsx.ReasonAvatarPlayback
		}
		c.mu.Unlock()
		c.fail(s, errorsx.Wrap(err, reason), c.cfg.ErrorDelay, "playback error")
		return true, false
	}
}

// fail returns s to idle and schedules the next unit after delay.
func (c *Coordinator) fail(s *session, err error, delay time.Duration, msg string) {
	c.mu.Lock()
	if c.current != s {
		c.mu.Unlock()
		return
	}
	ev, terr := c.transition(s, StateIdle, msg)
	backend := s.backend
	c.mu.Unlock()
	if terr != nil {
		c.logger.Error("invalid playback transition", slog.String("error", terr.Error()))
		return
	}
	c.emit(ev)
	c.logger.Error(msg,
		slog.String("session_id", s.id),
		slog.String("backend", backend.String()),
		errorsx.ReasonAttr(err),
		slog.String("error", err.Error()))
	c.record(metrics.EventSpeechError, s.unit.ID, s.id, map[string]any{
		"reason_code": string(errorsx.Reason(err)),
		"error":       err.Error(),
	})
	c.scheduleNext(delay)
}

func (c *Coordinator) scheduleNext(delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		c.mu.Lock()
		delete(c.timers, t)
		c.mu.Unlock()
		c.RequestNext()
	})
	c.timers[t] = struct{}{}
}

func (c *Coordinator) onMuteChange(muted bool) {
	c.mu.Lock()
	s := c.current
	var player Backend
	resume := false
	if s != nil {
		if muted && !s.exempt {
			s.paused = true
			player = s.player
		} else if !muted && s.paused {
			s.paused = false
			player = s.player
			resume = true
		}
	}
	idle := s == nil
	c.mu.Unlock()

	if player != nil {
		var err error
		if resume {
			err = player.Resume()
		} else {
			err = player.Pause()
		}
		if err != nil {
			c.logger.Warn("backend pause/resume failed",
				slog.String("backend", player.Name()),
				slog.Bool("muted", muted),
				slog.String("error", err.Error()))
		}
	}
	if !muted && idle {
		c.RequestNext()
	}
}

func (c *Coordinator) analyze(s *session) analysis.Result {
	text := s.unit.Text
	if c.analyzer == nil {
		return analysis.Fallback(text)
	}
	res, err := c.analyzer.Analyze(s.ctx, text)
	if err != nil {
		c.logger.Warn("analysis failed, speaking original text",
			slog.String("session_id", s.id),
			errorsx.ReasonAttr(err),
			slog.String("error", err.Error()))
		return analysis.Fallback(text)
	}
	if strings.TrimSpace(res.Summary) == "" {
		res.Summary = text
	}
	if res.Emotion == "" {
		res.Emotion = analysis.EmotionNeutral
	}
	return res
}

func (c *Coordinator) synthesize(ctx context.Context, text, voice string) (tts.Result, error) {
	if !c.breaker.Allow() {
		return tts.Result{}, errorsx.Wrap(resilience.ErrCircuitOpen, errorsx.ReasonSynthCircuitOpen)
	}
	start := c.now()
	var res tts.Result
	err := c.retry.DoContext(ctx, func(ctx context.Context) error {
		var err error
		res, err = c.synth.Synthesize(ctx, tts.Request{Text: text, Voice: voice})
		if err != nil {
			c.breaker.OnError(err)
			return err
		}
		if len(res.Audio) == 0 {
			return errorsx.New(errorsx.ReasonSynthRejected, "synthesis returned no audio")
		}
		return nil
	})
	if err != nil {
		if resilience.IsRateLimit(err) {
			err = errorsx.Wrap(err, errorsx.ReasonSynthRateLimit)
		}
		return tts.Result{}, errorsx.Wrap(err, errorsx.ReasonSynthRequest)
	}
	c.breaker.OnSuccess()
	if res.Format == "" {
		res.Format = tts.SniffFormat(res.Audio)
	}
	c.obs.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventSynthLatency,
		Time:  c.now(),
		Value: float64(c.now().Sub(start).Milliseconds()),
		Tags:  map[string]string{"provider": c.synth.Name()},
	})
	return res, nil
}

func (c *Coordinator) record(name, unitID, sessionID string, fields map[string]any) {
	tags := map[string]string{metrics.TagUnitID: unitID}
	if sessionID != "" {
		tags[metrics.TagSessionID] = sessionID
	}
	c.obs.RecordEvent(metrics.MetricsEvent{
		Name:   name,
		Time:   c.now(),
		Value:  1,
		Tags:   tags,
		Fields: fields,
	})
}
