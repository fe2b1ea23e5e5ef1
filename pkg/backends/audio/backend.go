package audio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/speaker"
	"github.com/faiface/beep/wav"
	"github.com/harunnryd/murmur/pkg/adapters/tts"
	"github.com/harunnryd/murmur/pkg/errorsx"
	"github.com/harunnryd/murmur/pkg/logging"
	"github.com/harunnryd/murmur/pkg/speech"
)

const DefaultSampleRate = beep.SampleRate(44100)

// Sink is the output device. The beep speaker is the default; tests swap in
// something that drains streamers without hardware.
type Sink interface {
	Init(rate beep.SampleRate, bufferSize int) error
	Play(s beep.Streamer)
	Lock()
	Unlock()
	Clear()
}

type speakerSink struct{}

func (speakerSink) Init(rate beep.SampleRate, bufferSize int) error {
	return speaker.Init(rate, bufferSize)
}
func (speakerSink) Play(s beep.Streamer) { speaker.Play(s) }
func (speakerSink) Lock()                { speaker.Lock() }
func (speakerSink) Unlock()              { speaker.Unlock() }
func (speakerSink) Clear()               { speaker.Clear() }

type Config struct {
	SampleRate beep.SampleRate
	// Buffer is the speaker buffer length.
	Buffer time.Duration
	Sink   Sink
	Logger *slog.Logger
}

// Backend plays synthesized audio on the local sound device.
type Backend struct {
	rate   beep.SampleRate
	buffer time.Duration
	sink   Sink
	logger *slog.Logger

	initOnce sync.Once
	initErr  error

	mu      sync.Mutex
	current *playback
}

type playback struct {
	ctrl   *beep.Ctrl
	stream beep.StreamSeekCloser
	done   chan struct{}
}

func New(cfg Config) *Backend {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 100 * time.Millisecond
	}
	if cfg.Sink == nil {
		cfg.Sink = speakerSink{}
	}
	return &Backend{
		rate:   cfg.SampleRate,
		buffer: cfg.Buffer,
		sink:   cfg.Sink,
		logger: logging.NewComponentLogger(cfg.Logger, "audio_backend"),
	}
}

func (b *Backend) Name() string { return "audio" }

// Available initialises the output device on first use.
func (b *Backend) Available() bool {
	return b.init() == nil
}

func (b *Backend) init() error {
	b.initOnce.Do(func() {
		b.initErr = b.sink.Init(b.rate, b.rate.N(b.buffer))
		if b.initErr != nil {
			b.logger.Warn("audio device unavailable", slog.String("error", b.initErr.Error()))
		}
	})
	return b.initErr
}

func (b *Backend) Play(ctx context.Context, req speech.PlayRequest) (<-chan speech.Signal, error) {
	if err := b.init(); err != nil {
		return nil, errorsx.Wrapf(errorsx.ReasonAudioPlayback, "audio: init: %w", err)
	}
	stream, format, err := decode(req.Audio, req.Format)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonAudioDecode)
	}

	var s beep.Streamer = stream
	if format.SampleRate != b.rate {
		s = beep.Resample(4, format.SampleRate, b.rate, stream)
	}
	ch := make(chan speech.Signal, 2)
	ended := func() {
		select {
		case ch <- speech.Signal{Kind: speech.SignalEnded, At: time.Now()}:
		default:
		}
	}
	p := &playback{
		ctrl:   &beep.Ctrl{Streamer: beep.Seq(s, beep.Callback(func() { go ended() }))},
		stream: stream,
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	prev := b.current
	b.mu.Unlock()
	if prev != nil {
		b.release(prev)
	}
	b.mu.Lock()
	b.current = p
	b.mu.Unlock()

	ch <- speech.Signal{Kind: speech.SignalStarted, At: time.Now()}
	b.sink.Play(p.ctrl)
	b.logger.Debug("audio playback started",
		slog.String("session_id", req.SessionID),
		slog.Duration("length", format.SampleRate.D(stream.Len())))

	go func() {
		select {
		case <-ctx.Done():
			b.release(p)
		case <-p.done:
		}
	}()
	return ch, nil
}

// release stops p if it is still the active playback.
func (b *Backend) release(p *playback) {
	b.mu.Lock()
	if b.current != p {
		b.mu.Unlock()
		return
	}
	b.current = nil
	b.mu.Unlock()

	b.sink.Lock()
	p.ctrl.Streamer = nil
	b.sink.Unlock()
	b.sink.Clear()
	_ = p.stream.Close()
	close(p.done)
}

func (b *Backend) Pause() error  { return b.setPaused(true) }
func (b *Backend) Resume() error { return b.setPaused(false) }

func (b *Backend) setPaused(paused bool) error {
	b.mu.Lock()
	p := b.current
	b.mu.Unlock()
	if p == nil {
		return nil
	}
	b.sink.Lock()
	p.ctrl.Paused = paused
	b.sink.Unlock()
	return nil
}

func (b *Backend) Stop() error {
	b.mu.Lock()
	p := b.current
	b.mu.Unlock()
	if p != nil {
		b.release(p)
	}
	return nil
}

func decode(data []byte, format string) (beep.StreamSeekCloser, beep.Format, error) {
	if format == "" {
		format = tts.SniffFormat(data)
	}
	switch format {
	case tts.FormatWAV:
		s, f, err := wav.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, beep.Format{}, fmt.Errorf("audio: decode wav: %w", err)
		}
		return s, f, nil
	case tts.FormatMP3:
		s, f, err := mp3.Decode(io.NopCloser(bytes.NewReader(data)))
		if err != nil {
			return nil, beep.Format{}, fmt.Errorf("audio: decode mp3: %w", err)
		}
		return s, f, nil
	default:
		return nil, beep.Format{}, fmt.Errorf("audio: unrecognised format (%d bytes)", len(data))
	}
}

var _ speech.Backend = (*Backend)(nil)
