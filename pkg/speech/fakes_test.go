package speech

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harunnryd/murmur/pkg/adapters/tts"
)

var fakeWAV = []byte("RIFF\x00\x00\x00\x00WAVEfmt ")

type fakeSynth struct {
	mu    sync.Mutex
	fail  map[string]error
	calls []string
}

func (s *fakeSynth) Name() string { return "fake" }

func (s *fakeSynth) Synthesize(_ context.Context, req tts.Request) (tts.Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req.Text)
	err := s.fail[req.Text]
	s.mu.Unlock()
	if err != nil {
		return tts.Result{}, err
	}
	return tts.Result{Audio: fakeWAV}, nil
}

// overlap counts concurrent playbacks across every backend sharing it.
type overlap struct {
	active int32
	max    int32
}

func (o *overlap) enter() {
	n := atomic.AddInt32(&o.active, 1)
	for {
		m := atomic.LoadInt32(&o.max)
		if n <= m || atomic.CompareAndSwapInt32(&o.max, m, n) {
			return
		}
	}
}

func (o *overlap) leave() { atomic.AddInt32(&o.active, -1) }

func (o *overlap) peak() int32 { return atomic.LoadInt32(&o.max) }

type playback struct {
	req  PlayRequest
	ch   chan Signal
	ctx  context.Context
	once sync.Once
}

type fakeBackend struct {
	name        string
	unavailable bool
	panicOnPlay bool
	failPlay    error
	// auto plays every request to completion after delay; otherwise the
	// test drives signals through send.
	auto      bool
	delay     time.Duration
	errBefore bool
	overlap   *overlap

	mu      sync.Mutex
	plays   []*playback
	pauses  int
	resumes int
	stops   int
}

func (b *fakeBackend) Name() string    { return b.name }
func (b *fakeBackend) Available() bool { return !b.unavailable }

func (b *fakeBackend) Play(ctx context.Context, req PlayRequest) (<-chan Signal, error) {
	if b.panicOnPlay {
		panic("backend exploded")
	}
	if b.failPlay != nil {
		return nil, b.failPlay
	}
	p := &playback{req: req, ch: make(chan Signal, 8), ctx: ctx}
	if b.overlap != nil {
		b.overlap.enter()
	}
	b.mu.Lock()
	b.plays = append(b.plays, p)
	b.mu.Unlock()

	switch {
	case b.errBefore:
		b.finish(p)
		SendSignal(ctx, p.ch, Signal{Kind: SignalError, Err: errors.New("avatar failed")})
	case b.auto:
		go func() {
			time.Sleep(b.delay)
			SendSignal(ctx, p.ch, Signal{Kind: SignalStarted})
			time.Sleep(b.delay)
			b.finish(p)
			SendSignal(ctx, p.ch, Signal{Kind: SignalEnded})
		}()
	}
	return p.ch, nil
}

func (b *fakeBackend) finish(p *playback) {
	p.once.Do(func() {
		if b.overlap != nil {
			b.overlap.leave()
		}
	})
}

func (b *fakeBackend) Pause() error {
	b.mu.Lock()
	b.pauses++
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) Resume() error {
	b.mu.Lock()
	b.resumes++
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) Stop() error {
	b.mu.Lock()
	b.stops++
	plays := append([]*playback(nil), b.plays...)
	b.mu.Unlock()
	for _, p := range plays {
		b.finish(p)
	}
	return nil
}

func (b *fakeBackend) send(t *testing.T, i int, sig Signal) {
	t.Helper()
	b.mu.Lock()
	if i >= len(b.plays) {
		b.mu.Unlock()
		t.Fatalf("playback %d not started", i)
	}
	p := b.plays[i]
	b.mu.Unlock()
	if sig.Kind != SignalStarted {
		b.finish(p)
	}
	p.ch <- sig
}

func (b *fakeBackend) texts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.plays))
	for _, p := range b.plays {
		out = append(out, p.req.Text)
	}
	return out
}

func (b *fakeBackend) counts() (pauses, resumes, stops int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pauses, b.resumes, b.stops
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func fastConfig() Config {
	return Config{
		AdvanceDelay:    time.Millisecond,
		ErrorDelay:      time.Millisecond,
		RetryDelay:      time.Millisecond,
		PlaybackTimeout: 2 * time.Second,
	}
}
