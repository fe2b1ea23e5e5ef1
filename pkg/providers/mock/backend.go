package mock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/murmur/pkg/logging"
	"github.com/harunnryd/murmur/pkg/redact"
	"github.com/harunnryd/murmur/pkg/speech"
)

// Backend pretends to play audio: it logs the line and reports completion after
// a delay proportional to the text. Useful on machines without a sound device.
type Backend struct {
	perChar time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	paused bool
	resume chan struct{}
	stop   context.CancelFunc
}

func NewBackend(perChar time.Duration, logger *slog.Logger) *Backend {
	if perChar <= 0 {
		perChar = 5 * time.Millisecond
	}
	return &Backend{perChar: perChar, logger: logging.NewComponentLogger(logger, "mock_backend")}
}

func (b *Backend) Name() string    { return "mock" }
func (b *Backend) Available() bool { return true }

func (b *Backend) Play(ctx context.Context, req speech.PlayRequest) (<-chan speech.Signal, error) {
	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	if b.stop != nil {
		b.stop()
	}
	b.stop = cancel
	b.paused = false
	b.resume = make(chan struct{})
	b.mu.Unlock()

	ch := make(chan speech.Signal, 2)
	b.logger.Info("speaking",
		slog.String("session_id", req.SessionID),
		slog.String("emotion", string(req.Emotion)),
		slog.String("text", logging.Clip(redact.Text(req.Text), 160)))

	go func() {
		speech.SendSignal(ctx, ch, speech.Signal{Kind: speech.SignalStarted})
		remaining := time.Duration(len(req.Text)) * b.perChar
		for remaining > 0 {
			step := 20 * time.Millisecond
			if step > remaining {
				step = remaining
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(step):
			}
			if b.waitWhilePaused(ctx) {
				return
			}
			remaining -= step
		}
		speech.SendSignal(ctx, ch, speech.Signal{Kind: speech.SignalEnded})
	}()
	return ch, nil
}

// waitWhilePaused blocks until resumed and reports whether ctx ended meanwhile.
func (b *Backend) waitWhilePaused(ctx context.Context) bool {
	b.mu.Lock()
	paused, resume := b.paused, b.resume
	b.mu.Unlock()
	if !paused {
		return false
	}
	select {
	case <-ctx.Done():
		return true
	case <-resume:
		return false
	}
}

func (b *Backend) Pause() error {
	b.mu.Lock()
	b.paused = true
	b.mu.Unlock()
	return nil
}

func (b *Backend) Resume() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.paused {
		b.paused = false
		close(b.resume)
		b.resume = make(chan struct{})
	}
	return nil
}

func (b *Backend) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stop != nil {
		b.stop()
		b.stop = nil
	}
	return nil
}

var _ speech.Backend = (*Backend)(nil)
