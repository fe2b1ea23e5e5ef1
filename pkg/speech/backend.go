package speech

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harunnryd/murmur/pkg/adapters/analysis"
)

// SignalKind is a playback lifecycle notification from a backend.
type SignalKind int

const (
	SignalStarted SignalKind = iota
	SignalEnded
	SignalError
)

func (k SignalKind) String() string {
	switch k {
	case SignalStarted:
		return "started"
	case SignalEnded:
		return "ended"
	default:
		return "error"
	}
}

// Signal is delivered on the channel returned by Backend.Play.
type Signal struct {
	Kind SignalKind
	Err  error
	At   time.Time
}

// PlayRequest is everything a backend needs to perform one unit.
type PlayRequest struct {
	SessionID string
	Text      string
	Audio     []byte
	Format    string
	Emotion   analysis.Emotion
	Voice     string
}

// Backend is a playback mechanism owned exclusively by the coordinator.
//
// Play returns once the request is accepted, not when playback completes. The
// returned channel carries the signals of that playback only and must not block
// the backend: implementations buffer it and stop sending once ctx is done.
// A nil channel with a nil error counts as a rejection.
type Backend interface {
	Name() string
	Available() bool
	Play(ctx context.Context, req PlayRequest) (<-chan Signal, error)
	Pause() error
	Resume() error
	Stop() error
}

// ErrRejected is returned by backends that decline a request.
var ErrRejected = errors.New("playback request rejected")

// errSignalsClosed reports a backend that closed its channel without a terminal signal.
var errSignalsClosed = errors.New("backend closed signal channel without completion")

// safePlay calls b.Play and turns a panic or a nil channel into an error, so
// a misbehaving backend only costs one fallback.
func safePlay(ctx context.Context, b Backend, req PlayRequest) (ch <-chan Signal, err error) {
	defer func() {
		if r := recover(); r != nil {
			ch = nil
			err = fmt.Errorf("%s: play panicked: %v", b.Name(), r)
		}
	}()
	ch, err = b.Play(ctx, req)
	if err == nil && ch == nil {
		err = fmt.Errorf("%s: %w", b.Name(), ErrRejected)
	}
	return ch, err
}

// SendSignal delivers sig unless ctx is done first. Backends use it so that a
// superseded session never blocks them.
func SendSignal(ctx context.Context, ch chan<- Signal, sig Signal) bool {
	if sig.At.IsZero() {
		sig.At = time.Now()
	}
	select {
	case ch <- sig:
		return true
	case <-ctx.Done():
		return false
	}
}
