package transcript

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/murmur/pkg/errorsx"
	"github.com/harunnryd/murmur/pkg/events"
	"github.com/harunnryd/murmur/pkg/frames"
	"github.com/harunnryd/murmur/pkg/logging"
	"github.com/harunnryd/murmur/pkg/metrics"
)

const readChunkSize = 4096

// Assembler feeds raw stream bytes through framing and decoding into a Machine.
type Assembler struct {
	mu      sync.Mutex
	buf     *frames.Buffer
	dec     *events.Decoder
	machine *Machine
	obs     metrics.Observer
	logger  *slog.Logger
	closed  bool
	started bool
}

func NewAssembler(machine *Machine, logger *slog.Logger, obs metrics.Observer) *Assembler {
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("stream_id", machine.StreamID()))
	return &Assembler{
		buf:     frames.NewBuffer(),
		dec:     events.NewDecoder(logger),
		machine: machine,
		obs:     obs,
		logger:  logging.NewComponentLogger(logger, "assembler"),
	}
}

// Machine returns the state machine this assembler drives.
func (a *Assembler) Machine() *Machine { return a.machine }

// Feed processes one network chunk and reports whether the stream has finished.
func (a *Assembler) Feed(chunk []byte) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.machine.Finished() {
		return true
	}
	if !a.started {
		a.started = true
		a.record(metrics.EventStreamStart, 1, nil)
	}
	for _, f := range a.buf.Push(chunk) {
		if f.Empty() {
			continue
		}
		a.record(metrics.EventStreamFrame, float64(len(f)), nil)
		ev := a.dec.Decode(f)
		a.machine.Apply(ev)
		if a.machine.Finished() {
			return true
		}
	}
	return false
}

// Consume reads r until EOF, the done sentinel, a read error or ctx
// cancellation. A cancelled stream is aborted without speaking; every other
// ending goes through Finish.
func (a *Assembler) Consume(ctx context.Context, r io.Reader) error {
	buf := make([]byte, readChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			a.abort()
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			if ctx.Err() != nil {
				a.abort()
				return ctx.Err()
			}
			if a.Feed(buf[:n]) {
				a.markClosed()
				return nil
			}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			a.Close()
			return nil
		}
		if ctx.Err() != nil {
			a.abort()
			return ctx.Err()
		}
		err = errorsx.Wrapf(errorsx.ReasonStreamRead, "read stream: %w", err)
		a.logger.Warn("stream read failed",
			errorsx.ReasonAttr(err),
			slog.String("error", err.Error()))
		a.finish(ReasonTransportError)
		return err
	}
}

// Close ends the stream as a transport close. Any trailing partial frame is
// discarded.
func (a *Assembler) Close() {
	a.finish(ReasonTransportClosed)
}

func (a *Assembler) finish(reason string) {
	if !a.markClosed() {
		return
	}
	a.machine.Finish(reason)
}

func (a *Assembler) abort() {
	if !a.markClosed() {
		return
	}
	a.machine.Abort()
}

// markClosed reports whether this call closed the assembler.
func (a *Assembler) markClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	a.closed = true
	if rest := a.buf.Remainder(); !rest.Empty() {
		a.logger.Debug("partial frame discarded", slog.Int("bytes", len(rest)))
	}
	a.buf.Reset()
	return true
}

func (a *Assembler) record(name string, value float64, fields map[string]any) {
	a.obs.RecordEvent(metrics.MetricsEvent{
		Name:   name,
		Time:   time.Now(),
		Value:  value,
		Tags:   map[string]string{metrics.TagStreamID: a.machine.StreamID()},
		Fields: fields,
	})
}
