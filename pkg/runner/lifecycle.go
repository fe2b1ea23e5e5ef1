package runner

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// LifecycleRunner runs one unit of work, such as the interactive chat loop,
// and drains pending work when it ends or the context is cancelled.
type LifecycleRunner struct {
	state    int32
	cancel   context.CancelFunc
	onceStop sync.Once
	hooks    Hooks
	drainer  Drainer
	work     func(ctx context.Context) error
	stopErr  error
	timeout  time.Duration

	Banner      io.Writer
	BannerTitle string
}

func NewLifecycleRunner(work func(ctx context.Context) error, drainer Drainer, hooks Hooks, timeout time.Duration) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LifecycleRunner{
		state:       int32(StateNew),
		cancel:      func() {},
		hooks:       hooks,
		drainer:     drainer,
		work:        work,
		timeout:     timeout,
		BannerTitle: "MURMUR",
	}
}

// Run blocks until the work returns or ctx is done, then drains. The work's
// error wins over a drain error.
func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.casState(StateNew, StateStarting) {
		return errors.New("invalid state transition")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	defer cancel()

	PrintBanner(r.Banner, r.BannerTitle, true)
	if r.hooks.OnStart != nil {
		r.hooks.OnStart()
	}
	r.setState(StateRunning)

	var workErr error
	if r.work != nil {
		done := make(chan error, 1)
		go func() { done <- r.work(ctx) }()
		select {
		case workErr = <-done:
		case <-ctx.Done():
		}
	} else {
		<-ctx.Done()
	}
	if errors.Is(workErr, context.Canceled) {
		workErr = nil
	}
	if err := r.stop(); workErr == nil {
		workErr = err
	}
	return workErr
}

func (r *LifecycleRunner) Stop() error {
	r.cancel()
	return r.stop()
}

func (r *LifecycleRunner) State() State {
	return State(atomic.LoadInt32(&r.state))
}

func (r *LifecycleRunner) stop() error {
	r.onceStop.Do(func() {
		r.setState(StateDraining)
		if r.drainer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			defer cancel()
			if err := r.drainer.Drain(ctx); err != nil {
				r.stopErr = errors.New("drain timeout")
				if !errors.Is(err, context.DeadlineExceeded) {
					r.stopErr = err
				}
			}
		}
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.setState(StateStopped)
	})
	return r.stopErr
}

func (r *LifecycleRunner) casState(from, to State) bool {
	return atomic.CompareAndSwapInt32(&r.state, int32(from), int32(to))
}

func (r *LifecycleRunner) setState(s State) {
	atomic.StoreInt32(&r.state, int32(s))
}
