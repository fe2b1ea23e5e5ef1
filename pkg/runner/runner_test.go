package runner

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

type drainFunc func(ctx context.Context) error

func (f drainFunc) Drain(ctx context.Context) error { return f(ctx) }

func TestRunDrainsAfterWork(t *testing.T) {
	var order []string
	drained := drainFunc(func(context.Context) error {
		order = append(order, "drain")
		return nil
	})
	hooks := Hooks{
		OnStart: func() { order = append(order, "start") },
		OnStop:  func() { order = append(order, "stop") },
	}
	r := NewLifecycleRunner(func(context.Context) error {
		order = append(order, "work")
		return nil
	}, drained, hooks, time.Second)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{"start", "work", "drain", "stop"}
	if len(order) != len(want) {
		t.Fatalf("unexpected order %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("unexpected order %v", order)
		}
	}
	if r.State() != StateStopped {
		t.Fatalf("expected stopped, got %v", r.State())
	}
	if err := r.Run(context.Background()); err == nil {
		t.Fatalf("second run should fail")
	}
}

func TestRunReturnsWorkError(t *testing.T) {
	boom := errors.New("boom")
	r := NewLifecycleRunner(func(context.Context) error { return boom }, nil, Hooks{}, time.Second)
	if err := r.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected work error, got %v", err)
	}
}

func TestCancelStopsBlockedWork(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewLifecycleRunner(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, nil, Hooks{}, time.Second)
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("cancel should not be an error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not return after cancel")
	}
}

func TestDrainTimeout(t *testing.T) {
	slow := drainFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	r := NewLifecycleRunner(func(context.Context) error { return nil }, slow, Hooks{}, 20*time.Millisecond)
	if err := r.Run(context.Background()); err == nil || err.Error() != "drain timeout" {
		t.Fatalf("expected drain timeout, got %v", err)
	}
}

func TestPrintBanner(t *testing.T) {
	var buf bytes.Buffer
	PrintBanner(&buf, "MURMUR", false)
	if !bytes.Contains(buf.Bytes(), []byte("Version: "+Version)) {
		t.Fatalf("banner missing version: %q", buf.String())
	}
	PrintBanner(nil, "MURMUR", false)
}
