package speech

import (
	"errors"
	"testing"

	"github.com/harunnryd/murmur/pkg/logging"
	"github.com/harunnryd/murmur/pkg/prefs"
)

type failingStore struct{}

func (failingStore) LoadBool(string) (bool, bool, error) {
	return false, false, errors.New("disk gone")
}
func (failingStore) SaveBool(string, bool) error { return errors.New("disk gone") }
func (failingStore) Close() error                { return nil }

func TestMuteGatePersistsAcrossInstances(t *testing.T) {
	store := prefs.NewMemoryStore()
	g := NewMuteGate(store, logging.Discard())
	if g.Muted() {
		t.Fatalf("expected unmuted default")
	}
	muted, err := g.Toggle()
	if err != nil || !muted {
		t.Fatalf("expected muted after toggle, got %v err=%v", muted, err)
	}
	if v, found, _ := store.LoadBool(MuteKey); !found || !v {
		t.Fatalf("expected persisted true")
	}
	if !NewMuteGate(store, logging.Discard()).Muted() {
		t.Fatalf("expected restored muted flag")
	}
}

func TestMuteGateNotifiesOnlyOnChange(t *testing.T) {
	g := NewMuteGate(nil, logging.Discard())
	var got []bool
	g.Subscribe(func(m bool) { got = append(got, m) })
	_ = g.Set(true)
	_ = g.Set(true)
	_ = g.Set(false)
	if len(got) != 2 || got[0] != true || got[1] != false {
		t.Fatalf("unexpected notifications: %v", got)
	}
}

func TestMuteGateOverride(t *testing.T) {
	g := NewMuteGate(nil, logging.Discard())
	_ = g.Set(true)
	g.Override(false)
	if g.Muted() || !g.Overridden() {
		t.Fatalf("expected override to unmute")
	}
	g.ClearOverride()
	if !g.Muted() || g.Overridden() {
		t.Fatalf("expected persisted flag back")
	}
}

func TestMuteGateStoreFailure(t *testing.T) {
	g := NewMuteGate(failingStore{}, logging.Discard())
	if g.Muted() {
		t.Fatalf("unreadable store must leave gate unmuted")
	}
	if _, err := g.Toggle(); err == nil {
		t.Fatalf("expected save error")
	}
	if !g.Muted() {
		t.Fatalf("flag must change in memory even when saving fails")
	}
}

func TestReplayBufferIgnoresBlank(t *testing.T) {
	r := NewReplayBuffer()
	r.Capture("first")
	r.Capture("   ")
	if r.Last() != "first" {
		t.Fatalf("blank capture must not overwrite")
	}
	r.Clear()
	if r.Last() != "" {
		t.Fatalf("expected cleared buffer")
	}
}
