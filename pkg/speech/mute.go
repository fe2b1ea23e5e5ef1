package speech

import (
	"log/slog"
	"sync"

	"github.com/harunnryd/murmur/pkg/errorsx"
	"github.com/harunnryd/murmur/pkg/logging"
	"github.com/harunnryd/murmur/pkg/prefs"
)

// MuteKey is the persisted key. A stored true means muted.
const MuteKey = "textToSpeechEnabled"

// MuteGate is a persisted flag that suppresses playback initiation. It never
// touches the queue.
type MuteGate struct {
	mu       sync.Mutex
	store    prefs.Store
	muted    bool
	override *bool
	subs     []func(muted bool)
	logger   *slog.Logger
}

// NewMuteGate restores the persisted flag. A store that cannot be read leaves
// the gate unmuted.
func NewMuteGate(store prefs.Store, logger *slog.Logger) *MuteGate {
	if store == nil {
		store = prefs.NewMemoryStore()
	}
	g := &MuteGate{
		store:  store,
		logger: logging.NewComponentLogger(logger, "mute_gate"),
	}
	muted, found, err := store.LoadBool(MuteKey)
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonPrefsLoad)
		g.logger.Warn("mute state load failed",
			errorsx.ReasonAttr(err),
			slog.String("error", err.Error()))
	} else if found {
		g.muted = muted
	}
	return g
}

// Muted reports the effective flag, honouring a temporary override.
func (g *MuteGate) Muted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.override != nil {
		return *g.override
	}
	return g.muted
}

// Toggle flips and persists the flag, then notifies subscribers. The in-memory
// flag changes even when persisting fails.
func (g *MuteGate) Toggle() (bool, error) {
	g.mu.Lock()
	next := !g.effectiveLocked()
	g.mu.Unlock()
	return next, g.Set(next)
}

// Set stores the flag. Subscribers are only told about real changes.
func (g *MuteGate) Set(muted bool) error {
	g.mu.Lock()
	prev := g.effectiveLocked()
	g.muted = muted
	g.override = nil
	subs := make([]func(bool), len(g.subs))
	copy(subs, g.subs)
	g.mu.Unlock()

	err := g.store.SaveBool(MuteKey, muted)
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonPrefsSave)
		g.logger.Warn("mute state save failed",
			errorsx.ReasonAttr(err),
			slog.String("error", err.Error()))
	}
	if prev != muted {
		g.logger.Info("mute toggled", slog.Bool("muted", muted))
		for _, fn := range subs {
			fn(muted)
		}
	}
	return err
}

// Override sets a temporary, unpersisted value without notifying subscribers.
func (g *MuteGate) Override(muted bool) {
	g.mu.Lock()
	g.override = &muted
	g.mu.Unlock()
}

// ClearOverride drops a temporary value and restores the persisted flag.
func (g *MuteGate) ClearOverride() {
	g.mu.Lock()
	g.override = nil
	g.mu.Unlock()
}

// Overridden reports whether a temporary value is active.
func (g *MuteGate) Overridden() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.override != nil
}

// Subscribe registers fn for mute changes made through Toggle or Set.
func (g *MuteGate) Subscribe(fn func(muted bool)) {
	if fn == nil {
		return
	}
	g.mu.Lock()
	g.subs = append(g.subs, fn)
	g.mu.Unlock()
}

func (g *MuteGate) effectiveLocked() bool {
	if g.override != nil {
		return *g.override
	}
	return g.muted
}
