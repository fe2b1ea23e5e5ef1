package speech

import (
	"context"
	"time"
)

// SessionState is the lifecycle of one playback session.
type SessionState int

const (
	StateIdle SessionState = iota
	StateResolving
	StatePlaying
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateResolving:
		return "RESOLVING"
	case StatePlaying:
		return "PLAYING"
	default:
		return "UNKNOWN"
	}
}

// BackendKind names the backend a session ended up on.
type BackendKind int

const (
	BackendNone BackendKind = iota
	BackendAvatar
	BackendAudio
)

func (b BackendKind) String() string {
	switch b {
	case BackendAvatar:
		return "avatar"
	case BackendAudio:
		return "audio"
	default:
		return "none"
	}
}

// StateChange represents a session state transition.
type StateChange struct {
	SessionID string
	UnitID    string
	FromState SessionState
	ToState   SessionState
	Backend   BackendKind
	Timestamp time.Time
	Reason    string
}

// StateListener observes session state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// StateListenerFunc adapts a function to StateListener.
type StateListenerFunc func(StateChange)

func (f StateListenerFunc) OnStateChange(event StateChange) { f(event) }

// InvalidTransitionError represents an invalid state transition attempt.
type InvalidTransitionError struct {
	From SessionState
	To   SessionState
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}

var validTransitions = map[SessionState][]SessionState{
	StateIdle:      {StateResolving},
	StateResolving: {StatePlaying, StateIdle},
	StatePlaying:   {StateIdle},
}

func transitionValid(from, to SessionState) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// session is one unit's trip through resolve and playback. Its fields are
// guarded by the coordinator's mutex; state only changes in Coordinator.transition.
type session struct {
	id      string
	unit    Unit
	state   SessionState
	backend BackendKind
	player  Backend
	paused  bool
	// exempt sessions were started by a replay while muted and ignore the
	// restored mute flag.
	exempt bool

	ctx    context.Context
	cancel context.CancelFunc

	createdAt time.Time
	startedAt time.Time
}
