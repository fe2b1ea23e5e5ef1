package speech

import (
	"strings"
	"sync"
)

// ReplayBuffer keeps the text of the most recently started spoken block.
type ReplayBuffer struct {
	mu   sync.Mutex
	last string
}

func NewReplayBuffer() *ReplayBuffer {
	return &ReplayBuffer{}
}

// Capture records text as the latest block. Blank text is ignored.
func (r *ReplayBuffer) Capture(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	r.mu.Lock()
	r.last = text
	r.mu.Unlock()
}

func (r *ReplayBuffer) Last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func (r *ReplayBuffer) Clear() {
	r.mu.Lock()
	r.last = ""
	r.mu.Unlock()
}
