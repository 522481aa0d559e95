package throttle

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps caller state in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]State
	window time.Duration
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]State)}
}

func (s *MemoryStore) Hit(_ context.Context, key string, now time.Time, p Policy) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Window > s.window {
		s.window = p.Window
	}
	next, decision := advance(s.states[key], now, p)
	s.states[key] = next
	return decision, nil
}

// Sweep drops callers that are neither suspended nor inside an active window
// at now. It returns the number of removed callers.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, st := range s.states {
		if st.Suspended(now) {
			continue
		}
		if now.Sub(st.WindowStartedAt) < s.window {
			continue
		}
		delete(s.states, key)
		removed++
	}
	return removed
}

// Len reports the number of tracked callers.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}
