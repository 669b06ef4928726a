// Package handoff silences automated replies for a user while a human
// agent owns the conversation.
package handoff

import (
	"sync"
	"time"

	"appointment-bot/internal/common/clock"
	"appointment-bot/internal/common/metrics"
)

type entry struct {
	gen      uint64
	deadline time.Time
	timer    *clock.Timer
}

// Suppressor keeps one expiring window per key. Re-activating a key stops
// the previous timer and starts a new one.
type Suppressor struct {
	mu      sync.Mutex
	clock   clock.Clock
	gen     uint64
	entries map[string]*entry

	// OnExpire, when set, is called after a window lapses on its own.
	OnExpire func(key string)
}

func NewSuppressor(clk clock.Clock) *Suppressor {
	if clk == nil {
		clk = clock.Real()
	}
	return &Suppressor{clock: clk, entries: make(map[string]*entry)}
}

// Key builds the suppression key for one end-user of one tenant.
func Key(tenantID, userID string) string {
	return tenantID + "/" + userID
}

func (s *Suppressor) Activate(key string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[key]; ok {
		old.timer.Stop()
	} else {
		metrics.HandoffActive.Inc()
	}

	s.gen++
	gen := s.gen
	e := &entry{gen: gen, deadline: s.clock.Now().Add(ttl)}
	e.timer = s.clock.AfterFunc(ttl, func() { s.expire(key, gen) })
	s.entries[key] = e
}

func (s *Suppressor) expire(key string, gen uint64) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok || e.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.entries, key)
	metrics.HandoffActive.Dec()
	onExpire := s.OnExpire
	s.mu.Unlock()

	if onExpire != nil {
		onExpire(key)
	}
}

func (s *Suppressor) Active(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok
}

// Release ends a window early. It reports whether one was active.
func (s *Suppressor) Release(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.entries, key)
	metrics.HandoffActive.Dec()
	return true
}

// Remaining returns the time left on key's window, or zero.
func (s *Suppressor) Remaining(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return 0
	}
	if d := e.deadline.Sub(s.clock.Now()); d > 0 {
		return d
	}
	return 0
}

func (s *Suppressor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
