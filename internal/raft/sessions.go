package raft

import (
	"sync"
	"time"

	"github.com/kgantsov/dslot/internal/domain"
)

// sessionTracker mirrors the replicated sessions with their keepalive
// deadlines. Every node keeps one up to date from the log, but only the
// leader's deadlines are extended and enforced. Followers forward keepalives.
type sessionTracker struct {
	mu        sync.Mutex
	deadlines map[uint64]time.Time
	timeouts  map[uint64]time.Duration
}

func newSessionTracker() *sessionTracker {
	return &sessionTracker{
		deadlines: make(map[uint64]time.Time),
		timeouts:  make(map[uint64]time.Duration),
	}
}

func (t *sessionTracker) add(id uint64, timeout time.Duration, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.timeouts[id] = timeout
	t.deadlines[id] = now.Add(timeout)
}

// touch extends the deadline of a known session.
func (t *sessionTracker) touch(id uint64, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	timeout, ok := t.timeouts[id]
	if !ok {
		return false
	}
	t.deadlines[id] = now.Add(timeout)
	return true
}

func (t *sessionTracker) remove(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.timeouts, id)
	delete(t.deadlines, id)
}

// reset replaces the tracked sessions and gives each of them a full timeout
// starting at now.
func (t *sessionTracker) reset(sessions []domain.Session, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.deadlines = make(map[uint64]time.Time, len(sessions))
	t.timeouts = make(map[uint64]time.Duration, len(sessions))
	for _, s := range sessions {
		timeout := time.Duration(s.TimeoutMs) * time.Millisecond
		t.timeouts[s.ID] = timeout
		t.deadlines[s.ID] = now.Add(timeout)
	}
}

// refresh gives every tracked session a full timeout starting at now. A new
// leader does not know when clients last sent a keepalive.
func (t *sessionTracker) refresh(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, timeout := range t.timeouts {
		t.deadlines[id] = now.Add(timeout)
	}
}

func (t *sessionTracker) expired(now time.Time) []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ids []uint64
	for id, deadline := range t.deadlines {
		if now.After(deadline) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (t *sessionTracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.deadlines)
}
