package relay

import (
	"sync"
	"time"
)

// Registry tracks each live object's retention policy and its pending
// deletion timer. It is in-memory only: entries do not survive a restart,
// which leaves previously stored objects orphaned on disk (the sweeper
// reclaims those).
//
// Consume is the one compare-and-swap point in the system. A download
// handler and a firing expiry timer racing on the same id go through it,
// and exactly one wins; the loser sees the entry gone and mutates nothing.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*retention
}

type retention struct {
	policy    Policy
	timer     *time.Timer
	expiresAt time.Time
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*retention)}
}

// Register inserts the entry and arms its countdown. Every object gets a
// timer: for TimeBoxed objects it is the retention window, for
// SingleDownload objects the same duration acts as a fallback bound on
// links that are never downloaded. Returns the expiry deadline.
func (r *Registry) Register(id string, policy Policy, ttl time.Duration, onExpire func(id string)) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := &retention{
		policy:    policy,
		expiresAt: time.Now().UTC().Add(ttl),
	}
	e.timer = time.AfterFunc(ttl, func() { onExpire(id) })
	r.entries[id] = e
	return e.expiresAt
}

// Consume atomically claims the right to delete id: the entry is removed
// and its timer stopped under one lock, so the download path and the
// expiry path can never both proceed. Reports false if the id was already
// consumed or never registered.
func (r *Registry) Consume(id string) (Policy, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return 0, false
	}
	delete(r.entries, id)
	e.timer.Stop()
	return e.policy, true
}

// Len reports the number of live entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close stops all pending timers. Called at shutdown; objects are left in
// place for the next process's sweeper.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.entries {
		e.timer.Stop()
		delete(r.entries, id)
	}
}
