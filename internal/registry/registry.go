// Package registry holds the ephemeral per-(session, participant) state the
// accumulator needs between signals: the last-signal timestamp that bounds how
// much elapsed time one signal may claim, and the per-key exclusion scope that
// serializes concurrent ingests for the same key.
//
// Nothing here is authoritative. Losing the registry (process restart)
// degrades to "first post-restart signal contributes zero increment", never to
// over-counting.
package registry

import (
	"sync"
	"time"
)

// Key identifies one engagement session.
type Key struct {
	SessionID     string
	ParticipantID string
}

// SignalRegistry is a process-local last-signal timestamp cache. Entries are
// seeded at session start, advanced per signal, and deleted on finalize.
type SignalRegistry struct {
	mu   sync.RWMutex
	last map[Key]time.Time
}

func NewSignalRegistry() *SignalRegistry {
	return &SignalRegistry{last: make(map[Key]time.Time)}
}

// Last returns the recorded last-signal time for the key, if any.
func (r *SignalRegistry) Last(key Key) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.last[key]
	return t, ok
}

// Touch records the key's last-signal time. Callers must only advance the
// registry after the session record has been durably updated; otherwise a
// failed persist would silently swallow the next increment.
func (r *SignalRegistry) Touch(key Key, t time.Time) {
	r.mu.Lock()
	r.last[key] = t
	r.mu.Unlock()
}

// Delete removes the key. Called on finalize.
func (r *SignalRegistry) Delete(key Key) {
	r.mu.Lock()
	delete(r.last, key)
	r.mu.Unlock()
}

// Len reports the number of live entries.
func (r *SignalRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.last)
}

// KeyMutex serializes the read-increment-persist-advance sequence per session
// key. Two signals for the same key must never interleave their
// read-modify-write, or the monotonicity of engaged time breaks.
type KeyMutex struct {
	mu    sync.Mutex
	locks map[Key]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

func NewKeyMutex() *KeyMutex {
	return &KeyMutex{locks: make(map[Key]*entry)}
}

// Lock acquires the exclusion scope for key, blocking while another in-flight
// request for the same key holds it.
func (k *KeyMutex) Lock(key Key) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases the scope and drops the entry once no waiter remains.
func (k *KeyMutex) Unlock(key Key) {
	k.mu.Lock()
	e := k.locks[key]
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()

	e.mu.Unlock()
}
