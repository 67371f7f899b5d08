// Package store holds the terminator's process-wide mapping from session
// id to Session, plus the background sweeper that reaps idle sessions.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/relaywire/tow/internal/session"
	"github.com/relaywire/tow/internal/util"
)

const sweepInterval = 30 * time.Second

// Store is a concurrency-safe session registry. Lookups take a read
// lock; inserts and sweep deletions take the write lock. Each Session
// additionally carries its own exclusive lock, which the sweeper only
// ever acquires non-blockingly so it never reaps a session with an
// active relay loop.
type Store struct {
	mu       sync.RWMutex
	sessions map[uint64]*session.Session
}

// New creates an empty Store.
func New() *Store {
	return &Store{sessions: make(map[uint64]*session.Session)}
}

// Lookup returns the session for id, if present.
func (st *Store) Lookup(id uint64) (*session.Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

// LookupOrCreate returns the existing session for id, or atomically
// inserts and returns a freshly created one.
func (st *Store) LookupOrCreate(id uint64, timeoutMs int) *session.Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	if s, ok := st.sessions[id]; ok {
		return s
	}
	s := session.New(id, nil, timeoutMs)
	st.sessions[id] = s
	return s
}

// Remove deletes id from the store unconditionally.
func (st *Store) Remove(id uint64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, id)
}

// Len reports the number of sessions currently tracked.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// StartSweeper launches a goroutine that, every 30 seconds, removes
// sessions whose last_use age exceeds their timeout and that are not
// currently locked by a live relay loop. It stops when ctx is cancelled.
func (st *Store) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				st.sweep()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// sweep is one reap pass: it holds the store's write lock for the whole
// pass (matching spec.md §4.3's "under the store's write lock"), and for
// each session attempts a non-blocking lock before checking idleness, so
// an active relay loop is never disturbed.
func (st *Store) sweep() {
	st.mu.Lock()
	defer st.mu.Unlock()

	for id, s := range st.sessions {
		if !s.TryLock() {
			continue
		}
		idle := s.IdleFor() > time.Duration(s.TimeoutMs)*time.Millisecond
		s.Unlock()

		if idle {
			delete(st.sessions, id)
			util.LogDebug("reaped idle session %d", id)
		}
	}
}
