package services

import (
	"sync"
	"sync/atomic"
	"time"
)

// LockMap is an arena of lazily created per-key locks, keyed by
// "user:achievement". It backs both the awarder's in-flight duplicate
// suppression (TryLock) and the progress tracker's per-pair serialization
// (Lock). Idle entries are evicted periodically so the map cannot grow
// without bound.
type LockMap struct {
	mu    sync.Mutex
	locks map[string]*pairLock
}

type pairLock struct {
	ch       chan struct{} // cap 1; full = held
	waiters  int32
	lastUsed time.Time
}

func NewLockMap() *LockMap {
	return &LockMap{locks: make(map[string]*pairLock)}
}

// PairKey builds the canonical lock key for a (user, achievement) pair.
func PairKey(userID, achievementID string) string {
	return userID + ":" + achievementID
}

// get returns the entry for key, creating it if needed, and registers the
// caller as a pending acquirer before the map lock is released. Evict also
// runs under the map lock, so an entry handed out by get can never be
// evicted before the caller finishes its acquisition attempt.
func (m *LockMap) get(key string) *pairLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &pairLock{ch: make(chan struct{}, 1), lastUsed: time.Now()}
		m.locks[key] = l
	}
	atomic.AddInt32(&l.waiters, 1)
	return l
}

// TryLock acquires the key's lock without blocking. Returns false when a
// holder is already in flight.
func (m *LockMap) TryLock(key string) bool {
	l := m.get(key)
	defer atomic.AddInt32(&l.waiters, -1)
	select {
	case l.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Lock blocks until the key's lock is acquired.
func (m *LockMap) Lock(key string) {
	l := m.get(key)
	l.ch <- struct{}{}
	atomic.AddInt32(&l.waiters, -1)
}

// Unlock releases the key's lock. Unlocking a key that is not held is a
// programming error and panics, matching sync.Mutex semantics.
func (m *LockMap) Unlock(key string) {
	m.mu.Lock()
	l, ok := m.locks[key]
	if ok {
		l.lastUsed = time.Now()
	}
	m.mu.Unlock()
	if !ok {
		panic("services: unlock of unknown lock key " + key)
	}
	select {
	case <-l.ch:
	default:
		panic("services: unlock of unheld lock key " + key)
	}
}

// Len reports the number of lock entries currently in the arena.
func (m *LockMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

// Evict removes entries idle for longer than maxIdle. Held locks and locks
// with waiters are never evicted.
func (m *LockMap) Evict(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for key, l := range m.locks {
		if len(l.ch) > 0 || atomic.LoadInt32(&l.waiters) > 0 {
			continue
		}
		if l.lastUsed.Before(cutoff) {
			delete(m.locks, key)
			evicted++
		}
	}
	return evicted
}
