package services

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockMapTryLock(t *testing.T) {
	m := NewLockMap()
	key := PairKey("u1", "a1")

	require.True(t, m.TryLock(key))
	assert.False(t, m.TryLock(key), "held lock refuses a second holder")

	m.Unlock(key)
	assert.True(t, m.TryLock(key))
	m.Unlock(key)
}

func TestLockMapIndependentKeys(t *testing.T) {
	m := NewLockMap()

	require.True(t, m.TryLock(PairKey("u1", "a1")))
	assert.True(t, m.TryLock(PairKey("u1", "a2")))
	assert.True(t, m.TryLock(PairKey("u2", "a1")))
	assert.Equal(t, 3, m.Len())
}

func TestLockMapBlockingLock(t *testing.T) {
	m := NewLockMap()
	key := PairKey("u1", "a1")

	m.Lock(key)

	acquired := make(chan struct{})
	go func() {
		m.Lock(key)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock returned while the key was held")
	case <-time.After(50 * time.Millisecond):
	}

	m.Unlock(key)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock after Unlock")
	}
	m.Unlock(key)
}

func TestLockMapSerializesCounter(t *testing.T) {
	m := NewLockMap()
	key := PairKey("u1", "a1")

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock(key)
			counter++
			m.Unlock(key)
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
}

func TestLockMapUnlockUnheldPanics(t *testing.T) {
	m := NewLockMap()
	assert.Panics(t, func() { m.Unlock("never-locked") })

	key := PairKey("u1", "a1")
	m.Lock(key)
	m.Unlock(key)
	assert.Panics(t, func() { m.Unlock(key) })
}

func TestLockMapEvictNeverDropsPendingAcquirer(t *testing.T) {
	m := NewLockMap()
	key := PairKey("u1", "a1")

	// Simulate a caller paused between entry lookup and channel acquire.
	l := m.get(key)
	assert.Equal(t, 0, m.Evict(0), "pending acquirer pins the entry")

	// The paused caller finishes its acquisition on the original entry.
	l.ch <- struct{}{}
	atomic.AddInt32(&l.waiters, -1)

	// A second caller must contend on that same entry, not a fresh one.
	assert.False(t, m.TryLock(key), "held lock stays visible after Evict")
	m.Unlock(key)
	assert.True(t, m.TryLock(key))
	m.Unlock(key)
}

func TestLockMapSerializesUnderEvictionChurn(t *testing.T) {
	m := NewLockMap()
	key := PairKey("u1", "a1")

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock(key)
			counter++
			m.Unlock(key)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		select {
		case <-done:
			assert.Equal(t, 50, counter)
			return
		default:
			m.Evict(0)
		}
	}
}

func TestLockMapEvict(t *testing.T) {
	m := NewLockMap()

	idle := PairKey("u1", "a1")
	held := PairKey("u2", "a2")
	m.Lock(idle)
	m.Unlock(idle)
	m.Lock(held)

	// Zero maxIdle makes everything unlocked eligible immediately.
	evicted := m.Evict(0)
	assert.Equal(t, 1, evicted)
	assert.Equal(t, 1, m.Len(), "held lock survives eviction")

	m.Unlock(held)
	assert.Equal(t, 1, m.Evict(0))
	assert.Equal(t, 0, m.Len())
}
