package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLockManagerGrantsDisjointShared(t *testing.T) {
	lm := NewLockManager(nil)
	r1 := lm.TryLock(1, 0, []byte("k"), LockShared, 0)
	r2 := lm.TryLock(2, 0, []byte("k"), LockShared, 0)
	assert.True(t, r1.Granted())
	assert.True(t, r2.Granted())
}

func TestLockManagerExclusiveBlocksShared(t *testing.T) {
	lm := NewLockManager(nil)
	r1 := lm.TryLock(1, 0, []byte("k"), LockExclusive, 0)
	assert.True(t, r1.Granted())

	r2 := lm.TryLock(2, 0, []byte("k"), LockShared, -1)
	assert.Equal(t, LockResultTimedOut, r2)
}

func TestLockManagerReentrantSharedIncrementsCount(t *testing.T) {
	lm := NewLockManager(nil)
	r1 := lm.TryLock(1, 0, []byte("k"), LockShared, 0)
	assert.Equal(t, LockResultAcquired, r1)
	r2 := lm.TryLock(1, 0, []byte("k"), LockShared, 0)
	assert.Equal(t, LockResultOwnedShared, r2)
}

func TestLockManagerUnlockWakesWaiter(t *testing.T) {
	lm := NewLockManager(nil)
	assert.True(t, lm.TryLock(1, 0, []byte("k"), LockExclusive, 0).Granted())

	done := make(chan LockResult, 1)
	go func() {
		done <- lm.TryLock(2, 0, []byte("k"), LockExclusive, time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	lm.Unlock(1, 0, []byte("k"))

	select {
	case res := <-done:
		assert.True(t, res.Granted())
	case <-time.After(time.Second):
		t.Fatal("waiter was never woken after unlock")
	}
}

func TestLockManagerDetectsDeadlock(t *testing.T) {
	lm := NewLockManager(nil)
	assert.True(t, lm.TryLock(1, 0, []byte("a"), LockExclusive, 0).Granted())
	assert.True(t, lm.TryLock(2, 0, []byte("b"), LockExclusive, 0).Granted())

	done := make(chan LockResult, 1)
	go func() {
		done <- lm.TryLock(1, 0, []byte("b"), LockExclusive, time.Second)
	}()
	time.Sleep(20 * time.Millisecond)

	res := lm.TryLock(2, 0, []byte("a"), LockExclusive, time.Second)
	assert.Equal(t, LockResultDeadlock, res)

	lm.Unlock(1, 0, []byte("a"))
	<-done
}

// TestLockManagerReclaimsEntryAfterContendedAcquire covers the waiter
// bookkeeping: a waiter that eventually wins must leave the waiting
// set, so once every hold drains the entry disappears from its shard
// instead of accumulating per contended key.
func TestLockManagerReclaimsEntryAfterContendedAcquire(t *testing.T) {
	lm := NewLockManager(nil)
	key := []byte("k")
	assert.True(t, lm.TryLock(1, 0, key, LockExclusive, 0).Granted())

	done := make(chan LockResult, 1)
	go func() {
		done <- lm.TryLock(2, 0, key, LockExclusive, time.Second)
	}()
	time.Sleep(20 * time.Millisecond)
	lm.Unlock(1, 0, key)

	select {
	case res := <-done:
		assert.True(t, res.Granted())
	case <-time.After(time.Second):
		t.Fatal("waiter was never woken after unlock")
	}
	lm.Unlock(2, 0, key)

	shard := lm.shardFor(lockKey{indexID: 0, key: string(key)})
	shard.mu.Lock()
	defer shard.mu.Unlock()
	assert.Empty(t, shard.entries, "a fully released lock must be reclaimed from its shard")
}

func TestLockManagerUpgradableAllowsSingleHolder(t *testing.T) {
	lm := NewLockManager(nil)
	assert.True(t, lm.TryLock(1, 0, []byte("k"), LockUpgradable, 0).Granted())
	res := lm.TryLock(2, 0, []byte("k"), LockUpgradable, -1)
	assert.Equal(t, LockResultTimedOut, res)
}
