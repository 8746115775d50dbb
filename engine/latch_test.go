package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLatchExclusiveExcludesExclusive(t *testing.T) {
	var l Latch
	assert.True(t, l.TryLockExclusive())
	assert.False(t, l.TryLockExclusive())
	l.Unlock()
	assert.True(t, l.TryLockExclusive())
}

func TestLatchSharedAllowsMultipleReaders(t *testing.T) {
	var l Latch
	assert.True(t, l.TryLockShared())
	assert.True(t, l.TryLockShared())
	assert.False(t, l.TryLockExclusive())
	l.UnlockShared()
	l.UnlockShared()
	assert.True(t, l.TryLockExclusive())
}

func TestLatchLockExclusiveBlocksUntilUnlock(t *testing.T) {
	var l Latch
	l.LockExclusive()

	acquired := make(chan struct{})
	go func() {
		l.LockExclusive()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second exclusive lock acquired while first still held")
	case <-time.After(20 * time.Millisecond):
	}

	l.Unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never woke after unlock")
	}
}

func TestLatchAwaitWakesOnSignal(t *testing.T) {
	var l Latch
	l.LockExclusive()

	woke := make(chan LockResult, 1)
	go func() {
		woke <- l.Await(time.Time{}, nil)
	}()

	time.Sleep(20 * time.Millisecond)
	l.Signal()

	select {
	case res := <-woke:
		assert.Equal(t, LockResultAcquired, res)
	case <-time.After(time.Second):
		t.Fatal("Await never woke on Signal")
	}
	l.Unlock()
}

func TestLatchAwaitTimesOut(t *testing.T) {
	var l Latch
	l.LockExclusive()
	res := l.Await(time.Now().Add(20*time.Millisecond), nil)
	assert.Equal(t, LockResultTimedOut, res)
	l.Unlock()
}
