package engine

import (
	"container/list"
	"sync"
	"time"
)

// waiterKind tags a queued waiter so signalTagged/uponSignal can
// filter the head of the queue without waking everyone, per Design
// Note §9's "FIFO of waiter records each tagged {Regular, Tagged,
// Continuation(fn)}".
type waiterKind int

const (
	waiterRegular waiterKind = iota
	waiterTagged
	waiterContinuation
)

type latchWaiter struct {
	kind waiterKind
	done chan struct{}
	cont func()
	// shared waiters set exclusive=false; exclusive ones set
	// exclusive=true so SignalShared can skip them.
	exclusive bool
}

// Latch is a shared/exclusive primitive with a fair, spurious-wakeup
// free wait queue, grounded on Design Note §9 and built from the
// teacher's container/list usage (filodb_workers.go's waitingQueue)
// generalized from a task queue into a latch wait queue. Each waiter
// parks on its own channel, so a signal always corresponds to a real
// wakeup — never a spurious one, unlike a generic sync.Cond.
type Latch struct {
	mu      sync.Mutex
	state   int32 // 0 = free, -1 = exclusive, >0 = shared count
	waiters list.List
}

// TryLockExclusive attempts a non-blocking exclusive acquisition.
func (l *Latch) TryLockExclusive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == 0 {
		l.state = -1
		return true
	}
	return false
}

// LockExclusive blocks until the latch is held exclusively.
func (l *Latch) LockExclusive() {
	l.mu.Lock()
	if l.state == 0 && l.waiters.Len() == 0 {
		l.state = -1
		l.mu.Unlock()
		return
	}
	w := l.enqueue(waiterRegular, true)
	l.mu.Unlock()
	<-w.done
}

// Unlock releases an exclusive hold and signals the next waiter(s).
func (l *Latch) Unlock() {
	l.mu.Lock()
	l.state = 0
	l.wakeNextLocked()
	l.mu.Unlock()
}

// TryLockShared attempts a non-blocking shared acquisition.
func (l *Latch) TryLockShared() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state >= 0 && l.waiters.Len() == 0 {
		l.state++
		return true
	}
	return false
}

// LockShared blocks until the latch is held in shared mode.
func (l *Latch) LockShared() {
	l.mu.Lock()
	if l.state >= 0 && l.waiters.Len() == 0 {
		l.state++
		l.mu.Unlock()
		return
	}
	w := l.enqueue(waiterRegular, false)
	l.mu.Unlock()
	<-w.done
}

// UnlockShared releases one shared hold.
func (l *Latch) UnlockShared() {
	l.mu.Lock()
	l.state--
	if l.state == 0 {
		l.wakeNextLocked()
	}
	l.mu.Unlock()
}

// Await releases the latch (it must currently be held exclusively),
// suspends the calling goroutine, and re-acquires it once signalled,
// interrupted via cancel, or the deadline passes. It mirrors
// LatchCondition.await from spec.md §4.4.
func (l *Latch) Await(deadline time.Time, cancel <-chan struct{}) LockResult {
	l.mu.Lock()
	// Wake any waiters already queued ahead of us before we join the
	// queue ourselves, otherwise wakeNextLocked would see our own
	// just-pushed entry at the front and wake it immediately.
	l.state = 0
	l.wakeNextLocked()
	w := &latchWaiter{kind: waiterRegular, done: make(chan struct{}), exclusive: true}
	elem := l.waiters.PushBack(w)
	l.mu.Unlock()

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if !deadline.IsZero() {
		timer = time.NewTimer(time.Until(deadline))
		timeoutCh = timer.C
		defer timer.Stop()
	}

	var result LockResult
	select {
	case <-w.done:
		result = LockResultAcquired
	case <-timeoutCh:
		result = LockResultTimedOut
	case <-cancel:
		result = LockResultInterrupted
	}

	l.mu.Lock()
	if result != LockResultAcquired {
		// Remove ourselves if we timed out/were interrupted before
		// being signalled; a racing signal may have already done it.
		for e := l.waiters.Front(); e != nil; e = e.Next() {
			if e.Value.(*latchWaiter) == w {
				l.waiters.Remove(e)
				break
			}
		}
	}
	_ = elem
	l.state = -1
	l.mu.Unlock()
	return result
}

// PriorityAwait behaves like Await but inserts the waiter at the head
// of the queue instead of the tail.
func (l *Latch) PriorityAwait(deadline time.Time, cancel <-chan struct{}) LockResult {
	l.mu.Lock()
	l.state = 0
	l.wakeNextLocked()
	w := &latchWaiter{kind: waiterRegular, done: make(chan struct{}), exclusive: true}
	l.waiters.PushFront(w)
	l.mu.Unlock()

	<-w.done
	l.mu.Lock()
	l.state = -1
	l.mu.Unlock()
	return LockResultAcquired
}

// Signal wakes the head waiter, if any.
func (l *Latch) Signal() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.wakeOneLocked()
}

// SignalAll drains the entire wait queue.
func (l *Latch) SignalAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.waiters.Len() > 0 {
		l.wakeOneLocked()
	}
}

// SignalShared wakes the head waiter only if it is a shared (non
// exclusive) waiter.
func (l *Latch) SignalShared() {
	l.mu.Lock()
	defer l.mu.Unlock()
	front := l.waiters.Front()
	if front == nil {
		return
	}
	if !front.Value.(*latchWaiter).exclusive {
		l.wakeOneLocked()
	}
}

// SignalTagged wakes the head waiter only if it carries the Tagged
// kind, giving priority-style filtering (spec.md §4.4).
func (l *Latch) SignalTagged() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	front := l.waiters.Front()
	if front == nil || front.Value.(*latchWaiter).kind != waiterTagged {
		return false
	}
	l.wakeOneLocked()
	return true
}

// UponSignal enqueues a continuation that runs on the releasing
// goroutine while it still holds the latch exclusively, implementing
// the ownership-transfer continuation queueing of spec.md §4.4.
func (l *Latch) UponSignal(cont func()) {
	l.mu.Lock()
	l.waiters.PushBack(&latchWaiter{kind: waiterContinuation, cont: cont})
	l.mu.Unlock()
}

func (l *Latch) enqueue(kind waiterKind, exclusive bool) *latchWaiter {
	w := &latchWaiter{kind: kind, done: make(chan struct{}), exclusive: exclusive}
	l.waiters.PushBack(w)
	return w
}

// wakeNextLocked wakes waiters compatible with the now-free latch:
// either one exclusive waiter, or a contiguous run of shared waiters
// at the head.
func (l *Latch) wakeNextLocked() {
	front := l.waiters.Front()
	if front == nil {
		return
	}
	if front.Value.(*latchWaiter).exclusive {
		l.wakeOneLocked()
		return
	}
	for {
		front = l.waiters.Front()
		if front == nil || front.Value.(*latchWaiter).exclusive {
			return
		}
		l.wakeOneLocked()
	}
}

func (l *Latch) wakeOneLocked() {
	front := l.waiters.Front()
	if front == nil {
		return
	}
	w := front.Value.(*latchWaiter)
	l.waiters.Remove(front)
	if w.kind == waiterContinuation {
		w.cont()
		return
	}
	if w.exclusive {
		l.state = -1
	} else {
		l.state++
	}
	close(w.done)
}
