package ksync

import "sync"

// Condition is a monitor-style condition variable: a queue of private,
// single-use semaphores, one per waiter, guarded by an external Lock.
// Mesa semantics — Signal/Broadcast do not hand off the lock, so a woken
// waiter must re-acquire it and recheck its predicate.
type Condition struct {
	Name string
	lock *Lock

	mu    sync.Mutex
	queue []*Semaphore
}

func NewCondition(name string, lock *Lock) *Condition {
	return &Condition{Name: name, lock: lock}
}

// Wait requires the caller to already hold the associated lock. It
// parks the calling thread on a fresh semaphore, releases the lock,
// blocks, then re-acquires the lock before returning.
func (c *Condition) Wait(holder Priority) {
	if !c.lock.IsHeldBy(holder) {
		panic("Condition.Wait: lock not held")
	}

	sem := NewSemaphore("cond-wait", 0)
	c.mu.Lock()
	c.queue = append(c.queue, sem)
	c.mu.Unlock()

	c.lock.Release(holder)
	sem.P()
	c.lock.Acquire(holder)
}

// Signal wakes the single longest-waiting thread, if any. The signaller
// keeps the lock.
func (c *Condition) Signal(holder Priority) {
	if !c.lock.IsHeldBy(holder) {
		panic("Condition.Signal: lock not held")
	}
	c.mu.Lock()
	var sem *Semaphore
	if len(c.queue) > 0 {
		sem = c.queue[0]
		c.queue = c.queue[1:]
	}
	c.mu.Unlock()
	if sem != nil {
		sem.V()
	}
}

// Broadcast wakes every waiting thread.
func (c *Condition) Broadcast(holder Priority) {
	if !c.lock.IsHeldBy(holder) {
		panic("Condition.Broadcast: lock not held")
	}
	c.mu.Lock()
	waiters := c.queue
	c.queue = nil
	c.mu.Unlock()
	for _, sem := range waiters {
		sem.V()
	}
}
