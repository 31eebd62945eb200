package ksync

import "sync"

// Priority lets Lock donate without knowing anything about the
// scheduler; any caller that wants donation to matter must supply a
// thread identity that satisfies this interface. Callers that don't
// care about priority (most tests, most of the filesystem) can pass
// nil and donation is simply skipped.
type Priority interface {
	GetPriority() int
	SetPriority(int)
}

// Lock is a non-recursive mutex built on a Semaphore of initial value 1,
// with single-hop priority donation: if the current holder's priority is
// lower than an arriving waiter's, the holder is bumped to the waiter's
// priority for the duration of the hold. Donation does not chain through
// a second lock (threads/synch.cc's Lock is explicit about this).
type Lock struct {
	Name string

	sem *Semaphore

	mu           sync.Mutex
	owner        Priority
	basePriority int
	donated      bool
}

func NewLock(name string) *Lock {
	return &Lock{Name: name, sem: NewSemaphore(name, 1)}
}

// Acquire blocks until the lock is free. holder identifies the calling
// thread for donation and the non-recursive-acquire assertion; pass nil
// if the caller does not participate in priority donation.
func (l *Lock) Acquire(holder Priority) {
	if holder != nil {
		l.mu.Lock()
		owner := l.owner
		l.mu.Unlock()
		if owner == holder {
			panic("Lock.Acquire: already held by current thread")
		}
		if owner != nil && owner.GetPriority() < holder.GetPriority() {
			l.mu.Lock()
			// owner may have released between the check above and here;
			// re-check before donating so we never raise a stale owner.
			if l.owner == owner && owner.GetPriority() < holder.GetPriority() {
				l.basePriority = owner.GetPriority()
				owner.SetPriority(holder.GetPriority())
				l.donated = true
			}
			l.mu.Unlock()
		}
	}

	l.sem.P()

	l.mu.Lock()
	l.owner = holder
	l.mu.Unlock()
}

// Release restores the releasing thread's own priority (undoing any
// donation it received while holding the lock) and wakes the next
// waiter.
func (l *Lock) Release(holder Priority) {
	l.mu.Lock()
	if holder != nil && l.owner != holder {
		l.mu.Unlock()
		panic("Lock.Release: not held by current thread")
	}
	donated := l.donated
	base := l.basePriority
	l.owner = nil
	l.donated = false
	l.mu.Unlock()

	if donated && holder != nil {
		holder.SetPriority(base)
	}

	l.sem.V()
}

// IsHeldBy reports whether holder currently owns the lock.
func (l *Lock) IsHeldBy(holder Priority) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner == holder
}
