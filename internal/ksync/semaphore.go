// Package ksync implements the kernel's own synchronization primitives
// — semaphore, lock with priority donation, condition variable, and a
// synchronous rendezvous channel — on top of goroutines standing in for
// Nachos kernel threads. See threads/synch.cc in the retrieved Nachos
// source for the semantics this package reproduces.
package ksync

import "sync"

// Semaphore is a classic counting semaphore with a FIFO wait queue. The
// original implementation gets atomicity by masking the simulated
// interrupt; a goroutine-hosted kernel gets it from a mutex instead, but
// the wait discipline (append on P, pop-and-ready on V) is unchanged.
type Semaphore struct {
	Name string

	mu    sync.Mutex
	value int
	queue []chan struct{}
}

func NewSemaphore(name string, initial int) *Semaphore {
	return &Semaphore{Name: name, value: initial}
}

// P blocks until the semaphore's value is positive, then decrements it.
// A thread that calls P before another is guaranteed to be woken first.
func (s *Semaphore) P() {
	s.mu.Lock()
	if s.value > 0 {
		s.value--
		s.mu.Unlock()
		return
	}
	wake := make(chan struct{})
	s.queue = append(s.queue, wake)
	s.mu.Unlock()
	// V hands the permit directly to whichever waiter it wakes, without
	// touching value, so there is nothing left to decrement here — doing
	// so would let a second, unrelated P steal this permit out from under
	// us in the window between V's unlock and our wakeup.
	<-wake
}

// V wakes the longest-waiting parked thread, if any, handing the permit
// directly to it instead of incrementing value — a concurrent P must
// never be able to observe a value bump meant for the dequeued waiter
// and decrement it first, which would let two P's complete for one V.
func (s *Semaphore) V() {
	s.mu.Lock()
	if len(s.queue) > 0 {
		wake := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		close(wake)
		return
	}
	s.value++
	s.mu.Unlock()
}
