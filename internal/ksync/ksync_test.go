package ksync

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSemaphoreFIFO(t *testing.T) {
	sem := NewSemaphore("test", 0)
	order := make([]int, 0, 3)
	var mu sync.Mutex
	var starts sync.WaitGroup
	starts.Add(3)

	for i := 0; i < 3; i++ {
		i := i
		go func() {
			starts.Done()
			// give the earlier goroutines a head start so arrival order
			// is deterministic for the test.
			time.Sleep(time.Duration(i) * 20 * time.Millisecond)
			sem.P()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}()
		time.Sleep(10 * time.Millisecond)
	}

	starts.Wait()
	time.Sleep(100 * time.Millisecond)
	// space the V's out so each woken waiter records itself before the
	// next one is woken; V hands out permits in queue order, but three
	// waiters woken back to back may run in any order.
	sem.V()
	time.Sleep(20 * time.Millisecond)
	sem.V()
	time.Sleep(20 * time.Millisecond)
	sem.V()
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestSemaphoreNonBlockingWhenAvailable(t *testing.T) {
	sem := NewSemaphore("test", 1)
	done := make(chan struct{})
	go func() {
		sem.P()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("P blocked despite available value")
	}
}

func TestLockExcludesConcurrentHolders(t *testing.T) {
	lock := NewLock("test")
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock.Acquire(nil)
			counter++
			lock.Release(nil)
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
}

type testThread struct {
	priority int
}

func (t *testThread) GetPriority() int  { return t.priority }
func (t *testThread) SetPriority(p int) { t.priority = p }

func TestLockPriorityDonation(t *testing.T) {
	lock := NewLock("donation")
	low := &testThread{priority: 1}
	high := &testThread{priority: 10}

	lock.Acquire(low)

	waiterStarted := make(chan struct{})
	waiterDone := make(chan struct{})
	go func() {
		close(waiterStarted)
		lock.Acquire(high)
		lock.Release(high)
		close(waiterDone)
	}()

	<-waiterStarted
	// give the waiter a chance to block on the semaphore and donate.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 10, low.GetPriority(), "holder should have been bumped to waiter's priority")

	lock.Release(low)
	assert.Equal(t, 1, low.GetPriority(), "releasing thread restores its own base priority")

	<-waiterDone
}

func TestConditionMesaSemantics(t *testing.T) {
	lock := NewLock("cond")
	cond := NewCondition("cond", lock)

	ready := false
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		lock.Acquire(nil)
		for !ready {
			cond.Wait(nil)
		}
		lock.Release(nil)
	}()

	time.Sleep(50 * time.Millisecond)
	lock.Acquire(nil)
	ready = true
	cond.Signal(nil)
	lock.Release(nil)

	wg.Wait()
}

func TestConditionBroadcastWakesAll(t *testing.T) {
	lock := NewLock("bcast")
	cond := NewCondition("bcast", lock)
	ready := false

	var wg sync.WaitGroup
	woken := 0
	var mu sync.Mutex
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock.Acquire(nil)
			for !ready {
				cond.Wait(nil)
			}
			mu.Lock()
			woken++
			mu.Unlock()
			lock.Release(nil)
		}()
	}

	time.Sleep(50 * time.Millisecond)
	lock.Acquire(nil)
	ready = true
	cond.Broadcast(nil)
	lock.Release(nil)

	wg.Wait()
	assert.Equal(t, 5, woken)
}

func TestChannelRoundTrip(t *testing.T) {
	ch := NewChannel("rendezvous")

	result := make(chan int, 1)
	go func() {
		result <- ch.Receive(nil)
	}()
	time.Sleep(20 * time.Millisecond)
	ch.Send(nil, 42)

	select {
	case got := <-result:
		assert.Equal(t, 42, got)
	case <-time.After(time.Second):
		t.Fatal("receive never completed")
	}
}

func TestChannelQueuesFairly(t *testing.T) {
	ch := NewChannel("fair")
	const n = 10

	received := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ch.Send(nil, i)
		}(i)
	}

	go func() {
		for i := 0; i < n; i++ {
			received <- ch.Receive(nil)
		}
	}()

	wg.Wait()
	seen := map[int]bool{}
	for i := 0; i < n; i++ {
		select {
		case v := <-received:
			seen[v] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for all sends to be received")
		}
	}
	require.Len(t, seen, n)
}

func TestChannelSecondSenderIsWokenByReceive(t *testing.T) {
	ch := NewChannel("double-send")

	firstSent := make(chan struct{})
	go func() {
		ch.Send(nil, 1)
		close(firstSent)
	}()
	secondSent := make(chan struct{})
	go func() {
		<-firstSent
		ch.Send(nil, 2)
		close(secondSent)
	}()

	got1 := ch.Receive(nil)
	got2 := ch.Receive(nil)

	select {
	case <-secondSent:
	case <-time.After(time.Second):
		t.Fatal("second sender was never woken")
	}

	assert.ElementsMatch(t, []int{1, 2}, []int{got1, got2})
}
