package ksync

// Channel is a synchronous, one-integer-at-a-time rendezvous between a
// sender and a receiver, built from one Lock and three Conditions
// exactly as threads/synch.cc's Channel does it (the design note in
// spec.md §9 calls a pair of handoff slots an acceptable alternative,
// but this kernel keeps the three-condition form so the semantics —
// including Receive's trailing wake of a queued sender — are explicit
// and testable rather than folded into channel buffering).
type Channel struct {
	Name string

	lock      *Lock
	sender    *Condition
	receiver  *Condition
	available *Condition

	messageDest *int
}

func NewChannel(name string) *Channel {
	lock := NewLock(name)
	return &Channel{
		Name:      name,
		lock:      lock,
		sender:    NewCondition(name+"-sender", lock),
		receiver:  NewCondition(name+"-receiver", lock),
		available: NewCondition(name+"-available", lock),
	}
}

// Send blocks until a receiver is parked, deposits message into its
// slot, and does not return until that receiver has acknowledged the
// handoff.
func (c *Channel) Send(holder Priority, message int) {
	c.lock.Acquire(holder)

	for c.messageDest == nil {
		c.receiver.Wait(holder)
	}

	*c.messageDest = message
	c.sender.Signal(holder)

	c.messageDest = nil

	c.sender.Wait(holder)

	c.available.Signal(holder)

	c.lock.Release(holder)
}

// Receive blocks until no other receiver is parked, publishes its own
// slot, and waits for a sender to fill it.
func (c *Channel) Receive(holder Priority) int {
	c.lock.Acquire(holder)

	for c.messageDest != nil {
		c.available.Wait(holder)
	}

	var message int
	c.messageDest = &message

	c.receiver.Signal(holder)

	c.sender.Wait(holder)

	// Acknowledge the handoff: wake one thread queued on sender, which is
	// normally the sender that filled our slot and is waiting in Send for
	// this acknowledgement before it can return.
	c.sender.Signal(holder)

	c.lock.Release(holder)

	return message
}
