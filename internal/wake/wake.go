// Package wake implements the coalesced wake-channel primitive used to
// replace the ad-hoc condition-variable pairs described in §9 DESIGN NOTES:
// dispatcherWake and queueWake are both instances of Chan.
package wake

import "time"

// Chan is a single-slot notification channel: any number of Notify calls
// between two receives collapse into one wakeup, which a single waiter
// receives (like a condition variable's Signal, not its Broadcast), without
// requiring the sender to hold an associated lock.
type Chan struct {
	c chan struct{}
}

// New returns a ready-to-use Chan.
func New() *Chan {
	return &Chan{c: make(chan struct{}, 1)}
}

// Notify wakes one pending or future Wait call. Multiple Notify calls before
// a Wait collapse into a single wakeup.
func (c *Chan) Notify() {
	select {
	case c.c <- struct{}{}:
	default:
	}
}

// Wait blocks until Notify is called or timeout elapses, returning true if
// woken by Notify and false on timeout. A non-positive timeout waits
// indefinitely.
func (c *Chan) Wait(timeout time.Duration) bool {
	if timeout <= 0 {
		<-c.c
		return true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-c.c:
		return true
	case <-t.C:
		return false
	}
}

// WaitOrDone is like Wait but also observes a stop channel (typically
// fed by a context's Done()), returning false if stop fires first.
func (c *Chan) WaitOrDone(timeout time.Duration, done <-chan struct{}) bool {
	var timer *time.Timer
	var timerC <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timerC = timer.C
	}
	select {
	case <-c.c:
		return true
	case <-timerC:
		return false
	case <-done:
		return false
	}
}
