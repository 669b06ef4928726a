// Package clock abstracts wall time and delayed callbacks so timer-driven
// code can be tested deterministically.
package clock

import (
	"sort"
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a handle to a scheduled callback.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the callback from firing. It reports whether the call
// stopped the timer, false if it had already fired or been stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stopFunc: t.Stop}
}

// FakeClock is a manually advanced Clock. Callbacks fire synchronously
// inside Advance, in deadline order.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	nextID  uint64
	waiters map[uint64]*fakeWaiter
}

type fakeWaiter struct {
	id       uint64
	deadline time.Time
	fn       func()
}

func Fake(initial time.Time) *FakeClock {
	return &FakeClock{now: initial, waiters: make(map[uint64]*fakeWaiter)}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.waiters[id] = &fakeWaiter{id: id, deadline: c.now.Add(d), fn: f}
	c.mu.Unlock()

	return &Timer{stopFunc: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.waiters[id]; !ok {
			return false
		}
		delete(c.waiters, id)
		return true
	}}
}

// Advance moves the clock forward and runs every callback whose deadline
// has been reached.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	var due []*fakeWaiter
	for id, w := range c.waiters {
		if !w.deadline.After(target) {
			due = append(due, w)
			delete(c.waiters, id)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline.Equal(due[j].deadline) {
			return due[i].id < due[j].id
		}
		return due[i].deadline.Before(due[j].deadline)
	})
	for _, w := range due {
		w.fn()
	}
}

// PendingCount returns the number of scheduled, unfired callbacks.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}
