package clock

import (
	"container/heap"
	"sync"
	"time"
)

// FakeClock is a manually driven Clock for tests. Scheduled calls run inside
// Advance, earliest deadline first; calls with the same deadline run in the
// order they were scheduled.
type FakeClock struct {
	mu    sync.Mutex
	now   time.Time
	queue dueQueue
	seq   uint64
}

// Fake returns a FakeClock reading start.
func Fake(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.schedule(d, func(at time.Time) { ch <- at })
	return ch
}

// AfterFunc runs f from the Advance call that reaches now+d. A non-positive
// d runs f before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	e := c.schedule(d, func(time.Time) { f() })
	return &Timer{cancel: func() bool { return c.unschedule(e) }}
}

// Advance moves the clock forward by d. Each due call sees Now at its own
// deadline, and calls scheduled by a callback run in the same Advance when
// they fall due before the end. Callbacks run without the lock held.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	end := c.now.Add(d)
	for len(c.queue) > 0 && !c.queue[0].at.After(end) {
		e := heap.Pop(&c.queue).(*dueEntry)
		c.now = e.at
		c.mu.Unlock()
		e.run(e.at)
		c.mu.Lock()
	}
	c.now = end
	c.mu.Unlock()
}

// PendingCount is the number of scheduled calls that have neither run nor
// been stopped.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// schedule queues run for now+d, or runs it at once when d <= 0 and returns
// nil.
func (c *FakeClock) schedule(d time.Duration, run func(time.Time)) *dueEntry {
	c.mu.Lock()
	if d <= 0 {
		now := c.now
		c.mu.Unlock()
		run(now)
		return nil
	}
	c.seq++
	e := &dueEntry{at: c.now.Add(d), seq: c.seq, run: run}
	heap.Push(&c.queue, e)
	c.mu.Unlock()
	return e
}

func (c *FakeClock) unschedule(e *dueEntry) bool {
	if e == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.index < 0 {
		return false
	}
	heap.Remove(&c.queue, e.index)
	return true
}

// dueEntry is one scheduled call. index is its heap position, or -1 once it
// has left the queue.
type dueEntry struct {
	at    time.Time
	seq   uint64
	run   func(time.Time)
	index int
}

// dueQueue is a min-heap of entries ordered by deadline, then sequence.
type dueQueue []*dueEntry

func (q dueQueue) Len() int { return len(q) }

func (q dueQueue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].seq < q[j].seq
	}
	return q[i].at.Before(q[j].at)
}

func (q dueQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *dueQueue) Push(x any) {
	e := x.(*dueEntry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *dueQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}
