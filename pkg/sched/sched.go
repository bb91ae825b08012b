// Package sched runs long operations as cooperative routines on a single
// host-driven loop. A routine does one bounded step per resumption and
// tells the loop how long to wait before the next one.
package sched

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultTickInterval is how often Run drains due tasks.
const DefaultTickInterval = 10 * time.Millisecond

// Scheduler defers work onto the host loop.
type Scheduler interface {
	// After queues fn to run on the loop once d has elapsed.
	After(d time.Duration, fn func())
}

type task struct {
	due time.Time
	seq uint64
	fn  func()
}

type taskQueue []*task

func (q taskQueue) Len() int { return len(q) }
func (q taskQueue) Less(i, j int) bool {
	if q[i].due.Equal(q[j].due) {
		return q[i].seq < q[j].seq
	}
	return q[i].due.Before(q[j].due)
}
func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *taskQueue) Push(x any)   { *q = append(*q, x.(*task)) }
func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}

// Loop is a single-threaded executor. Tasks may be queued from any
// goroutine but only run inside RunPending, in due-time order.
type Loop struct {
	mu    sync.Mutex
	clock clock.Clock
	queue taskQueue
	seq   uint64
}

// NewLoop creates a loop reading time from clk (clock.New() when nil).
func NewLoop(clk clock.Clock) *Loop {
	if clk == nil {
		clk = clock.New()
	}
	return &Loop{clock: clk}
}

// Clock returns the loop's time source.
func (l *Loop) Clock() clock.Clock { return l.clock }

// After implements Scheduler.
func (l *Loop) After(d time.Duration, fn func()) {
	if d < 0 {
		d = 0
	}
	l.mu.Lock()
	l.seq++
	heap.Push(&l.queue, &task{due: l.clock.Now().Add(d), seq: l.seq, fn: fn})
	l.mu.Unlock()
}

// Pending returns the number of queued tasks.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// NextDue returns when the earliest queued task becomes runnable.
func (l *Loop) NextDue() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return time.Time{}, false
	}
	return l.queue[0].due, true
}

// RunPending runs every task that is due now. Tasks queued while running
// wait for the next call, so a routine never takes two steps in one pass.
func (l *Loop) RunPending() int {
	now := l.clock.Now()

	l.mu.Lock()
	var due []*task
	for len(l.queue) > 0 && !l.queue[0].due.After(now) {
		due = append(due, heap.Pop(&l.queue).(*task))
	}
	l.mu.Unlock()

	for _, t := range due {
		t.fn()
	}
	return len(due)
}

// Run drives the loop on a ticker until ctx is done.
func (l *Loop) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	ticker := l.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.RunPending()
		}
	}
}

// Step performs one bounded unit of work. It returns how long to wait
// before the next step, whether the routine is finished, and any error
// that should end it.
type Step func() (wait time.Duration, done bool, err error)

// Go starts a routine on s. The first step runs on the next pass of the
// loop. onDone, when not nil, is called once with the terminal error.
// A panicking step ends its own routine only.
func Go(s Scheduler, step Step, onDone func(error)) {
	finish := func(err error) {
		if onDone != nil {
			onDone(err)
		}
	}

	var resume func()
	resume = func() {
		wait, done, err := safeStep(step)
		if err != nil || done {
			finish(err)
			return
		}
		s.After(wait, resume)
	}
	s.After(0, resume)
}

func safeStep(step Step) (wait time.Duration, done bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sched: routine panicked: %v", r)
		}
	}()
	return step()
}
