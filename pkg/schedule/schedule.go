// Package schedule runs periodic jobs and posted continuations on a single
// goroutine, one at a time.
package schedule

import (
	"context"
	"sync"
	"time"
)

type job struct {
	period time.Duration
	wake   time.Time
	fn     func()
	next   *job
}

// Loop is a cooperative event loop. Nothing registered on it ever runs concurrently
// with anything else registered on it.
type Loop struct {
	mu     sync.Mutex
	timers *job // sorted by wake time
	posted []func()
	signal chan struct{}
}

func New() *Loop {
	return &Loop{signal: make(chan struct{}, 1)}
}

// Every runs fn approximately every period, starting one period from now.
// A job that falls behind is rescheduled from the current time instead of
// firing repeatedly to catch up.
func (l *Loop) Every(period time.Duration, fn func()) {
	if period <= 0 {
		panic("schedule: non-positive period")
	}
	l.mu.Lock()
	l.insert(&job{period: period, wake: time.Now().Add(period), fn: fn})
	l.mu.Unlock()
	l.notify()
}

// Post queues fn to run on the loop. It never blocks.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.posted = append(l.posted, fn)
	l.mu.Unlock()
	l.notify()
}

// Run dispatches jobs until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.runPosted() || l.runDue(time.Now()) {
			continue
		}

		l.mu.Lock()
		var wait time.Duration = -1
		if l.timers != nil {
			wait = time.Until(l.timers.wake)
		}
		l.mu.Unlock()

		var tc <-chan time.Time
		if wait >= 0 {
			timer.Reset(wait)
			tc = timer.C
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.signal:
		case <-tc:
		}
	}
}

func (l *Loop) notify() {
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

func (l *Loop) runPosted() bool {
	l.mu.Lock()
	fns := l.posted
	l.posted = nil
	l.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	return len(fns) > 0
}

// runDue runs the earliest job if it is due.
func (l *Loop) runDue(now time.Time) bool {
	l.mu.Lock()
	j := l.timers
	if j == nil || j.wake.After(now) {
		l.mu.Unlock()
		return false
	}
	l.timers = j.next
	j.next = nil
	l.mu.Unlock()

	j.fn()

	j.wake = j.wake.Add(j.period)
	if now := time.Now(); !j.wake.After(now) {
		j.wake = now.Add(j.period)
	}
	l.mu.Lock()
	l.insert(j)
	l.mu.Unlock()
	return true
}

func (l *Loop) insert(j *job) {
	if l.timers == nil || j.wake.Before(l.timers.wake) {
		j.next = l.timers
		l.timers = j
		return
	}
	cur := l.timers
	for cur.next != nil && !j.wake.Before(cur.next.wake) {
		cur = cur.next
	}
	j.next = cur.next
	cur.next = j
}
