// Package ratelimit implements the fair, FIFO-scheduled rate limiter that
// gates new outbound SSH connections from the pool.
package ratelimit

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/snawoot/rsp-go/internal/adapters/realclock"
	"github.com/snawoot/rsp-go/internal/ports"
)

// waiterSlot is one pending Wait() call queued in FIFO order.
type waiterSlot struct {
	ch        chan struct{}
	fired     bool
	abandoned bool
}

// Limiter enforces a minimum interval between successive releases, serving
// waiters in strict FIFO order. The zero-value Limiter is not usable; build
// one with New.
type Limiter struct {
	clock ports.Clock
	delta time.Duration

	mu        sync.Mutex
	tLast     time.Time
	waiters   *list.List
	scheduled bool
}

// New returns a Limiter that releases at most rate callers per second. An
// optional clock may be supplied for deterministic tests; nil uses the real
// wall clock.
func New(rate float64, clock ports.Clock) *Limiter {
	if clock == nil {
		clock = realclock.New()
	}
	return &Limiter{
		clock:   clock,
		delta:   time.Duration(float64(time.Second) / rate),
		waiters: list.New(),
	}
}

// Wait suspends the caller until the limiter is willing to release it. It
// returns ctx.Err() if ctx is cancelled while queued; two calls to Wait
// that both return nil are guaranteed to be separated by at least 1/rate
// seconds,
// and waiters are served strictly in the order they called Wait.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	now := l.clock.Now()
	if !l.scheduled && now.Sub(l.tLast) >= l.delta {
		l.tLast = now
		l.mu.Unlock()
		return nil
	}

	slot := &waiterSlot{ch: make(chan struct{})}
	elem := l.waiters.PushBack(slot)
	needArm := !l.scheduled
	if needArm {
		l.scheduled = true
	}
	l.mu.Unlock()

	if needArm {
		go l.armDispatch()
	}

	select {
	case <-slot.ch:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		if !slot.fired {
			slot.abandoned = true
			l.waiters.Remove(elem)
		}
		l.mu.Unlock()
		return ctx.Err()
	}
}

// armDispatch sleeps until the next permissible release time and then runs
// one round of dispatch. Only one instance of armDispatch is ever in flight
// at a time, guarded by the scheduled flag.
func (l *Limiter) armDispatch() {
	l.mu.Lock()
	wait := l.tLast.Add(l.delta).Sub(l.clock.Now())
	l.mu.Unlock()
	if wait < 0 {
		wait = 0
	}
	<-l.clock.After(wait)
	l.dispatch()
}

// dispatch releases the oldest non-abandoned waiter, if any, and re-arms
// itself if waiters remain.
func (l *Limiter) dispatch() {
	l.mu.Lock()
	l.scheduled = false

	for l.waiters.Len() > 0 {
		front := l.waiters.Front()
		slot := front.Value.(*waiterSlot)
		l.waiters.Remove(front)
		if slot.abandoned {
			continue
		}
		slot.fired = true
		l.tLast = l.clock.Now()
		close(slot.ch)
		break
	}

	rearm := l.waiters.Len() > 0
	if rearm {
		l.scheduled = true
	}
	l.mu.Unlock()

	if rearm {
		go l.armDispatch()
	}
}
