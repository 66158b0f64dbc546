// Package ratelimit provides the token bucket that sits in front of every
// mutating EC2 call.
//
// The bucket holds at most capacity tokens and is topped back up to capacity on
// every tick of a fixed interval. Callers that find it empty queue up and are
// served strictly in arrival order when the next refill comes around.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStopped is returned by Wait once the limiter has been stopped.
var ErrStopped = errors.New("rate limiter stopped")

// Limiter is a token bucket with a FIFO queue of waiters.
type Limiter struct {
	capacity int
	interval time.Duration

	mu      sync.Mutex
	tokens  int
	waiters []chan struct{}

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New starts a limiter that grants up to capacity tokens per interval.
func New(capacity int, interval time.Duration) *Limiter {
	ticker := time.NewTicker(interval)
	l := newLimiter(capacity, interval, ticker.C)
	go func() {
		<-l.done
		ticker.Stop()
	}()
	return l
}

func newLimiter(capacity int, interval time.Duration, tick <-chan time.Time) *Limiter {
	if capacity < 1 {
		capacity = 1
	}
	l := &Limiter{
		capacity: capacity,
		interval: interval,
		tokens:   capacity,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go l.run(tick)
	return l
}

func (l *Limiter) run(tick <-chan time.Time) {
	defer close(l.done)
	for {
		select {
		case <-l.stop:
			return
		case <-tick:
			l.refill()
		}
	}
}

// refill tops the bucket up and hands tokens to queued waiters oldest first.
func (l *Limiter) refill() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.tokens = l.capacity
	for l.tokens > 0 && len(l.waiters) > 0 {
		ch := l.waiters[0]
		l.waiters[0] = nil
		l.waiters = l.waiters[1:]
		l.tokens--
		close(ch)
	}
}

// Wait blocks until a token is granted, the context ends or the limiter stops.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	select {
	case <-l.stop:
		l.mu.Unlock()
		return ErrStopped
	default:
	}
	if l.tokens > 0 && len(l.waiters) == 0 {
		l.tokens--
		l.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	l.waiters = append(l.waiters, ch)
	l.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		l.abandon(ch)
		return ctx.Err()
	case <-l.stop:
		l.abandon(ch)
		return ErrStopped
	}
}

// abandon removes ch from the queue. If the refill already granted it, the
// token goes back into the bucket instead of being lost.
func (l *Limiter) abandon(ch chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, w := range l.waiters {
		if w == ch {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return
		}
	}
	select {
	case <-ch:
		if l.tokens < l.capacity {
			l.tokens++
		}
	default:
	}
}

// Pending reports how many callers are queued.
func (l *Limiter) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters)
}

// Capacity returns the number of tokens granted per interval.
func (l *Limiter) Capacity() int { return l.capacity }

// Interval returns the refill interval.
func (l *Limiter) Interval() time.Duration { return l.interval }

// Stop ends the refill loop and releases all waiters with ErrStopped.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stop)
	})
	<-l.done
}
