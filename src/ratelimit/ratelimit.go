package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

var ErrClosed = errors.New("rate limiter closed: session is shutting down")

// Limiter is a windowed token bucket for outbound gateway commands.
// A window grants capacity slots; once they are spent, callers wait
// until the window rolls over. Heartbeats never go through the
// limiter, so the gateway reserves a couple of slots for them when
// picking capacity.
type Limiter struct {
	capacity  int
	period    time.Duration
	clock     clock.Clock
	requests  chan request
	closed    chan struct{}
	closeOnce sync.Once
}

type request struct {
	done chan error
	ctx  context.Context
}

func NewLimiter(capacity int, period time.Duration) *Limiter {
	return NewLimiterWithClock(capacity, period, clock.New())
}

func NewLimiterWithClock(capacity int, period time.Duration, c clock.Clock) *Limiter {
	l := &Limiter{
		capacity: capacity,
		period:   period,
		clock:    c,
		requests: make(chan request),
		closed:   make(chan struct{}),
	}
	go l.run()
	return l
}

// Acquire blocks until a command slot is free, the context is
// cancelled, or the limiter is closed.
func (l *Limiter) Acquire(ctx context.Context) error {
	req := request{done: make(chan error, 1), ctx: ctx}
	select {
	case l.requests <- req:
		return <-req.done
	case <-ctx.Done():
		return ctx.Err()
	case <-l.closed:
		return ErrClosed
	}
}

// Close releases every blocked caller with ErrClosed. Safe to call
// from any number of goroutines.
func (l *Limiter) Close() {
	l.closeOnce.Do(func() { close(l.closed) })
}

// run serializes all acquisitions so remaining never goes negative
// regardless of how many goroutines call Acquire.
func (l *Limiter) run() {
	remaining := l.capacity
	windowStart := l.clock.Now()
	for {
		select {
		case <-l.closed:
			return
		case req := <-l.requests:
			now := l.clock.Now()
			if now.Sub(windowStart) >= l.period {
				windowStart = now
				remaining = l.capacity
			}
			if remaining > 0 {
				remaining--
				req.done <- nil
				continue
			}
			delay := l.period - now.Sub(windowStart)
			timer := l.clock.Timer(delay)
			select {
			case <-timer.C:
				windowStart = l.clock.Now()
				remaining = l.capacity - 1
				req.done <- nil
			case <-req.ctx.Done():
				timer.Stop()
				req.done <- req.ctx.Err()
			case <-l.closed:
				timer.Stop()
				req.done <- ErrClosed
				return
			}
		}
	}
}
