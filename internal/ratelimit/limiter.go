// Package ratelimit bounds the number of outbound requests issued within a
// time window.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrLimiterClosed is returned by Acquire once the limiter has been closed.
var ErrLimiterClosed = errors.New("limiter closed")

// Limiter spaces requests so that no more than the configured number start
// within any window. It is safe for concurrent use.
type Limiter struct {
	limiter *rate.Limiter

	closed    context.Context
	closeOnce sync.Once
	cancel    context.CancelFunc
}

// New returns a limiter admitting requests per window. The window is broken
// down into evenly spaced slots with a burst of one, so a fresh limiter never
// admits more than requests within a single window. Non-positive values
// produce an unrestricted limiter.
func New(requests int, window time.Duration) *Limiter {
	limit := rate.Inf
	if requests > 0 && window > 0 {
		limit = rate.Every(window / time.Duration(requests))
	}
	closed, cancel := context.WithCancel(context.Background())
	return &Limiter{
		limiter: rate.NewLimiter(limit, 1),
		closed:  closed,
		cancel:  cancel,
	}
}

// Acquire blocks until one more request may be issued, ctx is done or the
// limiter is closed.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.closed.Err() != nil {
		return ErrLimiterClosed
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(l.closed, cancel)
	defer stop()

	if err := l.limiter.Wait(waitCtx); err != nil {
		if l.closed.Err() != nil {
			return ErrLimiterClosed
		}
		return err
	}
	if l.closed.Err() != nil {
		return ErrLimiterClosed
	}
	return nil
}

// Close releases the limiter. Pending and future Acquire calls fail with
// ErrLimiterClosed. Close may be called more than once.
func (l *Limiter) Close() {
	l.closeOnce.Do(l.cancel)
}
