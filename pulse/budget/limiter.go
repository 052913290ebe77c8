package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/AITrekker/Jarvis/errors"
)

// Limiter paces calls to the inference backends.
// Gating is a token bucket (one token, refilled at maxCallsPerMinute/60 per
// second); a sliding one-minute record of calls feeds Stats.
type Limiter struct {
	maxCallsPerMinute float64
	bucket            *rate.Limiter
	window            time.Duration
	mu                sync.Mutex
	callTimes         []time.Time
	timeNow           func() time.Time // Injectable for testing
}

// NewLimiter creates a rate limiter with real time. Zero or less is unlimited.
func NewLimiter(maxCallsPerMinute float64) *Limiter {
	return newLimiterWithClock(maxCallsPerMinute, time.Now)
}

// newLimiterWithClock creates a rate limiter reading time from timeNow
func newLimiterWithClock(maxCallsPerMinute float64, timeNow func() time.Time) *Limiter {
	bucket := rate.NewLimiter(rate.Inf, 0)
	if maxCallsPerMinute > 0 {
		bucket = rate.NewLimiter(rate.Limit(maxCallsPerMinute/60.0), 1)
	}
	return &Limiter{
		maxCallsPerMinute: maxCallsPerMinute,
		bucket:            bucket,
		window:            60 * time.Second, // 1 minute window
		timeNow:           timeNow,
	}
}

// Unlimited reports whether the limiter lets every call through
func (r *Limiter) Unlimited() bool {
	return r.maxCallsPerMinute <= 0
}

// Allow checks if a call is allowed under rate limits
// Returns error if rate limit exceeded
func (r *Limiter) Allow() error {
	now := r.timeNow()
	if !r.bucket.AllowN(now, 1) {
		r.mu.Lock()
		r.removeExpiredCalls(now)
		inWindow := len(r.callTimes)
		r.mu.Unlock()

		err := errors.Newf("rate limit exceeded: limit %.0f calls per minute", r.maxCallsPerMinute)
		err = errors.WithDetail(err, fmt.Sprintf("Current calls in window: %d", inWindow))
		return err
	}
	r.record(now)
	return nil
}

// Wait blocks until a call is allowed under rate limits
// Returns error if context is cancelled
func (r *Limiter) Wait(ctx context.Context) error {
	if err := r.bucket.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return errors.Wrap(err, "rate limiter wait")
	}
	r.record(r.timeNow())
	return nil
}

func (r *Limiter) record(now time.Time) {
	if r.Unlimited() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeExpiredCalls(now)
	r.callTimes = append(r.callTimes, now)
}

// removeExpiredCalls removes call timestamps that are outside the sliding window
// Must be called with lock held
func (r *Limiter) removeExpiredCalls(now time.Time) {
	cutoff := now.Add(-r.window)

	// Count expired calls from front (timestamps are ordered)
	expired := 0
	for _, callTime := range r.callTimes {
		if !callTime.After(cutoff) {
			expired++
		} else {
			break
		}
	}

	r.callTimes = r.callTimes[expired:]
}

// Stats returns calls made in the last minute and how many more the limit allows.
// remaining is -1 when unlimited.
func (r *Limiter) Stats() (callsInWindow int, remaining int) {
	if r.Unlimited() {
		return 0, -1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeExpiredCalls(r.timeNow())

	callsInWindow = len(r.callTimes)
	remaining = int(r.maxCallsPerMinute) - callsInWindow
	if remaining < 0 {
		remaining = 0
	}

	return callsInWindow, remaining
}
