package async

import "time"

// RetryPolicy bounds how often and how soon a window is retried
type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Backoff returns the delay before retry number attempt (1-based):
// BackoffBase doubled per earlier attempt, capped at BackoffMax.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.BackoffMax > 0 && d >= p.BackoffMax {
			break
		}
	}
	if p.BackoffMax > 0 {
		d = min(d, p.BackoffMax)
	}
	return d
}

// Exhausted reports whether a window that has already failed attempts times
// has no retry left after failing again.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts+1 >= p.MaxAttempts
}
