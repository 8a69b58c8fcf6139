package engine

import (
	"math/rand"
	"time"
)

// RetryPolicy controls how retryable action failures are rescheduled.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     bool
}

func (p RetryPolicy) normalized() RetryPolicy {
	q := p
	if q.BaseDelay <= 0 {
		q.BaseDelay = 30 * time.Second
	}
	if q.MaxDelay <= 0 {
		q.MaxDelay = 30 * time.Minute
	}
	if q.MaxDelay < q.BaseDelay {
		q.MaxDelay = q.BaseDelay
	}
	if q.MaxRetries < 0 {
		q.MaxRetries = 0
	}
	return q
}

// Backoff returns the delay before retry number attempt (0-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	return backoff(attempt, p.BaseDelay, p.MaxDelay, p.Jitter)
}

func backoff(attempt int, base, max time.Duration, jitter bool) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := max
	if attempt < 32 {
		if shifted := base << attempt; shifted > 0 && shifted < max {
			d = shifted
		}
	}
	if !jitter || d < 2 {
		return d
	}
	// keep between 50% and 100% of the computed delay
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half))) // #nosec G404 non-crypto
}
