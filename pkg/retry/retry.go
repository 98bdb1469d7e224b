// Package retry provides bounded exponential backoff with jitter for
// transient failures. Only errors classified retriable by syncerrors are
// retried; everything else fails fast.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/countygov/syncbridge/pkg/syncerrors"
)

// Policy controls retry behavior.
type Policy struct {
	MaxAttempts int           // total attempts including the first
	Initial     time.Duration // first backoff delay
	Max         time.Duration // backoff ceiling
	Multiplier  float64       // growth factor, default 2
	Jitter      float64       // fraction of delay randomized, default 0.2
}

// DefaultPolicy mirrors the spec defaults: 3 retries, 500ms initial,
// 30s ceiling.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 4,
		Initial:     500 * time.Millisecond,
		Max:         30 * time.Second,
		Multiplier:  2,
		Jitter:      0.2,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Initial <= 0 {
		p.Initial = 500 * time.Millisecond
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.Multiplier <= 1 {
		p.Multiplier = 2
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = 0.2
	}
	return p
}

// Delay returns the backoff delay before the given retry (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	d := p.Initial
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d >= p.Max {
			d = p.Max
			break
		}
	}
	if p.Jitter > 0 {
		spread := float64(d) * p.Jitter
		d = time.Duration(float64(d) - spread/2 + rand.Float64()*spread)
	}
	if d > p.Max {
		d = p.Max
	}
	return d
}

// Do runs fn until it succeeds, returns a non-retriable error, or the
// attempt budget is exhausted. onRetry, when non-nil, observes each retry.
func Do(ctx context.Context, p Policy, fn func() error, onRetry func(attempt int, err error)) error {
	p = p.normalized()
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return syncerrors.Wrap(err, syncerrors.KindTransient, "retry", "context done").
				WithRetriable(false)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !syncerrors.IsRetriable(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}

		if onRetry != nil {
			onRetry(attempt, lastErr)
		}

		select {
		case <-ctx.Done():
			return syncerrors.Wrap(ctx.Err(), syncerrors.KindTransient, "retry", "context done").
				WithRetriable(false)
		case <-time.After(p.Delay(attempt)):
		}
	}
	return lastErr
}
