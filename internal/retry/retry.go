// Package retry re-runs an operation on retryable failures at a fixed interval.
package retry

import (
	"context"
	"errors"
	"time"
)

// DefaultInterval is the wait between attempts when none is configured.
const DefaultInterval = 3 * time.Second

// Policy decides whether and when a failed attempt is repeated.
type Policy struct {
	// Interval is the fixed wait between attempts. Zero retries immediately.
	Interval time.Duration
	// MaxRetries bounds the number of retries after the first attempt. Zero is unbounded.
	MaxRetries int
	// Retryable reports whether err warrants another attempt. Nil retries nothing.
	Retryable func(error) bool
	// OnRetry is called before each wait with the attempt that just failed (1-based).
	OnRetry func(attempt int, err error)
}

// Default returns the policy used for outbound calls: retry every 3s, forever,
// when retryable reports true.
func Default(retryable func(error) bool) Policy {
	return Policy{Interval: DefaultInterval, Retryable: retryable}
}

// Do runs fn until it succeeds, fails with a non-retryable error, exhausts
// MaxRetries, or ctx ends. On ctx end the last attempt's error is joined with ctx.Err().
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if p.Retryable == nil || !p.Retryable(err) {
			return err
		}
		if p.MaxRetries > 0 && attempt > p.MaxRetries {
			return err
		}
		if ctx.Err() != nil {
			return errors.Join(err, ctx.Err())
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}

		if p.Interval <= 0 {
			continue
		}
		if timer == nil {
			timer = time.NewTimer(p.Interval)
		} else {
			timer.Reset(p.Interval)
		}
		select {
		case <-timer.C:
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		}
	}
}
