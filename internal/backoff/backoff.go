// Package backoff provides exponential backoff for retrying transient
// upstream failures.
package backoff

import (
	"context"
	"math"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Max caps the computed delay.
	Max time.Duration
	// Factor is the exponential multiplier applied per attempt.
	Factor float64
	// Attempts is the total number of tries, including the first.
	Attempts int
}

// LLMPolicy is the retry schedule for LLM and embedding calls:
// 3 attempts, 1s -> 2s -> 4s, capped at 10s.
func LLMPolicy() Policy {
	return Policy{Initial: time.Second, Max: 10 * time.Second, Factor: 2, Attempts: 3}
}

// Delay returns the backoff before retry number attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(p.Initial) * math.Pow(p.Factor, float64(attempt-1)))
	if d > p.Max {
		d = p.Max
	}
	return d
}

// Sleep waits for the computed delay or until ctx is done.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	t := time.NewTimer(p.Delay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retry runs fn up to p.Attempts times, sleeping between tries while
// retryable(err) holds. The last error is returned unwrapped.
func Retry(ctx context.Context, p Policy, retryable func(error) bool, fn func() error) error {
	var err error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !retryable(err) || attempt == p.Attempts {
			return err
		}
		if serr := p.Sleep(ctx, attempt); serr != nil {
			return err
		}
	}
	return err
}
