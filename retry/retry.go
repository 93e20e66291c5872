// Package retry implements exponential backoff for dependency failures.
// Writes to the document store, the audit chain, and notification sinks
// retry under a shared policy before failing closed or open.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy controls backoff timing and the attempt budget.
type Policy struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Factor multiplies the delay after each attempt.
	Factor float64
	// Cap bounds the delay between attempts.
	Cap time.Duration
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
}

// DefaultPolicy matches the dependency-failure contract: 100 ms base,
// doubling, capped at 5 s, at most 5 attempts.
func DefaultPolicy() Policy {
	return Policy{
		Base:        100 * time.Millisecond,
		Factor:      2,
		Cap:         5 * time.Second,
		MaxAttempts: 5,
	}
}

// Validate checks policy parameters.
func (p Policy) Validate() error {
	if p.Base <= 0 {
		return fmt.Errorf("base must be positive, got %v", p.Base)
	}
	if p.Factor < 1 {
		return fmt.Errorf("factor must be >= 1, got %v", p.Factor)
	}
	if p.Cap < p.Base {
		return fmt.Errorf("cap %v must be >= base %v", p.Cap, p.Base)
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be >= 1, got %d", p.MaxAttempts)
	}
	return nil
}

// Delay returns the backoff before the given retry (attempt 0 is the first retry).
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.Base)
	for i := 0; i < attempt; i++ {
		d *= p.Factor
		if time.Duration(d) >= p.Cap {
			return p.Cap
		}
	}
	if time.Duration(d) > p.Cap {
		return p.Cap
	}
	return time.Duration(d)
}

// Do runs op until it succeeds, the attempt budget is spent, or ctx is done.
// The last error is returned; ctx errors win over op errors.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	if err := p.Validate(); err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(p.Delay(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", p.MaxAttempts, lastErr)
}
