package ratelimit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/citadelzt/citadel/errors"
)

// Guard applies the standard principal budgets and converts refusals into
// coded errors with retry hints. A nil limiter disables that budget.
type Guard struct {
	access RateLimiter
	auth   RateLimiter
}

// NewGuard creates a Guard over the access-request and authentication
// limiters.
func NewGuard(access, auth RateLimiter) *Guard {
	return &Guard{access: access, auth: auth}
}

// NewMemoryGuard creates a Guard backed by in-process limiters with the
// default budgets. Close the returned limiters via CloseFunc when done.
func NewMemoryGuard() (*Guard, func() error, error) {
	access, err := NewMemoryRateLimiter(AccessConfig())
	if err != nil {
		return nil, nil, err
	}
	auth, err := NewMemoryRateLimiter(AuthConfig())
	if err != nil {
		access.Close()
		return nil, nil, err
	}
	closeFunc := func() error {
		access.Close()
		return auth.Close()
	}
	return NewGuard(access, auth), closeFunc, nil
}

// AllowAccess charges one access request against the principal's budget.
// JIT elevation requests call this too; both share the 10/hour budget.
func (g *Guard) AllowAccess(ctx context.Context, principalID string) error {
	return g.allow(ctx, g.access, AccessKey(principalID), principalID)
}

// AllowAuth charges one authentication attempt against the principal's
// 10/minute budget.
func (g *Guard) AllowAuth(ctx context.Context, principalID string) error {
	return g.allow(ctx, g.auth, AuthKey(principalID), principalID)
}

func (g *Guard) allow(ctx context.Context, limiter RateLimiter, key, principalID string) error {
	if limiter == nil {
		return nil
	}

	allowed, retryAfter, err := limiter.Allow(ctx, key)
	if err != nil {
		// Fail open: a limiter outage must not lock every principal out.
		log.Printf("citadel: rate limiter unavailable, allowing %s: %v", key, err)
		return nil
	}
	if allowed {
		return nil
	}

	ce := errors.New(
		errors.ErrCodeRateLimitExceeded,
		fmt.Sprintf("rate limit exceeded, retry in %s", retryAfter.Round(time.Second)),
		errors.GetSuggestion(errors.ErrCodeRateLimitExceeded),
		nil,
	)
	ce = errors.WithContext(ce, "principal_id", principalID)
	return errors.WithContext(ce, "retry_after", retryAfter.Round(time.Second).String())
}
