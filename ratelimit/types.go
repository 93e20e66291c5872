// Package ratelimit enforces the per-principal request budgets: access
// requests (JIT requests share this budget) and authentication attempts.
// Both limiters implement one sliding-window semantic (a request log per
// key, counted over the trailing window) backed either by process memory
// or by DynamoDB for multi-node deployments.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Scope key prefixes. A key is scope#principal_id, so one principal's
// access and authentication budgets never collide.
const (
	scopeAccess = "access"
	scopeAuth   = "auth"
)

// AccessKey returns the rate-limit key for a principal's access-request
// budget. JIT elevation requests share this budget.
func AccessKey(principalID string) string {
	return scopeAccess + "#" + principalID
}

// AuthKey returns the rate-limit key for a principal's authentication
// attempts.
func AuthKey(principalID string) string {
	return scopeAuth + "#" + principalID
}

// RateLimiter defines the interface for rate limiting implementations.
// Implementations must be safe for concurrent use.
type RateLimiter interface {
	// Allow checks if a request should be allowed for the given key.
	// Returns (allowed, retryAfter, error).
	// retryAfter indicates when to retry if blocked (0 if allowed).
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
}

// Config contains rate limit configuration.
type Config struct {
	// RequestsPerWindow is the max requests allowed in Window.
	RequestsPerWindow int

	// Window is the sliding window requests are counted over.
	Window time.Duration

	// BurstSize allows short bursts above the rate (optional).
	// If zero, defaults to RequestsPerWindow.
	BurstSize int
}

// AccessConfig returns the default access-request budget: 10 per hour.
func AccessConfig() Config {
	return Config{RequestsPerWindow: 10, Window: time.Hour}
}

// AuthConfig returns the default authentication budget: 10 per minute.
func AuthConfig() Config {
	return Config{RequestsPerWindow: 10, Window: time.Minute}
}

// Result provides detailed rate limit information.
type Result struct {
	// Allowed indicates if the request was permitted.
	Allowed bool

	// Remaining is the number of requests remaining in the current window.
	Remaining int

	// RetryAfter indicates when to retry if blocked (0 if allowed).
	RetryAfter time.Duration

	// ResetAt is when the current window resets.
	ResetAt time.Time
}

// Validate checks if the Config is valid.
// Returns an error if configuration values are invalid.
func (c *Config) Validate() error {
	if c.RequestsPerWindow <= 0 {
		return fmt.Errorf("RequestsPerWindow must be positive, got %d", c.RequestsPerWindow)
	}
	if c.Window <= 0 {
		return fmt.Errorf("Window must be positive, got %v", c.Window)
	}
	if c.BurstSize < 0 {
		return fmt.Errorf("BurstSize cannot be negative, got %d", c.BurstSize)
	}
	return nil
}

// EffectiveBurstSize returns the effective burst size.
// Returns BurstSize if set, otherwise RequestsPerWindow.
func (c *Config) EffectiveBurstSize() int {
	if c.BurstSize > 0 {
		return c.BurstSize
	}
	return c.RequestsPerWindow
}
