package mfa

import (
	"context"
	"sync"
	"time"
)

// ChallengeManager tracks the outstanding step-up challenge per session.
// The continuous-auth monitor opens a challenge when a session enters
// stepping_up and fails the session when the challenge outlives its
// window. At most one challenge is open per session; opening a new one
// replaces the old.
type ChallengeManager struct {
	verifier Verifier
	ttl      time.Duration

	mu   sync.Mutex
	open map[string]*Challenge // session ID -> open challenge
}

// NewChallengeManager wraps a verifier with per-session challenge
// bookkeeping. A zero ttl uses DefaultChallengeTTL.
func NewChallengeManager(verifier Verifier, ttl time.Duration) *ChallengeManager {
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	return &ChallengeManager{
		verifier: verifier,
		ttl:      ttl,
		open:     make(map[string]*Challenge),
	}
}

// Open starts a challenge for the session's principal. Delivered-code
// verifiers send the code before this returns; a delivery failure means
// no challenge exists and the caller must not wait on one.
func (m *ChallengeManager) Open(ctx context.Context, sessionID, principalID string) (*Challenge, error) {
	ch, err := m.verifier.Challenge(ctx, principalID)
	if err != nil {
		return nil, err
	}
	// Challenges from stateless verifiers carry the verifier's window;
	// the manager enforces its own, whichever closes first.
	deadline := time.Now().Add(m.ttl)
	if ch.ExpiresAt.IsZero() || ch.ExpiresAt.After(deadline) {
		ch.ExpiresAt = deadline
	}

	m.mu.Lock()
	m.open[sessionID] = ch
	m.mu.Unlock()
	return ch, nil
}

// Verify checks a code against the session's open challenge. A passed
// check closes the challenge. Returns (false, nil) for a wrong code, an
// expired challenge, or a session with no open challenge.
func (m *ChallengeManager) Verify(ctx context.Context, sessionID, code string) (bool, error) {
	m.mu.Lock()
	ch, ok := m.open[sessionID]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	if time.Now().After(ch.ExpiresAt) {
		return false, nil
	}

	passed, err := m.verifier.Verify(ctx, ch.PrincipalID, code)
	if err != nil {
		return false, err
	}
	if passed {
		m.Clear(sessionID)
	}
	return passed, nil
}

// Expired reports whether the session's challenge has outlived its
// window as of now. Sessions with no open challenge are not expired.
func (m *ChallengeManager) Expired(sessionID string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.open[sessionID]
	if !ok {
		return false
	}
	return now.After(ch.ExpiresAt)
}

// Pending reports whether the session has an open challenge.
func (m *ChallengeManager) Pending(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.open[sessionID]
	return ok
}

// Clear drops the session's open challenge, if any. Called when a
// session terminates or a challenge resolves.
func (m *ChallengeManager) Clear(sessionID string) {
	m.mu.Lock()
	delete(m.open, sessionID)
	m.mu.Unlock()
}
