package session

import (
	"context"
	"errors"
)

// Query limit constants for list operations.
const (
	// DefaultQueryLimit is the default number of items returned by list operations.
	DefaultQueryLimit = 100
	// MaxQueryLimit is the maximum number of items that can be requested.
	MaxQueryLimit = 1000
)

// Common errors returned by Store implementations.
var (
	// ErrSessionNotFound is returned when a session does not exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned when creating a session that already exists.
	ErrSessionExists = errors.New("session already exists")
	// ErrConcurrentModification is returned when optimistic locking fails.
	ErrConcurrentModification = errors.New("session was modified concurrently")
	// ErrTerminalState is returned when mutating a terminated or expired session.
	ErrTerminalState = errors.New("session is in a terminal state")
	// ErrNoChallenge is returned when answering a step-up on a session
	// with no outstanding challenge.
	ErrNoChallenge = errors.New("no step-up challenge outstanding")
	// ErrChallengeFailed is returned when a step-up answer was wrong and
	// the session was terminated.
	ErrChallengeFailed = errors.New("step-up challenge failed")
)

// Store defines the interface for session persistence.
type Store interface {
	// Create stores a new session. Returns ErrSessionExists if a session
	// with the same ID already exists.
	Create(ctx context.Context, s *Session) error

	// Get retrieves a session by ID. Returns ErrSessionNotFound if it
	// does not exist.
	Get(ctx context.Context, id string) (*Session, error)

	// Update modifies an existing session using optimistic locking on
	// UpdatedAt. Returns ErrSessionNotFound if the session does not
	// exist, ErrConcurrentModification if it was changed since read, or
	// ErrTerminalState when the stored session is already terminal and
	// the update tries to leave that state.
	Update(ctx context.Context, s *Session) error

	// Delete removes a session record. Idempotent.
	Delete(ctx context.Context, id string) error

	// ListByPrincipal returns sessions for a principal, newest first,
	// up to limit. If limit is 0, DefaultQueryLimit is used.
	ListByPrincipal(ctx context.Context, principalID string, limit int) ([]*Session, error)

	// ListByStatus returns sessions with the given status, newest first,
	// up to limit. The monitor uses this to enumerate active sessions at
	// startup. If limit is 0, DefaultQueryLimit is used.
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Session, error)
}
