package breakglass

import (
	"context"
	"errors"
	"time"
)

// Query limit constants for List operations.
const (
	// DefaultQueryLimit is the default number of results for List operations.
	DefaultQueryLimit = 100
	// MaxQueryLimit is the maximum number of results for List operations.
	MaxQueryLimit = 1000
)

// Storage-related sentinel errors. They support errors.Is checking.
var (
	// ErrRequestNotFound is returned when the emergency request does not exist.
	ErrRequestNotFound = errors.New("emergency request not found")

	// ErrRequestExists is returned when creating a request whose ID is taken.
	ErrRequestExists = errors.New("emergency request already exists")

	// ErrSessionNotFound is returned when the emergency session does not exist.
	ErrSessionNotFound = errors.New("emergency session not found")

	// ErrSessionExists is returned when creating a session whose ID is taken.
	ErrSessionExists = errors.New("emergency session already exists")

	// ErrReportNotFound is returned when the incident report does not exist.
	ErrReportNotFound = errors.New("incident report not found")

	// ErrConcurrentModification is returned when an update fails optimistic
	// locking - another writer modified the record between read and write.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// RequestStore persists emergency requests. Implementations must be safe
// for concurrent use.
type RequestStore interface {
	// Create stores a new request. Returns ErrRequestExists if the ID is
	// taken.
	Create(ctx context.Context, req *EmergencyRequest) error

	// Get retrieves a request by ID. Returns ErrRequestNotFound if absent.
	Get(ctx context.Context, id string) (*EmergencyRequest, error)

	// Update modifies an existing request. Optimistic locking via
	// UpdatedAt: the store compares the incoming token against the stored
	// one and stamps the new UpdatedAt itself. Returns
	// ErrConcurrentModification on a stale token.
	Update(ctx context.Context, req *EmergencyRequest) error

	// Delete removes a request by ID. Idempotent.
	Delete(ctx context.Context, id string) error

	// ListByRequester returns a requester's emergencies, newest first.
	// A limit of 0 means DefaultQueryLimit; limits cap at MaxQueryLimit.
	ListByRequester(ctx context.Context, requesterID string, limit int) ([]*EmergencyRequest, error)

	// ListByStatus returns requests in the given state, newest first.
	// The sweep uses it for pending deadlines and active sessions.
	ListByStatus(ctx context.Context, status RequestStatus, limit int) ([]*EmergencyRequest, error)

	// FindActiveByRequester returns the requester's live emergency
	// (pending or active), or nil, nil when none exists. Prevents
	// stacking emergencies.
	FindActiveByRequester(ctx context.Context, requesterID string) (*EmergencyRequest, error)

	// CountByRequesterSince counts a requester's emergencies declared at
	// or after the given time. Used for quota checking.
	CountByRequesterSince(ctx context.Context, requesterID string, since time.Time) (int, error)

	// GetLastByRequester returns the requester's most recent emergency,
	// or nil, nil when none exists. Used for cooldown checking.
	GetLastByRequester(ctx context.Context, requesterID string) (*EmergencyRequest, error)
}

// SessionStore persists emergency sessions.
type SessionStore interface {
	// Create stores a new session. Returns ErrSessionExists if the ID is
	// taken.
	Create(ctx context.Context, sess *EmergencySession) error

	// Get retrieves a session by ID. Returns ErrSessionNotFound if absent.
	Get(ctx context.Context, id string) (*EmergencySession, error)

	// Update modifies an existing session under the same optimistic-lock
	// contract as RequestStore.Update.
	Update(ctx context.Context, sess *EmergencySession) error

	// ListByPrincipal returns a principal's emergency sessions, newest
	// first.
	ListByPrincipal(ctx context.Context, principalID string, limit int) ([]*EmergencySession, error)
}

// ReportStore persists incident reports. Reports are written once and read
// by ID; there is no update path.
type ReportStore interface {
	// Create stores a new report.
	Create(ctx context.Context, report *IncidentReport) error

	// Get retrieves a report by ID. Returns ErrReportNotFound if absent.
	Get(ctx context.Context, id string) (*IncidentReport, error)

	// GetByRequest retrieves the report cross-linked to a request.
	// Returns ErrReportNotFound if absent.
	GetByRequest(ctx context.Context, requestID string) (*IncidentReport, error)
}

// enforceLimit applies the default and maximum query limits.
func enforceLimit(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}
