package breakglass

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRequestStore implements RequestStore using an in-memory map.
// Safe for concurrent use. Intended for tests and single-node deployments.
type MemoryRequestStore struct {
	mu       sync.RWMutex
	requests map[string]*EmergencyRequest
}

// NewMemoryRequestStore creates a new in-memory request store.
func NewMemoryRequestStore() *MemoryRequestStore {
	return &MemoryRequestStore{
		requests: make(map[string]*EmergencyRequest),
	}
}

// Create stores a new emergency request.
func (s *MemoryRequestStore) Create(ctx context.Context, req *EmergencyRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[req.ID]; exists {
		return ErrRequestExists
	}
	s.requests[req.ID] = req.Clone()
	return nil
}

// Get retrieves an emergency request by ID.
func (s *MemoryRequestStore) Get(ctx context.Context, id string) (*EmergencyRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, exists := s.requests[id]
	if !exists {
		return nil, ErrRequestNotFound
	}
	return req.Clone(), nil
}

// Update modifies an existing request with optimistic locking.
func (s *MemoryRequestStore) Update(ctx context.Context, req *EmergencyRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.requests[req.ID]
	if !exists {
		return ErrRequestNotFound
	}
	if !existing.UpdatedAt.Equal(req.UpdatedAt) {
		return ErrConcurrentModification
	}
	updated := req.Clone()
	updated.UpdatedAt = time.Now()
	s.requests[req.ID] = updated
	req.UpdatedAt = updated.UpdatedAt
	return nil
}

// Delete removes a request. Idempotent.
func (s *MemoryRequestStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.requests, id)
	return nil
}

// ListByRequester returns a requester's emergencies, newest first.
func (s *MemoryRequestStore) ListByRequester(ctx context.Context, requesterID string, limit int) ([]*EmergencyRequest, error) {
	return s.list(func(r *EmergencyRequest) bool {
		return r.RequesterID == requesterID
	}, limit)
}

// ListByStatus returns requests in the given state, newest first.
func (s *MemoryRequestStore) ListByStatus(ctx context.Context, status RequestStatus, limit int) ([]*EmergencyRequest, error) {
	return s.list(func(r *EmergencyRequest) bool {
		return r.Status == status
	}, limit)
}

// FindActiveByRequester returns the requester's live emergency, or nil, nil
// when none exists.
func (s *MemoryRequestStore) FindActiveByRequester(ctx context.Context, requesterID string) (*EmergencyRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.requests {
		if r.RequesterID != requesterID {
			continue
		}
		if r.Status == StatusPending || r.Status == StatusApproved || r.Status == StatusActive {
			return r.Clone(), nil
		}
	}
	return nil, nil
}

// CountByRequesterSince counts a requester's emergencies declared at or
// after the given time.
func (s *MemoryRequestStore) CountByRequesterSince(ctx context.Context, requesterID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, r := range s.requests {
		if r.RequesterID == requesterID && !r.RequestedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// GetLastByRequester returns the requester's most recent emergency, or
// nil, nil when none exists.
func (s *MemoryRequestStore) GetLastByRequester(ctx context.Context, requesterID string) (*EmergencyRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last *EmergencyRequest
	for _, r := range s.requests {
		if r.RequesterID != requesterID {
			continue
		}
		if last == nil || r.RequestedAt.After(last.RequestedAt) {
			last = r
		}
	}
	if last == nil {
		return nil, nil
	}
	return last.Clone(), nil
}

func (s *MemoryRequestStore) list(match func(*EmergencyRequest) bool, limit int) ([]*EmergencyRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit = enforceLimit(limit)
	out := make([]*EmergencyRequest, 0)
	for _, r := range s.requests {
		if match(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MemorySessionStore implements SessionStore using an in-memory map.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*EmergencySession
}

// NewMemorySessionStore creates a new in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*EmergencySession),
	}
}

// Create stores a new emergency session.
func (s *MemorySessionStore) Create(ctx context.Context, sess *EmergencySession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.ID]; exists {
		return ErrSessionExists
	}
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

// Get retrieves an emergency session by ID.
func (s *MemorySessionStore) Get(ctx context.Context, id string) (*EmergencySession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, exists := s.sessions[id]
	if !exists {
		return nil, ErrSessionNotFound
	}
	return sess.Clone(), nil
}

// Update modifies an existing session with optimistic locking.
func (s *MemorySessionStore) Update(ctx context.Context, sess *EmergencySession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.sessions[sess.ID]
	if !exists {
		return ErrSessionNotFound
	}
	if !existing.UpdatedAt.Equal(sess.UpdatedAt) {
		return ErrConcurrentModification
	}
	updated := sess.Clone()
	updated.UpdatedAt = time.Now()
	s.sessions[sess.ID] = updated
	sess.UpdatedAt = updated.UpdatedAt
	return nil
}

// ListByPrincipal returns a principal's emergency sessions, newest first.
func (s *MemorySessionStore) ListByPrincipal(ctx context.Context, principalID string, limit int) ([]*EmergencySession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit = enforceLimit(limit)
	out := make([]*EmergencySession, 0)
	for _, sess := range s.sessions {
		if sess.PrincipalID == principalID {
			out = append(out, sess.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MemoryReportStore implements ReportStore using an in-memory map.
type MemoryReportStore struct {
	mu      sync.RWMutex
	reports map[string]*IncidentReport
}

// NewMemoryReportStore creates a new in-memory report store.
func NewMemoryReportStore() *MemoryReportStore {
	return &MemoryReportStore{
		reports: make(map[string]*IncidentReport),
	}
}

// Create stores a new incident report.
func (s *MemoryReportStore) Create(ctx context.Context, report *IncidentReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *report
	s.reports[report.ID] = &clone
	return nil
}

// Get retrieves an incident report by ID.
func (s *MemoryReportStore) Get(ctx context.Context, id string) (*IncidentReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report, exists := s.reports[id]
	if !exists {
		return nil, ErrReportNotFound
	}
	clone := *report
	return &clone, nil
}

// GetByRequest retrieves the report cross-linked to a request.
func (s *MemoryReportStore) GetByRequest(ctx context.Context, requestID string) (*IncidentReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, report := range s.reports {
		if report.RequestID == requestID {
			clone := *report
			return &clone, nil
		}
	}
	return nil, ErrReportNotFound
}

// Verify interface compliance.
var (
	_ RequestStore = (*MemoryRequestStore)(nil)
	_ SessionStore = (*MemorySessionStore)(nil)
	_ ReportStore  = (*MemoryReportStore)(nil)
)
