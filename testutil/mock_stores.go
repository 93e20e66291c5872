package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/citadelzt/citadel/device"
	"github.com/citadelzt/citadel/jit"
	"github.com/citadelzt/citadel/logging"
	"github.com/citadelzt/citadel/notification"
	"github.com/citadelzt/citadel/session"
	"github.com/citadelzt/citadel/threat"
)

// ============================================================================
// MockGrantStore - implements jit.Store
// ============================================================================

// MockGrantStore implements jit.Store for testing.
// Supports configurable responses and in-memory storage for stateful tests.
type MockGrantStore struct {
	mu sync.Mutex

	// Configurable behavior functions
	CreateFunc          func(ctx context.Context, grant *jit.Grant) error
	GetFunc             func(ctx context.Context, id string) (*jit.Grant, error)
	UpdateFunc          func(ctx context.Context, grant *jit.Grant) error
	DeleteFunc          func(ctx context.Context, id string) error
	ListByPrincipalFunc func(ctx context.Context, principalID string, limit int) ([]*jit.Grant, error)
	ListByStatusFunc    func(ctx context.Context, status jit.GrantStatus, limit int) ([]*jit.Grant, error)
	ListBySegmentFunc   func(ctx context.Context, segmentID string, limit int) ([]*jit.Grant, error)
	FindActiveFunc      func(ctx context.Context, principalID, segmentID string) (*jit.Grant, error)

	// Error injection (used if behavior function is nil)
	CreateErr          error
	GetErr             error
	UpdateErr          error
	DeleteErr          error
	ListByPrincipalErr error
	ListByStatusErr    error
	ListBySegmentErr   error
	FindActiveErr      error

	// In-memory storage for stateful tests
	Grants map[string]*jit.Grant

	// Call tracking
	CreateCalls          []*jit.Grant
	GetCalls             []string
	UpdateCalls          []*jit.Grant
	DeleteCalls          []string
	ListByPrincipalCalls []ListByPrincipalCall
	ListByStatusCalls    []GrantListByStatusCall
	ListBySegmentCalls   []ListBySegmentCall
	FindActiveCalls      []FindActiveCall
}

// ListByPrincipalCall tracks parameters for ListByPrincipal calls.
type ListByPrincipalCall struct {
	PrincipalID string
	Limit       int
}

// GrantListByStatusCall tracks parameters for grant ListByStatus calls.
type GrantListByStatusCall struct {
	Status jit.GrantStatus
	Limit  int
}

// ListBySegmentCall tracks parameters for ListBySegment calls.
type ListBySegmentCall struct {
	SegmentID string
	Limit     int
}

// FindActiveCall tracks parameters for FindActiveByPrincipalAndSegment calls.
type FindActiveCall struct {
	PrincipalID string
	SegmentID   string
}

// NewMockGrantStore creates a new MockGrantStore with initialized maps.
func NewMockGrantStore() *MockGrantStore {
	return &MockGrantStore{
		Grants: make(map[string]*jit.Grant),
	}
}

// Create stores a new grant.
func (m *MockGrantStore) Create(ctx context.Context, grant *jit.Grant) error {
	m.mu.Lock()
	m.CreateCalls = append(m.CreateCalls, grant)
	m.mu.Unlock()

	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, grant)
	}
	if m.CreateErr != nil {
		return m.CreateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Grants == nil {
		m.Grants = make(map[string]*jit.Grant)
	}
	m.Grants[grant.ID] = grant
	return nil
}

// Get retrieves a grant by ID.
func (m *MockGrantStore) Get(ctx context.Context, id string) (*jit.Grant, error) {
	m.mu.Lock()
	m.GetCalls = append(m.GetCalls, id)
	m.mu.Unlock()

	if m.GetFunc != nil {
		return m.GetFunc(ctx, id)
	}
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.Grants[id]; ok {
		return g, nil
	}
	return nil, jit.ErrGrantNotFound
}

// Update modifies an existing grant.
func (m *MockGrantStore) Update(ctx context.Context, grant *jit.Grant) error {
	m.mu.Lock()
	m.UpdateCalls = append(m.UpdateCalls, grant)
	m.mu.Unlock()

	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, grant)
	}
	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Grants[grant.ID]; !ok {
		return jit.ErrGrantNotFound
	}
	m.Grants[grant.ID] = grant
	return nil
}

// Delete removes a grant by ID.
func (m *MockGrantStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	m.DeleteCalls = append(m.DeleteCalls, id)
	m.mu.Unlock()

	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, id)
	}
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Grants, id)
	return nil
}

// ListByPrincipal returns a principal's grants.
func (m *MockGrantStore) ListByPrincipal(ctx context.Context, principalID string, limit int) ([]*jit.Grant, error) {
	m.mu.Lock()
	m.ListByPrincipalCalls = append(m.ListByPrincipalCalls, ListByPrincipalCall{PrincipalID: principalID, Limit: limit})
	m.mu.Unlock()

	if m.ListByPrincipalFunc != nil {
		return m.ListByPrincipalFunc(ctx, principalID, limit)
	}
	if m.ListByPrincipalErr != nil {
		return nil, m.ListByPrincipalErr
	}
	return nil, nil
}

// ListByStatus returns grants in a specific state.
func (m *MockGrantStore) ListByStatus(ctx context.Context, status jit.GrantStatus, limit int) ([]*jit.Grant, error) {
	m.mu.Lock()
	m.ListByStatusCalls = append(m.ListByStatusCalls, GrantListByStatusCall{Status: status, Limit: limit})
	m.mu.Unlock()

	if m.ListByStatusFunc != nil {
		return m.ListByStatusFunc(ctx, status, limit)
	}
	if m.ListByStatusErr != nil {
		return nil, m.ListByStatusErr
	}
	return nil, nil
}

// ListBySegment returns grants targeting a segment.
func (m *MockGrantStore) ListBySegment(ctx context.Context, segmentID string, limit int) ([]*jit.Grant, error) {
	m.mu.Lock()
	m.ListBySegmentCalls = append(m.ListBySegmentCalls, ListBySegmentCall{SegmentID: segmentID, Limit: limit})
	m.mu.Unlock()

	if m.ListBySegmentFunc != nil {
		return m.ListBySegmentFunc(ctx, segmentID, limit)
	}
	if m.ListBySegmentErr != nil {
		return nil, m.ListBySegmentErr
	}
	return nil, nil
}

// FindActiveByPrincipalAndSegment returns the principal's live grant for a segment.
func (m *MockGrantStore) FindActiveByPrincipalAndSegment(ctx context.Context, principalID, segmentID string) (*jit.Grant, error) {
	m.mu.Lock()
	m.FindActiveCalls = append(m.FindActiveCalls, FindActiveCall{PrincipalID: principalID, SegmentID: segmentID})
	m.mu.Unlock()

	if m.FindActiveFunc != nil {
		return m.FindActiveFunc(ctx, principalID, segmentID)
	}
	if m.FindActiveErr != nil {
		return nil, m.FindActiveErr
	}
	return nil, nil
}

// Reset clears all call tracking and stored data.
func (m *MockGrantStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateCalls = nil
	m.GetCalls = nil
	m.UpdateCalls = nil
	m.DeleteCalls = nil
	m.ListByPrincipalCalls = nil
	m.ListByStatusCalls = nil
	m.ListBySegmentCalls = nil
	m.FindActiveCalls = nil
	m.Grants = make(map[string]*jit.Grant)
}

var _ jit.Store = (*MockGrantStore)(nil)

// ============================================================================
// MockSessionStore - implements session.Store
// ============================================================================

// MockSessionStore implements session.Store for testing.
type MockSessionStore struct {
	mu sync.Mutex

	CreateFunc          func(ctx context.Context, s *session.Session) error
	GetFunc             func(ctx context.Context, id string) (*session.Session, error)
	UpdateFunc          func(ctx context.Context, s *session.Session) error
	DeleteFunc          func(ctx context.Context, id string) error
	ListByPrincipalFunc func(ctx context.Context, principalID string, limit int) ([]*session.Session, error)
	ListByStatusFunc    func(ctx context.Context, status session.Status, limit int) ([]*session.Session, error)

	CreateErr          error
	GetErr             error
	UpdateErr          error
	DeleteErr          error
	ListByPrincipalErr error
	ListByStatusErr    error

	Sessions map[string]*session.Session

	CreateCalls          []*session.Session
	GetCalls             []string
	UpdateCalls          []*session.Session
	DeleteCalls          []string
	ListByPrincipalCalls []ListByPrincipalCall
	ListByStatusCalls    []SessionListByStatusCall
}

// SessionListByStatusCall tracks parameters for session ListByStatus calls.
type SessionListByStatusCall struct {
	Status session.Status
	Limit  int
}

// NewMockSessionStore creates a new MockSessionStore with initialized maps.
func NewMockSessionStore() *MockSessionStore {
	return &MockSessionStore{
		Sessions: make(map[string]*session.Session),
	}
}

// Create stores a new session.
func (m *MockSessionStore) Create(ctx context.Context, s *session.Session) error {
	m.mu.Lock()
	m.CreateCalls = append(m.CreateCalls, s)
	m.mu.Unlock()

	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, s)
	}
	if m.CreateErr != nil {
		return m.CreateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Sessions == nil {
		m.Sessions = make(map[string]*session.Session)
	}
	m.Sessions[s.ID] = s
	return nil
}

// Get retrieves a session by ID.
func (m *MockSessionStore) Get(ctx context.Context, id string) (*session.Session, error) {
	m.mu.Lock()
	m.GetCalls = append(m.GetCalls, id)
	m.mu.Unlock()

	if m.GetFunc != nil {
		return m.GetFunc(ctx, id)
	}
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.Sessions[id]; ok {
		return s, nil
	}
	return nil, session.ErrSessionNotFound
}

// Update modifies an existing session.
func (m *MockSessionStore) Update(ctx context.Context, s *session.Session) error {
	m.mu.Lock()
	m.UpdateCalls = append(m.UpdateCalls, s)
	m.mu.Unlock()

	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, s)
	}
	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Sessions[s.ID]; !ok {
		return session.ErrSessionNotFound
	}
	m.Sessions[s.ID] = s
	return nil
}

// Delete removes a session by ID.
func (m *MockSessionStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	m.DeleteCalls = append(m.DeleteCalls, id)
	m.mu.Unlock()

	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, id)
	}
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Sessions, id)
	return nil
}

// ListByPrincipal returns sessions for a principal.
func (m *MockSessionStore) ListByPrincipal(ctx context.Context, principalID string, limit int) ([]*session.Session, error) {
	m.mu.Lock()
	m.ListByPrincipalCalls = append(m.ListByPrincipalCalls, ListByPrincipalCall{PrincipalID: principalID, Limit: limit})
	m.mu.Unlock()

	if m.ListByPrincipalFunc != nil {
		return m.ListByPrincipalFunc(ctx, principalID, limit)
	}
	if m.ListByPrincipalErr != nil {
		return nil, m.ListByPrincipalErr
	}
	return nil, nil
}

// ListByStatus returns sessions with a specific status.
func (m *MockSessionStore) ListByStatus(ctx context.Context, status session.Status, limit int) ([]*session.Session, error) {
	m.mu.Lock()
	m.ListByStatusCalls = append(m.ListByStatusCalls, SessionListByStatusCall{Status: status, Limit: limit})
	m.mu.Unlock()

	if m.ListByStatusFunc != nil {
		return m.ListByStatusFunc(ctx, status, limit)
	}
	if m.ListByStatusErr != nil {
		return nil, m.ListByStatusErr
	}
	return nil, nil
}

// Reset clears all call tracking and stored data.
func (m *MockSessionStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateCalls = nil
	m.GetCalls = nil
	m.UpdateCalls = nil
	m.DeleteCalls = nil
	m.ListByPrincipalCalls = nil
	m.ListByStatusCalls = nil
	m.Sessions = make(map[string]*session.Session)
}

var _ session.Store = (*MockSessionStore)(nil)

// ============================================================================
// MockThreatStore - implements threat.Store
// ============================================================================

// MockThreatStore implements threat.Store for testing.
type MockThreatStore struct {
	mu sync.Mutex

	CreateFunc          func(ctx context.Context, pred *threat.Prediction) error
	GetFunc             func(ctx context.Context, id string) (*threat.Prediction, error)
	UpdateFunc          func(ctx context.Context, pred *threat.Prediction) error
	ListByPrincipalFunc func(ctx context.Context, principalID string, limit int) ([]*threat.Prediction, error)
	ListByStatusFunc    func(ctx context.Context, status threat.PredictionStatus, limit int) ([]*threat.Prediction, error)
	ListSinceFunc       func(ctx context.Context, since time.Time, limit int) ([]*threat.Prediction, error)

	CreateErr          error
	GetErr             error
	UpdateErr          error
	ListByPrincipalErr error
	ListByStatusErr    error
	ListSinceErr       error

	Predictions map[string]*threat.Prediction

	CreateCalls          []*threat.Prediction
	GetCalls             []string
	UpdateCalls          []*threat.Prediction
	ListByPrincipalCalls []ListByPrincipalCall
	ListByStatusCalls    []ThreatListByStatusCall
	ListSinceCalls       []ListSinceCall
}

// ThreatListByStatusCall tracks parameters for prediction ListByStatus calls.
type ThreatListByStatusCall struct {
	Status threat.PredictionStatus
	Limit  int
}

// ListSinceCall tracks parameters for ListSince calls.
type ListSinceCall struct {
	Since time.Time
	Limit int
}

// NewMockThreatStore creates a new MockThreatStore with initialized maps.
func NewMockThreatStore() *MockThreatStore {
	return &MockThreatStore{
		Predictions: make(map[string]*threat.Prediction),
	}
}

// Create stores a new prediction.
func (m *MockThreatStore) Create(ctx context.Context, pred *threat.Prediction) error {
	m.mu.Lock()
	m.CreateCalls = append(m.CreateCalls, pred)
	m.mu.Unlock()

	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, pred)
	}
	if m.CreateErr != nil {
		return m.CreateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Predictions == nil {
		m.Predictions = make(map[string]*threat.Prediction)
	}
	m.Predictions[pred.ID] = pred
	return nil
}

// Get retrieves a prediction by ID.
func (m *MockThreatStore) Get(ctx context.Context, id string) (*threat.Prediction, error) {
	m.mu.Lock()
	m.GetCalls = append(m.GetCalls, id)
	m.mu.Unlock()

	if m.GetFunc != nil {
		return m.GetFunc(ctx, id)
	}
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.Predictions[id]; ok {
		return p, nil
	}
	return nil, threat.ErrPredictionNotFound
}

// Update modifies an existing prediction.
func (m *MockThreatStore) Update(ctx context.Context, pred *threat.Prediction) error {
	m.mu.Lock()
	m.UpdateCalls = append(m.UpdateCalls, pred)
	m.mu.Unlock()

	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, pred)
	}
	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Predictions[pred.ID]; !ok {
		return threat.ErrPredictionNotFound
	}
	m.Predictions[pred.ID] = pred
	return nil
}

// ListByPrincipal returns a principal's predictions.
func (m *MockThreatStore) ListByPrincipal(ctx context.Context, principalID string, limit int) ([]*threat.Prediction, error) {
	m.mu.Lock()
	m.ListByPrincipalCalls = append(m.ListByPrincipalCalls, ListByPrincipalCall{PrincipalID: principalID, Limit: limit})
	m.mu.Unlock()

	if m.ListByPrincipalFunc != nil {
		return m.ListByPrincipalFunc(ctx, principalID, limit)
	}
	if m.ListByPrincipalErr != nil {
		return nil, m.ListByPrincipalErr
	}
	return nil, nil
}

// ListByStatus returns predictions in a specific status.
func (m *MockThreatStore) ListByStatus(ctx context.Context, status threat.PredictionStatus, limit int) ([]*threat.Prediction, error) {
	m.mu.Lock()
	m.ListByStatusCalls = append(m.ListByStatusCalls, ThreatListByStatusCall{Status: status, Limit: limit})
	m.mu.Unlock()

	if m.ListByStatusFunc != nil {
		return m.ListByStatusFunc(ctx, status, limit)
	}
	if m.ListByStatusErr != nil {
		return nil, m.ListByStatusErr
	}
	return nil, nil
}

// ListSince returns predictions created at or after since.
func (m *MockThreatStore) ListSince(ctx context.Context, since time.Time, limit int) ([]*threat.Prediction, error) {
	m.mu.Lock()
	m.ListSinceCalls = append(m.ListSinceCalls, ListSinceCall{Since: since, Limit: limit})
	m.mu.Unlock()

	if m.ListSinceFunc != nil {
		return m.ListSinceFunc(ctx, since, limit)
	}
	if m.ListSinceErr != nil {
		return nil, m.ListSinceErr
	}
	return nil, nil
}

// Reset clears all call tracking and stored data.
func (m *MockThreatStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateCalls = nil
	m.GetCalls = nil
	m.UpdateCalls = nil
	m.ListByPrincipalCalls = nil
	m.ListByStatusCalls = nil
	m.ListSinceCalls = nil
	m.Predictions = make(map[string]*threat.Prediction)
}

var _ threat.Store = (*MockThreatStore)(nil)

// ============================================================================
// MockDeviceStore - implements device.Store
// ============================================================================

// MockDeviceStore implements device.Store for testing.
type MockDeviceStore struct {
	mu sync.Mutex

	CreateFunc             func(ctx context.Context, f *device.Fingerprint) error
	GetFunc                func(ctx context.Context, id string) (*device.Fingerprint, error)
	UpdateFunc             func(ctx context.Context, f *device.Fingerprint) error
	DeleteFunc             func(ctx context.Context, id string) error
	ListByPrincipalFunc    func(ctx context.Context, principalID string, limit int) ([]*device.Fingerprint, error)
	FindByHashFunc         func(ctx context.Context, principalID, hash string) (*device.Fingerprint, error)
	SetStatusFunc          func(ctx context.Context, id string, status device.Status) error
	ListVerifiedBeforeFunc func(ctx context.Context, cutoff time.Time, limit int) ([]*device.Fingerprint, error)
	ListByStatusFunc       func(ctx context.Context, status device.Status, limit int) ([]*device.Fingerprint, error)

	CreateErr             error
	GetErr                error
	UpdateErr             error
	DeleteErr             error
	ListByPrincipalErr    error
	FindByHashErr         error
	SetStatusErr          error
	ListVerifiedBeforeErr error
	ListByStatusErr       error

	Devices map[string]*device.Fingerprint

	CreateCalls          []*device.Fingerprint
	GetCalls             []string
	UpdateCalls          []*device.Fingerprint
	DeleteCalls          []string
	ListByPrincipalCalls []ListByPrincipalCall
	FindByHashCalls      []FindByHashCall
	SetStatusCalls       []SetStatusCall
}

// FindByHashCall tracks parameters for FindByHash calls.
type FindByHashCall struct {
	PrincipalID string
	Hash        string
}

// SetStatusCall tracks parameters for SetStatus calls.
type SetStatusCall struct {
	ID     string
	Status device.Status
}

// NewMockDeviceStore creates a new MockDeviceStore with initialized maps.
func NewMockDeviceStore() *MockDeviceStore {
	return &MockDeviceStore{
		Devices: make(map[string]*device.Fingerprint),
	}
}

// Create stores a new fingerprint.
func (m *MockDeviceStore) Create(ctx context.Context, f *device.Fingerprint) error {
	m.mu.Lock()
	m.CreateCalls = append(m.CreateCalls, f)
	m.mu.Unlock()

	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, f)
	}
	if m.CreateErr != nil {
		return m.CreateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Devices == nil {
		m.Devices = make(map[string]*device.Fingerprint)
	}
	m.Devices[f.ID] = f
	return nil
}

// Get retrieves a fingerprint by ID.
func (m *MockDeviceStore) Get(ctx context.Context, id string) (*device.Fingerprint, error) {
	m.mu.Lock()
	m.GetCalls = append(m.GetCalls, id)
	m.mu.Unlock()

	if m.GetFunc != nil {
		return m.GetFunc(ctx, id)
	}
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.Devices[id]; ok {
		return f, nil
	}
	return nil, device.ErrDeviceNotFound
}

// Update modifies an existing fingerprint.
func (m *MockDeviceStore) Update(ctx context.Context, f *device.Fingerprint) error {
	m.mu.Lock()
	m.UpdateCalls = append(m.UpdateCalls, f)
	m.mu.Unlock()

	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, f)
	}
	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Devices[f.ID]; !ok {
		return device.ErrDeviceNotFound
	}
	m.Devices[f.ID] = f
	return nil
}

// Delete removes a fingerprint.
func (m *MockDeviceStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	m.DeleteCalls = append(m.DeleteCalls, id)
	m.mu.Unlock()

	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, id)
	}
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Devices, id)
	return nil
}

// ListByPrincipal returns a principal's fingerprints.
func (m *MockDeviceStore) ListByPrincipal(ctx context.Context, principalID string, limit int) ([]*device.Fingerprint, error) {
	m.mu.Lock()
	m.ListByPrincipalCalls = append(m.ListByPrincipalCalls, ListByPrincipalCall{PrincipalID: principalID, Limit: limit})
	m.mu.Unlock()

	if m.ListByPrincipalFunc != nil {
		return m.ListByPrincipalFunc(ctx, principalID, limit)
	}
	if m.ListByPrincipalErr != nil {
		return nil, m.ListByPrincipalErr
	}
	return nil, nil
}

// FindByHash returns the principal's fingerprint with the given hash.
func (m *MockDeviceStore) FindByHash(ctx context.Context, principalID, hash string) (*device.Fingerprint, error) {
	m.mu.Lock()
	m.FindByHashCalls = append(m.FindByHashCalls, FindByHashCall{PrincipalID: principalID, Hash: hash})
	m.mu.Unlock()

	if m.FindByHashFunc != nil {
		return m.FindByHashFunc(ctx, principalID, hash)
	}
	if m.FindByHashErr != nil {
		return nil, m.FindByHashErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.Devices {
		if f.PrincipalID == principalID && f.Hash == hash {
			return f, nil
		}
	}
	return nil, nil
}

// SetStatus updates the lifecycle status of a device.
func (m *MockDeviceStore) SetStatus(ctx context.Context, id string, status device.Status) error {
	m.mu.Lock()
	m.SetStatusCalls = append(m.SetStatusCalls, SetStatusCall{ID: id, Status: status})
	m.mu.Unlock()

	if m.SetStatusFunc != nil {
		return m.SetStatusFunc(ctx, id, status)
	}
	if m.SetStatusErr != nil {
		return m.SetStatusErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.Devices[id]
	if !ok {
		return device.ErrDeviceNotFound
	}
	f.Status = status
	return nil
}

// ListVerifiedBefore returns active fingerprints verified before the cutoff.
func (m *MockDeviceStore) ListVerifiedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*device.Fingerprint, error) {
	if m.ListVerifiedBeforeFunc != nil {
		return m.ListVerifiedBeforeFunc(ctx, cutoff, limit)
	}
	if m.ListVerifiedBeforeErr != nil {
		return nil, m.ListVerifiedBeforeErr
	}
	return nil, nil
}

// ListByStatus returns fingerprints in the given lifecycle state.
func (m *MockDeviceStore) ListByStatus(ctx context.Context, status device.Status, limit int) ([]*device.Fingerprint, error) {
	if m.ListByStatusFunc != nil {
		return m.ListByStatusFunc(ctx, status, limit)
	}
	if m.ListByStatusErr != nil {
		return nil, m.ListByStatusErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*device.Fingerprint
	for _, f := range m.Devices {
		if f.Status == status {
			out = append(out, f)
		}
	}
	return out, nil
}

// Reset clears all call tracking and stored data.
func (m *MockDeviceStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateCalls = nil
	m.GetCalls = nil
	m.UpdateCalls = nil
	m.DeleteCalls = nil
	m.ListByPrincipalCalls = nil
	m.FindByHashCalls = nil
	m.SetStatusCalls = nil
	m.Devices = make(map[string]*device.Fingerprint)
}

var _ device.Store = (*MockDeviceStore)(nil)

// ============================================================================
// MockNotifier - implements notification.Notifier
// ============================================================================

// MockNotifier implements notification.Notifier for testing.
// Records all messages and supports error injection.
type MockNotifier struct {
	mu sync.Mutex

	// NotifyFunc overrides default behavior if set
	NotifyFunc func(ctx context.Context, msg *notification.Message) error

	// NotifyErr is returned from Notify if set (and NotifyFunc is nil)
	NotifyErr error

	// Notifications stores all messages passed to Notify
	Notifications []*notification.Message
}

// NewMockNotifier creates a new MockNotifier.
func NewMockNotifier() *MockNotifier {
	return &MockNotifier{}
}

// Notify records the message and returns the configured response.
func (m *MockNotifier) Notify(ctx context.Context, msg *notification.Message) error {
	m.mu.Lock()
	m.Notifications = append(m.Notifications, msg)
	m.mu.Unlock()

	if m.NotifyFunc != nil {
		return m.NotifyFunc(ctx, msg)
	}
	return m.NotifyErr
}

// Reset clears recorded notifications.
func (m *MockNotifier) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Notifications = nil
}

// NotifyCallCount returns the number of Notify calls.
func (m *MockNotifier) NotifyCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Notifications)
}

// LastNotification returns the most recent message, or nil.
func (m *MockNotifier) LastNotification() *notification.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Notifications) == 0 {
		return nil
	}
	return m.Notifications[len(m.Notifications)-1]
}

var _ notification.Notifier = (*MockNotifier)(nil)

// ============================================================================
// MockLogger - implements logging.Logger
// ============================================================================

// MockLogger implements logging.Logger for testing.
// Records all log entries by family for later inspection.
type MockLogger struct {
	mu sync.Mutex

	Decisions    []logging.DecisionLogEntry
	SessionRisks []logging.SessionRiskLogEntry
	Threats      []logging.ThreatLogEntry
	Elevations   []logging.ElevationLogEntry
	BreakGlasses []logging.BreakGlassLogEntry
}

// NewMockLogger creates a new MockLogger.
func NewMockLogger() *MockLogger {
	return &MockLogger{}
}

// LogDecision records a decision entry.
func (m *MockLogger) LogDecision(entry logging.DecisionLogEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Decisions = append(m.Decisions, entry)
}

// LogSessionRisk records a session risk entry.
func (m *MockLogger) LogSessionRisk(entry logging.SessionRiskLogEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SessionRisks = append(m.SessionRisks, entry)
}

// LogThreat records a threat entry.
func (m *MockLogger) LogThreat(entry logging.ThreatLogEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Threats = append(m.Threats, entry)
}

// LogElevation records an elevation entry.
func (m *MockLogger) LogElevation(entry logging.ElevationLogEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Elevations = append(m.Elevations, entry)
}

// LogBreakGlass records a break-glass entry.
func (m *MockLogger) LogBreakGlass(entry logging.BreakGlassLogEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BreakGlasses = append(m.BreakGlasses, entry)
}

// Reset clears all recorded entries.
func (m *MockLogger) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Decisions = nil
	m.SessionRisks = nil
	m.Threats = nil
	m.Elevations = nil
	m.BreakGlasses = nil
}

// LastThreat returns the most recent threat entry. Zero value if none.
func (m *MockLogger) LastThreat() logging.ThreatLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Threats) == 0 {
		return logging.ThreatLogEntry{}
	}
	return m.Threats[len(m.Threats)-1]
}

// LastDecision returns the most recent decision entry. Zero value if none.
func (m *MockLogger) LastDecision() logging.DecisionLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Decisions) == 0 {
		return logging.DecisionLogEntry{}
	}
	return m.Decisions[len(m.Decisions)-1]
}

var _ logging.Logger = (*MockLogger)(nil)
