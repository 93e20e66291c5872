package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/citadelzt/citadel/audit"
	"github.com/citadelzt/citadel/behavior"
	"github.com/citadelzt/citadel/contextual"
	"github.com/citadelzt/citadel/device"
	"github.com/citadelzt/citadel/eventbus"
	"github.com/citadelzt/citadel/geo"
	"github.com/citadelzt/citadel/logging"
	"github.com/citadelzt/citadel/mfa"
	"github.com/citadelzt/citadel/notification"
	"github.com/citadelzt/citadel/principal"
)

// Risk factor weights. The five factors sum to 1.
const (
	weightDeviceConsistency = 0.25
	weightLocationStability = 0.20
	weightAccessPatterns    = 0.20
	weightTimeOfDay         = 0.15
	weightRequestFrequency  = 0.20
)

// Location risk by distance to the nearest remembered location. The
// frequent set scores zero risk; impossible travel scores full risk.
const (
	locationRiskFrequent     = 0.0
	locationRiskNearby       = 10.0 // <= 50 km
	locationRiskRegional     = 30.0 // <= 200 km
	locationRiskDistant      = 60.0 // <= 1000 km
	locationRiskFar          = 90.0
	locationRiskNoHistory    = 50.0
	locationRiskUnresolvable = 60.0
	locationRiskImpossible   = 100.0
)

// frequencyWindow is how far back the request-rate factor looks inside
// the session's access log.
const frequencyWindow = 5 * time.Minute

// AccessPatternWindow is how far back the access-pattern factor compares
// this session's resource set against the principal's prior sessions.
const AccessPatternWindow = 7 * 24 * time.Hour

// MaxRouteViolations is how many restricted-area accesses a visitor
// session absorbs before it is terminated.
const MaxRouteViolations = 3

// Monitor actions, recorded on each risk history entry.
const (
	ActionContinue       = "continue_normal"
	ActionMonitorClosely = "monitor_closely"
	ActionRequireMFA     = "require_mfa"
	ActionTerminate      = "terminate_session"
)

// MonitorConfig carries the continuous-auth thresholds and intervals.
type MonitorConfig struct {
	// Interval is the base evaluation period.
	Interval time.Duration

	// HighRiskInterval replaces Interval once a session's risk reaches
	// the MFA threshold.
	HighRiskInterval time.Duration

	// TerminateThreshold ends the session at or above this risk.
	TerminateThreshold float64

	// MFAThreshold forces a step-up challenge at or above this risk.
	MFAThreshold float64

	// WatchThreshold halves the interval at or above this risk.
	WatchThreshold float64
}

// DefaultMonitorConfig returns the standard intervals and thresholds.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:           5 * time.Minute,
		HighRiskInterval:   time.Minute,
		TerminateThreshold: 85,
		MFAThreshold:       70,
		WatchThreshold:     50,
	}
}

func (c *MonitorConfig) applyDefaults() {
	d := DefaultMonitorConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.HighRiskInterval <= 0 {
		c.HighRiskInterval = d.HighRiskInterval
	}
	if c.TerminateThreshold <= 0 {
		c.TerminateThreshold = d.TerminateThreshold
	}
	if c.MFAThreshold <= 0 {
		c.MFAThreshold = d.MFAThreshold
	}
	if c.WatchThreshold <= 0 {
		c.WatchThreshold = d.WatchThreshold
	}
}

// Blocklist answers whether a device is blocked without a store read.
// The response engine's snapshot satisfies it; readers tolerate one
// cycle of staleness.
type Blocklist interface {
	DeviceBlocked(deviceID string) bool
}

// MonitorDeps bundles the monitor's collaborators. Sessions and
// Principals are required; everything else degrades (nil Challenges
// escalates step-ups to termination, nil Devices scores from the seeded
// similarity alone, nil Histories skips location and time context).
type MonitorDeps struct {
	Sessions   Store
	Principals principal.Store
	Devices    device.Store
	Histories  contextual.HistoryStore
	Resolver   geo.Resolver
	Behaviors  *behavior.Analyzer
	Challenges *mfa.ChallengeManager
	Blocked    Blocklist
	Recorder   *audit.Recorder
	Bus        *eventbus.Bus
	Notify     *notification.Dispatcher
	Logger     logging.Logger
}

// Activity is one in-session access reported to the monitor.
type Activity struct {
	Resource string
	Action   string
	Result   string
	IP       string
	At       time.Time
}

// Monitor runs one evaluation loop per watched session. Each session's
// state is owned by its watch goroutine; external mutation goes through
// the command inbox, so store writes for a session have a single writer.
type Monitor struct {
	deps  MonitorDeps
	cfg   MonitorConfig
	clock func() time.Time

	mu      sync.Mutex
	watches map[string]*watch
	wg      sync.WaitGroup
}

// NewMonitor creates a continuous-auth monitor.
func NewMonitor(deps MonitorDeps, cfg MonitorConfig) (*Monitor, error) {
	if deps.Sessions == nil {
		return nil, stderrors.New("session: session store is required")
	}
	if deps.Principals == nil {
		return nil, stderrors.New("session: principal store is required")
	}
	cfg.applyDefaults()
	if deps.Logger == nil {
		deps.Logger = logging.NewNopLogger()
	}
	return &Monitor{
		deps:    deps,
		cfg:     cfg,
		clock:   time.Now,
		watches: make(map[string]*watch),
	}, nil
}

// command is one inbox message for a watch goroutine.
type command struct {
	activity   *Activity
	similarity *float64        // fresh device validation result
	sample     *BehavioralSample
	stepUpCode string
	terminate  string // termination reason
	evaluate   bool   // force an immediate evaluation cycle
	violation  bool   // record a visitor route violation
	reply      chan error
}

// watch is the monitor task for one session.
type watch struct {
	sessionID string
	inbox     chan command
	quit      chan struct{} // detach without terminating

	// Owned by the watch goroutine.
	similarity  float64
	deviceKnown bool
}

// Begin creates a session for an authenticated principal-device binding
// and starts watching it. similarity seeds the device-consistency factor
// from the authentication-time validation.
func (m *Monitor) Begin(ctx context.Context, principalID, deviceID, ip string, similarity float64) (*Session, error) {
	now := m.clock()
	s := &Session{
		ID:             NewSessionID(),
		PrincipalID:    principalID,
		DeviceID:       deviceID,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
		UpdatedAt:      now,
	}
	s.RecordIP(ip)
	if err := m.deps.Sessions.Create(ctx, s); err != nil {
		return nil, err
	}
	m.Watch(ctx, s.ID, similarity, true)
	return s, nil
}

// Watch starts the evaluation loop for a session. The similarity seed
// feeds the device factor until a fresh validation arrives; known=false
// treats the device as unrecognized (full device risk). Watching an
// already-watched session is a no-op.
func (m *Monitor) Watch(ctx context.Context, sessionID string, similarity float64, known bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watches[sessionID]; ok {
		return
	}
	w := &watch{
		sessionID:   sessionID,
		inbox:       make(chan command, 16),
		quit:        make(chan struct{}),
		similarity:  similarity,
		deviceKnown: known,
	}
	m.watches[sessionID] = w
	m.wg.Add(1)
	go m.run(ctx, w)
}

// Resume loads active and stepping-up sessions from the store and
// watches each. Called at process start; sessions resume with their
// device treated as recognized at the similarity threshold (the next
// validation refreshes it).
func (m *Monitor) Resume(ctx context.Context) (int, error) {
	var count int
	for _, status := range []Status{StatusActive, StatusSteppingUp} {
		sessions, err := m.deps.Sessions.ListByStatus(ctx, status, MaxQueryLimit)
		if err != nil {
			return count, err
		}
		for _, s := range sessions {
			m.Watch(ctx, s.ID, device.ApprovalThreshold, true)
			count++
		}
	}
	return count, nil
}

// Stop detaches every watch without touching session state and waits
// for the goroutines to drain. Sessions stay active in the store and
// are resumed on restart.
func (m *Monitor) Stop() {
	m.mu.Lock()
	for id, w := range m.watches {
		close(w.quit)
		delete(m.watches, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Watching reports whether the session has a live watch.
func (m *Monitor) Watching(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watches[sessionID]
	return ok
}

// ReportActivity feeds an in-session access to the session's watch. The
// watch applies it to the store; unwatched sessions are updated directly.
func (m *Monitor) ReportActivity(ctx context.Context, sessionID string, a Activity) error {
	return m.send(ctx, sessionID, command{activity: &a})
}

// ReportValidation feeds a fresh device-validation similarity into the
// session's device-consistency factor.
func (m *Monitor) ReportValidation(ctx context.Context, sessionID string, similarity float64) error {
	return m.send(ctx, sessionID, command{similarity: &similarity})
}

// ReportSample feeds a behavioral sample for the next deviation check.
func (m *Monitor) ReportSample(ctx context.Context, sessionID string, sample BehavioralSample) error {
	return m.send(ctx, sessionID, command{sample: &sample})
}

// CompleteStepUp answers an outstanding step-up challenge. A correct
// code reactivates the session with risk reset; a wrong code terminates
// it, matching the challenge contract.
func (m *Monitor) CompleteStepUp(ctx context.Context, sessionID, code string) error {
	return m.send(ctx, sessionID, command{stepUpCode: code})
}

// Evaluate forces an immediate risk evaluation cycle for the session.
func (m *Monitor) Evaluate(ctx context.Context, sessionID string) error {
	return m.send(ctx, sessionID, command{evaluate: true})
}

// RecordRouteViolation increments the session's route-violation counter.
// Reaching MaxRouteViolations terminates the session.
func (m *Monitor) RecordRouteViolation(ctx context.Context, sessionID string) error {
	return m.send(ctx, sessionID, command{violation: true})
}

// Terminate ends a session with the given reason. Watched sessions
// terminate through their inbox; unwatched ones directly in the store.
func (m *Monitor) Terminate(ctx context.Context, sessionID, reason string) error {
	m.mu.Lock()
	w, ok := m.watches[sessionID]
	m.mu.Unlock()
	if !ok {
		s, err := m.deps.Sessions.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		return m.terminate(ctx, s, reason)
	}
	return deliver(ctx, w, command{terminate: reason})
}

func (m *Monitor) send(ctx context.Context, sessionID string, cmd command) error {
	m.mu.Lock()
	w, ok := m.watches[sessionID]
	m.mu.Unlock()
	if !ok {
		return m.applyDirect(ctx, sessionID, cmd)
	}
	return deliver(ctx, w, cmd)
}

func deliver(ctx context.Context, w *watch, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case w.inbox <- cmd:
	case <-w.quit:
		return ErrSessionNotFound
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// applyDirect handles commands for sessions without a live watch, such
// as activity recorded between process start and Resume.
func (m *Monitor) applyDirect(ctx context.Context, sessionID string, cmd command) error {
	s, err := m.deps.Sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.Status.IsTerminal() {
		return ErrTerminalState
	}
	switch {
	case cmd.activity != nil:
		m.applyActivity(s, *cmd.activity)
		return m.deps.Sessions.Update(ctx, s)
	case cmd.sample != nil:
		s.Sample = *cmd.sample
		return m.deps.Sessions.Update(ctx, s)
	case cmd.terminate != "":
		return m.terminate(ctx, s, cmd.terminate)
	case cmd.violation:
		_, err := m.applyViolation(ctx, s)
		return err
	default:
		return ErrSessionNotFound
	}
}

// applyViolation bumps the route-violation counter and terminates the
// session once it reaches the cap.
func (m *Monitor) applyViolation(ctx context.Context, s *Session) (bool, error) {
	s.RouteViolations++
	if s.RouteViolations >= MaxRouteViolations {
		err := m.terminate(ctx, s, "route violations exceeded")
		return err == nil, err
	}
	return false, m.deps.Sessions.Update(ctx, s)
}

// run is one session's monitor loop. Parent cancellation terminates the
// session if it is not already terminal; detaching through quit leaves
// session state alone.
func (m *Monitor) run(ctx context.Context, w *watch) {
	defer m.wg.Done()
	defer m.drop(w.sessionID)

	interval := m.cfg.Interval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-w.quit:
			return

		case <-ctx.Done():
			m.cancelTerminate(w.sessionID)
			return

		case cmd := <-w.inbox:
			done, next := m.handle(ctx, w, cmd)
			if done {
				return
			}
			if next > 0 {
				interval = next
				resetTimer(timer, interval)
			}

		case <-timer.C:
			done, next := m.cycle(ctx, w)
			if done {
				return
			}
			if next > 0 {
				interval = next
			}
			resetTimer(timer, interval)
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func (m *Monitor) drop(sessionID string) {
	m.mu.Lock()
	delete(m.watches, sessionID)
	m.mu.Unlock()
	if m.deps.Challenges != nil {
		m.deps.Challenges.Clear(sessionID)
	}
}

// cancelTerminate terminates the session on parent cancellation, on a
// fresh context: the parent's is already gone.
func (m *Monitor) cancelTerminate(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s, err := m.deps.Sessions.Get(ctx, sessionID)
	if err != nil || s.Status.IsTerminal() {
		return
	}
	if err := m.terminate(ctx, s, "monitor cancelled"); err != nil {
		log.Printf("citadel: terminating session %s on cancellation: %v", sessionID, err)
	}
}

// handle processes one inbox command. Returns done=true when the watch
// should exit and a new interval when the command forced an evaluation.
func (m *Monitor) handle(ctx context.Context, w *watch, cmd command) (bool, time.Duration) {
	s, err := m.deps.Sessions.Get(ctx, w.sessionID)
	if err != nil {
		cmd.reply <- err
		return true, 0
	}
	if s.Status.IsTerminal() {
		cmd.reply <- ErrTerminalState
		return true, 0
	}

	switch {
	case cmd.activity != nil:
		m.applyActivity(s, *cmd.activity)
		cmd.reply <- m.deps.Sessions.Update(ctx, s)
		return false, 0

	case cmd.similarity != nil:
		w.similarity = *cmd.similarity
		w.deviceKnown = true
		cmd.reply <- nil
		return false, 0

	case cmd.sample != nil:
		s.Sample = *cmd.sample
		cmd.reply <- m.deps.Sessions.Update(ctx, s)
		return false, 0

	case cmd.stepUpCode != "":
		done, err := m.resolveStepUp(ctx, s, cmd.stepUpCode)
		cmd.reply <- err
		return done, 0

	case cmd.terminate != "":
		err := m.terminate(ctx, s, cmd.terminate)
		cmd.reply <- err
		return err == nil, 0

	case cmd.violation:
		done, err := m.applyViolation(ctx, s)
		cmd.reply <- err
		return done, 0

	case cmd.evaluate:
		done, next := m.evaluateSession(ctx, w, s)
		cmd.reply <- nil
		return done, next

	default:
		cmd.reply <- nil
		return false, 0
	}
}

func (m *Monitor) applyActivity(s *Session, a Activity) {
	at := a.At
	if at.IsZero() {
		at = m.clock()
	}
	s.RecordAccess(a.Resource, a.Action, a.Result, at)
	s.RecordIP(a.IP)
}

// cycle runs one timer-driven evaluation.
func (m *Monitor) cycle(ctx context.Context, w *watch) (bool, time.Duration) {
	s, err := m.deps.Sessions.Get(ctx, w.sessionID)
	if err != nil {
		if stderrors.Is(err, ErrSessionNotFound) {
			return true, 0
		}
		log.Printf("citadel: reading session %s for evaluation: %v", w.sessionID, err)
		return false, m.cfg.Interval
	}
	if s.Status.IsTerminal() {
		return true, 0
	}
	return m.evaluateSession(ctx, w, s)
}

// evaluateSession is one full continuous-auth evaluation: lifecycle
// checks first, then the five weighted risk factors, then the action
// thresholds. Returns done=true when the session reached a terminal
// state and the interval to wait before the next cycle.
func (m *Monitor) evaluateSession(ctx context.Context, w *watch, s *Session) (bool, time.Duration) {
	now := m.clock()

	// Deactivated principals lose their sessions within one cycle.
	prin, err := m.deps.Principals.Get(ctx, s.PrincipalID)
	if err == nil && !prin.Active {
		return m.terminate(ctx, s, "principal deactivated") == nil, 0
	}

	if s.Idle(now) {
		return m.expire(ctx, s) == nil, 0
	}

	// An outstanding challenge that outlived its window fails the
	// session. A stepping-up session with no open challenge (process
	// restart) gets a fresh delivery.
	if s.Status == StatusSteppingUp && m.deps.Challenges != nil {
		if m.deps.Challenges.Expired(s.ID, now) {
			return m.terminate(ctx, s, "step-up challenge timed out") == nil, 0
		}
		if !m.deps.Challenges.Pending(s.ID) {
			if _, err := m.deps.Challenges.Open(ctx, s.ID, s.PrincipalID); err != nil {
				return m.terminate(ctx, s, "step-up challenge could not be delivered") == nil, 0
			}
		}
	}

	factors, impossible := m.riskFactors(ctx, w, s, now)
	risk := clampRisk(weightDeviceConsistency*factors["device_consistency"] +
		weightLocationStability*factors["location_stability"] +
		weightAccessPatterns*factors["access_patterns"] +
		weightTimeOfDay*factors["time_appropriateness"] +
		weightRequestFrequency*factors["request_frequency"])

	// Behavioral anomalies not already in the factors force at least a
	// step-up.
	anomalous := m.behavioralAnomaly(ctx, s)
	if anomalous && risk < m.cfg.MFAThreshold {
		risk = m.cfg.MFAThreshold
	}

	action := m.classify(risk)
	if impossible {
		action = ActionTerminate
	}

	s.AppendRisk(RiskEntry{
		Score:       risk,
		Factors:     factors,
		Action:      action,
		EvaluatedAt: now,
	})
	if err := m.deps.Sessions.Update(ctx, s); err != nil {
		log.Printf("citadel: persisting risk for session %s: %v", s.ID, err)
	}

	m.publishRisk(s, risk, action)
	m.logRisk(s, risk, action, factors, anomalous)

	switch action {
	case ActionTerminate:
		reason := fmt.Sprintf("risk score %.1f at or above termination threshold", risk)
		if impossible {
			reason = "impossible travel between session locations"
		}
		return m.terminate(ctx, s, reason) == nil, 0

	case ActionRequireMFA:
		if s.Status == StatusActive {
			if done := m.stepUp(ctx, s); done {
				return true, 0
			}
		}
		return false, m.cfg.HighRiskInterval

	case ActionMonitorClosely:
		return false, m.cfg.Interval / 2

	default:
		return false, m.cfg.Interval
	}
}

func (m *Monitor) classify(risk float64) string {
	switch {
	case risk >= m.cfg.TerminateThreshold:
		return ActionTerminate
	case risk >= m.cfg.MFAThreshold:
		return ActionRequireMFA
	case risk >= m.cfg.WatchThreshold:
		return ActionMonitorClosely
	default:
		return ActionContinue
	}
}

// riskFactors computes the five factor scores, each in [0,100], higher
// riskier. The second return is true when the location factor detected
// impossible travel, which terminates regardless of the weighted sum.
func (m *Monitor) riskFactors(ctx context.Context, w *watch, s *Session, now time.Time) (map[string]float64, bool) {
	history := m.history(ctx, s.PrincipalID)
	location, impossible := m.locationRisk(ctx, s, history, now)

	factors := map[string]float64{
		"device_consistency":   m.deviceRisk(ctx, w, s),
		"location_stability":   location,
		"access_patterns":      m.accessPatternRisk(ctx, s, now),
		"time_appropriateness": m.timeRisk(history, now),
		"request_frequency":    frequencyRisk(s, now),
	}
	return factors, impossible
}

func (m *Monitor) history(ctx context.Context, principalID string) *contextual.History {
	if m.deps.Histories == nil {
		return contextual.NewHistory(principalID)
	}
	h, err := m.deps.Histories.Get(ctx, principalID)
	if err != nil {
		return contextual.NewHistory(principalID)
	}
	return h
}

// deviceRisk is 100 minus the freshest validation similarity. A session
// whose device was never recognized, has gone missing, or was blocked
// by automated response carries full device risk.
func (m *Monitor) deviceRisk(ctx context.Context, w *watch, s *Session) float64 {
	if !w.deviceKnown || s.DeviceID == "" {
		return 100
	}
	if m.deps.Blocked != nil && m.deps.Blocked.DeviceBlocked(s.DeviceID) {
		return 100
	}
	if m.deps.Devices != nil {
		d, err := m.deps.Devices.Get(ctx, s.DeviceID)
		if err != nil || d.IsBlocked() {
			return 100
		}
	}
	return clampRisk(100 - w.similarity)
}

// locationRisk scores the session's current address against the
// principal's history: zero for the frequent set, full for impossible
// travel, distance-banded otherwise.
func (m *Monitor) locationRisk(ctx context.Context, s *Session, history *contextual.History, now time.Time) (float64, bool) {
	ip := s.CurrentIP()
	if ip == "" {
		return locationRiskNoHistory, false
	}
	if history.FrequentIP(ip) {
		return locationRiskFrequent, false
	}
	if m.deps.Resolver == nil {
		return locationRiskUnresolvable, false
	}
	loc, err := m.deps.Resolver.Resolve(ctx, ip)
	if err != nil || loc == nil {
		return locationRiskUnresolvable, false
	}

	if last, ok := history.LastObservation(); ok {
		here := geo.Observation{Location: *loc, SeenAt: now}
		if geo.IsImpossibleTravel(last, here) {
			return locationRiskImpossible, true
		}
	}

	distance, ok := history.NearestKnownDistanceKm(*loc)
	if !ok {
		return locationRiskNoHistory, false
	}
	switch {
	case distance <= 50:
		return locationRiskNearby, false
	case distance <= 200:
		return locationRiskRegional, false
	case distance <= 1000:
		return locationRiskDistant, false
	default:
		return locationRiskFar, false
	}
}

// accessPatternRisk is the mean Jaccard distance between this session's
// resource set and each prior session's inside the window, scaled to
// [0,100]. Nothing to compare scores zero: a first session deviates
// from nothing.
func (m *Monitor) accessPatternRisk(ctx context.Context, s *Session, now time.Time) float64 {
	current := s.ResourceSet()
	if len(current) == 0 {
		return 0
	}
	prior, err := m.deps.Sessions.ListByPrincipal(ctx, s.PrincipalID, MaxQueryLimit)
	if err != nil {
		return 0
	}

	cutoff := now.Add(-AccessPatternWindow)
	var sum float64
	var compared int
	for _, p := range prior {
		if p.ID == s.ID || p.StartedAt.Before(cutoff) {
			continue
		}
		past := p.ResourceSet()
		if len(past) == 0 {
			continue
		}
		sum += jaccardDistance(current, past)
		compared++
	}
	if compared == 0 {
		return 0
	}
	return clampRisk(sum / float64(compared) * 100)
}

func jaccardDistance(a, b map[string]bool) float64 {
	var intersection int
	for k := range a {
		if b[k] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return 1 - float64(intersection)/float64(union)
}

func (m *Monitor) timeRisk(history *contextual.History, now time.Time) float64 {
	return clampRisk(100 - contextual.TimeScore(now, history))
}

// frequencyRisk bands the session's recent request rate.
func frequencyRisk(s *Session, now time.Time) float64 {
	cutoff := now.Add(-frequencyWindow)
	var count int
	for i := len(s.AccessLog) - 1; i >= 0; i-- {
		if s.AccessLog[i].Timestamp.Before(cutoff) {
			break
		}
		count++
	}
	perMinute := float64(count) / frequencyWindow.Minutes()
	switch {
	case perMinute < 1:
		return 0
	case perMinute < 3:
		return 10
	case perMinute < 5:
		return 30
	case perMinute < 10:
		return 60
	default:
		return 100
	}
}

func (m *Monitor) behavioralAnomaly(ctx context.Context, s *Session) bool {
	if m.deps.Behaviors == nil || s.Sample.SampledAt.IsZero() {
		return false
	}
	analysis, err := m.deps.Behaviors.Analyze(ctx, s.PrincipalID, behavior.Sample{
		KeystrokeIntervalMs: s.Sample.KeystrokeIntervalMs,
		MouseVelocity:       s.Sample.MouseVelocity,
		NavigationEntropy:   s.Sample.NavigationDepth,
		RequestRate:         s.Sample.RequestsPerMinute,
		SessionDurationMin:  s.Sample.SessionMinutes,
	})
	if err != nil {
		return false
	}
	return analysis.IsAnomalous
}

// stepUp transitions an active session to stepping_up and opens the
// challenge. A challenge that cannot be opened fails closed: a session
// that needs a second factor it cannot receive terminates.
func (m *Monitor) stepUp(ctx context.Context, s *Session) bool {
	s.Status = StatusSteppingUp
	if err := m.deps.Sessions.Update(ctx, s); err != nil {
		log.Printf("citadel: stepping up session %s: %v", s.ID, err)
		return false
	}

	if m.deps.Challenges == nil {
		return m.terminate(ctx, s, "step-up required but no challenge provider configured") == nil
	}
	if _, err := m.deps.Challenges.Open(ctx, s.ID, s.PrincipalID); err != nil {
		return m.terminate(ctx, s, "step-up challenge could not be delivered") == nil
	}

	if m.deps.Notify != nil {
		m.deps.Notify.UserNotify(notification.EventSessionStepUp, s.PrincipalID,
			"Verification required",
			"Your session crossed the risk threshold. Enter your verification code to continue.",
			notification.PriorityWarning, map[string]string{"session_id": s.ID})
	}
	m.audit(ctx, s, audit.ResultSuccess, map[string]string{"transition": "stepping_up"})
	return false
}

// resolveStepUp verifies the caller's code. Success reactivates with the
// reset risk score; a wrong or expired code terminates.
func (m *Monitor) resolveStepUp(ctx context.Context, s *Session, code string) (bool, error) {
	if s.Status != StatusSteppingUp {
		return false, ErrNoChallenge
	}
	if m.deps.Challenges == nil {
		return false, ErrNoChallenge
	}

	passed, err := m.deps.Challenges.Verify(ctx, s.ID, code)
	if err != nil {
		return false, err
	}
	if !passed {
		if termErr := m.terminate(ctx, s, "step-up challenge failed"); termErr != nil {
			return false, termErr
		}
		return true, ErrChallengeFailed
	}

	now := m.clock()
	s.Status = StatusActive
	s.AppendRisk(RiskEntry{
		Score:       StepUpResetRiskScore,
		Action:      ActionContinue,
		EvaluatedAt: now,
	})
	if err := m.deps.Sessions.Update(ctx, s); err != nil {
		return false, err
	}
	m.audit(ctx, s, audit.ResultSuccess, map[string]string{"transition": "step_up_passed"})
	return false, nil
}

// terminate moves the session to terminated, audits, notifies, and
// publishes. The transition is monotonic; racing terminations settle on
// whichever write lands first.
func (m *Monitor) terminate(ctx context.Context, s *Session, reason string) error {
	if s.Status.IsTerminal() {
		return nil
	}
	s.Status = StatusTerminated
	s.TerminationReason = reason
	if err := m.deps.Sessions.Update(ctx, s); err != nil {
		if stderrors.Is(err, ErrTerminalState) {
			return nil
		}
		return err
	}

	if m.deps.Challenges != nil {
		m.deps.Challenges.Clear(s.ID)
	}
	m.audit(ctx, s, audit.ResultFailure, map[string]string{
		"transition": "terminated",
		"reason":     reason,
	})
	if m.deps.Notify != nil {
		m.deps.Notify.UserNotify(notification.EventSessionTerminated, s.PrincipalID,
			"Session terminated",
			fmt.Sprintf("Your session was terminated: %s", reason),
			notification.PriorityCritical, map[string]string{"session_id": s.ID})
		m.deps.Notify.AdminBroadcast(notification.EventSessionTerminated,
			"Session terminated by continuous monitoring",
			fmt.Sprintf("Session %s (principal %s) terminated: %s", s.ID, s.PrincipalID, reason),
			notification.PriorityCritical, map[string]string{
				"session_id":   s.ID,
				"principal_id": s.PrincipalID,
			})
	}
	if m.deps.Bus != nil {
		m.deps.Bus.Publish(eventbus.TopicSessionTerminated, s.ID, map[string]any{
			"principal_id": s.PrincipalID,
			"device_id":    s.DeviceID,
			"reason":       reason,
			"risk":         s.CurrentRiskScore,
		})
	}
	m.deps.Logger.LogSessionRisk(logging.NewSessionRiskLogEntry(s.ID, s.PrincipalID, s.CurrentRiskScore, ActionTerminate))
	return nil
}

// expire moves an idle session to expired.
func (m *Monitor) expire(ctx context.Context, s *Session) error {
	if s.Status.IsTerminal() {
		return nil
	}
	s.Status = StatusExpired
	if err := m.deps.Sessions.Update(ctx, s); err != nil {
		if stderrors.Is(err, ErrTerminalState) {
			return nil
		}
		return err
	}
	m.audit(ctx, s, audit.ResultSuccess, map[string]string{"transition": "expired"})
	return nil
}

func (m *Monitor) audit(ctx context.Context, s *Session, result audit.Result, details map[string]string) {
	if m.deps.Recorder == nil {
		return
	}
	details["session_id"] = s.ID
	if _, err := m.deps.Recorder.Record(ctx, &audit.AuditEvent{
		Timestamp:   m.clock(),
		EventType:   audit.EventTypeSessionLifecycle,
		PrincipalID: s.PrincipalID,
		Action:      "continuous_auth",
		Resource:    s.ID,
		Result:      result,
		IP:          s.CurrentIP(),
		Details:     details,
	}); err != nil {
		log.Printf("citadel: auditing session %s lifecycle: %v", s.ID, err)
	}
}

func (m *Monitor) publishRisk(s *Session, risk float64, action string) {
	if m.deps.Bus == nil {
		return
	}
	m.deps.Bus.Publish(eventbus.TopicSessionRisk, s.ID, map[string]any{
		"principal_id": s.PrincipalID,
		"risk":         risk,
		"action":       action,
	})
}

func (m *Monitor) logRisk(s *Session, risk float64, action string, factors map[string]float64, anomalous bool) {
	entry := logging.NewSessionRiskLogEntry(s.ID, s.PrincipalID, risk, action)
	entry.Factors = factors
	if anomalous {
		entry.Reason = "behavioral anomaly"
	}
	m.deps.Logger.LogSessionRisk(entry)
}

func clampRisk(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
