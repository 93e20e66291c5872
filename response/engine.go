// Package response automates containment actions from attack signals.
// The engine watches two streams of observations: authentication failures
// keyed by device fingerprint, and access attempts grouped by the resource
// they target. When a device crosses the brute-force threshold it is
// blocked; when enough distinct principals hammer the same resource class
// the whole segment category is placed in a timed lockdown.
//
// The engine is the single writer of the blocked-device and locked-segment
// sets. Readers (the session monitor's risk loop) see an atomic snapshot
// that is refreshed on every state change and on every sweep, so a reader
// is never more than one sweep interval behind the stores.
package response

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/citadelzt/citadel/audit"
	"github.com/citadelzt/citadel/device"
	"github.com/citadelzt/citadel/errors"
	"github.com/citadelzt/citadel/eventbus"
	"github.com/citadelzt/citadel/logging"
	"github.com/citadelzt/citadel/notification"
	"github.com/citadelzt/citadel/segment"
	"github.com/citadelzt/citadel/threat"
)

// Detection thresholds and defaults.
const (
	// DefaultBruteForceThreshold is the number of failed authentications
	// from one fingerprint inside the window that triggers a device block.
	DefaultBruteForceThreshold = 10

	// DefaultBruteForceWindow bounds how far back failures count.
	DefaultBruteForceWindow = 10 * time.Minute

	// DefaultCoordinatedPrincipals is the minimum number of distinct
	// principals required before a pattern counts as coordinated.
	DefaultCoordinatedPrincipals = 3

	// DefaultCoordinatedAttempts is the minimum failed or denied attempts
	// each participating principal must have made inside the window.
	DefaultCoordinatedAttempts = 5

	// DefaultCoordinatedWindow bounds how far back attempts count.
	DefaultCoordinatedWindow = 10 * time.Minute

	// DefaultLockdownDuration is how long a coordinated-attack lockdown
	// holds before the segment locks stop taking effect.
	DefaultLockdownDuration = time.Hour

	// DefaultSweepInterval is how often Run prunes observation windows
	// and drops expired locks from the snapshot.
	DefaultSweepInterval = 30 * time.Second
)

// Config tunes the engine's detection thresholds. The zero value is
// usable; unset fields take the package defaults.
type Config struct {
	BruteForceThreshold   int
	BruteForceWindow      time.Duration
	CoordinatedPrincipals int
	CoordinatedAttempts   int
	CoordinatedWindow     time.Duration
	LockdownDuration      time.Duration
}

func (c *Config) applyDefaults() {
	if c.BruteForceThreshold <= 0 {
		c.BruteForceThreshold = DefaultBruteForceThreshold
	}
	if c.BruteForceWindow <= 0 {
		c.BruteForceWindow = DefaultBruteForceWindow
	}
	if c.CoordinatedPrincipals <= 0 {
		c.CoordinatedPrincipals = DefaultCoordinatedPrincipals
	}
	if c.CoordinatedAttempts <= 0 {
		c.CoordinatedAttempts = DefaultCoordinatedAttempts
	}
	if c.CoordinatedWindow <= 0 {
		c.CoordinatedWindow = DefaultCoordinatedWindow
	}
	if c.LockdownDuration <= 0 {
		c.LockdownDuration = DefaultLockdownDuration
	}
}

// Deps carries the engine's collaborators. Devices, Segments and Threats
// are required; the rest are optional.
type Deps struct {
	Devices  device.Store
	Segments segment.Store
	Threats  threat.Store
	Recorder *audit.Recorder
	Bus      *eventbus.Bus
	Notify   *notification.Dispatcher
	Logger   logging.Logger
}

// AuthFailure is one failed authentication observation.
type AuthFailure struct {
	PrincipalID     string
	DeviceID        string
	FingerprintHash string
	IP              string
	At              time.Time
}

// AccessAttempt is one access-decision observation. Only failure and
// denied results feed coordinated-attack detection.
type AccessAttempt struct {
	PrincipalID  string
	ResourceType string
	Action       string
	Result       audit.Result
	At           time.Time
}

// snapshot is the read-side view of containment state. Swapped whole;
// never mutated after publication.
type snapshot struct {
	blocked map[string]struct{}
	locked  map[string]time.Time
}

func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		blocked: make(map[string]struct{}, len(s.blocked)),
		locked:  make(map[string]time.Time, len(s.locked)),
	}
	for id := range s.blocked {
		next.blocked[id] = struct{}{}
	}
	for id, until := range s.locked {
		next.locked[id] = until
	}
	return next
}

// failureWindow tracks recent failures for one fingerprint.
type failureWindow struct {
	times       []time.Time
	deviceID    string
	principalID string
	tripped     bool
}

// attackKey groups access attempts by what they target.
type attackKey struct {
	resourceType string
	action       string
}

// attemptWindow tracks recent failed attempts per principal for one target.
type attemptWindow struct {
	byPrincipal map[string][]time.Time
	tripped     bool
}

// Engine detects brute-force and coordinated attack patterns and applies
// containment. It satisfies the session monitor's Blocklist interface.
type Engine struct {
	cfg  Config
	deps Deps

	clock func() time.Time

	mu       sync.Mutex
	failures map[string]*failureWindow
	attempts map[attackKey]*attemptWindow

	view atomic.Pointer[snapshot]
}

// NewEngine builds an Engine. Devices, Segments and Threats are required.
func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if deps.Devices == nil {
		return nil, fmt.Errorf("response: device store is required")
	}
	if deps.Segments == nil {
		return nil, fmt.Errorf("response: segment store is required")
	}
	if deps.Threats == nil {
		return nil, fmt.Errorf("response: threat store is required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNopLogger()
	}
	cfg.applyDefaults()

	e := &Engine{
		cfg:      cfg,
		deps:     deps,
		clock:    time.Now,
		failures: make(map[string]*failureWindow),
		attempts: make(map[attackKey]*attemptWindow),
	}
	e.view.Store(&snapshot{
		blocked: map[string]struct{}{},
		locked:  map[string]time.Time{},
	})
	return e, nil
}

// DeviceBlocked reports whether automated response has blocked the device.
// Lock-free; may lag the store by up to one sweep interval.
func (e *Engine) DeviceBlocked(deviceID string) bool {
	_, ok := e.view.Load().blocked[deviceID]
	return ok
}

// SegmentLocked reports whether a response lockdown currently covers the
// segment.
func (e *Engine) SegmentLocked(segmentID string) bool {
	until, ok := e.view.Load().locked[segmentID]
	return ok && e.clock().Before(until)
}

// ObserveAuthFailure records one failed authentication. Returns true when
// the observation tripped the brute-force threshold and the device was
// blocked.
func (e *Engine) ObserveAuthFailure(ctx context.Context, f AuthFailure) (bool, error) {
	if f.FingerprintHash == "" || f.DeviceID == "" {
		return false, nil
	}
	at := f.At
	if at.IsZero() {
		at = e.clock()
	}

	e.mu.Lock()
	w := e.failures[f.FingerprintHash]
	if w == nil {
		w = &failureWindow{}
		e.failures[f.FingerprintHash] = w
	}
	w.deviceID = f.DeviceID
	w.principalID = f.PrincipalID
	w.times = pruneTimes(append(w.times, at), at.Add(-e.cfg.BruteForceWindow))
	trip := !w.tripped && len(w.times) >= e.cfg.BruteForceThreshold
	if trip {
		w.tripped = true
	}
	e.mu.Unlock()

	if !trip {
		return false, nil
	}
	if err := e.blockDevice(ctx, f, at); err != nil {
		return true, err
	}
	return true, nil
}

// blockDevice applies brute-force containment for one device.
func (e *Engine) blockDevice(ctx context.Context, f AuthFailure, at time.Time) error {
	if err := e.deps.Devices.SetStatus(ctx, f.DeviceID, device.StatusBlocked); err != nil {
		return fmt.Errorf("block device %s: %w", f.DeviceID, err)
	}

	e.mu.Lock()
	next := e.view.Load().clone()
	next.blocked[f.DeviceID] = struct{}{}
	e.view.Store(next)
	e.mu.Unlock()

	reason := fmt.Sprintf("brute force: %d failed authentications within %s",
		e.cfg.BruteForceThreshold, e.cfg.BruteForceWindow)

	pred := &threat.Prediction{
		ID:          threat.NewPredictionID(),
		PrincipalID: f.PrincipalID,
		Type:        threat.ThreatBruteForce,
		Score:       3,
		Confidence:  1.0,
		Indicators: []threat.Indicator{{
			Feature:   threat.FeatureFailedLogins,
			Severity:  threat.SeverityHigh,
			Value:     float64(e.cfg.BruteForceThreshold),
			Threshold: float64(e.cfg.BruteForceThreshold),
		}},
		PreventiveMeasures: threat.PreventiveMeasures(threat.ThreatBruteForce),
		Status:             threat.StatusPending,
		CreatedAt:          at,
		UpdatedAt:          at,
	}
	if err := e.deps.Threats.Create(ctx, pred); err != nil {
		return fmt.Errorf("record brute force prediction: %w", err)
	}

	e.audit(ctx, f.PrincipalID, "device_blocked", f.DeviceID, map[string]string{
		"reason":           reason,
		"fingerprint_hash": f.FingerprintHash,
		"source_ip":        f.IP,
		"prediction_id":    pred.ID,
	})
	e.logResponse(string(threat.ThreatBruteForce), pred, "device_blocked", f.DeviceID)

	if e.deps.Bus != nil {
		e.deps.Bus.Publish(eventbus.TopicDeviceBlocked, f.DeviceID, map[string]any{
			"device_id":     f.DeviceID,
			"principal_id":  f.PrincipalID,
			"reason":        reason,
			"prediction_id": pred.ID,
		})
	}
	if e.deps.Notify != nil {
		e.deps.Notify.AdminBroadcast(notification.EventDeviceBlocked,
			"Device blocked: brute force",
			fmt.Sprintf("Device %s was blocked after %d failed authentications.", f.DeviceID, e.cfg.BruteForceThreshold),
			notification.PriorityCritical,
			map[string]string{
				"device_id":    f.DeviceID,
				"principal_id": f.PrincipalID,
			})
	}
	return nil
}

// Unblock clears a device block applied by the engine and restores the
// device to active. Administrative entry point.
func (e *Engine) Unblock(ctx context.Context, deviceID string) error {
	if err := e.deps.Devices.SetStatus(ctx, deviceID, device.StatusActive); err != nil {
		return err
	}
	e.mu.Lock()
	if _, ok := e.view.Load().blocked[deviceID]; ok {
		next := e.view.Load().clone()
		delete(next.blocked, deviceID)
		e.view.Store(next)
	}
	// Give the device a fresh window so old failures do not re-trip
	// the block immediately.
	for hash, w := range e.failures {
		if w.deviceID == deviceID {
			delete(e.failures, hash)
		}
	}
	e.mu.Unlock()

	e.audit(ctx, "", "device_unblocked", deviceID, nil)
	return nil
}

// ObserveAccess records one access-decision outcome. Successful attempts
// are ignored. Returns true when the observation tripped the coordinated
// pattern and a lockdown was applied.
func (e *Engine) ObserveAccess(ctx context.Context, a AccessAttempt) (bool, error) {
	if a.Result != audit.ResultFailure && a.Result != audit.ResultDenied {
		return false, nil
	}
	if a.PrincipalID == "" || a.ResourceType == "" {
		return false, nil
	}
	at := a.At
	if at.IsZero() {
		at = e.clock()
	}
	key := attackKey{resourceType: a.ResourceType, action: a.Action}

	e.mu.Lock()
	w := e.attempts[key]
	if w == nil {
		w = &attemptWindow{byPrincipal: make(map[string][]time.Time)}
		e.attempts[key] = w
	}
	cutoff := at.Add(-e.cfg.CoordinatedWindow)
	w.byPrincipal[a.PrincipalID] = pruneTimes(append(w.byPrincipal[a.PrincipalID], at), cutoff)

	var participants []string
	for id, times := range w.byPrincipal {
		times = pruneTimes(times, cutoff)
		if len(times) == 0 {
			delete(w.byPrincipal, id)
			continue
		}
		w.byPrincipal[id] = times
		if len(times) >= e.cfg.CoordinatedAttempts {
			participants = append(participants, id)
		}
	}
	trip := !w.tripped && len(participants) >= e.cfg.CoordinatedPrincipals
	if trip {
		w.tripped = true
	}
	e.mu.Unlock()

	if !trip {
		return false, nil
	}
	sort.Strings(participants)
	if err := e.lockdown(ctx, key, participants, at); err != nil {
		return true, err
	}
	return true, nil
}

// lockdown places every segment of the targeted category into a timed
// lock and records a coordinated-attack prediction per participant.
func (e *Engine) lockdown(ctx context.Context, key attackKey, participants []string, at time.Time) error {
	segments, err := e.deps.Segments.ListByCategory(ctx, key.resourceType, segment.MaxQueryLimit)
	if err != nil {
		return fmt.Errorf("list segments for lockdown: %w", err)
	}
	until := at.Add(e.cfg.LockdownDuration)
	reason := fmt.Sprintf("coordinated attack: %d principals targeting %s/%s",
		len(participants), key.resourceType, key.action)

	locked := make([]string, 0, len(segments))
	for _, s := range segments {
		if err := e.deps.Segments.SetLock(ctx, s.ID, true, until, reason); err != nil {
			return fmt.Errorf("lock segment %s: %w", s.ID, err)
		}
		locked = append(locked, s.ID)
	}

	e.mu.Lock()
	next := e.view.Load().clone()
	for _, id := range locked {
		next.locked[id] = until
	}
	e.view.Store(next)
	e.mu.Unlock()

	indicator := threat.Indicator{
		Feature:   threat.FeatureDenialRatio,
		Severity:  threat.SeverityHigh,
		Value:     float64(e.cfg.CoordinatedAttempts),
		Threshold: float64(e.cfg.CoordinatedAttempts),
	}
	for _, principalID := range participants {
		pred := &threat.Prediction{
			ID:                 threat.NewPredictionID(),
			PrincipalID:        principalID,
			Type:               threat.ThreatCoordinatedAttack,
			Score:              3,
			Confidence:         1.0,
			Indicators:         []threat.Indicator{indicator},
			PreventiveMeasures: threat.PreventiveMeasures(threat.ThreatCoordinatedAttack),
			Status:             threat.StatusPending,
			CreatedAt:          at,
			UpdatedAt:          at,
		}
		if err := e.deps.Threats.Create(ctx, pred); err != nil {
			return fmt.Errorf("record coordinated attack prediction: %w", err)
		}
		e.logResponse(string(threat.ThreatCoordinatedAttack), pred, "segment_locked", key.resourceType)
	}

	for _, id := range locked {
		e.audit(ctx, "", "segment_locked", id, map[string]string{
			"reason":       reason,
			"category":     key.resourceType,
			"locked_until": until.Format(time.RFC3339),
		})
		if e.deps.Bus != nil {
			e.deps.Bus.Publish(eventbus.TopicSegmentLocked, id, map[string]any{
				"segment_id":   id,
				"category":     key.resourceType,
				"reason":       reason,
				"locked_until": until.Format(time.RFC3339),
			})
		}
	}
	if e.deps.Notify != nil {
		e.deps.Notify.AdminBroadcast(notification.EventSegmentLockdown,
			"Segment lockdown: coordinated attack",
			fmt.Sprintf("Locked %d segments in category %q for %s.", len(locked), key.resourceType, e.cfg.LockdownDuration),
			notification.PriorityCritical,
			map[string]string{
				"category":     key.resourceType,
				"action":       key.action,
				"participants": fmt.Sprintf("%d", len(participants)),
			})
	}
	return nil
}

// Rebuild reconstructs the snapshot from the stores. Called once at
// startup; the stores remain the source of truth between sweeps.
func (e *Engine) Rebuild(ctx context.Context) error {
	blocked, err := e.deps.Devices.ListByStatus(ctx, device.StatusBlocked, device.MaxQueryLimit)
	if err != nil {
		return fmt.Errorf("rebuild blocked devices: %w", err)
	}
	segments, err := e.deps.Segments.List(ctx, segment.MaxQueryLimit)
	if err != nil {
		return fmt.Errorf("rebuild locked segments: %w", err)
	}

	now := e.clock()
	next := &snapshot{
		blocked: make(map[string]struct{}, len(blocked)),
		locked:  map[string]time.Time{},
	}
	for _, d := range blocked {
		next.blocked[d.ID] = struct{}{}
	}
	for _, s := range segments {
		if !s.IsLocked(now) {
			continue
		}
		until := s.LockedUntil
		if until.IsZero() {
			// Administrative lock with no expiry. Hold it well past any
			// sweep horizon; Rebuild and admin Unlock are the only exits.
			until = now.Add(24 * time.Hour)
		}
		next.locked[s.ID] = until
	}

	e.mu.Lock()
	e.view.Store(next)
	e.mu.Unlock()
	return nil
}

// Sweep prunes stale observation windows and drops expired locks from the
// snapshot. Returns the number of snapshot entries removed.
func (e *Engine) Sweep(ctx context.Context) int {
	now := e.clock()

	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := now.Add(-e.cfg.BruteForceWindow)
	for hash, w := range e.failures {
		w.times = pruneTimes(w.times, cutoff)
		if len(w.times) == 0 && !w.tripped {
			delete(e.failures, hash)
		}
	}
	cutoff = now.Add(-e.cfg.CoordinatedWindow)
	for key, w := range e.attempts {
		empty := true
		for id, times := range w.byPrincipal {
			times = pruneTimes(times, cutoff)
			if len(times) == 0 {
				delete(w.byPrincipal, id)
				continue
			}
			w.byPrincipal[id] = times
			empty = false
		}
		if empty && !w.tripped {
			delete(e.attempts, key)
		}
	}

	view := e.view.Load()
	removed := 0
	for _, until := range view.locked {
		if !now.Before(until) {
			removed++
		}
	}
	if removed > 0 {
		next := view.clone()
		for id, until := range next.locked {
			if !now.Before(until) {
				delete(next.locked, id)
			}
		}
		e.view.Store(next)
	}
	return removed
}

// Run sweeps on a ticker and feeds bus events into the observation
// windows until ctx is cancelled. Denied decisions drive coordinated
// detection, device-related denials drive brute-force detection, and
// monitor terminations are mirrored into the audit trail.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 || interval > DefaultSweepInterval {
		interval = DefaultSweepInterval
	}
	var sub *eventbus.Subscription
	if e.deps.Bus != nil {
		sub = e.deps.Bus.Subscribe(eventbus.TopicSessionTerminated, eventbus.TopicDecisionMade)
		defer sub.Close()
	}
	var events <-chan eventbus.Event
	if sub != nil {
		events = sub.C()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep(ctx)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			switch ev.Topic {
			case eventbus.TopicSessionTerminated:
				e.recordTermination(ctx, ev)
			case eventbus.TopicDecisionMade:
				e.observeDecision(ctx, ev)
			}
		}
	}
}

// observeDecision converts one published decision into observations.
func (e *Engine) observeDecision(ctx context.Context, ev eventbus.Event) {
	decision, _ := ev.Data["decision"].(string)
	if decision != "denied" && decision != "error" {
		return
	}
	result := audit.ResultDenied
	if decision == "error" {
		result = audit.ResultFailure
	}
	resourceType, _ := ev.Data["resource_type"].(string)
	// Containment failures are retried on the next trip; the successful
	// path audits and logs inside the apply step.
	_, _ = e.ObserveAccess(ctx, AccessAttempt{
		PrincipalID:  ev.Subject,
		ResourceType: resourceType,
		Action:       "access_request",
		Result:       result,
	})

	denyCode, _ := ev.Data["deny_code"].(string)
	if denyCode != errors.ErrCodeAnomalousDevice {
		return
	}
	deviceID, _ := ev.Data["device_id"].(string)
	hash, _ := ev.Data["fingerprint_hash"].(string)
	ip, _ := ev.Data["ip"].(string)
	_, _ = e.ObserveAuthFailure(ctx, AuthFailure{
		PrincipalID:     ev.Subject,
		DeviceID:        deviceID,
		FingerprintHash: hash,
		IP:              ip,
	})
}

// recordTermination mirrors a monitor-initiated session termination into
// the threat-response audit trail.
func (e *Engine) recordTermination(ctx context.Context, ev eventbus.Event) {
	principalID, _ := ev.Data["principal_id"].(string)
	reason, _ := ev.Data["reason"].(string)
	e.audit(ctx, principalID, "session_terminated", ev.Subject, map[string]string{
		"reason": reason,
	})
}

func (e *Engine) audit(ctx context.Context, principalID, action, resource string, details map[string]string) {
	if e.deps.Recorder == nil {
		return
	}
	_, _ = e.deps.Recorder.Record(ctx, &audit.AuditEvent{
		Timestamp:   e.clock(),
		EventType:   audit.EventTypeThreatResponse,
		PrincipalID: principalID,
		Action:      action,
		Resource:    resource,
		Result:      audit.ResultSuccess,
		Details:     details,
	})
}

func (e *Engine) logResponse(threatType string, pred *threat.Prediction, action, targetID string) {
	entry := logging.NewThreatLogEntry(threatType, pred.Confidence)
	entry.PredictionID = pred.ID
	entry.PrincipalID = pred.PrincipalID
	entry.ThreatScore = pred.Score
	entry.ResponseAction = action
	entry.TargetID = targetID
	e.deps.Logger.LogThreat(entry)
}

// pruneTimes drops entries at or before cutoff. Keeps order.
func pruneTimes(times []time.Time, cutoff time.Time) []time.Time {
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
