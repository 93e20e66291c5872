// Package decision implements the access decision engine: every request
// fuses policy evaluation, intent analysis, device validation, contextual
// and behavioral signals, and peer comparison into one decision with an
// explainable confidence breakdown. Decisions persist before they return,
// append to the audit chain, and publish on the event bus.
package decision

import (
	"context"
	stderrors "errors"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/citadelzt/citadel/audit"
	"github.com/citadelzt/citadel/behavior"
	"github.com/citadelzt/citadel/contextual"
	"github.com/citadelzt/citadel/device"
	"github.com/citadelzt/citadel/errors"
	"github.com/citadelzt/citadel/eventbus"
	"github.com/citadelzt/citadel/intent"
	"github.com/citadelzt/citadel/logging"
	"github.com/citadelzt/citadel/policy"
	"github.com/citadelzt/citadel/principal"
	"github.com/citadelzt/citadel/ratelimit"
	"github.com/citadelzt/citadel/request"
)

// DefaultTimeout is the soft scoring deadline. Requests not decided in
// time deny with a timeout reason while scoring completes in background
// for the audit trail.
const DefaultTimeout = 2 * time.Second

// backgroundGrace bounds background completion and error persistence
// after the caller is gone.
const backgroundGrace = 30 * time.Second

// Config carries the decision thresholds.
type Config struct {
	// AutoApproveThreshold grants without MFA at or above this
	// confidence, unless the deciding rule raises the bar or mandates MFA.
	AutoApproveThreshold float64

	// StepUpThreshold grants behind an MFA step-up at or above this
	// confidence.
	StepUpThreshold float64

	// Timeout is the soft scoring deadline. Zero uses DefaultTimeout.
	Timeout time.Duration
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		AutoApproveThreshold: 90,
		StepUpThreshold:      50,
		Timeout:              DefaultTimeout,
	}
}

// Deps bundles the engine's collaborators. Policies, Principals,
// Requests, Contexts, and Recorder are required; the rest degrade to
// neutral scores or skipped side effects when nil.
type Deps struct {
	Policies   *policy.Engine
	Devices    *device.Registry
	Contexts   *contextual.Evaluator
	Behaviors  *behavior.Analyzer
	Principals principal.Store
	Requests   request.Store
	Outcomes   policy.OutcomeStore
	Recorder   *audit.Recorder
	Bus        *eventbus.Bus
	Limits     *ratelimit.Guard
	Logger     logging.Logger
}

// Engine is the access decision engine. One Decide call runs one
// goroutine of scoring under the soft deadline; the engine itself is
// safe for concurrent use.
type Engine struct {
	policies   *policy.Engine
	devices    *device.Registry
	contexts   *contextual.Evaluator
	behaviors  *behavior.Analyzer
	principals principal.Store
	requests   request.Store
	outcomes   policy.OutcomeStore
	recorder   *audit.Recorder
	bus        *eventbus.Bus
	limits     *ratelimit.Guard
	logger     logging.Logger
	intents    *intent.Analyzer
	cfg        Config
	clock      func() time.Time

	mu         sync.Mutex
	ruleLimits map[string]*ratelimit.MemoryRateLimiter
}

// NewEngine creates a decision engine. Missing required dependencies are
// an error; optional ones are replaced with inert fallbacks.
func NewEngine(deps Deps, cfg Config) (*Engine, error) {
	switch {
	case deps.Policies == nil:
		return nil, stderrors.New("decision: policy engine is required")
	case deps.Principals == nil:
		return nil, stderrors.New("decision: principal store is required")
	case deps.Requests == nil:
		return nil, stderrors.New("decision: request store is required")
	case deps.Contexts == nil:
		return nil, stderrors.New("decision: contextual evaluator is required")
	case deps.Recorder == nil:
		return nil, stderrors.New("decision: audit recorder is required")
	}
	if cfg.AutoApproveThreshold <= 0 {
		cfg.AutoApproveThreshold = DefaultConfig().AutoApproveThreshold
	}
	if cfg.StepUpThreshold <= 0 {
		cfg.StepUpThreshold = DefaultConfig().StepUpThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return &Engine{
		policies:   deps.Policies,
		devices:    deps.Devices,
		contexts:   deps.Contexts,
		behaviors:  deps.Behaviors,
		principals: deps.Principals,
		requests:   deps.Requests,
		outcomes:   deps.Outcomes,
		recorder:   deps.Recorder,
		bus:        deps.Bus,
		limits:     deps.Limits,
		logger:     logger,
		intents:    intent.NewAnalyzer(),
		cfg:        cfg,
		clock:      time.Now,
		ruleLimits: make(map[string]*ratelimit.MemoryRateLimiter),
	}, nil
}

// Close releases the engine's per-rule limiters.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var last error
	for key, limiter := range e.ruleLimits {
		if err := limiter.Close(); err != nil {
			last = err
		}
		delete(e.ruleLimits, key)
	}
	return last
}

// Input carries one access request into the engine. The caller resolves
// everything that needs an outer system: client-collected device
// characteristics, network classification, project roster membership.
type Input struct {
	// PrincipalID is the requesting principal.
	PrincipalID string

	// Resource is the resource or segment being requested.
	Resource string

	// ResourceType is the resource's category, matched against policy
	// rules and carried into audit events.
	ResourceType string

	// ResourceDepartment is the resource's owning department, consulted
	// by the department_match check.
	ResourceDepartment string

	// IntentText is the stated purpose of the request.
	IntentText string

	// Duration is the requested grant duration. Zero uses the default.
	Duration time.Duration

	// Urgency defaults to medium when empty.
	Urgency request.Urgency

	// IP is the request source address.
	IP string

	// Device carries the requesting device's characteristics when the
	// client collected them. Nil scores the device component as unknown.
	Device *device.Characteristics

	// DeviceHealth is the device's posture for contextual scoring.
	DeviceHealth contextual.DeviceHealth

	// Network is the request's network classification.
	Network contextual.NetworkContext

	// Behavioral is the session's behavioral sample when collected.
	Behavioral *behavior.Sample

	// ProjectAuthorized is the caller-resolved project roster
	// membership, consulted by the project_authorization check.
	ProjectAuthorized bool
}

func (in *Input) normalize() error {
	if in.PrincipalID == "" {
		return errors.New(errors.ErrCodeValidationFailed,
			"principal ID is required",
			errors.GetSuggestion(errors.ErrCodeValidationFailed), nil)
	}
	if in.Resource == "" {
		return errors.New(errors.ErrCodeValidationFailed,
			"resource is required",
			errors.GetSuggestion(errors.ErrCodeValidationFailed), nil)
	}
	if in.IntentText == "" {
		return errors.New(errors.ErrCodeValidationFailed,
			"intent text is required",
			errors.GetSuggestion(errors.ErrCodeValidationFailed), nil)
	}
	if len(in.IntentText) > request.MaxIntentLength {
		return errors.New(errors.ErrCodeValidationFailed,
			"intent text exceeds the maximum length",
			errors.GetSuggestion(errors.ErrCodeValidationFailed), nil)
	}
	if in.Duration < 0 || in.Duration > request.MaxDuration {
		return errors.New(errors.ErrCodeDurationOutOfRange,
			"requested duration is out of range",
			errors.GetSuggestion(errors.ErrCodeDurationOutOfRange), nil)
	}
	if in.Duration == 0 {
		in.Duration = request.DefaultDuration
	}
	if in.Urgency == "" {
		in.Urgency = request.UrgencyMedium
	}
	if !in.Urgency.IsValid() {
		return errors.New(errors.ErrCodeValidationFailed,
			"unknown urgency",
			errors.GetSuggestion(errors.ErrCodeValidationFailed), nil)
	}
	if in.Device != nil {
		if err := in.Device.Validate(); err != nil {
			return errors.New(errors.ErrCodeValidationFailed,
				"invalid device characteristics",
				errors.GetSuggestion(errors.ErrCodeValidationFailed), err)
		}
	}
	return nil
}

// evaluation is the outcome of one scoring pass.
type evaluation struct {
	intent     *intent.Analysis
	verdict    *policy.Verdict
	context    *contextual.Evaluation
	behavior   *behavior.Analysis
	device     *device.ValidationResult
	breakdown  *request.ConfidenceBreakdown
	deviceID   string
	anomalous  bool
	decision   request.Decision
	denyCode   string
	denyReason string
}

type scoringResult struct {
	ev  *evaluation
	err error
}

// Decide runs one access request through the engine. The request is
// persisted before scoring starts, so an interrupted decision is visible
// as decision=error rather than lost. Scoring runs under the soft
// deadline: on timeout the request denies immediately and scoring
// completes in background so the audit trail carries the full breakdown.
func (e *Engine) Decide(ctx context.Context, input Input) (*request.AccessRequest, error) {
	started := time.Now()

	if err := input.normalize(); err != nil {
		return nil, err
	}
	if e.limits != nil {
		if err := e.limits.AllowAccess(ctx, input.PrincipalID); err != nil {
			return nil, err
		}
	}

	prin, err := e.principals.Get(ctx, input.PrincipalID)
	if err != nil {
		if stderrors.Is(err, principal.ErrPrincipalNotFound) {
			return nil, errors.NewNotFound("principal", input.PrincipalID)
		}
		return nil, err
	}

	now := e.clock()
	req := &request.AccessRequest{
		ID:                 request.NewRequestID(),
		PrincipalID:        prin.ID,
		RoleSnapshot:       prin.Role,
		DepartmentSnapshot: prin.Department,
		Resource:           input.Resource,
		ResourceType:       input.ResourceType,
		IntentText:         input.IntentText,
		Duration:           input.Duration,
		Urgency:            input.Urgency,
		IP:                 input.IP,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := e.requests.Create(ctx, req); err != nil {
		return nil, err
	}

	if !prin.Active {
		ev := &evaluation{
			decision:   request.DecisionDenied,
			denyCode:   errors.ErrCodePrincipalInactive,
			denyReason: "principal is deactivated",
		}
		return e.conclude(ctx, req, ev, started)
	}

	done := make(chan scoringResult, 1)
	scoringCtx, cancelScoring := context.WithTimeout(context.Background(), backgroundGrace)
	go func() {
		ev, evalErr := e.evaluate(scoringCtx, prin, input, now)
		done <- scoringResult{ev: ev, err: evalErr}
	}()

	timer := time.NewTimer(e.cfg.Timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		cancelScoring()
		if res.err != nil {
			e.concludeError(req)
			return nil, res.err
		}
		return e.conclude(ctx, req, res.ev, started)

	case <-timer.C:
		go e.completeLate(req.ID, done, cancelScoring)
		ev := &evaluation{
			decision:   request.DecisionDenied,
			denyCode:   errors.ErrCodeDecisionTimeout,
			denyReason: "decision timed out before scoring completed",
		}
		return e.conclude(ctx, req, ev, started)

	case <-ctx.Done():
		cancelScoring()
		go func() { <-done }()
		e.concludeError(req)
		return nil, ctx.Err()
	}
}

// evaluate runs the scoring pass: intent, policy verdict, contextual and
// behavioral signals, device validation, peer comparison, fusion, and
// band classification. Hard overrides (blocked device, policy denial,
// exhausted rule budget) decide before any confidence math.
func (e *Engine) evaluate(ctx context.Context, prin *principal.Principal, input Input, at time.Time) (*evaluation, error) {
	ev := &evaluation{}
	ev.intent = e.intents.Analyze(input.IntentText, input.Resource, prin.Role)

	ev.verdict = e.policies.Evaluate(policy.EvalInput{
		Resource:           input.Resource,
		Category:           input.ResourceType,
		Role:               prin.Role,
		Department:         prin.Department,
		ResourceDepartment: input.ResourceDepartment,
		IP:                 input.IP,
		ProjectAuthorized:  input.ProjectAuthorized,
		IntentScore:        ev.intent.Score,
		At:                 at,
	})

	ctxEval, err := e.contexts.Evaluate(ctx, contextual.Input{
		PrincipalID: prin.ID,
		Device:      input.DeviceHealth,
		Network:     input.Network,
		IP:          input.IP,
		At:          at,
	})
	if err != nil {
		return nil, err
	}
	ev.context = ctxEval

	if input.Device != nil && e.devices != nil {
		result, err := e.devices.Validate(ctx, prin.ID, *input.Device)
		if err != nil {
			return nil, err
		}
		ev.device = result
		ev.deviceID = result.DeviceID
	}

	if input.Behavioral != nil && e.behaviors != nil {
		analysis, err := e.behaviors.Analyze(ctx, prin.ID, *input.Behavioral)
		if err != nil {
			return nil, err
		}
		ev.behavior = analysis
	}

	// Hard overrides.
	if ev.device != nil && ev.device.Blocked {
		ev.decision = request.DecisionDenied
		ev.denyCode = errors.ErrCodeDeviceBlocked
		ev.denyReason = "requesting device is blocked"
		return ev, nil
	}
	if !ev.verdict.Allowed {
		ev.decision = request.DecisionDenied
		ev.denyCode = ev.verdict.DenyCode
		ev.denyReason = ev.verdict.DenyReason
		return ev, nil
	}
	if exhausted := e.chargeRuleBudget(ctx, prin.ID, ev.verdict); exhausted {
		ev.decision = request.DecisionDenied
		ev.denyCode = errors.ErrCodeRateLimitExceeded
		ev.denyReason = "per-rule request budget exhausted"
		return ev, nil
	}

	peer, err := e.peerScore(ctx, prin.Role, prin.Department, at)
	if err != nil {
		return nil, err
	}

	bd := &request.ConfidenceBreakdown{
		Device:        deviceComponent(ev.device),
		Behavioral:    behavioralComponent(ev.behavior),
		Peer:          peer,
		Temporal:      ev.context.Factors.Time,
		Historical:    ev.context.Factors.HistoricalTrust,
		Justification: ev.intent.Score,
		ML:            ev.verdict.Confidence,
	}
	ev.anomalous = (ev.behavior != nil && ev.behavior.IsAnomalous) || ev.context.ImpossibleTravel
	fuse(bd, ev.anomalous)
	ev.breakdown = bd

	ev.decision, ev.denyCode, ev.denyReason = Classify(bd.Final, ev.verdict, e.cfg)
	return ev, nil
}

// chargeRuleBudget enforces the deciding rule's optional rate budget.
// Returns true when the principal's budget for this rule is exhausted.
// Limiter outages fail open, matching the global guard.
func (e *Engine) chargeRuleBudget(ctx context.Context, principalID string, v *policy.Verdict) bool {
	if v.RateLimit == nil {
		return false
	}
	ruleKey := v.PolicyID + "/" + v.RuleName

	e.mu.Lock()
	limiter, ok := e.ruleLimits[ruleKey]
	if !ok {
		var err error
		limiter, err = ratelimit.NewMemoryRateLimiter(ratelimit.Config{
			RequestsPerWindow: v.RateLimit.Count,
			Window:            v.RateLimit.Window,
		})
		if err != nil {
			e.mu.Unlock()
			log.Printf("citadel: rule limiter setup failed for %s, allowing: %v", ruleKey, err)
			return false
		}
		e.ruleLimits[ruleKey] = limiter
	}
	e.mu.Unlock()

	allowed, _, err := limiter.Allow(ctx, ruleKey+"#"+principalID)
	if err != nil {
		log.Printf("citadel: rule limiter unavailable for %s, allowing: %v", ruleKey, err)
		return false
	}
	return !allowed
}

// conclude applies the evaluation to the request, persists it, appends
// the audit event, and fans out the best-effort side effects. The audit
// append is fail-closed: if it cannot be recorded, the decision reverts
// to error and the caller gets the failure.
func (e *Engine) conclude(ctx context.Context, req *request.AccessRequest, ev *evaluation, started time.Time) (*request.AccessRequest, error) {
	req.Decision = ev.decision
	req.DenialReason = ev.denyReason
	req.DeviceID = ev.deviceID
	if ev.breakdown != nil {
		req.Breakdown = ev.breakdown
		req.ConfidenceScore = ev.breakdown.Final
	}
	if ev.verdict != nil {
		req.PoliciesApplied = ev.verdict.PoliciesApplied
	}
	if req.Decision.Grants() {
		req.ExpiresAt = req.CreatedAt.Add(req.Duration)
	}
	if err := e.requests.Update(ctx, req); err != nil {
		return nil, err
	}

	if err := e.recordAudit(ctx, req, ev); err != nil {
		e.concludeError(req)
		return nil, err
	}

	e.publish(req, ev)
	e.recordOutcome(ctx, req, ev)
	e.recordHistory(ctx, req)
	e.logDecision(req, ev, started)

	return req, nil
}

// concludeError marks an interrupted request so the store never shows a
// silently dropped decision. Runs on its own context: the caller's may
// already be gone.
func (e *Engine) concludeError(req *request.AccessRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), backgroundGrace)
	defer cancel()

	req.Decision = request.DecisionError
	if req.DenialReason == "" {
		req.DenialReason = "decision could not be completed"
	}
	if err := e.requests.Update(ctx, req); err != nil {
		log.Printf("citadel: persisting interrupted decision %s: %v", req.ID, err)
	}
	if _, err := e.recorder.RecordDecision(ctx, req.PrincipalID, "access_request", req.Resource,
		req.IP, "", audit.ResultError, map[string]string{
			audit.DetailResourceType: req.ResourceType,
		}); err != nil {
		log.Printf("citadel: auditing interrupted decision %s: %v", req.ID, err)
	}
}

// completeLate waits for a timed-out scoring pass and folds the full
// breakdown back into the stored request and audit trail.
func (e *Engine) completeLate(requestID string, done <-chan scoringResult, cancel context.CancelFunc) {
	res := <-done
	cancel()
	if res.err != nil || res.ev == nil || res.ev.breakdown == nil {
		return
	}

	ctx, cancelCtx := context.WithTimeout(context.Background(), backgroundGrace)
	defer cancelCtx()

	req, err := e.requests.Get(ctx, requestID)
	if err != nil {
		return
	}
	req.Breakdown = res.ev.breakdown
	req.ConfidenceScore = res.ev.breakdown.Final
	req.DeviceID = res.ev.deviceID
	if err := e.requests.Update(ctx, req); err != nil {
		log.Printf("citadel: persisting late completion for %s: %v", requestID, err)
		return
	}

	details := map[string]string{
		audit.DetailResourceType: req.ResourceType,
		audit.DetailConfidence:   strconv.FormatFloat(req.ConfidenceScore, 'f', 2, 64),
		"late_completion":        "true",
	}
	if _, err := e.recorder.RecordDecision(ctx, req.PrincipalID, "access_request", req.Resource,
		req.IP, fingerprintHash(res.ev), audit.ResultDenied, details); err != nil {
		log.Printf("citadel: auditing late completion for %s: %v", requestID, err)
	}
}

func (e *Engine) recordAudit(ctx context.Context, req *request.AccessRequest, ev *evaluation) error {
	details := map[string]string{
		audit.DetailResourceType: req.ResourceType,
	}
	if ev.breakdown != nil {
		details[audit.DetailConfidence] = strconv.FormatFloat(req.ConfidenceScore, 'f', 2, 64)
	}
	if ev.denyCode != "" {
		details[audit.DetailDenyCode] = ev.denyCode
	}
	if ev.context != nil && ev.context.ImpossibleTravel {
		details[audit.DetailGeoAnomaly] = "true"
	}

	result := audit.ResultSuccess
	if req.Decision == request.DecisionDenied {
		result = audit.ResultDenied
	}

	_, err := e.recorder.RecordDecision(ctx, req.PrincipalID, "access_request", req.Resource,
		req.IP, fingerprintHash(ev), result, details)
	return err
}

func fingerprintHash(ev *evaluation) string {
	if ev == nil || ev.device == nil {
		return ""
	}
	return ev.device.FingerprintHash
}

func (e *Engine) publish(req *request.AccessRequest, ev *evaluation) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.TopicDecisionMade, req.PrincipalID, map[string]any{
		"request_id":       req.ID,
		"resource":         req.Resource,
		"resource_type":    req.ResourceType,
		"decision":         string(req.Decision),
		"confidence":       req.ConfidenceScore,
		"deny_code":        ev.denyCode,
		"device_id":        req.DeviceID,
		"fingerprint_hash": fingerprintHash(ev),
		"ip":               req.IP,
	})
}

// recordOutcome attributes the decision to the deciding policy for the
// adaptive engine. Pending decisions record nothing until resolved; a
// blocked device counts as a security incident.
func (e *Engine) recordOutcome(ctx context.Context, req *request.AccessRequest, ev *evaluation) {
	if e.outcomes == nil || ev.verdict == nil || ev.verdict.PolicyID == "" {
		return
	}

	var oc policy.Outcome
	switch {
	case req.Decision.Grants():
		oc = policy.OutcomeSuccess
	case req.Decision == request.DecisionDenied && ev.denyCode == errors.ErrCodeDeviceBlocked:
		oc = policy.OutcomeSecurityIncident
	case req.Decision == request.DecisionDenied:
		oc = policy.OutcomeDenied
	default:
		return
	}

	err := e.outcomes.Record(ctx, &policy.PolicyOutcome{
		ID:          policy.NewOutcomeID(),
		PolicyID:    ev.verdict.PolicyID,
		PrincipalID: req.PrincipalID,
		Resource:    req.Resource,
		Outcome:     oc,
		Confidence:  req.ConfidenceScore,
		Timestamp:   req.CreatedAt,
	})
	if err != nil {
		log.Printf("citadel: recording policy outcome for %s: %v", req.ID, err)
	}
}

// recordHistory feeds the contextual access history. Pending and error
// decisions teach nothing; grants and denials do.
func (e *Engine) recordHistory(ctx context.Context, req *request.AccessRequest) {
	var success bool
	switch {
	case req.Decision.Grants():
		success = true
	case req.Decision == request.DecisionDenied:
		success = false
	default:
		return
	}
	if err := e.contexts.Record(ctx, req.PrincipalID, req.CreatedAt, req.IP, success); err != nil {
		log.Printf("citadel: recording access history for %s: %v", req.PrincipalID, err)
	}
}

func (e *Engine) logDecision(req *request.AccessRequest, ev *evaluation, started time.Time) {
	entry := logging.NewDecisionLogEntry(req.ID, req.PrincipalID, req.RoleSnapshot.String(),
		req.Resource, string(req.Decision), req.ConfidenceScore)
	entry.PoliciesApplied = req.PoliciesApplied
	entry.DenialCode = ev.denyCode
	entry.DenialReason = req.DenialReason
	entry.AnomalyDetected = ev.anomalous
	entry.TimedOut = ev.denyCode == errors.ErrCodeDecisionTimeout
	entry.EvaluationMillis = time.Since(started).Milliseconds()
	entry.DeviceID = req.DeviceID
	if ev.device != nil {
		entry.DeviceSimilarity = ev.device.Similarity
	}
	if ev.intent != nil {
		entry.IntentScore = ev.intent.Score
	}
	if ev.context != nil {
		entry.ContextScore = ev.context.Score
	}
	if ev.breakdown != nil {
		entry.ConfidenceBreakdown = map[string]float64{
			"device":        ev.breakdown.Device,
			"behavioral":    ev.breakdown.Behavioral,
			"peer":          ev.breakdown.Peer,
			"temporal":      ev.breakdown.Temporal,
			"historical":    ev.breakdown.Historical,
			"justification": ev.breakdown.Justification,
			"ml":            ev.breakdown.ML,
			"raw":           ev.breakdown.Raw,
		}
	}
	e.logger.LogDecision(entry)
}
