package policy

import (
	"net"
	"time"

	"github.com/citadelzt/citadel/errors"
	"github.com/citadelzt/citadel/principal"
)

// EvalInput carries one request through policy evaluation. All fields
// are resolved by the caller; evaluation itself is pure and synchronous.
type EvalInput struct {
	// Resource is the requested resource or segment name.
	Resource string

	// Category is the resource's parent category, when known. A rule
	// matching the category covers the resource.
	Category string

	// Role is the requesting principal's role snapshot.
	Role principal.Role

	// Department is the principal's department.
	Department string

	// ResourceDepartment is the resource's owning department, consulted
	// by the department_match check.
	ResourceDepartment string

	// IP is the request source address, consulted by the ip_whitelist
	// check.
	IP string

	// ProjectAuthorized is the caller-resolved project roster
	// membership, consulted by the project_authorization check.
	ProjectAuthorized bool

	// IntentScore is the justification quality in [0,100], scaling the
	// candidate confidence.
	IntentScore float64

	// At is the evaluation time for time restrictions.
	At time.Time
}

// Verdict is the outcome of policy evaluation for one request.
type Verdict struct {
	// Matched is false when no active policy covers the resource.
	// Unmatched resources are denied by default.
	Matched bool `json:"matched"`

	// Allowed is true when the deciding rule admits the request. The
	// decision engine still applies confidence boundaries on top.
	Allowed bool `json:"allowed"`

	// DenyCode is the stable error code when the verdict denies.
	DenyCode string `json:"deny_code,omitempty"`

	// DenyReason is the human-readable denial explanation.
	DenyReason string `json:"deny_reason,omitempty"`

	// PolicyID and PolicyName identify the deciding policy.
	PolicyID   string `json:"policy_id,omitempty"`
	PolicyName string `json:"policy_name,omitempty"`

	// RuleName identifies the deciding rule inside the policy.
	RuleName string `json:"rule_name,omitempty"`

	// Confidence is the candidate confidence contributed by the deciding
	// rule: min(1, intent/100) * BaseRuleWeight, in [0,100].
	Confidence float64 `json:"confidence"`

	// MFARequired carries the deciding rule's MFA mandate.
	MFARequired bool `json:"mfa_required"`

	// ForbidStepUp carries the deciding rule's mid-band behavior: true
	// sends mid-confidence requests to pending_approval.
	ForbidStepUp bool `json:"forbid_step_up,omitempty"`

	// MinConfidence is the deciding rule's auto-approve bar.
	MinConfidence float64 `json:"min_confidence"`

	// RateLimit is the deciding rule's optional per-rule budget, for the
	// decision engine to enforce.
	RateLimit *RateLimitSpec `json:"rate_limit,omitempty"`

	// PoliciesApplied lists the IDs of policies that produced the
	// verdict, deciding policy first.
	PoliciesApplied []string `json:"policies_applied,omitempty"`
}

// Engine evaluates requests against the table's current snapshot.
type Engine struct {
	table *Table
}

// NewEngine creates an evaluation engine over the given table.
func NewEngine(table *Table) *Engine {
	return &Engine{table: table}
}

// Evaluate walks the snapshot's policies in order. For each candidate
// whose rules cover the resource, the first matching rule produces a
// verdict; the first non-deny verdict decides. If every candidate
// denies, the first denial wins. No candidates at all is a default deny.
func (e *Engine) Evaluate(input EvalInput) *Verdict {
	return EvaluateSnapshot(e.table.Current(), input)
}

// EvaluateSnapshot evaluates against an explicit snapshot. The adaptive
// engine uses this to replay a window under proposed rule changes.
func EvaluateSnapshot(snapshot *Snapshot, input EvalInput) *Verdict {
	var firstDeny *Verdict

	for _, p := range snapshot.Policies() {
		rule := p.FirstMatchingRule(input.Resource, input.Category)
		if rule == nil {
			continue
		}

		v := evaluateRule(p, rule, input)
		if v.Allowed {
			return v
		}
		if firstDeny == nil {
			firstDeny = v
		}
	}

	if firstDeny != nil {
		return firstDeny
	}

	return &Verdict{
		Matched:    false,
		Allowed:    false,
		DenyCode:   errors.ErrCodeNoMatchingPolicy,
		DenyReason: "no active policy covers this resource",
	}
}

// evaluateRule applies the role, time, and additional-check gates in
// order and returns the rule's verdict.
func evaluateRule(p *Policy, rule *Rule, input EvalInput) *Verdict {
	v := &Verdict{
		Matched:         true,
		PolicyID:        p.ID,
		PolicyName:      p.Name,
		RuleName:        rule.Name,
		MFARequired:     rule.MFARequired,
		ForbidStepUp:    rule.ForbidStepUp,
		MinConfidence:   rule.MinConfidence,
		PoliciesApplied: []string{p.ID},
	}
	if rule.RateLimit != nil {
		rl := *rule.RateLimit
		v.RateLimit = &rl
	}

	if len(rule.AllowedRoles) > 0 && !roleAllowed(rule.AllowedRoles, input.Role) {
		v.DenyCode = errors.ErrCodeRoleNotAllowed
		v.DenyReason = "role " + input.Role.String() + " is not allowed for " + rule.ResourceType
		return v
	}

	if rule.TimeRestrictions != nil && !rule.TimeRestrictions.Allows(input.At) {
		v.DenyCode = errors.ErrCodeTimeRestricted
		v.DenyReason = "access to " + rule.ResourceType + " is outside the allowed window"
		return v
	}

	for _, check := range rule.AdditionalChecks {
		if code, reason := runCheck(check, rule, input); code != "" {
			v.DenyCode = code
			v.DenyReason = reason
			return v
		}
	}

	v.Allowed = true
	v.Confidence = candidateConfidence(input.IntentScore)
	return v
}

// candidateConfidence scales the base rule weight by the intent score
// fraction, clamped so a runaway intent score cannot exceed the weight.
func candidateConfidence(intentScore float64) float64 {
	fraction := intentScore / 100
	if fraction > 1 {
		fraction = 1
	}
	if fraction < 0 {
		fraction = 0
	}
	return fraction * BaseRuleWeight
}

func roleAllowed(allowed []principal.Role, role principal.Role) bool {
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}

// runCheck evaluates one named predicate. Returns an empty code when the
// check passes.
func runCheck(check Check, rule *Rule, input EvalInput) (code, reason string) {
	switch check {
	case CheckDepartmentMatch:
		if input.Department == "" || input.Department != input.ResourceDepartment {
			return errors.ErrCodeDepartmentMismatch,
				"resource is restricted to department " + input.ResourceDepartment
		}
	case CheckIPWhitelist:
		if !ipWhitelisted(rule.IPWhitelist, input.IP) {
			return errors.ErrCodeIPNotWhitelisted,
				"address " + input.IP + " is outside the allowed ranges"
		}
	case CheckProjectAuthorization:
		if !input.ProjectAuthorized {
			return errors.ErrCodeProjectNotAuthorized,
				"principal is not on the project authorization roster"
		}
	}
	return "", ""
}

// ipWhitelisted reports whether ip falls inside any of the CIDR ranges.
// Unparseable addresses and ranges never match.
func ipWhitelisted(cidrs []string, ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if network.Contains(parsed) {
			return true
		}
	}
	return false
}
