// Package policy defines Citadel's access control policy schema and the
// evaluation engine behind every access decision. Policies contain ordered
// rules keyed by resource type; the highest-priority matching rule decides
// the verdict, with ties resolved by creation time (older first).
//
// Policies live in a store and are served to the decision path through
// immutable snapshots swapped atomically, so evaluation never observes a
// half-applied policy change.
package policy

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/citadelzt/citadel/principal"
)

// BaseRuleWeight scales a matched rule's candidate confidence. The intent
// score fraction multiplies this weight, so candidate confidence stays in
// [0,100].
const BaseRuleWeight = 100.0

// MinConfidence bounds for rule thresholds.
const (
	MinConfidenceFloor = 0.0
	MinConfidenceCeil  = 100.0
)

// Check names an additional predicate a rule may require beyond role and
// time gates.
type Check string

const (
	// CheckDepartmentMatch requires the principal's department to equal
	// the resource's owning department.
	CheckDepartmentMatch Check = "department_match"
	// CheckIPWhitelist requires the request address to fall inside the
	// rule's allowed CIDR ranges.
	CheckIPWhitelist Check = "ip_whitelist"
	// CheckProjectAuthorization requires the caller-resolved project
	// roster to include the principal.
	CheckProjectAuthorization Check = "project_authorization"
)

// IsValid returns true if the Check is a known value.
func (c Check) IsValid() bool {
	switch c {
	case CheckDepartmentMatch, CheckIPWhitelist, CheckProjectAuthorization:
		return true
	}
	return false
}

// String returns the string representation of the Check.
func (c Check) String() string {
	return string(c)
}

// AllChecks returns all valid check values.
func AllChecks() []Check {
	return []Check{CheckDepartmentMatch, CheckIPWhitelist, CheckProjectAuthorization}
}

// Weekday represents a day of the week.
// Days are specified as lowercase strings (monday, tuesday, etc.).
type Weekday string

const (
	// Monday represents Monday.
	Monday Weekday = "monday"
	// Tuesday represents Tuesday.
	Tuesday Weekday = "tuesday"
	// Wednesday represents Wednesday.
	Wednesday Weekday = "wednesday"
	// Thursday represents Thursday.
	Thursday Weekday = "thursday"
	// Friday represents Friday.
	Friday Weekday = "friday"
	// Saturday represents Saturday.
	Saturday Weekday = "saturday"
	// Sunday represents Sunday.
	Sunday Weekday = "sunday"
)

// IsValid returns true if the Weekday is a known value.
func (w Weekday) IsValid() bool {
	switch w {
	case Monday, Tuesday, Wednesday, Thursday, Friday, Saturday, Sunday:
		return true
	}
	return false
}

// String returns the string representation of the Weekday.
func (w Weekday) String() string {
	return string(w)
}

// AllWeekdays returns all valid weekday values.
func AllWeekdays() []Weekday {
	return []Weekday{Monday, Tuesday, Wednesday, Thursday, Friday, Saturday, Sunday}
}

// goWeekdays maps time.Weekday to the policy weekday vocabulary.
var goWeekdays = map[time.Weekday]Weekday{
	time.Monday:    Monday,
	time.Tuesday:   Tuesday,
	time.Wednesday: Wednesday,
	time.Thursday:  Thursday,
	time.Friday:    Friday,
	time.Saturday:  Saturday,
	time.Sunday:    Sunday,
}

// TimeRestrictions limits when a rule grants access. Hours are in the
// restriction's timezone (IANA name, default UTC). StartHour is inclusive
// and EndHour exclusive; a window with EndHour <= StartHour wraps past
// midnight. An empty weekday list allows all days.
type TimeRestrictions struct {
	StartHour int       `yaml:"start_hour" json:"start_hour"`
	EndHour   int       `yaml:"end_hour" json:"end_hour"`
	Weekdays  []Weekday `yaml:"weekdays,omitempty" json:"weekdays,omitempty"`
	Timezone  string    `yaml:"timezone,omitempty" json:"timezone,omitempty"`
}

// Validate checks hour bounds and weekday names.
func (t *TimeRestrictions) Validate() error {
	if t.StartHour < 0 || t.StartHour > 23 {
		return fmt.Errorf("start_hour must be in 0..23, got %d", t.StartHour)
	}
	if t.EndHour < 0 || t.EndHour > 24 {
		return fmt.Errorf("end_hour must be in 0..24, got %d", t.EndHour)
	}
	for _, d := range t.Weekdays {
		if !d.IsValid() {
			return fmt.Errorf("invalid weekday %q", d)
		}
	}
	if t.Timezone != "" {
		if _, err := time.LoadLocation(t.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", t.Timezone, err)
		}
	}
	return nil
}

// Allows reports whether the restriction permits access at the given time.
func (t *TimeRestrictions) Allows(at time.Time) bool {
	loc := time.UTC
	if t.Timezone != "" {
		if l, err := time.LoadLocation(t.Timezone); err == nil {
			loc = l
		}
	}
	local := at.In(loc)

	if len(t.Weekdays) > 0 {
		day := goWeekdays[local.Weekday()]
		found := false
		for _, d := range t.Weekdays {
			if d == day {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	hour := local.Hour()
	if t.StartHour == t.EndHour {
		// Degenerate window: treat as all-day.
		return true
	}
	if t.StartHour < t.EndHour {
		return hour >= t.StartHour && hour < t.EndHour
	}
	// Wraps past midnight.
	return hour >= t.StartHour || hour < t.EndHour
}

// RateLimitSpec is an optional per-rule request budget, counted per
// principal over a sliding window. Enforced by the decision engine on top
// of the global principal budgets.
type RateLimitSpec struct {
	Count  int           `yaml:"count" json:"count"`
	Window time.Duration `yaml:"window" json:"window"`
}

// Validate checks the spec is enforceable.
func (r *RateLimitSpec) Validate() error {
	if r.Count < 1 {
		return fmt.Errorf("rate_limit count must be positive, got %d", r.Count)
	}
	if r.Window <= 0 {
		return fmt.Errorf("rate_limit window must be positive, got %s", r.Window)
	}
	return nil
}

// Rule is one access control rule inside a policy. Within a policy, the
// first rule whose resource type matches the request decides.
type Rule struct {
	// Name identifies the rule for logging and adjustment tracking.
	Name string `yaml:"name" json:"name"`

	// ResourceType names the resource or category this rule covers.
	// "*" matches every resource.
	ResourceType string `yaml:"resource_type" json:"resource_type"`

	// AllowedRoles lists roles the rule admits. Empty admits all roles.
	AllowedRoles []principal.Role `yaml:"allowed_roles,omitempty" json:"allowed_roles,omitempty"`

	// MinConfidence raises the auto-approve bar for this rule above the
	// global threshold, in [0,100].
	MinConfidence float64 `yaml:"min_confidence" json:"min_confidence"`

	// MFARequired forces granted decisions through MFA even above the
	// auto-approve threshold.
	MFARequired bool `yaml:"mfa_required" json:"mfa_required"`

	// ForbidStepUp removes the MFA fallback for mid-confidence requests:
	// they go to pending_approval instead of granted_with_mfa.
	ForbidStepUp bool `yaml:"forbid_step_up,omitempty" json:"forbid_step_up,omitempty"`

	// TimeRestrictions limits when the rule grants. Nil means any time.
	TimeRestrictions *TimeRestrictions `yaml:"time_restrictions,omitempty" json:"time_restrictions,omitempty"`

	// AdditionalChecks are named predicates that must all pass.
	AdditionalChecks []Check `yaml:"additional_checks,omitempty" json:"additional_checks,omitempty"`

	// IPWhitelist holds the CIDR ranges for the ip_whitelist check.
	IPWhitelist []string `yaml:"ip_whitelist,omitempty" json:"ip_whitelist,omitempty"`

	// RateLimit is an optional per-rule budget. Nil means no rule budget.
	RateLimit *RateLimitSpec `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
}

// Validate checks the rule is well-formed.
func (r *Rule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("rule name is required")
	}
	if strings.TrimSpace(r.ResourceType) == "" {
		return fmt.Errorf("rule %q: resource_type is required", r.Name)
	}
	for _, role := range r.AllowedRoles {
		if !role.IsValid() {
			return fmt.Errorf("rule %q: invalid role %q", r.Name, role)
		}
	}
	if r.MinConfidence < MinConfidenceFloor || r.MinConfidence > MinConfidenceCeil {
		return fmt.Errorf("rule %q: min_confidence must be in [0,100], got %g", r.Name, r.MinConfidence)
	}
	if r.TimeRestrictions != nil {
		if err := r.TimeRestrictions.Validate(); err != nil {
			return fmt.Errorf("rule %q: %w", r.Name, err)
		}
	}
	whitelisted := false
	for _, c := range r.AdditionalChecks {
		if !c.IsValid() {
			return fmt.Errorf("rule %q: unknown additional check %q", r.Name, c)
		}
		if c == CheckIPWhitelist {
			whitelisted = true
		}
	}
	if whitelisted && len(r.IPWhitelist) == 0 {
		return fmt.Errorf("rule %q: ip_whitelist check requires at least one CIDR", r.Name)
	}
	for _, cidr := range r.IPWhitelist {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("rule %q: invalid CIDR %q", r.Name, cidr)
		}
	}
	if r.RateLimit != nil {
		if err := r.RateLimit.Validate(); err != nil {
			return fmt.Errorf("rule %q: %w", r.Name, err)
		}
	}
	return nil
}

// Matches reports whether this rule covers the resource or its category.
func (r *Rule) Matches(resource, category string) bool {
	if r.ResourceType == "*" {
		return true
	}
	rt := strings.ToLower(r.ResourceType)
	return rt == strings.ToLower(resource) || (category != "" && rt == strings.ToLower(category))
}

// Policy is the top-level container for access rules.
type Policy struct {
	// ID is the unique policy identifier (16 lowercase hex chars).
	ID string `yaml:"id" json:"id"`

	// Name is the human-readable policy name.
	Name string `yaml:"name" json:"name"`

	// Priority orders evaluation; higher priorities are consulted first.
	// Ties resolve by CreatedAt, older first.
	Priority int `yaml:"priority" json:"priority"`

	// Active policies participate in evaluation; inactive ones are kept
	// for history and rollback.
	Active bool `yaml:"active" json:"active"`

	// CreatedBy is the administrator who created the policy.
	CreatedBy string `yaml:"created_by" json:"created_by"`

	// EffectivenessScore is the adaptive engine's empirical score in
	// [0,1]: success rate minus twice the incident rate, clamped.
	EffectivenessScore float64 `yaml:"effectiveness_score" json:"effectiveness_score"`

	// Rules are evaluated in order; the first resource-type match decides.
	Rules []Rule `yaml:"rules" json:"rules"`

	// CreatedAt orders equal-priority policies.
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`

	// UpdatedAt is when the record was last modified (optimistic locking).
	UpdatedAt time.Time `yaml:"updated_at" json:"updated_at"`
}

// policyIDRegex matches valid policy IDs (16 lowercase hex chars).
var policyIDRegex = regexp.MustCompile(`^[0-9a-f]{16}$`)

// NewPolicyID generates a new 16-character lowercase hex policy ID.
// It uses crypto/rand for cryptographic randomness.
func NewPolicyID() string {
	bytes := make([]byte, 8)
	_, err := rand.Read(bytes)
	if err != nil {
		// This should never happen with crypto/rand.
		// Fall back to zeros rather than panic.
		return "0000000000000000"
	}
	return hex.EncodeToString(bytes)
}

// ValidatePolicyID checks if the given string is a valid policy ID.
func ValidatePolicyID(id string) bool {
	return policyIDRegex.MatchString(id)
}

// Validate checks that the policy record is well-formed.
func (p *Policy) Validate() error {
	if !ValidatePolicyID(p.ID) {
		return fmt.Errorf("invalid policy ID: %q", p.ID)
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("policy name is required")
	}
	if p.EffectivenessScore < 0 || p.EffectivenessScore > 1 {
		return fmt.Errorf("effectiveness_score must be in [0,1], got %g", p.EffectivenessScore)
	}
	if len(p.Rules) == 0 {
		return fmt.Errorf("policy %q: at least one rule is required", p.Name)
	}
	for i := range p.Rules {
		if err := p.Rules[i].Validate(); err != nil {
			return fmt.Errorf("policy %q: %w", p.Name, err)
		}
	}
	if p.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}

// FirstMatchingRule returns the first rule covering the resource or its
// category, or nil when no rule matches.
func (p *Policy) FirstMatchingRule(resource, category string) *Rule {
	for i := range p.Rules {
		if p.Rules[i].Matches(resource, category) {
			return &p.Rules[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the policy.
func (p *Policy) Clone() *Policy {
	out := *p
	out.Rules = CloneRules(p.Rules)
	return &out
}

// CloneRules deep-copies a rule slice. Used by snapshots and by the
// adaptive engine's rollback records.
func CloneRules(rules []Rule) []Rule {
	if rules == nil {
		return nil
	}
	out := make([]Rule, len(rules))
	for i, r := range rules {
		out[i] = r
		out[i].AllowedRoles = append([]principal.Role(nil), r.AllowedRoles...)
		out[i].AdditionalChecks = append([]Check(nil), r.AdditionalChecks...)
		out[i].IPWhitelist = append([]string(nil), r.IPWhitelist...)
		if r.TimeRestrictions != nil {
			tr := *r.TimeRestrictions
			tr.Weekdays = append([]Weekday(nil), r.TimeRestrictions.Weekdays...)
			out[i].TimeRestrictions = &tr
		}
		if r.RateLimit != nil {
			rl := *r.RateLimit
			out[i].RateLimit = &rl
		}
	}
	return out
}
