package breakglass

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// PhaseDurations splits the session into the three incident phases:
// initial covers activation until the first activity, response covers
// first activity until the situation turned critical, and critical covers
// the rest. With no critical activity the critical phase is zero; with no
// activity at all the whole session is initial.
type PhaseDurations struct {
	Initial  time.Duration `json:"initial"`
	Response time.Duration `json:"response"`
	Critical time.Duration `json:"critical"`
}

// ComplianceFlags marks regulatory regimes the incident touched, inferred
// from the resources and data accessed during the session.
type ComplianceFlags struct {
	// GDPR is set when personal data appears to have been accessed.
	GDPR bool `json:"gdpr"`

	// HIPAA is set when health data appears to have been accessed.
	HIPAA bool `json:"hipaa"`
}

// IncidentReport is the mandatory post-incident record generated when an
// emergency session ends.
type IncidentReport struct {
	// ID is the unique report identifier (16 lowercase hex chars).
	ID string `json:"id"`

	// RequestID links back to the emergency request.
	RequestID string `json:"request_id"`

	// SessionID links back to the emergency session.
	SessionID string `json:"session_id"`

	// EmergencyType is carried from the request for standalone reading.
	EmergencyType EmergencyType `json:"emergency_type"`

	// GeneratedAt is when the report was produced.
	GeneratedAt time.Time `json:"generated_at"`

	// Timeline is the full activity capture in chronological order.
	Timeline []Activity `json:"timeline"`

	// Phases is the per-phase duration breakdown.
	Phases PhaseDurations `json:"phases"`

	// ImpactedSystems lists the distinct resources touched.
	ImpactedSystems []string `json:"impacted_systems"`

	// ImpactedPrincipals lists everyone involved: requester and
	// approvers.
	ImpactedPrincipals []string `json:"impacted_principals"`

	// Compliance marks regulatory regimes inferred from the session.
	Compliance ComplianceFlags `json:"compliance"`

	// Recommendations are follow-up actions derived from what the
	// session did.
	Recommendations []string `json:"recommendations"`

	// LessonsLearned summarize the incident for the review meeting.
	LessonsLearned []string `json:"lessons_learned"`
}

// Resource and data markers that flag compliance regimes. Substring match
// against lowercased resource names and data descriptions.
var (
	gdprMarkers  = []string{"personal", "pii", "gdpr", "user_data", "profile", "email", "student_records"}
	hipaaMarkers = []string{"health", "medical", "patient", "hipaa", "phi", "clinical"}
)

// BuildReport assembles the post-incident report for an ended session. It
// is pure: the caller persists the result and cross-links it from the
// request.
func BuildReport(req *EmergencyRequest, sess *EmergencySession, generatedAt time.Time) *IncidentReport {
	timeline := make([]Activity, len(sess.Activities))
	copy(timeline, sess.Activities)
	sort.SliceStable(timeline, func(i, j int) bool {
		return timeline[i].At.Before(timeline[j].At)
	})

	report := &IncidentReport{
		ID:                 NewEmergencyID(),
		RequestID:          req.ID,
		SessionID:          sess.ID,
		EmergencyType:      req.EmergencyType,
		GeneratedAt:        generatedAt,
		Timeline:           timeline,
		Phases:             phaseDurations(sess, timeline),
		ImpactedSystems:    impactedSystems(timeline),
		ImpactedPrincipals: impactedPrincipals(req),
		Compliance:         inferCompliance(timeline),
	}
	report.Recommendations = recommendations(req, timeline, report.Compliance)
	report.LessonsLearned = lessonsLearned(req, sess, timeline)
	return report
}

func phaseDurations(sess *EmergencySession, timeline []Activity) PhaseDurations {
	end := sess.EndedAt
	if end.IsZero() {
		end = sess.ExpiresAt
	}

	if len(timeline) == 0 {
		return PhaseDurations{Initial: end.Sub(sess.StartedAt)}
	}

	firstActivity := timeline[0].At
	firstCritical := time.Time{}
	for _, act := range timeline {
		if act.RiskScore >= CriticalRiskScore {
			firstCritical = act.At
			break
		}
	}

	phases := PhaseDurations{Initial: firstActivity.Sub(sess.StartedAt)}
	if firstCritical.IsZero() {
		phases.Response = end.Sub(firstActivity)
		return phases
	}
	phases.Response = firstCritical.Sub(firstActivity)
	phases.Critical = end.Sub(firstCritical)
	return phases
}

func impactedSystems(timeline []Activity) []string {
	seen := make(map[string]bool)
	systems := make([]string, 0, len(timeline))
	for _, act := range timeline {
		if act.Resource == "" || seen[act.Resource] {
			continue
		}
		seen[act.Resource] = true
		systems = append(systems, act.Resource)
	}
	sort.Strings(systems)
	return systems
}

func impactedPrincipals(req *EmergencyRequest) []string {
	seen := map[string]bool{req.RequesterID: true}
	principals := []string{req.RequesterID}
	for _, d := range req.Approvals {
		if !seen[d.ApproverID] {
			seen[d.ApproverID] = true
			principals = append(principals, d.ApproverID)
		}
	}
	return principals
}

func inferCompliance(timeline []Activity) ComplianceFlags {
	var flags ComplianceFlags
	for _, act := range timeline {
		touched := strings.ToLower(act.Resource + " " + act.DataAccessed)
		if !flags.GDPR && containsAny(touched, gdprMarkers) {
			flags.GDPR = true
		}
		if !flags.HIPAA && containsAny(touched, hipaaMarkers) {
			flags.HIPAA = true
		}
		if flags.GDPR && flags.HIPAA {
			break
		}
	}
	return flags
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func recommendations(req *EmergencyRequest, timeline []Activity, flags ComplianceFlags) []string {
	recs := []string{
		"Review the activity timeline with the requester within 48 hours.",
	}

	failures, highRisk := 0, 0
	for _, act := range timeline {
		if act.Result != "success" {
			failures++
		}
		if act.RiskScore >= CriticalRiskScore {
			highRisk++
		}
	}
	if highRisk > 0 {
		recs = append(recs, fmt.Sprintf(
			"Audit the %d high-risk activities and confirm each was necessary for the %s.",
			highRisk, req.EmergencyType))
	}
	if failures > 0 {
		recs = append(recs, fmt.Sprintf(
			"Investigate the %d failed or denied commands for signs of over-reach.", failures))
	}
	if flags.GDPR {
		recs = append(recs, "Notify the data-protection officer: personal data was accessed under emergency powers.")
	}
	if flags.HIPAA {
		recs = append(recs, "Notify the compliance office: health data was accessed under emergency powers.")
	}
	if len(timeline) == 0 {
		recs = append(recs, "No activity was recorded; confirm the emergency access was actually needed.")
	}
	return recs
}

func lessonsLearned(req *EmergencyRequest, sess *EmergencySession, timeline []Activity) []string {
	lessons := []string{
		fmt.Sprintf("Emergency %s declared as %s urgency required %d resources.",
			req.EmergencyType, req.Urgency, len(req.RequiredResources)),
	}

	end := sess.EndedAt
	if end.IsZero() {
		end = sess.ExpiresAt
	}
	used := end.Sub(sess.StartedAt)
	if used < req.EstimatedDuration/2 {
		lessons = append(lessons,
			"The session used less than half its estimated duration; consider shorter estimates.")
	}
	if sess.Status == SessionExpired && len(timeline) > 0 {
		lessons = append(lessons,
			"The session ran to expiry instead of being closed; remind requesters to close early when done.")
	}

	unplanned := 0
	planned := make(map[string]bool, len(req.RequiredResources))
	for _, r := range req.RequiredResources {
		planned[r] = true
	}
	for _, sys := range impactedSystems(timeline) {
		if !planned[sys] {
			unplanned++
		}
	}
	if unplanned > 0 {
		lessons = append(lessons, fmt.Sprintf(
			"%d resources outside the declared set were touched; tighten scoping at submission.", unplanned))
	}
	return lessons
}
