package breakglass

import (
	"strings"
	"testing"
	"time"
)

func reportFixture() (*EmergencyRequest, *EmergencySession, time.Time) {
	started := time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC)
	req := &EmergencyRequest{
		ID:                "00000000000000e1",
		RequesterID:       "00000000000000aa",
		EmergencyType:     TypeSystemOutage,
		Urgency:           UrgencyCritical,
		RequiredResources: []string{"db-primary"},
		EstimatedDuration: 90 * time.Minute,
		Status:            StatusCompleted,
		Approvals: []ApprovalDecision{
			{ApproverID: "00000000000000a1", Approved: true, At: started},
			{ApproverID: "00000000000000a2", Approved: true, At: started},
		},
	}
	sess := &EmergencySession{
		ID:          "00000000000000f1",
		RequestID:   req.ID,
		PrincipalID: req.RequesterID,
		Status:      SessionCompleted,
		StartedAt:   started,
		ExpiresAt:   started.Add(90 * time.Minute),
		EndedAt:     started.Add(60 * time.Minute),
		Activities: []Activity{
			{Command: "status", Resource: "db-primary", Result: "success", RiskScore: 10, At: started.Add(5 * time.Minute)},
			{Command: "failover", Resource: "db-primary", Result: "success", RiskScore: 80, At: started.Add(20 * time.Minute)},
			{Command: "verify", Resource: "db-replica", Result: "failure", RiskScore: 30, At: started.Add(40 * time.Minute)},
		},
	}
	return req, sess, started.Add(61 * time.Minute)
}

func TestBuildReportPhases(t *testing.T) {
	req, sess, generatedAt := reportFixture()
	report := BuildReport(req, sess, generatedAt)

	if !ValidateEmergencyID(report.ID) {
		t.Errorf("report ID %q is not a valid emergency ID", report.ID)
	}
	if report.RequestID != req.ID || report.SessionID != sess.ID {
		t.Errorf("report links = (%q, %q), want (%q, %q)", report.RequestID, report.SessionID, req.ID, sess.ID)
	}

	// Initial: activation to first activity. Response: first activity to
	// first critical-risk activity. Critical: first critical activity to
	// session end.
	if report.Phases.Initial != 5*time.Minute {
		t.Errorf("Phases.Initial = %v, want 5m", report.Phases.Initial)
	}
	if report.Phases.Response != 15*time.Minute {
		t.Errorf("Phases.Response = %v, want 15m", report.Phases.Response)
	}
	if report.Phases.Critical != 40*time.Minute {
		t.Errorf("Phases.Critical = %v, want 40m", report.Phases.Critical)
	}
}

func TestBuildReportWithoutCriticalActivity(t *testing.T) {
	req, sess, generatedAt := reportFixture()
	for i := range sess.Activities {
		sess.Activities[i].RiskScore = 10
	}
	report := BuildReport(req, sess, generatedAt)

	if report.Phases.Critical != 0 {
		t.Errorf("Phases.Critical = %v, want 0 with no critical activity", report.Phases.Critical)
	}
	// Response runs from first activity to session end.
	if report.Phases.Response != 55*time.Minute {
		t.Errorf("Phases.Response = %v, want 55m", report.Phases.Response)
	}
}

func TestBuildReportEmptyTimeline(t *testing.T) {
	req, sess, generatedAt := reportFixture()
	sess.Activities = nil
	report := BuildReport(req, sess, generatedAt)

	if report.Phases.Initial != 60*time.Minute {
		t.Errorf("Phases.Initial = %v, want the whole session", report.Phases.Initial)
	}
	if !hasRecommendation(report.Recommendations, "No activity was recorded") {
		t.Errorf("Recommendations = %v, want a no-activity challenge", report.Recommendations)
	}
}

func TestBuildReportImpact(t *testing.T) {
	req, sess, generatedAt := reportFixture()
	report := BuildReport(req, sess, generatedAt)

	wantSystems := []string{"db-primary", "db-replica"}
	if len(report.ImpactedSystems) != len(wantSystems) {
		t.Fatalf("ImpactedSystems = %v, want %v", report.ImpactedSystems, wantSystems)
	}
	for i, sys := range wantSystems {
		if report.ImpactedSystems[i] != sys {
			t.Errorf("ImpactedSystems[%d] = %q, want %q", i, report.ImpactedSystems[i], sys)
		}
	}

	wantPrincipals := []string{"00000000000000aa", "00000000000000a1", "00000000000000a2"}
	if len(report.ImpactedPrincipals) != len(wantPrincipals) {
		t.Fatalf("ImpactedPrincipals = %v, want %v", report.ImpactedPrincipals, wantPrincipals)
	}
	for i, p := range wantPrincipals {
		if report.ImpactedPrincipals[i] != p {
			t.Errorf("ImpactedPrincipals[%d] = %q, want %q", i, report.ImpactedPrincipals[i], p)
		}
	}
}

func TestBuildReportCompliance(t *testing.T) {
	req, sess, generatedAt := reportFixture()
	sess.Activities = append(sess.Activities,
		Activity{Command: "export", Resource: "student_records", DataAccessed: "email addresses", Result: "success", At: sess.StartedAt.Add(45 * time.Minute)},
		Activity{Command: "read", Resource: "clinic-db", DataAccessed: "patient charts", Result: "success", At: sess.StartedAt.Add(50 * time.Minute)},
	)
	report := BuildReport(req, sess, generatedAt)

	if !report.Compliance.GDPR {
		t.Error("Compliance.GDPR = false, want true after touching student records")
	}
	if !report.Compliance.HIPAA {
		t.Error("Compliance.HIPAA = false, want true after touching patient data")
	}
	if !hasRecommendation(report.Recommendations, "data-protection officer") {
		t.Errorf("Recommendations = %v, want a DPO notice", report.Recommendations)
	}
	if !hasRecommendation(report.Recommendations, "compliance office") {
		t.Errorf("Recommendations = %v, want a compliance-office notice", report.Recommendations)
	}
}

func TestBuildReportRecommendationsAndLessons(t *testing.T) {
	req, sess, generatedAt := reportFixture()
	report := BuildReport(req, sess, generatedAt)

	if !hasRecommendation(report.Recommendations, "within 48 hours") {
		t.Errorf("Recommendations = %v, want the 48-hour review", report.Recommendations)
	}
	if !hasRecommendation(report.Recommendations, "1 high-risk activities") {
		t.Errorf("Recommendations = %v, want a high-risk audit line", report.Recommendations)
	}
	if !hasRecommendation(report.Recommendations, "1 failed or denied") {
		t.Errorf("Recommendations = %v, want a failure investigation line", report.Recommendations)
	}

	// db-replica was touched but never declared.
	if !hasRecommendation(report.LessonsLearned, "outside the declared set") {
		t.Errorf("LessonsLearned = %v, want an unplanned-resource lesson", report.LessonsLearned)
	}
}

func TestBuildReportExpiredSessionLesson(t *testing.T) {
	req, sess, generatedAt := reportFixture()
	sess.Status = SessionExpired
	sess.EndedAt = time.Time{}
	report := BuildReport(req, sess, generatedAt)

	if !hasRecommendation(report.LessonsLearned, "ran to expiry") {
		t.Errorf("LessonsLearned = %v, want a close-early reminder", report.LessonsLearned)
	}
}

func hasRecommendation(list []string, substr string) bool {
	for _, s := range list {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
