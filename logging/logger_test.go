package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestJSONLoggerLogDecision(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf)

	entry := NewDecisionLogEntry("req1234567890abc", "p-1", "faculty", "library_database", "granted", 92.5)
	entry.PoliciesApplied = []string{"faculty-library-access"}
	logger.LogDecision(entry)

	line := buf.String()
	if !strings.HasSuffix(line, "\n") {
		t.Fatal("expected trailing newline")
	}

	var got DecisionLogEntry
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if got.RequestID != "req1234567890abc" {
		t.Errorf("RequestID = %q", got.RequestID)
	}
	if got.Decision != "granted" {
		t.Errorf("Decision = %q", got.Decision)
	}
	if got.ConfidenceScore != 92.5 {
		t.Errorf("ConfidenceScore = %v", got.ConfidenceScore)
	}
	if got.Timestamp == "" {
		t.Error("Timestamp not set")
	}
}

func TestJSONLoggerOneLinePerEntry(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf)

	logger.LogSessionRisk(NewSessionRiskLogEntry("s-1", "p-1", 42, "continue_normal"))
	logger.LogSessionRisk(NewSessionRiskLogEntry("s-1", "p-1", 73, "require_mfa"))
	logger.LogThreat(NewThreatLogEntry("brute_force", 0.9))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}
	for i, line := range lines {
		if !json.Valid([]byte(line)) {
			t.Errorf("line %d is not valid JSON: %s", i, line)
		}
	}
}

func TestJSONLoggerElevationAndBreakGlass(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf)

	elev := NewElevationLogEntry("g-1", "p-1", "seg-1", "granted")
	elev.DurationHours = 4
	elev.Approvers = []string{"admin-1", "admin-2"}
	logger.LogElevation(elev)

	bg := NewBreakGlassLogEntry("e-1", "p-2", "system_outage", "active")
	bg.SessionID = "s-9"
	logger.LogBreakGlass(bg)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}

	var gotElev ElevationLogEntry
	if err := json.Unmarshal([]byte(lines[0]), &gotElev); err != nil {
		t.Fatalf("elevation line invalid: %v", err)
	}
	if len(gotElev.Approvers) != 2 {
		t.Errorf("Approvers = %v", gotElev.Approvers)
	}

	var gotBG BreakGlassLogEntry
	if err := json.Unmarshal([]byte(lines[1]), &gotBG); err != nil {
		t.Fatalf("break-glass line invalid: %v", err)
	}
	if gotBG.SessionID != "s-9" {
		t.Errorf("SessionID = %q", gotBG.SessionID)
	}
}

func TestNopLoggerDiscards(t *testing.T) {
	logger := NewNopLogger()
	// Must not panic.
	logger.LogDecision(DecisionLogEntry{})
	logger.LogSessionRisk(SessionRiskLogEntry{})
	logger.LogThreat(ThreatLogEntry{})
	logger.LogElevation(ElevationLogEntry{})
	logger.LogBreakGlass(BreakGlassLogEntry{})
}
