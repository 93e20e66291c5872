package cli

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/citadelzt/citadel/audit"
	"github.com/citadelzt/citadel/notification"
	"github.com/citadelzt/citadel/threat"
)

func appendAuditEvents(t *testing.T, chain *audit.MemoryChain, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		event := &audit.AuditEvent{
			EventID:     fmt.Sprintf("evt-%d", i),
			Timestamp:   time.Now().UTC(),
			EventType:   audit.EventTypeAccessDecision,
			PrincipalID: testPrincipalID,
			Action:      "read",
			Resource:    "customer_database",
			Result:      audit.ResultSuccess,
			IP:          "10.20.30.40",
		}
		if _, err := chain.Append(context.Background(), event); err != nil {
			t.Fatalf("Append() = %v", err)
		}
	}
}

func TestAuditVerifyCommand(t *testing.T) {
	chain := audit.NewMemoryChain()
	appendAuditEvents(t, chain, 3)

	input := AuditVerifyCommandInput{StartBlock: 1, Chain: chain}
	if err := AuditVerifyCommand(context.Background(), input); err != nil {
		t.Fatalf("AuditVerifyCommand() = %v", err)
	}
}

func TestAuditVerifyCommandEmptyChain(t *testing.T) {
	chain := audit.NewMemoryChain()

	input := AuditVerifyCommandInput{StartBlock: 1, Chain: chain}
	if err := AuditVerifyCommand(context.Background(), input); err != nil {
		t.Fatalf("AuditVerifyCommand() = %v", err)
	}
}

func TestAuditVerifyCommandExplicitRange(t *testing.T) {
	chain := audit.NewMemoryChain()
	appendAuditEvents(t, chain, 5)

	input := AuditVerifyCommandInput{StartBlock: 2, EndBlock: 4, Chain: chain}
	if err := AuditVerifyCommand(context.Background(), input); err != nil {
		t.Fatalf("AuditVerifyCommand() = %v", err)
	}
}

func TestAuditVerifyCommandRangeBeyondHead(t *testing.T) {
	chain := audit.NewMemoryChain()
	appendAuditEvents(t, chain, 2)

	input := AuditVerifyCommandInput{StartBlock: 1, EndBlock: 10, Chain: chain}
	if err := AuditVerifyCommand(context.Background(), input); err == nil {
		t.Fatal("AuditVerifyCommand() = nil, want error")
	}
}

// brokenChain reports a verification failure for any range covering the
// bad block, standing in for a stored block whose linkage was altered.
type brokenChain struct {
	audit.Log
	badBlock int64
}

func (c *brokenChain) VerifyChain(ctx context.Context, start, end int64) (bool, error) {
	if start <= c.badBlock && c.badBlock <= end {
		return false, nil
	}
	return c.Log.VerifyChain(ctx, start, end)
}

// recordingNotifier captures dispatched messages for assertions.
type recordingNotifier struct {
	mu   sync.Mutex
	msgs []*notification.Message
}

func (r *recordingNotifier) Notify(ctx context.Context, msg *notification.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingNotifier) delivered() []*notification.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*notification.Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}

func TestAuditVerifyCommandMismatchEscalates(t *testing.T) {
	chain := audit.NewMemoryChain()
	appendAuditEvents(t, chain, 4)

	threats := threat.NewMemoryStore()
	sink := &recordingNotifier{}
	input := AuditVerifyCommandInput{
		StartBlock: 1,
		Chain:      &brokenChain{Log: chain, badBlock: 3},
		Threats:    threats,
		Notify:     notification.NewDispatcher(sink),
	}
	if err := AuditVerifyCommand(context.Background(), input); err != nil {
		t.Fatalf("AuditVerifyCommand() = %v", err)
	}

	preds, err := threats.ListByPrincipal(context.Background(), testPrincipalID, 10)
	if err != nil {
		t.Fatalf("ListByPrincipal() = %v", err)
	}
	if len(preds) != 1 {
		t.Fatalf("predictions = %d, want 1", len(preds))
	}
	if preds[0].Type != threat.ThreatSuspiciousActivity {
		t.Errorf("prediction type = %q, want %q", preds[0].Type, threat.ThreatSuspiciousActivity)
	}
	if preds[0].Indicators[0].Feature != threat.FeatureRecordIntegrity {
		t.Errorf("indicator feature = %q, want %q", preds[0].Indicators[0].Feature, threat.FeatureRecordIntegrity)
	}
	if preds[0].Indicators[0].Severity != threat.SeverityHigh {
		t.Errorf("indicator severity = %q, want %q", preds[0].Indicators[0].Severity, threat.SeverityHigh)
	}

	msgs := sink.delivered()
	if len(msgs) != 1 {
		t.Fatalf("delivered = %d messages, want 1", len(msgs))
	}
	if msgs[0].Audience != notification.AudienceAdmins {
		t.Errorf("Audience = %s, want admins", msgs[0].Audience)
	}
	if msgs[0].Priority != notification.PriorityCritical {
		t.Errorf("Priority = %s, want critical", msgs[0].Priority)
	}
}
