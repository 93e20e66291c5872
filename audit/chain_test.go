package audit

import (
	"context"
	"strings"
	"testing"
	"time"
)

func testEvent(principalID, action string, result Result) *AuditEvent {
	return &AuditEvent{
		EventID:     "evt-" + principalID + "-" + action,
		Timestamp:   time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		EventType:   EventTypeAccessDecision,
		PrincipalID: principalID,
		Action:      action,
		Resource:    "library_database",
		Result:      result,
		IP:          "10.20.30.40",
	}
}

func TestHashEventDeterministic(t *testing.T) {
	e := testEvent("aaaaaaaaaaaaaaaa", "read", ResultSuccess)
	e.PreviousHash = GenesisHash
	e.BlockNumber = 1

	h1, err := HashEvent(e)
	if err != nil {
		t.Fatalf("HashEvent() error = %v", err)
	}
	h2, err := HashEvent(e)
	if err != nil {
		t.Fatalf("HashEvent() error = %v", err)
	}
	if h1 != h2 {
		t.Errorf("HashEvent() not deterministic: %q vs %q", h1, h2)
	}
	if len(h1) != 64 || strings.ToLower(h1) != h1 {
		t.Errorf("HashEvent() = %q, want 64 lowercase hex chars", h1)
	}
}

func TestHashEventExcludesReceiptFields(t *testing.T) {
	a := testEvent("aaaaaaaaaaaaaaaa", "read", ResultSuccess)
	a.PreviousHash = GenesisHash
	a.BlockNumber = 1

	b := *a
	b.EventHash = "aaaa"
	b.TransactionID = "some-transaction"

	ha, _ := HashEvent(a)
	hb, _ := HashEvent(&b)
	if ha != hb {
		t.Error("HashEvent() sensitive to receipt fields; hash input must exclude them")
	}
}

func TestHashEventCoversChainPosition(t *testing.T) {
	a := testEvent("aaaaaaaaaaaaaaaa", "read", ResultSuccess)
	a.PreviousHash = GenesisHash
	a.BlockNumber = 1

	b := *a
	b.BlockNumber = 2

	ha, _ := HashEvent(a)
	hb, _ := HashEvent(&b)
	if ha == hb {
		t.Error("HashEvent() identical across block numbers; a block must not be movable")
	}
}

func TestMemoryChainAppendLinksBlocks(t *testing.T) {
	ctx := context.Background()
	chain := NewMemoryChain()

	first, err := chain.Append(ctx, testEvent("aaaaaaaaaaaaaaaa", "read", ResultSuccess))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if first.BlockNumber != 1 {
		t.Errorf("first BlockNumber = %d, want 1", first.BlockNumber)
	}
	if first.PreviousHash != GenesisHash {
		t.Errorf("first PreviousHash = %q, want genesis", first.PreviousHash)
	}

	second, err := chain.Append(ctx, testEvent("bbbbbbbbbbbbbbbb", "write", ResultDenied))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if second.BlockNumber != 2 {
		t.Errorf("second BlockNumber = %d, want 2", second.BlockNumber)
	}
	if second.PreviousHash != first.EventHash {
		t.Errorf("second PreviousHash = %q, want first EventHash %q", second.PreviousHash, first.EventHash)
	}
}

func TestMemoryChainVerify(t *testing.T) {
	ctx := context.Background()
	chain := NewMemoryChain()

	event := testEvent("aaaaaaaaaaaaaaaa", "read", ResultSuccess)
	receipt, err := chain.Append(ctx, event)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	ok, err := chain.Verify(ctx, receipt.TransactionID, event)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !ok {
		t.Error("Verify() = false for unmodified event")
	}

	tampered := *event
	tampered.Resource = "admin_panel"
	ok, err = chain.Verify(ctx, receipt.TransactionID, &tampered)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if ok {
		t.Error("Verify() = true for tampered event")
	}
}

func TestMemoryChainVerifyUnknownTransaction(t *testing.T) {
	ctx := context.Background()
	chain := NewMemoryChain()

	_, err := chain.Verify(ctx, "no-such-transaction", testEvent("aaaaaaaaaaaaaaaa", "read", ResultSuccess))
	if err != ErrEventNotFound {
		t.Errorf("Verify() error = %v, want ErrEventNotFound", err)
	}
}

func TestMemoryChainVerifyChain(t *testing.T) {
	ctx := context.Background()
	chain := NewMemoryChain()

	for i := 0; i < 5; i++ {
		if _, err := chain.Append(ctx, testEvent("aaaaaaaaaaaaaaaa", "read", ResultSuccess)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	ok, err := chain.VerifyChain(ctx, 1, 5)
	if err != nil {
		t.Fatalf("VerifyChain() error = %v", err)
	}
	if !ok {
		t.Error("VerifyChain() = false for intact chain")
	}

	// Sub-ranges not starting at genesis verify too.
	ok, err = chain.VerifyChain(ctx, 3, 5)
	if err != nil {
		t.Fatalf("VerifyChain(3,5) error = %v", err)
	}
	if !ok {
		t.Error("VerifyChain(3,5) = false for intact chain")
	}
}

func TestMemoryChainVerifyChainDetectsTampering(t *testing.T) {
	ctx := context.Background()
	chain := NewMemoryChain()

	for i := 0; i < 3; i++ {
		if _, err := chain.Append(ctx, testEvent("aaaaaaaaaaaaaaaa", "read", ResultSuccess)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	// Reach into the stored chain and alter block 2's content.
	chain.mu.Lock()
	chain.blocks[1].Resource = "admin_panel"
	chain.mu.Unlock()

	ok, err := chain.VerifyChain(ctx, 1, 3)
	if err != nil {
		t.Fatalf("VerifyChain() error = %v", err)
	}
	if ok {
		t.Error("VerifyChain() = true for tampered chain")
	}
}

func TestMemoryChainVerifyChainRange(t *testing.T) {
	ctx := context.Background()
	chain := NewMemoryChain()
	if _, err := chain.Append(ctx, testEvent("aaaaaaaaaaaaaaaa", "read", ResultSuccess)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	cases := []struct {
		name       string
		start, end int64
	}{
		{"start below one", 0, 1},
		{"end before start", 2, 1},
		{"past head", 1, 9},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := chain.VerifyChain(ctx, tc.start, tc.end); err != ErrBlockOutOfRange {
				t.Errorf("VerifyChain(%d,%d) error = %v, want ErrBlockOutOfRange", tc.start, tc.end, err)
			}
		})
	}
}

func TestMemoryChainListByPrincipalSince(t *testing.T) {
	ctx := context.Background()
	chain := NewMemoryChain()

	old := testEvent("aaaaaaaaaaaaaaaa", "read", ResultSuccess)
	old.Timestamp = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, err := chain.Append(ctx, old); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	recent := testEvent("aaaaaaaaaaaaaaaa", "write", ResultFailure)
	recent.Timestamp = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if _, err := chain.Append(ctx, recent); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	other := testEvent("bbbbbbbbbbbbbbbb", "read", ResultSuccess)
	other.Timestamp = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	if _, err := chain.Append(ctx, other); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	since := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	events, err := chain.ListByPrincipalSince(ctx, "aaaaaaaaaaaaaaaa", since, 0)
	if err != nil {
		t.Fatalf("ListByPrincipalSince() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("ListByPrincipalSince() returned %d events, want 1", len(events))
	}
	if events[0].Action != "write" {
		t.Errorf("event Action = %q, want %q", events[0].Action, "write")
	}
}

func TestMemoryChainHead(t *testing.T) {
	ctx := context.Background()
	chain := NewMemoryChain()

	head, err := chain.Head(ctx)
	if err != nil {
		t.Fatalf("Head() error = %v", err)
	}
	if head != 0 {
		t.Errorf("Head() = %d for empty chain, want 0", head)
	}

	for i := 0; i < 4; i++ {
		if _, err := chain.Append(ctx, testEvent("aaaaaaaaaaaaaaaa", "read", ResultSuccess)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	head, _ = chain.Head(ctx)
	if head != 4 {
		t.Errorf("Head() = %d, want 4", head)
	}
}

func TestRecorderFillsIdentityFields(t *testing.T) {
	ctx := context.Background()
	chain := NewMemoryChain()
	recorder := NewRecorder(chain)

	event := &AuditEvent{
		EventType:   EventTypeAuthentication,
		PrincipalID: "aaaaaaaaaaaaaaaa",
		Action:      "login",
		Result:      ResultFailure,
	}
	receipt, err := recorder.Record(ctx, event)
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if event.EventID == "" {
		t.Error("Record() left EventID empty")
	}
	if event.Timestamp.IsZero() {
		t.Error("Record() left Timestamp zero")
	}
	if receipt.BlockNumber != 1 {
		t.Errorf("receipt BlockNumber = %d, want 1", receipt.BlockNumber)
	}
}

func TestEventValidate(t *testing.T) {
	e := &AuditEvent{}
	if err := e.Validate(); err == nil {
		t.Error("Validate() accepted event without event_type")
	}

	e.EventType = EventTypeAccessDecision
	e.Result = Result("bogus")
	if err := e.Validate(); err == nil {
		t.Error("Validate() accepted invalid result")
	}

	e.Result = ResultSuccess
	if err := e.Validate(); err != nil {
		t.Errorf("Validate() error = %v for valid event", err)
	}
}
