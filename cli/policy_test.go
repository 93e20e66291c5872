package cli

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/kms"

	"github.com/citadelzt/citadel/adaptive"
	"github.com/citadelzt/citadel/policy"
	"github.com/citadelzt/citadel/testutil"
)

type fakePolicyEngine struct {
	assessPolicyIDs   []string
	assessment        *adaptive.Assessment
	assessErr         error
	proposePolicyIDs  []string
	proposal          *adaptive.Proposal
	proposeErr        error
	rollbackPolicyIDs []string
	rollbackCallers   []string
	adjustment        *adaptive.Adjustment
	rollbackErr       error
}

func (f *fakePolicyEngine) Assess(ctx context.Context, policyID string) (*adaptive.Assessment, error) {
	f.assessPolicyIDs = append(f.assessPolicyIDs, policyID)
	return f.assessment, f.assessErr
}

func (f *fakePolicyEngine) Propose(ctx context.Context, policyID string) (*adaptive.Proposal, error) {
	f.proposePolicyIDs = append(f.proposePolicyIDs, policyID)
	return f.proposal, f.proposeErr
}

func (f *fakePolicyEngine) Rollback(ctx context.Context, policyID, calledBy string) (*adaptive.Adjustment, error) {
	f.rollbackPolicyIDs = append(f.rollbackPolicyIDs, policyID)
	f.rollbackCallers = append(f.rollbackCallers, calledBy)
	return f.adjustment, f.rollbackErr
}

func TestPolicyListCommand(t *testing.T) {
	store := policy.NewMemoryStore()
	for i, name := range []string{"baseline", "finance-lockdown"} {
		p := &policy.Policy{
			ID:        policy.NewPolicyID(),
			Name:      name,
			Priority:  i + 1,
			Active:    true,
			CreatedAt: time.Now().Add(-time.Duration(i) * time.Hour),
		}
		if err := store.Create(context.Background(), p); err != nil {
			t.Fatalf("Create() = %v", err)
		}
	}

	input := PolicyListCommandInput{Limit: 10, Store: store}
	if err := PolicyListCommand(context.Background(), input); err != nil {
		t.Fatalf("PolicyListCommand() = %v", err)
	}
}

func TestPolicyEffectivenessCommand(t *testing.T) {
	engine := &fakePolicyEngine{
		assessment: &adaptive.Assessment{
			PolicyID:      "pol-1",
			Samples:       40,
			SuccessRate:   0.9,
			DenialRate:    0.1,
			Effectiveness: 0.85,
		},
	}

	input := PolicyEffectivenessCommandInput{PolicyID: "pol-1", Engine: engine}
	if err := PolicyEffectivenessCommand(context.Background(), input); err != nil {
		t.Fatalf("PolicyEffectivenessCommand() = %v", err)
	}
	if len(engine.assessPolicyIDs) != 1 || engine.assessPolicyIDs[0] != "pol-1" {
		t.Errorf("Assess called with %v, want [pol-1]", engine.assessPolicyIDs)
	}
}

func TestPolicyEffectivenessCommandError(t *testing.T) {
	engine := &fakePolicyEngine{assessErr: errors.New("store unavailable")}

	input := PolicyEffectivenessCommandInput{PolicyID: "pol-1", Engine: engine}
	if err := PolicyEffectivenessCommand(context.Background(), input); err == nil {
		t.Fatal("PolicyEffectivenessCommand() = nil, want error")
	}
}

func TestPolicySimulateCommand(t *testing.T) {
	engine := &fakePolicyEngine{
		proposal: &adaptive.Proposal{
			PolicyID: "pol-1",
			Action:   adaptive.ActionIncreaseConfidence,
			Reason:   "incident rate above ceiling",
			Simulation: &adaptive.Simulation{
				Samples:              40,
				PredictedDenialRate:  0.3,
				PredictedSuccessRate: 0.7,
			},
		},
	}

	input := PolicySimulateCommandInput{PolicyID: "pol-1", Engine: engine}
	if err := PolicySimulateCommand(context.Background(), input); err != nil {
		t.Fatalf("PolicySimulateCommand() = %v", err)
	}
	if len(engine.proposePolicyIDs) != 1 {
		t.Errorf("Propose called %d times, want 1", len(engine.proposePolicyIDs))
	}
}

func TestPolicySimulateCommandNoProposal(t *testing.T) {
	// A healthy window yields no proposal. That is a result, not an
	// error.
	engine := &fakePolicyEngine{}

	input := PolicySimulateCommandInput{PolicyID: "pol-1", Engine: engine}
	if err := PolicySimulateCommand(context.Background(), input); err != nil {
		t.Fatalf("PolicySimulateCommand() = %v", err)
	}
}

func TestPolicyRollbackCommand(t *testing.T) {
	engine := &fakePolicyEngine{
		adjustment: &adaptive.Adjustment{
			ID:       "aabbccddeeff0011",
			PolicyID: "pol-1",
			Action:   adaptive.ActionRollback,
		},
	}

	input := PolicyRollbackCommandInput{
		PolicyID: "pol-1",
		CallerID: testPrincipalID,
		Engine:   engine,
	}
	if err := PolicyRollbackCommand(context.Background(), input); err != nil {
		t.Fatalf("PolicyRollbackCommand() = %v", err)
	}
	if len(engine.rollbackCallers) != 1 || engine.rollbackCallers[0] != testPrincipalID {
		t.Errorf("Rollback called by %v, want [%s]", engine.rollbackCallers, testPrincipalID)
	}
}

func TestPolicyRollbackCommandInvalidCaller(t *testing.T) {
	engine := &fakePolicyEngine{}

	input := PolicyRollbackCommandInput{
		PolicyID: "pol-1",
		CallerID: "not-a-principal",
		Engine:   engine,
	}
	if err := PolicyRollbackCommand(context.Background(), input); err == nil {
		t.Fatal("PolicyRollbackCommand() = nil, want error")
	}
	if len(engine.rollbackPolicyIDs) != 0 {
		t.Errorf("Rollback called %d times, want 0", len(engine.rollbackPolicyIDs))
	}
}

const testPolicyDocument = `version: "1"
policies:
  - name: faculty lab access
    priority: 10
    rules:
      - name: lab hours
        resource_type: lab
        allowed_roles: [faculty]
        min_confidence: 80
`

func writePolicyDocument(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policies.yaml")
	if err := os.WriteFile(path, []byte(testPolicyDocument), 0o600); err != nil {
		t.Fatalf("WriteFile() = %v", err)
	}
	return path
}

func TestPolicySignCommand(t *testing.T) {
	kmsClient := &testutil.MockKMSClient{}
	signer := policy.NewPolicySignerWithClient(kmsClient, "alias/test-signing")
	docPath := writePolicyDocument(t)

	input := PolicySignCommandInput{File: docPath, Signer: signer}
	if err := PolicySignCommand(context.Background(), input); err != nil {
		t.Fatalf("PolicySignCommand() = %v", err)
	}

	if len(kmsClient.SignCalls) != 1 {
		t.Fatalf("Sign called %d times, want 1", len(kmsClient.SignCalls))
	}
	envelopeJSON, err := os.ReadFile(docPath + ".sig.json")
	if err != nil {
		t.Fatalf("ReadFile() = %v", err)
	}
	var envelope policy.SignatureEnvelope
	if err := json.Unmarshal(envelopeJSON, &envelope); err != nil {
		t.Fatalf("Unmarshal() = %v", err)
	}
	if envelope.Metadata.KeyID != "alias/test-signing" {
		t.Errorf("KeyID = %q", envelope.Metadata.KeyID)
	}
	if !envelope.ValidateHash([]byte(testPolicyDocument)) {
		t.Error("envelope hash does not cover the document bytes")
	}
}

func TestPolicySignCommandRejectsBrokenDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("version: \"1\"\npolicies: []\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() = %v", err)
	}

	signer := policy.NewPolicySignerWithClient(&testutil.MockKMSClient{}, "alias/test-signing")
	input := PolicySignCommandInput{File: path, Signer: signer}
	if err := PolicySignCommand(context.Background(), input); err == nil {
		t.Fatal("PolicySignCommand() = nil, want error")
	}
}

func TestPolicyImportCommandSignedRoundTrip(t *testing.T) {
	kmsClient := &testutil.MockKMSClient{}
	signer := policy.NewPolicySignerWithClient(kmsClient, "alias/test-signing")
	docPath := writePolicyDocument(t)

	signInput := PolicySignCommandInput{File: docPath, Signer: signer}
	if err := PolicySignCommand(context.Background(), signInput); err != nil {
		t.Fatalf("PolicySignCommand() = %v", err)
	}

	store := policy.NewMemoryStore()
	importInput := PolicyImportCommandInput{
		File:             docPath,
		RequireSignature: true,
		CreatedBy:        testPrincipalID,
		Signer:           signer,
		Store:            store,
	}
	if err := PolicyImportCommand(context.Background(), importInput); err != nil {
		t.Fatalf("PolicyImportCommand() = %v", err)
	}

	if len(kmsClient.VerifyCalls) != 1 {
		t.Errorf("Verify called %d times, want 1", len(kmsClient.VerifyCalls))
	}
	stored, err := store.List(context.Background(), 10)
	if err != nil {
		t.Fatalf("List() = %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("stored policies = %d, want 1", len(stored))
	}
	if stored[0].Name != "faculty lab access" || stored[0].CreatedBy != testPrincipalID {
		t.Errorf("stored policy = %q by %q", stored[0].Name, stored[0].CreatedBy)
	}
}

func TestPolicyImportCommandEnforcementRejectsUnsigned(t *testing.T) {
	signer := policy.NewPolicySignerWithClient(&testutil.MockKMSClient{}, "alias/test-signing")
	docPath := writePolicyDocument(t)

	input := PolicyImportCommandInput{
		File:             docPath,
		RequireSignature: true,
		CreatedBy:        testPrincipalID,
		Signer:           signer,
		Store:            policy.NewMemoryStore(),
	}
	err := PolicyImportCommand(context.Background(), input)
	if !errors.Is(err, policy.ErrSignatureEnforced) {
		t.Fatalf("PolicyImportCommand() = %v, want ErrSignatureEnforced", err)
	}
}

func TestPolicyImportCommandRejectsBadSignature(t *testing.T) {
	kmsClient := &testutil.MockKMSClient{
		VerifyFunc: func(ctx context.Context, params *kms.VerifyInput, optFns ...func(*kms.Options)) (*kms.VerifyOutput, error) {
			return &kms.VerifyOutput{SignatureValid: false}, nil
		},
	}
	signer := policy.NewPolicySignerWithClient(kmsClient, "alias/test-signing")
	docPath := writePolicyDocument(t)

	signInput := PolicySignCommandInput{File: docPath, Signer: signer}
	if err := PolicySignCommand(context.Background(), signInput); err != nil {
		t.Fatalf("PolicySignCommand() = %v", err)
	}

	input := PolicyImportCommandInput{
		File:      docPath,
		CreatedBy: testPrincipalID,
		Signer:    signer,
		Store:     policy.NewMemoryStore(),
	}
	err := PolicyImportCommand(context.Background(), input)
	if !errors.Is(err, policy.ErrSignatureInvalid) {
		t.Fatalf("PolicyImportCommand() = %v, want ErrSignatureInvalid", err)
	}
}

func TestPolicyRollbackCommandNothingToRollBack(t *testing.T) {
	engine := &fakePolicyEngine{rollbackErr: errors.New("no applied adjustment")}

	input := PolicyRollbackCommandInput{
		PolicyID: "pol-1",
		CallerID: testPrincipalID,
		Engine:   engine,
	}
	if err := PolicyRollbackCommand(context.Background(), input); err == nil {
		t.Fatal("PolicyRollbackCommand() = nil, want error")
	}
}
