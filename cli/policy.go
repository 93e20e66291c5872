package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/citadelzt/citadel/adaptive"
	"github.com/citadelzt/citadel/policy"
	"github.com/citadelzt/citadel/principal"
)

// adaptivePolicyEngine covers the effectiveness operations the policy
// commands use.
type adaptivePolicyEngine interface {
	Assess(ctx context.Context, policyID string) (*adaptive.Assessment, error)
	Propose(ctx context.Context, policyID string) (*adaptive.Proposal, error)
	Rollback(ctx context.Context, policyID, calledBy string) (*adaptive.Adjustment, error)
}

// PolicySummary is one policy in the list output.
type PolicySummary struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Priority           int       `json:"priority"`
	Active             bool      `json:"active"`
	EffectivenessScore float64   `json:"effectiveness_score"`
	Rules              int       `json:"rules"`
	CreatedAt          time.Time `json:"created_at"`
}

// PolicyListCommandInput contains the input for the policy list command.
type PolicyListCommandInput struct {
	Limit int

	App *Citadel

	// Store is an optional Store implementation for testing.
	// If nil, a DynamoDB store will be created from the configuration.
	Store policy.Store
}

// PolicyEffectivenessCommandInput contains the input for the policy
// effectiveness command.
type PolicyEffectivenessCommandInput struct {
	PolicyID string

	App    *Citadel
	Engine adaptivePolicyEngine
}

// PolicySimulateCommandInput contains the input for the policy simulate
// command.
type PolicySimulateCommandInput struct {
	PolicyID string

	App    *Citadel
	Engine adaptivePolicyEngine
}

// PolicyRollbackCommandInput contains the input for the policy rollback
// command.
type PolicyRollbackCommandInput struct {
	PolicyID string
	CallerID string

	App    *Citadel
	Engine adaptivePolicyEngine
}

// PolicySignCommandInput contains the input for the policy sign command.
type PolicySignCommandInput struct {
	File   string
	Output string
	KeyID  string

	App *Citadel

	// Signer is an optional signer implementation for testing.
	// If nil, a KMS signer is created from the configuration.
	Signer *policy.PolicySigner
}

// PolicyImportCommandInput contains the input for the policy import
// command.
type PolicyImportCommandInput struct {
	File             string
	SignatureFile    string
	RequireSignature bool
	CreatedBy        string

	App    *Citadel
	Signer *policy.PolicySigner
	Store  policy.Store
}

// PolicyImportCommandOutput summarizes one document import.
type PolicyImportCommandOutput struct {
	Imported  int      `json:"imported"`
	PolicyIDs []string `json:"policy_ids"`
	Verified  bool     `json:"signature_verified"`
}

// ConfigurePolicyCommands sets up the policy command group with kingpin.
func ConfigurePolicyCommands(app *kingpin.Application, c *Citadel) {
	cmd := app.Command("policy", "Inspect policies and their effectiveness")

	listInput := PolicyListCommandInput{}
	list := cmd.Command("list", "List policies")
	list.Flag("limit", "Maximum number of policies to return").
		Default("100").
		IntVar(&listInput.Limit)
	list.Action(func(pc *kingpin.ParseContext) error {
		listInput.App = c
		err := PolicyListCommand(context.Background(), listInput)
		app.FatalIfError(err, "policy list")
		return nil
	})

	effectivenessInput := PolicyEffectivenessCommandInput{}
	effectiveness := cmd.Command("effectiveness", "Score a policy's rolling outcome window")
	effectiveness.Arg("policy-id", "The policy ID to score").
		Required().
		StringVar(&effectivenessInput.PolicyID)
	effectiveness.Action(func(pc *kingpin.ParseContext) error {
		effectivenessInput.App = c
		err := PolicyEffectivenessCommand(context.Background(), effectivenessInput)
		app.FatalIfError(err, "policy effectiveness")
		return nil
	})

	simulateInput := PolicySimulateCommandInput{}
	simulate := cmd.Command("simulate", "Propose a threshold adjustment and replay the window under it")
	simulate.Arg("policy-id", "The policy ID to simulate").
		Required().
		StringVar(&simulateInput.PolicyID)
	simulate.Action(func(pc *kingpin.ParseContext) error {
		simulateInput.App = c
		err := PolicySimulateCommand(context.Background(), simulateInput)
		app.FatalIfError(err, "policy simulate")
		return nil
	})

	rollbackInput := PolicyRollbackCommandInput{}
	rollback := cmd.Command("rollback", "Roll back the most recent applied adjustment")
	rollback.Arg("policy-id", "The policy ID to roll back").
		Required().
		StringVar(&rollbackInput.PolicyID)
	rollback.Flag("caller", "Principal ID performing the rollback").
		Required().
		StringVar(&rollbackInput.CallerID)
	rollback.Action(func(pc *kingpin.ParseContext) error {
		rollbackInput.App = c
		err := PolicyRollbackCommand(context.Background(), rollbackInput)
		app.FatalIfError(err, "policy rollback")
		return nil
	})

	signInput := PolicySignCommandInput{}
	sign := cmd.Command("sign", "Sign a policy document with the configured KMS key")
	sign.Arg("file", "Path to the policy document").
		Required().
		StringVar(&signInput.File)
	sign.Flag("out", "Envelope output path (default <file>.sig.json)").
		StringVar(&signInput.Output)
	sign.Flag("key", "KMS key ID or alias, overriding the configuration").
		StringVar(&signInput.KeyID)
	sign.Action(func(pc *kingpin.ParseContext) error {
		signInput.App = c
		err := PolicySignCommand(context.Background(), signInput)
		app.FatalIfError(err, "policy sign")
		return nil
	})

	importInput := PolicyImportCommandInput{}
	imp := cmd.Command("import", "Verify and import a policy document")
	imp.Arg("file", "Path to the policy document").
		Required().
		StringVar(&importInput.File)
	imp.Flag("signature", "Path to the signature envelope (default <file>.sig.json when present)").
		StringVar(&importInput.SignatureFile)
	imp.Flag("require-signature", "Reject unsigned documents").
		BoolVar(&importInput.RequireSignature)
	imp.Flag("created-by", "Principal ID recorded as the author").
		Required().
		StringVar(&importInput.CreatedBy)
	imp.Action(func(pc *kingpin.ParseContext) error {
		importInput.App = c
		err := PolicyImportCommand(context.Background(), importInput)
		app.FatalIfError(err, "policy import")
		return nil
	})
}

// PolicyListCommand lists policies.
func PolicyListCommand(ctx context.Context, input PolicyListCommandInput) error {
	store := input.Store
	if store == nil {
		var err error
		store, err = input.App.PolicyStore(ctx)
		if err != nil {
			return err
		}
	}

	policies, err := store.List(ctx, input.Limit)
	if err != nil {
		return err
	}

	summaries := make([]PolicySummary, 0, len(policies))
	for _, p := range policies {
		summaries = append(summaries, PolicySummary{
			ID:                 p.ID,
			Name:               p.Name,
			Priority:           p.Priority,
			Active:             p.Active,
			EffectivenessScore: p.EffectivenessScore,
			Rules:              len(p.Rules),
			CreatedAt:          p.CreatedAt,
		})
	}
	return printJSON(summaries)
}

// PolicyEffectivenessCommand scores one policy without persisting the
// result.
func PolicyEffectivenessCommand(ctx context.Context, input PolicyEffectivenessCommandInput) error {
	engine, err := resolveAdaptiveEngine(ctx, input.Engine, input.App)
	if err != nil {
		return err
	}
	assessment, err := engine.Assess(ctx, input.PolicyID)
	if err != nil {
		return err
	}
	return printJSON(assessment)
}

// PolicySimulateCommand proposes an adjustment for one policy. No
// proposal is a valid outcome: the window is healthy, too small, or the
// thresholds have no headroom.
func PolicySimulateCommand(ctx context.Context, input PolicySimulateCommandInput) error {
	engine, err := resolveAdaptiveEngine(ctx, input.Engine, input.App)
	if err != nil {
		return err
	}
	proposal, err := engine.Propose(ctx, input.PolicyID)
	if err != nil {
		return err
	}
	if proposal == nil {
		return printJSON(map[string]any{
			"policy_id": input.PolicyID,
			"proposal":  nil,
		})
	}
	return printJSON(proposal)
}

// PolicyRollbackCommand reverts the most recent applied adjustment.
func PolicyRollbackCommand(ctx context.Context, input PolicyRollbackCommandInput) error {
	if !principal.ValidatePrincipalID(input.CallerID) {
		return fmt.Errorf("invalid principal ID %q", input.CallerID)
	}
	engine, err := resolveAdaptiveEngine(ctx, input.Engine, input.App)
	if err != nil {
		return err
	}
	adjustment, err := engine.Rollback(ctx, input.PolicyID, input.CallerID)
	if err != nil {
		return err
	}
	return printJSON(adjustment)
}

// PolicySignCommand signs a policy document and writes the signature
// envelope next to it.
func PolicySignCommand(ctx context.Context, input PolicySignCommandInput) error {
	docYAML, err := os.ReadFile(input.File)
	if err != nil {
		return err
	}
	// Parse first so a broken document is never signed.
	if _, err := policy.ParseDocument(docYAML); err != nil {
		return fmt.Errorf("policy document %s: %w", input.File, err)
	}

	signer, err := resolvePolicySigner(ctx, input.Signer, input.KeyID, input.App)
	if err != nil {
		return err
	}
	if signer == nil {
		return fmt.Errorf("no signing key: set aws.policy_signing_key or pass --key")
	}

	envelope, err := policy.SignDocument(ctx, signer, docYAML)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return err
	}

	path := input.Output
	if path == "" {
		path = input.File + ".sig.json"
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return err
	}
	fmt.Printf("Signed %s with %s; envelope written to %s\n", input.File, signer.KeyID(), path)
	return nil
}

// PolicyImportCommand verifies a policy document's signature, materializes
// its policies, and stores them.
func PolicyImportCommand(ctx context.Context, input PolicyImportCommandInput) error {
	if !principal.ValidatePrincipalID(input.CreatedBy) {
		return fmt.Errorf("invalid principal ID %q", input.CreatedBy)
	}

	docYAML, err := os.ReadFile(input.File)
	if err != nil {
		return err
	}
	envelopeJSON, err := readSignatureEnvelope(input.File, input.SignatureFile)
	if err != nil {
		return err
	}

	signer, err := resolvePolicySigner(ctx, input.Signer, "", input.App)
	if err != nil {
		return err
	}
	if signer == nil && len(envelopeJSON) > 0 {
		return fmt.Errorf("document is signed but no verification key is configured: set aws.policy_signing_key")
	}
	if signer == nil && input.RequireSignature {
		return fmt.Errorf("--require-signature needs a verification key: set aws.policy_signing_key")
	}

	var doc *policy.Document
	if signer != nil {
		loader := policy.NewVerifyingLoader(signer, policy.WithEnforcement(input.RequireSignature))
		doc, err = loader.Load(ctx, docYAML, envelopeJSON)
	} else {
		doc, err = policy.ParseDocument(docYAML)
	}
	if err != nil {
		return err
	}

	policies, err := doc.Materialize(input.CreatedBy, time.Now().UTC())
	if err != nil {
		return err
	}

	store := input.Store
	if store == nil {
		store, err = input.App.PolicyStore(ctx)
		if err != nil {
			return err
		}
	}

	output := PolicyImportCommandOutput{Verified: len(envelopeJSON) > 0}
	for _, p := range policies {
		if err := store.Create(ctx, p); err != nil {
			return fmt.Errorf("storing policy %q: %w", p.Name, err)
		}
		output.Imported++
		output.PolicyIDs = append(output.PolicyIDs, p.ID)
	}
	return printJSON(output)
}

// readSignatureEnvelope loads the envelope bytes. An explicit path must
// exist; the default path is optional.
func readSignatureEnvelope(docPath, sigPath string) ([]byte, error) {
	explicit := sigPath != ""
	if !explicit {
		sigPath = docPath + ".sig.json"
	}
	data, err := os.ReadFile(sigPath)
	if err != nil {
		if !explicit && os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func resolveAdaptiveEngine(ctx context.Context, engine adaptivePolicyEngine, app *Citadel) (adaptivePolicyEngine, error) {
	if engine != nil {
		return engine, nil
	}
	return app.AdaptiveEngine(ctx)
}

// resolvePolicySigner returns the injected signer, or builds a KMS signer
// when a key is configured. A nil signer with nil error means signing is
// not configured.
func resolvePolicySigner(ctx context.Context, signer *policy.PolicySigner, keyOverride string, app *Citadel) (*policy.PolicySigner, error) {
	if signer != nil {
		return signer, nil
	}
	cfg, awsCfg, err := app.runtime(ctx)
	if err != nil {
		return nil, err
	}
	keyID := keyOverride
	if keyID == "" {
		keyID = cfg.AWS.PolicySigningKey
	}
	if keyID == "" {
		return nil, nil
	}
	return policy.NewPolicySigner(awsCfg, keyID), nil
}
