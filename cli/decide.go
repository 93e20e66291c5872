package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/citadelzt/citadel/decision"
	"github.com/citadelzt/citadel/device"
	"github.com/citadelzt/citadel/identity"
	"github.com/citadelzt/citadel/principal"
	"github.com/citadelzt/citadel/request"
)

// decider evaluates access requests.
type decider interface {
	Decide(ctx context.Context, input decision.Input) (*request.AccessRequest, error)
}

// DecideCommandInput contains the input for the decide command.
type DecideCommandInput struct {
	PrincipalID        string
	Token              string
	Resource           string
	ResourceType       string
	ResourceDepartment string
	Intent             string
	Duration           time.Duration
	Urgency            string
	IP                 string
	LocalDevice        bool

	// App supplies configuration and AWS clients when Engine is nil.
	App *Citadel

	// Engine is an optional decision engine for testing.
	// If nil, the engine is assembled from the DynamoDB stores.
	Engine decider

	// Verifier is an optional token verifier for testing.
	// If nil, the verifier is built from the CITADEL_TOKEN_KEY secret.
	Verifier identity.Verifier
}

// DecideCommandOutput represents the JSON output from the decide command.
type DecideCommandOutput struct {
	RequestID       string                       `json:"request_id"`
	Decision        string                       `json:"decision"`
	ConfidenceScore float64                      `json:"confidence_score"`
	Breakdown       *request.ConfidenceBreakdown `json:"confidence_breakdown,omitempty"`
	PoliciesApplied []string                     `json:"policies_applied,omitempty"`
	DenialReason    string                       `json:"denial_reason,omitempty"`
	ExpiresAt       *time.Time                   `json:"expires_at,omitempty"`
}

// ConfigureDecideCommand sets up the decide command with kingpin.
func ConfigureDecideCommand(app *kingpin.Application, c *Citadel) {
	input := DecideCommandInput{}

	cmd := app.Command("decide", "Evaluate an access request against the decision engine")

	cmd.Flag("principal", "Requesting principal ID").
		StringVar(&input.PrincipalID)

	cmd.Flag("token", "Bearer token identifying the principal, instead of --principal").
		Envar(EnvBearerToken).
		StringVar(&input.Token)

	cmd.Flag("resource", "Resource or segment being requested").
		Required().
		StringVar(&input.Resource)

	cmd.Flag("type", "Resource category matched against policy rules").
		Required().
		StringVar(&input.ResourceType)

	cmd.Flag("department", "Resource's owning department").
		StringVar(&input.ResourceDepartment)

	cmd.Flag("intent", "Stated purpose of the request").
		StringVar(&input.Intent)

	cmd.Flag("duration", "Requested grant duration").
		DurationVar(&input.Duration)

	cmd.Flag("urgency", "Request urgency (low, medium, high)").
		Default(string(request.UrgencyMedium)).
		StringVar(&input.Urgency)

	cmd.Flag("ip", "Request source address").
		StringVar(&input.IP)

	cmd.Flag("local-device", "Fingerprint this machine and attach it to the request").
		BoolVar(&input.LocalDevice)

	cmd.Action(func(pc *kingpin.ParseContext) error {
		input.App = c
		err := DecideCommand(context.Background(), input)
		app.FatalIfError(err, "decide")
		return nil
	})
}

// DecideCommand runs one access decision and prints the result. Denials
// are valid decisions, not command failures.
func DecideCommand(ctx context.Context, input DecideCommandInput) error {
	switch {
	case input.Token != "" && input.PrincipalID != "":
		return fmt.Errorf("--principal and --token are mutually exclusive")
	case input.Token != "":
		verifier := input.Verifier
		if verifier == nil {
			built, err := input.App.TokenVerifier()
			if err != nil {
				return err
			}
			verifier = built
		}
		id, err := verifier.Verify(ctx, input.Token)
		if err != nil {
			return fmt.Errorf("verifying bearer token: %w", err)
		}
		input.PrincipalID = id.PrincipalID
	case !principal.ValidatePrincipalID(input.PrincipalID):
		return fmt.Errorf("invalid principal ID %q", input.PrincipalID)
	}

	urgency := request.Urgency(input.Urgency)
	if !urgency.IsValid() {
		return fmt.Errorf("invalid urgency %q", input.Urgency)
	}

	var chars *device.Characteristics
	if input.LocalDevice {
		collected, err := device.NewLocalCollector("cli").Collect(ctx)
		if err != nil {
			return fmt.Errorf("collecting device characteristics: %w", err)
		}
		chars = collected
	}

	engine := input.Engine
	if engine == nil {
		built, err := input.App.DecisionEngine(ctx)
		if err != nil {
			return err
		}
		defer built.Close()
		engine = built
	}

	req, err := engine.Decide(ctx, decision.Input{
		PrincipalID:        input.PrincipalID,
		Resource:           input.Resource,
		ResourceType:       input.ResourceType,
		ResourceDepartment: input.ResourceDepartment,
		IntentText:         input.Intent,
		Duration:           input.Duration,
		Urgency:            urgency,
		IP:                 input.IP,
		Device:             chars,
	})
	if err != nil {
		return err
	}

	output := DecideCommandOutput{
		RequestID:       req.ID,
		Decision:        string(req.Decision),
		ConfidenceScore: req.ConfidenceScore,
		Breakdown:       req.Breakdown,
		PoliciesApplied: req.PoliciesApplied,
		DenialReason:    req.DenialReason,
	}
	if !req.ExpiresAt.IsZero() {
		output.ExpiresAt = &req.ExpiresAt
	}
	return printJSON(&output)
}
