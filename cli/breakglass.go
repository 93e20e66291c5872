package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/citadelzt/citadel/breakglass"
	"github.com/citadelzt/citadel/principal"
)

// emergencyManager covers the manager operations the breakglass
// commands use.
type emergencyManager interface {
	Submit(ctx context.Context, sub breakglass.Submission) (*breakglass.EmergencyRequest, error)
	Approve(ctx context.Context, requestID, approverID, comments string) (*breakglass.EmergencyRequest, error)
	Deny(ctx context.Context, requestID, approverID, reason string) (*breakglass.EmergencyRequest, error)
	Complete(ctx context.Context, requestID, callerID string) (*breakglass.IncidentReport, error)
}

// EmergencySummary is one emergency request in command output.
type EmergencySummary struct {
	ID                string    `json:"id"`
	RequesterID       string    `json:"requester_id"`
	EmergencyType     string    `json:"emergency_type"`
	Urgency           string    `json:"urgency"`
	Status            string    `json:"status"`
	RequiredResources []string  `json:"required_resources"`
	Approvals         int       `json:"approvals"`
	DeniedReason      string    `json:"denied_reason,omitempty"`
	SessionID         string    `json:"session_id,omitempty"`
	RequestedAt       time.Time `json:"requested_at"`
}

// BreakGlassSubmitCommandInput contains the input for the breakglass
// submit command.
type BreakGlassSubmitCommandInput struct {
	RequesterID       string
	EmergencyType     string
	Urgency           string
	Justification     string
	RequiredResources []string
	Duration          time.Duration

	App *Citadel

	// Manager is an optional manager implementation for testing.
	// If nil, a manager over the DynamoDB stores is created.
	Manager emergencyManager
}

// BreakGlassReviewCommandInput contains the input for the approve and
// deny commands.
type BreakGlassReviewCommandInput struct {
	RequestID string
	CallerID  string
	Comment   string

	App     *Citadel
	Manager emergencyManager
}

// BreakGlassListCommandInput contains the input for the breakglass list
// command.
type BreakGlassListCommandInput struct {
	RequesterID string
	Status      string
	Limit       int

	App *Citadel

	// Store is an optional RequestStore implementation for testing.
	// If nil, a DynamoDB store will be created from the configuration.
	Store breakglass.RequestStore
}

// BreakGlassReportCommandInput contains the input for the breakglass
// report command.
type BreakGlassReportCommandInput struct {
	RequestID string
	CallerID  string

	App     *Citadel
	Manager emergencyManager
}

// ConfigureBreakGlassCommands sets up the breakglass command group with
// kingpin.
func ConfigureBreakGlassCommands(app *kingpin.Application, c *Citadel) {
	cmd := app.Command("breakglass", "Manage emergency access")

	submitInput := BreakGlassSubmitCommandInput{}
	submit := cmd.Command("submit", "Declare an emergency and request access")
	submit.Flag("requester", "Declaring principal ID").
		Required().
		StringVar(&submitInput.RequesterID)
	submit.Flag("type", "Emergency type (system_outage, security_incident, data_recovery, critical_maintenance)").
		Required().
		StringVar(&submitInput.EmergencyType)
	submit.Flag("urgency", "Emergency urgency (medium, high, critical)").
		Default(string(breakglass.UrgencyMedium)).
		StringVar(&submitInput.Urgency)
	submit.Flag("justification", "Reason for the emergency access").
		Required().
		StringVar(&submitInput.Justification)
	submit.Flag("resource", "Required resource, repeatable").
		Required().
		StringsVar(&submitInput.RequiredResources)
	submit.Flag("duration", "Estimated incident length").
		Default("1h").
		DurationVar(&submitInput.Duration)
	submit.Action(func(pc *kingpin.ParseContext) error {
		submitInput.App = c
		err := BreakGlassSubmitCommand(context.Background(), submitInput)
		app.FatalIfError(err, "breakglass submit")
		return nil
	})

	approveInput := BreakGlassReviewCommandInput{}
	approve := cmd.Command("approve", "Approve an emergency request")
	approve.Arg("request-id", "The emergency request ID to approve").
		Required().
		StringVar(&approveInput.RequestID)
	approve.Flag("approver", "Approving administrator ID").
		Required().
		StringVar(&approveInput.CallerID)
	approve.Flag("comment", "Optional approval comment").
		StringVar(&approveInput.Comment)
	approve.Action(func(pc *kingpin.ParseContext) error {
		approveInput.App = c
		err := BreakGlassApproveCommand(context.Background(), approveInput)
		app.FatalIfError(err, "breakglass approve")
		return nil
	})

	denyInput := BreakGlassReviewCommandInput{}
	deny := cmd.Command("deny", "Deny an emergency request")
	deny.Arg("request-id", "The emergency request ID to deny").
		Required().
		StringVar(&denyInput.RequestID)
	deny.Flag("approver", "Denying administrator ID").
		Required().
		StringVar(&denyInput.CallerID)
	deny.Flag("reason", "Reason for the denial").
		Required().
		StringVar(&denyInput.Comment)
	deny.Action(func(pc *kingpin.ParseContext) error {
		denyInput.App = c
		err := BreakGlassDenyCommand(context.Background(), denyInput)
		app.FatalIfError(err, "breakglass deny")
		return nil
	})

	listInput := BreakGlassListCommandInput{}
	list := cmd.Command("list", "List emergency requests")
	list.Flag("requester", "Filter by requesting principal ID").
		StringVar(&listInput.RequesterID)
	list.Flag("status", "Filter by status (pending, approved, denied, active, expired, completed)").
		StringVar(&listInput.Status)
	list.Flag("limit", "Maximum number of requests to return").
		Default("100").
		IntVar(&listInput.Limit)
	list.Action(func(pc *kingpin.ParseContext) error {
		listInput.App = c
		err := BreakGlassListCommand(context.Background(), listInput)
		app.FatalIfError(err, "breakglass list")
		return nil
	})

	reportInput := BreakGlassReportCommandInput{}
	report := cmd.Command("report", "Close an emergency and produce the incident report")
	report.Arg("request-id", "The emergency request ID to close out").
		Required().
		StringVar(&reportInput.RequestID)
	report.Flag("caller", "Closing principal ID").
		Required().
		StringVar(&reportInput.CallerID)
	report.Action(func(pc *kingpin.ParseContext) error {
		reportInput.App = c
		err := BreakGlassReportCommand(context.Background(), reportInput)
		app.FatalIfError(err, "breakglass report")
		return nil
	})
}

// BreakGlassSubmitCommand declares an emergency.
func BreakGlassSubmitCommand(ctx context.Context, input BreakGlassSubmitCommandInput) error {
	if !principal.ValidatePrincipalID(input.RequesterID) {
		return fmt.Errorf("invalid principal ID %q", input.RequesterID)
	}
	emergencyType := breakglass.EmergencyType(input.EmergencyType)
	if !emergencyType.IsValid() {
		return fmt.Errorf("invalid emergency type %q", input.EmergencyType)
	}
	urgency := breakglass.Urgency(input.Urgency)
	if !urgency.IsValid() {
		return fmt.Errorf("invalid urgency %q", input.Urgency)
	}

	manager, err := resolveBreakGlassManager(ctx, input.Manager, input.App)
	if err != nil {
		return err
	}

	req, err := manager.Submit(ctx, breakglass.Submission{
		RequesterID:       input.RequesterID,
		EmergencyType:     emergencyType,
		Urgency:           urgency,
		Justification:     input.Justification,
		RequiredResources: input.RequiredResources,
		EstimatedDuration: input.Duration,
	})
	if err != nil {
		return err
	}
	return printJSON(emergencySummary(req))
}

// BreakGlassApproveCommand records one administrator approval.
func BreakGlassApproveCommand(ctx context.Context, input BreakGlassReviewCommandInput) error {
	manager, err := resolveBreakGlassManager(ctx, input.Manager, input.App)
	if err != nil {
		return err
	}
	req, err := manager.Approve(ctx, input.RequestID, input.CallerID, input.Comment)
	if err != nil {
		return err
	}
	return printJSON(emergencySummary(req))
}

// BreakGlassDenyCommand denies an emergency request.
func BreakGlassDenyCommand(ctx context.Context, input BreakGlassReviewCommandInput) error {
	manager, err := resolveBreakGlassManager(ctx, input.Manager, input.App)
	if err != nil {
		return err
	}
	req, err := manager.Deny(ctx, input.RequestID, input.CallerID, input.Comment)
	if err != nil {
		return err
	}
	return printJSON(emergencySummary(req))
}

// BreakGlassListCommand lists emergency requests by requester or status.
func BreakGlassListCommand(ctx context.Context, input BreakGlassListCommandInput) error {
	if input.RequesterID == "" && input.Status == "" {
		return fmt.Errorf("provide --requester or --status")
	}

	store := input.Store
	if store == nil {
		cfg, awsCfg, err := input.App.runtime(ctx)
		if err != nil {
			return err
		}
		store = breakglass.NewDynamoDBRequestStore(awsCfg, cfg.AWS.Tables.EmergencyRequests)
	}

	var requests []*breakglass.EmergencyRequest
	var err error
	if input.Status != "" {
		status := breakglass.RequestStatus(input.Status)
		if !status.IsValid() {
			return fmt.Errorf("invalid status %q", input.Status)
		}
		requests, err = store.ListByStatus(ctx, status, input.Limit)
	} else {
		requests, err = store.ListByRequester(ctx, input.RequesterID, input.Limit)
	}
	if err != nil {
		return err
	}

	summaries := make([]EmergencySummary, 0, len(requests))
	for _, req := range requests {
		summaries = append(summaries, *emergencySummary(req))
	}
	return printJSON(summaries)
}

// BreakGlassReportCommand closes an active emergency and prints the
// incident report.
func BreakGlassReportCommand(ctx context.Context, input BreakGlassReportCommandInput) error {
	manager, err := resolveBreakGlassManager(ctx, input.Manager, input.App)
	if err != nil {
		return err
	}
	report, err := manager.Complete(ctx, input.RequestID, input.CallerID)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func resolveBreakGlassManager(ctx context.Context, manager emergencyManager, app *Citadel) (emergencyManager, error) {
	if manager != nil {
		return manager, nil
	}
	return app.BreakGlassManager(ctx)
}

func emergencySummary(req *breakglass.EmergencyRequest) *EmergencySummary {
	return &EmergencySummary{
		ID:                req.ID,
		RequesterID:       req.RequesterID,
		EmergencyType:     string(req.EmergencyType),
		Urgency:           string(req.Urgency),
		Status:            string(req.Status),
		RequiredResources: req.RequiredResources,
		Approvals:         len(req.Approvals),
		DeniedReason:      req.DeniedReason,
		SessionID:         req.SessionID,
		RequestedAt:       req.RequestedAt,
	}
}
