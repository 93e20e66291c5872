package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/citadelzt/citadel/jit"
	"github.com/citadelzt/citadel/principal"
	"github.com/citadelzt/citadel/request"
)

// elevationManager covers the manager operations the jit commands use.
type elevationManager interface {
	Submit(ctx context.Context, req jit.Request) (*jit.Grant, error)
	Approve(ctx context.Context, grantID, approverID, comments string) (*jit.Grant, error)
	Deny(ctx context.Context, grantID, approverID, reason string) (*jit.Grant, error)
	Revoke(ctx context.Context, grantID, callerID, reason string) (*jit.Grant, error)
}

// GrantSummary is one elevation grant in command output.
type GrantSummary struct {
	ID               string    `json:"id"`
	PrincipalID      string    `json:"principal_id"`
	SegmentID        string    `json:"segment_id"`
	Status           string    `json:"status"`
	Duration         string    `json:"duration"`
	RequiresApproval bool      `json:"requires_approval,omitempty"`
	ApprovalsNeeded  int       `json:"approvals_needed,omitempty"`
	DeniedReason     string    `json:"denied_reason,omitempty"`
	RevokedReason    string    `json:"revoked_reason,omitempty"`
	GrantedAt        time.Time `json:"granted_at,omitempty"`
	ExpiresAt        time.Time `json:"expires_at,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// JITRequestCommandInput contains the input for the jit request command.
type JITRequestCommandInput struct {
	PrincipalID   string
	SegmentID     string
	Justification string
	Duration      time.Duration
	Urgency       string
	IP            string
	SessionID     string

	App *Citadel

	// Manager is an optional manager implementation for testing.
	// If nil, a manager over the DynamoDB stores is created.
	Manager elevationManager
}

// JITReviewCommandInput contains the input for the approve, deny, and
// revoke commands, which share a shape: a grant, a caller, and a reason.
type JITReviewCommandInput struct {
	GrantID  string
	CallerID string
	Comment  string

	App     *Citadel
	Manager elevationManager
}

// JITListCommandInput contains the input for the jit list command.
type JITListCommandInput struct {
	PrincipalID string
	Status      string
	Limit       int

	App *Citadel

	// Store is an optional Store implementation for testing.
	// If nil, a DynamoDB store will be created from the configuration.
	Store jit.Store
}

// ConfigureJITCommands sets up the jit command group with kingpin.
func ConfigureJITCommands(app *kingpin.Application, c *Citadel) {
	cmd := app.Command("jit", "Manage just-in-time elevations")

	requestInput := JITRequestCommandInput{}
	req := cmd.Command("request", "Request elevation into a segment")
	req.Flag("principal", "Requesting principal ID").
		Required().
		StringVar(&requestInput.PrincipalID)
	req.Flag("segment", "Segment ID to elevate into").
		Required().
		StringVar(&requestInput.SegmentID)
	req.Flag("justification", "Reason for the elevation").
		Required().
		StringVar(&requestInput.Justification)
	req.Flag("duration", "Requested elevation lifetime").
		Default("1h").
		DurationVar(&requestInput.Duration)
	req.Flag("urgency", "Request urgency (low, medium, high)").
		Default(string(request.UrgencyMedium)).
		StringVar(&requestInput.Urgency)
	req.Flag("ip", "Request source address").
		StringVar(&requestInput.IP)
	req.Flag("session", "Requester's live session ID").
		StringVar(&requestInput.SessionID)
	req.Action(func(pc *kingpin.ParseContext) error {
		requestInput.App = c
		err := JITRequestCommand(context.Background(), requestInput)
		app.FatalIfError(err, "jit request")
		return nil
	})

	approveInput := JITReviewCommandInput{}
	approve := cmd.Command("approve", "Approve a pending elevation")
	approve.Arg("grant-id", "The grant ID to approve").
		Required().
		StringVar(&approveInput.GrantID)
	approve.Flag("approver", "Approving principal ID").
		Required().
		StringVar(&approveInput.CallerID)
	approve.Flag("comment", "Optional approval comment").
		StringVar(&approveInput.Comment)
	approve.Action(func(pc *kingpin.ParseContext) error {
		approveInput.App = c
		err := JITApproveCommand(context.Background(), approveInput)
		app.FatalIfError(err, "jit approve")
		return nil
	})

	denyInput := JITReviewCommandInput{}
	deny := cmd.Command("deny", "Deny a pending elevation")
	deny.Arg("grant-id", "The grant ID to deny").
		Required().
		StringVar(&denyInput.GrantID)
	deny.Flag("approver", "Denying principal ID").
		Required().
		StringVar(&denyInput.CallerID)
	deny.Flag("reason", "Reason for the denial").
		Required().
		StringVar(&denyInput.Comment)
	deny.Action(func(pc *kingpin.ParseContext) error {
		denyInput.App = c
		err := JITDenyCommand(context.Background(), denyInput)
		app.FatalIfError(err, "jit deny")
		return nil
	})

	revokeInput := JITReviewCommandInput{}
	revoke := cmd.Command("revoke", "Revoke an active elevation")
	revoke.Arg("grant-id", "The grant ID to revoke").
		Required().
		StringVar(&revokeInput.GrantID)
	revoke.Flag("caller", "Revoking principal ID").
		Required().
		StringVar(&revokeInput.CallerID)
	revoke.Flag("reason", "Reason for the revocation").
		Required().
		StringVar(&revokeInput.Comment)
	revoke.Action(func(pc *kingpin.ParseContext) error {
		revokeInput.App = c
		err := JITRevokeCommand(context.Background(), revokeInput)
		app.FatalIfError(err, "jit revoke")
		return nil
	})

	listInput := JITListCommandInput{}
	list := cmd.Command("list", "List elevation grants")
	list.Flag("principal", "Filter by principal ID").
		StringVar(&listInput.PrincipalID)
	list.Flag("status", "Filter by status (pending_approval, granted, denied, expired, revoked)").
		StringVar(&listInput.Status)
	list.Flag("limit", "Maximum number of grants to return").
		Default("100").
		IntVar(&listInput.Limit)
	list.Action(func(pc *kingpin.ParseContext) error {
		listInput.App = c
		err := JITListCommand(context.Background(), listInput)
		app.FatalIfError(err, "jit list")
		return nil
	})
}

// JITRequestCommand submits an elevation request.
func JITRequestCommand(ctx context.Context, input JITRequestCommandInput) error {
	if !principal.ValidatePrincipalID(input.PrincipalID) {
		return fmt.Errorf("invalid principal ID %q", input.PrincipalID)
	}
	urgency := request.Urgency(input.Urgency)
	if !urgency.IsValid() {
		return fmt.Errorf("invalid urgency %q", input.Urgency)
	}

	manager, err := resolveJITManager(ctx, input.Manager, input.App)
	if err != nil {
		return err
	}

	grant, err := manager.Submit(ctx, jit.Request{
		PrincipalID:   input.PrincipalID,
		SegmentID:     input.SegmentID,
		Justification: input.Justification,
		Duration:      input.Duration,
		Urgency:       urgency,
		IP:            input.IP,
		SessionID:     input.SessionID,
	})
	if err != nil {
		return err
	}
	return printJSON(grantSummary(grant))
}

// JITApproveCommand approves a pending elevation.
func JITApproveCommand(ctx context.Context, input JITReviewCommandInput) error {
	manager, err := resolveJITManager(ctx, input.Manager, input.App)
	if err != nil {
		return err
	}
	grant, err := manager.Approve(ctx, input.GrantID, input.CallerID, input.Comment)
	if err != nil {
		return err
	}
	return printJSON(grantSummary(grant))
}

// JITDenyCommand denies a pending elevation.
func JITDenyCommand(ctx context.Context, input JITReviewCommandInput) error {
	manager, err := resolveJITManager(ctx, input.Manager, input.App)
	if err != nil {
		return err
	}
	grant, err := manager.Deny(ctx, input.GrantID, input.CallerID, input.Comment)
	if err != nil {
		return err
	}
	return printJSON(grantSummary(grant))
}

// JITRevokeCommand revokes an active elevation.
func JITRevokeCommand(ctx context.Context, input JITReviewCommandInput) error {
	manager, err := resolveJITManager(ctx, input.Manager, input.App)
	if err != nil {
		return err
	}
	grant, err := manager.Revoke(ctx, input.GrantID, input.CallerID, input.Comment)
	if err != nil {
		return err
	}
	return printJSON(grantSummary(grant))
}

// JITListCommand lists grants by principal or status.
func JITListCommand(ctx context.Context, input JITListCommandInput) error {
	if input.PrincipalID == "" && input.Status == "" {
		return fmt.Errorf("provide --principal or --status")
	}

	store := input.Store
	if store == nil {
		var err error
		store, err = input.App.GrantStore(ctx)
		if err != nil {
			return err
		}
	}

	var grants []*jit.Grant
	var err error
	if input.Status != "" {
		status := jit.GrantStatus(input.Status)
		if !status.IsValid() {
			return fmt.Errorf("invalid status %q", input.Status)
		}
		grants, err = store.ListByStatus(ctx, status, input.Limit)
	} else {
		grants, err = store.ListByPrincipal(ctx, input.PrincipalID, input.Limit)
	}
	if err != nil {
		return err
	}

	// A principal filter on top of a status query narrows the result.
	if input.PrincipalID != "" && input.Status != "" {
		filtered := make([]*jit.Grant, 0, len(grants))
		for _, grant := range grants {
			if grant.PrincipalID == input.PrincipalID {
				filtered = append(filtered, grant)
			}
		}
		grants = filtered
	}

	summaries := make([]GrantSummary, 0, len(grants))
	for _, grant := range grants {
		summaries = append(summaries, *grantSummary(grant))
	}
	return printJSON(summaries)
}

func resolveJITManager(ctx context.Context, manager elevationManager, app *Citadel) (elevationManager, error) {
	if manager != nil {
		return manager, nil
	}
	return app.JITManager(ctx)
}

func grantSummary(grant *jit.Grant) *GrantSummary {
	return &GrantSummary{
		ID:               grant.ID,
		PrincipalID:      grant.PrincipalID,
		SegmentID:        grant.SegmentID,
		Status:           string(grant.Status),
		Duration:         grant.Duration.String(),
		RequiresApproval: grant.RequiresApproval,
		ApprovalsNeeded:  grant.ApprovalsNeeded,
		DeniedReason:     grant.DeniedReason,
		RevokedReason:    grant.RevokedReason,
		GrantedAt:        grant.GrantedAt,
		ExpiresAt:        grant.ExpiresAt,
		CreatedAt:        grant.CreatedAt,
	}
}
