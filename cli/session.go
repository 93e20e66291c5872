package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/citadelzt/citadel/principal"
	"github.com/citadelzt/citadel/session"
)

// sessionTerminator ends sessions.
type sessionTerminator interface {
	Terminate(ctx context.Context, sessionID, reason string) error
}

// SessionSummary is one session in command output.
type SessionSummary struct {
	ID                string    `json:"id"`
	PrincipalID       string    `json:"principal_id"`
	DeviceID          string    `json:"device_id,omitempty"`
	Status            string    `json:"status"`
	CurrentRiskScore  float64   `json:"current_risk_score"`
	TerminationReason string    `json:"termination_reason,omitempty"`
	StartedAt         time.Time `json:"started_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
}

// SessionListCommandInput contains the input for the session list
// command.
type SessionListCommandInput struct {
	PrincipalID string
	Status      string
	Limit       int

	App *Citadel

	// Store is an optional Store implementation for testing.
	// If nil, a DynamoDB store will be created from the configuration.
	Store session.Store
}

// SessionTerminateCommandInput contains the input for the session
// terminate command.
type SessionTerminateCommandInput struct {
	SessionID string
	Reason    string

	App *Citadel

	// Monitor is an optional terminator implementation for testing.
	// If nil, the session monitor is assembled from the DynamoDB stores.
	Monitor sessionTerminator
}

// ConfigureSessionCommands sets up the session command group with
// kingpin.
func ConfigureSessionCommands(app *kingpin.Application, c *Citadel) {
	cmd := app.Command("session", "Inspect and control monitored sessions")

	listInput := SessionListCommandInput{}
	list := cmd.Command("list", "List sessions")
	list.Flag("principal", "Filter by principal ID").
		StringVar(&listInput.PrincipalID)
	list.Flag("status", "Filter by status (active, stepping_up, terminated, expired)").
		Default(string(session.StatusActive)).
		StringVar(&listInput.Status)
	list.Flag("limit", "Maximum number of sessions to return").
		Default("100").
		IntVar(&listInput.Limit)
	list.Action(func(pc *kingpin.ParseContext) error {
		listInput.App = c
		err := SessionListCommand(context.Background(), listInput)
		app.FatalIfError(err, "session list")
		return nil
	})

	terminateInput := SessionTerminateCommandInput{}
	terminate := cmd.Command("terminate", "Terminate a session")
	terminate.Arg("session-id", "The session ID to terminate").
		Required().
		StringVar(&terminateInput.SessionID)
	terminate.Flag("reason", "Reason for the termination").
		Required().
		StringVar(&terminateInput.Reason)
	terminate.Action(func(pc *kingpin.ParseContext) error {
		terminateInput.App = c
		err := SessionTerminateCommand(context.Background(), terminateInput)
		app.FatalIfError(err, "session terminate")
		return nil
	})
}

// SessionListCommand lists sessions by principal or status.
func SessionListCommand(ctx context.Context, input SessionListCommandInput) error {
	store := input.Store
	if store == nil {
		var err error
		store, err = input.App.SessionStore(ctx)
		if err != nil {
			return err
		}
	}

	var sessions []*session.Session
	var err error
	if input.PrincipalID != "" {
		if !principal.ValidatePrincipalID(input.PrincipalID) {
			return fmt.Errorf("invalid principal ID %q", input.PrincipalID)
		}
		sessions, err = store.ListByPrincipal(ctx, input.PrincipalID, input.Limit)
	} else {
		status := session.Status(input.Status)
		if !status.IsValid() {
			return fmt.Errorf("invalid status %q", input.Status)
		}
		sessions, err = store.ListByStatus(ctx, status, input.Limit)
	}
	if err != nil {
		return err
	}

	summaries := make([]SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		summaries = append(summaries, SessionSummary{
			ID:                sess.ID,
			PrincipalID:       sess.PrincipalID,
			DeviceID:          sess.DeviceID,
			Status:            string(sess.Status),
			CurrentRiskScore:  sess.CurrentRiskScore,
			TerminationReason: sess.TerminationReason,
			StartedAt:         sess.StartedAt,
			LastActivityAt:    sess.LastActivityAt,
		})
	}
	return printJSON(summaries)
}

// SessionTerminateCommand ends a session.
func SessionTerminateCommand(ctx context.Context, input SessionTerminateCommandInput) error {
	monitor := input.Monitor
	if monitor == nil {
		built, err := input.App.SessionMonitor(ctx)
		if err != nil {
			return err
		}
		defer built.Stop()
		monitor = built
	}

	if err := monitor.Terminate(ctx, input.SessionID, input.Reason); err != nil {
		return err
	}
	fmt.Printf("Terminated session %s\n", input.SessionID)
	return nil
}
