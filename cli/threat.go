package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/citadelzt/citadel/principal"
	"github.com/citadelzt/citadel/threat"
)

// threatAssessor produces predictions from audit history.
type threatAssessor interface {
	Assess(ctx context.Context, principalID string) (*threat.Prediction, error)
}

// PredictionSummary is one threat prediction in command output.
type PredictionSummary struct {
	ID                 string    `json:"id"`
	PrincipalID        string    `json:"principal_id"`
	Type               string    `json:"type"`
	Score              float64   `json:"score"`
	Confidence         float64   `json:"confidence"`
	Status             string    `json:"status"`
	Indicators         int       `json:"indicators"`
	PreventiveMeasures []string  `json:"preventive_measures,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// ThreatScanCommandInput contains the input for the threat scan command.
type ThreatScanCommandInput struct {
	PrincipalID string

	App *Citadel

	// Detector is an optional assessor implementation for testing.
	// If nil, the detector is assembled over the DynamoDB audit chain.
	Detector threatAssessor
}

// ThreatListCommandInput contains the input for the threat list command.
type ThreatListCommandInput struct {
	PrincipalID string
	Status      string
	Since       time.Duration
	Limit       int

	App *Citadel

	// Store is an optional Store implementation for testing.
	// If nil, a DynamoDB store will be created from the configuration.
	Store threat.Store
}

// ConfigureThreatCommands sets up the threat command group with kingpin.
func ConfigureThreatCommands(app *kingpin.Application, c *Citadel) {
	cmd := app.Command("threat", "Assess and inspect threat predictions")

	scanInput := ThreatScanCommandInput{}
	scan := cmd.Command("scan", "Assess a principal's recent audit history for threats")
	scan.Flag("principal", "Principal ID to assess").
		Required().
		StringVar(&scanInput.PrincipalID)
	scan.Action(func(pc *kingpin.ParseContext) error {
		scanInput.App = c
		err := ThreatScanCommand(context.Background(), scanInput)
		app.FatalIfError(err, "threat scan")
		return nil
	})

	listInput := ThreatListCommandInput{}
	list := cmd.Command("list", "List threat predictions")
	list.Flag("principal", "Filter by principal ID").
		StringVar(&listInput.PrincipalID)
	list.Flag("status", "Filter by status (pending, confirmed, false_positive, prevented)").
		StringVar(&listInput.Status)
	list.Flag("since", "List predictions newer than this age").
		Default("24h").
		DurationVar(&listInput.Since)
	list.Flag("limit", "Maximum number of predictions to return").
		Default("100").
		IntVar(&listInput.Limit)
	list.Action(func(pc *kingpin.ParseContext) error {
		listInput.App = c
		err := ThreatListCommand(context.Background(), listInput)
		app.FatalIfError(err, "threat list")
		return nil
	})
}

// ThreatScanCommand assesses one principal and prints the prediction.
// A clean assessment prints a null result rather than failing.
func ThreatScanCommand(ctx context.Context, input ThreatScanCommandInput) error {
	if !principal.ValidatePrincipalID(input.PrincipalID) {
		return fmt.Errorf("invalid principal ID %q", input.PrincipalID)
	}

	detector := input.Detector
	if detector == nil {
		built, err := input.App.ThreatDetector(ctx)
		if err != nil {
			return err
		}
		detector = built
	}

	prediction, err := detector.Assess(ctx, input.PrincipalID)
	if err != nil {
		return err
	}
	if prediction == nil {
		return printJSON(map[string]any{
			"principal_id": input.PrincipalID,
			"prediction":   nil,
		})
	}
	return printJSON(predictionSummary(prediction))
}

// ThreatListCommand lists predictions by principal, status, or age.
func ThreatListCommand(ctx context.Context, input ThreatListCommandInput) error {
	store := input.Store
	if store == nil {
		var err error
		store, err = input.App.ThreatStore(ctx)
		if err != nil {
			return err
		}
	}

	var predictions []*threat.Prediction
	var err error
	switch {
	case input.PrincipalID != "":
		if !principal.ValidatePrincipalID(input.PrincipalID) {
			return fmt.Errorf("invalid principal ID %q", input.PrincipalID)
		}
		predictions, err = store.ListByPrincipal(ctx, input.PrincipalID, input.Limit)
	case input.Status != "":
		status := threat.PredictionStatus(input.Status)
		if !status.IsValid() {
			return fmt.Errorf("invalid status %q", input.Status)
		}
		predictions, err = store.ListByStatus(ctx, status, input.Limit)
	default:
		predictions, err = store.ListSince(ctx, time.Now().Add(-input.Since), input.Limit)
	}
	if err != nil {
		return err
	}

	summaries := make([]PredictionSummary, 0, len(predictions))
	for _, prediction := range predictions {
		summaries = append(summaries, *predictionSummary(prediction))
	}
	return printJSON(summaries)
}

func predictionSummary(p *threat.Prediction) *PredictionSummary {
	return &PredictionSummary{
		ID:                 p.ID,
		PrincipalID:        p.PrincipalID,
		Type:               string(p.Type),
		Score:              p.Score,
		Confidence:         p.Confidence,
		Status:             string(p.Status),
		Indicators:         len(p.Indicators),
		PreventiveMeasures: p.PreventiveMeasures,
		CreatedAt:          p.CreatedAt,
	}
}
