package cli

import (
	"context"
	"fmt"

	"github.com/AlecAivazis/survey/v2"
	"github.com/alecthomas/kingpin/v2"

	"github.com/citadelzt/citadel/bootstrap"
	"github.com/citadelzt/citadel/config"
)

// tablePlanner plans table provisioning.
type tablePlanner interface {
	Plan(ctx context.Context, tables config.Tables) (*bootstrap.Plan, error)
}

// tableApplier executes a provisioning plan.
type tableApplier interface {
	Apply(ctx context.Context, plan *bootstrap.Plan) (*bootstrap.ApplyResult, error)
}

// dataSeeder loads baseline records into a fresh installation.
type dataSeeder interface {
	Seed(ctx context.Context) (*bootstrap.SeedResult, error)
}

// BootstrapCommandInput contains the input for the bootstrap command.
type BootstrapCommandInput struct {
	PlanOnly    bool
	AutoApprove bool
	Seed        bool
	JSONOutput  bool

	// App supplies configuration and AWS clients when the fields below
	// are nil.
	App *Citadel

	// Planner is an optional planner implementation for testing.
	// If nil, a DynamoDB planner is created from the AWS config.
	Planner tablePlanner

	// Applier is an optional executor implementation for testing.
	// If nil, a DynamoDB executor is created from the AWS config.
	Applier tableApplier

	// Seeder is an optional seeder implementation for testing.
	// If nil, a seeder over the DynamoDB stores is created.
	Seeder dataSeeder
}

// BootstrapCommandOutput represents the JSON output from the bootstrap
// command.
type BootstrapCommandOutput struct {
	Plan    *bootstrap.Plan        `json:"plan"`
	Applied *bootstrap.ApplyResult `json:"applied,omitempty"`
	Seeded  *bootstrap.SeedResult  `json:"seeded,omitempty"`
}

// ConfigureBootstrapCommand sets up the bootstrap command with kingpin.
func ConfigureBootstrapCommand(app *kingpin.Application, c *Citadel) {
	input := BootstrapCommandInput{}

	cmd := app.Command("bootstrap", "Provision the DynamoDB tables and seed baseline data")

	cmd.Flag("plan-only", "Show the provisioning plan without applying it").
		BoolVar(&input.PlanOnly)

	cmd.Flag("auto-approve", "Apply the plan without confirmation").
		BoolVar(&input.AutoApprove)

	cmd.Flag("seed", "Seed baseline policy, segments, and an admin principal after provisioning").
		BoolVar(&input.Seed)

	cmd.Flag("json", "Output the plan and results as JSON").
		BoolVar(&input.JSONOutput)

	cmd.Action(func(pc *kingpin.ParseContext) error {
		input.App = c
		err := BootstrapCommand(context.Background(), input)
		app.FatalIfError(err, "bootstrap")
		return nil
	})
}

// BootstrapCommand plans and applies table provisioning. Existing
// tables are left alone, so the command converges on re-runs.
func BootstrapCommand(ctx context.Context, input BootstrapCommandInput) error {
	cfg, err := input.App.Config()
	if err != nil {
		return err
	}

	planner := input.Planner
	if planner == nil {
		awsCfg, err := input.App.AWSConfig(ctx)
		if err != nil {
			return err
		}
		planner = bootstrap.NewPlanner(awsCfg)
	}

	plan, err := planner.Plan(ctx, cfg.AWS.Tables)
	if err != nil {
		return fmt.Errorf("planning: %w", err)
	}

	output := BootstrapCommandOutput{Plan: plan}

	if !input.JSONOutput {
		printPlan(plan)
	}

	if input.PlanOnly || plan.Summary.ToCreate == 0 {
		if input.JSONOutput {
			return printJSON(&output)
		}
		return nil
	}

	if !input.AutoApprove {
		ok, err := confirmApply(plan.Summary.ToCreate)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("aborted")
		}
	}

	applier := input.Applier
	if applier == nil {
		awsCfg, err := input.App.AWSConfig(ctx)
		if err != nil {
			return err
		}
		applier = bootstrap.NewExecutor(awsCfg)
	}

	result, err := applier.Apply(ctx, plan)
	if err != nil {
		return fmt.Errorf("applying: %w", err)
	}
	output.Applied = result

	if input.Seed {
		seeder := input.Seeder
		if seeder == nil {
			seeder, err = buildSeeder(ctx, input.App)
			if err != nil {
				return err
			}
		}
		seeded, err := seeder.Seed(ctx)
		if err != nil {
			return fmt.Errorf("seeding: %w", err)
		}
		output.Seeded = seeded
	}

	if input.JSONOutput {
		return printJSON(&output)
	}

	fmt.Printf("Created %d table(s), %d already existed\n", len(result.Created), len(result.Skipped))
	for _, failure := range result.Failed {
		fmt.Printf("failed: %s: %s\n", failure.Name, failure.Error)
	}
	if output.Seeded != nil {
		fmt.Printf("Seeded baseline policy %s and %d segment(s)\n",
			output.Seeded.PolicyID, len(output.Seeded.SegmentIDs))
	}
	if len(result.Failed) > 0 {
		return fmt.Errorf("%d table(s) failed to provision", len(result.Failed))
	}
	return nil
}

func buildSeeder(ctx context.Context, c *Citadel) (dataSeeder, error) {
	policies, err := c.PolicyStore(ctx)
	if err != nil {
		return nil, err
	}
	segments, err := c.SegmentStore(ctx)
	if err != nil {
		return nil, err
	}
	principals, err := c.PrincipalStore(ctx)
	if err != nil {
		return nil, err
	}
	return bootstrap.NewSeeder(policies, segments, principals), nil
}

func printPlan(plan *bootstrap.Plan) {
	fmt.Printf("Provisioning plan for %s:\n", plan.Region)
	for _, table := range plan.Tables {
		marker := " "
		if table.State == bootstrap.StateCreate {
			marker = "+"
		}
		fmt.Printf("  %s %s (%s)\n", marker, table.Name, table.Description)
	}
	fmt.Printf("%d to create, %d existing\n", plan.Summary.ToCreate, plan.Summary.Existing)
}

func confirmApply(count int) (bool, error) {
	ok := false
	prompt := &survey.Confirm{
		Message: fmt.Sprintf("Create %d table(s)?", count),
	}
	if err := survey.AskOne(prompt, &ok); err != nil {
		return false, err
	}
	return ok, nil
}
