package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/citadelzt/citadel/config"
)

// describeAPI defines the DynamoDB operations used by Planner.
// This interface enables testing with mock implementations.
type describeAPI interface {
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Planner checks DynamoDB for existing tables and produces a Plan.
// It enables a dry-run workflow before making changes.
type Planner struct {
	db     describeAPI
	region string
}

// NewPlanner creates a new Planner using the provided AWS configuration.
func NewPlanner(cfg aws.Config) *Planner {
	return &Planner{
		db:     dynamodb.NewFromConfig(cfg),
		region: cfg.Region,
	}
}

// newPlannerWithClient creates a Planner with a custom DynamoDB client.
// This is primarily used for testing with mock clients.
func newPlannerWithClient(client describeAPI, region string) *Planner {
	return &Planner{
		db:     client,
		region: region,
	}
}

// Plan checks each configured table and reports which ones need creating.
func (p *Planner) Plan(ctx context.Context, tables config.Tables) (*Plan, error) {
	defs := tableDefs(tables)
	specs := make([]TableSpec, 0, len(defs))

	for _, def := range defs {
		if def.name == "" {
			return nil, fmt.Errorf("table name missing for %s", def.description)
		}

		status, err := p.describeTable(ctx, def.name)
		if err != nil {
			return nil, fmt.Errorf("describe table %s: %w", def.name, err)
		}

		spec := TableSpec{
			Name:        def.name,
			Description: def.description,
			input:       def.input,
		}
		if status == "" {
			spec.State = StateCreate
		} else {
			spec.State = StateExists
			spec.CurrentStatus = status
		}
		specs = append(specs, spec)
	}

	plan := &Plan{
		Region:      p.region,
		Tables:      specs,
		GeneratedAt: time.Now(),
	}
	plan.Summary.Compute(specs)
	return plan, nil
}

// describeTable returns the table status, or "" when the table does not
// exist.
func (p *Planner) describeTable(ctx context.Context, name string) (string, error) {
	out, err := p.db.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(name),
	})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return "", nil
		}
		return "", err
	}
	if out.Table == nil {
		return "", nil
	}
	return string(out.Table.TableStatus), nil
}
