package bootstrap

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/citadelzt/citadel/config"
	"github.com/citadelzt/citadel/testutil"
)

// describeExisting answers DescribeTable as if only the named tables exist,
// all ACTIVE.
func describeExisting(existing map[string]bool) func(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	return func(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
		if existing[aws.ToString(params.TableName)] {
			return &dynamodb.DescribeTableOutput{
				Table: &types.TableDescription{
					TableName:   params.TableName,
					TableStatus: types.TableStatusActive,
				},
			}, nil
		}
		return nil, &types.ResourceNotFoundException{}
	}
}

func TestPlanMarksMissingTablesForCreation(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()

	mock := &testutil.MockDynamoDBClient{
		DescribeTableFunc: describeExisting(map[string]bool{
			cfg.AWS.Tables.Principals: true,
			cfg.AWS.Tables.Audit:      true,
		}),
	}
	planner := newPlannerWithClient(mock, "us-east-1")

	plan, err := planner.Plan(ctx, cfg.AWS.Tables)
	if err != nil {
		t.Fatalf("Plan() = %v", err)
	}

	if plan.Summary.Total != 16 {
		t.Fatalf("Summary.Total = %d, want 16", plan.Summary.Total)
	}
	if plan.Summary.Existing != 2 {
		t.Errorf("Summary.Existing = %d, want 2", plan.Summary.Existing)
	}
	if plan.Summary.ToCreate != 12 {
		t.Errorf("Summary.ToCreate = %d, want 12", plan.Summary.ToCreate)
	}

	for _, spec := range plan.Tables {
		switch spec.Name {
		case cfg.AWS.Tables.Principals, cfg.AWS.Tables.Audit:
			if spec.State != StateExists {
				t.Errorf("table %s: state = %s, want exists", spec.Name, spec.State)
			}
			if spec.CurrentStatus != "ACTIVE" {
				t.Errorf("table %s: status = %q, want ACTIVE", spec.Name, spec.CurrentStatus)
			}
		default:
			if spec.State != StateCreate {
				t.Errorf("table %s: state = %s, want create", spec.Name, spec.State)
			}
			if spec.input == nil {
				t.Errorf("table %s: plan carries no schema", spec.Name)
			}
		}
	}
}

func TestPlanPropagatesDescribeErrors(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()

	mock := &testutil.MockDynamoDBClient{
		DescribeTableFunc: func(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
			return nil, errors.New("throttled")
		},
	}
	planner := newPlannerWithClient(mock, "us-east-1")

	if _, err := planner.Plan(ctx, cfg.AWS.Tables); err == nil {
		t.Fatal("Plan() = nil, want error")
	}
}

func TestPlanRejectsEmptyTableName(t *testing.T) {
	ctx := context.Background()
	tables := config.Default().AWS.Tables
	tables.Sessions = ""

	planner := newPlannerWithClient(&testutil.MockDynamoDBClient{}, "us-east-1")

	if _, err := planner.Plan(ctx, tables); err == nil {
		t.Fatal("Plan() = nil, want error for empty table name")
	}
}
