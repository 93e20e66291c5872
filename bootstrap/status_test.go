package bootstrap

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/citadelzt/citadel/config"
	"github.com/citadelzt/citadel/testutil"
)

func TestGetStatusReportsMissingTables(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()

	mock := &testutil.MockDynamoDBClient{
		DescribeTableFunc: describeExisting(map[string]bool{
			cfg.AWS.Tables.Principals: true,
		}),
	}
	checker := newStatusCheckerWithClient(mock)

	status, err := checker.GetStatus(ctx, cfg.AWS.Tables)
	if err != nil {
		t.Fatalf("GetStatus() = %v", err)
	}

	if status.Count != 16 {
		t.Errorf("Count = %d, want 16", status.Count)
	}
	if status.Missing != 13 {
		t.Errorf("Missing = %d, want 13", status.Missing)
	}
	if status.Ready() {
		t.Error("Ready() = true with missing tables")
	}
}

func TestGetStatusReady(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()

	var count int64 = 42
	mock := &testutil.MockDynamoDBClient{
		DescribeTableFunc: func(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
			return &dynamodb.DescribeTableOutput{
				Table: &types.TableDescription{
					TableName:   params.TableName,
					TableStatus: types.TableStatusActive,
					ItemCount:   aws.Int64(count),
				},
			}, nil
		},
	}
	checker := newStatusCheckerWithClient(mock)

	status, err := checker.GetStatus(ctx, cfg.AWS.Tables)
	if err != nil {
		t.Fatalf("GetStatus() = %v", err)
	}

	if !status.Ready() {
		t.Error("Ready() = false with every table active")
	}
	for _, info := range status.Tables {
		if !info.Exists || info.Status != "ACTIVE" || info.ItemCount != count {
			t.Errorf("table %s = %+v, want active with %d items", info.Name, info, count)
		}
	}
}

func TestGetStatusNotReadyWhileCreating(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()

	mock := &testutil.MockDynamoDBClient{
		DescribeTableFunc: func(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
			return &dynamodb.DescribeTableOutput{
				Table: &types.TableDescription{
					TableName:   params.TableName,
					TableStatus: types.TableStatusCreating,
				},
			}, nil
		},
	}
	checker := newStatusCheckerWithClient(mock)

	status, err := checker.GetStatus(ctx, cfg.AWS.Tables)
	if err != nil {
		t.Fatalf("GetStatus() = %v", err)
	}
	if status.Missing != 0 {
		t.Errorf("Missing = %d, want 0", status.Missing)
	}
	if status.Ready() {
		t.Error("Ready() = true while tables are still creating")
	}
}
