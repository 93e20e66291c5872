package bootstrap

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/citadelzt/citadel/config"
)

// TableInfo holds status information about a single table.
type TableInfo struct {
	// Name is the table name.
	Name string `json:"name"`

	// Description says what the table stores.
	Description string `json:"description"`

	// Exists is false when the table is missing.
	Exists bool `json:"exists"`

	// Status is the live table status (ACTIVE, CREATING, ...).
	Status string `json:"status,omitempty"`

	// ItemCount is DynamoDB's approximate item count.
	ItemCount int64 `json:"item_count,omitempty"`
}

// StatusResult contains the results of a status query.
type StatusResult struct {
	// Tables contains one entry per configured table.
	Tables []TableInfo `json:"tables"`

	// Missing is the number of configured tables that do not exist.
	Missing int `json:"missing"`

	// Count is the total number of configured tables.
	Count int `json:"count"`
}

// Ready reports whether every configured table exists and is active.
func (r *StatusResult) Ready() bool {
	if r.Missing > 0 {
		return false
	}
	for _, t := range r.Tables {
		if t.Status != string(types.TableStatusActive) {
			return false
		}
	}
	return true
}

// StatusChecker queries DynamoDB for the state of the configured tables.
type StatusChecker struct {
	db describeAPI
}

// NewStatusChecker creates a new StatusChecker using the provided AWS
// configuration.
func NewStatusChecker(cfg aws.Config) *StatusChecker {
	return &StatusChecker{
		db: dynamodb.NewFromConfig(cfg),
	}
}

// newStatusCheckerWithClient creates a StatusChecker with a custom DynamoDB
// client. This is primarily used for testing with mock clients.
func newStatusCheckerWithClient(client describeAPI) *StatusChecker {
	return &StatusChecker{
		db: client,
	}
}

// GetStatus describes each configured table and reports what exists.
func (s *StatusChecker) GetStatus(ctx context.Context, tables config.Tables) (*StatusResult, error) {
	defs := tableDefs(tables)
	result := &StatusResult{
		Tables: make([]TableInfo, 0, len(defs)),
	}

	for _, def := range defs {
		info := TableInfo{
			Name:        def.name,
			Description: def.description,
		}

		out, err := s.db.DescribeTable(ctx, &dynamodb.DescribeTableInput{
			TableName: aws.String(def.name),
		})
		if err != nil {
			var notFound *types.ResourceNotFoundException
			if !errors.As(err, &notFound) {
				return nil, err
			}
			result.Missing++
		} else if out.Table != nil {
			info.Exists = true
			info.Status = string(out.Table.TableStatus)
			if out.Table.ItemCount != nil {
				info.ItemCount = *out.Table.ItemCount
			}
		}

		result.Tables = append(result.Tables, info)
	}

	result.Count = len(result.Tables)
	return result, nil
}
