package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	// DefaultPollInterval is how often the executor re-checks a table
	// that is still creating.
	DefaultPollInterval = 2 * time.Second

	// DefaultWaitTimeout bounds how long the executor waits for one
	// table to become active.
	DefaultWaitTimeout = 2 * time.Minute
)

// adminAPI defines the DynamoDB operations used by Executor.
// This interface enables testing with mock implementations.
type adminAPI interface {
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Executor applies a Plan by creating the missing tables and polling until
// each one is active.
type Executor struct {
	db           adminAPI
	pollInterval time.Duration
	waitTimeout  time.Duration
}

// NewExecutor creates a new Executor using the provided AWS configuration.
func NewExecutor(cfg aws.Config) *Executor {
	return &Executor{
		db:           dynamodb.NewFromConfig(cfg),
		pollInterval: DefaultPollInterval,
		waitTimeout:  DefaultWaitTimeout,
	}
}

// newExecutorWithClient creates an Executor with a custom DynamoDB client.
// This is primarily used for testing with mock clients.
func newExecutorWithClient(client adminAPI) *Executor {
	return &Executor{
		db:           client,
		pollInterval: time.Millisecond,
		waitTimeout:  time.Second,
	}
}

// ApplyError records a table that failed to provision.
type ApplyError struct {
	// Name is the table name that failed.
	Name string `json:"name"`
	// Error is the error message.
	Error string `json:"error"`
}

// ApplyResult contains the results of applying a plan.
type ApplyResult struct {
	// Created contains names of tables created and now active.
	Created []string `json:"created"`
	// Skipped contains names of tables that already existed.
	Skipped []string `json:"skipped"`
	// Failed contains tables that could not be provisioned.
	Failed []ApplyError `json:"failed"`
}

// Apply creates every table the plan marks for creation. It continues past
// individual failures, collecting them in the result.
func (e *Executor) Apply(ctx context.Context, plan *Plan) (*ApplyResult, error) {
	result := &ApplyResult{
		Created: []string{},
		Skipped: []string{},
		Failed:  []ApplyError{},
	}

	for _, spec := range plan.Tables {
		if spec.State != StateCreate {
			result.Skipped = append(result.Skipped, spec.Name)
			continue
		}
		if spec.input == nil {
			result.Failed = append(result.Failed, ApplyError{
				Name:  spec.Name,
				Error: "plan carries no table definition",
			})
			continue
		}

		if err := e.createTable(ctx, spec); err != nil {
			result.Failed = append(result.Failed, ApplyError{
				Name:  spec.Name,
				Error: err.Error(),
			})
			continue
		}
		result.Created = append(result.Created, spec.Name)
	}

	return result, nil
}

// createTable issues the CreateTable call and waits for the table to become
// active. A table that already exists counts as success so a re-run after a
// partial apply converges.
func (e *Executor) createTable(ctx context.Context, spec TableSpec) error {
	_, err := e.db.CreateTable(ctx, spec.input)
	if err != nil {
		var inUse *types.ResourceInUseException
		if !errors.As(err, &inUse) {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return e.waitForActive(ctx, spec.Name)
}

// waitForActive polls DescribeTable until the table reports ACTIVE.
func (e *Executor) waitForActive(ctx context.Context, name string) error {
	deadline := time.Now().Add(e.waitTimeout)
	for {
		out, err := e.db.DescribeTable(ctx, &dynamodb.DescribeTableInput{
			TableName: aws.String(name),
		})
		if err != nil {
			return fmt.Errorf("describe table: %w", err)
		}
		if out.Table != nil && out.Table.TableStatus == types.TableStatusActive {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("table %s did not become active within %s", name, e.waitTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.pollInterval):
		}
	}
}
