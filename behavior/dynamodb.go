package behavior

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/citadelzt/citadel/errors"
)

// dynamoDBAPI defines the DynamoDB operations used by DynamoDBBaselineStore.
// This interface allows mocking for tests.
type dynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoDBBaselineStore implements BaselineStore using AWS DynamoDB.
//
// Table schema assumptions (provisioned via citadel bootstrap):
//   - Partition key: principal_id (String)
//
// One item per principal; the feature statistics are stored as a JSON
// document.
type DynamoDBBaselineStore struct {
	client    dynamoDBAPI
	tableName string
}

// NewDynamoDBBaselineStore creates a new DynamoDB-backed baseline store.
func NewDynamoDBBaselineStore(cfg aws.Config, tableName string) *DynamoDBBaselineStore {
	return &DynamoDBBaselineStore{
		client:    dynamodb.NewFromConfig(cfg),
		tableName: tableName,
	}
}

// newDynamoDBBaselineStoreWithClient creates a store with a custom client (for testing).
func newDynamoDBBaselineStoreWithClient(client dynamoDBAPI, tableName string) *DynamoDBBaselineStore {
	return &DynamoDBBaselineStore{
		client:    client,
		tableName: tableName,
	}
}

// dynamoItem is the DynamoDB representation of a Baseline.
type dynamoItem struct {
	PrincipalID  string `dynamodbav:"principal_id"`
	Features     string `dynamodbav:"features"`
	SessionCount int    `dynamodbav:"session_count"`
	UpdatedAt    string `dynamodbav:"updated_at"`
}

// featureDoc is the JSON layout of the five feature statistics.
type featureDoc struct {
	Keystroke   FeatureStats `json:"keystroke"`
	Mouse       FeatureStats `json:"mouse"`
	Navigation  FeatureStats `json:"navigation"`
	RequestRate FeatureStats `json:"request_rate"`
	Duration    FeatureStats `json:"duration"`
}

// Get retrieves a principal's baseline.
func (s *DynamoDBBaselineStore) Get(ctx context.Context, principalID string) (*Baseline, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"principal_id": &types.AttributeValueMemberS{Value: principalID},
		},
	})
	if err != nil {
		return nil, errors.WrapDynamoDBError(err, s.tableName, "get baseline")
	}
	if out.Item == nil {
		return nil, ErrBaselineNotFound
	}

	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshaling baseline: %w", err)
	}

	baseline := &Baseline{
		PrincipalID:  item.PrincipalID,
		SessionCount: item.SessionCount,
	}
	if item.UpdatedAt != "" {
		updatedAt, err := time.Parse(time.RFC3339Nano, item.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		baseline.UpdatedAt = updatedAt
	}
	if item.Features != "" {
		var doc featureDoc
		if err := json.Unmarshal([]byte(item.Features), &doc); err != nil {
			return nil, fmt.Errorf("parsing features: %w", err)
		}
		baseline.Keystroke = doc.Keystroke
		baseline.Mouse = doc.Mouse
		baseline.Navigation = doc.Navigation
		baseline.RequestRate = doc.RequestRate
		baseline.Duration = doc.Duration
	}
	return baseline, nil
}

// Put stores the baseline, replacing any existing record.
func (s *DynamoDBBaselineStore) Put(ctx context.Context, baseline *Baseline) error {
	features, err := json.Marshal(featureDoc{
		Keystroke:   baseline.Keystroke,
		Mouse:       baseline.Mouse,
		Navigation:  baseline.Navigation,
		RequestRate: baseline.RequestRate,
		Duration:    baseline.Duration,
	})
	if err != nil {
		return fmt.Errorf("marshaling features: %w", err)
	}

	item := dynamoItem{
		PrincipalID:  baseline.PrincipalID,
		Features:     string(features),
		SessionCount: baseline.SessionCount,
		UpdatedAt:    baseline.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshaling baseline: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      av,
	})
	if err != nil {
		return errors.WrapDynamoDBError(err, s.tableName, "put baseline")
	}
	return nil
}

// Delete removes a principal's baseline. Idempotent.
func (s *DynamoDBBaselineStore) Delete(ctx context.Context, principalID string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"principal_id": &types.AttributeValueMemberS{Value: principalID},
		},
	})
	if err != nil {
		return errors.WrapDynamoDBError(err, s.tableName, "delete baseline")
	}
	return nil
}

// CreateTableInput returns the table definition for the baselines table,
// used by bootstrap provisioning.
func CreateTableInput(tableName string) *dynamodb.CreateTableInput {
	return &dynamodb.CreateTableInput{
		TableName:   aws.String(tableName),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("principal_id"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("principal_id"), KeyType: types.KeyTypeHash},
		},
	}
}

// Verify interface compliance.
var _ BaselineStore = (*DynamoDBBaselineStore)(nil)
