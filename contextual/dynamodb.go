package contextual

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

// dynamoDBAPI defines the DynamoDB operations used by DynamoDBHistoryStore.
// This interface allows mocking for tests.
type dynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoDBHistoryStore implements HistoryStore using AWS DynamoDB.
//
// Table schema assumptions (provisioned via citadel bootstrap):
//   - Partition key: principal_id (String)
//
// One item per principal; the event ring is stored as a JSON document.
type DynamoDBHistoryStore struct {
	client    dynamoDBAPI
	tableName string
}

// NewDynamoDBHistoryStore creates a new DynamoDB-backed history store.
func NewDynamoDBHistoryStore(cfg aws.Config, tableName string) *DynamoDBHistoryStore {
	return &DynamoDBHistoryStore{
		client:    dynamodb.NewFromConfig(cfg),
		tableName: tableName,
	}
}

// newDynamoDBHistoryStoreWithClient creates a store with a custom client (for testing).
func newDynamoDBHistoryStoreWithClient(client dynamoDBAPI, tableName string) *DynamoDBHistoryStore {
	return &DynamoDBHistoryStore{
		client:    client,
		tableName: tableName,
	}
}

// dynamoItem is the DynamoDB representation of a History.
type dynamoItem struct {
	PrincipalID string `dynamodbav:"principal_id"`
	Events      string `dynamodbav:"events"`
	UpdatedAt   string `dynamodbav:"updated_at"`
}

// Get retrieves a principal's history.
func (s *DynamoDBHistoryStore) Get(ctx context.Context, principalID string) (*History, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"principal_id": &types.AttributeValueMemberS{Value: principalID},
		},
	})
	if err != nil {
		return nil, errors.WrapDynamoDBError(err, s.tableName, "get access history")
	}
	if out.Item == nil {
		return nil, ErrHistoryNotFound
	}

	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshaling access history: %w", err)
	}

	history := &History{PrincipalID: item.PrincipalID}
	if item.UpdatedAt != "" {
		updatedAt, err := time.Parse(time.RFC3339Nano, item.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		history.UpdatedAt = updatedAt
	}
	if item.Events != "" {
		if err := json.Unmarshal([]byte(item.Events), &history.Events); err != nil {
			return nil, fmt.Errorf("parsing events: %w", err)
		}
	}
	return history, nil
}

// Put stores the history, replacing any existing record.
func (s *DynamoDBHistoryStore) Put(ctx context.Context, history *History) error {
	events, err := json.Marshal(history.Events)
	if err != nil {
		return fmt.Errorf("marshaling events: %w", err)
	}
	item := dynamoItem{
		PrincipalID: history.PrincipalID,
		Events:      string(events),
		UpdatedAt:   history.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshaling access history: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      av,
	})
	if err != nil {
		return errors.WrapDynamoDBError(err, s.tableName, "put access history")
	}
	return nil
}

// Delete removes a principal's history. Idempotent.
func (s *DynamoDBHistoryStore) Delete(ctx context.Context, principalID string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"principal_id": &types.AttributeValueMemberS{Value: principalID},
		},
	})
	if err != nil {
		return errors.WrapDynamoDBError(err, s.tableName, "delete access history")
	}
	return nil
}

// CreateTableInput returns the table definition for the access history
// table, used by bootstrap provisioning.
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
var _ HistoryStore = (*DynamoDBHistoryStore)(nil)
