package policy

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/citadelzt/citadel/errors"
)

// dynamoDBAPI defines the DynamoDB operations used by DynamoDBStore.
// This interface allows mocking for tests.
type dynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoDBStore implements Store using AWS DynamoDB.
//
// Table schema assumptions (provisioned via citadel bootstrap):
//   - Partition key: id (String)
//
// The policy set is small (tens of records) and read through snapshots,
// so List uses Scan rather than maintaining an index.
type DynamoDBStore struct {
	client    dynamoDBAPI
	tableName string
}

// NewDynamoDBStore creates a new DynamoDB-backed policy store.
func NewDynamoDBStore(cfg aws.Config, tableName string) *DynamoDBStore {
	return &DynamoDBStore{
		client:    dynamodb.NewFromConfig(cfg),
		tableName: tableName,
	}
}

// newDynamoDBStoreWithClient creates a store with a custom client (for testing).
func newDynamoDBStoreWithClient(client dynamoDBAPI, tableName string) *DynamoDBStore {
	return &DynamoDBStore{
		client:    client,
		tableName: tableName,
	}
}

// dynamoItem is the DynamoDB representation of a Policy. Rules are stored
// as a JSON document; scalar fields stay flat.
type dynamoItem struct {
	ID                 string  `dynamodbav:"id"`
	Name               string  `dynamodbav:"name"`
	Priority           int     `dynamodbav:"priority"`
	Active             bool    `dynamodbav:"active"`
	CreatedBy          string  `dynamodbav:"created_by"`
	EffectivenessScore float64 `dynamodbav:"effectiveness_score"`
	Rules              string  `dynamodbav:"rules"`
	CreatedAt          string  `dynamodbav:"created_at"`
	UpdatedAt          string  `dynamodbav:"updated_at"`
}

func toItem(p *Policy) (*dynamoItem, error) {
	rules, err := json.Marshal(p.Rules)
	if err != nil {
		return nil, fmt.Errorf("marshaling rules: %w", err)
	}
	return &dynamoItem{
		ID:                 p.ID,
		Name:               p.Name,
		Priority:           p.Priority,
		Active:             p.Active,
		CreatedBy:          p.CreatedBy,
		EffectivenessScore: p.EffectivenessScore,
		Rules:              string(rules),
		CreatedAt:          p.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:          p.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

func fromItem(item *dynamoItem) (*Policy, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, item.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, item.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	p := &Policy{
		ID:                 item.ID,
		Name:               item.Name,
		Priority:           item.Priority,
		Active:             item.Active,
		CreatedBy:          item.CreatedBy,
		EffectivenessScore: item.EffectivenessScore,
		CreatedAt:          createdAt,
		UpdatedAt:          updatedAt,
	}
	if item.Rules != "" {
		if err := json.Unmarshal([]byte(item.Rules), &p.Rules); err != nil {
			return nil, fmt.Errorf("parsing rules: %w", err)
		}
	}
	return p, nil
}

// Create stores a new policy.
func (s *DynamoDBStore) Create(ctx context.Context, p *Policy) error {
	item, err := toItem(p)
	if err != nil {
		return err
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshaling policy: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if stderrors.As(err, &ccf) {
			return ErrPolicyExists
		}
		return errors.WrapDynamoDBError(err, s.tableName, "create policy")
	}
	return nil
}

// Get retrieves a policy by ID.
func (s *DynamoDBStore) Get(ctx context.Context, id string) (*Policy, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return nil, errors.WrapDynamoDBError(err, s.tableName, "get policy")
	}
	if out.Item == nil {
		return nil, ErrPolicyNotFound
	}

	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshaling policy: %w", err)
	}
	return fromItem(&item)
}

// Update modifies an existing policy with optimistic locking.
func (s *DynamoDBStore) Update(ctx context.Context, p *Policy) error {
	originalUpdatedAt := p.UpdatedAt.UTC().Format(time.RFC3339Nano)
	p.UpdatedAt = time.Now()

	item, err := toItem(p)
	if err != nil {
		return err
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshaling policy: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_exists(id) AND updated_at = :old_updated_at"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":old_updated_at": &types.AttributeValueMemberS{Value: originalUpdatedAt},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if stderrors.As(err, &ccf) {
			if _, getErr := s.Get(ctx, p.ID); getErr != nil {
				if stderrors.Is(getErr, ErrPolicyNotFound) {
					return ErrPolicyNotFound
				}
				return getErr
			}
			return ErrConcurrentModification
		}
		return errors.WrapDynamoDBError(err, s.tableName, "update policy")
	}
	return nil
}

// Delete removes a policy. Idempotent.
func (s *DynamoDBStore) Delete(ctx context.Context, id string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return errors.WrapDynamoDBError(err, s.tableName, "delete policy")
	}
	return nil
}

// List returns policies, newest first.
func (s *DynamoDBStore) List(ctx context.Context, limit int) ([]*Policy, error) {
	limit = enforceLimit(limit)

	out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
		TableName: aws.String(s.tableName),
		Limit:     aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, errors.WrapDynamoDBError(err, s.tableName, "scan policies")
	}

	policies := make([]*Policy, 0, len(out.Items))
	for _, raw := range out.Items {
		var item dynamoItem
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			continue
		}
		p, err := fromItem(&item)
		if err != nil {
			continue
		}
		policies = append(policies, p)
	}
	return policies, nil
}

// CreateTableInput returns the table definition for the policies table,
// used by bootstrap provisioning.
func CreateTableInput(tableName string) *dynamodb.CreateTableInput {
	return &dynamodb.CreateTableInput{
		TableName:   aws.String(tableName),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("id"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("id"), KeyType: types.KeyTypeHash},
		},
	}
}

// Verify interface compliance.
var _ Store = (*DynamoDBStore)(nil)
