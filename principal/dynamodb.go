package principal

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/citadelzt/citadel/errors"
)

// GSI names for the principals table.
const (
	// indexRole projects principals by role.
	indexRole = "gsi-role"
	// indexDepartment projects principals by department.
	indexDepartment = "gsi-department"
)

// dynamoDBAPI defines the DynamoDB operations used by DynamoDBStore.
// This interface allows mocking for tests.
type dynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoDBStore implements Store using AWS DynamoDB.
type DynamoDBStore struct {
	client    dynamoDBAPI
	tableName string
}

// NewDynamoDBStore creates a new DynamoDB-backed principal store.
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

// dynamoItem is the DynamoDB representation of a Principal.
// Times are stored as ISO 8601 strings for GSI range-key ordering.
type dynamoItem struct {
	ID              string   `dynamodbav:"id"`
	Role            string   `dynamodbav:"role"`
	Department      string   `dynamodbav:"department"`
	Active          bool     `dynamodbav:"active"`
	MFAEnabled      bool     `dynamodbav:"mfa_enabled"`
	AllowedSegments []string `dynamodbav:"allowed_segments,omitempty"`
	HostPrincipalID string   `dynamodbav:"host_principal_id,omitempty"`
	CreatedAt       string   `dynamodbav:"created_at"`
	LastSeenAt      string   `dynamodbav:"last_seen_at,omitempty"`
	UpdatedAt       string   `dynamodbav:"updated_at"`
}

func toItem(p *Principal) *dynamoItem {
	item := &dynamoItem{
		ID:              p.ID,
		Role:            string(p.Role),
		Department:      p.Department,
		Active:          p.Active,
		MFAEnabled:      p.MFAEnabled,
		AllowedSegments: p.AllowedSegments,
		HostPrincipalID: p.HostPrincipalID,
		CreatedAt:       p.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:       p.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if !p.LastSeenAt.IsZero() {
		item.LastSeenAt = p.LastSeenAt.UTC().Format(time.RFC3339Nano)
	}
	return item
}

func fromItem(item *dynamoItem) (*Principal, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, item.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, item.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	p := &Principal{
		ID:              item.ID,
		Role:            Role(item.Role),
		Department:      item.Department,
		Active:          item.Active,
		MFAEnabled:      item.MFAEnabled,
		AllowedSegments: item.AllowedSegments,
		HostPrincipalID: item.HostPrincipalID,
		CreatedAt:       createdAt,
		UpdatedAt:       updatedAt,
	}
	if item.LastSeenAt != "" {
		lastSeen, err := time.Parse(time.RFC3339Nano, item.LastSeenAt)
		if err != nil {
			return nil, fmt.Errorf("parsing last_seen_at: %w", err)
		}
		p.LastSeenAt = lastSeen
	}
	return p, nil
}

// enforceLimit applies the default and maximum query limits.
func enforceLimit(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}

// Create stores a new principal.
func (s *DynamoDBStore) Create(ctx context.Context, p *Principal) error {
	item, err := attributevalue.MarshalMap(toItem(p))
	if err != nil {
		return fmt.Errorf("marshaling principal: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if stderrors.As(err, &ccf) {
			return ErrPrincipalExists
		}
		return errors.WrapDynamoDBError(err, s.tableName, "create principal")
	}
	return nil
}

// Get retrieves a principal by ID.
func (s *DynamoDBStore) Get(ctx context.Context, id string) (*Principal, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return nil, errors.WrapDynamoDBError(err, s.tableName, "get principal")
	}
	if out.Item == nil {
		return nil, ErrPrincipalNotFound
	}

	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshaling principal: %w", err)
	}
	return fromItem(&item)
}

// Update modifies an existing principal with optimistic locking.
func (s *DynamoDBStore) Update(ctx context.Context, p *Principal) error {
	originalUpdatedAt := p.UpdatedAt.UTC().Format(time.RFC3339Nano)
	p.UpdatedAt = time.Now()

	item, err := attributevalue.MarshalMap(toItem(p))
	if err != nil {
		return fmt.Errorf("marshaling principal: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_exists(id) AND updated_at = :old_updated_at"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":old_updated_at": &types.AttributeValueMemberS{Value: originalUpdatedAt},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if stderrors.As(err, &ccf) {
			exists, existsErr := s.exists(ctx, p.ID)
			if existsErr != nil {
				return existsErr
			}
			if !exists {
				return ErrPrincipalNotFound
			}
			return ErrConcurrentModification
		}
		return errors.WrapDynamoDBError(err, s.tableName, "update principal")
	}
	return nil
}

// exists checks whether a principal record is present without unmarshaling it.
func (s *DynamoDBStore) exists(ctx context.Context, id string) (bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
		ProjectionExpression: aws.String("id"),
	})
	if err != nil {
		return false, errors.WrapDynamoDBError(err, s.tableName, "get principal")
	}
	return out.Item != nil, nil
}

// Delete removes a principal. Idempotent.
func (s *DynamoDBStore) Delete(ctx context.Context, id string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return errors.WrapDynamoDBError(err, s.tableName, "delete principal")
	}
	return nil
}

// ListByRole returns principals with the given role.
func (s *DynamoDBStore) ListByRole(ctx context.Context, role Role, limit int) ([]*Principal, error) {
	return s.queryByIndex(ctx, indexRole, "#role = :role", map[string]string{"#role": "role"}, map[string]types.AttributeValue{
		":role": &types.AttributeValueMemberS{Value: string(role)},
	}, limit)
}

// ListByDepartment returns principals in the given department.
func (s *DynamoDBStore) ListByDepartment(ctx context.Context, department string, limit int) ([]*Principal, error) {
	return s.queryByIndex(ctx, indexDepartment, "department = :department", nil, map[string]types.AttributeValue{
		":department": &types.AttributeValueMemberS{Value: department},
	}, limit)
}

func (s *DynamoDBStore) queryByIndex(ctx context.Context, index, keyCondition string, names map[string]string, values map[string]types.AttributeValue, limit int) ([]*Principal, error) {
	limit = enforceLimit(limit)

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		IndexName:                 aws.String(index),
		KeyConditionExpression:    aws.String(keyCondition),
		ExpressionAttributeValues: values,
		Limit:                     aws.Int32(int32(limit)),
	}
	if len(names) > 0 {
		input.ExpressionAttributeNames = names
	}

	out, err := s.client.Query(ctx, input)
	if err != nil {
		return nil, errors.WrapDynamoDBError(err, s.tableName, "query principals")
	}

	principals := make([]*Principal, 0, len(out.Items))
	for _, raw := range out.Items {
		var item dynamoItem
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			// Skip items that fail to unmarshal rather than failing the
			// whole query.
			continue
		}
		p, err := fromItem(&item)
		if err != nil {
			continue
		}
		principals = append(principals, p)
	}
	return principals, nil
}

// CreateTableInput returns the table definition for the principals table,
// used by bootstrap provisioning.
func CreateTableInput(tableName string) *dynamodb.CreateTableInput {
	return &dynamodb.CreateTableInput{
		TableName:   aws.String(tableName),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("role"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("department"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("created_at"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("id"), KeyType: types.KeyTypeHash},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String(indexRole),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("role"), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String("created_at"), KeyType: types.KeyTypeRange},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
			{
				IndexName: aws.String(indexDepartment),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("department"), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String("created_at"), KeyType: types.KeyTypeRange},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
		},
	}
}

// Verify interface compliance.
var _ Store = (*DynamoDBStore)(nil)
