package adaptive

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
	"github.com/citadelzt/citadel/policy"
)

const indexPolicy = "gsi-policy"

// dynamoDBAPI is the subset of the DynamoDB client the store uses.
type dynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoDBStore persists adjustments in DynamoDB. Rule snapshots are
// stored as JSON documents inside the item.
type DynamoDBStore struct {
	client    dynamoDBAPI
	tableName string
}

// NewDynamoDBStore creates a DynamoDB-backed adjustment store.
func NewDynamoDBStore(client *dynamodb.Client, tableName string) *DynamoDBStore {
	return &DynamoDBStore{client: client, tableName: tableName}
}

type adjustmentItem struct {
	ID         string  `dynamodbav:"id"`
	PolicyID   string  `dynamodbav:"policy_id"`
	Action     string  `dynamodbav:"action"`
	PriorRules string  `dynamodbav:"prior_rules,omitempty"`
	NewRules   string  `dynamodbav:"new_rules,omitempty"`
	Assessment string  `dynamodbav:"assessment,omitempty"`
	Simulation string  `dynamodbav:"simulation,omitempty"`
	AppliedBy  string  `dynamodbav:"applied_by"`
	RolledBack bool    `dynamodbav:"rolled_back"`
	AppliedAt  string  `dynamodbav:"applied_at"`
	UpdatedAt  string  `dynamodbav:"updated_at"`
}

func toAdjustmentItem(a *Adjustment) (*adjustmentItem, error) {
	item := &adjustmentItem{
		ID:         a.ID,
		PolicyID:   a.PolicyID,
		Action:     string(a.Action),
		AppliedBy:  a.AppliedBy,
		RolledBack: a.RolledBack,
		AppliedAt:  a.AppliedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:  a.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	for _, doc := range []struct {
		dst *string
		src any
	}{
		{&item.PriorRules, a.PriorRules},
		{&item.NewRules, a.NewRules},
		{&item.Assessment, a.Assessment},
		{&item.Simulation, a.Simulation},
	} {
		b, err := json.Marshal(doc.src)
		if err != nil {
			return nil, fmt.Errorf("marshaling adjustment document: %w", err)
		}
		*doc.dst = string(b)
	}
	return item, nil
}

func fromAdjustmentItem(item *adjustmentItem) (*Adjustment, error) {
	appliedAt, err := time.Parse(time.RFC3339Nano, item.AppliedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing applied_at: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, item.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	a := &Adjustment{
		ID:         item.ID,
		PolicyID:   item.PolicyID,
		Action:     Action(item.Action),
		AppliedBy:  item.AppliedBy,
		RolledBack: item.RolledBack,
		AppliedAt:  appliedAt,
		UpdatedAt:  updatedAt,
	}
	if item.PriorRules != "" && item.PriorRules != "null" {
		var rules []policy.Rule
		if err := json.Unmarshal([]byte(item.PriorRules), &rules); err != nil {
			return nil, fmt.Errorf("parsing prior_rules: %w", err)
		}
		a.PriorRules = rules
	}
	if item.NewRules != "" && item.NewRules != "null" {
		var rules []policy.Rule
		if err := json.Unmarshal([]byte(item.NewRules), &rules); err != nil {
			return nil, fmt.Errorf("parsing new_rules: %w", err)
		}
		a.NewRules = rules
	}
	if item.Assessment != "" && item.Assessment != "null" {
		var as Assessment
		if err := json.Unmarshal([]byte(item.Assessment), &as); err != nil {
			return nil, fmt.Errorf("parsing assessment: %w", err)
		}
		a.Assessment = &as
	}
	if item.Simulation != "" && item.Simulation != "null" {
		var sim Simulation
		if err := json.Unmarshal([]byte(item.Simulation), &sim); err != nil {
			return nil, fmt.Errorf("parsing simulation: %w", err)
		}
		a.Simulation = &sim
	}
	return a, nil
}

// Create stores a new adjustment.
func (s *DynamoDBStore) Create(ctx context.Context, a *Adjustment) error {
	item, err := toAdjustmentItem(a)
	if err != nil {
		return err
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshaling adjustment: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if stderrors.As(err, &condErr) {
			return ErrAdjustmentExists
		}
		return errors.WrapDynamoDBError(err, s.tableName, "create adjustment")
	}
	return nil
}

// Get retrieves an adjustment by ID.
func (s *DynamoDBStore) Get(ctx context.Context, id string) (*Adjustment, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return nil, errors.WrapDynamoDBError(err, s.tableName, "get adjustment")
	}
	if out.Item == nil {
		return nil, ErrAdjustmentNotFound
	}

	var item adjustmentItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshaling adjustment: %w", err)
	}
	return fromAdjustmentItem(&item)
}

// Update modifies an existing adjustment with optimistic locking on
// updated_at.
func (s *DynamoDBStore) Update(ctx context.Context, a *Adjustment) error {
	originalUpdatedAt := a.UpdatedAt
	a.UpdatedAt = time.Now()

	item, err := toAdjustmentItem(a)
	if err != nil {
		a.UpdatedAt = originalUpdatedAt
		return err
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		a.UpdatedAt = originalUpdatedAt
		return fmt.Errorf("marshaling adjustment: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_exists(id) AND updated_at = :old_updated_at"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":old_updated_at": &types.AttributeValueMemberS{
				Value: originalUpdatedAt.UTC().Format(time.RFC3339Nano),
			},
		},
	})
	if err != nil {
		a.UpdatedAt = originalUpdatedAt
		var condErr *types.ConditionalCheckFailedException
		if stderrors.As(err, &condErr) {
			if _, getErr := s.Get(ctx, a.ID); getErr != nil {
				return getErr
			}
			return ErrConcurrentModification
		}
		return errors.WrapDynamoDBError(err, s.tableName, "update adjustment")
	}
	return nil
}

// ListByPolicy returns a policy's adjustments, newest first.
func (s *DynamoDBStore) ListByPolicy(ctx context.Context, policyID string, limit int) ([]*Adjustment, error) {
	limit = enforceLimit(limit)
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(indexPolicy),
		KeyConditionExpression: aws.String("policy_id = :v"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberS{Value: policyID},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, errors.WrapDynamoDBError(err, s.tableName, "list adjustments")
	}

	adjustments := make([]*Adjustment, 0, len(out.Items))
	for _, raw := range out.Items {
		var item adjustmentItem
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			return nil, fmt.Errorf("unmarshaling adjustment: %w", err)
		}
		a, err := fromAdjustmentItem(&item)
		if err != nil {
			return nil, err
		}
		adjustments = append(adjustments, a)
	}
	return adjustments, nil
}

// CreateTableInput returns the table definition for the adjustment store.
// Used by provisioning tooling.
func CreateTableInput(tableName string) *dynamodb.CreateTableInput {
	return &dynamodb.CreateTableInput{
		TableName: aws.String(tableName),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("policy_id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("applied_at"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("id"), KeyType: types.KeyTypeHash},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String(indexPolicy),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("policy_id"), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String("applied_at"), KeyType: types.KeyTypeRange},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
		},
		BillingMode: types.BillingModePayPerRequest,
	}
}

var _ Store = (*DynamoDBStore)(nil)
