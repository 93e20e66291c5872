package segment

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
	"github.com/citadelzt/citadel/principal"
)

// indexCategory projects segments by category for lockdown queries.
const indexCategory = "gsi-category"

// dynamoDBAPI defines the DynamoDB operations used by DynamoDBStore.
// This interface allows mocking for tests.
type dynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoDBStore implements Store using AWS DynamoDB.
type DynamoDBStore struct {
	client    dynamoDBAPI
	tableName string
}

// NewDynamoDBStore creates a new DynamoDB-backed segment store.
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

// dynamoItem is the DynamoDB representation of a Segment.
type dynamoItem struct {
	ID                   string   `dynamodbav:"id"`
	Name                 string   `dynamodbav:"name"`
	Category             string   `dynamodbav:"category"`
	SecurityLevel        int      `dynamodbav:"security_level"`
	RequiresJIT          bool     `dynamodbav:"requires_jit"`
	RequiresDualApproval bool     `dynamodbav:"requires_dual_approval"`
	AllowedRoles         []string `dynamodbav:"allowed_roles,omitempty"`
	RestrictedAreaOf     []string `dynamodbav:"restricted_area_of,omitempty"`
	Locked               bool     `dynamodbav:"locked"`
	LockedUntil          string   `dynamodbav:"locked_until,omitempty"`
	LockedReason         string   `dynamodbav:"locked_reason,omitempty"`
	CreatedAt            string   `dynamodbav:"created_at"`
	UpdatedAt            string   `dynamodbav:"updated_at"`
}

func toItem(s *Segment) *dynamoItem {
	roles := make([]string, 0, len(s.AllowedRoles))
	for _, r := range s.AllowedRoles {
		roles = append(roles, string(r))
	}
	item := &dynamoItem{
		ID:                   s.ID,
		Name:                 s.Name,
		Category:             s.Category,
		SecurityLevel:        s.SecurityLevel,
		RequiresJIT:          s.RequiresJIT,
		RequiresDualApproval: s.RequiresDualApproval,
		AllowedRoles:         roles,
		RestrictedAreaOf:     s.RestrictedAreaOf,
		Locked:               s.Locked,
		LockedReason:         s.LockedReason,
		CreatedAt:            s.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:            s.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if !s.LockedUntil.IsZero() {
		item.LockedUntil = s.LockedUntil.UTC().Format(time.RFC3339Nano)
	}
	return item
}

func fromItem(item *dynamoItem) (*Segment, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, item.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, item.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	roles := make([]principal.Role, 0, len(item.AllowedRoles))
	for _, r := range item.AllowedRoles {
		roles = append(roles, principal.Role(r))
	}
	s := &Segment{
		ID:                   item.ID,
		Name:                 item.Name,
		Category:             item.Category,
		SecurityLevel:        item.SecurityLevel,
		RequiresJIT:          item.RequiresJIT,
		RequiresDualApproval: item.RequiresDualApproval,
		AllowedRoles:         roles,
		RestrictedAreaOf:     item.RestrictedAreaOf,
		Locked:               item.Locked,
		LockedReason:         item.LockedReason,
		CreatedAt:            createdAt,
		UpdatedAt:            updatedAt,
	}
	if item.LockedUntil != "" {
		lockedUntil, err := time.Parse(time.RFC3339Nano, item.LockedUntil)
		if err != nil {
			return nil, fmt.Errorf("parsing locked_until: %w", err)
		}
		s.LockedUntil = lockedUntil
	}
	return s, nil
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

// Create stores a new segment.
func (s *DynamoDBStore) Create(ctx context.Context, seg *Segment) error {
	item, err := attributevalue.MarshalMap(toItem(seg))
	if err != nil {
		return fmt.Errorf("marshaling segment: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if stderrors.As(err, &ccf) {
			return ErrSegmentExists
		}
		return errors.WrapDynamoDBError(err, s.tableName, "create segment")
	}
	return nil
}

// Get retrieves a segment by ID.
func (s *DynamoDBStore) Get(ctx context.Context, id string) (*Segment, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return nil, errors.WrapDynamoDBError(err, s.tableName, "get segment")
	}
	if out.Item == nil {
		return nil, ErrSegmentNotFound
	}

	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshaling segment: %w", err)
	}
	return fromItem(&item)
}

// Update modifies an existing segment with optimistic locking.
func (s *DynamoDBStore) Update(ctx context.Context, seg *Segment) error {
	originalUpdatedAt := seg.UpdatedAt.UTC().Format(time.RFC3339Nano)
	seg.UpdatedAt = time.Now()

	item, err := attributevalue.MarshalMap(toItem(seg))
	if err != nil {
		return fmt.Errorf("marshaling segment: %w", err)
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
			exists, existsErr := s.exists(ctx, seg.ID)
			if existsErr != nil {
				return existsErr
			}
			if !exists {
				return ErrSegmentNotFound
			}
			return ErrConcurrentModification
		}
		return errors.WrapDynamoDBError(err, s.tableName, "update segment")
	}
	return nil
}

func (s *DynamoDBStore) exists(ctx context.Context, id string) (bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
		ProjectionExpression: aws.String("id"),
	})
	if err != nil {
		return false, errors.WrapDynamoDBError(err, s.tableName, "get segment")
	}
	return out.Item != nil, nil
}

// Delete removes a segment. Idempotent.
func (s *DynamoDBStore) Delete(ctx context.Context, id string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return errors.WrapDynamoDBError(err, s.tableName, "delete segment")
	}
	return nil
}

// ListByCategory returns segments in the given category.
func (s *DynamoDBStore) ListByCategory(ctx context.Context, category string, limit int) ([]*Segment, error) {
	limit = enforceLimit(limit)

	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(indexCategory),
		KeyConditionExpression: aws.String("category = :category"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":category": &types.AttributeValueMemberS{Value: category},
		},
		Limit: aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, errors.WrapDynamoDBError(err, s.tableName, "query segments")
	}
	return unmarshalItems(out.Items), nil
}

// List returns all segments via a paginated scan.
func (s *DynamoDBStore) List(ctx context.Context, limit int) ([]*Segment, error) {
	limit = enforceLimit(limit)

	segments := make([]*Segment, 0)
	var lastKey map[string]types.AttributeValue
	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(s.tableName),
			Limit:             aws.Int32(int32(limit)),
			ExclusiveStartKey: lastKey,
		})
		if err != nil {
			return nil, errors.WrapDynamoDBError(err, s.tableName, "scan segments")
		}
		segments = append(segments, unmarshalItems(out.Items)...)
		if len(segments) >= limit || out.LastEvaluatedKey == nil {
			break
		}
		lastKey = out.LastEvaluatedKey
	}
	if len(segments) > limit {
		segments = segments[:limit]
	}
	return segments, nil
}

// SetLock atomically updates the lock state.
func (s *DynamoDBStore) SetLock(ctx context.Context, id string, locked bool, until time.Time, reason string) error {
	values := map[string]types.AttributeValue{
		":locked":     &types.AttributeValueMemberBOOL{Value: locked},
		":reason":     &types.AttributeValueMemberS{Value: reason},
		":until":      &types.AttributeValueMemberS{Value: formatLockedUntil(until)},
		":updated_at": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
	}

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
		UpdateExpression:          aws.String("SET locked = :locked, locked_until = :until, locked_reason = :reason, updated_at = :updated_at"),
		ConditionExpression:       aws.String("attribute_exists(id)"),
		ExpressionAttributeValues: values,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if stderrors.As(err, &ccf) {
			return ErrSegmentNotFound
		}
		return errors.WrapDynamoDBError(err, s.tableName, "lock segment")
	}
	return nil
}

func formatLockedUntil(until time.Time) string {
	if until.IsZero() {
		return ""
	}
	return until.UTC().Format(time.RFC3339Nano)
}

func unmarshalItems(items []map[string]types.AttributeValue) []*Segment {
	segments := make([]*Segment, 0, len(items))
	for _, raw := range items {
		var item dynamoItem
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			// Skip items that fail to unmarshal rather than failing the
			// whole query.
			continue
		}
		seg, err := fromItem(&item)
		if err != nil {
			continue
		}
		segments = append(segments, seg)
	}
	return segments
}

// CreateTableInput returns the table definition for the segments table,
// used by bootstrap provisioning.
func CreateTableInput(tableName string) *dynamodb.CreateTableInput {
	return &dynamodb.CreateTableInput{
		TableName:   aws.String(tableName),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("category"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("created_at"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("id"), KeyType: types.KeyTypeHash},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String(indexCategory),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("category"), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String("created_at"), KeyType: types.KeyTypeRange},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
		},
	}
}

// Verify interface compliance.
var _ Store = (*DynamoDBStore)(nil)
