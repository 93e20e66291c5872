package device

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

// indexPrincipal projects fingerprints by owning principal.
const indexPrincipal = "gsi-principal"

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

// NewDynamoDBStore creates a new DynamoDB-backed fingerprint store.
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

// dynamoItem is the DynamoDB representation of a Fingerprint.
// Sealed characteristics map to a binary attribute.
type dynamoItem struct {
	ID             string   `dynamodbav:"id"`
	PrincipalID    string   `dynamodbav:"principal_id"`
	Hash           string   `dynamodbav:"fingerprint_hash"`
	Sealed         []byte   `dynamodbav:"sealed"`
	TrustScore     int      `dynamodbav:"trust_score"`
	Status         string   `dynamodbav:"status"`
	MFAVerified    bool     `dynamodbav:"mfa_verified"`
	Warnings       []string `dynamodbav:"warnings,omitempty"`
	RegisteredAt   string   `dynamodbav:"registered_at"`
	LastVerifiedAt string   `dynamodbav:"last_verified_at"`
	UpdatedAt      string   `dynamodbav:"updated_at"`
}

func toItem(f *Fingerprint) *dynamoItem {
	return &dynamoItem{
		ID:             f.ID,
		PrincipalID:    f.PrincipalID,
		Hash:           f.Hash,
		Sealed:         f.Sealed,
		TrustScore:     f.TrustScore,
		Status:         string(f.Status),
		MFAVerified:    f.MFAVerified,
		Warnings:       f.Warnings,
		RegisteredAt:   f.RegisteredAt.UTC().Format(time.RFC3339Nano),
		LastVerifiedAt: f.LastVerifiedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:      f.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func fromItem(item *dynamoItem) (*Fingerprint, error) {
	registeredAt, err := time.Parse(time.RFC3339Nano, item.RegisteredAt)
	if err != nil {
		return nil, fmt.Errorf("parsing registered_at: %w", err)
	}
	lastVerifiedAt, err := time.Parse(time.RFC3339Nano, item.LastVerifiedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing last_verified_at: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, item.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &Fingerprint{
		ID:             item.ID,
		PrincipalID:    item.PrincipalID,
		Hash:           item.Hash,
		Sealed:         item.Sealed,
		TrustScore:     item.TrustScore,
		Status:         Status(item.Status),
		MFAVerified:    item.MFAVerified,
		Warnings:       item.Warnings,
		RegisteredAt:   registeredAt,
		LastVerifiedAt: lastVerifiedAt,
		UpdatedAt:      updatedAt,
	}, nil
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

// Create stores a new fingerprint.
func (s *DynamoDBStore) Create(ctx context.Context, f *Fingerprint) error {
	item, err := attributevalue.MarshalMap(toItem(f))
	if err != nil {
		return fmt.Errorf("marshaling fingerprint: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if stderrors.As(err, &ccf) {
			return ErrDeviceExists
		}
		return errors.WrapDynamoDBError(err, s.tableName, "create fingerprint")
	}
	return nil
}

// Get retrieves a fingerprint by device ID.
func (s *DynamoDBStore) Get(ctx context.Context, id string) (*Fingerprint, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return nil, errors.WrapDynamoDBError(err, s.tableName, "get fingerprint")
	}
	if out.Item == nil {
		return nil, ErrDeviceNotFound
	}

	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshaling fingerprint: %w", err)
	}
	return fromItem(&item)
}

// Update modifies an existing fingerprint with optimistic locking.
func (s *DynamoDBStore) Update(ctx context.Context, f *Fingerprint) error {
	originalUpdatedAt := f.UpdatedAt.UTC().Format(time.RFC3339Nano)
	f.UpdatedAt = time.Now()

	item, err := attributevalue.MarshalMap(toItem(f))
	if err != nil {
		return fmt.Errorf("marshaling fingerprint: %w", err)
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
			exists, existsErr := s.exists(ctx, f.ID)
			if existsErr != nil {
				return existsErr
			}
			if !exists {
				return ErrDeviceNotFound
			}
			return ErrConcurrentModification
		}
		return errors.WrapDynamoDBError(err, s.tableName, "update fingerprint")
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
		return false, errors.WrapDynamoDBError(err, s.tableName, "get fingerprint")
	}
	return out.Item != nil, nil
}

// Delete removes a fingerprint. Idempotent.
func (s *DynamoDBStore) Delete(ctx context.Context, id string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return errors.WrapDynamoDBError(err, s.tableName, "delete fingerprint")
	}
	return nil
}

// ListByPrincipal returns all fingerprints for a principal.
func (s *DynamoDBStore) ListByPrincipal(ctx context.Context, principalID string, limit int) ([]*Fingerprint, error) {
	limit = enforceLimit(limit)

	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(indexPrincipal),
		KeyConditionExpression: aws.String("principal_id = :principal_id"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":principal_id": &types.AttributeValueMemberS{Value: principalID},
		},
		Limit: aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, errors.WrapDynamoDBError(err, s.tableName, "query fingerprints")
	}
	return unmarshalItems(out.Items), nil
}

// FindByHash returns the principal's fingerprint with the given hash, or
// (nil, nil) when absent.
func (s *DynamoDBStore) FindByHash(ctx context.Context, principalID, hash string) (*Fingerprint, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(indexPrincipal),
		KeyConditionExpression: aws.String("principal_id = :principal_id"),
		FilterExpression:       aws.String("fingerprint_hash = :hash"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":principal_id": &types.AttributeValueMemberS{Value: principalID},
			":hash":         &types.AttributeValueMemberS{Value: hash},
		},
		Limit: aws.Int32(int32(MaxQueryLimit)),
	})
	if err != nil {
		return nil, errors.WrapDynamoDBError(err, s.tableName, "find fingerprint by hash")
	}

	matches := unmarshalItems(out.Items)
	if len(matches) == 0 {
		return nil, nil
	}
	return matches[0], nil
}

// SetStatus atomically updates the device lifecycle status.
func (s *DynamoDBStore) SetStatus(ctx context.Context, id string, status Status) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
		UpdateExpression:    aws.String("SET #status = :status, updated_at = :updated_at"),
		ConditionExpression: aws.String("attribute_exists(id)"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status":     &types.AttributeValueMemberS{Value: string(status)},
			":updated_at": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if stderrors.As(err, &ccf) {
			return ErrDeviceNotFound
		}
		return errors.WrapDynamoDBError(err, s.tableName, "set fingerprint status")
	}
	return nil
}

// ListVerifiedBefore returns active fingerprints last verified before the
// cutoff. Implemented as a paginated scan with filtering in the client;
// cutoff comparisons on variable-precision timestamps are done after
// parsing rather than lexicographically.
func (s *DynamoDBStore) ListVerifiedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Fingerprint, error) {
	limit = enforceLimit(limit)

	stale := make([]*Fingerprint, 0)
	var lastKey map[string]types.AttributeValue
	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(s.tableName),
			FilterExpression: aws.String("#status = :active"),
			ExpressionAttributeNames: map[string]string{
				"#status": "status",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":active": &types.AttributeValueMemberS{Value: string(StatusActive)},
			},
			ExclusiveStartKey: lastKey,
		})
		if err != nil {
			return nil, errors.WrapDynamoDBError(err, s.tableName, "scan fingerprints")
		}
		for _, f := range unmarshalItems(out.Items) {
			if f.LastVerifiedAt.Before(cutoff) {
				stale = append(stale, f)
				if len(stale) >= limit {
					return stale, nil
				}
			}
		}
		if out.LastEvaluatedKey == nil {
			break
		}
		lastKey = out.LastEvaluatedKey
	}
	return stale, nil
}

// ListByStatus returns fingerprints in the given lifecycle state. Like
// ListVerifiedBefore it is a paginated scan; callers run it at startup,
// not on a hot path.
func (s *DynamoDBStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Fingerprint, error) {
	limit = enforceLimit(limit)

	matched := make([]*Fingerprint, 0)
	var lastKey map[string]types.AttributeValue
	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(s.tableName),
			FilterExpression: aws.String("#status = :status"),
			ExpressionAttributeNames: map[string]string{
				"#status": "status",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":status": &types.AttributeValueMemberS{Value: string(status)},
			},
			ExclusiveStartKey: lastKey,
		})
		if err != nil {
			return nil, errors.WrapDynamoDBError(err, s.tableName, "scan fingerprints")
		}
		matched = append(matched, unmarshalItems(out.Items)...)
		if len(matched) >= limit {
			return matched[:limit], nil
		}
		if out.LastEvaluatedKey == nil {
			break
		}
		lastKey = out.LastEvaluatedKey
	}
	return matched, nil
}

func unmarshalItems(items []map[string]types.AttributeValue) []*Fingerprint {
	fingerprints := make([]*Fingerprint, 0, len(items))
	for _, raw := range items {
		var item dynamoItem
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			// Skip items that fail to unmarshal rather than failing the
			// whole query.
			continue
		}
		f, err := fromItem(&item)
		if err != nil {
			continue
		}
		fingerprints = append(fingerprints, f)
	}
	return fingerprints
}

// CreateTableInput returns the table definition for the fingerprints
// table, used by bootstrap provisioning.
func CreateTableInput(tableName string) *dynamodb.CreateTableInput {
	return &dynamodb.CreateTableInput{
		TableName:   aws.String(tableName),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("principal_id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("registered_at"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("id"), KeyType: types.KeyTypeHash},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String(indexPrincipal),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("principal_id"), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String("registered_at"), KeyType: types.KeyTypeRange},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
		},
	}
}

// Verify interface compliance.
var _ Store = (*DynamoDBStore)(nil)
