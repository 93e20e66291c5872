package jit

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

// GSI names for the grants table.
const (
	// indexPrincipal projects grants by principal with created_at sort key.
	indexPrincipal = "gsi-principal"
	// indexStatus projects grants by status with created_at sort key.
	indexStatus = "gsi-status"
	// indexSegment projects grants by segment with created_at sort key.
	indexSegment = "gsi-segment"
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
//
// Table schema assumptions (provisioned via citadel bootstrap):
//   - Partition key: id (String)
//   - GSIs: gsi-principal (principal_id, created_at),
//     gsi-status (status, created_at), gsi-segment (segment_id, created_at)
type DynamoDBStore struct {
	client    dynamoDBAPI
	tableName string
}

// NewDynamoDBStore creates a new DynamoDB-backed grant store.
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

// dynamoItem is the DynamoDB representation of a Grant. Approvers are
// stored as a JSON document; scalar fields stay flat for indexing.
type dynamoItem struct {
	ID               string  `dynamodbav:"id"`
	PrincipalID      string  `dynamodbav:"principal_id"`
	SegmentID        string  `dynamodbav:"segment_id"`
	RequestID        string  `dynamodbav:"request_id,omitempty"`
	Justification    string  `dynamodbav:"justification"`
	DurationSeconds  int64   `dynamodbav:"duration_seconds"`
	Urgency          string  `dynamodbav:"urgency,omitempty"`
	Status           string  `dynamodbav:"status"`
	RequiresApproval bool    `dynamodbav:"requires_approval"`
	ApprovalsNeeded  int     `dynamodbav:"approvals_needed"`
	Approvers        string  `dynamodbav:"approvers,omitempty"`
	RiskAssessment   float64 `dynamodbav:"risk_assessment"`
	MLEvaluation     float64 `dynamodbav:"ml_evaluation"`
	DeniedReason     string  `dynamodbav:"denied_reason,omitempty"`
	RevokedBy        string  `dynamodbav:"revoked_by,omitempty"`
	RevokedReason    string  `dynamodbav:"revoked_reason,omitempty"`
	GrantedAt        string  `dynamodbav:"granted_at,omitempty"`
	ExpiresAt        string  `dynamodbav:"expires_at,omitempty"`
	CreatedAt        string  `dynamodbav:"created_at"`
	UpdatedAt        string  `dynamodbav:"updated_at"`
}

func toItem(g *Grant) (*dynamoItem, error) {
	item := &dynamoItem{
		ID:               g.ID,
		PrincipalID:      g.PrincipalID,
		SegmentID:        g.SegmentID,
		RequestID:        g.RequestID,
		Justification:    g.Justification,
		DurationSeconds:  int64(g.Duration / time.Second),
		Urgency:          g.Urgency,
		Status:           string(g.Status),
		RequiresApproval: g.RequiresApproval,
		ApprovalsNeeded:  g.ApprovalsNeeded,
		RiskAssessment:   g.RiskAssessment,
		MLEvaluation:     g.MLEvaluation,
		DeniedReason:     g.DeniedReason,
		RevokedBy:        g.RevokedBy,
		RevokedReason:    g.RevokedReason,
		CreatedAt:        g.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:        g.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if !g.GrantedAt.IsZero() {
		item.GrantedAt = g.GrantedAt.UTC().Format(time.RFC3339Nano)
	}
	if !g.ExpiresAt.IsZero() {
		item.ExpiresAt = g.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	if len(g.Approvers) > 0 {
		approvers, err := json.Marshal(g.Approvers)
		if err != nil {
			return nil, fmt.Errorf("marshaling approvers: %w", err)
		}
		item.Approvers = string(approvers)
	}
	return item, nil
}

func fromItem(item *dynamoItem) (*Grant, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, item.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, item.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	g := &Grant{
		ID:               item.ID,
		PrincipalID:      item.PrincipalID,
		SegmentID:        item.SegmentID,
		RequestID:        item.RequestID,
		Justification:    item.Justification,
		Duration:         time.Duration(item.DurationSeconds) * time.Second,
		Urgency:          item.Urgency,
		Status:           GrantStatus(item.Status),
		RequiresApproval: item.RequiresApproval,
		ApprovalsNeeded:  item.ApprovalsNeeded,
		RiskAssessment:   item.RiskAssessment,
		MLEvaluation:     item.MLEvaluation,
		DeniedReason:     item.DeniedReason,
		RevokedBy:        item.RevokedBy,
		RevokedReason:    item.RevokedReason,
		CreatedAt:        createdAt,
		UpdatedAt:        updatedAt,
	}
	if item.GrantedAt != "" {
		grantedAt, err := time.Parse(time.RFC3339Nano, item.GrantedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing granted_at: %w", err)
		}
		g.GrantedAt = grantedAt
	}
	if item.ExpiresAt != "" {
		expiresAt, err := time.Parse(time.RFC3339Nano, item.ExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("parsing expires_at: %w", err)
		}
		g.ExpiresAt = expiresAt
	}
	if item.Approvers != "" {
		if err := json.Unmarshal([]byte(item.Approvers), &g.Approvers); err != nil {
			return nil, fmt.Errorf("parsing approvers: %w", err)
		}
	}
	return g, nil
}

// Create stores a new grant.
func (s *DynamoDBStore) Create(ctx context.Context, grant *Grant) error {
	item, err := toItem(grant)
	if err != nil {
		return err
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshaling grant: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if stderrors.As(err, &ccf) {
			return ErrGrantExists
		}
		return errors.WrapDynamoDBError(err, s.tableName, "create grant")
	}
	return nil
}

// Get retrieves a grant by ID.
func (s *DynamoDBStore) Get(ctx context.Context, id string) (*Grant, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return nil, errors.WrapDynamoDBError(err, s.tableName, "get grant")
	}
	if out.Item == nil {
		return nil, ErrGrantNotFound
	}

	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshaling grant: %w", err)
	}
	return fromItem(&item)
}

// Update modifies an existing grant with optimistic locking.
func (s *DynamoDBStore) Update(ctx context.Context, grant *Grant) error {
	originalUpdatedAt := grant.UpdatedAt.UTC().Format(time.RFC3339Nano)
	grant.UpdatedAt = time.Now()

	item, err := toItem(grant)
	if err != nil {
		return err
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshaling grant: %w", err)
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
			if _, getErr := s.Get(ctx, grant.ID); getErr != nil {
				return getErr
			}
			return ErrConcurrentModification
		}
		return errors.WrapDynamoDBError(err, s.tableName, "update grant")
	}
	return nil
}

// Delete removes a grant by ID. Idempotent.
func (s *DynamoDBStore) Delete(ctx context.Context, id string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return errors.WrapDynamoDBError(err, s.tableName, "delete grant")
	}
	return nil
}

// ListByPrincipal returns a principal's grants, newest first.
func (s *DynamoDBStore) ListByPrincipal(ctx context.Context, principalID string, limit int) ([]*Grant, error) {
	return s.queryByIndex(ctx, indexPrincipal, "principal_id = :v", nil, map[string]types.AttributeValue{
		":v": &types.AttributeValueMemberS{Value: principalID},
	}, limit)
}

// ListByStatus returns grants in the given status, newest first.
func (s *DynamoDBStore) ListByStatus(ctx context.Context, status GrantStatus, limit int) ([]*Grant, error) {
	return s.queryByIndex(ctx, indexStatus, "#status = :v", map[string]string{"#status": "status"}, map[string]types.AttributeValue{
		":v": &types.AttributeValueMemberS{Value: string(status)},
	}, limit)
}

// ListBySegment returns grants targeting a segment, newest first.
func (s *DynamoDBStore) ListBySegment(ctx context.Context, segmentID string, limit int) ([]*Grant, error) {
	return s.queryByIndex(ctx, indexSegment, "segment_id = :v", nil, map[string]types.AttributeValue{
		":v": &types.AttributeValueMemberS{Value: segmentID},
	}, limit)
}

// FindActiveByPrincipalAndSegment returns the principal's live grant for
// a segment, or nil, nil when none exists.
func (s *DynamoDBStore) FindActiveByPrincipalAndSegment(ctx context.Context, principalID, segmentID string) (*Grant, error) {
	grants, err := s.ListByPrincipal(ctx, principalID, MaxQueryLimit)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	for _, g := range grants {
		if g.SegmentID != segmentID {
			continue
		}
		if g.Status == StatusPendingApproval || g.Active(now) {
			return g, nil
		}
	}
	return nil, nil
}

func (s *DynamoDBStore) queryByIndex(ctx context.Context, index, keyCondition string, names map[string]string, values map[string]types.AttributeValue, limit int) ([]*Grant, error) {
	limit = enforceLimit(limit)

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		IndexName:                 aws.String(index),
		KeyConditionExpression:    aws.String(keyCondition),
		ExpressionAttributeValues: values,
		ScanIndexForward:          aws.Bool(false),
		Limit:                     aws.Int32(int32(limit)),
	}
	if len(names) > 0 {
		input.ExpressionAttributeNames = names
	}

	out, err := s.client.Query(ctx, input)
	if err != nil {
		return nil, errors.WrapDynamoDBError(err, s.tableName, "query grants")
	}

	grants := make([]*Grant, 0, len(out.Items))
	for _, raw := range out.Items {
		var item dynamoItem
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			continue
		}
		g, err := fromItem(&item)
		if err != nil {
			continue
		}
		grants = append(grants, g)
	}
	return grants, nil
}

// CreateTableInput returns the table definition for the grants table,
// used by bootstrap provisioning.
func CreateTableInput(tableName string) *dynamodb.CreateTableInput {
	return &dynamodb.CreateTableInput{
		TableName:   aws.String(tableName),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("principal_id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("status"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("segment_id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("created_at"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("id"), KeyType: types.KeyTypeHash},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String(indexPrincipal),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("principal_id"), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String("created_at"), KeyType: types.KeyTypeRange},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
			{
				IndexName: aws.String(indexStatus),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("status"), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String("created_at"), KeyType: types.KeyTypeRange},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
			{
				IndexName: aws.String(indexSegment),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("segment_id"), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String("created_at"), KeyType: types.KeyTypeRange},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
		},
	}
}

// Verify interface compliance.
var _ Store = (*DynamoDBStore)(nil)
