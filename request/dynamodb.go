package request

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/citadelzt/citadel/errors"
	"github.com/citadelzt/citadel/principal"
)

// GSI names for the requests table.
const (
	// indexPrincipal projects requests by principal with created_at sort key.
	indexPrincipal = "gsi-principal"
	// indexDecision projects requests by decision with created_at sort key.
	indexDecision = "gsi-decision"
)

// dynamoDBAPI defines the DynamoDB operations used by DynamoDBStore.
// This interface allows mocking for tests.
type dynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoDBStore implements Store using AWS DynamoDB.
//
// Table schema assumptions (provisioned via citadel bootstrap):
//   - Partition key: id (String)
//   - GSIs: gsi-principal (principal_id, created_at), gsi-decision (decision, created_at)
//   - TTL attribute: ttl (Number, Unix timestamp), set past the grant expiry
type DynamoDBStore struct {
	client    dynamoDBAPI
	tableName string
}

// NewDynamoDBStore creates a new DynamoDB-backed request store.
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

// retentionWindow is how long decided requests stay queryable before the
// table TTL reclaims them. Peer comparison reads 30 days back, so keep a
// margin beyond that.
const retentionWindow = 90 * 24 * time.Hour

// dynamoItem is the DynamoDB representation of an AccessRequest. The
// confidence breakdown and applied policies are stored as JSON
// documents; scalar fields stay flat for indexing. An empty decision is
// stored as the literal "undecided" because GSI hash attributes cannot
// be empty strings.
type dynamoItem struct {
	ID              string  `dynamodbav:"id"`
	PrincipalID     string  `dynamodbav:"principal_id"`
	Role            string  `dynamodbav:"role_snapshot"`
	Department      string  `dynamodbav:"department_snapshot,omitempty"`
	Resource        string  `dynamodbav:"resource"`
	ResourceType    string  `dynamodbav:"resource_type,omitempty"`
	IntentText      string  `dynamodbav:"intent_text"`
	DurationSeconds int64   `dynamodbav:"duration_seconds"`
	Urgency         string  `dynamodbav:"urgency"`
	IP              string  `dynamodbav:"ip,omitempty"`
	DeviceID        string  `dynamodbav:"device_id,omitempty"`
	Decision        string  `dynamodbav:"decision"`
	ConfidenceScore float64 `dynamodbav:"confidence_score"`
	Breakdown       string  `dynamodbav:"confidence_breakdown,omitempty"`
	PoliciesApplied string  `dynamodbav:"policies_applied,omitempty"`
	DenialReason    string  `dynamodbav:"denial_reason,omitempty"`
	ExpiresAt       string  `dynamodbav:"expires_at,omitempty"`
	CreatedAt       string  `dynamodbav:"created_at"`
	UpdatedAt       string  `dynamodbav:"updated_at"`
	TTL             int64   `dynamodbav:"ttl"`
}

// undecidedMarker stands in for an empty decision in the GSI.
const undecidedMarker = "undecided"

func toItem(r *AccessRequest) (*dynamoItem, error) {
	item := &dynamoItem{
		ID:              r.ID,
		PrincipalID:     r.PrincipalID,
		Role:            string(r.RoleSnapshot),
		Department:      r.DepartmentSnapshot,
		Resource:        r.Resource,
		ResourceType:    r.ResourceType,
		IntentText:      r.IntentText,
		DurationSeconds: int64(r.Duration.Seconds()),
		Urgency:         string(r.Urgency),
		IP:              r.IP,
		DeviceID:        r.DeviceID,
		Decision:        undecidedMarker,
		ConfidenceScore: r.ConfidenceScore,
		DenialReason:    r.DenialReason,
		CreatedAt:       r.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:       r.UpdatedAt.UTC().Format(time.RFC3339Nano),
		TTL:             r.CreatedAt.Add(retentionWindow).Unix(),
	}
	if r.Decision != "" {
		item.Decision = string(r.Decision)
	}
	if !r.ExpiresAt.IsZero() {
		item.ExpiresAt = r.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	if r.Breakdown != nil {
		b, err := json.Marshal(r.Breakdown)
		if err != nil {
			return nil, fmt.Errorf("marshaling confidence_breakdown: %w", err)
		}
		item.Breakdown = string(b)
	}
	if len(r.PoliciesApplied) > 0 {
		p, err := json.Marshal(r.PoliciesApplied)
		if err != nil {
			return nil, fmt.Errorf("marshaling policies_applied: %w", err)
		}
		item.PoliciesApplied = string(p)
	}
	return item, nil
}

func fromItem(item *dynamoItem) (*AccessRequest, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, item.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, item.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	r := &AccessRequest{
		ID:                 item.ID,
		PrincipalID:        item.PrincipalID,
		RoleSnapshot:       principal.Role(item.Role),
		DepartmentSnapshot: item.Department,
		Resource:           item.Resource,
		ResourceType:       item.ResourceType,
		IntentText:         item.IntentText,
		Duration:           time.Duration(item.DurationSeconds) * time.Second,
		Urgency:            Urgency(item.Urgency),
		IP:                 item.IP,
		DeviceID:           item.DeviceID,
		ConfidenceScore:    item.ConfidenceScore,
		DenialReason:       item.DenialReason,
		CreatedAt:          createdAt,
		UpdatedAt:          updatedAt,
	}
	if item.Decision != "" && item.Decision != undecidedMarker {
		r.Decision = Decision(item.Decision)
	}
	if item.ExpiresAt != "" {
		expiresAt, err := time.Parse(time.RFC3339Nano, item.ExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("parsing expires_at: %w", err)
		}
		r.ExpiresAt = expiresAt
	}
	if item.Breakdown != "" {
		if err := json.Unmarshal([]byte(item.Breakdown), &r.Breakdown); err != nil {
			return nil, fmt.Errorf("parsing confidence_breakdown: %w", err)
		}
	}
	if item.PoliciesApplied != "" {
		if err := json.Unmarshal([]byte(item.PoliciesApplied), &r.PoliciesApplied); err != nil {
			return nil, fmt.Errorf("parsing policies_applied: %w", err)
		}
	}
	return r, nil
}

// Create stores a new request.
func (s *DynamoDBStore) Create(ctx context.Context, req *AccessRequest) error {
	item, err := toItem(req)
	if err != nil {
		return err
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if stderrors.As(err, &ccf) {
			return ErrRequestExists
		}
		return errors.WrapDynamoDBError(err, s.tableName, "create request")
	}
	return nil
}

// Get retrieves a request by ID.
func (s *DynamoDBStore) Get(ctx context.Context, id string) (*AccessRequest, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return nil, errors.WrapDynamoDBError(err, s.tableName, "get request")
	}
	if out.Item == nil {
		return nil, ErrRequestNotFound
	}

	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshaling request: %w", err)
	}
	return fromItem(&item)
}

// Update modifies an existing request with optimistic locking.
func (s *DynamoDBStore) Update(ctx context.Context, req *AccessRequest) error {
	originalUpdatedAt := req.UpdatedAt.UTC().Format(time.RFC3339Nano)
	req.UpdatedAt = time.Now()

	item, err := toItem(req)
	if err != nil {
		return err
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
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
			if _, getErr := s.Get(ctx, req.ID); getErr != nil {
				return getErr
			}
			return ErrConcurrentModification
		}
		return errors.WrapDynamoDBError(err, s.tableName, "update request")
	}
	return nil
}

// Delete removes a request. Idempotent.
func (s *DynamoDBStore) Delete(ctx context.Context, id string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return errors.WrapDynamoDBError(err, s.tableName, "delete request")
	}
	return nil
}

// ListByPrincipal returns a principal's requests, newest first.
func (s *DynamoDBStore) ListByPrincipal(ctx context.Context, principalID string, limit int) ([]*AccessRequest, error) {
	return s.queryByIndex(ctx, indexPrincipal, "principal_id = :v", map[string]types.AttributeValue{
		":v": &types.AttributeValueMemberS{Value: principalID},
	}, limit)
}

// ListByDecision returns requests carrying the decision, newest first.
func (s *DynamoDBStore) ListByDecision(ctx context.Context, decision Decision, limit int) ([]*AccessRequest, error) {
	marker := undecidedMarker
	if decision != "" {
		marker = string(decision)
	}
	return s.queryByIndex(ctx, indexDecision, "decision = :v", map[string]types.AttributeValue{
		":v": &types.AttributeValueMemberS{Value: marker},
	}, limit)
}

// ListSince returns requests created at or after since, newest first.
// This scans the table; it serves the peer and adaptive windows, not
// hot paths.
func (s *DynamoDBStore) ListSince(ctx context.Context, since time.Time, limit int) ([]*AccessRequest, error) {
	limit = enforceLimit(limit)

	out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
		TableName:        aws.String(s.tableName),
		FilterExpression: aws.String("created_at >= :since"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":since": &types.AttributeValueMemberS{Value: since.UTC().Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		return nil, errors.WrapDynamoDBError(err, s.tableName, "scan requests")
	}

	requests := make([]*AccessRequest, 0, len(out.Items))
	for _, raw := range out.Items {
		var item dynamoItem
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			continue
		}
		req, err := fromItem(&item)
		if err != nil {
			continue
		}
		requests = append(requests, req)
	}
	sort.Slice(requests, func(i, j int) bool {
		return requests[i].CreatedAt.After(requests[j].CreatedAt)
	})
	if len(requests) > limit {
		requests = requests[:limit]
	}
	return requests, nil
}

func (s *DynamoDBStore) queryByIndex(ctx context.Context, index, keyCondition string, values map[string]types.AttributeValue, limit int) ([]*AccessRequest, error) {
	limit = enforceLimit(limit)

	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		IndexName:                 aws.String(index),
		KeyConditionExpression:    aws.String(keyCondition),
		ExpressionAttributeValues: values,
		ScanIndexForward:          aws.Bool(false),
		Limit:                     aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, errors.WrapDynamoDBError(err, s.tableName, "query requests")
	}

	requests := make([]*AccessRequest, 0, len(out.Items))
	for _, raw := range out.Items {
		var item dynamoItem
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			continue
		}
		req, err := fromItem(&item)
		if err != nil {
			continue
		}
		requests = append(requests, req)
	}
	return requests, nil
}

// CreateTableInput returns the table definition for the requests table,
// used by bootstrap provisioning.
func CreateTableInput(tableName string) *dynamodb.CreateTableInput {
	return &dynamodb.CreateTableInput{
		TableName:   aws.String(tableName),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("principal_id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("decision"), AttributeType: types.ScalarAttributeTypeS},
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
				IndexName: aws.String(indexDecision),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("decision"), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String("created_at"), KeyType: types.KeyTypeRange},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
		},
	}
}

// Verify interface compliance.
var _ Store = (*DynamoDBStore)(nil)
