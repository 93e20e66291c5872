package session

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

// GSI names for the sessions table.
const (
	// indexPrincipal projects sessions by principal with started_at sort key.
	indexPrincipal = "gsi-principal"
	// indexStatus projects sessions by status with started_at sort key.
	indexStatus = "gsi-status"
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
//   - GSIs: gsi-principal (principal_id, started_at), gsi-status (status, started_at)
//   - TTL attribute: ttl (Number, Unix timestamp), set from idle expiry
type DynamoDBStore struct {
	client    dynamoDBAPI
	tableName string
}

// NewDynamoDBStore creates a new DynamoDB-backed session store.
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

// dynamoItem is the DynamoDB representation of a Session. Ordered
// sub-records (IP history, access log, risk history, behavioral sample)
// are stored as JSON documents; scalar fields stay flat for indexing.
type dynamoItem struct {
	ID                string  `dynamodbav:"id"`
	PrincipalID       string  `dynamodbav:"principal_id"`
	DeviceID          string  `dynamodbav:"device_id"`
	Status            string  `dynamodbav:"status"`
	StartedAt         string  `dynamodbav:"started_at"`
	LastActivityAt    string  `dynamodbav:"last_activity_at"`
	IPHistory         string  `dynamodbav:"ip_history,omitempty"`
	AccessLog         string  `dynamodbav:"access_log,omitempty"`
	Sample            string  `dynamodbav:"behavioral_sample,omitempty"`
	CurrentRiskScore  float64 `dynamodbav:"current_risk_score"`
	RiskHistory       string  `dynamodbav:"risk_history,omitempty"`
	TerminationReason string  `dynamodbav:"termination_reason,omitempty"`
	RouteViolations   int     `dynamodbav:"route_violations"`
	UpdatedAt         string  `dynamodbav:"updated_at"`
	TTL               int64   `dynamodbav:"ttl"`
}

func toItem(s *Session) (*dynamoItem, error) {
	item := &dynamoItem{
		ID:                s.ID,
		PrincipalID:       s.PrincipalID,
		DeviceID:          s.DeviceID,
		Status:            string(s.Status),
		StartedAt:         s.StartedAt.UTC().Format(time.RFC3339Nano),
		LastActivityAt:    s.LastActivityAt.UTC().Format(time.RFC3339Nano),
		CurrentRiskScore:  s.CurrentRiskScore,
		TerminationReason: s.TerminationReason,
		RouteViolations:   s.RouteViolations,
		UpdatedAt:         s.UpdatedAt.UTC().Format(time.RFC3339Nano),
		TTL:               s.LastActivityAt.Add(2 * DefaultIdleTTL).Unix(),
	}
	ips, err := json.Marshal(s.IPHistory)
	if err != nil {
		return nil, fmt.Errorf("marshaling ip_history: %w", err)
	}
	accesses, err := json.Marshal(s.AccessLog)
	if err != nil {
		return nil, fmt.Errorf("marshaling access_log: %w", err)
	}
	risks, err := json.Marshal(s.RiskHistory)
	if err != nil {
		return nil, fmt.Errorf("marshaling risk_history: %w", err)
	}
	sample, err := json.Marshal(s.Sample)
	if err != nil {
		return nil, fmt.Errorf("marshaling behavioral_sample: %w", err)
	}
	item.IPHistory = string(ips)
	item.AccessLog = string(accesses)
	item.RiskHistory = string(risks)
	item.Sample = string(sample)
	return item, nil
}

func fromItem(item *dynamoItem) (*Session, error) {
	startedAt, err := time.Parse(time.RFC3339Nano, item.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	lastActivity, err := time.Parse(time.RFC3339Nano, item.LastActivityAt)
	if err != nil {
		return nil, fmt.Errorf("parsing last_activity_at: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, item.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	s := &Session{
		ID:                item.ID,
		PrincipalID:       item.PrincipalID,
		DeviceID:          item.DeviceID,
		Status:            Status(item.Status),
		StartedAt:         startedAt,
		LastActivityAt:    lastActivity,
		CurrentRiskScore:  item.CurrentRiskScore,
		TerminationReason: item.TerminationReason,
		RouteViolations:   item.RouteViolations,
		UpdatedAt:         updatedAt,
	}
	if item.IPHistory != "" {
		if err := json.Unmarshal([]byte(item.IPHistory), &s.IPHistory); err != nil {
			return nil, fmt.Errorf("parsing ip_history: %w", err)
		}
	}
	if item.AccessLog != "" {
		if err := json.Unmarshal([]byte(item.AccessLog), &s.AccessLog); err != nil {
			return nil, fmt.Errorf("parsing access_log: %w", err)
		}
	}
	if item.RiskHistory != "" {
		if err := json.Unmarshal([]byte(item.RiskHistory), &s.RiskHistory); err != nil {
			return nil, fmt.Errorf("parsing risk_history: %w", err)
		}
	}
	if item.Sample != "" {
		if err := json.Unmarshal([]byte(item.Sample), &s.Sample); err != nil {
			return nil, fmt.Errorf("parsing behavioral_sample: %w", err)
		}
	}
	return s, nil
}

// Create stores a new session.
func (s *DynamoDBStore) Create(ctx context.Context, sess *Session) error {
	item, err := toItem(sess)
	if err != nil {
		return err
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if stderrors.As(err, &ccf) {
			return ErrSessionExists
		}
		return errors.WrapDynamoDBError(err, s.tableName, "create session")
	}
	return nil
}

// Get retrieves a session by ID.
func (s *DynamoDBStore) Get(ctx context.Context, id string) (*Session, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return nil, errors.WrapDynamoDBError(err, s.tableName, "get session")
	}
	if out.Item == nil {
		return nil, ErrSessionNotFound
	}

	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshaling session: %w", err)
	}
	return fromItem(&item)
}

// Update modifies an existing session with optimistic locking.
// Terminal sessions never transition; the condition enforces this at the
// store so a racing monitor cannot resurrect a terminated session.
func (s *DynamoDBStore) Update(ctx context.Context, sess *Session) error {
	originalUpdatedAt := sess.UpdatedAt.UTC().Format(time.RFC3339Nano)
	sess.UpdatedAt = time.Now()

	item, err := toItem(sess)
	if err != nil {
		return err
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	// Terminal records accept only same-status amendments; live records may
	// move anywhere. Both cases reduce to: existing status is live, or it
	// already equals the status being written.
	condition := "attribute_exists(id) AND updated_at = :old_updated_at" +
		" AND (#status IN (:active, :stepping_up) OR #status = :next)"
	values := map[string]types.AttributeValue{
		":old_updated_at": &types.AttributeValueMemberS{Value: originalUpdatedAt},
		":active":         &types.AttributeValueMemberS{Value: string(StatusActive)},
		":stepping_up":    &types.AttributeValueMemberS{Value: string(StatusSteppingUp)},
		":next":           &types.AttributeValueMemberS{Value: item.Status},
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(s.tableName),
		Item:                      av,
		ConditionExpression:       aws.String(condition),
		ExpressionAttributeNames:  map[string]string{"#status": "status"},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if stderrors.As(err, &ccf) {
			existing, getErr := s.Get(ctx, sess.ID)
			if getErr != nil {
				return getErr
			}
			if existing.Status.IsTerminal() && !Status(item.Status).IsTerminal() {
				return ErrTerminalState
			}
			return ErrConcurrentModification
		}
		return errors.WrapDynamoDBError(err, s.tableName, "update session")
	}
	return nil
}

// Delete removes a session. Idempotent.
func (s *DynamoDBStore) Delete(ctx context.Context, id string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return errors.WrapDynamoDBError(err, s.tableName, "delete session")
	}
	return nil
}

// ListByPrincipal returns sessions for a principal, newest first.
func (s *DynamoDBStore) ListByPrincipal(ctx context.Context, principalID string, limit int) ([]*Session, error) {
	return s.queryByIndex(ctx, indexPrincipal, "principal_id = :v", nil, map[string]types.AttributeValue{
		":v": &types.AttributeValueMemberS{Value: principalID},
	}, limit)
}

// ListByStatus returns sessions with the given status, newest first.
func (s *DynamoDBStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Session, error) {
	return s.queryByIndex(ctx, indexStatus, "#status = :v", map[string]string{"#status": "status"}, map[string]types.AttributeValue{
		":v": &types.AttributeValueMemberS{Value: string(status)},
	}, limit)
}

func (s *DynamoDBStore) queryByIndex(ctx context.Context, index, keyCondition string, names map[string]string, values map[string]types.AttributeValue, limit int) ([]*Session, error) {
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
		return nil, errors.WrapDynamoDBError(err, s.tableName, "query sessions")
	}

	sessions := make([]*Session, 0, len(out.Items))
	for _, raw := range out.Items {
		var item dynamoItem
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			continue
		}
		sess, err := fromItem(&item)
		if err != nil {
			continue
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// CreateTableInput returns the table definition for the sessions table,
// used by bootstrap provisioning.
func CreateTableInput(tableName string) *dynamodb.CreateTableInput {
	return &dynamodb.CreateTableInput{
		TableName:   aws.String(tableName),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("principal_id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("status"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("started_at"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("id"), KeyType: types.KeyTypeHash},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String(indexPrincipal),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("principal_id"), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String("started_at"), KeyType: types.KeyTypeRange},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
			{
				IndexName: aws.String(indexStatus),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("status"), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String("started_at"), KeyType: types.KeyTypeRange},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
		},
	}
}

// Verify interface compliance.
var _ Store = (*DynamoDBStore)(nil)
