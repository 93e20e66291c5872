package breakglass

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

// GSI names for the emergency tables.
const (
	// indexRequester projects requests by requester with requested_at
	// sort key.
	indexRequester = "gsi-requester"
	// indexStatus projects requests by status with requested_at sort key.
	indexStatus = "gsi-status"
	// indexRequest projects sessions and reports by request_id.
	indexRequest = "gsi-request"
	// indexPrincipal projects sessions by principal with started_at sort
	// key.
	indexPrincipal = "gsi-principal"
)

// dynamoDBAPI defines the DynamoDB operations used by the stores.
// This interface allows mocking for tests.
type dynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoDBRequestStore implements RequestStore using AWS DynamoDB.
//
// Table schema assumptions (provisioned via citadel bootstrap):
//   - Partition key: id (String)
//   - GSIs: gsi-requester (requester_id, requested_at),
//     gsi-status (status, requested_at)
type DynamoDBRequestStore struct {
	client    dynamoDBAPI
	tableName string
}

// NewDynamoDBRequestStore creates a new DynamoDB-backed request store.
func NewDynamoDBRequestStore(cfg aws.Config, tableName string) *DynamoDBRequestStore {
	return &DynamoDBRequestStore{
		client:    dynamodb.NewFromConfig(cfg),
		tableName: tableName,
	}
}

// newDynamoDBRequestStoreWithClient creates a store with a custom client (for testing).
func newDynamoDBRequestStoreWithClient(client dynamoDBAPI, tableName string) *DynamoDBRequestStore {
	return &DynamoDBRequestStore{
		client:    client,
		tableName: tableName,
	}
}

// requestItem is the DynamoDB representation of an EmergencyRequest.
// Approvals and resources are stored as JSON documents; scalar fields stay
// flat for indexing.
type requestItem struct {
	ID              string `dynamodbav:"id"`
	RequesterID     string `dynamodbav:"requester_id"`
	EmergencyType   string `dynamodbav:"emergency_type"`
	Urgency         string `dynamodbav:"urgency"`
	Justification   string `dynamodbav:"justification"`
	Resources       string `dynamodbav:"resources"`
	DurationSeconds int64  `dynamodbav:"duration_seconds"`
	Status          string `dynamodbav:"status"`
	RequestedAt     string `dynamodbav:"requested_at"`
	Approvals       string `dynamodbav:"approvals,omitempty"`
	NotifiedAdmins  string `dynamodbav:"notified_admins,omitempty"`
	DeniedReason    string `dynamodbav:"denied_reason,omitempty"`
	SessionID       string `dynamodbav:"session_id,omitempty"`
	ReportID        string `dynamodbav:"report_id,omitempty"`
	CreatedAt       string `dynamodbav:"created_at"`
	UpdatedAt       string `dynamodbav:"updated_at"`
}

func requestToItem(r *EmergencyRequest) (*requestItem, error) {
	resources, err := json.Marshal(r.RequiredResources)
	if err != nil {
		return nil, fmt.Errorf("marshaling resources: %w", err)
	}
	item := &requestItem{
		ID:              r.ID,
		RequesterID:     r.RequesterID,
		EmergencyType:   string(r.EmergencyType),
		Urgency:         string(r.Urgency),
		Justification:   r.Justification,
		Resources:       string(resources),
		DurationSeconds: int64(r.EstimatedDuration / time.Second),
		Status:          string(r.Status),
		RequestedAt:     r.RequestedAt.UTC().Format(time.RFC3339Nano),
		DeniedReason:    r.DeniedReason,
		SessionID:       r.SessionID,
		ReportID:        r.ReportID,
		CreatedAt:       r.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:       r.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if len(r.Approvals) > 0 {
		approvals, err := json.Marshal(r.Approvals)
		if err != nil {
			return nil, fmt.Errorf("marshaling approvals: %w", err)
		}
		item.Approvals = string(approvals)
	}
	if len(r.NotifiedAdmins) > 0 {
		admins, err := json.Marshal(r.NotifiedAdmins)
		if err != nil {
			return nil, fmt.Errorf("marshaling notified admins: %w", err)
		}
		item.NotifiedAdmins = string(admins)
	}
	return item, nil
}

func requestFromItem(item *requestItem) (*EmergencyRequest, error) {
	requestedAt, err := time.Parse(time.RFC3339Nano, item.RequestedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing requested_at: %w", err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, item.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, item.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	r := &EmergencyRequest{
		ID:                item.ID,
		RequesterID:       item.RequesterID,
		EmergencyType:     EmergencyType(item.EmergencyType),
		Urgency:           Urgency(item.Urgency),
		Justification:     item.Justification,
		EstimatedDuration: time.Duration(item.DurationSeconds) * time.Second,
		Status:            RequestStatus(item.Status),
		RequestedAt:       requestedAt,
		DeniedReason:      item.DeniedReason,
		SessionID:         item.SessionID,
		ReportID:          item.ReportID,
		CreatedAt:         createdAt,
		UpdatedAt:         updatedAt,
	}
	if item.Resources != "" {
		if err := json.Unmarshal([]byte(item.Resources), &r.RequiredResources); err != nil {
			return nil, fmt.Errorf("parsing resources: %w", err)
		}
	}
	if item.Approvals != "" {
		if err := json.Unmarshal([]byte(item.Approvals), &r.Approvals); err != nil {
			return nil, fmt.Errorf("parsing approvals: %w", err)
		}
	}
	if item.NotifiedAdmins != "" {
		if err := json.Unmarshal([]byte(item.NotifiedAdmins), &r.NotifiedAdmins); err != nil {
			return nil, fmt.Errorf("parsing notified admins: %w", err)
		}
	}
	return r, nil
}

// Create stores a new emergency request.
func (s *DynamoDBRequestStore) Create(ctx context.Context, req *EmergencyRequest) error {
	item, err := requestToItem(req)
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
		return errors.WrapDynamoDBError(err, s.tableName, "create emergency request")
	}
	return nil
}

// Get retrieves an emergency request by ID.
func (s *DynamoDBRequestStore) Get(ctx context.Context, id string) (*EmergencyRequest, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return nil, errors.WrapDynamoDBError(err, s.tableName, "get emergency request")
	}
	if out.Item == nil {
		return nil, ErrRequestNotFound
	}

	var item requestItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshaling request: %w", err)
	}
	return requestFromItem(&item)
}

// Update modifies an existing request with optimistic locking.
func (s *DynamoDBRequestStore) Update(ctx context.Context, req *EmergencyRequest) error {
	originalUpdatedAt := req.UpdatedAt.UTC().Format(time.RFC3339Nano)
	req.UpdatedAt = time.Now()

	item, err := requestToItem(req)
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
		return errors.WrapDynamoDBError(err, s.tableName, "update emergency request")
	}
	return nil
}

// Delete removes a request by ID. Idempotent.
func (s *DynamoDBRequestStore) Delete(ctx context.Context, id string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return errors.WrapDynamoDBError(err, s.tableName, "delete emergency request")
	}
	return nil
}

// ListByRequester returns a requester's emergencies, newest first.
func (s *DynamoDBRequestStore) ListByRequester(ctx context.Context, requesterID string, limit int) ([]*EmergencyRequest, error) {
	return s.queryByIndex(ctx, indexRequester, "requester_id = :v", nil, map[string]types.AttributeValue{
		":v": &types.AttributeValueMemberS{Value: requesterID},
	}, limit)
}

// ListByStatus returns requests in the given state, newest first.
func (s *DynamoDBRequestStore) ListByStatus(ctx context.Context, status RequestStatus, limit int) ([]*EmergencyRequest, error) {
	return s.queryByIndex(ctx, indexStatus, "#status = :v", map[string]string{"#status": "status"}, map[string]types.AttributeValue{
		":v": &types.AttributeValueMemberS{Value: string(status)},
	}, limit)
}

// FindActiveByRequester returns the requester's live emergency, or nil, nil
// when none exists.
func (s *DynamoDBRequestStore) FindActiveByRequester(ctx context.Context, requesterID string) (*EmergencyRequest, error) {
	requests, err := s.ListByRequester(ctx, requesterID, MaxQueryLimit)
	if err != nil {
		return nil, err
	}
	for _, r := range requests {
		if r.Status == StatusPending || r.Status == StatusApproved || r.Status == StatusActive {
			return r, nil
		}
	}
	return nil, nil
}

// CountByRequesterSince counts a requester's emergencies declared at or
// after the given time. Uses Select: COUNT to avoid transferring items.
func (s *DynamoDBRequestStore) CountByRequesterSince(ctx context.Context, requesterID string, since time.Time) (int, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(indexRequester),
		KeyConditionExpression: aws.String("requester_id = :v AND requested_at >= :since"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v":     &types.AttributeValueMemberS{Value: requesterID},
			":since": &types.AttributeValueMemberS{Value: since.UTC().Format(time.RFC3339Nano)},
		},
		Select: types.SelectCount,
	})
	if err != nil {
		return 0, errors.WrapDynamoDBError(err, s.tableName, "count emergency requests")
	}
	return int(out.Count), nil
}

// GetLastByRequester returns the requester's most recent emergency, or
// nil, nil when none exists.
func (s *DynamoDBRequestStore) GetLastByRequester(ctx context.Context, requesterID string) (*EmergencyRequest, error) {
	requests, err := s.queryByIndex(ctx, indexRequester, "requester_id = :v", nil, map[string]types.AttributeValue{
		":v": &types.AttributeValueMemberS{Value: requesterID},
	}, 1)
	if err != nil {
		return nil, err
	}
	if len(requests) == 0 {
		return nil, nil
	}
	return requests[0], nil
}

func (s *DynamoDBRequestStore) queryByIndex(ctx context.Context, index, keyCondition string, names map[string]string, values map[string]types.AttributeValue, limit int) ([]*EmergencyRequest, error) {
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
		return nil, errors.WrapDynamoDBError(err, s.tableName, "query emergency requests")
	}

	requests := make([]*EmergencyRequest, 0, len(out.Items))
	for _, raw := range out.Items {
		var item requestItem
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			continue
		}
		r, err := requestFromItem(&item)
		if err != nil {
			continue
		}
		requests = append(requests, r)
	}
	return requests, nil
}

// DynamoDBSessionStore implements SessionStore using AWS DynamoDB.
//
// Table schema assumptions:
//   - Partition key: id (String)
//   - GSIs: gsi-principal (principal_id, started_at),
//     gsi-request (request_id)
type DynamoDBSessionStore struct {
	client    dynamoDBAPI
	tableName string
}

// NewDynamoDBSessionStore creates a new DynamoDB-backed session store.
func NewDynamoDBSessionStore(cfg aws.Config, tableName string) *DynamoDBSessionStore {
	return &DynamoDBSessionStore{
		client:    dynamodb.NewFromConfig(cfg),
		tableName: tableName,
	}
}

// sessionItem is the DynamoDB representation of an EmergencySession.
// Activities are stored as a JSON document.
type sessionItem struct {
	ID          string `dynamodbav:"id"`
	RequestID   string `dynamodbav:"request_id"`
	PrincipalID string `dynamodbav:"principal_id"`
	Status      string `dynamodbav:"status"`
	StartedAt   string `dynamodbav:"started_at"`
	ExpiresAt   string `dynamodbav:"expires_at"`
	EndedAt     string `dynamodbav:"ended_at,omitempty"`
	Activities  string `dynamodbav:"activities,omitempty"`
	UpdatedAt   string `dynamodbav:"updated_at"`
}

func sessionToItem(sess *EmergencySession) (*sessionItem, error) {
	item := &sessionItem{
		ID:          sess.ID,
		RequestID:   sess.RequestID,
		PrincipalID: sess.PrincipalID,
		Status:      string(sess.Status),
		StartedAt:   sess.StartedAt.UTC().Format(time.RFC3339Nano),
		ExpiresAt:   sess.ExpiresAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:   sess.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if !sess.EndedAt.IsZero() {
		item.EndedAt = sess.EndedAt.UTC().Format(time.RFC3339Nano)
	}
	if len(sess.Activities) > 0 {
		activities, err := json.Marshal(sess.Activities)
		if err != nil {
			return nil, fmt.Errorf("marshaling activities: %w", err)
		}
		item.Activities = string(activities)
	}
	return item, nil
}

func sessionFromItem(item *sessionItem) (*EmergencySession, error) {
	startedAt, err := time.Parse(time.RFC3339Nano, item.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, item.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, item.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	sess := &EmergencySession{
		ID:          item.ID,
		RequestID:   item.RequestID,
		PrincipalID: item.PrincipalID,
		Status:      SessionStatus(item.Status),
		StartedAt:   startedAt,
		ExpiresAt:   expiresAt,
		UpdatedAt:   updatedAt,
	}
	if item.EndedAt != "" {
		endedAt, err := time.Parse(time.RFC3339Nano, item.EndedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing ended_at: %w", err)
		}
		sess.EndedAt = endedAt
	}
	if item.Activities != "" {
		if err := json.Unmarshal([]byte(item.Activities), &sess.Activities); err != nil {
			return nil, fmt.Errorf("parsing activities: %w", err)
		}
	}
	return sess, nil
}

// Create stores a new emergency session.
func (s *DynamoDBSessionStore) Create(ctx context.Context, sess *EmergencySession) error {
	item, err := sessionToItem(sess)
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
		return errors.WrapDynamoDBError(err, s.tableName, "create emergency session")
	}
	return nil
}

// Get retrieves an emergency session by ID.
func (s *DynamoDBSessionStore) Get(ctx context.Context, id string) (*EmergencySession, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return nil, errors.WrapDynamoDBError(err, s.tableName, "get emergency session")
	}
	if out.Item == nil {
		return nil, ErrSessionNotFound
	}

	var item sessionItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshaling session: %w", err)
	}
	return sessionFromItem(&item)
}

// Update modifies an existing session with optimistic locking.
func (s *DynamoDBSessionStore) Update(ctx context.Context, sess *EmergencySession) error {
	originalUpdatedAt := sess.UpdatedAt.UTC().Format(time.RFC3339Nano)
	sess.UpdatedAt = time.Now()

	item, err := sessionToItem(sess)
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
		ConditionExpression: aws.String("attribute_exists(id) AND updated_at = :old_updated_at"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":old_updated_at": &types.AttributeValueMemberS{Value: originalUpdatedAt},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if stderrors.As(err, &ccf) {
			if _, getErr := s.Get(ctx, sess.ID); getErr != nil {
				return getErr
			}
			return ErrConcurrentModification
		}
		return errors.WrapDynamoDBError(err, s.tableName, "update emergency session")
	}
	return nil
}

// ListByPrincipal returns a principal's emergency sessions, newest first.
func (s *DynamoDBSessionStore) ListByPrincipal(ctx context.Context, principalID string, limit int) ([]*EmergencySession, error) {
	limit = enforceLimit(limit)

	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(indexPrincipal),
		KeyConditionExpression: aws.String("principal_id = :v"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberS{Value: principalID},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, errors.WrapDynamoDBError(err, s.tableName, "query emergency sessions")
	}

	sessions := make([]*EmergencySession, 0, len(out.Items))
	for _, raw := range out.Items {
		var item sessionItem
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			continue
		}
		sess, err := sessionFromItem(&item)
		if err != nil {
			continue
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// DynamoDBReportStore implements ReportStore using AWS DynamoDB. Reports
// are write-once documents: the whole report is stored as a JSON attribute
// beside the key fields.
//
// Table schema assumptions:
//   - Partition key: id (String)
//   - GSI: gsi-request (request_id)
type DynamoDBReportStore struct {
	client    dynamoDBAPI
	tableName string
}

// NewDynamoDBReportStore creates a new DynamoDB-backed report store.
func NewDynamoDBReportStore(cfg aws.Config, tableName string) *DynamoDBReportStore {
	return &DynamoDBReportStore{
		client:    dynamodb.NewFromConfig(cfg),
		tableName: tableName,
	}
}

// reportItem is the DynamoDB representation of an IncidentReport.
type reportItem struct {
	ID          string `dynamodbav:"id"`
	RequestID   string `dynamodbav:"request_id"`
	SessionID   string `dynamodbav:"session_id"`
	GeneratedAt string `dynamodbav:"generated_at"`
	Document    string `dynamodbav:"document"`
}

// Create stores a new incident report.
func (s *DynamoDBReportStore) Create(ctx context.Context, report *IncidentReport) error {
	doc, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}
	av, err := attributevalue.MarshalMap(&reportItem{
		ID:          report.ID,
		RequestID:   report.RequestID,
		SessionID:   report.SessionID,
		GeneratedAt: report.GeneratedAt.UTC().Format(time.RFC3339Nano),
		Document:    string(doc),
	})
	if err != nil {
		return fmt.Errorf("marshaling report item: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		return errors.WrapDynamoDBError(err, s.tableName, "create incident report")
	}
	return nil
}

// Get retrieves an incident report by ID.
func (s *DynamoDBReportStore) Get(ctx context.Context, id string) (*IncidentReport, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return nil, errors.WrapDynamoDBError(err, s.tableName, "get incident report")
	}
	if out.Item == nil {
		return nil, ErrReportNotFound
	}
	return reportFromRaw(out.Item)
}

// GetByRequest retrieves the report cross-linked to a request.
func (s *DynamoDBReportStore) GetByRequest(ctx context.Context, requestID string) (*IncidentReport, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(indexRequest),
		KeyConditionExpression: aws.String("request_id = :v"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberS{Value: requestID},
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return nil, errors.WrapDynamoDBError(err, s.tableName, "query incident reports")
	}
	if len(out.Items) == 0 {
		return nil, ErrReportNotFound
	}
	return reportFromRaw(out.Items[0])
}

func reportFromRaw(raw map[string]types.AttributeValue) (*IncidentReport, error) {
	var item reportItem
	if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
		return nil, fmt.Errorf("unmarshaling report item: %w", err)
	}
	var report IncidentReport
	if err := json.Unmarshal([]byte(item.Document), &report); err != nil {
		return nil, fmt.Errorf("parsing report document: %w", err)
	}
	return &report, nil
}

// CreateRequestTableInput returns the table definition for the emergency
// requests table, used by bootstrap provisioning.
func CreateRequestTableInput(tableName string) *dynamodb.CreateTableInput {
	return &dynamodb.CreateTableInput{
		TableName:   aws.String(tableName),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("requester_id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("status"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("requested_at"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("id"), KeyType: types.KeyTypeHash},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String(indexRequester),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("requester_id"), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String("requested_at"), KeyType: types.KeyTypeRange},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
			{
				IndexName: aws.String(indexStatus),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("status"), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String("requested_at"), KeyType: types.KeyTypeRange},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
		},
	}
}

// CreateSessionTableInput returns the table definition for the emergency
// sessions table.
func CreateSessionTableInput(tableName string) *dynamodb.CreateTableInput {
	return &dynamodb.CreateTableInput{
		TableName:   aws.String(tableName),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("principal_id"), AttributeType: types.ScalarAttributeTypeS},
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
		},
	}
}

// CreateReportTableInput returns the table definition for the incident
// reports table.
func CreateReportTableInput(tableName string) *dynamodb.CreateTableInput {
	return &dynamodb.CreateTableInput{
		TableName:   aws.String(tableName),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("request_id"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("id"), KeyType: types.KeyTypeHash},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String(indexRequest),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("request_id"), KeyType: types.KeyTypeHash},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
		},
	}
}

// Verify interface compliance.
var (
	_ RequestStore = (*DynamoDBRequestStore)(nil)
	_ SessionStore = (*DynamoDBSessionStore)(nil)
	_ ReportStore  = (*DynamoDBReportStore)(nil)
)
