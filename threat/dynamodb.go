package threat

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
)

// GSI names for the predictions table.
const (
	// indexPrincipal projects predictions by principal with created_at sort key.
	indexPrincipal = "gsi-principal"
	// indexStatus projects predictions by status with created_at sort key.
	indexStatus = "gsi-status"
)

// dynamoDBAPI defines the DynamoDB operations used by DynamoDBStore.
// This interface allows mocking for tests.
type dynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoDBStore implements Store using AWS DynamoDB.
//
// Table schema assumptions (provisioned via citadel bootstrap):
//   - Partition key: id (String)
//   - GSIs: gsi-principal (principal_id, created_at), gsi-status (status, created_at)
type DynamoDBStore struct {
	client    dynamoDBAPI
	tableName string
}

// NewDynamoDBStore creates a new DynamoDB-backed prediction store.
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

// dynamoItem is the DynamoDB representation of a Prediction. Indicators
// are stored as a JSON document; scalar fields stay flat for indexing.
type dynamoItem struct {
	ID                 string   `dynamodbav:"id"`
	PrincipalID        string   `dynamodbav:"principal_id"`
	Type               string   `dynamodbav:"type"`
	Score              float64  `dynamodbav:"score"`
	Confidence         float64  `dynamodbav:"confidence"`
	Indicators         string   `dynamodbav:"indicators,omitempty"`
	PreventiveMeasures []string `dynamodbav:"preventive_measures,omitempty"`
	Status             string   `dynamodbav:"status"`
	OutcomeAt          string   `dynamodbav:"outcome_at,omitempty"`
	CreatedAt          string   `dynamodbav:"created_at"`
	UpdatedAt          string   `dynamodbav:"updated_at"`
}

func toItem(p *Prediction) (*dynamoItem, error) {
	item := &dynamoItem{
		ID:                 p.ID,
		PrincipalID:        p.PrincipalID,
		Type:               string(p.Type),
		Score:              p.Score,
		Confidence:         p.Confidence,
		PreventiveMeasures: p.PreventiveMeasures,
		Status:             string(p.Status),
		CreatedAt:          p.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:          p.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if !p.OutcomeAt.IsZero() {
		item.OutcomeAt = p.OutcomeAt.UTC().Format(time.RFC3339Nano)
	}
	indicators, err := json.Marshal(p.Indicators)
	if err != nil {
		return nil, fmt.Errorf("marshaling indicators: %w", err)
	}
	item.Indicators = string(indicators)
	return item, nil
}

func fromItem(item *dynamoItem) (*Prediction, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, item.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, item.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	p := &Prediction{
		ID:                 item.ID,
		PrincipalID:        item.PrincipalID,
		Type:               ThreatType(item.Type),
		Score:              item.Score,
		Confidence:         item.Confidence,
		PreventiveMeasures: item.PreventiveMeasures,
		Status:             PredictionStatus(item.Status),
		CreatedAt:          createdAt,
		UpdatedAt:          updatedAt,
	}
	if item.OutcomeAt != "" {
		outcomeAt, err := time.Parse(time.RFC3339Nano, item.OutcomeAt)
		if err != nil {
			return nil, fmt.Errorf("parsing outcome_at: %w", err)
		}
		p.OutcomeAt = outcomeAt
	}
	if item.Indicators != "" {
		if err := json.Unmarshal([]byte(item.Indicators), &p.Indicators); err != nil {
			return nil, fmt.Errorf("parsing indicators: %w", err)
		}
	}
	return p, nil
}

// Create stores a new prediction.
func (s *DynamoDBStore) Create(ctx context.Context, pred *Prediction) error {
	item, err := toItem(pred)
	if err != nil {
		return err
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshaling prediction: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if stderrors.As(err, &ccf) {
			return ErrPredictionExists
		}
		return errors.WrapDynamoDBError(err, s.tableName, "create prediction")
	}
	return nil
}

// Get retrieves a prediction by ID.
func (s *DynamoDBStore) Get(ctx context.Context, id string) (*Prediction, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return nil, errors.WrapDynamoDBError(err, s.tableName, "get prediction")
	}
	if out.Item == nil {
		return nil, ErrPredictionNotFound
	}

	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshaling prediction: %w", err)
	}
	return fromItem(&item)
}

// Update modifies an existing prediction with optimistic locking.
func (s *DynamoDBStore) Update(ctx context.Context, pred *Prediction) error {
	originalUpdatedAt := pred.UpdatedAt.UTC().Format(time.RFC3339Nano)
	pred.UpdatedAt = time.Now()

	item, err := toItem(pred)
	if err != nil {
		return err
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshaling prediction: %w", err)
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
			if _, getErr := s.Get(ctx, pred.ID); getErr != nil {
				return getErr
			}
			return ErrConcurrentModification
		}
		return errors.WrapDynamoDBError(err, s.tableName, "update prediction")
	}
	return nil
}

// ListByPrincipal returns the principal's predictions, newest first.
func (s *DynamoDBStore) ListByPrincipal(ctx context.Context, principalID string, limit int) ([]*Prediction, error) {
	return s.queryByIndex(ctx, indexPrincipal, "principal_id = :v", nil, map[string]types.AttributeValue{
		":v": &types.AttributeValueMemberS{Value: principalID},
	}, limit)
}

// ListByStatus returns predictions in the given status, newest first.
func (s *DynamoDBStore) ListByStatus(ctx context.Context, status PredictionStatus, limit int) ([]*Prediction, error) {
	return s.queryByIndex(ctx, indexStatus, "#status = :v", map[string]string{"#status": "status"}, map[string]types.AttributeValue{
		":v": &types.AttributeValueMemberS{Value: string(status)},
	}, limit)
}

// ListSince returns predictions created at or after since, newest first.
// This scans the table; it serves the accuracy report, not hot paths.
func (s *DynamoDBStore) ListSince(ctx context.Context, since time.Time, limit int) ([]*Prediction, error) {
	limit = enforceLimit(limit)

	out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
		TableName:        aws.String(s.tableName),
		FilterExpression: aws.String("created_at >= :since"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":since": &types.AttributeValueMemberS{Value: since.UTC().Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		return nil, errors.WrapDynamoDBError(err, s.tableName, "scan predictions")
	}

	preds := make([]*Prediction, 0, len(out.Items))
	for _, raw := range out.Items {
		var item dynamoItem
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			continue
		}
		p, err := fromItem(&item)
		if err != nil {
			continue
		}
		preds = append(preds, p)
	}
	sort.Slice(preds, func(i, j int) bool {
		return preds[i].CreatedAt.After(preds[j].CreatedAt)
	})
	if len(preds) > limit {
		preds = preds[:limit]
	}
	return preds, nil
}

func (s *DynamoDBStore) queryByIndex(ctx context.Context, index, keyCondition string, names map[string]string, values map[string]types.AttributeValue, limit int) ([]*Prediction, error) {
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
		return nil, errors.WrapDynamoDBError(err, s.tableName, "query predictions")
	}

	preds := make([]*Prediction, 0, len(out.Items))
	for _, raw := range out.Items {
		var item dynamoItem
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			continue
		}
		p, err := fromItem(&item)
		if err != nil {
			continue
		}
		preds = append(preds, p)
	}
	return preds, nil
}

// CreateTableInput returns the table definition for the predictions
// table, used by bootstrap provisioning.
func CreateTableInput(tableName string) *dynamodb.CreateTableInput {
	return &dynamodb.CreateTableInput{
		TableName:   aws.String(tableName),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("principal_id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("status"), AttributeType: types.ScalarAttributeTypeS},
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
		},
	}
}

// Verify interface compliance.
var _ Store = (*DynamoDBStore)(nil)
