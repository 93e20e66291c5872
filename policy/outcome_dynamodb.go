package policy

import (
	"context"
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

// indexOutcomePolicy projects outcomes by policy with created_at sort key.
const indexOutcomePolicy = "gsi-policy"

// outcomeRetention is how long outcomes stay queryable before the table
// TTL reclaims them. The adaptive window reads 30 days back.
const outcomeRetention = 90 * 24 * time.Hour

// outcomeDynamoDBAPI defines the DynamoDB operations used by
// DynamoDBOutcomeStore. This interface allows mocking for tests.
type outcomeDynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoDBOutcomeStore implements OutcomeStore using AWS DynamoDB.
//
// Table schema assumptions (provisioned via citadel bootstrap):
//   - Partition key: id (String)
//   - GSI: gsi-policy (policy_id, created_at)
//   - TTL attribute: ttl (Number, Unix timestamp)
type DynamoDBOutcomeStore struct {
	client    outcomeDynamoDBAPI
	tableName string
}

// NewDynamoDBOutcomeStore creates a new DynamoDB-backed outcome store.
func NewDynamoDBOutcomeStore(cfg aws.Config, tableName string) *DynamoDBOutcomeStore {
	return &DynamoDBOutcomeStore{
		client:    dynamodb.NewFromConfig(cfg),
		tableName: tableName,
	}
}

// newDynamoDBOutcomeStoreWithClient creates a store with a custom client
// (for testing).
func newDynamoDBOutcomeStoreWithClient(client outcomeDynamoDBAPI, tableName string) *DynamoDBOutcomeStore {
	return &DynamoDBOutcomeStore{
		client:    client,
		tableName: tableName,
	}
}

// outcomeItem is the DynamoDB representation of a PolicyOutcome.
type outcomeItem struct {
	ID          string  `dynamodbav:"id"`
	PolicyID    string  `dynamodbav:"policy_id"`
	PrincipalID string  `dynamodbav:"principal_id"`
	Resource    string  `dynamodbav:"resource,omitempty"`
	Outcome     string  `dynamodbav:"outcome"`
	Confidence  float64 `dynamodbav:"confidence"`
	CreatedAt   string  `dynamodbav:"created_at"`
	TTL         int64   `dynamodbav:"ttl"`
}

func toOutcomeItem(o *PolicyOutcome) *outcomeItem {
	return &outcomeItem{
		ID:          o.ID,
		PolicyID:    o.PolicyID,
		PrincipalID: o.PrincipalID,
		Resource:    o.Resource,
		Outcome:     string(o.Outcome),
		Confidence:  o.Confidence,
		CreatedAt:   o.Timestamp.UTC().Format(time.RFC3339Nano),
		TTL:         o.Timestamp.Add(outcomeRetention).Unix(),
	}
}

func fromOutcomeItem(item *outcomeItem) (*PolicyOutcome, error) {
	ts, err := time.Parse(time.RFC3339Nano, item.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &PolicyOutcome{
		ID:          item.ID,
		PolicyID:    item.PolicyID,
		PrincipalID: item.PrincipalID,
		Resource:    item.Resource,
		Outcome:     Outcome(item.Outcome),
		Confidence:  item.Confidence,
		Timestamp:   ts,
	}, nil
}

// Record appends one outcome.
func (s *DynamoDBOutcomeStore) Record(ctx context.Context, o *PolicyOutcome) error {
	av, err := attributevalue.MarshalMap(toOutcomeItem(o))
	if err != nil {
		return fmt.Errorf("marshaling outcome: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if stderrors.As(err, &ccf) {
			return ErrOutcomeExists
		}
		return errors.WrapDynamoDBError(err, s.tableName, "record outcome")
	}
	return nil
}

// ListByPolicy returns a policy's outcomes at or after since, newest first.
func (s *DynamoDBOutcomeStore) ListByPolicy(ctx context.Context, policyID string, since time.Time, limit int) ([]*PolicyOutcome, error) {
	limit = enforceLimit(limit)

	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(indexOutcomePolicy),
		KeyConditionExpression: aws.String("policy_id = :p AND created_at >= :since"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":p":     &types.AttributeValueMemberS{Value: policyID},
			":since": &types.AttributeValueMemberS{Value: since.UTC().Format(time.RFC3339Nano)},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, errors.WrapDynamoDBError(err, s.tableName, "query outcomes")
	}
	return unmarshalOutcomes(out.Items, limit, false)
}

// ListSince returns all outcomes at or after since, newest first. This
// scans the table; it serves the adaptive window, not hot paths.
func (s *DynamoDBOutcomeStore) ListSince(ctx context.Context, since time.Time, limit int) ([]*PolicyOutcome, error) {
	limit = enforceLimit(limit)

	out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
		TableName:        aws.String(s.tableName),
		FilterExpression: aws.String("created_at >= :since"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":since": &types.AttributeValueMemberS{Value: since.UTC().Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		return nil, errors.WrapDynamoDBError(err, s.tableName, "scan outcomes")
	}
	return unmarshalOutcomes(out.Items, limit, true)
}

func unmarshalOutcomes(items []map[string]types.AttributeValue, limit int, resort bool) ([]*PolicyOutcome, error) {
	outcomes := make([]*PolicyOutcome, 0, len(items))
	for _, raw := range items {
		var item outcomeItem
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			continue
		}
		o, err := fromOutcomeItem(&item)
		if err != nil {
			continue
		}
		outcomes = append(outcomes, o)
	}
	if resort {
		sort.Slice(outcomes, func(i, j int) bool {
			return outcomes[i].Timestamp.After(outcomes[j].Timestamp)
		})
	}
	if len(outcomes) > limit {
		outcomes = outcomes[:limit]
	}
	return outcomes, nil
}

// CreateOutcomeTableInput returns the table definition for the policy
// outcomes table, used by bootstrap provisioning.
func CreateOutcomeTableInput(tableName string) *dynamodb.CreateTableInput {
	return &dynamodb.CreateTableInput{
		TableName:   aws.String(tableName),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("policy_id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("created_at"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("id"), KeyType: types.KeyTypeHash},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String(indexOutcomePolicy),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("policy_id"), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String("created_at"), KeyType: types.KeyTypeRange},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
		},
	}
}

// Verify interface compliance.
var _ OutcomeStore = (*DynamoDBOutcomeStore)(nil)
