package ratelimit

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/citadelzt/citadel/errors"
)

// allowAttempts bounds optimistic-lock retries on a contended key.
const allowAttempts = 5

// TimeToLiveAttribute is the item attribute bootstrap enables DynamoDB TTL on.
const TimeToLiveAttribute = "ttl"

// errContendedKey reports that another writer updated the bucket between
// our read and write.
var errContendedKey = stderrors.New("rate limit key contended")

// dynamoDBAPI defines the DynamoDB operations used by DynamoDBRateLimiter.
// This interface allows mocking for tests.
type dynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoDBRateLimiter implements RateLimiter with a sliding window log in
// DynamoDB, for deployments where several nodes share one budget. It keeps
// the same semantics as MemoryRateLimiter: requests are counted over the
// trailing window, not a fixed-window counter.
//
// Table schema:
//   - limit_key (S, partition key): scope#principal_id
//   - timestamps (L of S): RFC3339Nano request times inside the window
//   - version (N): bumped on every write, used for optimistic locking
//   - ttl (N): epoch seconds for DynamoDB TTL cleanup
type DynamoDBRateLimiter struct {
	client    dynamoDBAPI
	tableName string
	config    Config
}

// NewDynamoDBRateLimiter creates a new DynamoDB-backed rate limiter.
func NewDynamoDBRateLimiter(cfg aws.Config, tableName string, limitCfg Config) (*DynamoDBRateLimiter, error) {
	return newDynamoDBRateLimiterWithClient(dynamodb.NewFromConfig(cfg), tableName, limitCfg)
}

// newDynamoDBRateLimiterWithClient creates a limiter with a custom client (for testing).
func newDynamoDBRateLimiterWithClient(client dynamoDBAPI, tableName string, limitCfg Config) (*DynamoDBRateLimiter, error) {
	if err := limitCfg.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, stderrors.New("DynamoDB client cannot be nil")
	}
	if tableName == "" {
		return nil, stderrors.New("tableName cannot be empty")
	}
	return &DynamoDBRateLimiter{
		client:    client,
		tableName: tableName,
		config:    limitCfg,
	}, nil
}

// dynamoBucket is the DynamoDB representation of one key's request log.
type dynamoBucket struct {
	Key        string   `dynamodbav:"limit_key"`
	Timestamps []string `dynamodbav:"timestamps,omitempty"`
	Version    int64    `dynamodbav:"version"`
	TTL        int64    `dynamodbav:"ttl"`
}

// Allow checks if a request should be allowed for the given key.
// Reads the request log, drops expired entries, and writes back with
// optimistic locking. On a store failure the request is allowed and the
// error returned, so a rate-limit outage cannot lock every principal out;
// callers should log the error.
func (r *DynamoDBRateLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	for attempt := 0; attempt < allowAttempts; attempt++ {
		allowed, retryAfter, err := r.tryAllow(ctx, key)
		if err == nil {
			return allowed, retryAfter, nil
		}
		if !stderrors.Is(err, errContendedKey) {
			return true, 0, errors.WrapDynamoDBError(err, r.tableName, "rate limit check")
		}
	}
	return true, 0, fmt.Errorf("rate limit key contended after %d attempts", allowAttempts)
}

func (r *DynamoDBRateLimiter) tryAllow(ctx context.Context, key string) (bool, time.Duration, error) {
	now := time.Now()
	windowStart := now.Add(-r.config.Window)

	bucket, err := r.get(ctx, key)
	if err != nil {
		return false, 0, err
	}

	valid := make([]string, 0, len(bucket.Timestamps)+1)
	var oldest time.Time
	for _, raw := range bucket.Timestamps {
		t, parseErr := time.Parse(time.RFC3339Nano, raw)
		if parseErr != nil || !t.After(windowStart) {
			continue
		}
		if oldest.IsZero() || t.Before(oldest) {
			oldest = t
		}
		valid = append(valid, raw)
	}

	if len(valid) >= r.config.EffectiveBurstSize() {
		retryAfter := oldest.Add(r.config.Window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return false, retryAfter, nil
	}

	valid = append(valid, now.UTC().Format(time.RFC3339Nano))
	next := &dynamoBucket{
		Key:        key,
		Timestamps: valid,
		Version:    bucket.Version + 1,
		// TTL = window end + 1 hour buffer for cleanup.
		TTL: now.Add(r.config.Window + time.Hour).Unix(),
	}
	if err := r.put(ctx, next, bucket.Version); err != nil {
		return false, 0, err
	}
	return true, 0, nil
}

// get reads the bucket with a consistent read. Absent keys return an empty
// bucket with version 0.
func (r *DynamoDBRateLimiter) get(ctx context.Context, key string) (*dynamoBucket, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		ConsistentRead: aws.Bool(true),
		Key: map[string]types.AttributeValue{
			"limit_key": &types.AttributeValueMemberS{Value: key},
		},
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return &dynamoBucket{Key: key}, nil
	}
	var bucket dynamoBucket
	if err := attributevalue.UnmarshalMap(out.Item, &bucket); err != nil {
		return nil, fmt.Errorf("unmarshaling rate limit bucket: %w", err)
	}
	return &bucket, nil
}

// put writes the bucket conditioned on the version observed by get.
func (r *DynamoDBRateLimiter) put(ctx context.Context, bucket *dynamoBucket, readVersion int64) error {
	item, err := attributevalue.MarshalMap(bucket)
	if err != nil {
		return fmt.Errorf("marshaling rate limit bucket: %w", err)
	}

	input := &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      item,
	}
	if readVersion == 0 {
		input.ConditionExpression = aws.String("attribute_not_exists(limit_key)")
	} else {
		input.ConditionExpression = aws.String("#version = :read_version")
		input.ExpressionAttributeNames = map[string]string{"#version": "version"}
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":read_version": &types.AttributeValueMemberN{Value: strconv.FormatInt(readVersion, 10)},
		}
	}

	if _, err := r.client.PutItem(ctx, input); err != nil {
		var ccf *types.ConditionalCheckFailedException
		if stderrors.As(err, &ccf) {
			return errContendedKey
		}
		return err
	}
	return nil
}

// CreateTableInput returns the table definition for the rate limit table,
// used by bootstrap provisioning. Bootstrap enables DynamoDB TTL on
// TimeToLiveAttribute separately.
func CreateTableInput(tableName string) *dynamodb.CreateTableInput {
	return &dynamodb.CreateTableInput{
		TableName:   aws.String(tableName),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("limit_key"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("limit_key"), KeyType: types.KeyTypeHash},
		},
	}
}

// Ensure DynamoDBRateLimiter implements RateLimiter interface.
var _ RateLimiter = (*DynamoDBRateLimiter)(nil)
