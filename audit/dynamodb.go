package audit

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
	"github.com/google/uuid"
)

const (
	// indexTransaction projects events by transaction ID.
	indexTransaction = "gsi-transaction"
	// indexPrincipal projects events by principal and timestamp.
	indexPrincipal = "gsi-principal"

	// chainPartition is the partition key value shared by all blocks, so
	// block number can serve as the range key.
	chainPartition = "chain"
	// headSortKey marks the chain-head item, which serializes appends.
	headSortKey = int64(0)

	// appendAttempts bounds head CAS retries under concurrent appenders.
	appendAttempts = 5
)

// dynamoDBAPI defines the DynamoDB operations used by DynamoDBChain.
// This interface allows mocking for tests.
type dynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoDBChain implements Log using AWS DynamoDB.
//
// Every block shares one partition with block number as the range key. A
// head item at range key 0 records the chain length and last hash; each
// append is a transaction that advances the head conditionally and writes
// the new block, so concurrent appenders cannot fork the chain.
type DynamoDBChain struct {
	client    dynamoDBAPI
	tableName string
}

// NewDynamoDBChain creates a new DynamoDB-backed audit chain.
func NewDynamoDBChain(cfg aws.Config, tableName string) *DynamoDBChain {
	return &DynamoDBChain{
		client:    dynamodb.NewFromConfig(cfg),
		tableName: tableName,
	}
}

// newDynamoDBChainWithClient creates a chain with a custom client (for testing).
func newDynamoDBChainWithClient(client dynamoDBAPI, tableName string) *DynamoDBChain {
	return &DynamoDBChain{
		client:    client,
		tableName: tableName,
	}
}

// dynamoEvent is the DynamoDB representation of an AuditEvent.
type dynamoEvent struct {
	Partition             string            `dynamodbav:"chain_id"`
	BlockNumber           int64             `dynamodbav:"block_number"`
	EventID               string            `dynamodbav:"event_id"`
	TransactionID         string            `dynamodbav:"transaction_id"`
	Timestamp             string            `dynamodbav:"timestamp"`
	EventType             string            `dynamodbav:"event_type"`
	PrincipalID           string            `dynamodbav:"principal_id,omitempty"`
	Action                string            `dynamodbav:"action,omitempty"`
	Resource              string            `dynamodbav:"resource,omitempty"`
	Result                string            `dynamodbav:"result,omitempty"`
	IP                    string            `dynamodbav:"ip,omitempty"`
	DeviceFingerprintHash string            `dynamodbav:"device_fingerprint_hash,omitempty"`
	Details               map[string]string `dynamodbav:"details,omitempty"`
	PreviousHash          string            `dynamodbav:"previous_hash"`
	EventHash             string            `dynamodbav:"event_hash"`
}

// dynamoHead is the chain-head item at range key 0.
type dynamoHead struct {
	Partition string `dynamodbav:"chain_id"`
	BlockNum  int64  `dynamodbav:"block_number"`
	Length    int64  `dynamodbav:"length"`
	LastHash  string `dynamodbav:"last_hash"`
}

func toDynamoEvent(e *AuditEvent) *dynamoEvent {
	return &dynamoEvent{
		Partition:             chainPartition,
		BlockNumber:           e.BlockNumber,
		EventID:               e.EventID,
		TransactionID:         e.TransactionID,
		Timestamp:             e.Timestamp.UTC().Format(time.RFC3339Nano),
		EventType:             e.EventType,
		PrincipalID:           e.PrincipalID,
		Action:                e.Action,
		Resource:              e.Resource,
		Result:                string(e.Result),
		IP:                    e.IP,
		DeviceFingerprintHash: e.DeviceFingerprintHash,
		Details:               e.Details,
		PreviousHash:          e.PreviousHash,
		EventHash:             e.EventHash,
	}
}

func fromDynamoEvent(item *dynamoEvent) (*AuditEvent, error) {
	ts, err := time.Parse(time.RFC3339Nano, item.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("parsing timestamp: %w", err)
	}
	return &AuditEvent{
		EventID:               item.EventID,
		TransactionID:         item.TransactionID,
		Timestamp:             ts,
		EventType:             item.EventType,
		PrincipalID:           item.PrincipalID,
		Action:                item.Action,
		Resource:              item.Resource,
		Result:                Result(item.Result),
		IP:                    item.IP,
		DeviceFingerprintHash: item.DeviceFingerprintHash,
		Details:               item.Details,
		PreviousHash:          item.PreviousHash,
		BlockNumber:           item.BlockNumber,
		EventHash:             item.EventHash,
	}, nil
}

// Append assigns the next chain position and writes the block and head
// update in one transaction. Retries a bounded number of times when a
// concurrent appender advances the head first.
func (c *DynamoDBChain) Append(ctx context.Context, event *AuditEvent) (*Receipt, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < appendAttempts; attempt++ {
		length, lastHash, err := c.head(ctx)
		if err != nil {
			return nil, err
		}

		stored := *event
		stored.BlockNumber = length + 1
		stored.PreviousHash = lastHash
		stored.TransactionID = uuid.NewString()

		hash, err := HashEvent(&stored)
		if err != nil {
			return nil, err
		}
		stored.EventHash = hash

		if err := c.commit(ctx, &stored, length); err != nil {
			if stderrors.Is(err, errLostRace) {
				lastErr = err
				continue
			}
			return nil, err
		}

		event.TransactionID = stored.TransactionID
		event.BlockNumber = stored.BlockNumber
		event.PreviousHash = stored.PreviousHash
		event.EventHash = stored.EventHash

		return &Receipt{
			TransactionID: stored.TransactionID,
			BlockNumber:   stored.BlockNumber,
			EventHash:     stored.EventHash,
			PreviousHash:  stored.PreviousHash,
		}, nil
	}
	return nil, errors.New(errors.ErrCodeAuditUnavailable,
		fmt.Sprintf("audit append lost the head race %d times", appendAttempts),
		errors.GetSuggestion(errors.ErrCodeAuditUnavailable), lastErr)
}

// errLostRace signals the head moved between read and commit.
var errLostRace = stderrors.New("chain head advanced concurrently")

// head reads the chain-head item. An absent head means an empty chain.
func (c *DynamoDBChain) head(ctx context.Context) (int64, string, error) {
	out, err := c.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		ConsistentRead: aws.Bool(true),
		Key: map[string]types.AttributeValue{
			"chain_id":     &types.AttributeValueMemberS{Value: chainPartition},
			"block_number": &types.AttributeValueMemberN{Value: strconv.FormatInt(headSortKey, 10)},
		},
	})
	if err != nil {
		return 0, "", errors.WrapDynamoDBError(err, c.tableName, "get chain head")
	}
	if out.Item == nil {
		return 0, GenesisHash, nil
	}
	var head dynamoHead
	if err := attributevalue.UnmarshalMap(out.Item, &head); err != nil {
		return 0, "", fmt.Errorf("unmarshaling chain head: %w", err)
	}
	return head.Length, head.LastHash, nil
}

// commit writes the block and advances the head, conditioned on the head
// still matching the read length.
func (c *DynamoDBChain) commit(ctx context.Context, stored *AuditEvent, readLength int64) error {
	blockItem, err := attributevalue.MarshalMap(toDynamoEvent(stored))
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	headItem, err := attributevalue.MarshalMap(&dynamoHead{
		Partition: chainPartition,
		BlockNum:  headSortKey,
		Length:    stored.BlockNumber,
		LastHash:  stored.EventHash,
	})
	if err != nil {
		return fmt.Errorf("marshaling chain head: %w", err)
	}

	headCondition := "attribute_not_exists(chain_id)"
	var headValues map[string]types.AttributeValue
	if readLength > 0 {
		headCondition = "#len = :read_length"
		headValues = map[string]types.AttributeValue{
			":read_length": &types.AttributeValueMemberN{Value: strconv.FormatInt(readLength, 10)},
		}
	}

	_, err = c.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                blockItem,
					ConditionExpression: aws.String("attribute_not_exists(chain_id)"),
				},
			},
			{
				Put: &types.Put{
					TableName:                 aws.String(c.tableName),
					Item:                      headItem,
					ConditionExpression:       aws.String(headCondition),
					ExpressionAttributeNames:  headConditionNames(readLength),
					ExpressionAttributeValues: headValues,
				},
			},
		},
	})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if stderrors.As(err, &canceled) {
			return errLostRace
		}
		return errors.WrapDynamoDBError(err, c.tableName, "append audit event")
	}
	return nil
}

func headConditionNames(readLength int64) map[string]string {
	if readLength > 0 {
		return map[string]string{"#len": "length"}
	}
	return nil
}

// Verify recomputes the caller's event hash at the stored chain position.
func (c *DynamoDBChain) Verify(ctx context.Context, transactionID string, event *AuditEvent) (bool, error) {
	stored, err := c.GetByTransaction(ctx, transactionID)
	if err != nil {
		return false, err
	}
	recomputed, err := hashAt(event, stored.PreviousHash, stored.BlockNumber)
	if err != nil {
		return false, err
	}
	return recomputed == stored.EventHash, nil
}

// VerifyChain checks hash linkage for every block in [startBlock, endBlock].
func (c *DynamoDBChain) VerifyChain(ctx context.Context, startBlock, endBlock int64) (bool, error) {
	if startBlock < 1 || endBlock < startBlock {
		return false, ErrBlockOutOfRange
	}

	var previous *AuditEvent
	if startBlock > 1 {
		earlier, err := c.GetBlock(ctx, startBlock-1)
		if err != nil {
			return false, err
		}
		previous = earlier
	}

	for n := startBlock; n <= endBlock; n++ {
		block, err := c.GetBlock(ctx, n)
		if err != nil {
			if stderrors.Is(err, ErrEventNotFound) {
				return false, ErrBlockOutOfRange
			}
			return false, err
		}
		if previous == nil {
			if block.PreviousHash != GenesisHash {
				return false, nil
			}
			recomputed, err := HashEvent(block)
			if err != nil {
				return false, err
			}
			if recomputed != block.EventHash {
				return false, nil
			}
		} else {
			ok, err := verifyLinkage(previous, block)
			if err != nil || !ok {
				return ok, err
			}
		}
		previous = block
	}
	return true, nil
}

// GetBlock returns the event at the given chain position.
func (c *DynamoDBChain) GetBlock(ctx context.Context, blockNumber int64) (*AuditEvent, error) {
	if blockNumber < 1 {
		return nil, ErrEventNotFound
	}
	out, err := c.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"chain_id":     &types.AttributeValueMemberS{Value: chainPartition},
			"block_number": &types.AttributeValueMemberN{Value: strconv.FormatInt(blockNumber, 10)},
		},
	})
	if err != nil {
		return nil, errors.WrapDynamoDBError(err, c.tableName, "get audit block")
	}
	if out.Item == nil {
		return nil, ErrEventNotFound
	}
	var item dynamoEvent
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshaling audit event: %w", err)
	}
	return fromDynamoEvent(&item)
}

// GetByTransaction returns the event appended under the transaction ID.
func (c *DynamoDBChain) GetByTransaction(ctx context.Context, transactionID string) (*AuditEvent, error) {
	out, err := c.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		IndexName:              aws.String(indexTransaction),
		KeyConditionExpression: aws.String("transaction_id = :tx"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":tx": &types.AttributeValueMemberS{Value: transactionID},
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return nil, errors.WrapDynamoDBError(err, c.tableName, "get audit event by transaction")
	}
	if len(out.Items) == 0 {
		return nil, ErrEventNotFound
	}
	var item dynamoEvent
	if err := attributevalue.UnmarshalMap(out.Items[0], &item); err != nil {
		return nil, fmt.Errorf("unmarshaling audit event: %w", err)
	}
	return fromDynamoEvent(&item)
}

// ListByPrincipalSince returns the principal's events at or after since,
// oldest first.
func (c *DynamoDBChain) ListByPrincipalSince(ctx context.Context, principalID string, since time.Time, limit int) ([]*AuditEvent, error) {
	limit = enforceLimit(limit)

	out, err := c.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		IndexName:              aws.String(indexPrincipal),
		KeyConditionExpression: aws.String("principal_id = :principal_id AND #ts >= :since"),
		ExpressionAttributeNames: map[string]string{
			"#ts": "timestamp",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":principal_id": &types.AttributeValueMemberS{Value: principalID},
			":since":        &types.AttributeValueMemberS{Value: since.UTC().Format(time.RFC3339Nano)},
		},
		Limit: aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, errors.WrapDynamoDBError(err, c.tableName, "query audit events by principal")
	}
	return unmarshalEvents(out.Items), nil
}

// ListSince returns all events at or after since, oldest first. Blocks are
// queried by chain position; position order is append order.
func (c *DynamoDBChain) ListSince(ctx context.Context, since time.Time, limit int) ([]*AuditEvent, error) {
	limit = enforceLimit(limit)

	events := make([]*AuditEvent, 0)
	var lastKey map[string]types.AttributeValue
	for {
		out, err := c.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			KeyConditionExpression: aws.String("chain_id = :chain AND block_number >= :first"),
			FilterExpression:       aws.String("#ts >= :since"),
			ExpressionAttributeNames: map[string]string{
				"#ts": "timestamp",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":chain": &types.AttributeValueMemberS{Value: chainPartition},
				":first": &types.AttributeValueMemberN{Value: "1"},
				":since": &types.AttributeValueMemberS{Value: since.UTC().Format(time.RFC3339Nano)},
			},
			ExclusiveStartKey: lastKey,
		})
		if err != nil {
			return nil, errors.WrapDynamoDBError(err, c.tableName, "query audit events")
		}
		for _, e := range unmarshalEvents(out.Items) {
			events = append(events, e)
			if len(events) >= limit {
				return events, nil
			}
		}
		if out.LastEvaluatedKey == nil {
			break
		}
		lastKey = out.LastEvaluatedKey
	}
	return events, nil
}

// Head returns the current chain length.
func (c *DynamoDBChain) Head(ctx context.Context) (int64, error) {
	length, _, err := c.head(ctx)
	return length, err
}

func unmarshalEvents(items []map[string]types.AttributeValue) []*AuditEvent {
	events := make([]*AuditEvent, 0, len(items))
	for _, raw := range items {
		var item dynamoEvent
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			// Skip items that fail to unmarshal rather than failing the
			// whole query.
			continue
		}
		e, err := fromDynamoEvent(&item)
		if err != nil {
			continue
		}
		events = append(events, e)
	}
	return events
}

// CreateTableInput returns the table definition for the audit chain
// table, used by bootstrap provisioning.
func CreateTableInput(tableName string) *dynamodb.CreateTableInput {
	return &dynamodb.CreateTableInput{
		TableName:   aws.String(tableName),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("chain_id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("block_number"), AttributeType: types.ScalarAttributeTypeN},
			{AttributeName: aws.String("transaction_id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("principal_id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("timestamp"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("chain_id"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("block_number"), KeyType: types.KeyTypeRange},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String(indexTransaction),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("transaction_id"), KeyType: types.KeyTypeHash},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
			{
				IndexName: aws.String(indexPrincipal),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("principal_id"), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String("timestamp"), KeyType: types.KeyTypeRange},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
		},
	}
}

// Verify interface compliance.
var _ Log = (*DynamoDBChain)(nil)
