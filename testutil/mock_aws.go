package testutil

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// ============================================================================
// MockDynamoDBClient
// ============================================================================

// MockDynamoDBClient implements the DynamoDB operations the stores and the
// bootstrap provisioner use. Each operation returns an empty output unless a
// behavior function is configured.
type MockDynamoDBClient struct {
	mu sync.Mutex

	// Configurable behavior functions
	PutItemFunc            func(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItemFunc            func(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItemFunc         func(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	QueryFunc              func(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	ScanFunc               func(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	UpdateItemFunc         func(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	TransactWriteItemsFunc func(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	CreateTableFunc        func(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTableFunc      func(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)

	// Call tracking
	PutItemCalls            []*dynamodb.PutItemInput
	GetItemCalls            []*dynamodb.GetItemInput
	DeleteItemCalls         []*dynamodb.DeleteItemInput
	QueryCalls              []*dynamodb.QueryInput
	ScanCalls               []*dynamodb.ScanInput
	UpdateItemCalls         []*dynamodb.UpdateItemInput
	TransactWriteItemsCalls []*dynamodb.TransactWriteItemsInput
	CreateTableCalls        []*dynamodb.CreateTableInput
	DescribeTableCalls      []*dynamodb.DescribeTableInput
}

// PutItem implements DynamoDB PutItem.
func (m *MockDynamoDBClient) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.mu.Lock()
	m.PutItemCalls = append(m.PutItemCalls, params)
	m.mu.Unlock()

	if m.PutItemFunc != nil {
		return m.PutItemFunc(ctx, params, optFns...)
	}
	return &dynamodb.PutItemOutput{}, nil
}

// GetItem implements DynamoDB GetItem.
func (m *MockDynamoDBClient) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	m.mu.Lock()
	m.GetItemCalls = append(m.GetItemCalls, params)
	m.mu.Unlock()

	if m.GetItemFunc != nil {
		return m.GetItemFunc(ctx, params, optFns...)
	}
	return &dynamodb.GetItemOutput{}, nil
}

// DeleteItem implements DynamoDB DeleteItem.
func (m *MockDynamoDBClient) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	m.mu.Lock()
	m.DeleteItemCalls = append(m.DeleteItemCalls, params)
	m.mu.Unlock()

	if m.DeleteItemFunc != nil {
		return m.DeleteItemFunc(ctx, params, optFns...)
	}
	return &dynamodb.DeleteItemOutput{}, nil
}

// Query implements DynamoDB Query.
func (m *MockDynamoDBClient) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	m.mu.Lock()
	m.QueryCalls = append(m.QueryCalls, params)
	m.mu.Unlock()

	if m.QueryFunc != nil {
		return m.QueryFunc(ctx, params, optFns...)
	}
	return &dynamodb.QueryOutput{}, nil
}

// Scan implements DynamoDB Scan.
func (m *MockDynamoDBClient) Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	m.mu.Lock()
	m.ScanCalls = append(m.ScanCalls, params)
	m.mu.Unlock()

	if m.ScanFunc != nil {
		return m.ScanFunc(ctx, params, optFns...)
	}
	return &dynamodb.ScanOutput{}, nil
}

// UpdateItem implements DynamoDB UpdateItem.
func (m *MockDynamoDBClient) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	m.mu.Lock()
	m.UpdateItemCalls = append(m.UpdateItemCalls, params)
	m.mu.Unlock()

	if m.UpdateItemFunc != nil {
		return m.UpdateItemFunc(ctx, params, optFns...)
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

// TransactWriteItems implements DynamoDB TransactWriteItems.
func (m *MockDynamoDBClient) TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	m.mu.Lock()
	m.TransactWriteItemsCalls = append(m.TransactWriteItemsCalls, params)
	m.mu.Unlock()

	if m.TransactWriteItemsFunc != nil {
		return m.TransactWriteItemsFunc(ctx, params, optFns...)
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

// CreateTable implements DynamoDB CreateTable.
func (m *MockDynamoDBClient) CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	m.mu.Lock()
	m.CreateTableCalls = append(m.CreateTableCalls, params)
	m.mu.Unlock()

	if m.CreateTableFunc != nil {
		return m.CreateTableFunc(ctx, params, optFns...)
	}
	return &dynamodb.CreateTableOutput{}, nil
}

// DescribeTable implements DynamoDB DescribeTable.
func (m *MockDynamoDBClient) DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	m.mu.Lock()
	m.DescribeTableCalls = append(m.DescribeTableCalls, params)
	m.mu.Unlock()

	if m.DescribeTableFunc != nil {
		return m.DescribeTableFunc(ctx, params, optFns...)
	}
	return &dynamodb.DescribeTableOutput{}, nil
}

// Reset clears all call tracking.
func (m *MockDynamoDBClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PutItemCalls = nil
	m.GetItemCalls = nil
	m.DeleteItemCalls = nil
	m.QueryCalls = nil
	m.ScanCalls = nil
	m.UpdateItemCalls = nil
	m.TransactWriteItemsCalls = nil
	m.CreateTableCalls = nil
	m.DescribeTableCalls = nil
}

// ============================================================================
// MockSNSClient
// ============================================================================

// MockSNSClient implements the SNS Publish operation for testing.
type MockSNSClient struct {
	mu sync.Mutex

	// PublishFunc overrides default behavior if set
	PublishFunc func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)

	// PublishErr is returned from Publish if set (and PublishFunc is nil)
	PublishErr error

	// Call tracking
	PublishCalls []*sns.PublishInput
}

// Publish implements SNS Publish.
func (m *MockSNSClient) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	m.mu.Lock()
	m.PublishCalls = append(m.PublishCalls, params)
	m.mu.Unlock()

	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, params, optFns...)
	}
	if m.PublishErr != nil {
		return nil, m.PublishErr
	}
	return &sns.PublishOutput{}, nil
}

// Reset clears all call tracking.
func (m *MockSNSClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PublishCalls = nil
}

// PublishCallCount returns the number of Publish calls.
func (m *MockSNSClient) PublishCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.PublishCalls)
}

// LastPublishedMessage returns the most recent PublishInput, or nil.
func (m *MockSNSClient) LastPublishedMessage() *sns.PublishInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.PublishCalls) == 0 {
		return nil
	}
	return m.PublishCalls[len(m.PublishCalls)-1]
}

// ============================================================================
// MockKMSClient
// ============================================================================

// MockKMSClient implements the KMS Sign and Verify operations the policy
// snapshot signer uses.
type MockKMSClient struct {
	mu sync.Mutex

	// Configurable behavior functions
	SignFunc   func(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
	VerifyFunc func(ctx context.Context, params *kms.VerifyInput, optFns ...func(*kms.Options)) (*kms.VerifyOutput, error)

	// Error injection (used if behavior function is nil)
	SignErr   error
	VerifyErr error

	// Call tracking
	SignCalls   []*kms.SignInput
	VerifyCalls []*kms.VerifyInput
}

// Sign implements KMS Sign. Returns a fixed signature by default.
func (m *MockKMSClient) Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error) {
	m.mu.Lock()
	m.SignCalls = append(m.SignCalls, params)
	m.mu.Unlock()

	if m.SignFunc != nil {
		return m.SignFunc(ctx, params, optFns...)
	}
	if m.SignErr != nil {
		return nil, m.SignErr
	}
	return &kms.SignOutput{Signature: []byte("mock-signature")}, nil
}

// Verify implements KMS Verify. Reports a valid signature by default.
func (m *MockKMSClient) Verify(ctx context.Context, params *kms.VerifyInput, optFns ...func(*kms.Options)) (*kms.VerifyOutput, error) {
	m.mu.Lock()
	m.VerifyCalls = append(m.VerifyCalls, params)
	m.mu.Unlock()

	if m.VerifyFunc != nil {
		return m.VerifyFunc(ctx, params, optFns...)
	}
	if m.VerifyErr != nil {
		return nil, m.VerifyErr
	}
	return &kms.VerifyOutput{SignatureValid: true}, nil
}

// Reset clears all call tracking.
func (m *MockKMSClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SignCalls = nil
	m.VerifyCalls = nil
}
