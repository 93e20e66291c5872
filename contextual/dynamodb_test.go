package contextual

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/citadelzt/citadel/geo"
)

// mockDynamoDBClient implements dynamoDBAPI for testing.
type mockDynamoDBClient struct {
	putItemFunc    func(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	getItemFunc    func(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	deleteItemFunc func(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

func (m *mockDynamoDBClient) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if m.putItemFunc != nil {
		return m.putItemFunc(ctx, params, optFns...)
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockDynamoDBClient) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if m.getItemFunc != nil {
		return m.getItemFunc(ctx, params, optFns...)
	}
	return &dynamodb.GetItemOutput{}, nil
}

func (m *mockDynamoDBClient) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	if m.deleteItemFunc != nil {
		return m.deleteItemFunc(ctx, params, optFns...)
	}
	return &dynamodb.DeleteItemOutput{}, nil
}

func TestDynamoDBHistoryStoreRoundTrip(t *testing.T) {
	var stored map[string]types.AttributeValue
	mock := &mockDynamoDBClient{
		putItemFunc: func(ctx context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			stored = params.Item
			return &dynamodb.PutItemOutput{}, nil
		},
		getItemFunc: func(ctx context.Context, params *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			return &dynamodb.GetItemOutput{Item: stored}, nil
		},
	}
	store := newDynamoDBHistoryStoreWithClient(mock, "citadel-access-history")
	ctx := context.Background()

	h := NewHistory("00000000000000aa")
	h.Append(AccessEvent{
		At:       time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		IP:       "192.0.2.10",
		Location: &geo.Location{Latitude: 40.7128, Longitude: -74.0060, City: "New York"},
		Success:  true,
	})
	if err := store.Put(ctx, h); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := store.Get(ctx, "00000000000000aa")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(got.Events) != 1 {
		t.Fatalf("len(Events) = %d, want 1", len(got.Events))
	}
	if got.Events[0].Location == nil || got.Events[0].Location.City != "New York" {
		t.Errorf("Events[0].Location = %+v, want New York round-tripped", got.Events[0].Location)
	}
	if !got.UpdatedAt.Equal(h.UpdatedAt) {
		t.Errorf("UpdatedAt = %s, want %s", got.UpdatedAt, h.UpdatedAt)
	}
}

func TestDynamoDBHistoryStoreNotFound(t *testing.T) {
	mock := &mockDynamoDBClient{
		getItemFunc: func(ctx context.Context, params *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			return &dynamodb.GetItemOutput{}, nil
		},
	}
	store := newDynamoDBHistoryStoreWithClient(mock, "citadel-access-history")
	if _, err := store.Get(context.Background(), "00000000000000aa"); !errors.Is(err, ErrHistoryNotFound) {
		t.Errorf("Get() error = %v, want ErrHistoryNotFound", err)
	}
}

func TestDynamoDBHistoryStoreCorruptEvents(t *testing.T) {
	item, err := attributevalue.MarshalMap(dynamoItem{
		PrincipalID: "00000000000000aa",
		Events:      "{not json",
		UpdatedAt:   time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		t.Fatalf("MarshalMap() error = %v", err)
	}
	mock := &mockDynamoDBClient{
		getItemFunc: func(ctx context.Context, params *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			return &dynamodb.GetItemOutput{Item: item}, nil
		},
	}
	store := newDynamoDBHistoryStoreWithClient(mock, "citadel-access-history")
	if _, err := store.Get(context.Background(), "00000000000000aa"); err == nil {
		t.Error("Get() error = nil, want parse error")
	}
}

func TestHistoryCreateTableInput(t *testing.T) {
	input := CreateTableInput("citadel-access-history")
	if *input.TableName != "citadel-access-history" {
		t.Errorf("TableName = %q", *input.TableName)
	}
	if len(input.KeySchema) != 1 || *input.KeySchema[0].AttributeName != "principal_id" {
		t.Errorf("KeySchema = %+v, want single principal_id hash key", input.KeySchema)
	}
}
