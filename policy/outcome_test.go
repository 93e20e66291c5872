package policy

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

func validOutcome() *PolicyOutcome {
	return &PolicyOutcome{
		ID:          "c1d2e3f4a5b60718",
		PolicyID:    "b1b1b1b1b1b1b1b1",
		PrincipalID: "00000000000000aa",
		Resource:    "gpu-cluster-01",
		Outcome:     OutcomeSuccess,
		Timestamp:   time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
}

func TestOutcomeIsValid(t *testing.T) {
	for _, o := range []Outcome{OutcomeSuccess, OutcomeDenied, OutcomeSecurityIncident} {
		if !o.IsValid() {
			t.Errorf("%s should be valid", o)
		}
	}
	if Outcome("granted").IsValid() {
		t.Error("granted is not an outcome value")
	}
	if Outcome("").IsValid() {
		t.Error("empty outcome should be invalid")
	}
}

func TestPolicyOutcomeValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*PolicyOutcome)
		wantErr string
	}{
		{"valid", func(o *PolicyOutcome) {}, ""},
		{"bad id", func(o *PolicyOutcome) { o.ID = "xyz" }, "invalid outcome ID"},
		{"missing policy", func(o *PolicyOutcome) { o.PolicyID = "" }, "policy ID is required"},
		{"missing principal", func(o *PolicyOutcome) { o.PrincipalID = "" }, "principal ID is required"},
		{"bad outcome", func(o *PolicyOutcome) { o.Outcome = "granted" }, "invalid outcome"},
		{"zero timestamp", func(o *PolicyOutcome) { o.Timestamp = time.Time{} }, "timestamp is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := validOutcome()
			tt.mutate(o)
			err := o.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestMemoryOutcomeStoreRecordAndList(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryOutcomeStore()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	seed := func(id string, policyID string, outcome Outcome, at time.Time) {
		o := validOutcome()
		o.ID = id
		o.PolicyID = policyID
		o.Outcome = outcome
		o.Timestamp = at
		if err := s.Record(ctx, o); err != nil {
			t.Fatalf("Record(%s): %v", id, err)
		}
	}

	seed("00000000000000a1", "b1b1b1b1b1b1b1b1", OutcomeSuccess, base.Add(-2*time.Hour))
	seed("00000000000000a2", "b1b1b1b1b1b1b1b1", OutcomeDenied, base.Add(-time.Hour))
	seed("00000000000000a3", "c2c2c2c2c2c2c2c2", OutcomeSuccess, base)
	seed("00000000000000a4", "b1b1b1b1b1b1b1b1", OutcomeSecurityIncident, base.Add(-40*24*time.Hour))

	got, err := s.ListByPolicy(ctx, "b1b1b1b1b1b1b1b1", base.Add(-30*24*time.Hour), 0)
	if err != nil {
		t.Fatalf("ListByPolicy() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListByPolicy() = %d outcomes, want 2 (window excludes the 40-day-old one)", len(got))
	}
	if got[0].ID != "00000000000000a2" || got[1].ID != "00000000000000a1" {
		t.Errorf("ListByPolicy() order = %s, %s; want newest first", got[0].ID, got[1].ID)
	}

	all, err := s.ListSince(ctx, base.Add(-3*time.Hour), 0)
	if err != nil {
		t.Fatalf("ListSince() error: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("ListSince() = %d outcomes, want 3", len(all))
	}
}

func TestMemoryOutcomeStoreDuplicate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryOutcomeStore()

	if err := s.Record(ctx, validOutcome()); err != nil {
		t.Fatalf("first Record(): %v", err)
	}
	if err := s.Record(ctx, validOutcome()); !errors.Is(err, ErrOutcomeExists) {
		t.Errorf("second Record() = %v, want ErrOutcomeExists", err)
	}
}

// mockOutcomeClient implements outcomeDynamoDBAPI for testing.
type mockOutcomeClient struct {
	putItemFunc func(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	queryFunc   func(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	scanFunc    func(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

func (m *mockOutcomeClient) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if m.putItemFunc != nil {
		return m.putItemFunc(ctx, params, optFns...)
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockOutcomeClient) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, params, optFns...)
	}
	return &dynamodb.QueryOutput{}, nil
}

func (m *mockOutcomeClient) Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	if m.scanFunc != nil {
		return m.scanFunc(ctx, params, optFns...)
	}
	return &dynamodb.ScanOutput{}, nil
}

func marshaledOutcome(t *testing.T, o *PolicyOutcome) map[string]types.AttributeValue {
	t.Helper()
	av, err := attributevalue.MarshalMap(toOutcomeItem(o))
	if err != nil {
		t.Fatalf("marshaling outcome: %v", err)
	}
	return av
}

func TestDynamoDBOutcomeStore_Record(t *testing.T) {
	var captured *dynamodb.PutItemInput
	client := &mockOutcomeClient{
		putItemFunc: func(ctx context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			captured = params
			return &dynamodb.PutItemOutput{}, nil
		},
	}
	s := newDynamoDBOutcomeStoreWithClient(client, "citadel-policy-outcomes")

	if err := s.Record(context.Background(), validOutcome()); err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	if aws.ToString(captured.ConditionExpression) != "attribute_not_exists(id)" {
		t.Errorf("ConditionExpression = %q", aws.ToString(captured.ConditionExpression))
	}
	if _, ok := captured.Item["ttl"]; !ok {
		t.Error("item should carry a ttl attribute")
	}
}

func TestDynamoDBOutcomeStore_RecordDuplicate(t *testing.T) {
	client := &mockOutcomeClient{
		putItemFunc: func(ctx context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			return nil, &types.ConditionalCheckFailedException{}
		},
	}
	s := newDynamoDBOutcomeStoreWithClient(client, "citadel-policy-outcomes")

	if err := s.Record(context.Background(), validOutcome()); !errors.Is(err, ErrOutcomeExists) {
		t.Errorf("Record() = %v, want ErrOutcomeExists", err)
	}
}

func TestDynamoDBOutcomeStore_ListByPolicy(t *testing.T) {
	o := validOutcome()
	var captured *dynamodb.QueryInput
	client := &mockOutcomeClient{
		queryFunc: func(ctx context.Context, params *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
			captured = params
			return &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{marshaledOutcome(t, o)}}, nil
		},
	}
	s := newDynamoDBOutcomeStoreWithClient(client, "citadel-policy-outcomes")

	since := time.Date(2026, 2, 8, 0, 0, 0, 0, time.UTC)
	got, err := s.ListByPolicy(context.Background(), o.PolicyID, since, 25)
	if err != nil {
		t.Fatalf("ListByPolicy() error: %v", err)
	}
	if len(got) != 1 || got[0].ID != o.ID || got[0].Outcome != OutcomeSuccess {
		t.Errorf("ListByPolicy() = %+v", got)
	}
	if aws.ToString(captured.IndexName) != indexOutcomePolicy {
		t.Errorf("IndexName = %q", aws.ToString(captured.IndexName))
	}
	cond := aws.ToString(captured.KeyConditionExpression)
	if cond != "policy_id = :p AND created_at >= :since" {
		t.Errorf("KeyConditionExpression = %q", cond)
	}
	if aws.ToBool(captured.ScanIndexForward) {
		t.Error("query should be newest first")
	}
}

func TestDynamoDBOutcomeStore_ListSince(t *testing.T) {
	older := validOutcome()
	older.ID = "00000000000000b1"
	older.Timestamp = older.Timestamp.Add(-time.Hour)
	newer := validOutcome()
	newer.ID = "00000000000000b2"

	client := &mockOutcomeClient{
		scanFunc: func(ctx context.Context, params *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
			if aws.ToString(params.FilterExpression) != "created_at >= :since" {
				t.Errorf("FilterExpression = %q", aws.ToString(params.FilterExpression))
			}
			return &dynamodb.ScanOutput{Items: []map[string]types.AttributeValue{
				marshaledOutcome(t, older), marshaledOutcome(t, newer),
			}}, nil
		},
	}
	s := newDynamoDBOutcomeStoreWithClient(client, "citadel-policy-outcomes")

	got, err := s.ListSince(context.Background(), time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), 0)
	if err != nil {
		t.Fatalf("ListSince() error: %v", err)
	}
	if len(got) != 2 || got[0].ID != newer.ID {
		t.Error("ListSince() should sort newest first")
	}
}

func TestCreateOutcomeTableInput(t *testing.T) {
	input := CreateOutcomeTableInput("citadel-policy-outcomes")

	if aws.ToString(input.TableName) != "citadel-policy-outcomes" {
		t.Errorf("TableName = %q", aws.ToString(input.TableName))
	}
	if input.BillingMode != types.BillingModePayPerRequest {
		t.Errorf("BillingMode = %v", input.BillingMode)
	}
	if len(input.GlobalSecondaryIndexes) != 1 {
		t.Fatalf("GSIs = %d, want 1", len(input.GlobalSecondaryIndexes))
	}
	if aws.ToString(input.GlobalSecondaryIndexes[0].IndexName) != indexOutcomePolicy {
		t.Errorf("GSI name = %q", aws.ToString(input.GlobalSecondaryIndexes[0].IndexName))
	}
}
