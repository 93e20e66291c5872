package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{"default is valid", DefaultPolicy(), false},
		{"zero base", Policy{Base: 0, Factor: 2, Cap: time.Second, MaxAttempts: 3}, true},
		{"factor below one", Policy{Base: time.Millisecond, Factor: 0.5, Cap: time.Second, MaxAttempts: 3}, true},
		{"cap below base", Policy{Base: time.Second, Factor: 2, Cap: time.Millisecond, MaxAttempts: 3}, true},
		{"zero attempts", Policy{Base: time.Millisecond, Factor: 2, Cap: time.Second, MaxAttempts: 0}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPolicyDelay(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, 1600 * time.Millisecond},
		{5, 3200 * time.Millisecond},
		{6, 5 * time.Second}, // capped
		{20, 5 * time.Second},
	}

	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDoSucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultPolicy(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	p := Policy{Base: time.Millisecond, Factor: 2, Cap: 5 * time.Millisecond, MaxAttempts: 5}
	calls := 0
	err := Do(context.Background(), p, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoExhaustsBudget(t *testing.T) {
	p := Policy{Base: time.Millisecond, Factor: 2, Cap: 2 * time.Millisecond, MaxAttempts: 3}
	sentinel := errors.New("still down")
	calls := 0
	err := Do(context.Background(), p, func(ctx context.Context) error {
		calls++
		return sentinel
	})
	if err == nil {
		t.Fatal("Do() expected error")
	}
	if !errors.Is(err, sentinel) {
		t.Errorf("Do() error = %v, want wrapped %v", err, sentinel)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{Base: 50 * time.Millisecond, Factor: 2, Cap: time.Second, MaxAttempts: 5}

	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, p, func(ctx context.Context) error {
		calls++
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want context.Canceled", err)
	}
	if calls > 2 {
		t.Errorf("calls = %d, want at most 2 before cancel", calls)
	}
}
