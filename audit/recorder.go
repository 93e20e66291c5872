package audit

import (
	"context"
	"time"

	"github.com/citadelzt/citadel/errors"
	"github.com/citadelzt/citadel/retry"
	"github.com/google/uuid"
)

// Recorder appends events under the dependency-failure policy: each
// append retries with exponential backoff, then fails closed. Callers on
// the decision path treat a Record error as a security-relevant failure,
// not something to log and continue past.
type Recorder struct {
	chain  Chain
	policy retry.Policy
	clock  func() time.Time
}

// NewRecorder creates a Recorder with the default retry policy.
func NewRecorder(chain Chain) *Recorder {
	return &Recorder{
		chain:  chain,
		policy: retry.DefaultPolicy(),
		clock:  time.Now,
	}
}

// Record fills in the event ID and timestamp when absent, then appends
// with retries. Returns the receipt of the successful append.
func (r *Recorder) Record(ctx context.Context, event *AuditEvent) (*Receipt, error) {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = r.clock().UTC()
	}

	var receipt *Receipt
	err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
		var appendErr error
		receipt, appendErr = r.chain.Append(ctx, event)
		return appendErr
	})
	if err != nil {
		return nil, errors.New(errors.ErrCodeAuditUnavailable,
			"audit append failed after retries",
			errors.GetSuggestion(errors.ErrCodeAuditUnavailable), err)
	}
	return receipt, nil
}

// RecordDecision appends an access-decision event.
func (r *Recorder) RecordDecision(ctx context.Context, principalID, action, resource, ip, deviceHash string, result Result, details map[string]string) (*Receipt, error) {
	return r.Record(ctx, &AuditEvent{
		EventType:             EventTypeAccessDecision,
		PrincipalID:           principalID,
		Action:                action,
		Resource:              resource,
		Result:                result,
		IP:                    ip,
		DeviceFingerprintHash: deviceHash,
		Details:               details,
	})
}

// RecordAuthentication appends a login or step-up outcome.
func (r *Recorder) RecordAuthentication(ctx context.Context, principalID, ip, deviceHash string, result Result, details map[string]string) (*Receipt, error) {
	return r.Record(ctx, &AuditEvent{
		EventType:             EventTypeAuthentication,
		PrincipalID:           principalID,
		Action:                "login",
		Result:                result,
		IP:                    ip,
		DeviceFingerprintHash: deviceHash,
		Details:               details,
	})
}
