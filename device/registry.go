package device

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/citadelzt/citadel/errors"
	"github.com/citadelzt/citadel/notification"
	"github.com/citadelzt/citadel/principal"
	"github.com/citadelzt/citadel/threat"
)

// Registry implements the device fingerprint contracts: registration with
// anomaly screening, validation with trust adjustment, blocking, and the
// expiry sweep.
type Registry struct {
	store      Store
	principals principal.Store
	cipher     *Cipher

	threats threat.Store
	notify  *notification.Dispatcher

	// clock is swappable for tests.
	clock func() time.Time
}

// NewRegistry creates a device registry.
func NewRegistry(store Store, principals principal.Store, cipher *Cipher) *Registry {
	return &Registry{
		store:      store,
		principals: principals,
		cipher:     cipher,
		clock:      time.Now,
	}
}

// WithEscalation wires the stores used to escalate records that fail
// decryption: a critical prediction is persisted and administrators are
// paged. A registry without them still quarantines corrupt records.
func (r *Registry) WithEscalation(threats threat.Store, notify *notification.Dispatcher) *Registry {
	r.threats = threats
	r.notify = notify
	return r
}

// RegistrationInput carries a registration request.
type RegistrationInput struct {
	PrincipalID     string
	Characteristics Characteristics
	// MFAVerified permits registration beyond the active device cap.
	MFAVerified bool
}

// Register stores a new device fingerprint for a principal.
//
// Preconditions: the principal exists and is active; the principal holds
// fewer than MaxActiveDevices active devices or the registration is
// MFA-verified; no active device shares the same fingerprint hash.
// Anomalous characteristics are accepted but warned and trust-capped.
func (r *Registry) Register(ctx context.Context, input RegistrationInput) (*Fingerprint, error) {
	p, err := r.principals.Get(ctx, input.PrincipalID)
	if err != nil {
		if stderrors.Is(err, principal.ErrPrincipalNotFound) {
			return nil, errors.NewNotFound("principal", input.PrincipalID)
		}
		return nil, err
	}
	if !p.Active {
		return nil, errors.New(errors.ErrCodePrincipalInactive,
			"principal is deactivated",
			errors.GetSuggestion(errors.ErrCodePrincipalInactive), nil)
	}

	if err := input.Characteristics.Validate(); err != nil {
		return nil, errors.New(errors.ErrCodeValidationFailed,
			fmt.Sprintf("invalid characteristics: %v", err),
			errors.GetSuggestion(errors.ErrCodeValidationFailed), err)
	}

	hash, err := Hash(input.Characteristics)
	if err != nil {
		return nil, err
	}

	devices, err := r.store.ListByPrincipal(ctx, input.PrincipalID, MaxQueryLimit)
	if err != nil {
		return nil, err
	}
	activeCount := 0
	for _, d := range devices {
		if !d.IsActive() {
			continue
		}
		activeCount++
		if d.Hash == hash {
			return nil, errors.WithContext(errors.New(errors.ErrCodeDuplicateFingerprint,
				"an active device with identical characteristics is already registered",
				errors.GetSuggestion(errors.ErrCodeDuplicateFingerprint), nil),
				"device_id", d.ID)
		}
	}
	if activeCount >= MaxActiveDevices && !input.MFAVerified {
		return nil, errors.WithContext(errors.New(errors.ErrCodeDeviceLimitExceeded,
			fmt.Sprintf("principal already has %d active devices", activeCount),
			errors.GetSuggestion(errors.ErrCodeDeviceLimitExceeded), nil),
			"active_devices", fmt.Sprintf("%d", activeCount))
	}

	warnings := ScreenAnomalies(input.Characteristics)
	trust := InitialTrustScore
	if len(warnings) > 0 && trust > AnomalousTrustCap {
		trust = AnomalousTrustCap
	}

	sealed, err := r.cipher.Seal(input.Characteristics)
	if err != nil {
		return nil, err
	}

	now := r.clock()
	f := &Fingerprint{
		ID:             NewDeviceID(),
		PrincipalID:    input.PrincipalID,
		Hash:           hash,
		Sealed:         sealed,
		TrustScore:     trust,
		Status:         StatusActive,
		MFAVerified:    input.MFAVerified,
		Warnings:       warnings,
		RegisteredAt:   now,
		LastVerifiedAt: now,
		UpdatedAt:      now,
	}
	if err := r.store.Create(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

// ValidationResult reports the outcome of a validation pass.
type ValidationResult struct {
	// Approved is true when the best match reaches the approval threshold
	// and the matched device is not blocked.
	Approved bool `json:"approved"`

	// DeviceID identifies the best-matching device, when any device exists.
	DeviceID string `json:"device_id,omitempty"`

	// FingerprintHash is the best-matching device's stored hash, carried
	// into audit events.
	FingerprintHash string `json:"fingerprint_hash,omitempty"`

	// Similarity is the best weighted similarity in [0,100].
	Similarity float64 `json:"similarity"`

	// Breakdown holds per-component similarities for the best match.
	Breakdown SimilarityBreakdown `json:"breakdown"`

	// TrustScore is the matched device's trust after adjustment.
	TrustScore int `json:"trust_score"`

	// Blocked is true when the best-matching device is blocked. A blocked
	// device never yields approval, regardless of similarity.
	Blocked bool `json:"blocked"`

	// NoDevices is true when the principal has no comparable devices.
	NoDevices bool `json:"no_devices"`

	// QuarantinedDeviceIDs lists devices this pass found undecryptable
	// and withdrew from validation.
	QuarantinedDeviceIDs []string `json:"quarantined_device_ids,omitempty"`
}

// Validate compares fresh characteristics against the principal's
// registered devices, adjusts trust on the best match, and reports
// approval. Blocked devices are compared so a stolen fingerprint cannot
// fall through to a weaker match, but they never approve.
func (r *Registry) Validate(ctx context.Context, principalID string, chars Characteristics) (*ValidationResult, error) {
	if err := chars.Validate(); err != nil {
		return nil, errors.New(errors.ErrCodeValidationFailed,
			fmt.Sprintf("invalid characteristics: %v", err),
			errors.GetSuggestion(errors.ErrCodeValidationFailed), err)
	}

	devices, err := r.store.ListByPrincipal(ctx, principalID, MaxQueryLimit)
	if err != nil {
		return nil, err
	}

	var (
		best          *Fingerprint
		bestScore     float64
		bestBreakdown SimilarityBreakdown
		quarantined   []string
	)
	for _, d := range devices {
		if d.Status == StatusInactive || d.Status == StatusQuarantined {
			continue
		}
		stored, err := r.cipher.Open(d.Sealed)
		if err != nil {
			// The sealed characteristics no longer decrypt: the record
			// is corrupt or tampered with and cannot be compared.
			r.quarantine(ctx, d)
			quarantined = append(quarantined, d.ID)
			continue
		}
		score, breakdown := Similarity(*stored, chars)
		if best == nil || score > bestScore {
			best, bestScore, bestBreakdown = d, score, breakdown
		}
	}

	if best == nil {
		return &ValidationResult{NoDevices: true, QuarantinedDeviceIDs: quarantined}, nil
	}

	result := &ValidationResult{
		DeviceID:             best.ID,
		FingerprintHash:      best.Hash,
		Similarity:           bestScore,
		Breakdown:            bestBreakdown,
		Blocked:              best.IsBlocked(),
		QuarantinedDeviceIDs: quarantined,
	}
	result.Approved = bestScore >= ApprovalThreshold && !best.IsBlocked()

	// Blocked devices keep their trust frozen.
	if !best.IsBlocked() {
		if result.Approved {
			best.TrustScore = clampTrust(best.TrustScore + TrustRewardOnApproval)
		} else {
			best.TrustScore = clampTrust(best.TrustScore - TrustPenaltyOnMismatch)
		}
		best.LastVerifiedAt = r.clock()
		if err := r.store.Update(ctx, best); err != nil {
			return nil, err
		}
	}
	result.TrustScore = best.TrustScore

	return result, nil
}

// Block marks a device blocked. Blocked devices never validate and are
// only unblocked by an administrator.
func (r *Registry) Block(ctx context.Context, deviceID string) error {
	if err := r.store.SetStatus(ctx, deviceID, StatusBlocked); err != nil {
		if stderrors.Is(err, ErrDeviceNotFound) {
			return errors.NewNotFound("device", deviceID)
		}
		return err
	}
	return nil
}

// Unblock restores a blocked device to active.
func (r *Registry) Unblock(ctx context.Context, deviceID string) error {
	if err := r.store.SetStatus(ctx, deviceID, StatusActive); err != nil {
		if stderrors.Is(err, ErrDeviceNotFound) {
			return errors.NewNotFound("device", deviceID)
		}
		return err
	}
	return nil
}

// Sweep marks active devices unverified for longer than ExpiryWindow as
// inactive. Returns the number of devices expired.
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	cutoff := r.clock().Add(-ExpiryWindow)
	stale, err := r.store.ListVerifiedBefore(ctx, cutoff, MaxQueryLimit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, d := range stale {
		if err := r.store.SetStatus(ctx, d.ID, StatusInactive); err != nil {
			if stderrors.Is(err, ErrDeviceNotFound) {
				continue
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// Reveal decrypts a stored fingerprint's characteristics. Used by
// administrative tooling; decisions only consume derived scores.
func (r *Registry) Reveal(ctx context.Context, deviceID string) (*Characteristics, error) {
	f, err := r.store.Get(ctx, deviceID)
	if err != nil {
		if stderrors.Is(err, ErrDeviceNotFound) {
			return nil, errors.NewNotFound("device", deviceID)
		}
		return nil, err
	}
	chars, err := r.cipher.Open(f.Sealed)
	if err != nil {
		if f.Status != StatusQuarantined {
			r.quarantine(ctx, f)
		}
		return nil, errors.New(errors.ErrCodeDecryptFailed,
			"stored characteristics cannot be decrypted",
			errors.GetSuggestion(errors.ErrCodeDecryptFailed), err)
	}
	return chars, nil
}

// quarantine retires a fingerprint whose sealed characteristics failed
// decryption. The escalation runs first so a failed status write still
// leaves a signal; a record that stays active is re-escalated the next
// time it is seen.
func (r *Registry) quarantine(ctx context.Context, f *Fingerprint) {
	now := r.clock()
	if r.threats != nil {
		pred := &threat.Prediction{
			ID:          threat.NewPredictionID(),
			PrincipalID: f.PrincipalID,
			Type:        threat.ThreatAccountCompromise,
			Score:       3,
			Confidence:  1.0,
			Indicators: []threat.Indicator{{
				Feature:   threat.FeatureRecordIntegrity,
				Severity:  threat.SeverityHigh,
				Value:     1,
				Threshold: 1,
			}},
			PreventiveMeasures: threat.PreventiveMeasures(threat.ThreatAccountCompromise),
			Status:             threat.StatusPending,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		_ = r.threats.Create(ctx, pred)
	}
	if r.notify != nil {
		r.notify.AdminBroadcast(notification.EventThreatPredicted,
			"Device record quarantined",
			fmt.Sprintf("Device %s for principal %s failed decryption and was withdrawn from validation.", f.ID, f.PrincipalID),
			notification.PriorityCritical,
			map[string]string{
				"device_id":    f.ID,
				"principal_id": f.PrincipalID,
			})
	}
	_ = r.store.SetStatus(ctx, f.ID, StatusQuarantined)
}
