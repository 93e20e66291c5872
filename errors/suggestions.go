package errors

import (
	"fmt"
	"strings"
)

// Suggestions contains default fix suggestions for each error code.
var Suggestions = map[string]string{
	ErrCodeJustificationTooShort: "Provide a specific justification describing what you need, why, and for how long.",
	ErrCodeDurationOutOfRange:    "Choose a duration inside the allowed range for this request type.",
	ErrCodeAnomalousDevice:       "The device profile looks unusual. Retry from a standard browser, or contact your administrator.",
	ErrCodeRoleNotAllowed:        "Your role does not permit this resource. Request a JIT elevation with: citadel jit request",
	ErrCodeTimeRestricted:        "This resource is time-restricted. Retry inside the allowed window, or request an elevation.",
	ErrCodeLowConfidence:         "Confidence in this request is too low. Use a registered device, a known network, and a specific justification.",
	ErrCodeNoMatchingPolicy:      "No active policy covers this resource. Access is denied by default; contact your administrator.",
	ErrCodeDepartmentMismatch:    "This resource is restricted to its owning department.",
	ErrCodeIPNotWhitelisted:      "Your address is outside the allowed ranges for this resource. Connect from an approved network.",
	ErrCodeProjectNotAuthorized:  "You are not on the authorization roster for this project resource.",
	ErrCodeSegmentNotPermitted:   "This segment is outside your allowed set. Contact your host or administrator.",
	ErrCodeSegmentLocked:         "The segment is locked down by automated response. An administrator must unlock it.",
	ErrCodeClearanceTooLow:       "Your clearance is below the segment's security level.",
	ErrCodeJITNotRequired:        "This segment does not require JIT elevation. Request access directly with: citadel decide",
	ErrCodeSelfApproval:          "Requests cannot be approved by their requester. Ask another administrator.",
	ErrCodeDuplicateApproval:     "You already recorded a decision on this request.",
	ErrCodeDeviceLimitExceeded:   "Device limit reached. Complete MFA verification to register additional devices, or remove an old device.",
	ErrCodeDuplicateFingerprint:  "This device is already registered.",
	ErrCodeDeviceBlocked:         "This device was blocked by automated response. Contact your administrator.",
	ErrCodePrincipalInactive:     "The principal is deactivated. Contact your administrator.",
	ErrCodeTokenInvalid:          "The bearer token is missing, expired, or malformed. Re-authenticate and retry.",
	ErrCodeRateLimitExceeded:     "Too many requests. Wait for the window to pass and retry.",
	ErrCodeNotFound:              "The identifier was not found or is not accessible to you.",
	ErrCodeDecisionTimeout:       "The decision did not complete in time and was denied. Retry; scoring continues in the background for audit.",
	ErrCodeConcurrentModification: "The record was modified by another process. Re-read it and retry.",
	ErrCodeInvalidTransition:      "The record is in a state that does not allow this operation.",
	ErrCodeStoreUnavailable:       "The document store is unreachable. Check connectivity and table configuration: citadel bootstrap --check",
	ErrCodeStoreThrottled:         "Store throughput exceeded. Wait a moment and retry, or raise table capacity.",
	ErrCodeIdentityUnavailable:    "The identity provider is unreachable. Cached identities are used for up to 60 seconds.",
	ErrCodeAuditUnavailable:       "The audit chain is unreachable. Security-relevant writes fail closed.",
	ErrCodeNotifyFailed:           "Notification delivery failed. The decision path is unaffected; check the notifier configuration.",
	ErrCodeSigningUnavailable:     "KMS signing is unreachable. Policy snapshots cannot be verified.",
	ErrCodeChainMismatch:          "Audit chain verification failed. The record is quarantined and administrators are alerted.",
	ErrCodeDecryptFailed:          "Stored characteristics failed to decrypt. The record is quarantined and administrators are alerted.",
}

// GetSuggestion returns the default suggestion for an error code.
// Returns empty string if no suggestion is defined.
func GetSuggestion(code string) string {
	return Suggestions[code]
}

// WrapDynamoDBError examines a DynamoDB error and returns a CitadelError.
func WrapDynamoDBError(err error, table, operation string) CitadelError {
	if err == nil {
		return nil
	}

	var code string
	var message string

	errStr := strings.ToLower(err.Error())

	switch {
	case isConditionalCheckFailed(errStr):
		code = ErrCodeConcurrentModification
		message = fmt.Sprintf("conditional check failed for table: %s", table)
	case isThrottled(errStr) || isProvisionedThroughputExceeded(errStr):
		code = ErrCodeStoreThrottled
		message = fmt.Sprintf("throughput exceeded for table: %s", table)
	case isResourceNotFound(errStr):
		code = ErrCodeStoreUnavailable
		message = fmt.Sprintf("table not found: %s", table)
	default:
		code = ErrCodeStoreUnavailable
		message = fmt.Sprintf("store error for table %s during %s: %v", table, operation, err)
	}

	ce := New(code, message, Suggestions[code], err)
	ce = WithContext(ce, "table", table)
	return WithContext(ce, "operation", operation)
}

// WrapKMSError examines a KMS error and returns a CitadelError.
func WrapKMSError(err error, keyID, operation string) CitadelError {
	if err == nil {
		return nil
	}

	message := fmt.Sprintf("kms error for key %s during %s: %v", keyID, operation, err)
	ce := New(ErrCodeSigningUnavailable, message, Suggestions[ErrCodeSigningUnavailable], err)
	ce = WithContext(ce, "key_id", keyID)
	return WithContext(ce, "operation", operation)
}

// NewNotFound returns the uniform not-found error for an entity kind.
// The message never reveals whether the ID exists for someone else.
func NewNotFound(entity, id string) CitadelError {
	ce := New(ErrCodeNotFound, fmt.Sprintf("%s not found", entity), Suggestions[ErrCodeNotFound], nil)
	return WithContext(ce, "id", id)
}

// isThrottled checks if error indicates throttling.
func isThrottled(errStr string) bool {
	return strings.Contains(errStr, "throttl") ||
		strings.Contains(errStr, "rate exceeded") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "slowdown")
}

// isResourceNotFound checks if error indicates resource not found.
func isResourceNotFound(errStr string) bool {
	return strings.Contains(errStr, "resourcenotfound") ||
		strings.Contains(errStr, "resource not found") ||
		strings.Contains(errStr, "table not found") ||
		strings.Contains(errStr, "cannot do operations on a non-existent table")
}

// isProvisionedThroughputExceeded checks if error indicates throughput exceeded.
func isProvisionedThroughputExceeded(errStr string) bool {
	return strings.Contains(errStr, "provisionedthroughputexceeded") ||
		strings.Contains(errStr, "throughput exceeded") ||
		strings.Contains(errStr, "capacity")
}

// isConditionalCheckFailed checks if error indicates conditional check failure.
func isConditionalCheckFailed(errStr string) bool {
	return strings.Contains(errStr, "conditionalcheckfailed") ||
		strings.Contains(errStr, "conditional check failed") ||
		strings.Contains(errStr, "condition expression")
}
