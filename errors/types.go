// Package errors provides structured error types with stable codes for Citadel.
// Every user-facing failure carries a code, a human-readable message, and an
// actionable suggestion; internal details stay behind Unwrap.
package errors

// CitadelError provides additional context for error handling.
// It wraps underlying errors with error codes and actionable suggestions.
type CitadelError interface {
	error
	Unwrap() error              // Original error
	Code() string               // Stable error code (e.g., "DEVICE_LIMIT_EXCEEDED")
	Suggestion() string         // Actionable fix suggestion
	Context() map[string]string // Additional context (principal, segment, etc.)
}

// Kind classifies error codes into handling families.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindRateLimit     Kind = "ratelimit"
	KindConflict      Kind = "conflict"
	KindNotFound      Kind = "notfound"
	KindTimeout       Kind = "timeout"
	KindDependency    Kind = "dependency"
	KindCorruption    Kind = "corruption"
	KindUnknown       Kind = "unknown"
)

// Validation error codes
const (
	ErrCodeValidationFailed      = "VALIDATION_FAILED"
	ErrCodeJustificationTooShort = "JUSTIFICATION_TOO_SHORT"
	ErrCodeDurationOutOfRange    = "DURATION_OUT_OF_RANGE"
	ErrCodeAnomalousDevice       = "ANOMALOUS_CHARACTERISTICS"
)

// Authorization error codes
const (
	ErrCodeRoleNotAllowed       = "ROLE_NOT_ALLOWED"
	ErrCodeTimeRestricted       = "TIME_RESTRICTED"
	ErrCodeLowConfidence        = "LOW_CONFIDENCE"
	ErrCodeNoMatchingPolicy     = "NO_MATCHING_POLICY"
	ErrCodeDepartmentMismatch   = "DEPARTMENT_MISMATCH"
	ErrCodeIPNotWhitelisted     = "IP_NOT_WHITELISTED"
	ErrCodeProjectNotAuthorized = "PROJECT_NOT_AUTHORIZED"
	ErrCodeSegmentNotPermitted  = "SEGMENT_NOT_PERMITTED"
	ErrCodeSegmentLocked        = "SEGMENT_LOCKED"
	ErrCodeClearanceTooLow      = "CLEARANCE_TOO_LOW"
	ErrCodeJITNotRequired       = "JIT_NOT_REQUIRED"
	ErrCodeSelfApproval         = "SELF_APPROVAL"
	ErrCodeNotRequestOwner      = "NOT_REQUEST_OWNER"
	ErrCodeDeviceBlocked        = "DEVICE_BLOCKED"
	ErrCodePrincipalInactive    = "PRINCIPAL_INACTIVE"
	ErrCodeTokenInvalid         = "TOKEN_INVALID"
)

// Rate limit error codes
const (
	ErrCodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
)

// Conflict error codes
const (
	ErrCodeDuplicateFingerprint   = "DUPLICATE_FINGERPRINT"
	ErrCodeDuplicateApproval      = "DUPLICATE_APPROVAL"
	ErrCodeDeviceLimitExceeded    = "DEVICE_LIMIT_EXCEEDED"
	ErrCodeConcurrentModification = "CONCURRENT_MODIFICATION"
	ErrCodeInvalidTransition      = "INVALID_TRANSITION"
)

// Not-found error code. A single code covers unknown and inaccessible IDs so
// callers cannot probe which identifiers exist.
const (
	ErrCodeNotFound = "NOT_FOUND"
)

// Timeout error codes
const (
	ErrCodeDecisionTimeout = "DECISION_TIMEOUT"
)

// Dependency error codes
const (
	ErrCodeStoreUnavailable    = "STORE_UNAVAILABLE"
	ErrCodeStoreThrottled      = "STORE_THROTTLED"
	ErrCodeIdentityUnavailable = "IDENTITY_PROVIDER_UNAVAILABLE"
	ErrCodeAuditUnavailable    = "AUDIT_CHAIN_UNAVAILABLE"
	ErrCodeNotifyFailed        = "NOTIFY_FAILED"
	ErrCodeSigningUnavailable  = "SIGNING_UNAVAILABLE"
)

// Corruption error codes
const (
	ErrCodeChainMismatch = "CHAIN_MISMATCH"
	ErrCodeDecryptFailed = "DECRYPT_FAILED"
)

// kinds maps each code to its handling family.
var kinds = map[string]Kind{
	ErrCodeValidationFailed:      KindValidation,
	ErrCodeJustificationTooShort: KindValidation,
	ErrCodeDurationOutOfRange:    KindValidation,
	ErrCodeAnomalousDevice:       KindValidation,

	ErrCodeRoleNotAllowed:       KindAuthorization,
	ErrCodeTimeRestricted:       KindAuthorization,
	ErrCodeLowConfidence:        KindAuthorization,
	ErrCodeNoMatchingPolicy:     KindAuthorization,
	ErrCodeDepartmentMismatch:   KindAuthorization,
	ErrCodeIPNotWhitelisted:     KindAuthorization,
	ErrCodeProjectNotAuthorized: KindAuthorization,
	ErrCodeSegmentNotPermitted:  KindAuthorization,
	ErrCodeSegmentLocked:        KindAuthorization,
	ErrCodeClearanceTooLow:      KindAuthorization,
	ErrCodeJITNotRequired:       KindAuthorization,
	ErrCodeSelfApproval:         KindAuthorization,
	ErrCodeNotRequestOwner:      KindAuthorization,
	ErrCodeDeviceBlocked:        KindAuthorization,
	ErrCodePrincipalInactive:    KindAuthorization,
	ErrCodeTokenInvalid:         KindAuthorization,

	ErrCodeRateLimitExceeded: KindRateLimit,

	ErrCodeDuplicateFingerprint:   KindConflict,
	ErrCodeDuplicateApproval:      KindConflict,
	ErrCodeDeviceLimitExceeded:    KindConflict,
	ErrCodeConcurrentModification: KindConflict,
	ErrCodeInvalidTransition:      KindConflict,

	ErrCodeNotFound: KindNotFound,

	ErrCodeDecisionTimeout: KindTimeout,

	ErrCodeStoreUnavailable:    KindDependency,
	ErrCodeStoreThrottled:      KindDependency,
	ErrCodeIdentityUnavailable: KindDependency,
	ErrCodeAuditUnavailable:    KindDependency,
	ErrCodeNotifyFailed:        KindDependency,
	ErrCodeSigningUnavailable:  KindDependency,

	ErrCodeChainMismatch: KindCorruption,
	ErrCodeDecryptFailed: KindCorruption,
}

// KindOf returns the handling family for a code, or KindUnknown.
func KindOf(code string) Kind {
	if k, ok := kinds[code]; ok {
		return k
	}
	return KindUnknown
}

// citadelError implements the CitadelError interface.
type citadelError struct {
	code       string
	message    string
	suggestion string
	context    map[string]string
	cause      error
}

// Error implements the error interface.
func (e *citadelError) Error() string {
	return e.message
}

// Unwrap returns the underlying cause error.
func (e *citadelError) Unwrap() error {
	return e.cause
}

// Code returns the error code.
func (e *citadelError) Code() string {
	return e.code
}

// Suggestion returns the actionable fix suggestion.
func (e *citadelError) Suggestion() string {
	return e.suggestion
}

// Context returns additional context about the error.
func (e *citadelError) Context() map[string]string {
	return e.context
}

// New creates a new CitadelError with the given code, message, suggestion, and cause.
func New(code, message, suggestion string, cause error) CitadelError {
	return &citadelError{
		code:       code,
		message:    message,
		suggestion: suggestion,
		context:    make(map[string]string),
		cause:      cause,
	}
}

// WithContext adds context to an error and returns a new CitadelError.
// The original error is not modified.
func WithContext(err CitadelError, key, value string) CitadelError {
	existingCtx := err.Context()
	newCtx := make(map[string]string, len(existingCtx)+1)
	for k, v := range existingCtx {
		newCtx[k] = v
	}
	newCtx[key] = value

	return &citadelError{
		code:       err.Code(),
		message:    err.Error(),
		suggestion: err.Suggestion(),
		context:    newCtx,
		cause:      err.Unwrap(),
	}
}

// IsCitadelError checks if err is a CitadelError and returns it.
// If err is nil or not a CitadelError, returns (nil, false).
func IsCitadelError(err error) (CitadelError, bool) {
	if err == nil {
		return nil, false
	}
	if ce, ok := err.(CitadelError); ok {
		return ce, true
	}
	return nil, false
}

// GetCode extracts the error code from an error.
// Returns empty string if err is not a CitadelError.
func GetCode(err error) string {
	if ce, ok := IsCitadelError(err); ok {
		return ce.Code()
	}
	return ""
}
