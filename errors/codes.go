package errors

// ErrorCode represents a machine-readable error code.
type ErrorCode string

// Connection/Availability errors (retryable)
const (
	// ErrCodeServiceUnavailable indicates the dependency is temporarily unavailable.
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	// ErrCodeConnectionFailed indicates a failed connection to a dependency.
	ErrCodeConnectionFailed ErrorCode = "CONNECTION_FAILED"
	// ErrCodeTimeout indicates the call timed out.
	ErrCodeTimeout ErrorCode = "TIMEOUT"
	// ErrCodeRateLimited indicates the caller is rate limited.
	ErrCodeRateLimited ErrorCode = "RATE_LIMITED"
)

// Resource errors
const (
	// ErrCodeNotFound indicates the requested resource was not found.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	// ErrCodeConflict indicates a conflict with the current state of the resource.
	ErrCodeConflict ErrorCode = "CONFLICT"
)

// Validation errors
const (
	// ErrCodeValidation indicates a malformed definition (routine graph, config).
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"
	// ErrCodeInvalidInput indicates a caller supplied an invalid value.
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
)

// Run engine errors
const (
	// ErrCodeCreditExhausted indicates the credit ledger allows no further spend.
	ErrCodeCreditExhausted ErrorCode = "CREDIT_EXHAUSTED"
	// ErrCodeBranchFailure indicates a failure local to one branch.
	ErrCodeBranchFailure ErrorCode = "BRANCH_FAILURE"
	// ErrCodeRunFatal indicates the whole run cannot continue.
	ErrCodeRunFatal ErrorCode = "RUN_FATAL"
	// ErrCodeCircuitOpen indicates a call was rejected by an open circuit breaker.
	ErrCodeCircuitOpen ErrorCode = "CIRCUIT_OPEN"
	// ErrCodeFinalizeTimeout indicates pending writes did not drain in time.
	ErrCodeFinalizeTimeout ErrorCode = "FINALIZE_TIMEOUT"
)

// Internal errors
const (
	// ErrCodeInternal indicates an internal error.
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	// ErrCodeDatabaseError indicates a persistence error.
	ErrCodeDatabaseError ErrorCode = "DATABASE_ERROR"
	// ErrCodeExternalService indicates an error from an external dependency.
	ErrCodeExternalService ErrorCode = "EXTERNAL_SERVICE_ERROR"
)

// CIRCUIT_OPEN is intentionally absent.
var retryableCodes = map[ErrorCode]bool{
	ErrCodeServiceUnavailable: true,
	ErrCodeConnectionFailed:   true,
	ErrCodeTimeout:            true,
	ErrCodeRateLimited:        true,
	ErrCodeDatabaseError:      true,
	ErrCodeExternalService:    true,
	ErrCodeInternal:           false,
}

// IsRetryableCode returns true if the error code indicates a retryable error.
func IsRetryableCode(code ErrorCode) bool {
	return retryableCodes[code]
}
