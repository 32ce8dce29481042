// Package errors provides the unified error type for runkit.
//
// Every failure that crosses a component boundary is an *AppError carrying a
// machine-readable ErrorCode and a Retryable flag. The run engine's taxonomy
// (validation, credit exhaustion, branch failure, run-fatal, circuit-open and
// finalize-timeout) is expressed as codes so callers can branch with HasCode
// instead of matching strings.
package errors
