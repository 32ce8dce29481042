package resilience

import (
	"context"
	"io"
	"net"
	"strings"

	"github.com/kbukum/runkit/errors"
)

// Severity grades a classified failure.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Category groups failures by cause.
type Category string

const (
	CategoryNone       Category = ""
	CategoryCancelled  Category = "cancelled"
	CategoryTimeout    Category = "timeout"
	CategoryConnection Category = "connection"
	CategoryTransient  Category = "transient"
	CategoryCircuit    Category = "circuit"
	CategoryCredit     Category = "credit"
	CategoryInput      Category = "input"
	CategoryInternal   Category = "internal"
	CategoryUnknown    Category = "unknown"
)

// Classification describes how a failure should be handled.
// Retryable failures count toward breaker thresholds; Fatal ones never do.
type Classification struct {
	Retryable bool
	Fatal     bool
	Severity  Severity
	Category  Category
}

var connectionPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"i/o timeout",
	"no route to host",
	"network is unreachable",
	"connection closed",
	"dial tcp",
}

var transientPatterns = []string{
	"temporary",
	"timed out",
	"unavailable",
	"rate limit",
	"too many requests",
	"try again",
	"overloaded",
}

var fatalPatterns = []string{
	"invalid",
	"unauthorized",
	"forbidden",
	"not found",
	"malformed",
	"permission denied",
}

// Classify maps err to a Classification. Application errors are classified by
// code; other errors by type, then by message. Unrecognized errors are
// treated as retryable.
func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}
	if errors.Is(err, context.Canceled) {
		return Classification{Severity: SeverityLow, Category: CategoryCancelled}
	}
	if appErr, ok := errors.AsAppError(err); ok {
		return classifyCode(appErr)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{Retryable: true, Severity: SeverityMedium, Category: CategoryTimeout}
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return Classification{Retryable: true, Severity: SeverityHigh, Category: CategoryConnection}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Classification{Retryable: true, Severity: SeverityMedium, Category: CategoryTimeout}
		}
		return Classification{Retryable: true, Severity: SeverityHigh, Category: CategoryConnection}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, connectionPatterns):
		return Classification{Retryable: true, Severity: SeverityHigh, Category: CategoryConnection}
	case containsAny(msg, transientPatterns):
		return Classification{Retryable: true, Severity: SeverityMedium, Category: CategoryTransient}
	case containsAny(msg, fatalPatterns):
		return Classification{Fatal: true, Severity: SeverityHigh, Category: CategoryInput}
	}
	return Classification{Retryable: true, Severity: SeverityMedium, Category: CategoryUnknown}
}

func classifyCode(e *errors.AppError) Classification {
	switch e.Code {
	case errors.ErrCodeTimeout:
		return Classification{Retryable: true, Severity: SeverityMedium, Category: CategoryTimeout}
	case errors.ErrCodeConnectionFailed, errors.ErrCodeServiceUnavailable:
		return Classification{Retryable: true, Severity: SeverityHigh, Category: CategoryConnection}
	case errors.ErrCodeCircuitOpen:
		return Classification{Fatal: true, Severity: SeverityMedium, Category: CategoryCircuit}
	case errors.ErrCodeCreditExhausted:
		return Classification{Fatal: true, Severity: SeverityHigh, Category: CategoryCredit}
	case errors.ErrCodeValidation, errors.ErrCodeInvalidInput, errors.ErrCodeNotFound, errors.ErrCodeConflict:
		return Classification{Fatal: true, Severity: SeverityHigh, Category: CategoryInput}
	case errors.ErrCodeRunFatal:
		return Classification{Fatal: true, Severity: SeverityCritical, Category: CategoryInternal}
	}
	if e.Retryable {
		return Classification{Retryable: true, Severity: SeverityMedium, Category: CategoryTransient}
	}
	return Classification{Fatal: true, Severity: SeverityHigh, Category: CategoryInternal}
}

// IsRetryable reports whether Classify(err) is retryable.
func IsRetryable(err error) bool {
	return Classify(err).Retryable
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
