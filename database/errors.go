package database

import (
	"errors"
	"strings"

	"gorm.io/gorm"

	apperrors "github.com/kbukum/runkit/errors"
)

var connectionPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"i/o timeout",
	"driver: bad connection",
	"database is closed",
}

var transientPatterns = []string{
	"database is locked",
	"database table is locked",
	"deadlock",
	"busy",
}

// IsConnectionError reports whether err looks like a lost connection.
func IsConnectionError(err error) bool {
	return err != nil && containsAny(strings.ToLower(err.Error()), connectionPatterns)
}

// IsRetryableError reports whether retrying the statement may succeed.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	return IsConnectionError(err) || containsAny(strings.ToLower(err.Error()), transientPatterns)
}

// FromDatabase converts a GORM error into an AppError about resource.
func FromDatabase(err error, resource, id string) *apperrors.AppError {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.NotFound(resource, id)
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return apperrors.Conflict(resource + " already exists").WithCause(err)
	}
	appErr := apperrors.DatabaseError(err).WithDetail("resource", resource)
	appErr.Retryable = IsRetryableError(err)
	return appErr
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
