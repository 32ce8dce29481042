package kafka

import (
	apperrors "github.com/kbukum/runkit/errors"
)

// FromKafka converts a Kafka write error to an AppError.
func FromKafka(err error, topic string) *apperrors.AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := apperrors.AsAppError(err); ok {
		return appErr
	}
	switch {
	case IsConnectionError(err):
		return apperrors.ServiceUnavailable("kafka").WithCause(err).WithDetail("topic", topic)
	case IsNonRetryableError(err):
		return apperrors.InvalidInput("message", "kafka rejected the message").WithCause(err).WithDetail("topic", topic)
	case IsRetryableError(err):
		return apperrors.New(apperrors.ErrCodeExternalService, "transient kafka error").WithCause(err).WithDetail("topic", topic)
	default:
		return apperrors.Internal(err).WithDetail("topic", topic)
	}
}
