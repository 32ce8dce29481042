// Package logger wraps zerolog with the structured-field conventions used
// across runkit.
//
// Components receive a *Logger through their constructors and tag it with
// WithComponent. Log calls take optional field maps:
//
//	log := logger.NewDefault("runkit").WithComponent("scheduler")
//	log.Info("iteration complete", logger.Fields(logger.FieldRunID, run.ID, "active", 3))
//
// Nop returns a discarding logger for tests and for library callers that do
// not want output.
package logger
