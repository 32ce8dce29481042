// Package taskqueue runs typed background jobs on a fixed worker pool.
//
// Jobs move Scheduled -> Running -> Completed|Failed. Handlers are
// registered per job type; a failing handler is retried with the
// resilience retry policy for classified-retryable errors. Executor adapts
// the queue to branch.StepExecutor so routine items whose target is a job
// type run as queue jobs.
package taskqueue
