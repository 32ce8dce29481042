// Package resilience protects calls to external collaborators made while a
// run executes.
//
// This package includes:
//   - CircuitBreaker: per-target breaker counting consecutive retryable failures
//   - Classify: maps errors to retryable/fatal classes
//   - Retry: retries classified-retryable failures with exponential backoff
//   - Bulkhead: bounds concurrent work (the scheduler's branch cap)
//   - RateLimiter: optional per-target token bucket
//   - Guard: the composition used by the branch machine
//
//	guard := resilience.NewGuard(resilience.GuardConfig{}, bus, log)
//	err := guard.Call(ctx, "llm", func(ctx context.Context) error {
//	    return client.Do(ctx, req)
//	})
package resilience
