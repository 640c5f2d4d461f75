// Package reliability provides the retry and circuit-breaking primitives used
// by the pools and the consumer.
//
// This package includes:
//   - ExponentialBackoff and Forever: retry policies with optional jitter
//   - Retry: runs an operation under a policy until it succeeds, the policy
//     gives up, the error is marked non-retryable or the context is done
//   - NewBreaker: a gobreaker circuit breaker that opens after consecutive
//     failures and lets one trial call through after a cooldown
//
// Example usage:
//
//	policy := Forever(time.Second, 30*time.Second)
//	err := Retry(ctx, policy, func() error {
//	    return dial()
//	}, nil)
package reliability
