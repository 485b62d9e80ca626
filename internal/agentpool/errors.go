package agentpool

import "errors"

var (
	// ErrNoSDKAvailable is returned when every adapter in the fallback
	// chain fails to resolve.
	ErrNoSDKAvailable = errors.New("agentpool: no SDK available in fallback chain")

	// ErrTimeout is returned when an attempt exceeds its hard timeout and
	// the underlying adapter call did not return on its own.
	ErrTimeout = errors.New("agentpool: attempt exceeded hard timeout")

	// ErrRetriesExhausted is returned by execWithRetry when every attempt
	// failed and none satisfied shouldRetry (or maxRetries was exceeded).
	ErrRetriesExhausted = errors.New("agentpool: retries exhausted")
)
