package agent

import "errors"

var (
	// ErrNoSuchAdapter is returned by Get when no factory is registered
	// under the requested name.
	ErrNoSuchAdapter = errors.New("agent: no such adapter registered")

	// ErrAdapterUnavailable is returned by Resolve when the backing CLI or
	// toolchain cannot be found on PATH.
	ErrAdapterUnavailable = errors.New("agent: adapter toolchain unavailable")

	// ErrNoSDKAvailable is returned when every adapter in the fallback
	// chain fails to resolve.
	ErrNoSDKAvailable = errors.New("agent: no SDK available in fallback chain")
)
