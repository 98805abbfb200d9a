package engine

import "errors"

// Sentinel errors forming the taxonomy in spec §7, tested with errors.Is and
// checked at call sites with telemetry/chk the way the teacher's errorf.E /
// errorf.D sentinels are (pkg/protocol/ws/connection.go).
var (
	ErrNotInitialized    = errors.New("engine: not initialized")
	ErrNotRegistered     = errors.New("engine: account not registered")
	ErrStaleStatement    = errors.New("engine: registration statement is stale")
	ErrInvalidToken      = errors.New("engine: invalid token")
	ErrActMismatch       = errors.New("engine: act mismatch")
	ErrKeysUnavailable   = errors.New("engine: keys unavailable")
	ErrSubscriptionMissing = errors.New("engine: subscription missing")
	ErrTimeout           = errors.New("engine: timeout waiting for response")
	ErrNetworkFailure    = errors.New("engine: network failure")
	ErrStoreFailure      = errors.New("engine: store failure")
)
