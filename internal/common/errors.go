// Package common defines shared constants and sentinel errors used across
// the client and server layers of TripSync. Callers should use errors.Is to
// match these values.
package common

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// Failure taxonomy for sync rounds. ErrVersionConflict is not a failure
	// from the caller's point of view: it is routed to the conflict resolver
	// and always resolved.
	ErrNetwork         = errors.New("network error")
	ErrServer          = errors.New("server error")
	ErrAuth            = errors.New("authentication error")
	ErrValidation      = errors.New("validation error")
	ErrVersionConflict = errors.New("version conflict")
	ErrStorage         = errors.New("storage error")
	ErrRateLimited     = errors.New("rate limited")

	// Token lifecycle errors.
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// RateLimitedError carries the server-provided Retry-After hint for a 429
// response. It matches common.ErrRateLimited under errors.Is.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// RetryAfterHint extracts the Retry-After duration from an error chain,
// or zero when the error carries no hint.
func RetryAfterHint(err error) time.Duration {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}
