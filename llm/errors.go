package llm

import (
	"context"
	"errors"
)

// Sentinel failure classes. Providers wrap transport errors into one of
// these so callers can pick a user-facing fallback without inspecting
// provider-specific payloads.
var (
	ErrRateLimited = errors.New("llm: rate limited")
	ErrServer      = errors.New("llm: server error")
	ErrTimeout     = errors.New("llm: request timed out")
)

func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}
