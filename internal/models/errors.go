package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrAuthExpired means the auth token was rejected. The session must be
// re-authenticated before reconnecting.
var ErrAuthExpired = errors.New("auth token expired")

// ValidationError is a local message validation failure. It never involves
// a network call.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid message: " + e.Reason
}

// RateLimitError is returned when a send is blocked by the cooldown.
// ResetAt is the exact moment sending becomes possible again.
type RateLimitError struct {
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited until %s", e.ResetAt.Format(time.RFC3339))
}

// NetworkError wraps a failed send or delete call. The optimistic local
// state has already been rolled back when it is returned.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ConnectionError is a transport-level failure. It drives the reconnection
// state machine and is only ever observable through status changes, never
// returned from caller-facing operations.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
