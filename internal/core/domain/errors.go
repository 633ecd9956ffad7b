package domain

import "errors"

var (
	// ErrUnavailable means the target identity is not present in the registry.
	ErrUnavailable = errors.New("receiver unavailable")
	// ErrConflict means a live session already exists for the pair.
	ErrConflict = errors.New("call session already exists")
	// ErrInvalidTransition covers stale, duplicate, and malformed events.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrDeliveryDrop means the resolved address could not take the message.
	ErrDeliveryDrop = errors.New("delivery dropped")

	ErrSessionNotFound  = errors.New("call session not found")
	ErrPresenceNotFound = errors.New("presence entry not found")
	ErrNotRegistered    = errors.New("connection has not registered")
	ErrCallInProgress   = errors.New("a call is already in progress")
	ErrNoActiveCall     = errors.New("no active call")
)
