package ports

import (
	"context"
	"time"

	"peercall/internal/core/domain"
)

// Deliverer pushes an outbound message to a connection without blocking.
// Failures are reported as domain.ErrDeliveryDrop and never retried.
type Deliverer interface {
	Deliver(ctx context.Context, addr domain.ConnectionAddress, msg domain.Message) error
}

// IdentityVerifier checks that a register request really comes from identity.
type IdentityVerifier interface {
	VerifyIdentity(token string, identity domain.Identity) error
}

type CallMetrics interface {
	PresenceChanged(online int)
	SessionStarted()
	SessionActive(setup time.Duration)
	SessionEnded(reason domain.HangupReason, lifetime time.Duration)
	CallRejected(reason domain.HangupReason)
	EventHandled(eventType string, err error)
	DeliveryDropped(messageType string)
}
