package ports

import (
	"context"

	"peercall/internal/core/domain"
)

// PresenceRegistry tracks which identities are connected and where.
// At most one entry exists per identity.
type PresenceRegistry interface {
	// Register upserts the entry for entry.Identity and returns the entry it replaced, if any.
	Register(ctx context.Context, entry *domain.PresenceEntry) (*domain.PresenceEntry, error)
	// Unregister removes the entry bound to addr. It returns nil when no entry matches.
	Unregister(ctx context.Context, addr domain.ConnectionAddress) (*domain.PresenceEntry, error)
	Resolve(ctx context.Context, id domain.Identity) (*domain.PresenceEntry, error)
	ResolveAddress(ctx context.Context, addr domain.ConnectionAddress) (*domain.PresenceEntry, error)
	List(ctx context.Context) ([]*domain.PresenceEntry, error)
}

// CallSessionStore owns call sessions. At most one live session exists per pair.
type CallSessionStore interface {
	Create(ctx context.Context, caller, receiver domain.ParticipantRef) (*domain.CallSession, error)
	Get(ctx context.Context, id domain.SessionID) (*domain.CallSession, error)
	FindByPair(ctx context.Context, a, b domain.Identity) (*domain.CallSession, error)
	FindByParticipant(ctx context.Context, id domain.Identity) ([]*domain.CallSession, error)
	Transition(ctx context.Context, id domain.SessionID, t domain.Trigger) (domain.Phase, error)
	// End removes the session. Ending a missing session is not an error.
	End(ctx context.Context, id domain.SessionID) error
	Count(ctx context.Context) (int, error)
}
