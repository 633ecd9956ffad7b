package ports

import (
	"context"

	"peercall/internal/core/domain"
)

// EventHandler consumes decoded inbound events, one connection at a time.
type EventHandler interface {
	Handle(ctx context.Context, from domain.ConnectionAddress, ev domain.Event) error
}
