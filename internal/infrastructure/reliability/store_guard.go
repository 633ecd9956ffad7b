package reliability

import (
	"context"
	"errors"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/pkg/circuitbreaker"
	"peercall/pkg/retry"
	"peercall/pkg/tracing"

	"go.uber.org/zap"
)

// expectedOutcome reports domain answers that say nothing about store health.
func expectedOutcome(err error) bool {
	for _, target := range []error{
		domain.ErrSessionNotFound,
		domain.ErrPresenceNotFound,
		domain.ErrConflict,
		domain.ErrInvalidTransition,
		context.Canceled,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// StoreGuard shares one circuit breaker between the stores of a backend, so a
// dead Redis fails calls fast instead of stalling the router on timeouts.
// Reads are retried; writes are not, as they are not idempotent.
type StoreGuard struct {
	breaker *circuitbreaker.CircuitBreaker
	retry   retry.Config
	logger  *zap.SugaredLogger
}

func NewStoreGuard(cbConfig circuitbreaker.Config, retryConfig retry.Config, logger *zap.SugaredLogger) *StoreGuard {
	cbConfig.IsFailure = func(err error) bool { return !expectedOutcome(err) }

	g := &StoreGuard{
		breaker: circuitbreaker.New(cbConfig),
		retry:   retryConfig,
		logger:  logger,
	}
	g.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("store circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})
	return g
}

func (g *StoreGuard) State() circuitbreaker.State {
	return g.breaker.GetState()
}

func traced[T any](ctx context.Context, store, op string, fn func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	ctx, span := tracing.TraceStoreOperation(ctx, op, store)
	defer span.End()

	v, err := fn(ctx)
	tracing.MeasureDuration(ctx, start, op)
	if err != nil && !expectedOutcome(err) {
		tracing.RecordError(ctx, err)
	}
	return v, err
}

func read[T any](ctx context.Context, g *StoreGuard, store, op string, fn func(context.Context) (T, error)) (T, error) {
	return traced(ctx, store, op, func(ctx context.Context) (T, error) {
		return retryRead(ctx, g, func() (T, error) { return fn(ctx) })
	})
}

func write[T any](ctx context.Context, g *StoreGuard, store, op string, fn func(context.Context) (T, error)) (T, error) {
	return traced(ctx, store, op, func(ctx context.Context) (T, error) {
		return circuitbreaker.Do(ctx, g.breaker, func() (T, error) { return fn(ctx) })
	})
}

func retryRead[T any](ctx context.Context, g *StoreGuard, fn func() (T, error)) (T, error) {
	return retry.Do(ctx, g.retry, func() (T, error) {
		v, err := circuitbreaker.Do(ctx, g.breaker, fn)
		if err != nil && (expectedOutcome(err) || errors.Is(err, circuitbreaker.ErrOpen)) {
			return v, retry.Permanent(err)
		}
		return v, err
	})
}

// GuardPresence wraps a presence registry.
func (g *StoreGuard) GuardPresence(inner ports.PresenceRegistry) ports.PresenceRegistry {
	return &guardedPresence{inner: inner, g: g}
}

// GuardSessions wraps a call session store.
func (g *StoreGuard) GuardSessions(inner ports.CallSessionStore) ports.CallSessionStore {
	return &guardedSessions{inner: inner, g: g}
}

type guardedPresence struct {
	inner ports.PresenceRegistry
	g     *StoreGuard
}

func (p *guardedPresence) Register(ctx context.Context, entry *domain.PresenceEntry) (*domain.PresenceEntry, error) {
	return write(ctx, p.g, "presence", "Register", func(ctx context.Context) (*domain.PresenceEntry, error) {
		return p.inner.Register(ctx, entry)
	})
}

func (p *guardedPresence) Unregister(ctx context.Context, addr domain.ConnectionAddress) (*domain.PresenceEntry, error) {
	return write(ctx, p.g, "presence", "Unregister", func(ctx context.Context) (*domain.PresenceEntry, error) {
		return p.inner.Unregister(ctx, addr)
	})
}

func (p *guardedPresence) Resolve(ctx context.Context, id domain.Identity) (*domain.PresenceEntry, error) {
	return read(ctx, p.g, "presence", "Resolve", func(ctx context.Context) (*domain.PresenceEntry, error) {
		return p.inner.Resolve(ctx, id)
	})
}

func (p *guardedPresence) ResolveAddress(ctx context.Context, addr domain.ConnectionAddress) (*domain.PresenceEntry, error) {
	return read(ctx, p.g, "presence", "ResolveAddress", func(ctx context.Context) (*domain.PresenceEntry, error) {
		return p.inner.ResolveAddress(ctx, addr)
	})
}

func (p *guardedPresence) List(ctx context.Context) ([]*domain.PresenceEntry, error) {
	return read(ctx, p.g, "presence", "List", func(ctx context.Context) ([]*domain.PresenceEntry, error) {
		return p.inner.List(ctx)
	})
}

type guardedSessions struct {
	inner ports.CallSessionStore
	g     *StoreGuard
}

func (s *guardedSessions) Create(ctx context.Context, caller, receiver domain.ParticipantRef) (*domain.CallSession, error) {
	return write(ctx, s.g, "sessions", "Create", func(ctx context.Context) (*domain.CallSession, error) {
		return s.inner.Create(ctx, caller, receiver)
	})
}

func (s *guardedSessions) Get(ctx context.Context, id domain.SessionID) (*domain.CallSession, error) {
	return read(ctx, s.g, "sessions", "Get", func(ctx context.Context) (*domain.CallSession, error) {
		return s.inner.Get(ctx, id)
	})
}

func (s *guardedSessions) FindByPair(ctx context.Context, a, b domain.Identity) (*domain.CallSession, error) {
	return read(ctx, s.g, "sessions", "FindByPair", func(ctx context.Context) (*domain.CallSession, error) {
		return s.inner.FindByPair(ctx, a, b)
	})
}

func (s *guardedSessions) FindByParticipant(ctx context.Context, id domain.Identity) ([]*domain.CallSession, error) {
	return read(ctx, s.g, "sessions", "FindByParticipant", func(ctx context.Context) ([]*domain.CallSession, error) {
		return s.inner.FindByParticipant(ctx, id)
	})
}

func (s *guardedSessions) Transition(ctx context.Context, id domain.SessionID, t domain.Trigger) (domain.Phase, error) {
	return write(ctx, s.g, "sessions", "Transition", func(ctx context.Context) (domain.Phase, error) {
		return s.inner.Transition(ctx, id, t)
	})
}

func (s *guardedSessions) End(ctx context.Context, id domain.SessionID) error {
	_, err := write(ctx, s.g, "sessions", "End", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.inner.End(ctx, id)
	})
	return err
}

func (s *guardedSessions) Count(ctx context.Context) (int, error) {
	return read(ctx, s.g, "sessions", "Count", func(ctx context.Context) (int, error) {
		return s.inner.Count(ctx)
	})
}
