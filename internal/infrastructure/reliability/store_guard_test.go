package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/infrastructure/repositories/memory"
	"peercall/pkg/circuitbreaker"
	"peercall/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errBackend = errors.New("connection refused")

// flakyPresence fails every call until healed, counting attempts.
type flakyPresence struct {
	*memory.MemoryPresenceRegistry
	broken bool
	calls  int
}

func (f *flakyPresence) Resolve(ctx context.Context, id domain.Identity) (*domain.PresenceEntry, error) {
	f.calls++
	if f.broken {
		return nil, errBackend
	}
	return f.MemoryPresenceRegistry.Resolve(ctx, id)
}

func (f *flakyPresence) Register(ctx context.Context, e *domain.PresenceEntry) (*domain.PresenceEntry, error) {
	f.calls++
	if f.broken {
		return nil, errBackend
	}
	return f.MemoryPresenceRegistry.Register(ctx, e)
}

func newGuard(threshold int) *StoreGuard {
	return NewStoreGuard(
		circuitbreaker.Config{FailureThreshold: threshold, SuccessThreshold: 1, Timeout: time.Hour, MaxRequestsHalfOpen: 1},
		retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
		// state changes are logged from the breaker's goroutine, which may outlive the test
		zap.NewNop().Sugar(),
	)
}

func TestStoreGuard_RetriesReads(t *testing.T) {
	inner := &flakyPresence{MemoryPresenceRegistry: memory.NewMemoryPresenceRegistry(), broken: true}
	p := newGuard(10).GuardPresence(inner)

	_, err := p.Resolve(context.Background(), "alice")
	assert.ErrorIs(t, err, errBackend)
	assert.Equal(t, 3, inner.calls)
}

func TestStoreGuard_DoesNotRetryWrites(t *testing.T) {
	inner := &flakyPresence{MemoryPresenceRegistry: memory.NewMemoryPresenceRegistry(), broken: true}
	p := newGuard(10).GuardPresence(inner)

	_, err := p.Register(context.Background(), &domain.PresenceEntry{Identity: "alice", Address: "a"})
	assert.ErrorIs(t, err, errBackend)
	assert.Equal(t, 1, inner.calls)
}

func TestStoreGuard_OpensOnBackendFailures(t *testing.T) {
	inner := &flakyPresence{MemoryPresenceRegistry: memory.NewMemoryPresenceRegistry(), broken: true}
	g := newGuard(2)
	p := g.GuardPresence(inner)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _ = p.Register(ctx, &domain.PresenceEntry{Identity: "alice", Address: "a"})
	}
	require.Equal(t, circuitbreaker.StateOpen, g.State())

	calls := inner.calls
	_, err := p.Resolve(ctx, "alice")
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, calls, inner.calls, "open circuit must not reach the store")
}

func TestStoreGuard_DomainErrorsKeepCircuitClosed(t *testing.T) {
	g := newGuard(1)
	sessions := g.GuardSessions(memory.NewMemoryCallSessionStore())
	presence := g.GuardPresence(memory.NewMemoryPresenceRegistry())
	ctx := context.Background()

	_, err := sessions.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	alice := domain.ParticipantRef{Identity: "alice", Address: "a"}
	bob := domain.ParticipantRef{Identity: "bob", Address: "b"}
	s, err := sessions.Create(ctx, alice, bob)
	require.NoError(t, err)
	_, err = sessions.Create(ctx, bob, alice)
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = presence.Resolve(ctx, "nobody")
	assert.ErrorIs(t, err, domain.ErrPresenceNotFound)

	assert.Equal(t, circuitbreaker.StateClosed, g.State())

	n, err := sessions.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, sessions.End(ctx, s.ID))
}
