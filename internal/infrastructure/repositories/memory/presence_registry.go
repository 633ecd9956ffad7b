package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"peercall/internal/core/domain"
)

type MemoryPresenceRegistry struct {
	entries map[domain.Identity]*domain.PresenceEntry
	byAddr  map[domain.ConnectionAddress]domain.Identity
	mu      sync.RWMutex
}

func NewMemoryPresenceRegistry() *MemoryPresenceRegistry {
	return &MemoryPresenceRegistry{
		entries: make(map[domain.Identity]*domain.PresenceEntry),
		byAddr:  make(map[domain.ConnectionAddress]domain.Identity),
	}
}

func (r *MemoryPresenceRegistry) Register(ctx context.Context, entry *domain.PresenceEntry) (*domain.PresenceEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *entry
	if stored.RegisteredAt.IsZero() {
		stored.RegisteredAt = time.Now()
	}

	previous, exists := r.entries[entry.Identity]
	if exists {
		delete(r.byAddr, previous.Address)
	}
	// the address may have been registered under another identity before
	if other, taken := r.byAddr[stored.Address]; taken && other != stored.Identity {
		delete(r.entries, other)
	}

	r.entries[stored.Identity] = &stored
	r.byAddr[stored.Address] = stored.Identity

	if !exists {
		return nil, nil
	}
	return previous, nil
}

func (r *MemoryPresenceRegistry) Unregister(ctx context.Context, addr domain.ConnectionAddress) (*domain.PresenceEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, exists := r.byAddr[addr]
	if !exists {
		return nil, nil
	}

	entry := r.entries[id]
	delete(r.byAddr, addr)
	delete(r.entries, id)
	return entry, nil
}

func (r *MemoryPresenceRegistry) Resolve(ctx context.Context, id domain.Identity) (*domain.PresenceEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.entries[id]
	if !exists {
		return nil, domain.ErrPresenceNotFound
	}
	copied := *entry
	return &copied, nil
}

func (r *MemoryPresenceRegistry) ResolveAddress(ctx context.Context, addr domain.ConnectionAddress) (*domain.PresenceEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, exists := r.byAddr[addr]
	if !exists {
		return nil, domain.ErrPresenceNotFound
	}
	copied := *r.entries[id]
	return &copied, nil
}

// List returns all entries ordered by identity.
func (r *MemoryPresenceRegistry) List(ctx context.Context) ([]*domain.PresenceEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]*domain.PresenceEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		copied := *entry
		entries = append(entries, &copied)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Identity < entries[j].Identity
	})
	return entries, nil
}
