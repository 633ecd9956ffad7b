package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"peercall/internal/core/domain"

	"github.com/redis/go-redis/v9"
)

const presenceIndexKey = KeyPrefix + "presence:index"

type RedisPresenceRegistry struct {
	client *redis.Client
	prefix string
}

func NewRedisPresenceRegistry(client *redis.Client) *RedisPresenceRegistry {
	return &RedisPresenceRegistry{
		client: client,
		prefix: KeyPrefix + "presence:",
	}
}

func (r *RedisPresenceRegistry) entryKey(id domain.Identity) string {
	return r.prefix + "id:" + string(id)
}

func (r *RedisPresenceRegistry) addrKey(addr domain.ConnectionAddress) string {
	return r.prefix + "addr:" + string(addr)
}

func (r *RedisPresenceRegistry) Register(ctx context.Context, entry *domain.PresenceEntry) (*domain.PresenceEntry, error) {
	previous, err := r.Resolve(ctx, entry.Identity)
	if err != nil && !errors.Is(err, domain.ErrPresenceNotFound) {
		return nil, err
	}

	stored := *entry
	if stored.RegisteredAt.IsZero() {
		stored.RegisteredAt = time.Now()
	}
	data, err := json.Marshal(&stored)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal presence entry: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if previous != nil && previous.Address != stored.Address {
			pipe.Del(ctx, r.addrKey(previous.Address))
		}
		pipe.Set(ctx, r.entryKey(stored.Identity), data, 0)
		pipe.Set(ctx, r.addrKey(stored.Address), string(stored.Identity), 0)
		pipe.SAdd(ctx, presenceIndexKey, string(stored.Identity))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store presence entry in Redis: %w", err)
	}

	return previous, nil
}

func (r *RedisPresenceRegistry) Unregister(ctx context.Context, addr domain.ConnectionAddress) (*domain.PresenceEntry, error) {
	id, err := r.client.Get(ctx, r.addrKey(addr)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get presence address from Redis: %w", err)
	}

	entry, err := r.Resolve(ctx, domain.Identity(id))
	if err != nil && !errors.Is(err, domain.ErrPresenceNotFound) {
		return nil, err
	}
	if entry == nil || entry.Address != addr {
		// the identity has re-registered elsewhere; only the stale mapping goes
		if err := r.client.Del(ctx, r.addrKey(addr)).Err(); err != nil {
			return nil, fmt.Errorf("failed to delete presence address from Redis: %w", err)
		}
		return nil, nil
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.entryKey(entry.Identity), r.addrKey(addr))
		pipe.SRem(ctx, presenceIndexKey, string(entry.Identity))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to delete presence entry from Redis: %w", err)
	}
	return entry, nil
}

func (r *RedisPresenceRegistry) Resolve(ctx context.Context, id domain.Identity) (*domain.PresenceEntry, error) {
	data, err := r.client.Get(ctx, r.entryKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrPresenceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get presence entry from Redis: %w", err)
	}

	var entry domain.PresenceEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal presence entry: %w", err)
	}
	return &entry, nil
}

func (r *RedisPresenceRegistry) ResolveAddress(ctx context.Context, addr domain.ConnectionAddress) (*domain.PresenceEntry, error) {
	id, err := r.client.Get(ctx, r.addrKey(addr)).Result()
	if err == redis.Nil {
		return nil, domain.ErrPresenceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get presence address from Redis: %w", err)
	}

	entry, err := r.Resolve(ctx, domain.Identity(id))
	if err != nil {
		return nil, err
	}
	if entry.Address != addr {
		return nil, domain.ErrPresenceNotFound
	}
	return entry, nil
}

func (r *RedisPresenceRegistry) List(ctx context.Context) ([]*domain.PresenceEntry, error) {
	ids, err := r.client.SMembers(ctx, presenceIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list presence index from Redis: %w", err)
	}

	entries := make([]*domain.PresenceEntry, 0, len(ids))
	for _, id := range ids {
		entry, err := r.Resolve(ctx, domain.Identity(id))
		if errors.Is(err, domain.ErrPresenceNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Identity < entries[j].Identity
	})
	return entries, nil
}

// Reset drops every presence entry. Connections do not survive a relay restart,
// so entries left by a previous process are stale.
func (r *RedisPresenceRegistry) Reset(ctx context.Context) error {
	entries, err := r.List(ctx)
	if err != nil {
		return err
	}

	keys := []string{presenceIndexKey}
	for _, entry := range entries {
		keys = append(keys, r.entryKey(entry.Identity), r.addrKey(entry.Address))
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to reset presence in Redis: %w", err)
	}
	return nil
}
