package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"peercall/internal/core/domain"
	"peercall/pkg/distributed"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const callIndexKey = KeyPrefix + "call:index"

// releasePairScript drops the pair pointer only if it still names the given session.
var releasePairScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisCallSessionStore keeps sessions in Redis. Creation is serialized per pair and
// mutations per session through distributed locks, so several relay processes can
// share one store.
type RedisCallSessionStore struct {
	client *redis.Client
	locks  *distributed.LockManager
	prefix string
	now    func() time.Time
}

func NewRedisCallSessionStore(client *redis.Client, locks *distributed.LockManager) *RedisCallSessionStore {
	return &RedisCallSessionStore{
		client: client,
		locks:  locks,
		prefix: KeyPrefix + "call:",
		now:    time.Now,
	}
}

func (s *RedisCallSessionStore) sessionKey(id domain.SessionID) string {
	return s.prefix + "session:" + string(id)
}

func (s *RedisCallSessionStore) pairKey(pair string) string {
	return s.prefix + "pair:" + pair
}

func (s *RedisCallSessionStore) participantKey(id domain.Identity) string {
	return s.prefix + "participant:" + string(id)
}

func (s *RedisCallSessionStore) Create(ctx context.Context, caller, receiver domain.ParticipantRef) (*domain.CallSession, error) {
	pair := domain.PairKey(caller.Identity, receiver.Identity)

	var created *domain.CallSession
	err := s.locks.WithLock(ctx, "pair:"+pair, func() error {
		existing, err := s.FindByPair(ctx, caller.Identity, receiver.Identity)
		if err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
			return err
		}
		if existing != nil && existing.Phase.Live() {
			return domain.ErrConflict
		}

		now := s.now()
		session := &domain.CallSession{
			ID:        domain.SessionID(uuid.NewString()),
			Caller:    caller,
			Receiver:  receiver,
			Phase:     domain.PhaseRinging,
			CreatedAt: now,
			UpdatedAt: now,
		}
		data, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("failed to marshal call session: %w", err)
		}

		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.sessionKey(session.ID), data, 0)
			pipe.Set(ctx, s.pairKey(pair), string(session.ID), 0)
			pipe.SAdd(ctx, s.participantKey(caller.Identity), string(session.ID))
			pipe.SAdd(ctx, s.participantKey(receiver.Identity), string(session.ID))
			pipe.SAdd(ctx, callIndexKey, string(session.ID))
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to store call session in Redis: %w", err)
		}

		created = session
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *RedisCallSessionStore) Get(ctx context.Context, id domain.SessionID) (*domain.CallSession, error) {
	data, err := s.client.Get(ctx, s.sessionKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get call session from Redis: %w", err)
	}

	var session domain.CallSession
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal call session: %w", err)
	}
	return &session, nil
}

func (s *RedisCallSessionStore) FindByPair(ctx context.Context, a, b domain.Identity) (*domain.CallSession, error) {
	id, err := s.client.Get(ctx, s.pairKey(domain.PairKey(a, b))).Result()
	if err == redis.Nil {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pair session from Redis: %w", err)
	}
	return s.Get(ctx, domain.SessionID(id))
}

func (s *RedisCallSessionStore) FindByParticipant(ctx context.Context, id domain.Identity) ([]*domain.CallSession, error) {
	ids, err := s.client.SMembers(ctx, s.participantKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get participant sessions from Redis: %w", err)
	}

	var found []*domain.CallSession
	for _, sid := range ids {
		session, err := s.Get(ctx, domain.SessionID(sid))
		if errors.Is(err, domain.ErrSessionNotFound) {
			s.client.SRem(ctx, s.participantKey(id), sid)
			continue
		}
		if err != nil {
			return nil, err
		}
		found = append(found, session)
	}

	sort.Slice(found, func(i, j int) bool {
		return found[i].CreatedAt.Before(found[j].CreatedAt)
	})
	return found, nil
}

func (s *RedisCallSessionStore) Transition(ctx context.Context, id domain.SessionID, t domain.Trigger) (domain.Phase, error) {
	var phase domain.Phase
	err := s.locks.WithLock(ctx, "session:"+string(id), func() error {
		session, err := s.Get(ctx, id)
		if err != nil {
			return err
		}

		phase = session.Phase
		if err := session.Apply(t, s.now()); err != nil {
			return err
		}

		data, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("failed to marshal call session: %w", err)
		}
		if err := s.client.Set(ctx, s.sessionKey(id), data, 0).Err(); err != nil {
			return fmt.Errorf("failed to update call session in Redis: %w", err)
		}
		phase = session.Phase
		return nil
	})
	return phase, err
}

func (s *RedisCallSessionStore) End(ctx context.Context, id domain.SessionID) error {
	return s.locks.WithLock(ctx, "session:"+string(id), func() error {
		session, err := s.Get(ctx, id)
		if errors.Is(err, domain.ErrSessionNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, s.sessionKey(id))
			pipe.SRem(ctx, s.participantKey(session.Caller.Identity), string(id))
			pipe.SRem(ctx, s.participantKey(session.Receiver.Identity), string(id))
			pipe.SRem(ctx, callIndexKey, string(id))
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to delete call session from Redis: %w", err)
		}

		if err := releasePairScript.Run(ctx, s.client, []string{s.pairKey(session.PairKey())}, string(id)).Err(); err != nil {
			return fmt.Errorf("failed to release pair key: %w", err)
		}
		return nil
	})
}

func (s *RedisCallSessionStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.SCard(ctx, callIndexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count call sessions in Redis: %w", err)
	}
	return int(n), nil
}

// Reset drops every stored session along with its pair and participant keys.
// Ring timers and connections do not survive a relay restart, so sessions left
// by a previous process would only block new calls between the same pair.
func (s *RedisCallSessionStore) Reset(ctx context.Context) error {
	keys := []string{callIndexKey}
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan call sessions in Redis: %w", err)
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to reset call sessions in Redis: %w", err)
	}
	return nil
}
