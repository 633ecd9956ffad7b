package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"peercall/internal/core/domain"

	"github.com/google/uuid"
)

// MemoryCallSessionStore keeps sessions in process. All mutations take the
// same lock, which serializes them per pair as well.
type MemoryCallSessionStore struct {
	sessions map[domain.SessionID]*domain.CallSession
	byPair   map[string]domain.SessionID
	mu       sync.RWMutex

	now func() time.Time
}

func NewMemoryCallSessionStore() *MemoryCallSessionStore {
	return &MemoryCallSessionStore{
		sessions: make(map[domain.SessionID]*domain.CallSession),
		byPair:   make(map[string]domain.SessionID),
		now:      time.Now,
	}
}

func (s *MemoryCallSessionStore) Create(ctx context.Context, caller, receiver domain.ParticipantRef) (*domain.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := domain.PairKey(caller.Identity, receiver.Identity)
	if id, exists := s.byPair[key]; exists {
		if existing, ok := s.sessions[id]; ok && existing.Phase.Live() {
			return nil, domain.ErrConflict
		}
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

	s.sessions[session.ID] = session
	s.byPair[key] = session.ID
	return session.Clone(), nil
}

func (s *MemoryCallSessionStore) Get(ctx context.Context, id domain.SessionID) (*domain.CallSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessions[id]
	if !exists {
		return nil, domain.ErrSessionNotFound
	}
	return session.Clone(), nil
}

func (s *MemoryCallSessionStore) FindByPair(ctx context.Context, a, b domain.Identity) (*domain.CallSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.byPair[domain.PairKey(a, b)]
	if !exists {
		return nil, domain.ErrSessionNotFound
	}
	session, exists := s.sessions[id]
	if !exists {
		return nil, domain.ErrSessionNotFound
	}
	return session.Clone(), nil
}

// FindByParticipant returns every session involving id, oldest first.
func (s *MemoryCallSessionStore) FindByParticipant(ctx context.Context, id domain.Identity) ([]*domain.CallSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found []*domain.CallSession
	for _, session := range s.sessions {
		if session.Involves(id) {
			found = append(found, session.Clone())
		}
	}

	sort.Slice(found, func(i, j int) bool {
		return found[i].CreatedAt.Before(found[j].CreatedAt)
	})
	return found, nil
}

func (s *MemoryCallSessionStore) Transition(ctx context.Context, id domain.SessionID, t domain.Trigger) (domain.Phase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[id]
	if !exists {
		return "", domain.ErrSessionNotFound
	}

	if err := session.Apply(t, s.now()); err != nil {
		return session.Phase, err
	}
	return session.Phase, nil
}

func (s *MemoryCallSessionStore) End(ctx context.Context, id domain.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[id]
	if !exists {
		return nil
	}

	delete(s.sessions, id)
	key := session.PairKey()
	if s.byPair[key] == id {
		delete(s.byPair, key)
	}
	return nil
}

func (s *MemoryCallSessionStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions), nil
}
