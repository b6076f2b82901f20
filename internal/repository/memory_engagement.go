package repository

import (
	"context"
	"sort"
	"sync"

	"classpulse-engagement/internal/domain"

	"github.com/google/uuid"
)

// MemoryEngagementRepository is an in-memory EngagementRepository for dev mode
// and tests. Same contract as the Postgres implementation.
type MemoryEngagementRepository struct {
	mu       sync.RWMutex
	sessions map[memKey]*domain.EngagementSession
}

type memKey struct {
	sessionID     string
	participantID string
}

func NewMemoryEngagementRepository() *MemoryEngagementRepository {
	return &MemoryEngagementRepository{sessions: make(map[memKey]*domain.EngagementSession)}
}

var _ EngagementRepository = (*MemoryEngagementRepository)(nil)

func (r *MemoryEngagementRepository) Create(ctx context.Context, s *domain.EngagementSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	cp := *s
	r.sessions[memKey{s.SessionID, s.ParticipantID}] = &cp
	return nil
}

func (r *MemoryEngagementRepository) Get(ctx context.Context, sessionID, participantID string) (*domain.EngagementSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[memKey{sessionID, participantID}]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *MemoryEngagementRepository) Update(ctx context.Context, s *domain.EngagementSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := memKey{s.SessionID, s.ParticipantID}
	if _, ok := r.sessions[key]; !ok {
		return domain.ErrNotFound
	}
	cp := *s
	r.sessions[key] = &cp
	return nil
}

func (r *MemoryEngagementRepository) ListBySession(ctx context.Context, classID, sessionID string) ([]*domain.EngagementSession, error) {
	return r.filter(func(s *domain.EngagementSession) bool {
		return s.ClassID == classID && s.SessionID == sessionID
	}), nil
}

func (r *MemoryEngagementRepository) ListInProgressByClass(ctx context.Context, classID string) ([]*domain.EngagementSession, error) {
	return r.filter(func(s *domain.EngagementSession) bool {
		return s.ClassID == classID && s.Status == domain.StatusInProgress
	}), nil
}

func (r *MemoryEngagementRepository) ListByParticipant(ctx context.Context, participantID string, limit int) ([]*domain.EngagementSession, error) {
	out := r.filter(func(s *domain.EngagementSession) bool {
		return s.ParticipantID == participantID
	})
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryEngagementRepository) filter(keep func(*domain.EngagementSession) bool) []*domain.EngagementSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.EngagementSession
	for _, s := range r.sessions {
		if keep(s) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out
}
