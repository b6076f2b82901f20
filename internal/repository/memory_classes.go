package repository

import (
	"context"
	"sync"

	"classpulse-engagement/internal/domain"
)

// MemoryClassRepository is an in-memory ClassRepository for dev mode and
// tests. Seed classes with PutClass.
type MemoryClassRepository struct {
	mu      sync.RWMutex
	classes map[string]*domain.ClassInfo
}

func NewMemoryClassRepository() *MemoryClassRepository {
	return &MemoryClassRepository{classes: make(map[string]*domain.ClassInfo)}
}

var _ ClassRepository = (*MemoryClassRepository)(nil)

func (r *MemoryClassRepository) GetClass(ctx context.Context, classID string) (*domain.ClassInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.classes[classID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// PutClass seeds or replaces a class.
func (r *MemoryClassRepository) PutClass(c *domain.ClassInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	r.classes[c.ClassID] = &cp
}
