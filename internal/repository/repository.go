package repository

import (
	"context"

	"classpulse-engagement/internal/domain"
)

// EngagementRepository persists EngagementSession records. The persisted row
// is the single source of truth for engaged seconds and status.
type EngagementRepository interface {
	// Create inserts a new session record.
	Create(ctx context.Context, s *domain.EngagementSession) error

	// Get returns the record for (sessionID, participantID), or
	// domain.ErrNotFound.
	Get(ctx context.Context, sessionID, participantID string) (*domain.EngagementSession, error)

	// Update overwrites the mutable fields of an existing record.
	Update(ctx context.Context, s *domain.EngagementSession) error

	// ListBySession returns all records for one (classID, sessionID) pair.
	ListBySession(ctx context.Context, classID, sessionID string) ([]*domain.EngagementSession, error)

	// ListInProgressByClass returns all in-progress records for a class.
	ListInProgressByClass(ctx context.Context, classID string) ([]*domain.EngagementSession, error)

	// ListByParticipant returns a participant's records, newest first.
	ListByParticipant(ctx context.Context, participantID string, limit int) ([]*domain.EngagementSession, error)
}

// ClassRepository reads class configuration (duration, enrollment, scope).
// Class CRUD is owned elsewhere; this service only consumes it.
type ClassRepository interface {
	// GetClass returns the class, or domain.ErrNotFound.
	GetClass(ctx context.Context, classID string) (*domain.ClassInfo, error)
}
