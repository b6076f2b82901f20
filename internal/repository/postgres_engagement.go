package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"classpulse-engagement/internal/domain"
)

// PostgresEngagementRepository is the Postgres-backed EngagementRepository.
type PostgresEngagementRepository struct {
	db *sql.DB
}

func NewPostgresEngagementRepository(db *sql.DB) *PostgresEngagementRepository {
	return &PostgresEngagementRepository{db: db}
}

var _ EngagementRepository = (*PostgresEngagementRepository)(nil)

const engagementColumns = `
	id::text,
	session_id,
	participant_id,
	participant_name,
	class_id,
	started_at,
	ended_at,
	total_duration_seconds,
	engaged_seconds,
	engagement_percentage,
	last_signal_at,
	face_detected,
	looking_at_screen,
	attention_score,
	multiple_faces,
	status,
	consent_given`

func (r *PostgresEngagementRepository) Create(ctx context.Context, s *domain.EngagementSession) error {
	query := `
		INSERT INTO engagement_sessions (
			id, session_id, participant_id, participant_name, class_id,
			started_at, total_duration_seconds, engaged_seconds,
			engagement_percentage, status, consent_given
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.db.ExecContext(ctx, query,
		s.ID, s.SessionID, s.ParticipantID, s.ParticipantName, s.ClassID,
		s.StartedAt, s.TotalDurationSeconds, s.EngagedSeconds,
		s.EngagementPercentage, string(s.Status), s.ConsentGiven,
	)
	if err != nil {
		return fmt.Errorf("insert engagement session: %w", err)
	}
	return nil
}

func (r *PostgresEngagementRepository) Get(ctx context.Context, sessionID, participantID string) (*domain.EngagementSession, error) {
	query := `
		SELECT ` + engagementColumns + `
		FROM engagement_sessions
		WHERE session_id = $1 AND participant_id = $2
	`
	row := r.db.QueryRowContext(ctx, query, sessionID, participantID)
	s, err := scanEngagement(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("query engagement session: %w", err)
	}
	return s, nil
}

func (r *PostgresEngagementRepository) Update(ctx context.Context, s *domain.EngagementSession) error {
	query := `
		UPDATE engagement_sessions SET
			ended_at = $3,
			engaged_seconds = $4,
			engagement_percentage = $5,
			last_signal_at = $6,
			face_detected = $7,
			looking_at_screen = $8,
			attention_score = $9,
			multiple_faces = $10,
			status = $11
		WHERE session_id = $1 AND participant_id = $2
	`
	res, err := r.db.ExecContext(ctx, query,
		s.SessionID, s.ParticipantID,
		s.EndedAt, s.EngagedSeconds, s.EngagementPercentage,
		s.LastSignalAt, s.FaceDetected, s.LookingAtScreen,
		s.AttentionScore, s.MultipleFaces, string(s.Status),
	)
	if err != nil {
		return fmt.Errorf("update engagement session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *PostgresEngagementRepository) ListBySession(ctx context.Context, classID, sessionID string) ([]*domain.EngagementSession, error) {
	query := `
		SELECT ` + engagementColumns + `
		FROM engagement_sessions
		WHERE class_id = $1 AND session_id = $2
		ORDER BY participant_name
	`
	return r.list(ctx, query, classID, sessionID)
}

func (r *PostgresEngagementRepository) ListInProgressByClass(ctx context.Context, classID string) ([]*domain.EngagementSession, error) {
	query := `
		SELECT ` + engagementColumns + `
		FROM engagement_sessions
		WHERE class_id = $1 AND status = 'in_progress'
		ORDER BY started_at
	`
	return r.list(ctx, query, classID)
}

func (r *PostgresEngagementRepository) ListByParticipant(ctx context.Context, participantID string, limit int) ([]*domain.EngagementSession, error) {
	query := `
		SELECT ` + engagementColumns + `
		FROM engagement_sessions
		WHERE participant_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`
	return r.list(ctx, query, participantID, limit)
}

func (r *PostgresEngagementRepository) list(ctx context.Context, query string, args ...any) ([]*domain.EngagementSession, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query engagement sessions: %w", err)
	}
	defer rows.Close()

	var out []*domain.EngagementSession
	for rows.Next() {
		s, err := scanEngagement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan engagement session: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate engagement sessions: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEngagement(row rowScanner) (*domain.EngagementSession, error) {
	var (
		s        domain.EngagementSession
		endedAt  sql.NullTime
		lastSig  sql.NullTime
		status   string
	)
	err := row.Scan(
		&s.ID, &s.SessionID, &s.ParticipantID, &s.ParticipantName, &s.ClassID,
		&s.StartedAt, &endedAt, &s.TotalDurationSeconds, &s.EngagedSeconds,
		&s.EngagementPercentage, &lastSig, &s.FaceDetected, &s.LookingAtScreen,
		&s.AttentionScore, &s.MultipleFaces, &status, &s.ConsentGiven,
	)
	if err != nil {
		return nil, err
	}
	if endedAt.Valid {
		t := endedAt.Time
		s.EndedAt = &t
	}
	if lastSig.Valid {
		t := lastSig.Time
		s.LastSignalAt = &t
	}
	s.Status = domain.AttendanceStatus(status)
	return &s, nil
}
