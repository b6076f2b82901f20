package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"classpulse-engagement/internal/domain"

	"github.com/lib/pq"
)

// PostgresClassRepository reads class configuration from the shared classes
// table (owned by the class-management service).
type PostgresClassRepository struct {
	db *sql.DB
}

func NewPostgresClassRepository(db *sql.DB) *PostgresClassRepository {
	return &PostgresClassRepository{db: db}
}

var _ ClassRepository = (*PostgresClassRepository)(nil)

func (r *PostgresClassRepository) GetClass(ctx context.Context, classID string) (*domain.ClassInfo, error) {
	query := `
		SELECT
			class_id,
			title,
			teacher_id,
			teacher_name,
			duration_minutes,
			is_active,
			org_unit,
			department,
			enrolled_ids,
			schedule_time
		FROM classes
		WHERE class_id = $1
	`
	var c domain.ClassInfo
	err := r.db.QueryRowContext(ctx, query, classID).Scan(
		&c.ClassID, &c.Title, &c.TeacherID, &c.TeacherName,
		&c.DurationMinutes, &c.IsActive, &c.OrgUnit, &c.Department,
		pq.Array(&c.EnrolledIDs), &c.ScheduleTime,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("query class: %w", err)
	}
	return &c, nil
}
