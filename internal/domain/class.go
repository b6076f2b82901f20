package domain

import "time"

// ClassInfo is the read-side class configuration consumed by the engagement
// core. Class CRUD itself lives outside this service; we only read.
type ClassInfo struct {
	ClassID         string    `json:"class_id"`
	Title           string    `json:"title"`
	TeacherID       string    `json:"teacher_id"`
	TeacherName     string    `json:"teacher_name"`
	DurationMinutes int       `json:"duration_minutes"`
	IsActive        bool      `json:"is_active"`
	OrgUnit         string    `json:"org_unit"`
	Department      string    `json:"department"`
	EnrolledIDs     []string  `json:"enrolled_ids"`
	ScheduleTime    time.Time `json:"schedule_time"`
}

// Enrolled reports whether the participant is enrolled in the class.
func (c *ClassInfo) Enrolled(participantID string) bool {
	for _, id := range c.EnrolledIDs {
		if id == participantID {
			return true
		}
	}
	return false
}
