package domain

import "time"

// AttendanceStatus is the lifecycle state of an engagement session.
// Transitions exactly once, in_progress -> present|absent, never reversed.
type AttendanceStatus string

const (
	StatusInProgress AttendanceStatus = "in_progress"
	StatusPresent    AttendanceStatus = "present"
	StatusAbsent     AttendanceStatus = "absent"
)

// Terminal reports whether the status is a final verdict.
func (s AttendanceStatus) Terminal() bool {
	return s == StatusPresent || s == StatusAbsent
}

// EngagementSession is the authoritative per-(session, participant) record of
// accumulated attentive time. The persisted row is the single source of truth
// for EngagedSeconds and Status; the signal registry only bounds increments.
type EngagementSession struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	ParticipantID   string    `json:"participant_id"`
	ParticipantName string    `json:"participant_name"`
	ClassID         string    `json:"class_id"`

	StartedAt            time.Time  `json:"started_at"`
	EndedAt              *time.Time `json:"ended_at,omitempty"`
	TotalDurationSeconds int        `json:"total_duration_seconds"`
	EngagedSeconds       float64    `json:"engaged_seconds"`
	EngagementPercentage float64    `json:"engagement_percentage"`

	LastSignalAt    *time.Time `json:"last_signal_at,omitempty"`
	FaceDetected    bool       `json:"face_detected"`
	LookingAtScreen bool       `json:"looking_at_screen"`
	AttentionScore  float64    `json:"attention_score"`
	MultipleFaces   bool       `json:"multiple_faces"`

	Status       AttendanceStatus `json:"status"`
	ConsentGiven bool             `json:"consent_given"`
}

// Percentage derives engaged time as a share of the expected class duration,
// clamped to [0,100]. A non-positive total duration is defined as 0.
func Percentage(engagedSeconds float64, totalSeconds int) float64 {
	if totalSeconds <= 0 {
		return 0
	}
	p := engagedSeconds / float64(totalSeconds) * 100
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
