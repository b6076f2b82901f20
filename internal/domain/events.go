package domain

import "time"

// EngagementUpdate is the transient message emitted after every ingested
// signal and fanned out to all subscribers of the class. Never persisted,
// never read back.
type EngagementUpdate struct {
	ParticipantID        string    `json:"participant_id"`
	ParticipantName      string    `json:"participant_name"`
	FaceDetected         bool      `json:"face_detected"`
	LookingAtScreen      bool      `json:"looking_at_screen"`
	EngagementPercentage float64   `json:"engagement_percentage"`
	LastUpdate           time.Time `json:"last_update"`
}

// AttendanceStatusEvent announces the one-time final verdict of a session.
type AttendanceStatusEvent struct {
	ParticipantID        string           `json:"participant_id"`
	ParticipantName      string           `json:"participant_name"`
	Status               AttendanceStatus `json:"status"`
	EngagementPercentage float64          `json:"engagement_percentage"`
}
