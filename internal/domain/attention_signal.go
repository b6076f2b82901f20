package domain

import "time"

// AttentionSignal is one timestamped observation from the external producer.
// Exactly one of LookingAtScreen (boolean-signal mode) or AttentionScore
// (score-signal mode) is expected to be set; FaceDetected is always present.
type AttentionSignal struct {
	ParticipantID string `json:"participant_id"`
	ClassID       string `json:"class_id"`
	SessionID     string `json:"session_id"`

	FaceDetected    bool     `json:"face_detected"`
	LookingAtScreen *bool    `json:"looking_at_screen,omitempty"`
	AttentionScore  *float64 `json:"attention_score,omitempty"`
	MultipleFaces   bool     `json:"multiple_faces"`

	Timestamp time.Time `json:"timestamp"`
}

// ScoreMode reports whether the signal carries a client-computed attention
// score rather than a boolean screen-attention flag.
func (s AttentionSignal) ScoreMode() bool {
	return s.LookingAtScreen == nil && s.AttentionScore != nil
}
