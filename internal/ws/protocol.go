package ws

import (
	"time"

	"classpulse-engagement/internal/domain"
)

type EventType string

const (
	EventConnection       EventType = "connection"
	EventEngagementUpdate EventType = "engagement_update"
	EventAttendanceStatus EventType = "attendance_status"
	EventPong             EventType = "pong"
)

// Event is the server -> subscriber frame.
type Event struct {
	Type      EventType `json:"type"`
	Data      any       `json:"data,omitempty"`
	Message   string    `json:"message,omitempty"`
	ClassID   string    `json:"class_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func newEngagementEvent(update domain.EngagementUpdate) Event {
	return Event{
		Type:      EventEngagementUpdate,
		Data:      update,
		Timestamp: time.Now().UTC(),
	}
}

func newAttendanceEvent(event domain.AttendanceStatusEvent) Event {
	return Event{
		Type:      EventAttendanceStatus,
		Data:      event,
		Timestamp: time.Now().UTC(),
	}
}

// PongEvent answers a client liveness ping.
func PongEvent() Event {
	return Event{
		Type:      EventPong,
		Timestamp: time.Now().UTC(),
	}
}

func newConnectionEvent(classID string) Event {
	return Event{
		Type:      EventConnection,
		Message:   "Connected to engagement tracking",
		ClassID:   classID,
		Timestamp: time.Now().UTC(),
	}
}
