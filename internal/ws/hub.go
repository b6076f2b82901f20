// Package ws is the broadcast fanout: a per-class multicast group of live
// subscriber connections. Delivery is at-most-once and best-effort; a slow or
// dead subscriber is evicted, never waited on, so fan-out can never stall the
// ingest path that publishes into it.
package ws

import (
	"encoding/json"
	"sync"
	"time"

	"classpulse-engagement/internal/domain"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const defaultSendBuffer = 64

// Subscriber is one live observer connection. Owned exclusively by the Hub;
// destroyed on disconnect or on the first failed/overflowed send.
type Subscriber struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu     sync.Mutex
	closed bool

	UserID      string
	Role        string
	ClassID     string
	ConnectedAt time.Time
}

func newSubscriber(hub *Hub, conn *websocket.Conn, classID, userID, role string, buffer int) *Subscriber {
	s := &Subscriber{
		conn:        conn,
		send:        make(chan []byte, buffer),
		hub:         hub,
		UserID:      userID,
		Role:        role,
		ClassID:     classID,
		ConnectedAt: time.Now().UTC(),
	}
	go s.writePump()
	return s
}

// writePump drains the send channel onto the connection. Per-subscriber
// ordering is the channel order, which is publish order for the class. A
// write error means the connection is dead: the subscriber deregisters
// itself so the next publish never sees it.
func (s *Subscriber) writePump() {
	defer s.conn.Close()
	for msg := range s.send {
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			s.hub.Unsubscribe(s)
			return
		}
	}
}

// trySend queues a frame without blocking. Returns false when the buffer is
// full or the subscriber has been closed; sends and close are serialized by
// the subscriber mutex, so a publisher racing an eviction can never hit a
// closed channel.
func (s *Subscriber) trySend(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

// SendDirect queues a frame for this subscriber only (liveness pong).
func (s *Subscriber) SendDirect(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	s.trySend(data)
}

// Hub is the class -> subscriber-set registry.
type Hub struct {
	mu         sync.RWMutex
	classes    map[string]map[*Subscriber]bool
	sendBuffer int
	logger     *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		classes:    make(map[string]map[*Subscriber]bool),
		sendBuffer: defaultSendBuffer,
		logger:     logger,
	}
}

// Subscribe registers a connection as an observer of classID and queues the
// acknowledgment event. Always succeeds once the handshake was accepted.
func (h *Hub) Subscribe(conn *websocket.Conn, classID, userID, role string) *Subscriber {
	sub := newSubscriber(h, conn, classID, userID, role, h.sendBuffer)

	h.mu.Lock()
	if h.classes[classID] == nil {
		h.classes[classID] = make(map[*Subscriber]bool)
	}
	h.classes[classID][sub] = true
	h.mu.Unlock()

	sub.SendDirect(newConnectionEvent(classID))

	h.logger.Info("Subscriber connected",
		zap.String("class_id", classID),
		zap.String("user_id", userID),
		zap.String("role", role),
	)
	return sub
}

// Unsubscribe removes the subscriber; the last subscriber of a class deletes
// the group entry.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	group, ok := h.classes[sub.ClassID]
	if ok {
		if _, present := group[sub]; present {
			delete(group, sub)
			sub.close()
		}
		if len(group) == 0 {
			delete(h.classes, sub.ClassID)
		}
	}
	h.mu.Unlock()

	h.logger.Info("Subscriber disconnected",
		zap.String("class_id", sub.ClassID),
		zap.String("user_id", sub.UserID),
	)
}

// PublishEngagement implements service.EventPublisher.
func (h *Hub) PublishEngagement(classID string, update domain.EngagementUpdate) {
	h.publish(classID, newEngagementEvent(update))
}

// PublishAttendance implements service.EventPublisher.
func (h *Hub) PublishAttendance(classID string, event domain.AttendanceStatusEvent) {
	h.publish(classID, newAttendanceEvent(event))
}

// publish delivers an event to every current subscriber of classID. The
// subscriber set is snapshotted before iteration; a full send buffer means
// the subscriber cannot keep up and is dropped rather than waited on. A class
// with zero subscribers is a no-op.
func (h *Hub) publish(classID string, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to marshal fanout event", zap.Error(err))
		return
	}

	h.mu.RLock()
	group := h.classes[classID]
	subs := make([]*Subscriber, 0, len(group))
	for sub := range group {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		if !sub.trySend(data) {
			h.logger.Warn("Subscriber too slow, dropping",
				zap.String("class_id", classID),
				zap.String("user_id", sub.UserID),
			)
			h.Unsubscribe(sub)
		}
	}
}

// SubscriberCount reports the current group size for a class.
func (h *Hub) SubscriberCount(classID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.classes[classID])
}

// ConnectedUser describes one live observer of a class.
type ConnectedUser struct {
	UserID      string    `json:"user_id"`
	Role        string    `json:"role"`
	ConnectedAt time.Time `json:"connected_at"`
}

// ConnectedUsers lists the observers of a class.
func (h *Hub) ConnectedUsers(classID string) []ConnectedUser {
	h.mu.RLock()
	defer h.mu.RUnlock()

	group := h.classes[classID]
	out := make([]ConnectedUser, 0, len(group))
	for sub := range group {
		out = append(out, ConnectedUser{
			UserID:      sub.UserID,
			Role:        sub.Role,
			ConnectedAt: sub.ConnectedAt,
		})
	}
	return out
}
