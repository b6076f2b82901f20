package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"classpulse-engagement/internal/domain"
	"classpulse-engagement/internal/service"

	"go.uber.org/zap"
)

// SignalBridge feeds attention signals published by edge capture devices
// into the engagement accumulator. It is an alternate ingest path next to
// the REST endpoint, for deployments where classroom hardware speaks MQTT
// instead of HTTP.
type SignalBridge struct {
	engagement service.EngagementService
	logger     *zap.Logger
}

func NewSignalBridge(engagement service.EngagementService, logger *zap.Logger) *SignalBridge {
	return &SignalBridge{
		engagement: engagement,
		logger:     logger,
	}
}

// bridgeSignal is the wire format on classpulse/signals/{class_id}.
type bridgeSignal struct {
	ParticipantID   string   `json:"participant_id"`
	SessionID       string   `json:"session_id"`
	FaceDetected    bool     `json:"face_detected"`
	LookingAtScreen *bool    `json:"looking_at_screen"`
	AttentionScore  *float64 `json:"attention_score"`
	MultipleFaces   bool     `json:"multiple_faces"`
	Timestamp       int64    `json:"timestamp"`
}

// HandleMessage parses one broker message. The payload is either a single
// signal object or an array of them; a malformed element is skipped so one
// bad device cannot wedge the topic.
func (b *SignalBridge) HandleMessage(topic string, payload []byte) error {
	signals, err := parsePayload(payload)
	if err != nil {
		return fmt.Errorf("failed to unmarshal signal payload: %w", err)
	}

	for _, sig := range signals {
		if err := b.ingest(sig); err != nil {
			b.logger.Warn("Failed to apply bridged signal",
				zap.Error(err),
				zap.String("topic", topic),
				zap.String("participant_id", sig.ParticipantID),
				zap.String("session_id", sig.SessionID),
			)
			// keep going, the remaining signals are independent
		}
	}
	return nil
}

func (b *SignalBridge) ingest(sig bridgeSignal) error {
	if sig.ParticipantID == "" || sig.SessionID == "" {
		return fmt.Errorf("%w: signal missing participant_id or session_id", domain.ErrInvalid)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Device-originated signals carry no bearer token; the broker ACL is the
	// authentication boundary, so the ownership check is skipped.
	_, err := b.engagement.IngestSignal(ctx, "", domain.AttentionSignal{
		ParticipantID:   sig.ParticipantID,
		SessionID:       sig.SessionID,
		FaceDetected:    sig.FaceDetected,
		LookingAtScreen: sig.LookingAtScreen,
		AttentionScore:  sig.AttentionScore,
		MultipleFaces:   sig.MultipleFaces,
		Timestamp:       time.Unix(sig.Timestamp, 0).UTC(),
	})
	return err
}

func parsePayload(payload []byte) ([]bridgeSignal, error) {
	var batch []bridgeSignal
	if err := json.Unmarshal(payload, &batch); err == nil {
		return batch, nil
	}
	var single bridgeSignal
	if err := json.Unmarshal(payload, &single); err != nil {
		return nil, err
	}
	return []bridgeSignal{single}, nil
}
