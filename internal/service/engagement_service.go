package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"classpulse-engagement/internal/domain"
	"classpulse-engagement/internal/registry"
	"classpulse-engagement/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventPublisher receives accumulator events for fan-out to class observers.
// Implementations must never block the caller and never surface delivery
// failures: broadcast is best-effort and decoupled from the accumulated state.
type EventPublisher interface {
	PublishEngagement(classID string, update domain.EngagementUpdate)
	PublishAttendance(classID string, event domain.AttendanceStatusEvent)
}

// EngagementPolicy holds the tunable accumulation rules. The two capping
// policies are deliberately independent knobs: boolean-signal ingestion caps
// at frame interval + tolerance, score-signal ingestion at a flat ceiling.
type EngagementPolicy struct {
	AttendanceThreshold float64
	FrameInterval       time.Duration
	FrameTolerance      time.Duration
	MetadataMaxInterval time.Duration
	LiveActivityWindow  time.Duration
}

// EngagementService is the engagement accumulator: it turns discrete
// attention signals into a monotonically accumulating engaged-time total and
// a one-time present/absent verdict.
type EngagementService interface {
	// StartSession creates the engagement record for a participant in a class
	// session. Idempotent: an existing record is returned unchanged.
	StartSession(ctx context.Context, req StartSessionRequest) (*domain.EngagementSession, error)

	// IngestSignal applies one attention signal. callerID is the
	// authenticated participant identity; it must match the signal's
	// participant. Returns the updated snapshot.
	IngestSignal(ctx context.Context, callerID string, sig domain.AttentionSignal) (*IngestResult, error)

	// FinalizeSession transitions the session to its terminal verdict.
	// Idempotent: an already-terminal session is returned unchanged.
	FinalizeSession(ctx context.Context, sessionID, participantID string) (*domain.EngagementSession, error)

	// GetReport reduces the finalized sessions of (classID, sessionID) into
	// summary counts and per-participant rows.
	GetReport(ctx context.Context, classID, sessionID string) (*AttendanceReport, error)

	// GetLive returns all in-progress sessions of a class with a recent-signal
	// activity flag.
	GetLive(ctx context.Context, classID string) (*LiveAttendance, error)

	// History returns a participant's sessions, newest first.
	History(ctx context.Context, participantID string, limit int) ([]*domain.EngagementSession, error)
}

// ============================================
// Request/Response DTOs
// ============================================

// StartSessionRequest starts engagement tracking for one participant.
type StartSessionRequest struct {
	ParticipantID   string
	ParticipantName string
	ClassID         string
	SessionID       string
	ConsentGiven    bool
}

// IngestResult is the snapshot returned after one applied signal.
type IngestResult struct {
	Session   *domain.EngagementSession `json:"session"`
	Increment float64                   `json:"increment"`
	// WeightedScore blends presence time with attention quality; only computed
	// for score-signal mode, surfaced alongside the raw percentage.
	WeightedScore float64 `json:"weighted_score,omitempty"`
}

// AttendanceReport summarizes one (class, session) pair.
type AttendanceReport struct {
	ClassID           string               `json:"class_id"`
	ClassTitle        string               `json:"class_title"`
	SessionID         string               `json:"session_id"`
	TotalParticipants int                  `json:"total_participants"`
	PresentCount      int                  `json:"present_count"`
	AbsentCount       int                  `json:"absent_count"`
	Records           []ParticipantSummary `json:"records"`
}

// ParticipantSummary is one report row.
type ParticipantSummary struct {
	ParticipantID        string                  `json:"participant_id"`
	ParticipantName      string                  `json:"participant_name"`
	EngagementPercentage float64                 `json:"engagement_percentage"`
	EngagedSeconds       float64                 `json:"engaged_seconds"`
	TotalDurationSeconds int                     `json:"total_duration_seconds"`
	AttentionScore       float64                 `json:"attention_score"`
	Status               domain.AttendanceStatus `json:"status"`
	StartedAt            time.Time               `json:"started_at"`
	EndedAt              *time.Time              `json:"ended_at,omitempty"`
}

// LiveAttendance is the real-time view of an active class.
type LiveAttendance struct {
	ClassID          string            `json:"class_id"`
	ClassTitle       string            `json:"class_title"`
	IsActive         bool              `json:"is_active"`
	ParticipantCount int               `json:"participant_count"`
	Participants     []LiveParticipant `json:"participants"`
}

// LiveParticipant is one in-progress session as observers see it.
type LiveParticipant struct {
	ParticipantID        string     `json:"participant_id"`
	ParticipantName      string     `json:"participant_name"`
	FaceDetected         bool       `json:"face_detected"`
	LookingAtScreen      bool       `json:"looking_at_screen"`
	EngagementPercentage float64    `json:"engagement_percentage"`
	AttentionScore       float64    `json:"attention_score"`
	MultipleFaces        bool       `json:"multiple_faces"`
	IsActive             bool       `json:"is_active"`
	LastSeen             *time.Time `json:"last_seen,omitempty"`
	JoinedAt             time.Time  `json:"joined_at"`
}

// ============================================
// Implementation
// ============================================

type engagementService struct {
	sessions  repository.EngagementRepository
	classes   repository.ClassRepository
	signals   *registry.SignalRegistry
	keys      *registry.KeyMutex
	publisher EventPublisher
	policy    EngagementPolicy
	logger    *zap.Logger

	now func() time.Time
}

// NewEngagementService wires the accumulator. publisher may be nil when no
// fan-out is attached (e.g. offline tooling).
func NewEngagementService(
	sessions repository.EngagementRepository,
	classes repository.ClassRepository,
	signals *registry.SignalRegistry,
	publisher EventPublisher,
	policy EngagementPolicy,
	logger *zap.Logger,
) EngagementService {
	return &engagementService{
		sessions:  sessions,
		classes:   classes,
		signals:   signals,
		keys:      registry.NewKeyMutex(),
		publisher: publisher,
		policy:    policy,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *engagementService) StartSession(ctx context.Context, req StartSessionRequest) (*domain.EngagementSession, error) {
	class, err := s.classes.GetClass(ctx, req.ClassID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: class %s", domain.ErrNotFound, req.ClassID)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}
	if !class.IsActive {
		return nil, fmt.Errorf("%w: class session is not active", domain.ErrInvalid)
	}
	if !class.Enrolled(req.ParticipantID) {
		return nil, fmt.Errorf("%w: not enrolled in class %s", domain.ErrForbidden, req.ClassID)
	}

	key := registry.Key{SessionID: req.SessionID, ParticipantID: req.ParticipantID}
	s.keys.Lock(key)
	defer s.keys.Unlock(key)

	if existing, err := s.sessions.Get(ctx, req.SessionID, req.ParticipantID); err == nil {
		s.logger.Info("Engagement session already exists",
			zap.String("session_id", req.SessionID),
			zap.String("participant_id", req.ParticipantID),
		)
		return existing, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}

	session := &domain.EngagementSession{
		ID:                   uuid.NewString(),
		SessionID:            req.SessionID,
		ParticipantID:        req.ParticipantID,
		ParticipantName:      req.ParticipantName,
		ClassID:              req.ClassID,
		StartedAt:            s.now().UTC(),
		TotalDurationSeconds: class.DurationMinutes * 60,
		Status:               domain.StatusInProgress,
		ConsentGiven:         req.ConsentGiven,
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}
	// Seed the registry at session start so the first signal's increment is
	// bounded by the gap since joining, not defined away to zero.
	s.signals.Touch(key, session.StartedAt)

	s.logger.Info("Started engagement session",
		zap.String("session_id", req.SessionID),
		zap.String("participant_id", req.ParticipantID),
		zap.String("class_id", req.ClassID),
		zap.Int("total_duration_seconds", session.TotalDurationSeconds),
	)
	return session, nil
}

func (s *engagementService) IngestSignal(ctx context.Context, callerID string, sig domain.AttentionSignal) (*IngestResult, error) {
	if callerID != "" && callerID != sig.ParticipantID {
		return nil, fmt.Errorf("%w: cannot submit signals for another participant", domain.ErrForbidden)
	}
	if sig.LookingAtScreen == nil && sig.AttentionScore == nil {
		return nil, fmt.Errorf("%w: signal carries neither looking_at_screen nor attention_score", domain.ErrInvalid)
	}
	if sig.AttentionScore != nil && (*sig.AttentionScore < 0 || *sig.AttentionScore > 100) {
		return nil, fmt.Errorf("%w: attention_score %.2f outside [0,100]", domain.ErrInvalid, *sig.AttentionScore)
	}

	key := registry.Key{SessionID: sig.SessionID, ParticipantID: sig.ParticipantID}
	s.keys.Lock(key)
	defer s.keys.Unlock(key)

	session, err := s.sessions.Get(ctx, sig.SessionID, sig.ParticipantID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: engagement session", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}
	if session.Status != domain.StatusInProgress {
		return nil, fmt.Errorf("%w: engagement session is already finalized", domain.ErrNotFound)
	}

	now := s.now().UTC()
	increment := s.increment(key, sig, now)

	session.EngagedSeconds += increment
	session.EngagementPercentage = round2(domain.Percentage(session.EngagedSeconds, session.TotalDurationSeconds))
	session.LastSignalAt = &now
	session.FaceDetected = sig.FaceDetected
	session.MultipleFaces = sig.MultipleFaces
	if sig.ScoreMode() {
		session.AttentionScore = *sig.AttentionScore
		session.LookingAtScreen = *sig.AttentionScore > 50
	} else {
		session.LookingAtScreen = sig.FaceDetected && *sig.LookingAtScreen
	}

	// Persist first, advance the registry second. If the durable update fails
	// the registry must not move, so the caller can retry the same signal
	// without double-counting.
	if err := s.sessions.Update(ctx, session); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}
	s.signals.Touch(key, now)

	result := &IngestResult{Session: session, Increment: increment}
	if sig.ScoreMode() {
		total := session.TotalDurationSeconds
		if total < 1 {
			total = 1
		}
		result.WeightedScore = round2(session.EngagementPercentage*0.7 +
			(*sig.AttentionScore*increment/float64(total))*0.3)
	}

	if s.publisher != nil {
		s.publisher.PublishEngagement(session.ClassID, domain.EngagementUpdate{
			ParticipantID:        session.ParticipantID,
			ParticipantName:      session.ParticipantName,
			FaceDetected:         session.FaceDetected,
			LookingAtScreen:      session.LookingAtScreen,
			EngagementPercentage: session.EngagementPercentage,
			LastUpdate:           now,
		})
	}

	s.logger.Debug("Signal applied",
		zap.String("session_id", sig.SessionID),
		zap.String("participant_id", sig.ParticipantID),
		zap.Bool("face_detected", sig.FaceDetected),
		zap.Float64("increment", increment),
		zap.Float64("engagement_percentage", session.EngagementPercentage),
	)
	return result, nil
}

// increment computes how much engaged time one signal may claim. The elapsed
// gap since the previous signal is capped so that neither clock skew nor
// sparse/flooded signals can inflate the total. A signal with no registry
// entry (process restart wiped it) contributes zero rather than over-counting.
func (s *engagementService) increment(key registry.Key, sig domain.AttentionSignal, now time.Time) float64 {
	last, ok := s.signals.Last(key)
	if !ok {
		return 0
	}
	elapsed := now.Sub(last).Seconds()
	if elapsed < 0 {
		return 0
	}

	if sig.ScoreMode() {
		if !sig.FaceDetected {
			return 0
		}
		return math.Min(elapsed, s.policy.MetadataMaxInterval.Seconds())
	}

	if !sig.FaceDetected || !*sig.LookingAtScreen {
		return 0
	}
	limit := (s.policy.FrameInterval + s.policy.FrameTolerance).Seconds()
	return math.Min(elapsed, limit)
}

func (s *engagementService) FinalizeSession(ctx context.Context, sessionID, participantID string) (*domain.EngagementSession, error) {
	key := registry.Key{SessionID: sessionID, ParticipantID: participantID}
	s.keys.Lock(key)
	defer s.keys.Unlock(key)

	session, err := s.sessions.Get(ctx, sessionID, participantID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: engagement session", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}

	// Finalize is idempotent: a terminal session is returned as-is, never
	// re-evaluated.
	if session.Status.Terminal() {
		return session, nil
	}

	if session.EngagementPercentage >= s.policy.AttendanceThreshold {
		session.Status = domain.StatusPresent
	} else {
		session.Status = domain.StatusAbsent
	}
	now := s.now().UTC()
	session.EndedAt = &now

	if err := s.sessions.Update(ctx, session); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}
	s.signals.Delete(key)

	if s.publisher != nil {
		s.publisher.PublishAttendance(session.ClassID, domain.AttendanceStatusEvent{
			ParticipantID:        session.ParticipantID,
			ParticipantName:      session.ParticipantName,
			Status:               session.Status,
			EngagementPercentage: session.EngagementPercentage,
		})
	}

	s.logger.Info("Finalized engagement session",
		zap.String("session_id", sessionID),
		zap.String("participant_id", participantID),
		zap.Float64("engagement_percentage", session.EngagementPercentage),
		zap.String("status", string(session.Status)),
	)
	return session, nil
}

func (s *engagementService) GetReport(ctx context.Context, classID, sessionID string) (*AttendanceReport, error) {
	classTitle := "Unknown Class"
	if class, err := s.classes.GetClass(ctx, classID); err == nil {
		classTitle = class.Title
	}

	records, err := s.sessions.ListBySession(ctx, classID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}

	report := &AttendanceReport{
		ClassID:           classID,
		ClassTitle:        classTitle,
		SessionID:         sessionID,
		TotalParticipants: len(records),
		Records:           make([]ParticipantSummary, 0, len(records)),
	}
	for _, r := range records {
		switch r.Status {
		case domain.StatusPresent:
			report.PresentCount++
		case domain.StatusAbsent:
			report.AbsentCount++
		}
		report.Records = append(report.Records, ParticipantSummary{
			ParticipantID:        r.ParticipantID,
			ParticipantName:      r.ParticipantName,
			EngagementPercentage: r.EngagementPercentage,
			EngagedSeconds:       r.EngagedSeconds,
			TotalDurationSeconds: r.TotalDurationSeconds,
			AttentionScore:       r.AttentionScore,
			Status:               r.Status,
			StartedAt:            r.StartedAt,
			EndedAt:              r.EndedAt,
		})
	}
	return report, nil
}

func (s *engagementService) GetLive(ctx context.Context, classID string) (*LiveAttendance, error) {
	class, err := s.classes.GetClass(ctx, classID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: class %s", domain.ErrNotFound, classID)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}

	records, err := s.sessions.ListInProgressByClass(ctx, classID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}

	now := s.now().UTC()
	live := &LiveAttendance{
		ClassID:          classID,
		ClassTitle:       class.Title,
		IsActive:         class.IsActive,
		ParticipantCount: len(records),
		Participants:     make([]LiveParticipant, 0, len(records)),
	}
	for _, r := range records {
		active := false
		if r.LastSignalAt != nil {
			active = now.Sub(*r.LastSignalAt) < s.policy.LiveActivityWindow
		}
		live.Participants = append(live.Participants, LiveParticipant{
			ParticipantID:        r.ParticipantID,
			ParticipantName:      r.ParticipantName,
			FaceDetected:         r.FaceDetected,
			LookingAtScreen:      r.LookingAtScreen,
			EngagementPercentage: r.EngagementPercentage,
			AttentionScore:       r.AttentionScore,
			MultipleFaces:        r.MultipleFaces,
			IsActive:             active,
			LastSeen:             r.LastSignalAt,
			JoinedAt:             r.StartedAt,
		})
	}
	return live, nil
}

func (s *engagementService) History(ctx context.Context, participantID string, limit int) ([]*domain.EngagementSession, error) {
	if limit <= 0 {
		limit = 100
	}
	records, err := s.sessions.ListByParticipant(ctx, participantID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}
	return records, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
