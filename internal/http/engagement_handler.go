package httpapi

import (
	"context"
	"fmt"
	"net/http"

	"classpulse-engagement/internal/domain"
	"classpulse-engagement/internal/identity"
	"classpulse-engagement/internal/repository"
	"classpulse-engagement/internal/service"

	"go.uber.org/zap"
)

// IdentityVerifier resolves bearer tokens and enforces class scope.
// Implemented by identity.Client.
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (*identity.Principal, error)
	AuthorizeClass(principal *identity.Principal, class *domain.ClassInfo) error
}

// EngagementHandler serves the engagement REST API.
type EngagementHandler struct {
	svc      service.EngagementService
	identity IdentityVerifier
	classes  repository.ClassRepository
	logger   *zap.Logger
}

func NewEngagementHandler(
	svc service.EngagementService,
	identity IdentityVerifier,
	classes repository.ClassRepository,
	logger *zap.Logger,
) *EngagementHandler {
	return &EngagementHandler{
		svc:      svc,
		identity: identity,
		classes:  classes,
		logger:   logger,
	}
}

// authenticate verifies the bearer token, writing the error response itself
// on failure.
func (h *EngagementHandler) authenticate(w http.ResponseWriter, r *http.Request) (*identity.Principal, bool) {
	principal, err := h.identity.Verify(r.Context(), bearerToken(r))
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return principal, true
}

// authorizeObserver verifies the caller may view a class's data: teacher role
// plus matching org scope.
func (h *EngagementHandler) authorizeObserver(ctx context.Context, principal *identity.Principal, classID string) (*domain.ClassInfo, error) {
	if !principal.Teacher() {
		return nil, fmt.Errorf("%w: observer access requires a teacher role", domain.ErrForbidden)
	}
	class, err := h.classes.GetClass(ctx, classID)
	if err != nil {
		return nil, err
	}
	if err := h.identity.AuthorizeClass(principal, class); err != nil {
		return nil, err
	}
	return class, nil
}

type startSessionRequest struct {
	ParticipantName string `json:"participant_name"`
	ClassID         string `json:"class_id"`
	SessionID       string `json:"session_id"`
	ConsentGiven    bool   `json:"consent_given"`
}

// StartSession handles POST /api/v1/engagement/sessions.
func (h *EngagementHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req startSessionRequest
	if err := readBodyJSON(r, 1<<20, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid request body"))
		return
	}
	if req.ClassID == "" || req.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, Fail("class_id and session_id are required"))
		return
	}

	name := req.ParticipantName
	if name == "" {
		name = principal.Name
	}

	session, err := h.svc.StartSession(r.Context(), service.StartSessionRequest{
		ParticipantID:   principal.UserID,
		ParticipantName: name,
		ClassID:         req.ClassID,
		SessionID:       req.SessionID,
		ConsentGiven:    req.ConsentGiven,
	})
	if err != nil {
		h.logger.Warn("Failed to start engagement session",
			zap.Error(err),
			zap.String("class_id", req.ClassID),
			zap.String("participant_id", principal.UserID),
		)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(session))
}

type signalRequest struct {
	SessionID       string   `json:"session_id"`
	FaceDetected    bool     `json:"face_detected"`
	LookingAtScreen *bool    `json:"looking_at_screen"`
	AttentionScore  *float64 `json:"attention_score"`
	MultipleFaces   bool     `json:"multiple_faces"`
}

// IngestSignal handles POST /api/v1/engagement/signals.
func (h *EngagementHandler) IngestSignal(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req signalRequest
	if err := readBodyJSON(r, 1<<20, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid request body"))
		return
	}
	if req.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, Fail("session_id is required"))
		return
	}

	result, err := h.svc.IngestSignal(r.Context(), principal.UserID, domain.AttentionSignal{
		SessionID:       req.SessionID,
		ParticipantID:   principal.UserID,
		FaceDetected:    req.FaceDetected,
		LookingAtScreen: req.LookingAtScreen,
		AttentionScore:  req.AttentionScore,
		MultipleFaces:   req.MultipleFaces,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(result))
}

type endSessionRequest struct {
	SessionID string `json:"session_id"`
	// ParticipantID lets a teacher finalize someone else's session; students
	// may only finalize their own.
	ParticipantID string `json:"participant_id"`
}

// EndSession handles POST /api/v1/engagement/sessions/end.
func (h *EngagementHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req endSessionRequest
	if err := readBodyJSON(r, 1<<20, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid request body"))
		return
	}
	if req.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, Fail("session_id is required"))
		return
	}

	participantID := req.ParticipantID
	if participantID == "" {
		participantID = principal.UserID
	}
	if participantID != principal.UserID && !principal.Teacher() {
		writeError(w, fmt.Errorf("%w: cannot end another participant's session", domain.ErrForbidden))
		return
	}

	session, err := h.svc.FinalizeSession(r.Context(), req.SessionID, participantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(session))
}

// GetReport handles GET /api/v1/engagement/report/{class_id}/{session_id}.
func (h *EngagementHandler) GetReport(w http.ResponseWriter, r *http.Request, classID, sessionID string) {
	principal, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if _, err := h.authorizeObserver(r.Context(), principal, classID); err != nil {
		writeError(w, err)
		return
	}

	report, err := h.svc.GetReport(r.Context(), classID, sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(report))
}

// ExportReport handles GET /api/v1/engagement/export/{class_id}/{session_id}
// and streams the attendance report as an Excel workbook.
func (h *EngagementHandler) ExportReport(w http.ResponseWriter, r *http.Request, classID, sessionID string) {
	principal, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if _, err := h.authorizeObserver(r.Context(), principal, classID); err != nil {
		writeError(w, err)
		return
	}

	report, err := h.svc.GetReport(r.Context(), classID, sessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	data, err := service.GenerateAttendanceExport(report)
	if err != nil {
		h.logger.Error("Failed to generate attendance export",
			zap.Error(err),
			zap.String("class_id", classID),
			zap.String("session_id", sessionID),
		)
		writeJSON(w, http.StatusInternalServerError, Fail("failed to generate export"))
		return
	}

	filename := fmt.Sprintf("attendance_%s_%s.xlsx", classID, sessionID)
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// GetLive handles GET /api/v1/engagement/live/{class_id}.
func (h *EngagementHandler) GetLive(w http.ResponseWriter, r *http.Request, classID string) {
	principal, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if _, err := h.authorizeObserver(r.Context(), principal, classID); err != nil {
		writeError(w, err)
		return
	}

	live, err := h.svc.GetLive(r.Context(), classID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(live))
}

// GetHistory handles GET /api/v1/engagement/history/{participant_id}.
// Participants see their own history; teachers may see anyone's.
func (h *EngagementHandler) GetHistory(w http.ResponseWriter, r *http.Request, participantID string) {
	principal, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if participantID != principal.UserID && !principal.Teacher() {
		writeError(w, fmt.Errorf("%w: cannot view another participant's history", domain.ErrForbidden))
		return
	}

	limit := parseInt(r.URL.Query().Get("limit"), 100)
	records, err := h.svc.History(r.Context(), participantID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(records))
}
