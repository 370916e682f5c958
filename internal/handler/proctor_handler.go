package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// ProctorHandler handles proctor actions on individual sessions.
type ProctorHandler struct {
	manager     *service.SessionManager
	authService *service.AuthService
	log         zerolog.Logger
}

// NewProctorHandler creates a new ProctorHandler.
func NewProctorHandler(manager *service.SessionManager, authService *service.AuthService, log zerolog.Logger) *ProctorHandler {
	return &ProctorHandler{
		manager:     manager,
		authService: authService,
		log:         log.With().Str("component", "proctor_handler").Logger(),
	}
}

// scopedSession loads the session and checks the proctor token covers its exam.
func (h *ProctorHandler) scopedSession(c *gin.Context) (*model.ExamSession, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return nil, false
	}

	session, err := h.manager.Get(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		failSession(c, h.log, err)
		return nil, false
	}
	if !claims.CanProctor(session.ExamID) {
		response.Fail(c, http.StatusForbidden, response.ErrForbidden)
		return nil, false
	}
	return session, true
}

// GetSession godoc
// GET /api/v1/proctor/sessions/:session_id
// Returns the full session including flags and the completion audit.
func (h *ProctorHandler) GetSession(c *gin.Context) {
	session, ok := h.scopedSession(c)
	if !ok {
		return
	}
	response.Success(c, http.StatusOK, gin.H{"session": session})
}

// ForceComplete godoc
// POST /api/v1/proctor/sessions/:session_id/complete
// Ends the session with the forced trigger.
func (h *ProctorHandler) ForceComplete(c *gin.Context) {
	if _, ok := h.scopedSession(c); !ok {
		return
	}

	session, err := h.manager.Complete(c.Request.Context(), c.Param("session_id"), model.TriggerForced)
	if err != nil {
		failSession(c, h.log, err)
		return
	}

	h.log.Info().
		Str("session_id", session.ID).
		Str("proctor_id", middleware.GetClaims(c).Subject).
		Msg("Session force-completed by proctor")

	response.Success(c, http.StatusOK, gin.H{"session": session})
}

// IssueAccessToken godoc
// POST /api/v1/proctor/sessions/:session_id/token
// Issues the candidate token for the session and binds it to one device.
func (h *ProctorHandler) IssueAccessToken(c *gin.Context) {
	session, ok := h.scopedSession(c)
	if !ok {
		return
	}
	if session.Status == model.SessionStatusCompleted {
		response.Fail(c, http.StatusConflict, response.ErrSessionClosed)
		return
	}

	token, err := h.authService.GenerateCandidateToken(c.Request.Context(), session.CandidateID, session.ID)
	if err != nil {
		if errors.Is(err, service.ErrDeviceAlreadyActive) {
			response.Fail(c, http.StatusConflict, response.ErrDeviceActive)
			return
		}
		h.log.Error().Err(err).Str("session_id", session.ID).Msg("Failed to issue candidate token")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{"token": token})
}

// ResetDevice godoc
// DELETE /api/v1/proctor/sessions/:session_id/device
// Invalidates the candidate's current device so a new token can be issued.
func (h *ProctorHandler) ResetDevice(c *gin.Context) {
	session, ok := h.scopedSession(c)
	if !ok {
		return
	}

	if err := h.authService.ResetCandidateDevice(c.Request.Context(), session.ID); err != nil {
		h.log.Error().Err(err).Str("session_id", session.ID).Msg("Failed to reset device binding")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, gin.H{})
}
