package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

// SessionHandler handles candidate-facing exam session endpoints.
type SessionHandler struct {
	manager *service.SessionManager
	log     zerolog.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(manager *service.SessionManager, log zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		manager: manager,
		log:     log.With().Str("component", "session_handler").Logger(),
	}
}

// GetSession godoc
// GET /api/v1/sessions/:session_id
// Returns the candidate view of the session, including remaining seconds.
func (h *SessionHandler) GetSession(c *gin.Context) {
	session, err := h.manager.Get(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		failSession(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"session": session.CandidateView()})
}

// GetPaper godoc
// GET /api/v1/sessions/:session_id/paper
// Returns the questions without correct answers.
func (h *SessionHandler) GetPaper(c *gin.Context) {
	paper, err := h.manager.Paper(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		failSession(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"exam": paper})
}

// StartSession godoc
// POST /api/v1/sessions/:session_id/start
func (h *SessionHandler) StartSession(c *gin.Context) {
	session, err := h.manager.Start(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		failSession(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"session": session.CandidateView()})
}

// SaveAnswer godoc
// PUT /api/v1/sessions/:session_id/answers
// Stores the draft answer of one question. Drafts may be overwritten until completion.
func (h *SessionHandler) SaveAnswer(c *gin.Context) {
	var req ws.AnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	session, err := h.manager.RecordAnswer(c.Request.Context(), c.Param("session_id"), answerFromRequest(&req))
	if err != nil {
		failSession(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"session": session.CandidateView()})
}

// ReportFlag godoc
// POST /api/v1/sessions/:session_id/flags
// Feeds a proctoring sensor event. Suppressed duplicates answer 200 with accepted=false.
func (h *SessionHandler) ReportFlag(c *gin.Context) {
	var req ws.FlagRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	session, accepted, err := h.manager.ObserveFlag(c.Request.Context(), c.Param("session_id"), flagFromRequest(&req))
	if err != nil {
		failSession(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{
		"accepted": accepted,
		"session":  session.CandidateView(),
	})
}

// SubmitSession godoc
// POST /api/v1/sessions/:session_id/submit
// Completes the session with the manual_submit trigger and returns the verdict.
func (h *SessionHandler) SubmitSession(c *gin.Context) {
	session, err := h.manager.Complete(c.Request.Context(), c.Param("session_id"), model.TriggerManualSubmit)
	if err != nil {
		failSession(c, h.log, err)
		return
	}

	result, _ := session.Result()
	response.Success(c, http.StatusOK, gin.H{"result": result})
}

// GetResult godoc
// GET /api/v1/sessions/:session_id/result
func (h *SessionHandler) GetResult(c *gin.Context) {
	result, err := h.manager.Result(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		failSession(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"result": result})
}

func answerFromRequest(req *ws.AnswerRequest) model.Answer {
	return model.Answer{
		QuestionID:          req.QuestionID,
		Kind:                req.Kind,
		SelectedOptionIndex: req.SelectedOptionIndex,
		Text:                req.Text,
	}
}

// flagFromRequest converts unix milliseconds; zero leaves the timestamp for the session clock.
func flagFromRequest(req *ws.FlagRequest) model.ProctoringFlag {
	flag := model.ProctoringFlag{Type: req.Type, Details: req.Details}
	if req.Timestamp > 0 {
		flag.Timestamp = time.UnixMilli(req.Timestamp).UTC()
	}
	return flag
}
