package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
	"golang.org/x/time/rate"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// An empty allowedOrigins permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler streams one exam session to its candidate.
type WSHandler struct {
	manager        *service.SessionManager
	events         *service.EventHub
	log            zerolog.Logger
	upgrader       websocket.Upgrader
	messagesPerSec int
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(manager *service.SessionManager, events *service.EventHub, log zerolog.Logger, allowedOrigins []string, messagesPerSec int) *WSHandler {
	if messagesPerSec <= 0 {
		messagesPerSec = 20
	}
	return &WSHandler{
		manager:        manager,
		events:         events,
		log:            log.With().Str("component", "ws_handler").Logger(),
		upgrader:       buildUpgrader(allowedOrigins),
		messagesPerSec: messagesPerSec,
	}
}

// SessionStream godoc
// WS /ws/v1/sessions/:session_id/stream?token=...
// Accepts answer, flag, submit and ping actions. Pushes state, timer ticks and
// the completion verdict.
func (h *WSHandler) SessionStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	sessionID := c.Param("session_id")

	session, err := h.manager.Get(c.Request.Context(), sessionID)
	if err != nil {
		failSession(c, h.log, err)
		return
	}

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	conn := ws.NewConn(raw)
	defer conn.Close(websocket.CloseNormalClosure, "")

	wsLog := logger.Session(h.log, sessionID, session.ExamID, claims.CandidateID)
	wsLog.Info().Msg("Candidate connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Subscribe before sending state so no transition slips in between.
	events, unsubscribe := h.events.Subscribe(sessionID, 32)
	defer unsubscribe()

	if current, err := h.manager.Get(ctx, sessionID); err == nil {
		conn.WriteTyped(ws.StateResponse{Event: ws.EventState, Session: current.CandidateView()})
	}

	go h.pump(ctx, conn, events)

	limiter := rate.NewLimiter(rate.Limit(h.messagesPerSec), h.messagesPerSec)

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		if !limiter.Allow() {
			conn.WriteError(string(response.ErrRateLimitExceeded), response.GetMessage(response.ErrRateLimitExceeded))
			continue
		}

		var env ws.RequestEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			conn.WriteError(string(response.ErrInvalidPayload), "message is not valid JSON")
			continue
		}

		switch env.Action {
		case ws.ActionAnswer:
			h.handleAnswer(ctx, conn, sessionID, data)
		case ws.ActionFlag:
			h.handleFlag(ctx, conn, sessionID, data)
		case ws.ActionSubmit:
			h.handleSubmit(ctx, conn, wsLog, sessionID)
		case ws.ActionPing:
			conn.WriteTyped(ws.PongResponse{Event: ws.EventPong})
		default:
			wsLog.Warn().Str("action", string(env.Action)).Msg("Unknown action")
			conn.WriteError(string(response.ErrInvalidPayload), "unknown action: "+string(env.Action))
		}
	}
}

// pump forwards session events until ctx is done or the hub closes the channel.
// Accepted flags are answered directly by handleFlag, so flag events are not forwarded.
func (h *WSHandler) pump(ctx context.Context, conn *ws.Conn, events <-chan service.SessionEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			var err error
			switch ev.Type {
			case service.EventTimer:
				err = conn.WriteTyped(ws.TimerResponse{Event: ws.EventTimer, RemainingSeconds: ev.RemainingSeconds})
			case service.EventStarted:
				if s, gerr := h.manager.Get(ctx, ev.SessionID); gerr == nil {
					err = conn.WriteTyped(ws.StateResponse{Event: ws.EventState, Session: s.CandidateView()})
				}
			case service.EventCompleted:
				err = conn.WriteTyped(ws.CompletedResponse{Event: ws.EventCompleted, Trigger: ev.Trigger, Result: ev.Result})
			}
			if err != nil {
				return
			}
		}
	}
}

func (h *WSHandler) handleAnswer(ctx context.Context, conn *ws.Conn, sessionID string, data []byte) {
	var req ws.AnswerRequest
	if err := json.Unmarshal(data, &req); err != nil {
		conn.WriteError(string(response.ErrInvalidPayload), "invalid answer payload")
		return
	}
	if fields := validator.Struct(&req); fields != nil {
		conn.WriteError(string(response.ErrValidation), firstField(fields))
		return
	}

	if _, err := h.manager.RecordAnswer(ctx, sessionID, answerFromRequest(&req)); err != nil {
		writeSessionError(conn, err)
		return
	}
	conn.WriteTyped(ws.SavedResponse{Event: ws.EventSaved, QuestionID: req.QuestionID})
}

func (h *WSHandler) handleFlag(ctx context.Context, conn *ws.Conn, sessionID string, data []byte) {
	var req ws.FlagRequest
	if err := json.Unmarshal(data, &req); err != nil {
		conn.WriteError(string(response.ErrInvalidPayload), "invalid flag payload")
		return
	}
	if fields := validator.Struct(&req); fields != nil {
		conn.WriteError(string(response.ErrValidation), firstField(fields))
		return
	}

	session, accepted, err := h.manager.ObserveFlag(ctx, sessionID, flagFromRequest(&req))
	if err != nil {
		writeSessionError(conn, err)
		return
	}

	resp := ws.FlagResponse{Event: ws.EventFlag, Accepted: accepted}
	if accepted && len(session.Flags) > 0 {
		last := session.Flags[len(session.Flags)-1]
		resp.Flag = &last
	}
	conn.WriteTyped(resp)
}

// handleSubmit completes the session. The verdict reaches the client through
// the completed event.
func (h *WSHandler) handleSubmit(ctx context.Context, conn *ws.Conn, wsLog zerolog.Logger, sessionID string) {
	session, err := h.manager.Complete(ctx, sessionID, model.TriggerManualSubmit)
	if err != nil {
		writeSessionError(conn, err)
		return
	}
	if session.Score != nil {
		wsLog.Info().Int("score", *session.Score).Msg("Exam submitted over WebSocket")
	}
}

func writeSessionError(conn *ws.Conn, err error) {
	_, code := sessionErrorCode(err)
	msg := err.Error()
	if code == response.ErrInternal {
		msg = response.GetMessage(code)
	}
	conn.WriteError(string(code), msg)
}

func firstField(fields map[string]string) string {
	for name, msg := range fields {
		return name + ": " + msg
	}
	return response.GetMessage(response.ErrValidation)
}
