package websocket

import (
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAnswer Action = "answer"
	ActionFlag   Action = "flag"
	ActionSubmit Action = "submit"
	ActionPing   Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// AnswerRequest saves the draft answer of one question.
type AnswerRequest struct {
	Action              Action             `json:"action"`
	QuestionID          string             `json:"question_id" binding:"required"`
	Kind                model.QuestionKind `json:"kind" binding:"required,enum"`
	SelectedOptionIndex *int               `json:"selected_option_index" binding:"omitempty,min=0"`
	Text                string             `json:"text" binding:"max=20000"`
}

// FlagRequest reports a sensor event. Timestamp is unix milliseconds; zero
// means "now" on the server.
type FlagRequest struct {
	Action    Action         `json:"action"`
	Type      model.FlagType `json:"type" binding:"required,enum"`
	Timestamp int64          `json:"timestamp" binding:"min=0"`
	Details   string         `json:"details" binding:"max=1000"`
}

// SubmitRequest finishes the exam.
type SubmitRequest struct {
	Action Action `json:"action"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventState     Event = "state"
	EventSaved     Event = "saved"
	EventFlag      Event = "flag"
	EventTimer     Event = "timer"
	EventCompleted Event = "completed"
	EventError     Event = "error"
	EventPong      Event = "pong"
)

// StateResponse carries the candidate view of the session.
type StateResponse struct {
	Event   Event              `json:"event"`
	Session *model.ExamSession `json:"session"`
}

type SavedResponse struct {
	Event      Event  `json:"event"`
	QuestionID string `json:"question_id"`
}

type FlagResponse struct {
	Event    Event                 `json:"event"`
	Accepted bool                  `json:"accepted"`
	Flag     *model.ProctoringFlag `json:"flag,omitempty"`
}

type TimerResponse struct {
	Event            Event `json:"event"`
	RemainingSeconds int   `json:"remaining_seconds"`
}

type CompletedResponse struct {
	Event   Event         `json:"event"`
	Trigger model.Trigger `json:"trigger,omitempty"`
	Result  *model.Result `json:"result"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
