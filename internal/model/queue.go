package model

import "time"

// AnswerDraftEntry is queued for persistence on every recorded answer.
type AnswerDraftEntry struct {
	SessionID string    `json:"session_id"`
	ExamID    string    `json:"exam_id"`
	Answer    Answer    `json:"answer"`
	SavedAt   time.Time `json:"saved_at"`
}

// MonitorEventType names events published on an exam's monitor channel.
type MonitorEventType string

const (
	MonitorEventFlag      MonitorEventType = "flag"
	MonitorEventCompleted MonitorEventType = "completed"
)

// MonitorEvent is what proctors watching an exam receive.
type MonitorEvent struct {
	Type        MonitorEventType `json:"type"`
	SessionID   string           `json:"session_id"`
	ExamID      string           `json:"exam_id"`
	CandidateID string           `json:"candidate_id"`
	Flag        *ProctoringFlag  `json:"flag,omitempty"`
	Trigger     Trigger          `json:"trigger,omitempty"`
	Score       *int             `json:"score,omitempty"`
	Passed      *bool            `json:"passed,omitempty"`
	At          time.Time        `json:"at"`
}
