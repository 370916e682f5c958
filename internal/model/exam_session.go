package model

import (
	"errors"
	"time"
)

// ErrSessionNotFound is returned by session stores for unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// SessionStatus enumerates exam session states. Status only moves forward:
// pending -> in_progress -> completed.
type SessionStatus string

const (
	SessionStatusPending    SessionStatus = "pending"
	SessionStatusInProgress SessionStatus = "in_progress"
	SessionStatusCompleted  SessionStatus = "completed"
)

// Trigger records why a session was completed.
type Trigger string

const (
	TriggerManualSubmit Trigger = "manual_submit"
	TriggerTimeout      Trigger = "timeout"
	TriggerForced       Trigger = "forced"
)

// Valid reports whether t is a known trigger.
func (t Trigger) Valid() bool {
	switch t {
	case TriggerManualSubmit, TriggerTimeout, TriggerForced:
		return true
	default:
		return false
	}
}

// ExamSession represents one candidate's attempt at one exam.
type ExamSession struct {
	ID          string            `json:"id"`
	CandidateID string            `json:"candidate_id"`
	ExamID      string            `json:"exam_id"`
	Status      SessionStatus     `json:"status"`
	Answers     map[string]Answer `json:"answers"`
	Flags       []ProctoringFlag  `json:"flags"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Score       *int              `json:"score,omitempty"`
	Passed      *bool             `json:"passed,omitempty"`
	// Audit is only populated once completed and is never shown to candidates.
	Audit *CompletionAudit `json:"audit,omitempty"`
	// RemainingSeconds is computed when a snapshot is taken.
	RemainingSeconds int `json:"remaining_seconds"`
}

// NewPendingSession builds a session as the assignment collaborator creates it.
func NewPendingSession(id, candidateID, examID string) *ExamSession {
	return &ExamSession{
		ID:          id,
		CandidateID: candidateID,
		ExamID:      examID,
		Status:      SessionStatusPending,
		Answers:     map[string]Answer{},
	}
}

// Clone returns a deep copy safe to hand out as a snapshot.
func (s *ExamSession) Clone() *ExamSession {
	c := *s

	c.Answers = make(map[string]Answer, len(s.Answers))
	for k, v := range s.Answers {
		c.Answers[k] = v.clone()
	}
	c.Flags = append([]ProctoringFlag(nil), s.Flags...)

	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	if s.Score != nil {
		v := *s.Score
		c.Score = &v
	}
	if s.Passed != nil {
		v := *s.Passed
		c.Passed = &v
	}
	if s.Audit != nil {
		a := s.Audit.clone()
		c.Audit = &a
	}
	return &c
}

// CandidateView hides audit data from the candidate-facing snapshot.
func (s *ExamSession) CandidateView() *ExamSession {
	c := s.Clone()
	c.Audit = nil
	return c
}

// Result is the candidate-facing verdict of a completed session.
type Result struct {
	SessionID   string    `json:"session_id"`
	ExamID      string    `json:"exam_id"`
	Score       int       `json:"score"`
	Passed      bool      `json:"passed"`
	CompletedAt time.Time `json:"completed_at"`
}

// Result returns the verdict, or false while the session is not completed.
func (s *ExamSession) Result() (Result, bool) {
	if s.Status != SessionStatusCompleted || s.Score == nil || s.Passed == nil || s.CompletedAt == nil {
		return Result{}, false
	}
	return Result{
		SessionID:   s.ID,
		ExamID:      s.ExamID,
		Score:       *s.Score,
		Passed:      *s.Passed,
		CompletedAt: *s.CompletedAt,
	}, true
}
