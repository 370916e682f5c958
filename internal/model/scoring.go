package model

// DegradationReason explains why an open-ended question scored zero without a grade.
type DegradationReason string

const (
	DegradationTimeout DegradationReason = "timeout"
	DegradationFailure DegradationReason = "failure"
)

// DegradedQuestion is an audit entry for a question whose grading failed.
type DegradedQuestion struct {
	QuestionID string            `json:"question_id"`
	Reason     DegradationReason `json:"reason"`
	Detail     string            `json:"detail,omitempty"`
}

// ScoreResult is the output of the scoring engine.
type ScoreResult struct {
	Score    int                `json:"score"`
	Passed   bool               `json:"passed"`
	Degraded []DegradedQuestion `json:"degraded,omitempty"`
	// Feedback holds grading collaborator feedback keyed by question id.
	Feedback map[string]string `json:"feedback,omitempty"`
}

// CompletionAudit is the audit trail stored on a completed session.
type CompletionAudit struct {
	Trigger  Trigger            `json:"trigger"`
	Degraded []DegradedQuestion `json:"degraded,omitempty"`
	Feedback map[string]string  `json:"feedback,omitempty"`
}

func (a CompletionAudit) clone() CompletionAudit {
	c := a
	c.Degraded = append([]DegradedQuestion(nil), a.Degraded...)
	if a.Feedback != nil {
		c.Feedback = make(map[string]string, len(a.Feedback))
		for k, v := range a.Feedback {
			c.Feedback[k] = v
		}
	}
	return c
}
