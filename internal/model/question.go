package model

// QuestionKind discriminates the closed set of question variants.
type QuestionKind string

const (
	QuestionKindMultipleChoice QuestionKind = "multiple_choice"
	QuestionKindOpenEnded      QuestionKind = "open_ended"
)

// Valid reports whether k is one of the known question kinds.
func (k QuestionKind) Valid() bool {
	switch k {
	case QuestionKindMultipleChoice, QuestionKindOpenEnded:
		return true
	default:
		return false
	}
}

// Question is a single exam question. Options and CorrectAnswerIndex are only
// meaningful for multiple-choice questions; open-ended questions are graded
// by the external grading collaborator.
type Question struct {
	ID                 string       `json:"id"`
	Kind               QuestionKind `json:"kind"`
	Text               string       `json:"text"`
	Options            []string     `json:"options,omitempty"`
	CorrectAnswerIndex int          `json:"correct_answer_index"`
}

// QuestionForCandidate is a question without the correct answer, sent to candidates.
type QuestionForCandidate struct {
	ID      string       `json:"id"`
	Kind    QuestionKind `json:"kind"`
	Text    string       `json:"text"`
	Options []string     `json:"options,omitempty"`
}

// ForCandidate strips the answer key.
func (q Question) ForCandidate() QuestionForCandidate {
	return QuestionForCandidate{
		ID:      q.ID,
		Kind:    q.Kind,
		Text:    q.Text,
		Options: append([]string(nil), q.Options...),
	}
}
