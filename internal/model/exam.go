package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidExam is returned when an exam definition cannot be administered.
var ErrInvalidExam = errors.New("invalid exam")

// Exam is an immutable exam definition. Question order defines scoring and
// navigation order.
type Exam struct {
	ID               string     `json:"id"`
	Title            string     `json:"title"`
	JobContext       string     `json:"job_context,omitempty"`
	Questions        []Question `json:"questions"`
	PassMark         int        `json:"pass_mark"`
	TimeLimitMinutes int        `json:"time_limit_minutes"`
	// MaxFlags forces completion once this many flags were accepted. Zero disables it.
	MaxFlags int `json:"max_flags"`
}

// Validate rejects exams that cannot be started or scored.
func (e *Exam) Validate() error {
	if len(e.Questions) == 0 {
		return fmt.Errorf("%w: exam has no questions", ErrInvalidExam)
	}
	if e.PassMark < 0 || e.PassMark > 100 {
		return fmt.Errorf("%w: pass mark %d outside 0-100", ErrInvalidExam, e.PassMark)
	}
	if e.TimeLimitMinutes <= 0 {
		return fmt.Errorf("%w: time limit must be positive", ErrInvalidExam)
	}
	if e.MaxFlags < 0 {
		return fmt.Errorf("%w: max flags must not be negative", ErrInvalidExam)
	}

	seen := make(map[string]struct{}, len(e.Questions))
	for i, q := range e.Questions {
		if q.ID == "" {
			return fmt.Errorf("%w: question %d has no id", ErrInvalidExam, i)
		}
		if _, dup := seen[q.ID]; dup {
			return fmt.Errorf("%w: duplicate question id %q", ErrInvalidExam, q.ID)
		}
		seen[q.ID] = struct{}{}

		switch q.Kind {
		case QuestionKindMultipleChoice:
			if len(q.Options) == 0 {
				return fmt.Errorf("%w: question %q has no options", ErrInvalidExam, q.ID)
			}
			if q.CorrectAnswerIndex < 0 || q.CorrectAnswerIndex >= len(q.Options) {
				return fmt.Errorf("%w: question %q correct index %d out of range", ErrInvalidExam, q.ID, q.CorrectAnswerIndex)
			}
		case QuestionKindOpenEnded:
		default:
			return fmt.Errorf("%w: question %q has unknown kind %q", ErrInvalidExam, q.ID, q.Kind)
		}
	}
	return nil
}

// Question looks up a question by id.
func (e *Exam) Question(id string) (Question, bool) {
	for _, q := range e.Questions {
		if q.ID == id {
			return q, true
		}
	}
	return Question{}, false
}

// TimeLimit returns the countdown duration of a session of this exam.
func (e *Exam) TimeLimit() time.Duration {
	return time.Duration(e.TimeLimitMinutes) * time.Minute
}

// ExamPaper is the payload sent to candidates (no correct answers).
type ExamPaper struct {
	ExamID           string                 `json:"exam_id"`
	Title            string                 `json:"title"`
	TimeLimitMinutes int                    `json:"time_limit_minutes"`
	Questions        []QuestionForCandidate `json:"questions"`
}

// Paper builds the candidate-facing view of the exam.
func (e *Exam) Paper() ExamPaper {
	questions := make([]QuestionForCandidate, 0, len(e.Questions))
	for _, q := range e.Questions {
		questions = append(questions, q.ForCandidate())
	}
	return ExamPaper{
		ExamID:           e.ID,
		Title:            e.Title,
		TimeLimitMinutes: e.TimeLimitMinutes,
		Questions:        questions,
	}
}
