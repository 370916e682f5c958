package model

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownKind is returned for answers whose kind is not a known QuestionKind.
	ErrUnknownKind = errors.New("unknown answer kind")
	// ErrKindMismatch is returned when an answer's payload or kind does not match its question.
	ErrKindMismatch = errors.New("answer kind mismatch")
)

// Answer is the draft answer to one question. It is a tagged union on Kind:
// multiple-choice answers use SelectedOptionIndex (nil = unanswered),
// open-ended answers use Text (empty = unanswered).
type Answer struct {
	QuestionID          string       `json:"question_id"`
	Kind                QuestionKind `json:"kind"`
	SelectedOptionIndex *int         `json:"selected_option_index,omitempty"`
	Text                string       `json:"text,omitempty"`
}

// Unanswered returns the default draft for q.
func Unanswered(q Question) Answer {
	return Answer{QuestionID: q.ID, Kind: q.Kind}
}

// MultipleChoiceAnswer builds a multiple-choice answer selecting index.
func MultipleChoiceAnswer(questionID string, index int) Answer {
	return Answer{QuestionID: questionID, Kind: QuestionKindMultipleChoice, SelectedOptionIndex: &index}
}

// OpenEndedAnswer builds an open-ended answer.
func OpenEndedAnswer(questionID, text string) Answer {
	return Answer{QuestionID: questionID, Kind: QuestionKindOpenEnded, Text: text}
}

// Validate checks the variant's shape; it does not consult the exam.
func (a Answer) Validate() error {
	switch a.Kind {
	case QuestionKindMultipleChoice:
		if a.Text != "" {
			return fmt.Errorf("%w: multiple-choice answer carries text", ErrKindMismatch)
		}
	case QuestionKindOpenEnded:
		if a.SelectedOptionIndex != nil {
			return fmt.Errorf("%w: open-ended answer carries an option index", ErrKindMismatch)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, a.Kind)
	}
	return nil
}

// Answered reports whether the candidate supplied anything.
func (a Answer) Answered() bool {
	switch a.Kind {
	case QuestionKindMultipleChoice:
		return a.SelectedOptionIndex != nil
	case QuestionKindOpenEnded:
		return a.Text != ""
	default:
		return false
	}
}

func (a Answer) clone() Answer {
	if a.SelectedOptionIndex != nil {
		idx := *a.SelectedOptionIndex
		a.SelectedOptionIndex = &idx
	}
	return a
}
