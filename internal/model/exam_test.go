package model

import (
	"errors"
	"testing"
	"time"
)

func validExam() *Exam {
	return &Exam{
		ID:    "exam-1",
		Title: "Backend Engineer Screening",
		Questions: []Question{
			{ID: "q1", Kind: QuestionKindMultipleChoice, Text: "2+2?", Options: []string{"3", "4"}, CorrectAnswerIndex: 1},
			{ID: "q2", Kind: QuestionKindOpenEnded, Text: "Explain a mutex."},
		},
		PassMark:         70,
		TimeLimitMinutes: 30,
	}
}

func TestExamValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(e *Exam)
		ok     bool
	}{
		{"valid", func(e *Exam) {}, true},
		{"no questions", func(e *Exam) { e.Questions = nil }, false},
		{"pass mark above 100", func(e *Exam) { e.PassMark = 101 }, false},
		{"negative pass mark", func(e *Exam) { e.PassMark = -1 }, false},
		{"zero time limit", func(e *Exam) { e.TimeLimitMinutes = 0 }, false},
		{"negative max flags", func(e *Exam) { e.MaxFlags = -2 }, false},
		{"mcq without options", func(e *Exam) { e.Questions[0].Options = nil }, false},
		{"mcq index out of range", func(e *Exam) { e.Questions[0].CorrectAnswerIndex = 2 }, false},
		{"unknown kind", func(e *Exam) { e.Questions[1].Kind = "essay" }, false},
		{"duplicate ids", func(e *Exam) { e.Questions[1].ID = "q1" }, false},
		{"empty id", func(e *Exam) { e.Questions[0].ID = "" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validExam()
			tt.mutate(e)
			err := e.Validate()
			if tt.ok && err != nil {
				t.Fatalf("expected valid exam, got %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidExam) {
				t.Fatalf("expected ErrInvalidExam, got %v", err)
			}
		})
	}
}

func TestExamPaperHidesAnswerKey(t *testing.T) {
	e := validExam()
	paper := e.Paper()

	if len(paper.Questions) != 2 {
		t.Fatalf("paper has %d questions, want 2", len(paper.Questions))
	}
	if paper.Questions[0].ID != "q1" || paper.Questions[1].ID != "q2" {
		t.Fatalf("paper does not keep exam order: %+v", paper.Questions)
	}
	if e.TimeLimit() != 30*time.Minute {
		t.Fatalf("time limit = %v", e.TimeLimit())
	}
}

func TestAnswerValidate(t *testing.T) {
	idx := 1
	tests := []struct {
		name string
		a    Answer
		want error
	}{
		{"mcq", MultipleChoiceAnswer("q1", 0), nil},
		{"mcq unanswered", Answer{QuestionID: "q1", Kind: QuestionKindMultipleChoice}, nil},
		{"open ended", OpenEndedAnswer("q2", "text"), nil},
		{"mcq with text", Answer{QuestionID: "q1", Kind: QuestionKindMultipleChoice, Text: "x"}, ErrKindMismatch},
		{"open ended with index", Answer{QuestionID: "q2", Kind: QuestionKindOpenEnded, SelectedOptionIndex: &idx}, ErrKindMismatch},
		{"unknown", Answer{QuestionID: "q3", Kind: "essay"}, ErrUnknownKind},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.a.Validate()
			if tt.want == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSessionCloneIsDeep(t *testing.T) {
	s := NewPendingSession("s1", "c1", "exam-1")
	s.Answers["q1"] = MultipleChoiceAnswer("q1", 2)
	s.Flags = append(s.Flags, ProctoringFlag{Type: FlagTypeNoFace})

	c := s.Clone()
	*c.Answers["q1"].SelectedOptionIndex = 0
	c.Flags[0].Type = FlagTypeTabSwitch

	if *s.Answers["q1"].SelectedOptionIndex != 2 {
		t.Fatal("clone shares answer index with original")
	}
	if s.Flags[0].Type != FlagTypeNoFace {
		t.Fatal("clone shares flag slice with original")
	}
}

func TestResultOnlyWhenCompleted(t *testing.T) {
	s := NewPendingSession("s1", "c1", "exam-1")
	if _, ok := s.Result(); ok {
		t.Fatal("pending session must not expose a result")
	}

	score, passed, now := 80, true, time.Now()
	s.Status = SessionStatusCompleted
	s.Score, s.Passed, s.CompletedAt = &score, &passed, &now
	s.Audit = &CompletionAudit{Trigger: TriggerManualSubmit}

	r, ok := s.Result()
	if !ok || r.Score != 80 || !r.Passed {
		t.Fatalf("unexpected result %+v ok=%v", r, ok)
	}
	if s.CandidateView().Audit != nil {
		t.Fatal("candidate view leaks audit data")
	}
}
