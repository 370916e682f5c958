package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// DefaultGradingTimeout bounds a single open-ended grading call.
const DefaultGradingTimeout = 60 * time.Second

// GradeRequest is what the grading collaborator receives for one open-ended answer.
type GradeRequest struct {
	QuestionID   string
	QuestionText string
	AnswerText   string
	Context      string
}

// GradeResponse is the collaborator's verdict; Score is on a 0-100 scale.
type GradeResponse struct {
	Score    float64 `json:"score"`
	Feedback string  `json:"feedback"`
}

// Grader scores free-text answers. Implementations may be slow or fail.
type Grader interface {
	Grade(ctx context.Context, req GradeRequest) (GradeResponse, error)
}

// Scorer turns frozen answers into a verdict. It never fails.
type Scorer interface {
	Score(ctx context.Context, exam *model.Exam, answers map[string]model.Answer) model.ScoreResult
}

// ScoringEngine computes the percentage score of a submission. Multiple-choice
// questions are binary; open-ended questions are graded concurrently and a
// failed or slow grade counts as zero.
type ScoringEngine struct {
	grader      Grader
	timeout     time.Duration
	concurrency int
	log         zerolog.Logger
}

// NewScoringEngine creates a scoring engine. A nil grader degrades every
// open-ended question.
func NewScoringEngine(grader Grader, timeout time.Duration, concurrency int, log zerolog.Logger) *ScoringEngine {
	if timeout <= 0 {
		timeout = DefaultGradingTimeout
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &ScoringEngine{
		grader:      grader,
		timeout:     timeout,
		concurrency: concurrency,
		log:         log.With().Str("component", "scoring").Logger(),
	}
}

type subScore struct {
	value    float64
	feedback string
	degraded *model.DegradedQuestion
}

// Score walks the exam in question order. It returns once every grading call
// has resolved or timed out.
func (e *ScoringEngine) Score(ctx context.Context, exam *model.Exam, answers map[string]model.Answer) model.ScoreResult {
	ctx, span := tracing.Tracer.Start(ctx, "ScoringEngine.Score")
	defer span.End()
	span.SetAttributes(
		attribute.String("exam.id", exam.ID),
		attribute.Int("exam.questions", len(exam.Questions)),
	)

	if len(exam.Questions) == 0 {
		return model.ScoreResult{Score: 0, Passed: 0 >= exam.PassMark}
	}

	scores := make([]subScore, len(exam.Questions))

	var g errgroup.Group
	g.SetLimit(e.concurrency)

	for i, q := range exam.Questions {
		answer, ok := answers[q.ID]
		if !ok {
			answer = model.Unanswered(q)
		}

		switch q.Kind {
		case model.QuestionKindMultipleChoice:
			scores[i] = subScore{value: scoreMultipleChoice(q, answer)}
		case model.QuestionKindOpenEnded:
			g.Go(func() error {
				scores[i] = e.gradeOpenEnded(ctx, exam, q, answer)
				return nil
			})
		default:
			// Unreachable for validated exams.
			scores[i] = subScore{degraded: &model.DegradedQuestion{
				QuestionID: q.ID,
				Reason:     model.DegradationFailure,
				Detail:     fmt.Sprintf("unknown question kind %q", q.Kind),
			}}
		}
	}
	_ = g.Wait()

	result := model.ScoreResult{}
	var sum float64
	for i, s := range scores {
		sum += s.value
		if s.degraded != nil {
			result.Degraded = append(result.Degraded, *s.degraded)
		}
		if s.feedback != "" {
			if result.Feedback == nil {
				result.Feedback = make(map[string]string)
			}
			result.Feedback[exam.Questions[i].ID] = s.feedback
		}
	}

	result.Score = int(math.Round(100 * sum / float64(len(exam.Questions))))
	result.Passed = result.Score >= exam.PassMark

	span.SetAttributes(
		attribute.Int("score", result.Score),
		attribute.Int("degraded", len(result.Degraded)),
	)
	return result
}

func scoreMultipleChoice(q model.Question, a model.Answer) float64 {
	if a.Kind != model.QuestionKindMultipleChoice || a.SelectedOptionIndex == nil {
		return 0
	}
	if *a.SelectedOptionIndex == q.CorrectAnswerIndex {
		return 1
	}
	return 0
}

func (e *ScoringEngine) gradeOpenEnded(ctx context.Context, exam *model.Exam, q model.Question, a model.Answer) subScore {
	ctx, span := tracing.Tracer.Start(ctx, "ScoringEngine.grade")
	defer span.End()
	span.SetAttributes(attribute.String("question.id", q.ID))

	start := time.Now()
	resp, err := e.grade(ctx, GradeRequest{
		QuestionID:   q.ID,
		QuestionText: q.Text,
		AnswerText:   a.Text,
		Context:      exam.JobContext,
	})
	metrics.GradingDuration.Observe(time.Since(start).Seconds())

	if err == nil && (math.IsNaN(resp.Score) || math.IsInf(resp.Score, 0)) {
		err = fmt.Errorf("%w: grade %v is not a number", ErrGradingFailure, resp.Score)
	}
	if err != nil {
		reason := model.DegradationFailure
		outcome := "failure"
		if errors.Is(err, ErrGradingTimeout) {
			reason = model.DegradationTimeout
			outcome = "timeout"
		}
		metrics.GradingRequests.WithLabelValues(outcome).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)

		e.log.Warn().Err(err).
			Str("exam_id", exam.ID).
			Str("question_id", q.ID).
			Str("reason", string(reason)).
			Msg("Open-ended grading degraded to zero")

		return subScore{degraded: &model.DegradedQuestion{
			QuestionID: q.ID,
			Reason:     reason,
			Detail:     err.Error(),
		}}
	}

	metrics.GradingRequests.WithLabelValues("ok").Inc()
	grade := math.Max(0, math.Min(100, resp.Score))
	return subScore{value: grade / 100, feedback: resp.Feedback}
}

// grade calls the collaborator under the per-question timeout. The call runs
// in its own goroutine so a grader that ignores ctx still cannot stall scoring.
func (e *ScoringEngine) grade(ctx context.Context, req GradeRequest) (GradeResponse, error) {
	if e.grader == nil {
		return GradeResponse{}, fmt.Errorf("%w: no grader configured", ErrGradingFailure)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		resp GradeResponse
		err  error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: grader panicked: %v", ErrGradingFailure, r)}
			}
		}()
		resp, err := e.grader.Grade(ctx, req)
		done <- outcome{resp: resp, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if errors.Is(out.err, context.DeadlineExceeded) {
				return GradeResponse{}, fmt.Errorf("%w: %v", ErrGradingTimeout, out.err)
			}
			if errors.Is(out.err, ErrGradingTimeout) || errors.Is(out.err, ErrGradingFailure) {
				return GradeResponse{}, out.err
			}
			return GradeResponse{}, fmt.Errorf("%w: %v", ErrGradingFailure, out.err)
		}
		return out.resp, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return GradeResponse{}, fmt.Errorf("%w after %s", ErrGradingTimeout, e.timeout)
		}
		return GradeResponse{}, fmt.Errorf("%w: %v", ErrGradingFailure, ctx.Err())
	}
}
