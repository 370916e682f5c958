package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ExamSessionRepository handles exam session data access.
type ExamSessionRepository struct {
	pool *pgxpool.Pool
}

// NewExamSessionRepository creates a new ExamSessionRepository.
func NewExamSessionRepository(pool *pgxpool.Pool) *ExamSessionRepository {
	return &ExamSessionRepository{pool: pool}
}

// GetByID retrieves a session with its persisted answers, flags and audit.
func (r *ExamSessionRepository) GetByID(ctx context.Context, id string) (*model.ExamSession, error) {
	sessionID, err := uuid.Parse(id)
	if err != nil {
		return nil, model.ErrSessionNotFound
	}

	var examID uuid.UUID
	s := &model.ExamSession{ID: sessionID.String(), Answers: map[string]model.Answer{}}
	err = r.pool.QueryRow(ctx,
		`SELECT exam_id, candidate_id, status, started_at, completed_at, score, passed
		 FROM exam_sessions WHERE id = $1`, sessionID,
	).Scan(&examID, &s.CandidateID, &s.Status, &s.StartedAt, &s.CompletedAt, &s.Score, &s.Passed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrSessionNotFound
		}
		return nil, err
	}
	s.ExamID = examID.String()

	if err := r.loadAnswers(ctx, sessionID, s); err != nil {
		return nil, fmt.Errorf("load answers: %w", err)
	}
	if err := r.loadFlags(ctx, sessionID, s); err != nil {
		return nil, fmt.Errorf("load flags: %w", err)
	}
	if s.Status == model.SessionStatusCompleted {
		if err := r.loadAudit(ctx, sessionID, s); err != nil {
			return nil, fmt.Errorf("load audit: %w", err)
		}
	}
	return s, nil
}

func (r *ExamSessionRepository) loadAnswers(ctx context.Context, sessionID uuid.UUID, s *model.ExamSession) error {
	rows, err := r.pool.Query(ctx,
		`SELECT question_id, kind, selected_option_index, answer_text
		 FROM session_answers WHERE session_id = $1`, sessionID,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			qid uuid.UUID
			a   model.Answer
		)
		if err := rows.Scan(&qid, &a.Kind, &a.SelectedOptionIndex, &a.Text); err != nil {
			return err
		}
		a.QuestionID = qid.String()
		s.Answers[a.QuestionID] = a
	}
	return rows.Err()
}

func (r *ExamSessionRepository) loadFlags(ctx context.Context, sessionID uuid.UUID, s *model.ExamSession) error {
	rows, err := r.pool.Query(ctx,
		`SELECT flag_type, details, flagged_at
		 FROM proctoring_flags WHERE session_id = $1
		 ORDER BY id`, sessionID,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var f model.ProctoringFlag
		if err := rows.Scan(&f.Type, &f.Details, &f.Timestamp); err != nil {
			return err
		}
		s.Flags = append(s.Flags, f)
	}
	return rows.Err()
}

func (r *ExamSessionRepository) loadAudit(ctx context.Context, sessionID uuid.UUID, s *model.ExamSession) error {
	var (
		audit    model.CompletionAudit
		degraded []byte
		feedback []byte
	)
	err := r.pool.QueryRow(ctx,
		`SELECT completion_trigger, degraded, feedback
		 FROM grading_audits WHERE session_id = $1`, sessionID,
	).Scan(&audit.Trigger, &degraded, &feedback)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return err
	}
	if err := json.Unmarshal(degraded, &audit.Degraded); err != nil {
		return err
	}
	if err := json.Unmarshal(feedback, &audit.Feedback); err != nil {
		return err
	}
	s.Audit = &audit
	return nil
}

// Create inserts a pending session for a candidate (assignment).
func (r *ExamSessionRepository) Create(ctx context.Context, s *model.ExamSession) error {
	examID, err := uuid.Parse(s.ExamID)
	if err != nil {
		return fmt.Errorf("invalid exam id %q: %w", s.ExamID, err)
	}

	var id uuid.UUID
	if err := r.pool.QueryRow(ctx,
		`INSERT INTO exam_sessions (exam_id, candidate_id, status)
		 VALUES ($1, $2, $3)
		 RETURNING id`,
		examID, s.CandidateID, model.SessionStatusPending,
	).Scan(&id); err != nil {
		return err
	}
	s.ID = id.String()
	return nil
}

// MarkStarted persists the in_progress transition. It only moves pending rows.
func (r *ExamSessionRepository) MarkStarted(ctx context.Context, s *model.ExamSession) error {
	sessionID, err := uuid.Parse(s.ID)
	if err != nil {
		return model.ErrSessionNotFound
	}
	_, err = r.pool.Exec(ctx,
		`UPDATE exam_sessions
		 SET status = $1, started_at = $2
		 WHERE id = $3 AND status = $4`,
		model.SessionStatusInProgress, s.StartedAt, sessionID, model.SessionStatusPending,
	)
	return err
}
