package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ErrExamNotFound is returned when no exam has the requested id.
var ErrExamNotFound = errors.New("exam not found")

// ExamRepository handles exam data access.
type ExamRepository struct {
	pool *pgxpool.Pool
}

// NewExamRepository creates a new ExamRepository.
func NewExamRepository(pool *pgxpool.Pool) *ExamRepository {
	return &ExamRepository{pool: pool}
}

// GetByID retrieves an exam with its questions in exam order.
func (r *ExamRepository) GetByID(ctx context.Context, id string) (*model.Exam, error) {
	examID, err := uuid.Parse(id)
	if err != nil {
		return nil, ErrExamNotFound
	}

	var dbID uuid.UUID
	e := &model.Exam{}
	err = r.pool.QueryRow(ctx,
		`SELECT id, title, job_context, pass_mark, time_limit_minutes, max_flags
		 FROM exams WHERE id = $1`, examID,
	).Scan(&dbID, &e.Title, &e.JobContext, &e.PassMark, &e.TimeLimitMinutes, &e.MaxFlags)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrExamNotFound
		}
		return nil, err
	}
	e.ID = dbID.String()

	questions, err := r.listQuestions(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	e.Questions = questions
	return e, nil
}

func (r *ExamRepository) listQuestions(ctx context.Context, examID uuid.UUID) ([]model.Question, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, kind, question_text, options, correct_answer_index
		 FROM questions WHERE exam_id = $1
		 ORDER BY position`, examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var questions []model.Question
	for rows.Next() {
		var (
			q  model.Question
			id uuid.UUID
		)
		if err := rows.Scan(&id, &q.Kind, &q.Text, &q.Options, &q.CorrectAnswerIndex); err != nil {
			return nil, err
		}
		q.ID = id.String()
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// Create inserts an exam and its questions in one transaction. Ids are
// assigned by the database and written back into e.
func (r *ExamRepository) Create(ctx context.Context, e *model.Exam) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var examID uuid.UUID
	if err := tx.QueryRow(ctx,
		`INSERT INTO exams (title, job_context, pass_mark, time_limit_minutes, max_flags)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		e.Title, e.JobContext, e.PassMark, e.TimeLimitMinutes, e.MaxFlags,
	).Scan(&examID); err != nil {
		return fmt.Errorf("insert exam: %w", err)
	}

	for i := range e.Questions {
		q := &e.Questions[i]
		options := q.Options
		if options == nil {
			options = []string{}
		}

		var questionID uuid.UUID
		if err := tx.QueryRow(ctx,
			`INSERT INTO questions (exam_id, position, kind, question_text, options, correct_answer_index)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 RETURNING id`,
			examID, i, q.Kind, q.Text, options, q.CorrectAnswerIndex,
		).Scan(&questionID); err != nil {
			return fmt.Errorf("insert question %d: %w", i, err)
		}
		q.ID = questionID.String()
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	e.ID = examID.String()
	return nil
}

// ListOpenExamIDs returns exams that still have pending or in-progress sessions.
func (r *ExamRepository) ListOpenExamIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT exam_id FROM exam_sessions WHERE status <> 'completed'`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id.String())
	}
	return ids, rows.Err()
}
