package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// SessionSummary is one row of the proctor's live monitor.
type SessionSummary struct {
	SessionID     string              `json:"session_id"`
	CandidateID   string              `json:"candidate_id"`
	Status        model.SessionStatus `json:"status"`
	StartedAt     *time.Time          `json:"started_at,omitempty"`
	CompletedAt   *time.Time          `json:"completed_at,omitempty"`
	Score         *int                `json:"score,omitempty"`
	Passed        *bool               `json:"passed,omitempty"`
	AnsweredCount int64               `json:"answered_count"`
	FlagCount     int64               `json:"flag_count"`
}

// MonitorRepository provides data access for the live exam monitoring feature.
type MonitorRepository struct {
	pool *pgxpool.Pool
}

// NewMonitorRepository creates a new MonitorRepository.
func NewMonitorRepository(pool *pgxpool.Pool) *MonitorRepository {
	return &MonitorRepository{pool: pool}
}

// ListSessions returns every session assigned to the exam.
func (r *MonitorRepository) ListSessions(ctx context.Context, examID string) ([]SessionSummary, error) {
	id, err := uuid.Parse(examID)
	if err != nil {
		return nil, ErrExamNotFound
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, candidate_id, status, started_at, completed_at, score, passed
		 FROM exam_sessions WHERE exam_id = $1
		 ORDER BY created_at`, id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []SessionSummary
	for rows.Next() {
		var (
			s   SessionSummary
			sid uuid.UUID
		)
		if err := rows.Scan(&sid, &s.CandidateID, &s.Status, &s.StartedAt, &s.CompletedAt, &s.Score, &s.Passed); err != nil {
			return nil, err
		}
		s.SessionID = sid.String()
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// GetAnsweredCounts returns the number of answered questions per session of the exam.
func (r *MonitorRepository) GetAnsweredCounts(ctx context.Context, examID string) (map[string]int64, error) {
	return r.countBySession(ctx, examID,
		`SELECT a.session_id, COUNT(*)
		 FROM session_answers a
		 JOIN exam_sessions s ON s.id = a.session_id
		 WHERE s.exam_id = $1
		   AND (a.selected_option_index IS NOT NULL OR a.answer_text <> '')
		 GROUP BY a.session_id`)
}

// GetFlagCounts returns the number of accepted proctoring flags per session of the exam.
func (r *MonitorRepository) GetFlagCounts(ctx context.Context, examID string) (map[string]int64, error) {
	return r.countBySession(ctx, examID,
		`SELECT f.session_id, COUNT(*)
		 FROM proctoring_flags f
		 JOIN exam_sessions s ON s.id = f.session_id
		 WHERE s.exam_id = $1
		 GROUP BY f.session_id`)
}

func (r *MonitorRepository) countBySession(ctx context.Context, examID, query string) (map[string]int64, error) {
	id, err := uuid.Parse(examID)
	if err != nil {
		return nil, ErrExamNotFound
	}

	rows, err := r.pool.Query(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			sid   uuid.UUID
			count int64
		)
		if err := rows.Scan(&sid, &count); err != nil {
			return nil, err
		}
		counts[sid.String()] = count
	}
	return counts, rows.Err()
}
