package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ExamSource returns exam definitions by id.
type ExamSource interface {
	GetByID(ctx context.Context, examID string) (*model.Exam, error)
}

// SessionStore loads sessions for the session registry. Answer drafts still
// waiting in the Redis autosave hash take precedence over persisted rows.
type SessionStore struct {
	sessions *ExamSessionRepository
	exams    ExamSource
	rdb      *redis.Client
	log      zerolog.Logger
}

// NewSessionStore creates a SessionStore.
func NewSessionStore(sessions *ExamSessionRepository, exams ExamSource, rdb *redis.Client, log zerolog.Logger) *SessionStore {
	return &SessionStore{
		sessions: sessions,
		exams:    exams,
		rdb:      rdb,
		log:      log.With().Str("component", "session_store").Logger(),
	}
}

// LoadSession returns the session with autosaved drafts merged in.
func (s *SessionStore) LoadSession(ctx context.Context, sessionID string) (*model.ExamSession, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != model.SessionStatusInProgress {
		return session, nil
	}

	drafts, err := s.rdb.HGetAll(ctx, config.CacheKey.SessionAnswersKey(session.ID)).Result()
	if err != nil {
		// Persisted answers are still a consistent, if older, view.
		s.log.Warn().Err(err).Str("session_id", session.ID).Msg("Could not read autosaved drafts")
		return session, nil
	}
	for questionID, raw := range drafts {
		var a model.Answer
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			s.log.Warn().Err(err).Str("question_id", questionID).Msg("Discarding malformed draft")
			continue
		}
		session.Answers[questionID] = a
	}
	return session, nil
}

// LoadExam returns the exam with its questions.
func (s *SessionStore) LoadExam(ctx context.Context, examID string) (*model.Exam, error) {
	exam, err := s.exams.GetByID(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("exam %s: %w", examID, err)
	}
	return exam, nil
}

// RecordStart persists the in_progress transition.
func (s *SessionStore) RecordStart(ctx context.Context, session *model.ExamSession) error {
	return s.sessions.MarkStarted(ctx, session)
}
