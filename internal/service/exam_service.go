package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

const defaultExamCacheTTL = 6 * time.Hour

// ExamReader is the PostgreSQL side of the exam cache.
type ExamReader interface {
	GetByID(ctx context.Context, examID string) (*model.Exam, error)
	ListOpenExamIDs(ctx context.Context) ([]string, error)
}

// ExamService serves exam definitions through a Redis read-through cache.
// Exams are immutable once sessions exist, so entries are only refreshed on expiry.
type ExamService struct {
	exams ExamReader
	rdb   *redis.Client
	ttl   time.Duration
	log   zerolog.Logger
}

// NewExamService creates a new ExamService. A zero ttl uses six hours.
func NewExamService(exams ExamReader, rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *ExamService {
	if ttl <= 0 {
		ttl = defaultExamCacheTTL
	}
	return &ExamService{
		exams: exams,
		rdb:   rdb,
		ttl:   ttl,
		log:   log.With().Str("component", "exam_service").Logger(),
	}
}

// GetByID returns the exam from Redis, falling back to PostgreSQL and
// caching the result. Cache failures never fail the lookup.
func (s *ExamService) GetByID(ctx context.Context, examID string) (*model.Exam, error) {
	key := config.CacheKey.ExamDefinitionKey(examID)

	data, err := s.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var exam model.Exam
		if err := json.Unmarshal(data, &exam); err == nil {
			return &exam, nil
		}
		s.log.Warn().Str("exam_id", examID).Msg("Discarding malformed cached exam")
	case !errors.Is(err, redis.Nil):
		s.log.Warn().Err(err).Str("exam_id", examID).Msg("Exam cache read failed")
	}

	exam, err := s.exams.GetByID(ctx, examID)
	if err != nil {
		return nil, err
	}
	if err := s.WarmExamCache(ctx, exam); err != nil {
		s.log.Warn().Err(err).Str("exam_id", examID).Msg("Exam cache write failed")
	}
	return exam, nil
}

// WarmExamCache stores exam in Redis.
func (s *ExamService) WarmExamCache(ctx context.Context, exam *model.Exam) error {
	payload, err := json.Marshal(exam)
	if err != nil {
		return fmt.Errorf("marshal exam: %w", err)
	}
	if err := s.rdb.Set(ctx, config.CacheKey.ExamDefinitionKey(exam.ID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("cache to redis: %w", err)
	}

	s.log.Debug().
		Str("exam_id", exam.ID).
		Int("questions", len(exam.Questions)).
		Msg("Cache warmed")
	return nil
}

// PrewarmOpenExams loads every exam with open sessions into Redis before
// the server accepts traffic.
func (s *ExamService) PrewarmOpenExams(ctx context.Context) error {
	ids, err := s.exams.ListOpenExamIDs(ctx)
	if err != nil {
		return fmt.Errorf("list open exams: %w", err)
	}

	if len(ids) == 0 {
		s.log.Info().Msg("No open exams to prewarm")
		return nil
	}

	s.log.Info().Int("count", len(ids)).Msg("Prewarming open exams...")

	warmed := 0
	for _, id := range ids {
		exam, err := s.exams.GetByID(ctx, id)
		if err == nil {
			err = s.WarmExamCache(ctx, exam)
		}
		if err != nil {
			s.log.Warn().Err(err).Str("exam_id", id).Msg("Failed to warm exam, skipping")
			continue
		}
		warmed++
	}

	s.log.Info().
		Int("warmed", warmed).
		Int("total", len(ids)).
		Msg("Prewarming complete")
	return nil
}
