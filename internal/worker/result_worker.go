package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ResultWorker persists completed sessions: verdict, audit trail and final answers.
type ResultWorker struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
	log  zerolog.Logger
}

func NewResultWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *ResultWorker {
	return &ResultWorker{
		pool: pool,
		rdb:  rdb,
		log:  log.With().Str("component", "result_worker").Logger(),
	}
}

// ----------------------------------------------------------------
// Worker loop with batching
// ----------------------------------------------------------------

func (w *ResultWorker) Start(ctx context.Context) {
	w.log.Info().Msg("ResultWorker started")

	batch := make([]*model.ExamSession, 0, BatchSize)
	lastFlush := time.Now()

	for {
		if len(batch) > 0 &&
			(len(batch) >= BatchSize || time.Since(lastFlush) >= BatchTimeout) {
			w.flushSafe(ctx, batch)
			batch = batch[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.log.Info().Msg("Shutdown requested. Flushing remaining batch...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.flushSafe(shutdownCtx, batch)
			cancel()
			return

		default:
			item, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistResultsQueue).Result()
			if err != nil {
				if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
					w.log.Error().Err(err).Msg("BLPop error")
					sleepCtx(ctx, time.Second)
				}
				continue
			}

			if len(item) < 2 {
				continue
			}

			var s model.ExamSession
			if err := json.Unmarshal([]byte(item[1]), &s); err != nil {
				w.log.Error().Err(err).Msg("Invalid JSON payload")
				continue
			}
			if s.Status != model.SessionStatusCompleted || s.Score == nil || s.Passed == nil {
				w.log.Error().Str("session_id", s.ID).Msg("Discarding incomplete result")
				continue
			}

			batch = append(batch, &s)
		}
	}
}

// ----------------------------------------------------------------
// Batch persistence wrapper
// ----------------------------------------------------------------

func (w *ResultWorker) flushSafe(ctx context.Context, batch []*model.ExamSession) {
	if len(batch) == 0 {
		return
	}

	if err := w.persistBatch(ctx, batch); err != nil {
		w.log.Warn().Err(err).Int("count", len(batch)).Msg("bulk result persist failed, using fallback")

		failed := make([]*model.ExamSession, 0)
		done := make([]*model.ExamSession, 0, len(batch))
		for _, s := range batch {
			if err := w.persistBatch(ctx, []*model.ExamSession{s}); err != nil {
				if errors.Is(err, errInvalidID) {
					w.log.Error().Err(err).Str("session_id", s.ID).Msg("Dropping result with invalid id")
					continue
				}
				w.log.Error().Err(err).Str("session_id", s.ID).Msg("persist failed, requeueing")
				failed = append(failed, s)
				continue
			}
			done = append(done, s)
		}
		if len(failed) > 0 {
			requeue(ctx, w.rdb, w.log, config.WorkerKey.PersistResultsQueue, failed)
		}
		w.clearDrafts(ctx, done)
		return
	}

	w.clearDrafts(ctx, batch)
}

// persistBatch writes every session of batch in one transaction.
func (w *ResultWorker) persistBatch(ctx context.Context, batch []*model.ExamSession) error {
	n := len(batch)
	ids := make([]uuid.UUID, 0, n)
	scores := make([]int32, 0, n)
	passed := make([]bool, 0, n)
	completedAts := make([]time.Time, 0, n)
	triggers := make([]string, 0, n)
	degraded := make([]string, 0, n)
	feedback := make([]string, 0, n)

	answers := &pgx.Batch{}
	for _, s := range batch {
		id, err := uuid.Parse(s.ID)
		if err != nil {
			return errors.Join(errInvalidID, err)
		}
		completedAt := time.Now()
		if s.CompletedAt != nil {
			completedAt = *s.CompletedAt
		}

		audit := model.CompletionAudit{}
		if s.Audit != nil {
			audit = *s.Audit
		}
		if audit.Degraded == nil {
			audit.Degraded = []model.DegradedQuestion{}
		}
		if audit.Feedback == nil {
			audit.Feedback = map[string]string{}
		}
		degradedJSON, err := json.Marshal(audit.Degraded)
		if err != nil {
			return err
		}
		feedbackJSON, err := json.Marshal(audit.Feedback)
		if err != nil {
			return err
		}

		ids = append(ids, id)
		scores = append(scores, int32(*s.Score))
		passed = append(passed, *s.Passed)
		completedAts = append(completedAts, completedAt)
		triggers = append(triggers, string(audit.Trigger))
		degraded = append(degraded, string(degradedJSON))
		feedback = append(feedback, string(feedbackJSON))

		for _, a := range s.Answers {
			questionID, err := uuid.Parse(a.QuestionID)
			if err != nil {
				return errors.Join(errInvalidID, err)
			}
			answers.Queue(
				`INSERT INTO session_answers (session_id, question_id, kind, selected_option_index, answer_text, updated_at)
				 VALUES ($1, $2, $3, $4, $5, $6)
				 ON CONFLICT (session_id, question_id) DO UPDATE
				 SET kind = EXCLUDED.kind,
				     selected_option_index = EXCLUDED.selected_option_index,
				     answer_text = EXCLUDED.answer_text,
				     updated_at = EXCLUDED.updated_at`,
				id, questionID, string(a.Kind), a.SelectedOptionIndex, a.Text, completedAt,
			)
		}
	}

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE exam_sessions AS s
		SET status = 'completed',
		    score = t.score,
		    passed = t.passed,
		    completed_at = t.completed_at
		FROM (
			SELECT u.id, u.score, u.passed, u.completed_at
			FROM UNNEST(
				$1::uuid[],
				$2::int[],
				$3::bool[],
				$4::timestamptz[]
			) AS u (id, score, passed, completed_at)
		) AS t
		WHERE s.id = t.id
		  AND s.status <> 'completed'`,
		ids, scores, passed, completedAts,
	)
	if err != nil {
		return fmt.Errorf("update sessions: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO grading_audits (session_id, completion_trigger, degraded, feedback)
		SELECT u.id, u.trigger, u.degraded::jsonb, u.feedback::jsonb
		FROM UNNEST(
			$1::uuid[],
			$2::text[],
			$3::text[],
			$4::text[]
		) AS u (id, trigger, degraded, feedback)
		ON CONFLICT (session_id) DO NOTHING`,
		ids, triggers, degraded, feedback,
	)
	if err != nil {
		return fmt.Errorf("insert audits: %w", err)
	}

	if answers.Len() > 0 {
		if err := tx.SendBatch(ctx, answers).Close(); err != nil {
			return fmt.Errorf("upsert answers: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// clearDrafts deletes autosave buffers once the final answers are durable.
func (w *ResultWorker) clearDrafts(ctx context.Context, sessions []*model.ExamSession) {
	if len(sessions) == 0 {
		return
	}
	pipe := w.rdb.Pipeline()
	for _, s := range sessions {
		pipe.Del(ctx, config.CacheKey.SessionAnswersKey(s.ID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Warn().Err(err).Msg("Failed to clear autosaved drafts")
	}
}
