package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// AnswerWorker consumes persist_answers_queue and UPSERTs answer drafts to PostgreSQL.
type AnswerWorker struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
	log  zerolog.Logger
}

// NewAnswerWorker creates a new AnswerWorker.
func NewAnswerWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *AnswerWorker {
	return &AnswerWorker{
		pool: pool,
		rdb:  rdb,
		log:  log.With().Str("component", "answer_worker").Logger(),
	}
}

// Start begins the worker loop. Call in a goroutine.
func (w *AnswerWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.drain(drainCtx)
			cancel()
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *AnswerWorker) processNext(ctx context.Context) {
	result, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistAnswersQueue).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("BLPop error")
			sleepCtx(ctx, time.Second)
		}
		return
	}

	if len(result) < 2 {
		return
	}

	var entry model.AnswerDraftEntry
	if err := json.Unmarshal([]byte(result[1]), &entry); err != nil {
		w.log.Error().Err(err).Msg("Unmarshal error")
		return
	}

	if err := w.persistAnswer(ctx, &entry); err != nil {
		if errors.Is(err, errInvalidID) {
			w.log.Error().Err(err).Str("session_id", entry.SessionID).Msg("Dropping draft")
			return
		}
		w.log.Error().Err(err).
			Str("session_id", entry.SessionID).
			Str("question_id", entry.Answer.QuestionID).
			Msg("Persist error, retrying in 5s")
		w.rdb.RPush(context.WithoutCancel(ctx), config.WorkerKey.PersistAnswersQueue, result[1])
		sleepCtx(ctx, 5*time.Second)
	}
}

var errInvalidID = errors.New("invalid id")

// persistAnswer UPSERTs one draft. Older drafts never overwrite newer rows.
func (w *AnswerWorker) persistAnswer(ctx context.Context, e *model.AnswerDraftEntry) error {
	sessionID, err := uuid.Parse(e.SessionID)
	if err != nil {
		return errors.Join(errInvalidID, err)
	}
	questionID, err := uuid.Parse(e.Answer.QuestionID)
	if err != nil {
		return errors.Join(errInvalidID, err)
	}

	savedAt := e.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}

	_, err = w.pool.Exec(ctx,
		`INSERT INTO session_answers (session_id, question_id, kind, selected_option_index, answer_text, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (session_id, question_id) DO UPDATE
		 SET kind = EXCLUDED.kind,
		     selected_option_index = EXCLUDED.selected_option_index,
		     answer_text = EXCLUDED.answer_text,
		     updated_at = EXCLUDED.updated_at
		 WHERE session_answers.updated_at <= EXCLUDED.updated_at`,
		sessionID, questionID, string(e.Answer.Kind), e.Answer.SelectedOptionIndex, e.Answer.Text, savedAt,
	)
	return err
}

// drain processes remaining items in the queue before shutdown.
func (w *AnswerWorker) drain(ctx context.Context) {
	drained := 0
	for ctx.Err() == nil {
		raw, err := w.rdb.LPop(ctx, config.WorkerKey.PersistAnswersQueue).Result()
		if err != nil {
			break
		}

		var entry model.AnswerDraftEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			w.log.Error().Err(err).Msg("Drain unmarshal error")
			continue
		}

		if err := w.persistAnswer(ctx, &entry); err != nil {
			if errors.Is(err, errInvalidID) {
				continue
			}
			w.log.Error().Err(err).Msg("Drain persist error")
			w.rdb.RPush(context.WithoutCancel(ctx), config.WorkerKey.PersistAnswersQueue, raw)
			break
		}
		drained++
	}

	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
}
