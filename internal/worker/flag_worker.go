package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

// FlagWorker drains persist_flags_queue into the proctoring_flags table.
type FlagWorker struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
	log  zerolog.Logger
}

func NewFlagWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *FlagWorker {
	return &FlagWorker{
		pool: pool,
		rdb:  rdb,
		log:  log.With().Str("component", "flag_worker").Logger(),
	}
}

func (w *FlagWorker) Start(ctx context.Context) {
	w.log.Info().Msg("FlagWorker started")

	buffer := make([]*model.FlagLogEntry, 0, BatchSize)
	lastFlushTime := time.Now()

	for {
		if len(buffer) > 0 {
			if len(buffer) >= BatchSize || time.Since(lastFlushTime) >= BatchTimeout {
				w.flushSafe(ctx, buffer)
				buffer = buffer[:0]
				lastFlushTime = time.Now()
			}
		}

		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		// Returns immediately if data exists.
		result, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistFlagsQueue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			sleepCtx(ctx, 3*time.Second)
			continue
		}

		if len(result) < 2 {
			continue
		}

		var entry model.FlagLogEntry
		if err := json.Unmarshal([]byte(result[1]), &entry); err != nil {
			// Malformed payloads can never succeed.
			w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed flag entry")
			continue
		}

		buffer = append(buffer, &entry)
	}
}

// flushSafe attempts bulk insert, then row-by-row insert, then requeue.
func (w *FlagWorker) flushSafe(ctx context.Context, batch []*model.FlagLogEntry) {
	if err := w.bulkInsert(ctx, batch); err != nil {
		w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")
		w.fallbackInsert(ctx, batch)
	}
}

func (w *FlagWorker) bulkInsert(ctx context.Context, batch []*model.FlagLogEntry) error {
	rows := make([][]any, 0, len(batch))
	for _, e := range batch {
		sessionID, err := uuid.Parse(e.SessionID)
		if err != nil {
			// The fallback drops the bad row on its own.
			return err
		}
		rows = append(rows, []any{
			sessionID, string(e.Flag.Type), e.Flag.Details, e.Flag.Timestamp,
		})
	}

	_, err := w.pool.CopyFrom(
		ctx,
		pgx.Identifier{"proctoring_flags"},
		[]string{"session_id", "flag_type", "details", "flagged_at"},
		pgx.CopyFromRows(rows),
	)
	return err
}

func (w *FlagWorker) fallbackInsert(ctx context.Context, batch []*model.FlagLogEntry) {
	requeueList := make([]*model.FlagLogEntry, 0)

	for _, e := range batch {
		sessionID, err := uuid.Parse(e.SessionID)
		if err != nil {
			w.log.Error().Str("session_id", e.SessionID).Msg("Dropping flag with invalid session id")
			continue
		}

		_, err = w.pool.Exec(ctx,
			`INSERT INTO proctoring_flags (session_id, flag_type, details, flagged_at)
			 VALUES ($1, $2, $3, $4)`,
			sessionID, string(e.Flag.Type), e.Flag.Details, e.Flag.Timestamp,
		)
		if err != nil {
			w.log.Error().Err(err).Str("session_id", e.SessionID).Msg("Insert failed, requeueing")
			requeueList = append(requeueList, e)
		}
	}

	if len(requeueList) > 0 {
		requeue(ctx, w.rdb, w.log, config.WorkerKey.PersistFlagsQueue, requeueList)
	}
}

func (w *FlagWorker) shutdown(buffer []*model.FlagLogEntry) {
	w.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(buffer) > 0 {
		w.flushSafe(shutdownCtx, buffer)
	}
}

// requeue pushes failed items back onto queue in one pipeline.
func requeue[T any](ctx context.Context, rdb *redis.Client, log zerolog.Logger, queue string, items []T) {
	pipe := rdb.Pipeline()
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			continue
		}
		pipe.RPush(ctx, queue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Error().Err(err).Int("count", len(items)).Msg("CRITICAL: Failed to requeue items to Redis. Data loss occurred.")
		return
	}
	log.Info().Int("count", len(items)).Msg("Requeued failed items back to Redis")
	// Avoid thrashing while the database is down.
	sleepCtx(ctx, 2*time.Second)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
