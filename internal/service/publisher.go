package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

const (
	// answerDraftTTL keeps autosaved drafts around long enough to outlive any exam.
	answerDraftTTL = 24 * time.Hour
	// resultTTL outlives any realistic backlog of the results queue.
	resultTTL = 24 * time.Hour
)

// RedisFlagLogger queues accepted flags for persistence and publishes them to
// the exam's monitor channel.
type RedisFlagLogger struct {
	rdb *redis.Client
}

func NewRedisFlagLogger(rdb *redis.Client) *RedisFlagLogger {
	return &RedisFlagLogger{rdb: rdb}
}

// LogFlag implements FlagLogger.
func (l *RedisFlagLogger) LogFlag(ctx context.Context, entry model.FlagLogEntry) error {
	queued, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	flag := entry.Flag
	event, err := json.Marshal(model.MonitorEvent{
		Type:        model.MonitorEventFlag,
		SessionID:   entry.SessionID,
		ExamID:      entry.ExamID,
		CandidateID: entry.CandidateID,
		Flag:        &flag,
		At:          flag.Timestamp,
	})
	if err != nil {
		return err
	}

	pipe := l.rdb.Pipeline()
	pipe.RPush(ctx, config.WorkerKey.PersistFlagsQueue, queued)
	pipe.Publish(ctx, config.CacheKey.ExamMonitorChannel(entry.ExamID), event)
	_, err = pipe.Exec(ctx)
	return err
}

// RedisAnswerAutosaver keeps the latest draft per question in a hash and
// queues it for persistence.
type RedisAnswerAutosaver struct {
	rdb *redis.Client
}

func NewRedisAnswerAutosaver(rdb *redis.Client) *RedisAnswerAutosaver {
	return &RedisAnswerAutosaver{rdb: rdb}
}

// SaveAnswer implements AnswerAutosaver.
func (a *RedisAnswerAutosaver) SaveAnswer(ctx context.Context, session *model.ExamSession, answer model.Answer) error {
	draft, err := json.Marshal(answer)
	if err != nil {
		return err
	}
	queued, err := json.Marshal(model.AnswerDraftEntry{
		SessionID: session.ID,
		ExamID:    session.ExamID,
		Answer:    answer,
		SavedAt:   time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	key := config.CacheKey.SessionAnswersKey(session.ID)
	pipe := a.rdb.Pipeline()
	pipe.HSet(ctx, key, answer.QuestionID, draft)
	pipe.Expire(ctx, key, answerDraftTTL)
	pipe.RPush(ctx, config.WorkerKey.PersistAnswersQueue, queued)
	_, err = pipe.Exec(ctx)
	return err
}

// LoadDrafts implements AnswerAutosaver. Malformed entries are skipped.
func (a *RedisAnswerAutosaver) LoadDrafts(ctx context.Context, sessionID string) (map[string]model.Answer, error) {
	raw, err := a.rdb.HGetAll(ctx, config.CacheKey.SessionAnswersKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load drafts of %s: %w", sessionID, err)
	}
	drafts := make(map[string]model.Answer, len(raw))
	for questionID, v := range raw {
		var answer model.Answer
		if err := json.Unmarshal([]byte(v), &answer); err != nil {
			continue
		}
		drafts[questionID] = answer
	}
	return drafts, nil
}

// RedisResultPublisher keeps completed sessions readable by every process
// until the result worker has persisted them, queues them for persistence and
// announces the verdict on the exam's monitor channel.
type RedisResultPublisher struct {
	rdb *redis.Client
}

func NewRedisResultPublisher(rdb *redis.Client) *RedisResultPublisher {
	return &RedisResultPublisher{rdb: rdb}
}

// PublishResult implements ResultPublisher.
func (p *RedisResultPublisher) PublishResult(ctx context.Context, session *model.ExamSession) error {
	queued, err := json.Marshal(session)
	if err != nil {
		return err
	}

	event := model.MonitorEvent{
		Type:        model.MonitorEventCompleted,
		SessionID:   session.ID,
		ExamID:      session.ExamID,
		CandidateID: session.CandidateID,
		Score:       session.Score,
		Passed:      session.Passed,
		At:          time.Now().UTC(),
	}
	if session.CompletedAt != nil {
		event.At = *session.CompletedAt
	}
	if session.Audit != nil {
		event.Trigger = session.Audit.Trigger
	}
	published, err := json.Marshal(event)
	if err != nil {
		return err
	}

	pipe := p.rdb.TxPipeline()
	pipe.Set(ctx, config.CacheKey.SessionResultKey(session.ID), queued, resultTTL)
	pipe.RPush(ctx, config.WorkerKey.PersistResultsQueue, queued)
	pipe.Publish(ctx, config.CacheKey.ExamMonitorChannel(session.ExamID), published)
	_, err = pipe.Exec(ctx)
	return err
}

// LoadResult implements ResultPublisher. It returns nil when no process has
// published a result for the session.
func (p *RedisResultPublisher) LoadResult(ctx context.Context, sessionID string) (*model.ExamSession, error) {
	raw, err := p.rdb.Get(ctx, config.CacheKey.SessionResultKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("load result of %s: %w", sessionID, err)
	}
	var session model.ExamSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("decode result of %s: %w", sessionID, err)
	}
	return &session, nil
}
