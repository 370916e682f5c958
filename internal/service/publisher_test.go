package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func TestRedisTransitionGuard(t *testing.T) {
	mr, rdb := newTestRedis(t)
	guard := NewRedisTransitionGuard(rdb, time.Hour)
	ctx := context.Background()

	if _, found, err := guard.Lookup(ctx, "s1"); err != nil || found {
		t.Fatalf("lookup before any transition: found=%v err=%v", found, err)
	}

	ok, err := guard.Transition(ctx, "s1", model.SessionStatusPending, model.SessionStatusInProgress, epoch)
	if err != nil || !ok {
		t.Fatalf("first start: ok=%v err=%v", ok, err)
	}
	ok, err = guard.Transition(ctx, "s1", model.SessionStatusPending, model.SessionStatusInProgress, epoch)
	if err != nil || ok {
		t.Fatalf("second start must lose: ok=%v err=%v", ok, err)
	}

	rec, found, err := guard.Lookup(ctx, "s1")
	if err != nil || !found || rec.Status != model.SessionStatusInProgress || !rec.At.Equal(epoch) {
		t.Fatalf("record = %+v found=%v err=%v", rec, found, err)
	}

	completedAt := epoch.Add(time.Minute)
	ok, _ = guard.Transition(ctx, "s1", model.SessionStatusInProgress, model.SessionStatusCompleted, completedAt)
	if !ok {
		t.Fatal("completion lost against its own start")
	}
	ok, _ = guard.Transition(ctx, "s1", model.SessionStatusInProgress, model.SessionStatusCompleted, completedAt)
	if ok {
		t.Fatal("double completion won twice")
	}

	key := config.CacheKey.SessionStatusKey("s1")
	if got := mr.HGet(key, "status"); got != string(model.SessionStatusCompleted) {
		t.Fatalf("stored status = %q", got)
	}
	if rec, _, _ := guard.Lookup(ctx, "s1"); !rec.At.Equal(completedAt) {
		t.Fatalf("completion time = %v", rec.At)
	}
	if ttl := mr.TTL(key); ttl <= 0 || ttl > time.Hour {
		t.Fatalf("ttl = %v", ttl)
	}
}

func TestRedisFlagLogger(t *testing.T) {
	mr, rdb := newTestRedis(t)
	ctx := context.Background()

	sub := rdb.Subscribe(ctx, config.CacheKey.ExamMonitorChannel("e1"))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	entry := model.FlagLogEntry{
		SessionID:   "s1",
		ExamID:      "e1",
		CandidateID: "c1",
		Flag:        model.ProctoringFlag{Type: model.FlagTypeTabSwitch, Timestamp: epoch},
	}
	if err := NewRedisFlagLogger(rdb).LogFlag(ctx, entry); err != nil {
		t.Fatalf("log flag: %v", err)
	}

	items, err := mr.List(config.WorkerKey.PersistFlagsQueue)
	if err != nil || len(items) != 1 {
		t.Fatalf("queue = %v err = %v", items, err)
	}
	var queued model.FlagLogEntry
	if err := json.Unmarshal([]byte(items[0]), &queued); err != nil || queued.Flag.Type != model.FlagTypeTabSwitch {
		t.Fatalf("queued = %+v err = %v", queued, err)
	}

	select {
	case msg := <-sub.Channel():
		var ev model.MonitorEvent
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if ev.Type != model.MonitorEventFlag || ev.CandidateID != "c1" || ev.Flag == nil {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("monitor event not published")
	}
}

func TestRedisAnswerAutosaver(t *testing.T) {
	mr, rdb := newTestRedis(t)
	session := model.NewPendingSession("s1", "c1", "e1")

	if err := NewRedisAnswerAutosaver(rdb).SaveAnswer(context.Background(), session, model.MultipleChoiceAnswer("q1", 2)); err != nil {
		t.Fatalf("save: %v", err)
	}

	key := config.CacheKey.SessionAnswersKey("s1")
	var draft model.Answer
	if err := json.Unmarshal([]byte(mr.HGet(key, "q1")), &draft); err != nil || *draft.SelectedOptionIndex != 2 {
		t.Fatalf("draft = %+v err = %v", draft, err)
	}
	if mr.TTL(key) <= 0 {
		t.Fatal("draft hash has no expiry")
	}
	if items, _ := mr.List(config.WorkerKey.PersistAnswersQueue); len(items) != 1 {
		t.Fatalf("answers queue = %v", items)
	}
	mr.HSet(key, "q2", "not json")
	drafts, err := NewRedisAnswerAutosaver(rdb).LoadDrafts(context.Background(), "s1")
	if err != nil || len(drafts) != 1 || *drafts["q1"].SelectedOptionIndex != 2 {
		t.Fatalf("drafts = %+v err = %v", drafts, err)
	}
}

func TestRedisResultPublisher(t *testing.T) {
	mr, rdb := newTestRedis(t)

	score, passed := 75, true
	completedAt := epoch.Add(time.Hour)
	session := model.NewPendingSession("s1", "c1", "e1")
	session.Status = model.SessionStatusCompleted
	session.Score, session.Passed, session.CompletedAt = &score, &passed, &completedAt
	session.Audit = &model.CompletionAudit{Trigger: model.TriggerTimeout}

	if err := NewRedisResultPublisher(rdb).PublishResult(context.Background(), session); err != nil {
		t.Fatalf("publish: %v", err)
	}

	items, _ := mr.List(config.WorkerKey.PersistResultsQueue)
	if len(items) != 1 {
		t.Fatalf("results queue = %v", items)
	}
	var queued model.ExamSession
	if err := json.Unmarshal([]byte(items[0]), &queued); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *queued.Score != 75 || queued.Audit.Trigger != model.TriggerTimeout {
		t.Fatalf("queued = %+v", queued)
	}
	publisher := NewRedisResultPublisher(rdb)
	stored, err := publisher.LoadResult(context.Background(), "s1")
	if err != nil || stored == nil || *stored.Score != 75 || stored.Status != model.SessionStatusCompleted {
		t.Fatalf("stored result = %+v err = %v", stored, err)
	}
	if missing, err := publisher.LoadResult(context.Background(), "s2"); err != nil || missing != nil {
		t.Fatalf("unpublished result = %+v err = %v", missing, err)
	}
}
