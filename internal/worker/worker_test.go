package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

func TestRequeuePushesItemsBack(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	items := []*model.FlagLogEntry{
		{SessionID: "s-1", Flag: model.ProctoringFlag{Type: model.FlagTypeNoFace}},
		{SessionID: "s-2", Flag: model.ProctoringFlag{Type: model.FlagTypeTabSwitch}},
	}
	requeue(context.Background(), rdb, zerolog.Nop(), config.WorkerKey.PersistFlagsQueue, items)

	got, err := mr.List(config.WorkerKey.PersistFlagsQueue)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("queue length = %d, want 2", len(got))
	}
	var first model.FlagLogEntry
	if err := json.Unmarshal([]byte(got[0]), &first); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if first.SessionID != "s-1" || first.Flag.Type != model.FlagTypeNoFace {
		t.Errorf("first = %+v", first)
	}
}

func TestSleepCtxReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	sleepCtx(ctx, time.Minute)
	if time.Since(start) > time.Second {
		t.Fatal("sleepCtx ignored cancellation")
	}
}

func TestClearDraftsDeletesAnswerHashes(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	key := config.CacheKey.SessionAnswersKey("s-1")
	mr.HSet(key, "q1", `{"question_id":"q1"}`)

	w := NewResultWorker(nil, rdb, zerolog.Nop())
	w.clearDrafts(context.Background(), []*model.ExamSession{{ID: "s-1"}})

	if mr.Exists(key) {
		t.Fatal("draft hash still present")
	}
}
