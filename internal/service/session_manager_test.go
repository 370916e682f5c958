package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

type memoryStore struct {
	mu         sync.Mutex
	sessions   map[string]*model.ExamSession
	exams      map[string]*model.Exam
	loads      atomic.Int32
	failStarts bool
}

func newMemoryStore(exam *model.Exam, sessions ...*model.ExamSession) *memoryStore {
	s := &memoryStore{
		sessions: make(map[string]*model.ExamSession),
		exams:    map[string]*model.Exam{exam.ID: exam},
	}
	for _, sess := range sessions {
		s.sessions[sess.ID] = sess
	}
	return s
}

func (s *memoryStore) LoadSession(ctx context.Context, id string) (*model.ExamSession, error) {
	s.loads.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, model.ErrSessionNotFound
	}
	return sess.Clone(), nil
}

func (s *memoryStore) LoadExam(ctx context.Context, id string) (*model.Exam, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exam, ok := s.exams[id]
	if !ok {
		return nil, errors.New("exam not found")
	}
	return exam, nil
}

func (s *memoryStore) RecordStart(ctx context.Context, session *model.ExamSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failStarts {
		return errors.New("database unavailable")
	}
	stored, ok := s.sessions[session.ID]
	if !ok {
		return model.ErrSessionNotFound
	}
	if stored.Status == model.SessionStatusPending {
		startedAt := *session.StartedAt
		stored.Status = model.SessionStatusInProgress
		stored.StartedAt = &startedAt
	}
	return nil
}

func (s *memoryStore) setFailStarts(fail bool) {
	s.mu.Lock()
	s.failStarts = fail
	s.mu.Unlock()
}

func (s *memoryStore) status(id string) model.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id].Status
}

// newSharedManager builds one server process. Managers built on the same
// Redis share the transition guard, drafts and published results.
func newSharedManager(store SessionStore, rdb *redis.Client, scorer Scorer, starts StartRecorder) (*SessionManager, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(epoch)
	deps := MachineDeps{
		Clock:     clock,
		Scorer:    scorer,
		Guard:     NewRedisTransitionGuard(rdb, time.Hour),
		Starts:    starts,
		Autosaver: NewRedisAnswerAutosaver(rdb),
		Results:   NewRedisResultPublisher(rdb),
		Log:       zerolog.Nop(),
	}
	return NewSessionManager(store, deps, 10*time.Minute), clock
}

func newTestManager(store SessionStore) (*SessionManager, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(epoch)
	deps := MachineDeps{Clock: clock, Scorer: &countingScorer{score: 90}, Log: zerolog.Nop()}
	return NewSessionManager(store, deps, 10*time.Minute), clock
}

func TestManagerLifecycle(t *testing.T) {
	exam := testExam()
	store := newMemoryStore(exam, model.NewPendingSession("s1", "c1", exam.ID))
	mgr, _ := newTestManager(store)
	ctx := context.Background()

	if _, err := mgr.Start(ctx, "s1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := mgr.RecordAnswer(ctx, "s1", model.OpenEndedAnswer("q3", "channels")); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if _, err := mgr.Result(ctx, "s1"); !errors.Is(err, ErrResultNotReady) {
		t.Fatalf("result before completion err = %v", err)
	}
	if _, err := mgr.Complete(ctx, "s1", model.TriggerManualSubmit); err != nil {
		t.Fatalf("complete: %v", err)
	}

	result, err := mgr.Result(ctx, "s1")
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if result.Score != 90 || !result.Passed {
		t.Fatalf("result = %+v", result)
	}

	paper, err := mgr.Paper(ctx, "s1")
	if err != nil || len(paper.Questions) != 3 {
		t.Fatalf("paper = %+v err = %v", paper, err)
	}
	if store.loads.Load() != 1 {
		t.Fatalf("session loaded %d times, want once", store.loads.Load())
	}
}

func TestManagerUnknownSession(t *testing.T) {
	mgr, _ := newTestManager(newMemoryStore(testExam()))

	if _, err := mgr.Get(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestManagerLoadsOnceUnderConcurrency(t *testing.T) {
	exam := testExam()
	store := newMemoryStore(exam, model.NewPendingSession("s1", "c1", exam.ID))
	mgr, _ := newTestManager(store)

	var wg sync.WaitGroup
	var started atomic.Int32
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := mgr.Start(context.Background(), "s1"); err == nil {
				started.Add(1)
			}
		}()
	}
	wg.Wait()

	if started.Load() != 1 {
		t.Fatalf("%d starts succeeded, want 1", started.Load())
	}
	if store.loads.Load() != 1 {
		t.Fatalf("session loaded %d times, want once", store.loads.Load())
	}
}

func TestManagerSessionsAreIndependent(t *testing.T) {
	exam := testExam()
	store := newMemoryStore(exam,
		model.NewPendingSession("s1", "c1", exam.ID),
		model.NewPendingSession("s2", "c2", exam.ID),
	)
	mgr, _ := newTestManager(store)
	ctx := context.Background()

	mgr.Start(ctx, "s1")
	mgr.Start(ctx, "s2")
	if _, err := mgr.Complete(ctx, "s1", model.TriggerForced); err != nil {
		t.Fatalf("complete s1: %v", err)
	}

	s2, err := mgr.Get(ctx, "s2")
	if err != nil || s2.Status != model.SessionStatusInProgress {
		t.Fatalf("s2 = %+v err = %v", s2, err)
	}
}

func TestManagerSweepEvictsCompletedSessions(t *testing.T) {
	exam := testExam()
	store := newMemoryStore(exam,
		model.NewPendingSession("s1", "c1", exam.ID),
		model.NewPendingSession("s2", "c2", exam.ID),
	)
	mgr, clock := newTestManager(store)
	ctx := context.Background()

	mgr.Start(ctx, "s1")
	mgr.Start(ctx, "s2")
	mgr.Complete(ctx, "s1", model.TriggerManualSubmit)

	if n := mgr.Sweep(clock.Now().Add(5 * time.Minute)); n != 0 {
		t.Fatalf("swept %d before retention elapsed", n)
	}
	if n := mgr.Sweep(clock.Now().Add(11 * time.Minute)); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}

	mgr.Get(ctx, "s1")
	if store.loads.Load() != 3 {
		t.Fatalf("evicted session should reload from the store, loads = %d", store.loads.Load())
	}
}

func TestManagerAdoptsStartNotYetStored(t *testing.T) {
	_, rdb := newTestRedis(t)
	exam := testExam()
	store := newMemoryStore(exam, model.NewPendingSession("s1", "c1", exam.ID))
	ctx := context.Background()

	// the first process claims the start and dies before the row is updated
	first, _ := newSharedManager(store, rdb, &countingScorer{score: 90}, nil)
	if _, err := first.Start(ctx, "s1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if store.status("s1") != model.SessionStatusPending {
		t.Fatal("row should still be pending")
	}

	restarted, _ := newSharedManager(store, rdb, &countingScorer{score: 90}, store)
	if _, err := restarted.Start(ctx, "s1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second start err = %v, want ErrInvalidTransition", err)
	}

	snap, err := restarted.RecordAnswer(ctx, "s1", model.MultipleChoiceAnswer("q1", 1))
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if snap.Status != model.SessionStatusInProgress || !snap.StartedAt.Equal(epoch) || snap.RemainingSeconds != 60 {
		t.Fatalf("adopted session = %+v", snap)
	}
	waitFor(t, func() bool { return store.status("s1") == model.SessionStatusInProgress })

	done, err := restarted.Complete(ctx, "s1", model.TriggerManualSubmit)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if *done.Score != 90 {
		t.Fatalf("score = %d", *done.Score)
	}
}

func TestManagerReleasesStartWhenRowNotUpdated(t *testing.T) {
	_, rdb := newTestRedis(t)
	exam := testExam()
	store := newMemoryStore(exam, model.NewPendingSession("s1", "c1", exam.ID))
	store.setFailStarts(true)
	mgr, _ := newSharedManager(store, rdb, &countingScorer{score: 90}, store)
	ctx := context.Background()

	if _, err := mgr.Start(ctx, "s1"); err == nil {
		t.Fatal("start succeeded without storing it")
	}
	rec, found, err := NewRedisTransitionGuard(rdb, time.Hour).Lookup(ctx, "s1")
	if err != nil || !found || rec.Status != model.SessionStatusPending {
		t.Fatalf("guard = %+v found=%v err=%v, want released to pending", rec, found, err)
	}

	store.setFailStarts(false)
	snap, err := mgr.Start(ctx, "s1")
	if err != nil || snap.Status != model.SessionStatusInProgress {
		t.Fatalf("retry: snap=%v err=%v", snap, err)
	}
	if store.status("s1") != model.SessionStatusInProgress {
		t.Fatal("row not updated on retry")
	}
}

func TestManagersShareAnswersAndCompletion(t *testing.T) {
	_, rdb := newTestRedis(t)
	exam := &model.Exam{
		ID:               "exam-2",
		Title:            "Two questions",
		PassMark:         50,
		TimeLimitMinutes: 10,
		Questions:        []model.Question{mcq("q1", 1), mcq("q2", 0)},
	}
	store := newMemoryStore(exam, model.NewPendingSession("s1", "c1", exam.ID))
	a, _ := newSharedManager(store, rdb, NewScoringEngine(nil, 0, 0, zerolog.Nop()), store)
	b, _ := newSharedManager(store, rdb, NewScoringEngine(nil, 0, 0, zerolog.Nop()), store)
	ctx := context.Background()

	if _, err := a.Start(ctx, "s1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := b.RecordAnswer(ctx, "s1", model.MultipleChoiceAnswer("q1", 1)); err != nil {
		t.Fatalf("answer on b: %v", err)
	}
	if _, err := a.RecordAnswer(ctx, "s1", model.MultipleChoiceAnswer("q2", 0)); err != nil {
		t.Fatalf("answer on a: %v", err)
	}

	done, err := a.Complete(ctx, "s1", model.TriggerManualSubmit)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if *done.Score != 100 || !*done.Passed {
		t.Fatalf("verdict = %d/%v, want answers from both processes scored", *done.Score, *done.Passed)
	}

	waitFor(t, func() bool {
		r, err := b.Result(ctx, "s1")
		return err == nil && r.Score == 100
	})
	if _, err := b.RecordAnswer(ctx, "s1", model.MultipleChoiceAnswer("q1", 0)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("answer after completion err = %v, want ErrInvalidState", err)
	}
	if _, err := b.Complete(ctx, "s1", model.TriggerTimeout); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second completion err = %v, want ErrInvalidState", err)
	}
	snap, err := b.Get(ctx, "s1")
	if err != nil || snap.Status != model.SessionStatusCompleted || snap.Audit.Trigger != model.TriggerManualSubmit {
		t.Fatalf("b view = %+v err = %v", snap, err)
	}
}

func TestManagerSeesCompletionBeforeResultIsReadable(t *testing.T) {
	_, rdb := newTestRedis(t)
	exam := testExam()
	store := newMemoryStore(exam, model.NewPendingSession("s1", "c1", exam.ID))
	mgr, _ := newSharedManager(store, rdb, &countingScorer{score: 90}, store)
	ctx := context.Background()

	if _, err := mgr.Start(ctx, "s1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	// another process wins the completion and is still scoring
	guard := NewRedisTransitionGuard(rdb, time.Hour)
	if ok, err := guard.Transition(ctx, "s1", model.SessionStatusInProgress, model.SessionStatusCompleted, epoch); err != nil || !ok {
		t.Fatalf("remote completion: ok=%v err=%v", ok, err)
	}

	if _, err := mgr.RecordAnswer(ctx, "s1", model.MultipleChoiceAnswer("q1", 1)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("answer err = %v, want ErrInvalidState", err)
	}
	if _, _, err := mgr.ObserveFlag(ctx, "s1", model.ProctoringFlag{Type: model.FlagTypeTabSwitch}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("flag err = %v, want ErrSessionClosed", err)
	}
	if _, err := mgr.Result(ctx, "s1"); !errors.Is(err, ErrResultNotReady) {
		t.Fatalf("result err = %v, want ErrResultNotReady", err)
	}
}

func TestManagerSweepKeepsResultReadable(t *testing.T) {
	_, rdb := newTestRedis(t)
	exam := testExam()
	store := newMemoryStore(exam, model.NewPendingSession("s1", "c1", exam.ID))
	mgr, clock := newSharedManager(store, rdb, &countingScorer{score: 90}, store)
	ctx := context.Background()

	if _, err := mgr.Start(ctx, "s1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := mgr.Complete(ctx, "s1", model.TriggerManualSubmit); err != nil {
		t.Fatalf("complete: %v", err)
	}
	waitFor(t, func() bool { return mgr.Sweep(clock.Now().Add(11*time.Minute)) == 1 })

	// the results worker has not persisted the verdict yet
	if store.status("s1") != model.SessionStatusInProgress {
		t.Fatalf("row status = %s", store.status("s1"))
	}
	snap, err := mgr.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if snap.Status != model.SessionStatusCompleted || snap.Score == nil || *snap.Score != 90 {
		t.Fatalf("reloaded session = %+v", snap)
	}
	if _, err := mgr.RecordAnswer(ctx, "s1", model.MultipleChoiceAnswer("q1", 1)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("answer after reload err = %v", err)
	}
}

func TestManagerSweepKeepsUnpublishedResult(t *testing.T) {
	backoff := publishBackoff
	publishBackoff = 10 * time.Millisecond
	t.Cleanup(func() { publishBackoff = backoff })

	exam := testExam()
	store := newMemoryStore(exam, model.NewPendingSession("s1", "c1", exam.ID))
	results := &failingResults{}
	clock := clockwork.NewFakeClockAt(epoch)
	mgr := NewSessionManager(store, MachineDeps{
		Clock:   clock,
		Scorer:  &countingScorer{score: 90},
		Results: results,
		Log:     zerolog.Nop(),
	}, 10*time.Minute)
	ctx := context.Background()

	mgr.Start(ctx, "s1")
	if _, err := mgr.Complete(ctx, "s1", model.TriggerManualSubmit); err != nil {
		t.Fatalf("complete: %v", err)
	}

	waitFor(t, func() bool { return results.calls.Load() >= publishAttempts })
	settle()
	if n := mgr.Sweep(clock.Now().Add(11 * time.Minute)); n != 0 {
		t.Fatalf("swept %d sessions with an unpublished result", n)
	}
	waitFor(t, func() bool { return results.calls.Load() > publishAttempts })
}
