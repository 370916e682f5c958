package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/model"
	"golang.org/x/sync/singleflight"
)

// SessionStore loads sessions created by the assignment collaborator and the
// exams they refer to. LoadSession returns model.ErrSessionNotFound for unknown ids.
type SessionStore interface {
	LoadSession(ctx context.Context, sessionID string) (*model.ExamSession, error)
	LoadExam(ctx context.Context, examID string) (*model.Exam, error)
}

// SessionManager keeps one state machine per session. The registry lock only
// guards the map; every session is serialized by its own machine lock.
type SessionManager struct {
	store     SessionStore
	deps      MachineDeps
	retention time.Duration
	log       zerolog.Logger

	mu       sync.RWMutex
	machines map[string]*ExamSessionStateMachine
	loads    singleflight.Group
}

// NewSessionManager creates a registry. Completed sessions are evicted by
// Sweep once they are older than retention.
func NewSessionManager(store SessionStore, deps MachineDeps, retention time.Duration) *SessionManager {
	if retention <= 0 {
		retention = 30 * time.Minute
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	return &SessionManager{
		store:     store,
		deps:      deps,
		retention: retention,
		log:       deps.Log.With().Str("component", "session_manager").Logger(),
		machines:  make(map[string]*ExamSessionStateMachine),
	}
}

func (m *SessionManager) machine(ctx context.Context, sessionID string) (*ExamSessionStateMachine, error) {
	m.mu.RLock()
	sm, ok := m.machines[sessionID]
	m.mu.RUnlock()
	if ok && m.current(ctx, sm) {
		return sm, nil
	}
	if ok {
		m.evict(sessionID, sm)
	}

	v, err, _ := m.loads.Do(sessionID, func() (interface{}, error) {
		m.mu.RLock()
		sm, ok := m.machines[sessionID]
		m.mu.RUnlock()
		if ok {
			return sm, nil
		}

		session, err := m.store.LoadSession(ctx, sessionID)
		if err != nil {
			if errors.Is(err, model.ErrSessionNotFound) {
				return nil, ErrSessionNotFound
			}
			return nil, fmt.Errorf("load session: %w", err)
		}
		exam, err := m.store.LoadExam(ctx, session.ExamID)
		if err != nil {
			return nil, fmt.Errorf("load exam %s: %w", session.ExamID, err)
		}

		session, cacheable := m.reconcile(ctx, session)
		sm = NewExamSessionStateMachine(session, exam, m.deps)
		if !cacheable {
			return sm, nil
		}

		m.mu.Lock()
		m.machines[sessionID] = sm
		metrics.ActiveSessions.Set(float64(len(m.machines)))
		m.mu.Unlock()

		if err := sm.Resume(ctx); err != nil {
			m.log.Error().Err(err).Str("session_id", sessionID).Msg("Failed to resume session")
		}
		return sm, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ExamSessionStateMachine), nil
}

// current reports whether a cached machine still reflects the shared
// lifecycle. Another process may have started or completed the session.
func (m *SessionManager) current(ctx context.Context, sm *ExamSessionStateMachine) bool {
	if sm.Detached() {
		return false
	}
	if m.deps.Guard == nil {
		return true
	}
	snap := sm.Snapshot()
	if snap.Status == model.SessionStatusCompleted {
		return true
	}

	rec, found, err := m.deps.Guard.Lookup(ctx, snap.ID)
	if err != nil {
		m.log.Warn().Err(err).Msg("Transition guard unavailable, serving cached session")
		return true
	}
	if found && sm.behind(rec) {
		sm.detach()
		return false
	}
	return true
}

func (m *SessionManager) evict(sessionID string, sm *ExamSessionStateMachine) {
	m.mu.Lock()
	if m.machines[sessionID] == sm {
		delete(m.machines, sessionID)
		metrics.ActiveSessions.Set(float64(len(m.machines)))
	}
	m.mu.Unlock()
}

// reconcile brings a loaded session up to the shared lifecycle. Persistence
// runs behind the guard, so the row may still say pending after another
// process started the session, or in_progress after it was completed. It
// reports false for a completion whose result is not readable yet; such a
// session is served but not cached.
func (m *SessionManager) reconcile(ctx context.Context, session *model.ExamSession) (*model.ExamSession, bool) {
	if m.deps.Guard == nil || session.Status == model.SessionStatusCompleted {
		return session, true
	}
	rec, found, err := m.deps.Guard.Lookup(ctx, session.ID)
	if err != nil {
		m.log.Warn().Err(err).Str("session_id", session.ID).Msg("Transition guard unavailable, trusting stored session")
		return session, true
	}
	if !found {
		return session, true
	}

	switch {
	case rec.Status == model.SessionStatusInProgress && session.Status == model.SessionStatusPending:
		startedAt := rec.At
		session.Status = model.SessionStatusInProgress
		session.StartedAt = &startedAt
		m.adoptDrafts(ctx, session)
		m.log.Info().Str("session_id", session.ID).Time("started_at", startedAt).Msg("Adopted start claimed before it was stored")
		if m.deps.Starts != nil {
			started := session.Clone()
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
				defer cancel()
				if err := m.deps.Starts.RecordStart(ctx, started); err != nil {
					m.log.Warn().Err(err).Str("session_id", started.ID).Msg("Failed to store adopted start")
				}
			}()
		}
		return session, true

	case rec.Status == model.SessionStatusCompleted:
		if m.deps.Results != nil {
			result, err := m.deps.Results.LoadResult(ctx, session.ID)
			if err != nil {
				m.log.Warn().Err(err).Str("session_id", session.ID).Msg("Could not read published result")
			}
			if result != nil {
				return result, true
			}
		}
		completedAt := rec.At
		closed := session.Clone()
		closed.Status = model.SessionStatusCompleted
		closed.CompletedAt = &completedAt
		closed.Score, closed.Passed, closed.Audit = nil, nil, nil
		return closed, false
	}
	return session, true
}

func (m *SessionManager) adoptDrafts(ctx context.Context, session *model.ExamSession) {
	if m.deps.Autosaver == nil {
		return
	}
	drafts, err := m.deps.Autosaver.LoadDrafts(ctx, session.ID)
	if err != nil {
		m.log.Warn().Err(err).Str("session_id", session.ID).Msg("Could not read shared drafts")
		return
	}
	if session.Answers == nil {
		session.Answers = make(map[string]model.Answer, len(drafts))
	}
	for id, a := range drafts {
		session.Answers[id] = a
	}
}

// withMachine runs fn and retries once on a reloaded machine when fn lost a
// transition to another process.
func (m *SessionManager) withMachine(ctx context.Context, sessionID string, fn func(*ExamSessionStateMachine) error) error {
	for attempt := 0; ; attempt++ {
		sm, err := m.machine(ctx, sessionID)
		if err != nil {
			return err
		}
		err = fn(sm)
		if err == nil || attempt > 0 || !sm.Detached() {
			return err
		}
		m.evict(sessionID, sm)
	}
}

// Start begins the session.
func (m *SessionManager) Start(ctx context.Context, sessionID string) (snap *model.ExamSession, err error) {
	err = m.withMachine(ctx, sessionID, func(sm *ExamSessionStateMachine) error {
		snap, err = sm.Start(ctx)
		return err
	})
	return snap, err
}

// RecordAnswer stores a draft answer.
func (m *SessionManager) RecordAnswer(ctx context.Context, sessionID string, answer model.Answer) (snap *model.ExamSession, err error) {
	err = m.withMachine(ctx, sessionID, func(sm *ExamSessionStateMachine) error {
		snap, err = sm.RecordAnswer(ctx, answer)
		return err
	})
	return snap, err
}

// Complete ends and scores the session.
func (m *SessionManager) Complete(ctx context.Context, sessionID string, trigger model.Trigger) (snap *model.ExamSession, err error) {
	err = m.withMachine(ctx, sessionID, func(sm *ExamSessionStateMachine) error {
		snap, err = sm.Complete(ctx, trigger)
		return err
	})
	return snap, err
}

// ObserveFlag feeds a sensor event to the session.
func (m *SessionManager) ObserveFlag(ctx context.Context, sessionID string, flag model.ProctoringFlag) (snap *model.ExamSession, accepted bool, err error) {
	err = m.withMachine(ctx, sessionID, func(sm *ExamSessionStateMachine) error {
		snap, accepted, err = sm.ObserveFlag(ctx, flag)
		return err
	})
	return snap, accepted, err
}

// Get returns a snapshot of the session.
func (m *SessionManager) Get(ctx context.Context, sessionID string) (*model.ExamSession, error) {
	sm, err := m.machine(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return sm.Snapshot(), nil
}

// Paper returns the candidate-facing exam of the session.
func (m *SessionManager) Paper(ctx context.Context, sessionID string) (model.ExamPaper, error) {
	sm, err := m.machine(ctx, sessionID)
	if err != nil {
		return model.ExamPaper{}, err
	}
	return sm.Exam().Paper(), nil
}

// Result returns the candidate-facing verdict of a completed session.
func (m *SessionManager) Result(ctx context.Context, sessionID string) (model.Result, error) {
	sm, err := m.machine(ctx, sessionID)
	if err != nil {
		return model.Result{}, err
	}
	result, ok := sm.Snapshot().Result()
	if !ok {
		return model.Result{}, ErrResultNotReady
	}
	return result, nil
}

// Sweep evicts completed sessions finished before now minus the retention
// period, and detached ones, and returns how many were dropped. Completions
// whose result is not published yet stay and get another publish attempt.
func (m *SessionManager) Sweep(now time.Time) int {
	cutoff := now.Add(-m.retention)

	m.mu.RLock()
	var stale []string
	for id, sm := range m.machines {
		if sm.sweepable(cutoff) {
			stale = append(stale, id)
			continue
		}
		sm.republish()
	}
	m.mu.RUnlock()

	if len(stale) == 0 {
		return 0
	}

	m.mu.Lock()
	for _, id := range stale {
		delete(m.machines, id)
	}
	metrics.ActiveSessions.Set(float64(len(m.machines)))
	m.mu.Unlock()

	m.log.Debug().Int("evicted", len(stale)).Msg("Swept completed sessions")
	return len(stale)
}

// RunSweeper evicts stale sessions every interval until ctx is done.
func (m *SessionManager) RunSweeper(ctx context.Context, interval time.Duration) {
	clock := m.deps.Clock
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.Sweep(clock.Now())
		}
	}
}
