package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// sinkTimeout bounds a single persistence call.
	sinkTimeout = 3 * time.Second
	// publishAttempts bounds how often one completion retries publishing its result.
	publishAttempts = 3
)

var errPublishAborted = errors.New("result publisher aborted")

// publishBackoff is the wait before the second publish attempt; later
// attempts wait proportionally longer.
var publishBackoff = 500 * time.Millisecond

// GuardRecord is the lifecycle of a session as every process sees it. At is
// the time of the last transition: the start time while in_progress, the
// completion time once completed.
type GuardRecord struct {
	Status model.SessionStatus
	At     time.Time
}

// TransitionGuard lets several processes agree on a single winner for a
// status transition. Transition reports false when the stored status is not from.
type TransitionGuard interface {
	Transition(ctx context.Context, sessionID string, from, to model.SessionStatus, at time.Time) (bool, error)
	Lookup(ctx context.Context, sessionID string) (GuardRecord, bool, error)
}

// AnswerAutosaver keeps the latest draft per question where every process
// can read it.
type AnswerAutosaver interface {
	SaveAnswer(ctx context.Context, session *model.ExamSession, answer model.Answer) error
	LoadDrafts(ctx context.Context, sessionID string) (map[string]model.Answer, error)
}

// StartRecorder persists the in_progress transition so a restarted process
// can resume the countdown. It must be idempotent.
type StartRecorder interface {
	RecordStart(ctx context.Context, session *model.ExamSession) error
}

// ResultPublisher persists the verdict and audit of a completed session and
// serves it back until the session row itself is completed. LoadResult
// returns nil when nothing was published.
type ResultPublisher interface {
	PublishResult(ctx context.Context, session *model.ExamSession) error
	LoadResult(ctx context.Context, sessionID string) (*model.ExamSession, error)
}

// MachineDeps holds the collaborators shared by every state machine.
type MachineDeps struct {
	Clock      clockwork.Clock
	Scorer     Scorer
	Aggregator *ProctoringFlagAggregator
	Guard      TransitionGuard
	Starts     StartRecorder
	Autosaver  AnswerAutosaver
	Results    ResultPublisher
	Events     *EventHub
	Log        zerolog.Logger
}

// ExamSessionStateMachine owns the mutable state of one session and drives it
// through pending -> in_progress -> completed. All mutations happen under the
// machine's own lock; scoring runs outside it while the session is closing.
type ExamSessionStateMachine struct {
	deps      MachineDeps
	exam      *model.Exam
	countdown *CountdownController
	log       zerolog.Logger

	mu      sync.Mutex
	session *model.ExamSession
	// closing is set between winning the completion and storing the score.
	closing bool
	// detached is set once another process owns the next transition; the
	// registry reloads detached machines.
	detached bool
	// unsaved holds questions whose latest draft never reached the autosaver.
	unsaved map[string]struct{}
	// published is false while the verdict of a completion is not yet handed
	// to the result publisher.
	published  bool
	publishing bool
}

// NewExamSessionStateMachine wraps a copy of session. exam must be the exam
// the session belongs to.
func NewExamSessionStateMachine(session *model.ExamSession, exam *model.Exam, deps MachineDeps) *ExamSessionStateMachine {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Aggregator == nil {
		deps.Aggregator = NewProctoringFlagAggregator(DefaultSuppressionWindow, 0, nil, deps.Log)
	}
	if deps.Scorer == nil {
		deps.Scorer = NewScoringEngine(nil, 0, 0, deps.Log)
	}

	s := session.Clone()
	if s.Answers == nil {
		s.Answers = make(map[string]model.Answer)
	}

	return &ExamSessionStateMachine{
		deps:      deps,
		exam:      exam,
		countdown: NewCountdownController(deps.Clock),
		log:       logger.Session(deps.Log, s.ID, s.ExamID, s.CandidateID),
		session:   s,
		unsaved:   make(map[string]struct{}),
		published: true,
	}
}

// Exam returns the exam this session is taking.
func (m *ExamSessionStateMachine) Exam() *model.Exam {
	return m.exam
}

// Snapshot returns a deep copy of the session including audit data.
func (m *ExamSessionStateMachine) Snapshot() *model.ExamSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *ExamSessionStateMachine) snapshotLocked() *model.ExamSession {
	snap := m.session.Clone()
	if snap.Status == model.SessionStatusInProgress {
		snap.RemainingSeconds = int(math.Ceil(m.countdown.Remaining().Seconds()))
	}
	return snap
}

// Start moves a pending session to in_progress, initializes one unanswered
// draft per question and arms the countdown.
func (m *ExamSessionStateMachine) Start(ctx context.Context) (*model.ExamSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session.Status != model.SessionStatusPending {
		return nil, fmt.Errorf("%w: cannot start a %s session", ErrInvalidTransition, m.session.Status)
	}
	if m.detached {
		return nil, fmt.Errorf("%w: session already started elsewhere", ErrInvalidTransition)
	}
	if err := m.exam.Validate(); err != nil {
		return nil, err
	}

	now := m.deps.Clock.Now()
	if m.deps.Guard != nil {
		ok, err := m.deps.Guard.Transition(ctx, m.session.ID, model.SessionStatusPending, model.SessionStatusInProgress, now)
		if err != nil {
			return nil, fmt.Errorf("transition guard: %w", err)
		}
		if !ok {
			m.detachLocked()
			return nil, fmt.Errorf("%w: session already started elsewhere", ErrInvalidTransition)
		}
	}

	started := m.session.Clone()
	started.Status = model.SessionStatusInProgress
	started.StartedAt = &now
	if err := m.recordStart(ctx, started); err != nil {
		return nil, err
	}

	if err := m.countdown.Start(m.exam.TimeLimitMinutes*60, m.onExpire, m.onTick); err != nil {
		m.detachLocked()
		return nil, fmt.Errorf("start countdown: %w", err)
	}

	m.session.StartedAt = &now
	m.session.Status = model.SessionStatusInProgress
	m.session.Answers = make(map[string]model.Answer, len(m.exam.Questions))
	for _, q := range m.exam.Questions {
		m.session.Answers[q.ID] = model.Unanswered(q)
	}

	metrics.SessionTransitions.WithLabelValues(string(model.SessionStatusInProgress), "start").Inc()
	m.log.Info().Int("time_limit_minutes", m.exam.TimeLimitMinutes).Msg("Exam session started")

	snap := m.snapshotLocked()
	m.deps.Events.Publish(SessionEvent{Type: EventStarted, SessionID: snap.ID, RemainingSeconds: snap.RemainingSeconds})
	return snap, nil
}

// recordStart persists the start before it is acknowledged. When that fails
// the guard claim is released so the candidate can retry.
func (m *ExamSessionStateMachine) recordStart(ctx context.Context, started *model.ExamSession) error {
	if m.deps.Starts == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()

	err := m.deps.Starts.RecordStart(ctx, started)
	if err == nil {
		return nil
	}
	if m.deps.Guard != nil {
		if _, rerr := m.deps.Guard.Transition(ctx, started.ID, model.SessionStatusInProgress, model.SessionStatusPending, m.deps.Clock.Now()); rerr != nil {
			m.log.Error().Err(rerr).Msg("Failed to release start claim")
		}
	}
	return fmt.Errorf("record start: %w", err)
}

// Resume re-arms the countdown of a session loaded in in_progress. A session
// whose time limit already passed is completed with the timeout trigger.
func (m *ExamSessionStateMachine) Resume(ctx context.Context) error {
	m.mu.Lock()
	if m.session.Status != model.SessionStatusInProgress || m.detached || m.countdown.Running() {
		m.mu.Unlock()
		return nil
	}

	startedAt := m.deps.Clock.Now()
	if m.session.StartedAt != nil {
		startedAt = *m.session.StartedAt
	} else {
		m.session.StartedAt = &startedAt
	}
	for _, q := range m.exam.Questions {
		if _, ok := m.session.Answers[q.ID]; !ok {
			m.session.Answers[q.ID] = model.Unanswered(q)
		}
	}

	remaining := startedAt.Add(m.exam.TimeLimit()).Sub(m.deps.Clock.Now())
	if remaining > 0 {
		err := m.countdown.Start(int(math.Ceil(remaining.Seconds())), m.onExpire, m.onTick)
		m.mu.Unlock()
		if err != nil {
			return fmt.Errorf("resume countdown: %w", err)
		}
		m.log.Info().Dur("remaining", remaining).Msg("Exam session resumed")
		return nil
	}
	m.mu.Unlock()

	m.log.Info().Msg("Exam session expired while unloaded, completing")
	if _, err := m.Complete(ctx, model.TriggerTimeout); err != nil && !errors.Is(err, ErrInvalidTransition) {
		return err
	}
	return nil
}

// RecordAnswer replaces the draft answer of one question.
func (m *ExamSessionStateMachine) RecordAnswer(ctx context.Context, answer model.Answer) (*model.ExamSession, error) {
	m.mu.Lock()

	if m.session.Status != model.SessionStatusInProgress || m.closing || m.detached {
		m.mu.Unlock()
		return nil, ErrInvalidState
	}

	q, ok := m.exam.Question(answer.QuestionID)
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrUnknownQuestion, answer.QuestionID)
	}
	if err := answer.Validate(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if answer.Kind != q.Kind {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: question %q is %s, answer is %s", ErrKindMismatch, q.ID, q.Kind, answer.Kind)
	}

	if answer.SelectedOptionIndex != nil {
		idx := *answer.SelectedOptionIndex
		answer.SelectedOptionIndex = &idx
	}
	m.session.Answers[q.ID] = answer
	m.autosaveLocked(ctx, answer)
	snap := m.snapshotLocked()
	m.mu.Unlock()

	return snap, nil
}

// autosaveLocked writes the draft while the lock keeps drafts of the same
// session in order. A failed save is remembered so completion prefers the
// local draft over an older shared one.
func (m *ExamSessionStateMachine) autosaveLocked(ctx context.Context, answer model.Answer) {
	if m.deps.Autosaver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()

	if err := m.deps.Autosaver.SaveAnswer(ctx, m.session, answer); err != nil {
		m.unsaved[answer.QuestionID] = struct{}{}
		m.log.Warn().Err(err).Str("question_id", answer.QuestionID).Msg("Autosave failed")
		return
	}
	delete(m.unsaved, answer.QuestionID)
}

// ObserveFlag runs a sensor event through the suppression window. It reports
// whether the flag was accepted. Reaching the exam's flag limit completes the
// session with the forced trigger.
func (m *ExamSessionStateMachine) ObserveFlag(ctx context.Context, flag model.ProctoringFlag) (*model.ExamSession, bool, error) {
	if !flag.Type.Valid() {
		return nil, false, fmt.Errorf("%w: unknown type %q", ErrInvalidFlag, flag.Type)
	}

	m.mu.Lock()

	switch {
	case m.session.Status == model.SessionStatusCompleted || m.closing || m.detached:
		m.mu.Unlock()
		metrics.FlagsObserved.WithLabelValues(string(flag.Type), "closed").Inc()
		return nil, false, ErrSessionClosed
	case m.session.Status != model.SessionStatusInProgress:
		m.mu.Unlock()
		return nil, false, ErrInvalidState
	}

	if flag.Timestamp.IsZero() {
		flag.Timestamp = m.deps.Clock.Now()
	}

	entry := model.FlagLogEntry{
		SessionID:   m.session.ID,
		ExamID:      m.session.ExamID,
		CandidateID: m.session.CandidateID,
		Flag:        flag,
	}
	flags, accepted := m.deps.Aggregator.Observe(entry, m.session.Flags)
	m.session.Flags = flags

	forced := accepted && m.exam.MaxFlags > 0 && len(flags) >= m.exam.MaxFlags
	snap := m.snapshotLocked()
	m.mu.Unlock()

	if !accepted {
		return snap, false, nil
	}
	m.deps.Events.Publish(SessionEvent{Type: EventFlag, SessionID: snap.ID, Flag: &flag})

	if forced {
		m.log.Warn().Int("flags", len(flags)).Int("max_flags", m.exam.MaxFlags).Msg("Flag limit reached, forcing completion")
		completed, err := m.Complete(ctx, model.TriggerForced)
		if err == nil {
			return completed, true, nil
		}
		if !errors.Is(err, ErrInvalidTransition) {
			return nil, true, err
		}
	}
	return snap, true, nil
}

// Complete ends the session and scores it. Exactly one caller wins; every
// other concurrent or later call gets ErrInvalidState. Scoring is not bound to
// ctx cancellation so a dropped request still yields a verdict.
func (m *ExamSessionStateMachine) Complete(ctx context.Context, trigger model.Trigger) (*model.ExamSession, error) {
	if !trigger.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTrigger, trigger)
	}

	m.mu.Lock()
	if m.session.Status != model.SessionStatusInProgress || m.closing || m.detached {
		m.mu.Unlock()
		return nil, ErrInvalidState
	}

	now := m.deps.Clock.Now()
	if m.deps.Guard != nil {
		ok, err := m.deps.Guard.Transition(ctx, m.session.ID, model.SessionStatusInProgress, model.SessionStatusCompleted, now)
		switch {
		case err != nil:
			m.log.Warn().Err(err).Msg("Transition guard unavailable, completing on local lock")
		case !ok:
			m.detachLocked()
			m.mu.Unlock()
			return nil, ErrInvalidState
		}
	}

	m.closing = true
	m.published = false
	m.countdown.Cancel()

	m.session.CompletedAt = &now
	answers := m.session.Clone().Answers
	unsaved := make(map[string]struct{}, len(m.unsaved))
	for id := range m.unsaved {
		unsaved[id] = struct{}{}
	}
	m.mu.Unlock()

	ctx, span := tracing.Tracer.Start(context.WithoutCancel(ctx), "ExamSession.Complete")
	span.SetAttributes(
		attribute.String("session.id", m.session.ID),
		attribute.String("trigger", string(trigger)),
	)
	defer span.End()

	answers = m.mergeSharedDrafts(ctx, answers, unsaved)
	result := m.deps.Scorer.Score(ctx, m.exam, answers)

	m.mu.Lock()
	m.session.Answers = answers
	score, passed := result.Score, result.Passed
	m.session.Score = &score
	m.session.Passed = &passed
	m.session.Audit = &model.CompletionAudit{
		Trigger:  trigger,
		Degraded: result.Degraded,
		Feedback: result.Feedback,
	}
	m.session.Status = model.SessionStatusCompleted
	m.closing = false
	if m.deps.Results == nil {
		m.published = true
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()

	metrics.SessionTransitions.WithLabelValues(string(model.SessionStatusCompleted), string(trigger)).Inc()
	m.log.Info().
		Str("trigger", string(trigger)).
		Int("score", score).
		Bool("passed", passed).
		Int("degraded", len(result.Degraded)).
		Int("flags", len(snap.Flags)).
		Msg("Exam session completed")

	m.republish()

	verdict, _ := snap.Result()
	m.deps.Events.Publish(SessionEvent{Type: EventCompleted, SessionID: snap.ID, Trigger: trigger, Result: &verdict})
	return snap, nil
}

// mergeSharedDrafts overlays drafts recorded through any process on the
// frozen answers. Local drafts that never reached the autosaver win.
func (m *ExamSessionStateMachine) mergeSharedDrafts(ctx context.Context, answers map[string]model.Answer, unsaved map[string]struct{}) map[string]model.Answer {
	if m.deps.Autosaver == nil {
		return answers
	}
	loadCtx, cancel := context.WithTimeout(ctx, sinkTimeout)
	defer cancel()

	drafts, err := m.deps.Autosaver.LoadDrafts(loadCtx, m.session.ID)
	if err != nil {
		m.log.Warn().Err(err).Msg("Shared drafts unavailable, scoring local answers")
		return answers
	}
	for id, draft := range drafts {
		if _, ok := unsaved[id]; ok {
			continue
		}
		q, ok := m.exam.Question(id)
		if !ok || draft.Kind != q.Kind || draft.Validate() != nil {
			continue
		}
		draft.QuestionID = id
		answers[id] = draft
	}
	return answers
}

// republish hands the verdict to the result publisher, retrying with backoff.
// A completion whose result never got out stays unpublished so the sweeper
// keeps it and tries again.
func (m *ExamSessionStateMachine) republish() {
	m.mu.Lock()
	if m.published || m.publishing || m.session.Status != model.SessionStatusCompleted {
		m.mu.Unlock()
		return
	}
	m.publishing = true
	snap := m.snapshotLocked()
	m.mu.Unlock()
	backoff := publishBackoff

	go func() {
		var err error
		for attempt := 0; attempt < publishAttempts; attempt++ {
			if attempt > 0 {
				time.Sleep(time.Duration(attempt) * backoff)
			}
			err = errPublishAborted
			m.dispatch("publish result", func(ctx context.Context) error {
				err = m.deps.Results.PublishResult(ctx, snap)
				return err
			})
			if err == nil {
				break
			}
		}

		m.mu.Lock()
		m.publishing = false
		m.published = err == nil
		m.mu.Unlock()
		if err != nil {
			m.log.Error().Err(err).Msg("Result not published, keeping session for retry")
		}
	}()
}

// detachLocked stops the local countdown after another process moved the
// session on.
func (m *ExamSessionStateMachine) detachLocked() {
	m.detached = true
	m.countdown.Cancel()
}

func (m *ExamSessionStateMachine) detach() {
	m.mu.Lock()
	m.detachLocked()
	m.mu.Unlock()
}

// Detached reports whether the registry must reload this session.
func (m *ExamSessionStateMachine) Detached() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.detached
}

// behind reports whether the shared lifecycle is ahead of this machine. A
// machine that is scoring its own completion is never behind.
func (m *ExamSessionStateMachine) behind(rec GuardRecord) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return false
	}
	return statusRank(rec.Status) > statusRank(m.session.Status)
}

// sweepable reports whether the machine can leave the registry. Completed
// sessions whose result is not yet published stay.
func (m *ExamSessionStateMachine) sweepable(cutoff time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.detached {
		return true
	}
	return m.session.Status == model.SessionStatusCompleted &&
		m.published &&
		m.session.CompletedAt != nil &&
		m.session.CompletedAt.Before(cutoff)
}

func statusRank(s model.SessionStatus) int {
	switch s {
	case model.SessionStatusInProgress:
		return 1
	case model.SessionStatusCompleted:
		return 2
	default:
		return 0
	}
}

func (m *ExamSessionStateMachine) onExpire() {
	if _, err := m.Complete(context.Background(), model.TriggerTimeout); err != nil && !errors.Is(err, ErrInvalidTransition) {
		m.log.Error().Err(err).Msg("Timeout completion failed")
	}
}

func (m *ExamSessionStateMachine) onTick(remaining time.Duration) {
	m.deps.Events.Publish(SessionEvent{
		Type:             EventTimer,
		SessionID:        m.session.ID,
		RemainingSeconds: int(math.Ceil(remaining.Seconds())),
	})
}

// dispatch runs a best-effort side effect with its own timeout.
func (m *ExamSessionStateMachine) dispatch(what string, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Str("op", what).Msg("Side effect panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		m.log.Warn().Err(err).Str("op", what).Msg("Side effect failed")
	}
}
