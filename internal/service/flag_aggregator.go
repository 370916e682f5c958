package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// DefaultSuppressionWindow is the per-type deduplication interval.
const DefaultSuppressionWindow = 5 * time.Second

// FlagLogger is the logging collaborator for accepted flags. Calls are
// fire-and-forget; errors are logged and dropped.
type FlagLogger interface {
	LogFlag(ctx context.Context, entry model.FlagLogEntry) error
}

// ProctoringFlagAggregator deduplicates integrity events per flag type and
// emits a best-effort log side effect for every accepted flag. It holds no
// per-session state; the state machine owns the flag list.
type ProctoringFlagAggregator struct {
	window     time.Duration
	sink       FlagLogger
	logTimeout time.Duration
	log        zerolog.Logger
}

// NewProctoringFlagAggregator creates an aggregator. A nil sink disables the log side effect.
func NewProctoringFlagAggregator(window, logTimeout time.Duration, sink FlagLogger, log zerolog.Logger) *ProctoringFlagAggregator {
	if window <= 0 {
		window = DefaultSuppressionWindow
	}
	if logTimeout <= 0 {
		logTimeout = 3 * time.Second
	}
	return &ProctoringFlagAggregator{
		window:     window,
		sink:       sink,
		logTimeout: logTimeout,
		log:        log.With().Str("component", "flag_aggregator").Logger(),
	}
}

// Suppressed reports whether candidate falls inside the suppression window of
// an existing flag of the same type. The window is symmetric: a candidate
// stamped earlier than a recorded flag (clients report out of order) is
// suppressed when |candidate - recorded| < window, same as a later one.
func (a *ProctoringFlagAggregator) Suppressed(flags []model.ProctoringFlag, candidate model.ProctoringFlag) bool {
	for _, f := range flags {
		if f.Type != candidate.Type {
			continue
		}
		gap := candidate.Timestamp.Sub(f.Timestamp)
		if gap < 0 {
			gap = -gap
		}
		if gap < a.window {
			return true
		}
	}
	return false
}

// Observe returns the flag list with candidate appended when it is accepted,
// together with the acceptance verdict. Accepted flags are handed to the
// logging collaborator without blocking the caller.
func (a *ProctoringFlagAggregator) Observe(entry model.FlagLogEntry, flags []model.ProctoringFlag) ([]model.ProctoringFlag, bool) {
	candidate := entry.Flag
	if a.Suppressed(flags, candidate) {
		metrics.FlagsObserved.WithLabelValues(string(candidate.Type), "suppressed").Inc()
		return flags, false
	}

	metrics.FlagsObserved.WithLabelValues(string(candidate.Type), "accepted").Inc()
	a.emit(entry)
	return append(flags, candidate), true
}

func (a *ProctoringFlagAggregator) emit(entry model.FlagLogEntry) {
	a.log.Info().
		Str("session_id", entry.SessionID).
		Str("flag_type", string(entry.Flag.Type)).
		Time("flag_at", entry.Flag.Timestamp).
		Msg("Proctoring flag accepted")

	if a.sink == nil {
		return
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				a.log.Error().Interface("panic", r).Msg("Flag logger panicked")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), a.logTimeout)
		defer cancel()

		if err := a.sink.LogFlag(ctx, entry); err != nil {
			a.log.Warn().Err(err).Str("session_id", entry.SessionID).Msg("Flag log failed, dropping")
		}
	}()
}
