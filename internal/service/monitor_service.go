package service

import (
	"context"
	"fmt"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"golang.org/x/sync/errgroup"
)

// MonitorService assembles the proctor's live view of an exam.
type MonitorService struct {
	monitorRepo *repository.MonitorRepository
	exams       *ExamService
}

// NewMonitorService creates a new MonitorService.
func NewMonitorService(monitorRepo *repository.MonitorRepository, exams *ExamService) *MonitorService {
	return &MonitorService{monitorRepo: monitorRepo, exams: exams}
}

// ExamStats aggregates session counts of one exam.
type ExamStats struct {
	TotalAssigned   int   `json:"total_assigned"`
	TotalInProgress int   `json:"total_in_progress"`
	TotalCompleted  int   `json:"total_completed"`
	TotalPassed     int   `json:"total_passed"`
	TotalFlags      int64 `json:"total_flags"`
}

// MonitorSnapshot is the first event a proctor receives.
type MonitorSnapshot struct {
	Exam     model.ExamPaper             `json:"exam"`
	Stats    ExamStats                   `json:"stats"`
	Sessions []repository.SessionSummary `json:"sessions"`
}

// GetExam returns the exam a proctor is watching.
func (s *MonitorService) GetExam(ctx context.Context, examID string) (*model.Exam, error) {
	return s.exams.GetByID(ctx, examID)
}

// Snapshot loads sessions, answered counts and flag counts concurrently.
// Flag counts are best-effort; a failure leaves them at zero.
func (s *MonitorService) Snapshot(ctx context.Context, exam *model.Exam) (*MonitorSnapshot, error) {
	var (
		sessions []repository.SessionSummary
		answered map[string]int64
		flags    map[string]int64
		flagsErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		sessions, err = s.monitorRepo.ListSessions(gctx, exam.ID)
		return err
	})
	g.Go(func() error {
		var err error
		answered, err = s.monitorRepo.GetAnsweredCounts(gctx, exam.ID)
		return err
	})
	g.Go(func() error {
		flags, flagsErr = s.monitorRepo.GetFlagCounts(gctx, exam.ID)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("monitor snapshot: %w", err)
	}

	snap := &MonitorSnapshot{Exam: exam.Paper(), Sessions: sessions}
	for i := range snap.Sessions {
		row := &snap.Sessions[i]
		row.AnsweredCount = answered[row.SessionID]
		if flagsErr == nil {
			row.FlagCount = flags[row.SessionID]
			snap.Stats.TotalFlags += row.FlagCount
		}

		snap.Stats.TotalAssigned++
		switch row.Status {
		case model.SessionStatusInProgress:
			snap.Stats.TotalInProgress++
		case model.SessionStatusCompleted:
			snap.Stats.TotalCompleted++
			if row.Passed != nil && *row.Passed {
				snap.Stats.TotalPassed++
			}
		}
	}
	if snap.Sessions == nil {
		snap.Sessions = []repository.SessionSummary{}
	}
	return snap, nil
}
