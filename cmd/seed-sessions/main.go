package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/service"
)

func main() {
	var (
		candidates int
		minutes    int
		maxFlags   int
	)
	flag.IntVar(&candidates, "candidates", 5, "Number of pending sessions to create")
	flag.IntVar(&minutes, "minutes", 30, "Exam time limit in minutes")
	flag.IntVar(&maxFlags, "max-flags", 0, "Accepted flags that force completion (0 disables)")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat, "")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	examRepo := repository.NewExamRepository(pool)
	sessionRepo := repository.NewExamSessionRepository(pool)
	authService := service.NewAuthService(cfg, rdb)

	exam := demoExam(minutes, maxFlags)
	if err := exam.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Demo exam is invalid")
	}
	if err := examRepo.Create(ctx, exam); err != nil {
		log.Fatal().Err(err).Msg("Failed to create exam")
	}
	fmt.Printf("=== Created exam %q (%s) ===\n", exam.Title, exam.ID)

	successCount := 0
	for i := 0; i < candidates; i++ {
		candidateID := fmt.Sprintf("candidate-%03d", i+1)
		session := model.NewPendingSession("", candidateID, exam.ID)
		if err := sessionRepo.Create(ctx, session); err != nil {
			fmt.Printf("Error creating session for %s: %v\n", candidateID, err)
			continue
		}

		token, err := authService.GenerateCandidateToken(ctx, candidateID, session.ID)
		if err != nil {
			fmt.Printf("Error issuing token for %s: %v\n", candidateID, err)
			continue
		}
		successCount++
		fmt.Printf("\n%s\n  session: %s\n  token:   %s\n", candidateID, session.ID, token)
	}

	proctorToken, err := authService.GenerateProctorToken("proctor-demo", []string{exam.ID})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to issue proctor token")
	}

	fmt.Printf("\nproctor token: %s\n", proctorToken)
	fmt.Printf("\nSeed completed! Created %d/%d sessions.\n", successCount, candidates)
}

func demoExam(minutes, maxFlags int) *model.Exam {
	return &model.Exam{
		Title:            "Backend Engineer Screening",
		JobContext:       "Go backend engineer working on high-traffic HTTP services backed by PostgreSQL and Redis.",
		PassMark:         60,
		TimeLimitMinutes: minutes,
		MaxFlags:         maxFlags,
		Questions: []model.Question{
			{
				Kind:               model.QuestionKindMultipleChoice,
				Text:               "Which statement about Go maps is true?",
				Options:            []string{"They are safe for concurrent writes", "Iteration order is unspecified", "Keys may be slices", "They are passed by value"},
				CorrectAnswerIndex: 1,
			},
			{
				Kind:               model.QuestionKindMultipleChoice,
				Text:               "What does context.WithTimeout return besides the derived context?",
				Options:            []string{"An error", "A channel", "A cancel function", "A deadline"},
				CorrectAnswerIndex: 2,
			},
			{
				Kind:               model.QuestionKindMultipleChoice,
				Text:               "Which PostgreSQL feature prevents two open sessions per candidate and exam?",
				Options:            []string{"A partial unique index", "A sequence", "A materialized view", "VACUUM"},
				CorrectAnswerIndex: 0,
			},
			{
				Kind: model.QuestionKindOpenEnded,
				Text: "Describe how you would make a Redis-backed job queue survive a database outage.",
			},
			{
				Kind: model.QuestionKindOpenEnded,
				Text: "Explain when you would reach for a mutex instead of a channel in Go.",
			},
		},
	}
}
