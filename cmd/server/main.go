package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/grading"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/router"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/tracing"
	"github.com/stemsi/exstem-proctor/internal/validator"
	"github.com/stemsi/exstem-proctor/internal/worker"
)

const sweepInterval = time.Minute

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Msg("Starting ExStem Proctor")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Observability ─────────────────────────────────────────────────
	if cfg.MetricsEnabled {
		metrics.Init()
	}
	if cfg.TracingEndpoint != "" {
		shutdownTracing, err := tracing.Init("exstem-proctor", cfg.TracingEndpoint)
		if err != nil {
			log.Warn().Err(err).Msg("Tracing disabled")
		} else {
			defer func() {
				tctx, tcancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer tcancel()
				if err := shutdownTracing(tctx); err != nil {
					log.Warn().Err(err).Msg("Tracer shutdown error")
				}
			}()
		}
	}

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Initialize Repositories ───────────────────────────────────────
	examRepo := repository.NewExamRepository(pool)
	sessionRepo := repository.NewExamSessionRepository(pool)
	monitorRepo := repository.NewMonitorRepository(pool)

	// ─── Initialize Services ──────────────────────────────────────────
	examService := service.NewExamService(examRepo, rdb, 0, log)
	store := repository.NewSessionStore(sessionRepo, examService, rdb, log)
	authService := service.NewAuthService(cfg, rdb)
	grader := grading.NewHTTPGrader(cfg.GradingURL, cfg.GradingAPIKey, cfg.GradingModel)
	scorer := service.NewScoringEngine(grader, cfg.GradingTimeout, cfg.GradingConcurrency, log)
	aggregator := service.NewProctoringFlagAggregator(cfg.FlagSuppressionWindow, cfg.FlagLogTimeout, service.NewRedisFlagLogger(rdb), log)
	events := service.NewEventHub()

	manager := service.NewSessionManager(store, service.MachineDeps{
		Clock:      clockwork.NewRealClock(),
		Scorer:     scorer,
		Aggregator: aggregator,
		Guard:      service.NewRedisTransitionGuard(rdb, 0),
		Starts:     store,
		Autosaver:  service.NewRedisAnswerAutosaver(rdb),
		Results:    service.NewRedisResultPublisher(rdb),
		Events:     events,
		Log:        log,
	}, cfg.SessionRetention)
	monitorService := service.NewMonitorService(monitorRepo, examService)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Session: handler.NewSessionHandler(manager, log),
		Proctor: handler.NewProctorHandler(manager, authService, log),
		WS:      handler.NewWSHandler(manager, events, log, cfg.AllowedOrigins, cfg.WSMessagesPerSecond),
		Monitor: handler.NewMonitorHandler(rdb, monitorService, log),
		System:  handler.NewSystemHandler(pool, rdb, log),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	startWorker := func(run func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(workerCtx)
		}()
	}

	startWorker(worker.NewFlagWorker(pool, rdb, log).Start)
	startWorker(worker.NewAnswerWorker(pool, rdb, log).Start)
	startWorker(worker.NewResultWorker(pool, rdb, log).Start)

	var limiter *middleware.RateLimiter
	if cfg.HTTPRequestsPerMin > 0 {
		limiter = middleware.NewRateLimiter(cfg.HTTPRequestsPerMin, time.Minute)
		go limiter.RunCleanup(ctx)
	}
	go manager.RunSweeper(ctx, sweepInterval)

	// ─── Prewarm Redis Caches ─────────────────────────────────────────
	// Load exams with open sessions before accepting traffic.
	if err := examService.PrewarmOpenExams(ctx); err != nil {
		log.Warn().Err(err).Msg("Cache prewarm failed")
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, cfg, limiter, log)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop background workers and wait for their buffers to flush.
	cancel()
	workerCancel()
	wg.Wait()

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
