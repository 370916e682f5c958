package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/tracing"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Session *handler.SessionHandler
	Proctor *handler.ProctorHandler
	WS      *handler.WSHandler
	Monitor *handler.MonitorHandler
	System  *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
// limiter may be nil to disable HTTP rate limiting.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	cfg *config.Config,
	limiter *middleware.RateLimiter,
	log zerolog.Logger,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// ─── CORS ──────────────────────────────────────────────────────────
	// Restrict to AllowedOrigins when set, otherwise allow all (dev).
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	router.Use(response.RequestContext(log))

	if cfg.MetricsEnabled {
		router.Use(metrics.MetricsMiddleware())
		router.GET("/metrics", metrics.PrometheusHandler())
	}
	if cfg.TracingEndpoint != "" {
		router.Use(tracing.GinMiddleware())
	}

	// Only the REST groups compress; streams stay unbuffered.
	compress := middleware.Compress(middleware.DefaultCompressionConfig)

	router.GET("/health", handlers.System.Health)

	// ─── 1. Candidate Group (JWT + Single Device) ──────────────────────
	sessions := router.Group("/api/v1/sessions/:session_id")
	if limiter != nil {
		sessions.Use(limiter.Middleware())
	}
	sessions.Use(
		middleware.RequireCandidateJWT(authService),
		middleware.CheckSingleDevice(authService),
		compress,
	)
	{
		sessions.GET("", middleware.NoStore(), handlers.Session.GetSession)
		sessions.GET("/paper", middleware.PrivateCache(300), handlers.Session.GetPaper)
		sessions.GET("/result", middleware.NoStore(), handlers.Session.GetResult)
		sessions.POST("/start", handlers.Session.StartSession)
		sessions.PUT("/answers", handlers.Session.SaveAnswer)
		sessions.POST("/flags", handlers.Session.ReportFlag)
		sessions.POST("/submit", handlers.Session.SubmitSession)
	}

	// ─── 2. WebSocket Group (Candidate WS Auth) ────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(
		middleware.RequireCandidateWSAuth(authService),
		middleware.CheckSingleDevice(authService),
	)
	{
		ws.GET("/sessions/:session_id/stream", handlers.WS.SessionStream)
	}

	// ─── 3. Proctor Group (JWT + exam scope) ───────────────────────────
	proctor := router.Group("/api/v1/proctor")
	proctor.Use(middleware.RequireProctorJWT(authService))
	{
		proctorSessions := proctor.Group("/sessions/:session_id", compress)
		proctorSessions.GET("", middleware.NoStore(), handlers.Proctor.GetSession)
		proctorSessions.POST("/complete", handlers.Proctor.ForceComplete)
		proctorSessions.POST("/token", handlers.Proctor.IssueAccessToken)
		proctorSessions.DELETE("/device", handlers.Proctor.ResetDevice)

		proctor.GET("/exams/:exam_id/monitor",
			middleware.RequireExamScope(),
			handlers.Monitor.MonitorExamSSE,
		)

		proctor.GET("/system/metrics", handlers.System.SystemMetricsSSE)
	}

	return router
}
