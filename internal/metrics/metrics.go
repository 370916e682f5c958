package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"method", "endpoint"},
	)

	SessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exam_session_transitions_total",
			Help: "Exam session status transitions by target status and trigger",
		},
		[]string{"to", "trigger"},
	)

	FlagsObserved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proctoring_flags_total",
			Help: "Proctoring flags by type and outcome (accepted, suppressed, closed)",
		},
		[]string{"type", "outcome"},
	)

	GradingRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grading_requests_total",
			Help: "Open-ended grading calls by outcome (ok, timeout, failure)",
		},
		[]string{"outcome"},
	)

	GradingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "grading_request_duration_seconds",
			Help:    "Duration of open-ended grading calls",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "exam_sessions_loaded",
			Help: "Exam sessions currently held by the session registry",
		},
	)
)

var registerOnce sync.Once

// Init registers all collectors with the default registry. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			RequestCounter,
			RequestDuration,
			SessionTransitions,
			FlagsObserved,
			GradingRequests,
			GradingDuration,
			ActiveSessions,
		)
	})
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := c.Writer.Status()

		RequestCounter.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			strconv.Itoa(status),
		).Inc()

		RequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
		).Observe(duration)
	}
}

func PrometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
