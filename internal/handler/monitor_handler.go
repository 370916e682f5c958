package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
	refreshTimeout    = 5 * time.Second // prevent slow queries from blocking the SSE loop
)

type MonitorHandler struct {
	rdb            *redis.Client
	monitorService *service.MonitorService
	log            zerolog.Logger
}

func NewMonitorHandler(rdb *redis.Client, monitorService *service.MonitorService, log zerolog.Logger) *MonitorHandler {
	return &MonitorHandler{
		rdb:            rdb,
		monitorService: monitorService,
		log:            log.With().Str("component", "monitor_handler").Logger(),
	}
}

// MonitorExamSSE godoc
// GET /api/v1/proctor/exams/:exam_id/monitor
// Streams a snapshot, then live flag/completion events and periodic refreshes.
func (h *MonitorHandler) MonitorExamSSE(c *gin.Context) {
	examID := c.Param("exam_id")
	reqCtx := c.Request.Context()

	exam, err := h.monitorService.GetExam(reqCtx, examID)
	if err != nil {
		if errors.Is(err, repository.ErrExamNotFound) {
			response.Fail(c, http.StatusNotFound, response.ErrNotFound)
			return
		}
		h.log.Error().Err(err).Str("exam_id", examID).Msg("Failed to load exam")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	h.sendSnapshot(c, reqCtx, exam, "snapshot")

	pubsub := h.rdb.Subscribe(reqCtx, config.CacheKey.ExamMonitorChannel(examID))
	defer pubsub.Close()
	ch := pubsub.Channel()

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()

	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()

	// Refreshes are skipped until something happened on the exam.
	dirty := false

	h.log.Info().Str("exam_id", examID).Msg("Proctor attached to live monitor SSE")

	pingPayload, _ := json.Marshal(map[string]string{"type": "ping"})

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("exam_id", examID).Msg("Proctor disconnected from live monitor SSE")
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			// Payload is already a JSON MonitorEvent.
			writeSSEData(c, []byte(msg.Payload))
			dirty = true

		case <-refreshTicker.C:
			if !dirty {
				continue
			}
			h.sendSnapshot(c, reqCtx, exam, "refresh")
			dirty = false

		case <-keepAliveTicker.C:
			writeSSEData(c, pingPayload)
		}
	}
}

func (h *MonitorHandler) sendSnapshot(c *gin.Context, parentCtx context.Context, exam *model.Exam, kind string) {
	ctx, cancel := context.WithTimeout(parentCtx, refreshTimeout)
	defer cancel()

	snap, err := h.monitorService.Snapshot(ctx, exam)
	if err != nil {
		h.log.Warn().Err(err).Str("exam_id", exam.ID).Msg("Failed to build monitor snapshot")
		return
	}

	c.SSEvent("message", map[string]interface{}{
		"type": kind,
		"data": snap,
	})
	c.Writer.Flush()
}

func writeSSEData(c *gin.Context, payload []byte) {
	c.Writer.Write([]byte("data: "))
	c.Writer.Write(payload)
	c.Writer.Write([]byte("\n\n"))
	c.Writer.Flush()
}
