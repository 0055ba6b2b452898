package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"mediaqueue/config"
	"mediaqueue/ffmpeg"
	"mediaqueue/store"
	"mediaqueue/worker"
)

// eventPollInterval is how often the event stream re-reads the store; no
// server-side change notification is assumed.
const eventPollInterval = 500 * time.Millisecond

type Handler struct {
	store *store.Store
	cfg   *config.Config
	poll  time.Duration
}

func NewHandler(st *store.Store, cfg *config.Config) *Handler {
	return &Handler{store: st, cfg: cfg, poll: eventPollInterval}
}

type SleepRequest struct {
	Seconds float64 `json:"seconds"`
	Steps   int     `json:"steps"`
}

// handleEnqueueSleep queues a demo.sleep task.
func (h *Handler) handleEnqueueSleep(c *gin.Context) {
	req := SleepRequest{Seconds: 5.0, Steps: 10}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errResp(err.Error()))
			return
		}
	}
	if req.Seconds < 0 || req.Steps < 0 || req.Steps > 200 {
		c.JSON(http.StatusBadRequest, errResp("seconds must be >= 0 and steps within 0..200"))
		return
	}

	id, err := h.store.Enqueue(c.Request.Context(), worker.KindDemoSleep, "demo-sleep", req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errResp(err.Error()))
		return
	}
	c.JSON(http.StatusOK, ok(EnqueueResult{ID: id}))
}

// handleEnqueueProbe queues an ffmpeg.probe task.
func (h *Handler) handleEnqueueProbe(c *gin.Context) {
	id, err := h.store.Enqueue(c.Request.Context(), worker.KindFFmpegProbe, "ffmpeg-probe", map[string]any{})
	if err != nil {
		c.JSON(http.StatusInternalServerError, errResp(err.Error()))
		return
	}
	c.JSON(http.StatusOK, ok(EnqueueResult{ID: id}))
}

// handleEnqueuePipeline queues an ffmpeg.pipeline task. The payload is
// validated before enqueue so malformed work never reaches a worker.
func (h *Handler) handleEnqueuePipeline(c *gin.Context) {
	var req ffmpeg.PipelinePayload
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errResp(err.Error()))
		return
	}
	if req.Label == "" {
		req.Label = "ffmpeg-pipeline"
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, errResp(err.Error()))
		return
	}

	id, err := h.store.Enqueue(c.Request.Context(), worker.KindFFmpegPipeline, req.Label, req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errResp(err.Error()))
		return
	}
	c.JSON(http.StatusOK, ok(EnqueueResult{ID: id}))
}

// handleEnqueueSearch queues an ffmpeg.search task.
func (h *Handler) handleEnqueueSearch(c *gin.Context) {
	var req ffmpeg.SearchPayload
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errResp(err.Error()))
		return
	}
	if req.Label == "" {
		req.Label = "ffmpeg-search"
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, errResp(err.Error()))
		return
	}

	id, err := h.store.Enqueue(c.Request.Context(), worker.KindFFmpegSearch, req.Label, req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errResp(err.Error()))
		return
	}
	c.JSON(http.StatusOK, ok(EnqueueResult{ID: id}))
}

// handleGetTask returns a point-in-time status snapshot.
func (h *Handler) handleGetTask(c *gin.Context) {
	task, err := h.store.Fetch(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, errResp(fmt.Sprintf("task not found: %s", c.Param("taskId"))))
			return
		}
		c.JSON(http.StatusInternalServerError, errResp(err.Error()))
		return
	}
	c.JSON(http.StatusOK, ok(snapshot(task)))
}

// handleTaskEvents streams status snapshots as server-sent events. A
// `progress` event is emitted whenever the task's seq counter changes, then
// a terminal `done`/`failed` event closes the stream.
func (h *Handler) handleTaskEvents(c *gin.Context) {
	id := c.Param("taskId")
	ctx := c.Request.Context()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	lastSeq := int64(-1)
	for {
		task, err := h.store.Fetch(ctx, id)
		if err != nil {
			c.SSEvent("error", gin.H{"type": "error", "message": "task not found"})
			c.Writer.Flush()
			return
		}

		if task.Seq != lastSeq {
			lastSeq = task.Seq
			c.SSEvent("progress", snapshot(task))
			c.Writer.Flush()
		}

		switch task.Status {
		case store.StatusFinished:
			c.SSEvent("done", snapshot(task))
			c.Writer.Flush()
			return
		case store.StatusFailed:
			c.SSEvent("failed", snapshot(task))
			c.Writer.Flush()
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(h.poll):
		}
	}
}
