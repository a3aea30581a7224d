package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"

	"basegraph.app/jobagent/common/id"
	"basegraph.app/jobagent/internal/broker"
	"basegraph.app/jobagent/internal/http/dto"
	"basegraph.app/jobagent/internal/model"
)

// JobBroker is the part of the broker the REST surface drives.
type JobBroker interface {
	Process(ctx context.Context, job model.Job) error
	Snapshot(ctx context.Context) (broker.Snapshot, error)
}

// JobProducer appends jobs to a Redis stream.
type JobProducer interface {
	Enqueue(ctx context.Context, stream string, job model.Job) (string, error)
}

type JobHandler struct {
	broker      JobBroker
	producer    JobProducer
	traceHeader string
	now         func() time.Time
}

func NewJobHandler(b JobBroker, producer JobProducer, traceHeader string) *JobHandler {
	return &JobHandler{
		broker:      b,
		producer:    producer,
		traceHeader: traceHeader,
		now:         time.Now,
	}
}

func (h *JobHandler) Submit(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(ctx, "invalid submit request", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job := h.stamp(c, req.Job())
	if err := job.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !h.submit(c, job) {
		return
	}
	c.JSON(http.StatusAccepted, dto.SubmitJobResponse{ID: job.ID})
}

func (h *JobHandler) Cancel(c *gin.Context) {
	ctx := c.Request.Context()
	target := c.Param("id")
	if !id.IsJobID(target) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}

	var req dto.CancelJobRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			slog.WarnContext(ctx, "invalid cancel request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	mode := model.CancelMode(req.Mode)
	if mode == "" {
		mode = model.CancelManual
	}
	if !mode.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cancel mode"})
		return
	}

	job := h.stamp(c, model.Job{
		Nature:  model.NatureCancel,
		Payload: model.Payload{JobID: target, Mode: mode},
	})
	if !h.submit(c, job) {
		return
	}
	c.JSON(http.StatusAccepted, dto.CancelJobResponse{ID: job.ID, Target: target})
}

// Enqueue appends a job to a named stream, typically the external queue a
// group job drains.
func (h *JobHandler) Enqueue(c *gin.Context) {
	ctx := c.Request.Context()
	queueName := c.Param("queue")

	var req dto.SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(ctx, "invalid enqueue request", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job := h.stamp(c, req.Job())
	if err := job.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	messageID, err := h.producer.Enqueue(ctx, queueName, job)
	if err != nil {
		slog.ErrorContext(ctx, "failed to enqueue job", "error", err, "queue", queueName)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue job"})
		return
	}
	c.JSON(http.StatusAccepted, dto.EnqueueJobResponse{ID: job.ID, Queue: queueName, MessageID: messageID})
}

func (h *JobHandler) Broker(c *gin.Context) {
	ctx := c.Request.Context()
	snap, err := h.broker.Snapshot(ctx)
	if err != nil {
		if errors.Is(err, broker.ErrStopped) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "broker stopped"})
			return
		}
		slog.ErrorContext(ctx, "failed to snapshot broker", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read broker state"})
		return
	}
	c.JSON(http.StatusOK, dto.NewBrokerResponse(snap))
}

func (h *JobHandler) stamp(c *gin.Context, job model.Job) model.Job {
	if job.ID == "" {
		job.ID = id.NewJobID()
	}
	if job.RequestTimestamp == 0 {
		job.RequestTimestamp = h.now().UnixMilli()
	}

	traceID := c.GetHeader(h.traceHeader)
	if traceID == "" {
		if spanCtx := trace.SpanContextFromContext(c.Request.Context()); spanCtx.IsValid() {
			traceID = spanCtx.TraceID().String()
		}
	}
	job.TraceID = traceID
	return job
}

func (h *JobHandler) submit(c *gin.Context, job model.Job) bool {
	ctx := c.Request.Context()
	if err := h.broker.Process(ctx, job); err != nil {
		if errors.Is(err, broker.ErrStopped) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "broker stopped"})
			return false
		}
		slog.ErrorContext(ctx, "failed to submit job", "error", err, "job_id", job.ID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit job"})
		return false
	}
	return true
}
