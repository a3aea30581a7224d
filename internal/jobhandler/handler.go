// Package jobhandler routes execution jobs to the executor registered for
// their kind and reports each job's lifecycle on its bus handle.
package jobhandler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"basegraph.app/jobagent/common/id"
	"basegraph.app/jobagent/common/logger"
	"basegraph.app/jobagent/internal/bus"
	"basegraph.app/jobagent/internal/executor"
	"basegraph.app/jobagent/internal/model"
)

type Handler struct {
	name      string
	executors map[model.Quality]executor.Executor

	mu      sync.Mutex
	running map[string]model.Job
}

func New(name string, executors map[model.Quality]executor.Executor) *Handler {
	return &Handler{
		name:      name,
		executors: executors,
		running:   make(map[string]model.Job),
	}
}

func (h *Handler) Validate(job model.Job) error {
	if !id.IsJobID(job.ID) {
		return &model.ValidationError{Field: "id", Reason: "must be a 24 character hex id"}
	}
	if job.Nature.Type != model.TypeExecution {
		return &model.ValidationError{Field: "nature.type", Reason: fmt.Sprintf("%q is not executable", job.Nature.Type)}
	}
	if job.Nature.Quality == model.QualityCancelation {
		if !id.IsJobID(job.Payload.JobID) {
			return &model.ValidationError{Field: "payload.jobid", Reason: "must name the job to cancel"}
		}
		return nil
	}

	exec, ok := h.executors[job.ExecutorQuality()]
	if !ok || (job.Nature.Quality != model.QualityRun && job.Nature.Quality != model.QualityCommandLine) {
		return &model.ValidationError{Field: "nature.quality", Reason: fmt.Sprintf("no executor for %s", job.Nature)}
	}
	return exec.Validate(job)
}

// Process implements bus.Processor.
func (h *Handler) Process(ctx context.Context, job model.Job, handle *bus.Handle) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		JobID:     logger.Ptr(job.ID),
		Component: "jobagent.jobhandler",
	})

	if err := h.Validate(job); err != nil {
		slog.WarnContext(ctx, "job rejected", "error", err)
		handle.Reject(h.name, err)
		return
	}

	quality := job.ExecutorQuality()
	if job.Nature.Quality == model.QualityCancelation {
		target, ok := h.lookup(job.Payload.JobID)
		if !ok {
			handle.Accept(h.name)
			handle.Done(h.name, model.Result{
				State:   model.StateFinished,
				OK:      true,
				Message: fmt.Sprintf("job %s was not running", job.Payload.JobID),
			})
			return
		}
		quality = target.ExecutorQuality()
	}

	if !h.register(job) {
		handle.Reject(h.name, fmt.Errorf("%w: %s", executor.ErrAlreadyRunning, job.ID))
		return
	}
	handle.Accept(h.name)

	exec := h.executors[quality]
	ack, err := exec.Process(ctx, job, func(result model.Result, err error) {
		h.deregister(job.ID)
		switch {
		case err != nil:
			slog.ErrorContext(ctx, "job failed", "error", err)
			handle.Error(h.name, err, result)
		case result.CancelMode != "":
			slog.InfoContext(ctx, "job canceled", "mode", string(result.CancelMode))
			handle.Canceled(h.name, result)
		default:
			slog.InfoContext(ctx, "job finished", "exit_code", result.ExitCode, "ok", result.OK)
			handle.Done(h.name, result)
		}
	})
	if err != nil {
		// onFinished has already reported the failure.
		return
	}
	handle.Progress(h.name, ack)
}

// Running returns the ids of jobs currently executing on this node.
func (h *Handler) Running() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.running))
	for id := range h.running {
		ids = append(ids, id)
	}
	return ids
}

func (h *Handler) lookup(jobID string) (model.Job, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	job, ok := h.running[jobID]
	return job, ok
}

func (h *Handler) register(job model.Job) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.running[job.ID]; ok {
		return false
	}
	h.running[job.ID] = job
	return true
}

func (h *Handler) deregister(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.running, jobID)
}
