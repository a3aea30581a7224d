package bus

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"basegraph.app/jobagent/common/logger"
	"basegraph.app/jobagent/internal/model"
)

// Sender publishes a job and returns the handle its lifecycle is reported on.
// Send must not block on the processing of the job.
type Sender interface {
	Send(ctx context.Context, job model.Job) *Handle
}

// Processor handles one job and must eventually emit a terminal event on h.
type Processor interface {
	Process(ctx context.Context, job model.Job, h *Handle)
}

type ProcessorFunc func(ctx context.Context, job model.Job, h *Handle)

func (f ProcessorFunc) Process(ctx context.Context, job model.Job, h *Handle) {
	f(ctx, job, h)
}

// Router dispatches sent jobs to the processor registered for their nature.
type Router struct {
	name string

	mu     sync.RWMutex
	routes map[model.Nature]Processor
}

func NewRouter(name string) *Router {
	return &Router{
		name:   name,
		routes: make(map[model.Nature]Processor),
	}
}

func (r *Router) Handle(nature model.Nature, p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[nature] = p
}

func (r *Router) route(nature model.Nature) (Processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.routes[nature]
	return p, ok
}

func (r *Router) Send(ctx context.Context, job model.Job) *Handle {
	h := NewHandle(job)

	p, ok := r.route(job.Nature)
	if !ok {
		go h.Reject(r.name, fmt.Errorf("%w: no route for %s", model.ErrUnknownNature, job.Nature))
		return h
	}

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				slog.ErrorContext(ctx, "processor panic recovered",
					"panic", rec,
					"nature", job.Nature.String(),
					"job_id", job.ID,
					"stack", string(debug.Stack()))
				h.Error(r.name, fmt.Errorf("processor panic: %v", rec), model.Result{State: model.StateFinished})
			}
		}()

		ctx = logger.WithLogFields(ctx, logger.LogFields{
			JobID:  logger.Ptr(job.ID),
			Nature: logger.Ptr(job.Nature.String()),
		})
		p.Process(ctx, job, h)
	}()
	return h
}
