package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"basegraph.app/jobagent/common/logger"
	"basegraph.app/jobagent/internal/bus"
	"basegraph.app/jobagent/internal/model"
)

type Acker interface {
	Ack(ctx context.Context, stream, id string) error
}

type Fetcher interface {
	Next(ctx context.Context, queue string, first bool) (*model.Job, error)
}

// StatusSink receives (state, create) and (execution, changestate) notifications.
type StatusSink interface {
	Publish(ctx context.Context, notice model.Job) error
}

type StatusSinkFunc func(ctx context.Context, notice model.Job) error

func (f StatusSinkFunc) Publish(ctx context.Context, notice model.Job) error { return f(ctx, notice) }

// Gateway answers the broker's message and state jobs against the transport.
type Gateway struct {
	name    string
	acker   Acker
	fetcher Fetcher
	sinks   []StatusSink
}

func NewGateway(name string, acker Acker, fetcher Fetcher, sinks ...StatusSink) *Gateway {
	return &Gateway{name: name, acker: acker, fetcher: fetcher, sinks: sinks}
}

// Register routes every nature the gateway answers to it.
func (g *Gateway) Register(r *bus.Router) {
	for _, n := range []model.Nature{model.NatureAcknowledge, model.NatureGet, model.NatureStateCreate, model.NatureChangeState} {
		r.Handle(n, g)
	}
}

// Process implements bus.Processor.
func (g *Gateway) Process(ctx context.Context, job model.Job, h *bus.Handle) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "jobagent.queue.gateway"})

	switch job.Nature {
	case model.NatureAcknowledge:
		if err := g.acker.Ack(ctx, job.Payload.Queue, job.Payload.MessageID); err != nil {
			slog.WarnContext(ctx, "ack failed", "error", err, "job_id", job.Payload.JobID)
			h.Error(g.name, err, model.Result{})
			return
		}
		h.Done(g.name, model.Result{State: model.StateAcked, OK: true})

	case model.NatureGet:
		sub, err := g.fetcher.Next(ctx, job.Payload.Queue, job.Payload.First)
		if err != nil {
			h.Error(g.name, err, model.Result{})
			return
		}
		if sub == nil {
			h.Done(g.name, model.Result{OK: true, Empty: true})
			return
		}
		h.Done(g.name, model.Result{OK: true, Job: sub})

	case model.NatureStateCreate, model.NatureChangeState:
		var errs []error
		for _, sink := range g.sinks {
			if err := sink.Publish(ctx, job); err != nil {
				errs = append(errs, err)
			}
		}
		if err := errors.Join(errs...); err != nil {
			h.Error(g.name, err, model.Result{})
			return
		}
		h.Done(g.name, model.Result{State: job.Payload.State, OK: true})

	default:
		h.Reject(g.name, fmt.Errorf("%w: gateway cannot answer %s", model.ErrUnknownNature, job.Nature))
	}
}
