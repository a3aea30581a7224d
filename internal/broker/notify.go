package broker

import (
	"log/slog"

	"basegraph.app/jobagent/internal/bus"
	"basegraph.app/jobagent/internal/model"
)

func (b *Broker) send(job model.Job) *bus.Handle {
	return b.out.Send(b.ctx, job)
}

// watch feeds the handle's events into the broker loop. Events arriving
// after the broker stopped are drained and dropped.
func (b *Broker) watch(h *bus.Handle, fn func(bus.Event)) {
	go func() {
		stopped := false
		for ev := range h.Events() {
			if stopped {
				continue
			}
			if !b.enqueue(func() { fn(ev) }) {
				stopped = true
			}
		}
	}()
}

// notify sends a fire-and-forget side job, logging when it fails.
func (b *Broker) notify(job model.Job) {
	h := b.send(job)
	ctx := b.ctx
	go func() {
		for ev := range h.Events() {
			if ev.Kind.Failed() {
				slog.WarnContext(ctx, "notification failed",
					"nature", job.Nature.String(),
					"job_id", job.Payload.JobID,
					"error", ev.Err)
			}
		}
	}()
}

// ack acknowledges the inbound message job arrived on. Sub-jobs of a running
// group are acked against the group's queue, else against fallback.
func (b *Broker) ack(job model.Job, fallback string) {
	if job.Internal {
		return
	}
	queue := fallback
	if g := b.runningGroup(job.Payload.GroupJobID); g != nil {
		queue = g.job.Payload.Queue
	}
	b.notify(model.NewAckJob(job, queue))
}

func (b *Broker) notifyState(job model.Job, state model.State, message string, err error) {
	if job.Internal {
		return
	}
	st := model.NewStateJob(job.ID, state, message, err)
	st.TraceID = job.TraceID
	b.notify(st)
}

func (b *Broker) notifyChange(job model.Job, result model.Result) {
	if job.Internal {
		return
	}
	change := model.NewChangeStateJob(job.ID, result.State, result.Message)
	change.TraceID = job.TraceID
	b.notify(change)
}
