package broker

import (
	"fmt"
	"log/slog"

	"basegraph.app/jobagent/internal/bus"
	"basegraph.app/jobagent/internal/model"
)

func (b *Broker) runningGroup(groupID string) *entry {
	if groupID == "" {
		return nil
	}
	if e, ok := b.running[groupID]; ok && e.role == roleRead {
		return e
	}
	return nil
}

// fetch asks the transport for the group's next sub-job.
func (b *Broker) fetch(g *entry, first bool) {
	g.fetches++
	h := b.send(model.NewGetJob(g.job, first))
	b.watch(h, func(ev bus.Event) { b.onFetch(g, first, ev) })
}

func (b *Broker) onFetch(g *entry, first bool, ev bus.Event) {
	if !ev.Kind.Terminal() {
		return
	}
	ctx := b.jobContext(g.job)

	if b.running[g.job.ID] != g || g.canceling {
		if ev.Kind == bus.EventDone && ev.Result.Job != nil {
			b.settleOrphan(g, *ev.Result.Job)
		}
		return
	}

	switch {
	case ev.Kind != bus.EventDone:
		b.terminateGroup(g, model.StateFinished, "fetching the next sub-job failed", ev.Err)
	case ev.Result.Empty || ev.Result.Job == nil:
		if first {
			b.terminateGroup(g, model.StateAcked, "group queue was empty", nil)
			return
		}
		b.terminateGroup(g, model.StateFinished, fmt.Sprintf("group queue drained after %d fetches", g.fetches), nil)
	default:
		sub := *ev.Result.Job
		sub.Payload.GroupJobID = g.job.ID
		if sub.Queue == "" {
			sub.Queue = g.job.Payload.Queue
		}
		if sub.TraceID == "" {
			sub.TraceID = g.job.TraceID
		}

		if err := b.validateSubJob(sub); err != nil {
			b.reject(sub, "sub-job rejected", err)
			b.fetch(g, false)
			return
		}
		slog.InfoContext(ctx, "sub-job fetched", "sub_job_id", sub.ID, "first", first)
		if !b.processDefault(sub) {
			b.fetch(g, false)
		}
	}
}

// settleOrphan ends a sub-job whose group stopped while it was being fetched.
// It never runs, but its message is acked and it gets its terminal state.
func (b *Broker) settleOrphan(g *entry, sub model.Job) {
	sub.Payload.GroupJobID = g.job.ID
	sub.Queue = g.job.Payload.Queue
	if sub.TraceID == "" {
		sub.TraceID = g.job.TraceID
	}
	slog.WarnContext(b.jobContext(g.job), "sub-job fetched after its group ended", "sub_job_id", sub.ID)

	b.ack(sub, g.job.Payload.Queue)
	b.notifyState(sub, g.cancelMode.CanceledState(), "group ended before the sub-job ran", nil)
}

func (b *Broker) validateSubJob(sub model.Job) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	if kind, _ := sub.Nature.BrokerKind(); kind != model.BrokerRun {
		return &model.ValidationError{Field: "nature", Reason: fmt.Sprintf("group sub-jobs must be run jobs, got %s", sub.Nature)}
	}
	return nil
}

// terminateGroup ends a group once. Later calls for the same group are no-ops.
func (b *Broker) terminateGroup(g *entry, state model.State, message string, err error) {
	if b.running[g.job.ID] != g {
		return
	}
	slog.InfoContext(b.jobContext(g.job), "group terminated", "state", string(state), "fetches", g.fetches)

	b.disarm(g.job.ID)
	b.ack(g.job, "")
	b.notifyState(g.job, state, message, err)
	b.remove(g.job.ID)
}
