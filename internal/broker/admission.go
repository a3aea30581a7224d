package broker

import (
	"fmt"
	"log/slog"

	"basegraph.app/jobagent/internal/bus"
	"basegraph.app/jobagent/internal/jobqueue"
	"basegraph.app/jobagent/internal/model"
)

func (b *Broker) process(job model.Job) {
	kind, err := job.Nature.BrokerKind()
	if err != nil {
		b.reject(job, "job rejected", err)
		return
	}

	switch kind {
	case model.BrokerCancel:
		b.cancel(job)
	case model.BrokerRun, model.BrokerRead:
		b.processDefault(job)
	}
}

// processDefault decides between dispatching, queueing and rejecting job.
// It reports whether the job was taken.
func (b *Broker) processDefault(job model.Job) bool {
	ctx := b.jobContext(job)

	if deadline, ok := job.PendingDeadline(b.cfg.DefaultPendingTimeout); ok && !b.now().Before(deadline) {
		slog.InfoContext(ctx, "pending deadline passed before admission", "deadline", deadline)
		b.ack(job, "")
		b.notifyState(job, model.StateTimeout, "pending timeout elapsed before admission", nil)
		return false
	}

	if _, ok := b.running[job.ID]; ok || b.queue.Has(job.ID) {
		b.reject(job, "duplicate job", &jobqueue.DuplicateJobError{JobID: job.ID})
		return false
	}

	switch {
	case b.activeSlots() == 0:
		b.dispatch(job, true)
	case job.PriorityOr(b.cfg.DefaultPriority) == 0:
		slog.DebugContext(ctx, "priority 0 job bypasses the concurrency gate")
		b.dispatch(job, true)
	case b.runningGroup(job.Payload.GroupJobID) != nil:
		// Sub-jobs run under their group; no running timeout of their own.
		b.dispatch(job, false)
	default:
		if err := b.queue.Enqueue(job); err != nil {
			b.reject(job, "duplicate job", err)
			return false
		}
		b.armPending(job)
		slog.InfoContext(ctx, "job queued", "queued", b.queue.Len(), "active_slots", b.activeSlots())
		b.notifyState(job, model.StateQueued, fmt.Sprintf("waiting behind %d running jobs", b.activeSlots()), nil)
	}
	return true
}

func (b *Broker) dispatch(job model.Job, armTimeout bool) {
	ctx := b.jobContext(job)
	kind, _ := job.Nature.BrokerKind()

	e := &entry{job: job, role: roleRun}
	if g := b.runningGroup(job.Payload.GroupJobID); g != nil {
		e.ackQueue = g.job.Payload.Queue
	}
	if kind == model.BrokerRead {
		e.role = roleRead
	}
	b.running[job.ID] = e
	if armTimeout {
		b.armRunning(e)
	}

	slog.InfoContext(ctx, "job dispatched", "role", e.role.String(), "active_slots", b.activeSlots())

	if e.role == roleRead {
		b.notifyState(job, model.StateRunning, "draining group queue "+job.Payload.Queue, nil)
		b.fetch(e, true)
		return
	}

	h := b.send(job)
	b.watch(h, func(ev bus.Event) { b.onRunEvent(e, ev) })
}

func (b *Broker) onRunEvent(e *entry, ev bus.Event) {
	if b.running[e.job.ID] != e {
		slog.DebugContext(b.jobContext(e.job), "ignoring event for a job no longer running", "event", ev.Kind.String())
		return
	}

	switch ev.Kind {
	case bus.EventAccept:
		b.notifyState(e.job, model.StateRunning, "accepted by "+ev.Responder, nil)
	case bus.EventProgress:
		b.notifyChange(e.job, ev.Result)
	case bus.EventDone:
		msg := ev.Result.Message
		if msg == "" {
			msg = fmt.Sprintf("exited with code %d", ev.Result.ExitCode)
		}
		b.finish(e, model.StateFinished, msg, nil)
	case bus.EventCanceled:
		mode := ev.Result.CancelMode
		if mode == "" {
			mode = model.CancelManual
		}
		b.finish(e, mode.CanceledState(), fmt.Sprintf("canceled (%s)", mode), nil)
	case bus.EventTimeout:
		b.finish(e, model.StateTimeout, "execution timed out", nil)
	case bus.EventReject, bus.EventError:
		b.finish(e, model.StateFinished, "execution failed", ev.Err)
	}
}

// finish settles a run job and, for a group sub-job, fetches the next one.
func (b *Broker) finish(e *entry, state model.State, message string, err error) {
	b.disarm(e.job.ID)
	b.ack(e.job, e.ackQueue)
	b.notifyState(e.job, state, message, err)
	b.remove(e.job.ID)

	if g := b.runningGroup(e.job.Payload.GroupJobID); g != nil && !g.canceling {
		b.fetch(g, false)
	}
}

// remove drops jobID from the running set and admits the next queued job
// once nothing is running.
func (b *Broker) remove(jobID string) {
	if _, ok := b.running[jobID]; !ok {
		slog.WarnContext(b.ctx, "remove called for a job that is not running", "job_id", jobID)
	} else {
		delete(b.running, jobID)
	}

	if b.activeSlots() > 0 {
		return
	}
	next, ok := b.queue.Dequeue()
	if !ok {
		return
	}
	b.disarm(next.ID)
	b.dispatch(next, true)
}

// reject acknowledges a job that will not run and reports it finished.
func (b *Broker) reject(job model.Job, message string, err error) {
	slog.WarnContext(b.jobContext(job), message, "error", err)
	b.ack(job, "")
	b.notifyState(job, model.StateFinished, message, err)
}
