package broker

import (
	"log/slog"
	"time"

	"basegraph.app/jobagent/internal/model"
)

// timer is a pending or running timeout. A job has at most one at a time;
// the token makes expiries of replaced timers no-ops.
type timer struct {
	t     *time.Timer
	token uint64
}

func (b *Broker) arm(jobID string, d time.Duration, fire func()) {
	b.disarm(jobID)
	if d <= 0 {
		return
	}

	b.timerSeq++
	token := b.timerSeq
	t := time.AfterFunc(d, func() {
		b.enqueue(func() {
			cur, ok := b.timers[jobID]
			if !ok || cur.token != token {
				return
			}
			delete(b.timers, jobID)
			fire()
		})
	})
	b.timers[jobID] = &timer{t: t, token: token}
}

func (b *Broker) disarm(jobID string) {
	if t, ok := b.timers[jobID]; ok {
		t.t.Stop()
		delete(b.timers, jobID)
	}
}

func (b *Broker) stopTimers() {
	for jobID, t := range b.timers {
		t.t.Stop()
		delete(b.timers, jobID)
	}
}

func (b *Broker) armPending(job model.Job) {
	d := job.PendingTimeoutOr(b.cfg.DefaultPendingTimeout)
	if deadline, ok := job.PendingDeadline(b.cfg.DefaultPendingTimeout); ok {
		d = deadline.Sub(b.now())
	}
	b.arm(job.ID, d, func() { b.timeoutCancel(job.ID, model.CancelPendingTimeout) })
}

func (b *Broker) armRunning(e *entry) {
	d := e.job.RunningTimeoutOr(b.cfg.DefaultRunningTimeout)
	b.arm(e.job.ID, d, func() { b.timeoutCancel(e.job.ID, model.CancelExecutionTimeout) })
}

func (b *Broker) timeoutCancel(target string, mode model.CancelMode) {
	slog.WarnContext(b.ctx, "job timed out, canceling", "job_id", target, "mode", string(mode))
	b.cancel(model.NewCancelJob(b.newID(), target, mode))
}
