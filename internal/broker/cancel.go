package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"basegraph.app/jobagent/internal/bus"
	"basegraph.app/jobagent/internal/jobqueue"
	"basegraph.app/jobagent/internal/model"
)

func (b *Broker) cancel(c model.Job) {
	target := c.Payload.JobID
	mode := c.CancelModeOr()

	if _, dup := b.running[c.ID]; dup {
		b.reject(c, "duplicate cancel job", &jobqueue.DuplicateJobError{JobID: c.ID})
		return
	}

	e, ok := b.running[target]
	if !ok {
		b.cancelQueued(c, target, mode)
		return
	}

	slog.InfoContext(b.jobContext(c), "canceling running job",
		"target", target,
		"mode", string(mode),
		"role", e.role.String())

	switch e.role {
	case roleRead:
		b.cancelGroup(e, c, mode)
	case roleRun:
		b.forwardCancel(e, c, mode)
	case roleCancel:
		b.ack(c, "")
		b.notifyState(c, model.StateFinished, "cancel jobs cannot be canceled", nil)
	}
}

func (b *Broker) cancelQueued(c model.Job, target string, mode model.CancelMode) {
	job, ok := b.queue.Remove(target)
	if !ok {
		b.ack(c, "")
		b.notifyState(c, model.StateFinished, fmt.Sprintf("nothing to cancel: job %s is neither running nor queued", target), nil)
		return
	}

	slog.InfoContext(b.jobContext(job), "queued job canceled", "mode", string(mode))
	b.disarm(target)
	b.ack(job, "")
	b.notifyState(job, mode.CanceledState(), fmt.Sprintf("canceled while queued (%s)", mode), nil)
	b.ack(c, "")
	b.notifyState(c, model.StateFinished, "canceled queued job "+target, nil)
}

// forwardCancel hands the cancellation to the executor running target.
func (b *Broker) forwardCancel(target *entry, c model.Job, mode model.CancelMode) {
	ce := &entry{job: c, role: roleCancel}
	b.running[c.ID] = ce
	b.notifyState(c, model.StateRunning, "canceling job "+target.job.ID, nil)

	down := model.AsCancelation(c)
	down.Payload.Mode = mode
	h := b.send(down)
	b.watch(h, func(ev bus.Event) {
		if !ev.Kind.Terminal() || b.running[ce.job.ID] != ce {
			return
		}
		if ev.Kind.Failed() {
			b.settle(ce, "cancel failed", ev.Err)
			return
		}
		b.settle(ce, ev.Result.Message, nil)
	})
}

// cancelGroup cancels every running sub-job of g and finishes once all of
// those cancellations have resolved.
func (b *Broker) cancelGroup(g *entry, c model.Job, mode model.CancelMode) {
	ce := &entry{job: c, role: roleCancel}
	b.running[c.ID] = ce
	b.notifyState(c, model.StateRunning, "canceling group "+g.job.ID, nil)

	if g.canceling {
		b.settle(ce, "group is already being canceled", nil)
		return
	}
	g.canceling = true
	g.cancelMode = mode
	b.disarm(g.job.ID)

	var (
		subs    []string
		handles []*bus.Handle
	)
	for _, e := range b.running {
		if e.role != roleRun || e.job.Payload.GroupJobID != g.job.ID {
			continue
		}
		sub := model.AsCancelation(model.NewCancelJob(b.newID(), e.job.ID, mode))
		subs = append(subs, e.job.ID)
		handles = append(handles, b.send(sub))
	}

	if len(handles) == 0 {
		b.completeGroupCancel(g, ce, nil)
		return
	}

	go func() {
		var (
			eg   errgroup.Group
			mu   sync.Mutex
			errs []error
		)
		for i, h := range handles {
			eg.Go(func() error {
				ev, err := h.Wait(context.Background())
				if err == nil && ev.Kind.Failed() {
					err = ev.Err
				}
				if err != nil {
					mu.Lock()
					errs = append(errs, fmt.Errorf("cancel sub-job %s: %w", subs[i], err))
					mu.Unlock()
				}
				return nil
			})
		}
		_ = eg.Wait()

		joined := errors.Join(errs...)
		b.enqueue(func() { b.completeGroupCancel(g, ce, joined) })
	}()
}

func (b *Broker) completeGroupCancel(g *entry, ce *entry, err error) {
	if b.running[ce.job.ID] == ce {
		b.settle(ce, "group canceled", err)
	}
	b.terminateGroup(g, g.cancelMode.CanceledState(), fmt.Sprintf("group canceled (%s)", g.cancelMode), nil)
}

// settle finishes a cancel job.
func (b *Broker) settle(ce *entry, message string, err error) {
	b.ack(ce.job, "")
	b.notifyState(ce.job, model.StateFinished, message, err)
	b.remove(ce.job.ID)
}
