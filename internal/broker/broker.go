// Package broker admits execution jobs for one agent and schedules them.
//
// All broker state is owned by the goroutine running Run. Inbound jobs, bus
// events and timer expiries are posted to it as closures and applied one at a
// time, so admission, removal and cancellation never interleave.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"basegraph.app/jobagent/common/id"
	"basegraph.app/jobagent/common/logger"
	"basegraph.app/jobagent/core/config"
	"basegraph.app/jobagent/internal/bus"
	"basegraph.app/jobagent/internal/jobqueue"
	"basegraph.app/jobagent/internal/model"
)

var ErrStopped = errors.New("broker stopped")

type role int

const (
	roleRun role = iota + 1
	roleRead
	roleCancel
)

func (r role) String() string {
	switch r {
	case roleRun:
		return "run"
	case roleRead:
		return "read"
	case roleCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// entry is one occupant of the running set.
type entry struct {
	job  model.Job
	role role

	// run: queue the job was acked against when dispatched
	ackQueue string

	// read
	canceling  bool
	cancelMode model.CancelMode
	fetches    int
}

type Broker struct {
	cfg   config.BrokerConfig
	out   bus.Sender
	now   func() time.Time
	newID func() string

	inbox chan func()
	done  chan struct{}
	ctx   context.Context

	// owned by the Run goroutine
	queue    *jobqueue.Queue
	running  map[string]*entry
	timers   map[string]*timer
	timerSeq uint64
}

type Option func(*Broker)

// WithClock overrides the time source used for pending deadlines.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// WithIDGenerator overrides how ids of internal cancel jobs are made.
func WithIDGenerator(fn func() string) Option {
	return func(b *Broker) { b.newID = fn }
}

// New creates a broker that sends every outbound job through out: execution
// jobs to the job handler, acks, fetches and notifications to the transport.
func New(cfg config.BrokerConfig, out bus.Sender, opts ...Option) *Broker {
	b := &Broker{
		cfg:     cfg,
		out:     out,
		now:     time.Now,
		newID:   id.NewJobID,
		inbox:   make(chan func(), 64),
		done:    make(chan struct{}),
		ctx:     context.Background(),
		queue:   jobqueue.New(cfg.DefaultPriority),
		running: make(map[string]*entry),
		timers:  make(map[string]*timer),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run applies posted work until ctx is canceled. It must be called once.
func (b *Broker) Run(ctx context.Context) error {
	b.ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "jobagent.broker"})
	defer close(b.done)
	defer b.stopTimers()

	slog.InfoContext(b.ctx, "job broker started",
		"default_priority", b.cfg.DefaultPriority,
		"pending_timeout", b.cfg.DefaultPendingTimeout,
		"running_timeout", b.cfg.DefaultRunningTimeout)

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(b.ctx, "job broker stopped",
				"running", len(b.running),
				"queued", b.queue.Len())
			return nil
		case fn := <-b.inbox:
			fn()
		}
	}
}

// Process admits an inbound job. Invalid jobs are acknowledged and reported
// finished with the validation error; the returned error only signals that
// the broker could not take the job at all.
func (b *Broker) Process(ctx context.Context, job model.Job) error {
	if err := job.Validate(); err != nil {
		slog.WarnContext(ctx, "rejecting invalid job", "job_id", job.ID, "error", err)
		return b.post(ctx, func() { b.reject(job, "job rejected", err) })
	}
	return b.post(ctx, func() { b.process(job) })
}

type RunningJob struct {
	Job       model.Job `json:"job"`
	Role      string    `json:"role"`
	Canceling bool      `json:"canceling,omitempty"`
}

type Snapshot struct {
	ActiveSlots int          `json:"activeSlots"`
	Running     []RunningJob `json:"running"`
	Queued      []model.Job  `json:"queued"`
}

// Snapshot returns a consistent copy of the running set and the queue.
func (b *Broker) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	err := b.post(ctx, func() {
		snap := Snapshot{
			ActiveSlots: b.activeSlots(),
			Running:     make([]RunningJob, 0, len(b.running)),
			Queued:      b.queue.Jobs(),
		}
		for _, e := range b.running {
			snap.Running = append(snap.Running, RunningJob{Job: e.job, Role: e.role.String(), Canceling: e.canceling})
		}
		sort.Slice(snap.Running, func(i, j int) bool { return snap.Running[i].Job.ID < snap.Running[j].Job.ID })
		reply <- snap
	})
	if err != nil {
		return Snapshot{}, err
	}

	select {
	case snap := <-reply:
		return snap, nil
	case <-b.done:
		return Snapshot{}, ErrStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// activeSlots is the number of occupied running slots across all roles.
func (b *Broker) activeSlots() int {
	return len(b.running)
}

func (b *Broker) post(ctx context.Context, fn func()) error {
	select {
	case <-b.done:
		return ErrStopped
	default:
	}
	select {
	case b.inbox <- fn:
		return nil
	case <-b.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue posts from broker-owned goroutines (timers, bus watchers).
func (b *Broker) enqueue(fn func()) bool {
	select {
	case b.inbox <- fn:
		return true
	case <-b.done:
		return false
	}
}

func (b *Broker) jobContext(job model.Job) context.Context {
	fields := logger.LogFields{
		JobID:  logger.Ptr(job.ID),
		Nature: logger.Ptr(job.Nature.String()),
	}
	if job.Payload.GroupJobID != "" {
		fields.GroupJobID = logger.Ptr(job.Payload.GroupJobID)
	}
	if job.MessageID != "" {
		fields.MessageID = logger.Ptr(job.MessageID)
	}
	return logger.WithLogFields(b.ctx, fields)
}
