package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"basegraph.app/jobagent/common/logger"
	"basegraph.app/jobagent/internal/queue"
)

// Worker feeds jobs from the inbound stream to the broker. The message is not
// acked here: the broker acks it once the job reaches a terminal state.
type Worker struct {
	source    Source
	submitter Submitter

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func New(source Source, submitter Submitter) *Worker {
	return &Worker{
		source:    source,
		submitter: submitter,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

func (w *Worker) Run(ctx context.Context) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "jobagent.worker",
	})

	defer close(w.stoppedCh)

	slog.InfoContext(ctx, "worker started")

	if err := w.recoverPending(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			slog.InfoContext(ctx, "worker stopping")
			return nil
		default:
			if err := w.processOneBatch(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.ErrorContext(ctx, "batch processing error", "error", err)
				// Brief backoff on error
				time.Sleep(time.Second)
			}
		}
	}
}

func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.stoppedCh
}

// recoverPending re-admits jobs this consumer read before a restart but never
// acked.
func (w *Worker) recoverPending(ctx context.Context) error {
	after := "0"
	recovered := 0
	for {
		messages, err := w.source.ReadPending(ctx, after)
		if err != nil {
			return fmt.Errorf("reading pending entries: %w", err)
		}
		if len(messages) == 0 {
			break
		}
		for _, msg := range messages {
			if err := w.processMessageSafe(ctx, msg); err != nil {
				w.handleFailedMessage(ctx, msg, err)
			}
			after = msg.ID
			recovered++
		}
	}
	if recovered > 0 {
		slog.InfoContext(ctx, "recovered pending jobs", "count", recovered)
	}
	return nil
}

func (w *Worker) processOneBatch(ctx context.Context) error {
	messages, err := w.source.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading from stream: %w", err)
	}

	for _, msg := range messages {
		if err := w.processMessageSafe(ctx, msg); err != nil {
			slog.ErrorContext(ctx, "message processing failed",
				"error", err,
				"message_id", msg.ID,
				"job_id", msg.Job.ID)
			w.handleFailedMessage(ctx, msg, err)
		}
	}

	return nil
}

var errPanic = errors.New("panic while admitting job")

func (w *Worker) processMessageSafe(ctx context.Context, msg queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in message processing",
				"panic", r,
				"message_id", msg.ID,
				"job_id", msg.Job.ID)
			err = fmt.Errorf("%w: %v", errPanic, r)
		}
	}()
	return w.ProcessMessage(ctx, msg)
}

// ProcessMessage hands one inbound job to the broker.
// Exported so it can be reused by the reclaimer.
func (w *Worker) ProcessMessage(ctx context.Context, msg queue.Message) error {
	nature := msg.Job.Nature.String()
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		JobID:     &msg.Job.ID,
		MessageID: &msg.ID,
		Nature:    &nature,
	})

	sc := logger.StartSpanFromTraceID(ctx, msg.TraceID, "worker.process_message",
		trace.WithSpanKind(trace.SpanKindConsumer))
	defer sc.End()
	sc.SetJob(msg.Job.ID, nature)
	ctx = sc.Context()

	slog.InfoContext(ctx, "admitting job", "stream", msg.Stream)

	if err := w.submitter.Process(ctx, msg.Job); err != nil {
		sc.RecordError(err)
		return fmt.Errorf("submitting job %s: %w", msg.Job.ID, err)
	}
	return nil
}

// handleFailedMessage dead-letters jobs that crashed admission. Any other
// failure means the broker is gone; the entry stays pending and is re-read on
// the next start.
func (w *Worker) handleFailedMessage(ctx context.Context, msg queue.Message, err error) {
	if !errors.Is(err, errPanic) {
		slog.WarnContext(ctx, "leaving message pending",
			"message_id", msg.ID,
			"job_id", msg.Job.ID,
			"error", err)
		return
	}

	slog.ErrorContext(ctx, "sending message to DLQ",
		"message_id", msg.ID,
		"job_id", msg.Job.ID)
	if dlqErr := w.source.SendDLQ(ctx, msg.Stream, msg.Raw, err.Error()); dlqErr != nil {
		slog.ErrorContext(ctx, "failed to send to DLQ", "error", dlqErr)
	}
}
