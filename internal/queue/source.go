package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"basegraph.app/jobagent/internal/model"
)

// maxSkipped bounds how many unparseable entries one fetch dead-letters.
const maxSkipped = 16

// StreamReader is the slice of the Redis client the group source reads with.
type StreamReader interface {
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
}

// GroupConsumer is the consumer-group bookkeeping the group source shares
// with the inbound consumer.
type GroupConsumer interface {
	Config() ConsumerConfig
	EnsureGroup(ctx context.Context, stream string) error
	SendDLQ(ctx context.Context, stream string, msg redis.XMessage, errMsg string) error
}

// GroupSource reads group sub-jobs from external queue streams, one per call.
type GroupSource struct {
	client   StreamReader
	consumer GroupConsumer
}

func NewGroupSource(client StreamReader, consumer GroupConsumer) *GroupSource {
	return &GroupSource{client: client, consumer: consumer}
}

// Next returns the next job on queue, or nil when it is drained. The first
// fetch of a group re-delivers entries this consumer read but never acked,
// left behind when the agent stopped mid sub-job.
func (s *GroupSource) Next(ctx context.Context, queue string, first bool) (*model.Job, error) {
	if queue == "" {
		return nil, errors.New("group job has no queue")
	}
	if err := s.consumer.EnsureGroup(ctx, queue); err != nil {
		return nil, err
	}

	if first {
		job, err := s.readOne(ctx, queue, "0")
		if err != nil || job != nil {
			if job != nil {
				slog.InfoContext(ctx, "re-delivering pending sub-job", "queue", queue, "sub_job_id", job.ID)
			}
			return job, err
		}
	}
	return s.readOne(ctx, queue, ">")
}

func (s *GroupSource) readOne(ctx context.Context, queue, start string) (*model.Job, error) {
	cfg := s.consumer.Config()

	for range maxSkipped {
		streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    cfg.Group,
			Consumer: cfg.Consumer,
			Streams:  []string{queue, start},
			Count:    1,
			Block:    -1,
		}).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading group queue %s: %w", queue, err)
		}
		if len(streams) == 0 || len(streams[0].Messages) == 0 {
			return nil, nil
		}

		raw := streams[0].Messages[0]
		msg, err := ParseMessage(queue, raw, cfg.TraceField)
		if err != nil {
			slog.ErrorContext(ctx, "skipping unparseable sub-job", "error", err, "queue", queue, "raw_message_id", raw.ID)
			// Dead-lettering acks the entry, so the next read moves past it.
			if dlqErr := s.consumer.SendDLQ(ctx, queue, raw, err.Error()); dlqErr != nil {
				return nil, dlqErr
			}
			continue
		}
		return &msg.Job, nil
	}
	return nil, fmt.Errorf("group queue %s: too many unparseable entries", queue)
}
