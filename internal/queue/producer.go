package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"basegraph.app/jobagent/internal/model"
)

// Producer appends jobs to a stream: the agent's inbound stream or the
// external queue a group job drains.
type Producer interface {
	Enqueue(ctx context.Context, stream string, job model.Job) (string, error)
}

type redisProducer struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisProducer(client *redis.Client, logger *slog.Logger) Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisProducer{
		client: client,
		logger: logger,
	}
}

func (p *redisProducer) Enqueue(ctx context.Context, stream string, job model.Job) (string, error) {
	fields, err := JobValues(job)
	if err != nil {
		return "", err
	}

	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: fields,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}

	p.logger.InfoContext(ctx, "enqueued job", "job_id", job.ID, "stream", stream, "message_id", id)
	return id, nil
}

// JobValues is the stream entry form of job.
func JobValues(job model.Job) (map[string]any, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encoding job: %w", err)
	}
	fields := map[string]any{FieldJob: string(body)}
	if job.TraceID != "" {
		fields[FieldTraceID] = job.TraceID
	}
	return fields, nil
}
