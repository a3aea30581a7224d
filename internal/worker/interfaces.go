package worker

import (
	"context"

	"github.com/redis/go-redis/v9"

	"basegraph.app/jobagent/internal/model"
	"basegraph.app/jobagent/internal/queue"
)

// Submitter admits a job; the broker implements it.
type Submitter interface {
	Process(ctx context.Context, job model.Job) error
}

// Source is the consumer side of the inbound stream.
type Source interface {
	Read(ctx context.Context) ([]queue.Message, error)
	ReadPending(ctx context.Context, after string) ([]queue.Message, error)
	SendDLQ(ctx context.Context, stream string, msg redis.XMessage, errMsg string) error
}
