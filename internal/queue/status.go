package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"basegraph.app/jobagent/internal/model"
)

const statusMaxLen = 2000

// StatusPublisher relays state notifications to upstream consumers on a stream.
type StatusPublisher struct {
	client   *redis.Client
	stream   string
	hostname string
}

func NewStatusPublisher(client *redis.Client, stream, hostname string) *StatusPublisher {
	return &StatusPublisher{client: client, stream: stream, hostname: hostname}
}

func (p *StatusPublisher) Publish(ctx context.Context, notice model.Job) error {
	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: statusMaxLen,
		Approx: true,
		Values: StatusValues(notice, p.hostname, time.Now()),
	}).Err(); err != nil {
		return fmt.Errorf("xadd status (stream=%s): %w", p.stream, err)
	}
	return nil
}

// StatusValues is the stream entry form of a state notification.
func StatusValues(notice model.Job, responder string, at time.Time) map[string]any {
	values := map[string]any{
		"nature":    notice.Nature.String(),
		"job_id":    notice.Payload.JobID,
		"state":     string(notice.Payload.State),
		"responder": responder,
		"at":        at.UTC().Format(time.RFC3339Nano),
	}
	if notice.Payload.Message != "" {
		values["message"] = notice.Payload.Message
	}
	if notice.Payload.Error != "" {
		values["error"] = notice.Payload.Error
	}
	if notice.TraceID != "" {
		values[FieldTraceID] = notice.TraceID
	}
	return values
}
