package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"basegraph.app/jobagent/common/logger"
	"basegraph.app/jobagent/internal/model"
)

const (
	FieldJob     = "job"
	FieldTraceID = "trace_id"
)

type ConsumerConfig struct {
	Stream     string        // Redis stream execution jobs arrive on
	Group      string        // Redis consumer group name
	Consumer   string        // Redis consumer name, unique per agent
	DLQStream  string        // Dead letter stream for entries that cannot be parsed
	BatchSize  int64         // Entries per read
	Block      time.Duration // How long a read blocks waiting for new entries
	TraceField string        // Stream field carrying the producer's trace id
}

// Message is one stream entry carrying a job.
type Message struct {
	ID      string
	Stream  string
	Job     model.Job
	TraceID string
	Raw     redis.XMessage
}

// MessageProcessor processes a queue message.
type MessageProcessor func(ctx context.Context, msg Message) error

type RedisConsumer struct {
	client *redis.Client
	cfg    ConsumerConfig
}

func NewRedisConsumer(client *redis.Client, cfg ConsumerConfig) (*RedisConsumer, error) {
	if cfg.TraceField == "" {
		cfg.TraceField = FieldTraceID
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	consumer := &RedisConsumer{
		client: client,
		cfg:    cfg,
	}

	if err := consumer.EnsureGroup(context.Background(), cfg.Stream); err != nil { //nolint:contextcheck
		return nil, err
	}

	return consumer, nil
}

func (c *RedisConsumer) Config() ConsumerConfig { return c.cfg }

// EnsureGroup creates the consumer group on stream, reading from the start
// so entries added before the group existed are not skipped.
func (c *RedisConsumer) EnsureGroup(ctx context.Context, stream string) error {
	err := c.client.XGroupCreateMkStream(ctx, stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group on %s: %w", stream, err)
	}
	return nil
}

// Read returns entries never delivered to any consumer.
func (c *RedisConsumer) Read(ctx context.Context) ([]Message, error) {
	return c.read(ctx, ">", c.cfg.Block)
}

// ReadPending returns entries after the given id that were delivered to this
// consumer but never acked, e.g. by a previous run of the agent that crashed.
// Start from "0" and page with the last id returned.
func (c *RedisConsumer) ReadPending(ctx context.Context, after string) ([]Message, error) {
	if after == "" {
		after = "0"
	}
	return c.read(ctx, after, -1)
}

func (c *RedisConsumer) read(ctx context.Context, start string, block time.Duration) ([]Message, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "jobagent.queue.consumer",
	})

	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, start},
		Count:    c.cfg.BatchSize,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []Message{}, nil
		}
		return nil, fmt.Errorf("reading from stream: %w", err)
	}

	var messages []Message
	// XReadGroup supports multiple streams, but we only read one so this outer loop only runs once.
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			parsed, parseErr := ParseMessage(stream.Stream, msg, c.cfg.TraceField)
			if parseErr != nil {
				slog.ErrorContext(ctx, "failed to parse message",
					"error", parseErr,
					"raw_message_id", msg.ID,
					"stream", stream.Stream)
				if dlqErr := c.SendDLQ(ctx, stream.Stream, msg, parseErr.Error()); dlqErr != nil {
					slog.ErrorContext(ctx, "failed to dead-letter message", "error", dlqErr)
				}
				continue
			}
			messages = append(messages, parsed)
		}
	}

	if len(messages) > 0 {
		slog.DebugContext(ctx, "read messages from stream",
			"count", len(messages),
			"stream", c.cfg.Stream,
			"consumer", c.cfg.Consumer)
	}

	return messages, nil
}

// Ack acknowledges id on stream; the consumer's own stream when stream is
// empty. Jobs that did not arrive over Redis have no id and need no ack.
func (c *RedisConsumer) Ack(ctx context.Context, stream, id string) error {
	if id == "" {
		return nil
	}
	if stream == "" {
		stream = c.cfg.Stream
	}
	if err := c.client.XAck(ctx, stream, c.cfg.Group, id).Err(); err != nil {
		return fmt.Errorf("xack (stream=%s): %w", stream, err)
	}

	slog.DebugContext(ctx, "message acknowledged", "stream", stream, "message_id", id)
	return nil
}

func (c *RedisConsumer) SendDLQ(ctx context.Context, stream string, msg redis.XMessage, errMsg string) error {
	if err := c.Ack(ctx, stream, msg.ID); err != nil {
		return fmt.Errorf("acking failed message for dlq: %w", err)
	}
	if c.cfg.DLQStream == "" {
		return nil
	}

	values := make(map[string]any, len(msg.Values)+3)
	for k, v := range msg.Values {
		values[k] = v
	}
	values["error"] = errMsg
	values["source_stream"] = stream
	values["source_id"] = msg.ID

	if err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.cfg.DLQStream,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("xadd dlq (stream=%s): %w", c.cfg.DLQStream, err)
	}

	slog.ErrorContext(ctx, "message sent to DLQ",
		"final_error", errMsg,
		"dlq_stream", c.cfg.DLQStream)
	return nil
}

// ParseMessage decodes the job carried by a stream entry.
func ParseMessage(stream string, msg redis.XMessage, traceField string) (Message, error) {
	raw, err := parseString(msg.Values, FieldJob)
	if err != nil {
		return Message{}, err
	}

	var job model.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return Message{}, fmt.Errorf("decoding job: %w", err)
	}
	if job.ID == "" {
		return Message{}, fmt.Errorf("job has no id")
	}

	if traceField == "" {
		traceField = FieldTraceID
	}
	traceID := parseOptionalString(msg.Values, traceField)

	job.MessageID = msg.ID
	job.Queue = stream
	job.TraceID = traceID

	return Message{
		ID:      msg.ID,
		Stream:  stream,
		Job:     job,
		TraceID: traceID,
		Raw:     msg,
	}, nil
}

func parseString(values map[string]any, key string) (string, error) {
	raw, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing %s", key)
	}
	return fmt.Sprint(raw), nil
}

func parseOptionalString(values map[string]any, key string) string {
	raw, ok := values[key]
	if !ok {
		return ""
	}
	return fmt.Sprint(raw)
}
