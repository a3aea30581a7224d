package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"basegraph.app/jobagent/common/logger"
	"basegraph.app/jobagent/internal/queue"
)

type RedisReclaimerConfig struct {
	Stream     string
	Group      string
	Consumer   string
	MinIdle    time.Duration
	Interval   time.Duration
	BatchSize  int64
	TraceField string
}

// RedisReclaimer periodically claims jobs left pending by other agents.
// This handles the crash recovery scenario where an agent dies after
// XREADGROUP but before the broker acked the job. Entries pending on this
// consumer are skipped: they belong to jobs the local broker still holds.
type RedisReclaimer struct {
	client    *redis.Client
	cfg       RedisReclaimerConfig
	source    Source
	processor queue.MessageProcessor

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewRedisReclaimer creates a new RedisReclaimer.
func NewRedisReclaimer(client *redis.Client, cfg RedisReclaimerConfig, source Source, processor queue.MessageProcessor) *RedisReclaimer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	return &RedisReclaimer{
		client:    client,
		cfg:       cfg,
		source:    source,
		processor: processor,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Run starts the reclaimer loop. Blocks until Stop() is called.
func (r *RedisReclaimer) Run(ctx context.Context) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "jobagent.worker.reclaimer",
	})

	defer close(r.stoppedCh)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "reclaimer started",
		"interval", r.cfg.Interval,
		"min_idle", r.cfg.MinIdle,
		"stream", r.cfg.Stream,
		"group", r.cfg.Group)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			slog.InfoContext(ctx, "reclaimer stopping")
			return
		case <-ticker.C:
			if err := r.reclaimOnce(ctx); err != nil {
				slog.ErrorContext(ctx, "reclaim cycle error", "error", err)
			}
		}
	}
}

// Stop signals the reclaimer to stop gracefully.
func (r *RedisReclaimer) Stop() {
	close(r.stopCh)
	<-r.stoppedCh
}

func (r *RedisReclaimer) reclaimOnce(ctx context.Context) error {
	pending, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: r.cfg.Stream,
		Group:  r.cfg.Group,
		Idle:   r.cfg.MinIdle,
		Start:  "-",
		End:    "+",
		Count:  r.cfg.BatchSize,
	}).Result()
	if err != nil {
		return fmt.Errorf("xpending: %w", err)
	}

	stale := Claimable(pending, r.cfg.Consumer)
	if len(stale) == 0 {
		return nil
	}

	slog.InfoContext(ctx, "found stale pending jobs", "count", len(stale))

	for _, p := range stale {
		if err := r.reclaimMessage(ctx, p); err != nil {
			slog.ErrorContext(ctx, "failed to reclaim message",
				"error", err,
				"message_id", p.ID,
				"original_consumer", p.Consumer,
				"idle_time", p.Idle)
		}
	}

	return nil
}

// Claimable filters pending entries down to those owned by other consumers.
func Claimable(pending []redis.XPendingExt, self string) []redis.XPendingExt {
	var out []redis.XPendingExt
	for _, p := range pending {
		if p.Consumer == self {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (r *RedisReclaimer) reclaimMessage(ctx context.Context, pending redis.XPendingExt) error {
	msgID := pending.ID
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		MessageID: &msgID,
	})

	slog.InfoContext(ctx, "reclaiming stale job",
		"original_consumer", pending.Consumer,
		"idle_time", pending.Idle,
		"retry_count", pending.RetryCount)

	messages, err := r.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   r.cfg.Stream,
		Group:    r.cfg.Group,
		Consumer: r.cfg.Consumer,
		MinIdle:  r.cfg.MinIdle,
		Messages: []string{pending.ID},
	}).Result()
	if err != nil {
		return fmt.Errorf("xclaim: %w", err)
	}

	if len(messages) == 0 {
		slog.DebugContext(ctx, "message already reclaimed by another agent")
		return nil
	}

	msg := messages[0]

	parsed, err := queue.ParseMessage(r.cfg.Stream, msg, r.cfg.TraceField)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse reclaimed message, dead-lettering to prevent loop",
			"error", err)
		return r.source.SendDLQ(ctx, r.cfg.Stream, msg, err.Error())
	}

	start := time.Now()
	if err := r.processor(ctx, parsed); err != nil {
		return fmt.Errorf("processing reclaimed message: %w", err)
	}

	slog.InfoContext(ctx, "reclaimed job admitted",
		"job_id", parsed.Job.ID,
		"duration_ms", time.Since(start).Milliseconds())

	return nil
}
