package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"basegraph.app/jobagent/common/id"
	"basegraph.app/jobagent/common/logger"
	"basegraph.app/jobagent/common/otel"
	"basegraph.app/jobagent/core/config"
	"basegraph.app/jobagent/core/db"
	"basegraph.app/jobagent/internal/broker"
	"basegraph.app/jobagent/internal/bus"
	"basegraph.app/jobagent/internal/executor"
	"basegraph.app/jobagent/internal/http/handler"
	"basegraph.app/jobagent/internal/http/middleware"
	httprouter "basegraph.app/jobagent/internal/http/router"
	"basegraph.app/jobagent/internal/jobhandler"
	"basegraph.app/jobagent/internal/model"
	"basegraph.app/jobagent/internal/queue"
	"basegraph.app/jobagent/internal/store"
	"basegraph.app/jobagent/internal/worker"
)

func main() {
	fmt.Printf("%s\n", banner)
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	// The production logger exports through the OTel provider, so OTel goes first.
	telemetry, err := otel.Setup(ctx, cfg.OTel, cfg.Hostname)
	if err != nil {
		// slog is not configured yet
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	if telemetry != nil {
		slog.InfoContext(ctx, "otel initialized", "endpoint", cfg.OTel.Endpoint)
	} else {
		slog.InfoContext(ctx, "otel disabled (no endpoint configured)")
	}

	slog.InfoContext(ctx, "jobagent starting", "env", cfg.Env, "hostname", cfg.Hostname)
	if err := id.Init(cfg.NodeID); err != nil {
		slog.ErrorContext(ctx, "failed to initialize snowflake id generator", "error", err)
		os.Exit(1)
	}

	redisOpts, err := redis.ParseURL(cfg.Pipeline.RedisURL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "redis connected", "stream", cfg.Pipeline.Stream)

	var states store.StateStore
	if cfg.DB.Enabled() {
		database, err := db.New(ctx, cfg.DB)
		if err != nil {
			slog.ErrorContext(ctx, "failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer database.Close()
		if err := store.Migrate(ctx, database); err != nil {
			slog.ErrorContext(ctx, "failed to migrate database", "error", err)
			os.Exit(1)
		}
		states = store.NewStateStore(database.Pool(), cfg.Hostname)
		slog.InfoContext(ctx, "database connected")
	} else {
		slog.InfoContext(ctx, "state history disabled (no database configured)")
	}

	consumer, err := queue.NewRedisConsumer(redisClient, queue.ConsumerConfig{
		Stream:     cfg.Pipeline.Stream,
		Group:      cfg.Pipeline.Group,
		Consumer:   cfg.Pipeline.Consumer,
		DLQStream:  cfg.Pipeline.DLQStream,
		Block:      cfg.Pipeline.Block,
		TraceField: queue.FieldTraceID,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create redis consumer", "error", err)
		os.Exit(1)
	}

	sinks := []queue.StatusSink{queue.NewStatusPublisher(redisClient, cfg.Pipeline.StatusStream, cfg.Hostname)}
	if states != nil {
		sinks = append(sinks, queue.StatusSinkFunc(states.Record))
	}

	router := bus.NewRouter(cfg.Hostname)
	gateway := queue.NewGateway(cfg.Hostname, consumer, queue.NewGroupSource(redisClient, consumer), sinks...)
	gateway.Register(router)

	jobs := jobhandler.New(cfg.Hostname, map[model.Quality]executor.Executor{
		model.QualityCommandLine: executor.NewCommandLine(cfg.Executor.ScriptDir, cfg.Executor.StageTimeout),
	})
	for _, n := range []model.Nature{model.NatureRun, model.NatureCommandLine, model.NatureCancelation} {
		router.Handle(n, jobs)
	}

	b := broker.New(cfg.Broker, router)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := b.Run(runCtx); err != nil {
			slog.ErrorContext(runCtx, "broker stopped with error", "error", err)
		}
	}()

	w := worker.New(consumer, b)
	reclaimer := worker.NewRedisReclaimer(redisClient, worker.RedisReclaimerConfig{
		Stream:     cfg.Pipeline.Stream,
		Group:      cfg.Pipeline.Group,
		Consumer:   cfg.Pipeline.Consumer,
		MinIdle:    cfg.Pipeline.ReclaimMinIdle,
		Interval:   cfg.Pipeline.ReclaimInterval,
		TraceField: queue.FieldTraceID,
	}, consumer, w.ProcessMessage)

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := w.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.ErrorContext(runCtx, "worker stopped with error", "error", err)
			stop()
		}
	}()
	go func() {
		defer wg.Done()
		reclaimer.Run(runCtx)
	}()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           setupRouter(cfg, b, redisClient, states),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.InfoContext(ctx, "http server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.ErrorContext(ctx, "http server error", "error", err)
			stop()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-runCtx.Done():
	}

	slog.InfoContext(ctx, "shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "http server shutdown error", "error", err)
	}

	stop()
	wg.Wait()

	if running := jobs.Running(); len(running) > 0 {
		slog.WarnContext(shutdownCtx, "jobs still executing at shutdown; their messages stay pending", "job_ids", running)
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(shutdownCtx, "shutdown complete")
}

func setupRouter(cfg config.Config, b *broker.Broker, redisClient *redis.Client, states store.StateStore) *gin.Engine {
	router := gin.New()

	// otelgin first so recovered panics and request logs carry the span.
	if cfg.OTel.Enabled() {
		router.Use(otelgin.Middleware(cfg.OTel.ServiceName))
	}
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger())

	httprouter.SetupRoutes(router, httprouter.Handlers{
		Jobs:   handler.NewJobHandler(b, queue.NewRedisProducer(redisClient, slog.Default()), cfg.Pipeline.TraceHeaderName),
		States: handler.NewStateHandler(states),
		Status: handler.NewStatusHandler(redisClient, cfg.Pipeline.StatusStream),
	})

	return router
}

const banner = `
   jobagent
   priority broker + command-line executor
`
