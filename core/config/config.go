package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	OTel     OTelConfig
	Broker   BrokerConfig
	Executor ExecutorConfig
	Pipeline PipelineConfig
	DB       DBConfig
	Env      string
	Port     string
	NodeID   int64
	// Hostname is resolved once at load time and handed to every component that
	// needs to name this agent.
	Hostname string
}

type OTelConfig struct {
	Endpoint       string
	Headers        string
	ServiceName    string
	ServiceVersion string
}

type BrokerConfig struct {
	DefaultPriority int
	// Applied when a job carries no pendingTimeout. Zero disables.
	DefaultPendingTimeout time.Duration
	// Applied when a job carries neither runningTimeout nor timeout. Zero disables.
	DefaultRunningTimeout time.Duration
}

type ExecutorConfig struct {
	ScriptDir    string
	StageTimeout time.Duration
}

type PipelineConfig struct {
	RedisURL        string
	Stream          string
	Group           string
	Consumer        string
	DLQStream       string
	StatusStream    string
	Block           time.Duration
	ReclaimMinIdle  time.Duration
	ReclaimInterval time.Duration
	TraceHeaderName string
}

type DBConfig struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

// Load loads configuration from environment variables.
// In development, it loads .env.agent, falling back to .env.
func Load() (Config, error) {
	if getEnv("JOBAGENT_ENV", "development") == "development" {
		if err := godotenv.Load(".env.agent"); err != nil {
			_ = godotenv.Load(".env")
		}
	}

	hostname, err := os.Hostname()
	if err != nil {
		return Config{}, fmt.Errorf("resolving hostname: %w", err)
	}

	cfg := Config{
		Env:      getEnv("JOBAGENT_ENV", "development"),
		Port:     getEnv("PORT", "8080"),
		NodeID:   getEnvInt64("NODE_ID", 1),
		Hostname: getEnv("AGENT_HOSTNAME", hostname),
		OTel: OTelConfig{
			Endpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Headers:        getEnv("OTEL_EXPORTER_OTLP_HEADERS", ""),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "jobagent"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "dev"),
		},
		Broker: BrokerConfig{
			DefaultPriority:       getEnvInt("BROKER_DEFAULT_PRIORITY", 2),
			DefaultPendingTimeout: getEnvDuration("BROKER_PENDING_TIMEOUT", 0),
			DefaultRunningTimeout: getEnvDuration("BROKER_RUNNING_TIMEOUT", 0),
		},
		Executor: ExecutorConfig{
			ScriptDir:    getEnv("EXECUTOR_SCRIPT_DIR", filepath.Join(os.TempDir(), "jobagent")),
			StageTimeout: getEnvDuration("EXECUTOR_STAGE_TIMEOUT", 2*time.Second),
		},
		Pipeline: PipelineConfig{
			RedisURL:        getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Stream:          getEnv("REDIS_STREAM", "jobagent_jobs"),
			Group:           getEnv("REDIS_CONSUMER_GROUP", "jobagent_group"),
			DLQStream:       getEnv("REDIS_DLQ_STREAM", "jobagent_jobs_dlq"),
			StatusStream:    getEnv("REDIS_STATUS_STREAM", "jobagent_status"),
			Block:           getEnvDuration("REDIS_BLOCK", 5*time.Second),
			ReclaimMinIdle:  getEnvDuration("RECLAIM_MIN_IDLE", 5*time.Minute),
			ReclaimInterval: getEnvDuration("RECLAIM_INTERVAL", time.Minute),
			TraceHeaderName: getEnv("TRACE_HEADER_NAME", "X-Trace-Id"),
		},
		DB: DBConfig{
			DSN:      getEnv("DATABASE_URL", ""),
			MaxConns: getEnvInt32("DB_MAX_CONNS", 4),
			MinConns: getEnvInt32("DB_MIN_CONNS", 1),
		},
	}
	cfg.Pipeline.Consumer = getEnv("REDIS_CONSUMER_NAME", "jobagent-"+cfg.Hostname)

	if cfg.Broker.DefaultPriority < 0 {
		return Config{}, fmt.Errorf("BROKER_DEFAULT_PRIORITY must not be negative")
	}
	if cfg.Executor.StageTimeout <= 0 {
		return Config{}, fmt.Errorf("EXECUTOR_STAGE_TIMEOUT must be positive")
	}

	return cfg, nil
}

func (c Config) IsProduction() bool {
	return c.Env == "production"
}

func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c OTelConfig) Enabled() bool {
	return c.Endpoint != ""
}

func (c DBConfig) Enabled() bool {
	return c.DSN != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt32(key string, fallback int32) int32 {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(i)
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("90s") or plain milliseconds ("2000").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
