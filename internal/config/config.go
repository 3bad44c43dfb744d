package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth" validate:"required"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Queue    QueueConfig    `mapstructure:"queue" validate:"required"`
	Worker   WorkerConfig   `mapstructure:"worker" validate:"required"`
	Batch    BatchConfig    `mapstructure:"batch" validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel        string        `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	LogFormat       string        `mapstructure:"log_format" validate:"omitempty,oneof=json text"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// DatabaseConfig selects and configures the durable record store.
type DatabaseConfig struct {
	// Driver is "postgres" for production or "memory" for local development.
	Driver          string        `mapstructure:"driver" validate:"required,oneof=postgres memory"`
	URL             string        `mapstructure:"url" validate:"required_if=Driver postgres"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig contains connection settings for the Redis queue store.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db" validate:"gte=0"`
	KeyPrefix string `mapstructure:"key_prefix"`
	// EventChannel is the pub/sub channel status changes are published on.
	// Empty disables Redis publishing.
	EventChannel string `mapstructure:"event_channel"`
}

// AuthConfig contains all authentication and authorization settings.
type AuthConfig struct {
	JWTSecret            string `mapstructure:"jwt_secret" validate:"required,min=32"`
	TokenLifetimeMinutes int    `mapstructure:"token_lifetime_minutes" validate:"gt=0"`
}

// LLMConfig contains all LLM integration related settings.
// Generation handlers are only registered when GeminiAPIKey is set.
type LLMConfig struct {
	GeminiAPIKey      string `mapstructure:"gemini_api_key"`
	ModelName         string `mapstructure:"model_name" validate:"required"`
	MaxRetries        int    `mapstructure:"max_retries" validate:"gte=0,lte=10"`
	RetryDelaySeconds int    `mapstructure:"retry_delay_seconds" validate:"gte=0"`
}

// QueueConfig configures the queue store and retry policy.
type QueueConfig struct {
	// Backend is "redis" or "memory".
	Backend           string        `mapstructure:"backend" validate:"required,oneof=redis memory"`
	PollInterval      time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	DefaultMaxRetries int           `mapstructure:"default_max_retries" validate:"gte=0"`
	// RetryBackoffBase of zero re-enqueues failed attempts immediately.
	RetryBackoffBase time.Duration `mapstructure:"retry_backoff_base" validate:"gte=0"`
	RetryBackoffMax  time.Duration `mapstructure:"retry_backoff_max" validate:"gte=0"`
}

// WorkerConfig configures the worker pool.
type WorkerConfig struct {
	Count               int           `mapstructure:"count" validate:"gte=0"`
	DequeueTimeout      time.Duration `mapstructure:"dequeue_timeout" validate:"gt=0"`
	CancelCheckInterval time.Duration `mapstructure:"cancel_check_interval" validate:"gt=0"`
	PromoteInterval     time.Duration `mapstructure:"promote_interval" validate:"gt=0"`
	StuckTaskAge        time.Duration `mapstructure:"stuck_task_age" validate:"gt=0"`
	StuckCheckInterval  time.Duration `mapstructure:"stuck_check_interval" validate:"gt=0"`
}

// BatchConfig configures batch job orchestration.
type BatchConfig struct {
	DefaultMaxConcurrent int           `mapstructure:"default_max_concurrent" validate:"gte=1"`
	MaxTasksPerJob       int           `mapstructure:"max_tasks_per_job" validate:"gte=1"`
	SchedulerInterval    time.Duration `mapstructure:"scheduler_interval" validate:"gt=0"`
}
