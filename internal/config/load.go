package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable the loader reads,
// e.g. SCRY_SERVER_PORT for server.port.
const EnvPrefix = "SCRY"

// keys without defaults that must still be bound to the environment
var envOnlyKeys = []string{
	"database.url",
	"auth.jwt_secret",
	"llm.gemini_api_key",
	"redis.password",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "scry")
	v.SetDefault("redis.event_channel", "scry:task-status")

	v.SetDefault("auth.token_lifetime_minutes", 60)

	v.SetDefault("llm.model_name", "gemini-2.0-flash")
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.retry_delay_seconds", 2)

	v.SetDefault("queue.backend", "redis")
	v.SetDefault("queue.poll_interval", 200*time.Millisecond)
	v.SetDefault("queue.default_max_retries", 3)
	v.SetDefault("queue.retry_backoff_base", time.Duration(0))
	v.SetDefault("queue.retry_backoff_max", 5*time.Minute)

	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.dequeue_timeout", 2*time.Second)
	v.SetDefault("worker.cancel_check_interval", time.Second)
	v.SetDefault("worker.promote_interval", time.Second)
	v.SetDefault("worker.stuck_task_age", 30*time.Minute)
	v.SetDefault("worker.stuck_check_interval", 5*time.Minute)

	v.SetDefault("batch.default_max_concurrent", 5)
	v.SetDefault("batch.max_tasks_per_job", 1000)
	v.SetDefault("batch.scheduler_interval", 15*time.Second)
}

// Load reads configuration from an optional config.yaml in the working
// directory, then from SCRY_-prefixed environment variables, which take
// precedence. The result is validated before it is returned.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile behaves like Load but reads the given config file instead of
// searching for config.yaml. A missing file is an error when path is set.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envOnlyKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("error binding environment variable for %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}
