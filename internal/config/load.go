package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every configuration key when read from the
// environment (server.port -> RUNQ_SERVER_PORT).
const EnvPrefix = "RUNQ"

// bareEnv lists keys that are also accepted under their short, unprefixed
// environment names.
var bareEnv = map[string]string{
	"task.max_concurrent_runs":           "MAX_CONCURRENT_RUNS",
	"task.cpu_threshold_pct":             "CPU_THRESHOLD_PCT",
	"task.min_available_mem_bytes":       "MIN_AVAILABLE_MEM_BYTES",
	"task.heartbeat_interval_seconds":    "HEARTBEAT_INTERVAL_SECONDS",
	"task.stall_multiplier":              "STALL_MULTIPLIER",
	"task.scheduling_strategy":           "SCHEDULING_STRATEGY",
	"task.default_max_retries":           "DEFAULT_MAX_RETRIES",
	"task.default_timeout_seconds":       "DEFAULT_TIMEOUT_SECONDS",
	"task.health_check_interval_seconds": "HEALTH_CHECK_INTERVAL_SECONDS",
	"task.resource_sample_interval_ms":   "RESOURCE_SAMPLE_INTERVAL_MS",
	"task.cancel_grace_seconds":          "CANCEL_GRACE_SECONDS",
	"task.shutdown_timeout_seconds":      "SHUTDOWN_TIMEOUT_SECONDS",
	"task.shutdown_policy":               "SHUTDOWN_POLICY",
	"database.driver":                    "DATABASE_DRIVER",
	"database.url":                       "DATABASE_URL",
	"database.path":                      "DATABASE_PATH",
}

// Load configuration from environment variables and an optional config.yaml
// in the working directory. Environment variables take precedence over values
// from the file. Returns a populated Config or an error if loading or
// validation fails.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile behaves like Load but reads the given YAML file instead of
// searching for config.yaml. A missing explicit file is an error.
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

	for key, bare := range bareEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, bare); err != nil {
			return nil, fmt.Errorf("error binding env %s: %w", bare, err)
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

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.url", "")
	v.SetDefault("database.path", "runqueue.db")
	v.SetDefault("database.busy_timeout_ms", 5000)

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("task.max_concurrent_runs", 10)
	v.SetDefault("task.cpu_threshold_pct", 80.0)
	v.SetDefault("task.min_available_mem_bytes", int64(4<<30))
	v.SetDefault("task.heartbeat_interval_seconds", 30)
	v.SetDefault("task.stall_multiplier", 3)
	v.SetDefault("task.scheduling_strategy", "priority")
	v.SetDefault("task.default_max_retries", 3)
	v.SetDefault("task.default_timeout_seconds", 1800)
	v.SetDefault("task.health_check_interval_seconds", 60)
	v.SetDefault("task.resource_sample_interval_ms", 1000)
	v.SetDefault("task.poll_interval_ms", 500)
	v.SetDefault("task.max_poll_backoff_ms", 5000)
	v.SetDefault("task.cancel_grace_seconds", 5)
	v.SetDefault("task.shutdown_timeout_seconds", 30)
	v.SetDefault("task.shutdown_policy", "requeue")
}
