package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server    ServerConfig             `mapstructure:"server" validate:"required"`
	Database  DatabaseConfig           `mapstructure:"database" validate:"required"`
	Auth      AuthConfig               `mapstructure:"auth"`
	Task      TaskConfig               `mapstructure:"task" validate:"required"`
	Handlers  map[string]HandlerConfig `mapstructure:"handlers" validate:"dive"`
	Schedules []ScheduleConfig         `mapstructure:"schedules" validate:"dive"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig selects and configures the task store backend.
type DatabaseConfig struct {
	Driver        string `mapstructure:"driver" validate:"required,oneof=postgres sqlite memory"`
	URL           string `mapstructure:"url" validate:"required_if=Driver postgres"`
	Path          string `mapstructure:"path" validate:"required_if=Driver sqlite"`
	BusyTimeoutMS int    `mapstructure:"busy_timeout_ms" validate:"gte=0"`
}

// AuthConfig contains control API authentication settings.
// An empty secret disables bearer authentication.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" validate:"omitempty,min=32"`
}

// TaskConfig contains the worker orchestration tunables.
type TaskConfig struct {
	MaxConcurrentRuns          int     `mapstructure:"max_concurrent_runs" validate:"gte=1,lte=1024"`
	CPUThresholdPct            float64 `mapstructure:"cpu_threshold_pct" validate:"gt=0,lte=100"`
	MinAvailableMemBytes       int64   `mapstructure:"min_available_mem_bytes" validate:"gte=0"`
	HeartbeatIntervalSeconds   int     `mapstructure:"heartbeat_interval_seconds" validate:"gte=1"`
	StallMultiplier            int     `mapstructure:"stall_multiplier" validate:"gte=1"`
	SchedulingStrategy         string  `mapstructure:"scheduling_strategy" validate:"oneof=fifo lifo priority weighted_random"`
	DefaultMaxRetries          int     `mapstructure:"default_max_retries" validate:"gte=0,lte=100"`
	DefaultTimeoutSeconds      int     `mapstructure:"default_timeout_seconds" validate:"gte=1"`
	HealthCheckIntervalSeconds int     `mapstructure:"health_check_interval_seconds" validate:"gte=1"`
	ResourceSampleIntervalMS   int     `mapstructure:"resource_sample_interval_ms" validate:"gte=1"`
	PollIntervalMS             int     `mapstructure:"poll_interval_ms" validate:"gte=1"`
	MaxPollBackoffMS           int     `mapstructure:"max_poll_backoff_ms" validate:"gtefield=PollIntervalMS"`
	CancelGraceSeconds         int     `mapstructure:"cancel_grace_seconds" validate:"gte=0"`
	ShutdownTimeoutSeconds     int     `mapstructure:"shutdown_timeout_seconds" validate:"gte=0"`
	ShutdownPolicy             string  `mapstructure:"shutdown_policy" validate:"oneof=requeue cancel"`
}

// HeartbeatInterval returns the worker heartbeat period.
func (c TaskConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// StallThreshold returns how old a heartbeat may get before its task is
// considered orphaned.
func (c TaskConfig) StallThreshold() time.Duration {
	return c.HeartbeatInterval() * time.Duration(c.StallMultiplier)
}

// DefaultTimeout returns the execution timeout for tasks without their own.
func (c TaskConfig) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutSeconds) * time.Second
}

// HealthCheckInterval returns the health monitor scan period.
func (c TaskConfig) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalSeconds) * time.Second
}

// ResourceSampleInterval returns how long a resource snapshot stays fresh.
func (c TaskConfig) ResourceSampleInterval() time.Duration {
	return time.Duration(c.ResourceSampleIntervalMS) * time.Millisecond
}

// PollInterval returns the base idle backoff for workers.
func (c TaskConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// MaxPollBackoff returns the ceiling of the idle backoff.
func (c TaskConfig) MaxPollBackoff() time.Duration {
	return time.Duration(c.MaxPollBackoffMS) * time.Millisecond
}

// CancelGrace returns the wait between the termination signal and a force kill.
func (c TaskConfig) CancelGrace() time.Duration {
	return time.Duration(c.CancelGraceSeconds) * time.Second
}

// ShutdownTimeout returns how long shutdown waits for in-flight tasks.
func (c TaskConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// HandlerConfig describes an external command that executes one task type.
// The task params are written to the command's stdin and its stdout becomes
// the task result. Env entries use KEY=VALUE form and are appended to the
// engine's own environment.
type HandlerConfig struct {
	Command []string `mapstructure:"command" validate:"required,min=1,dive,required"`
	Env     []string `mapstructure:"env"`
	Dir     string   `mapstructure:"dir"`
}

// ScheduleConfig declares a recurring producer that submits a task on a
// cron schedule.
type ScheduleConfig struct {
	Name     string `mapstructure:"name"`
	Cron     string `mapstructure:"cron" validate:"required"`
	Type     string `mapstructure:"type" validate:"required"`
	Params   string `mapstructure:"params"`
	Priority int    `mapstructure:"priority" validate:"gte=-1000,lte=1000"`
}
