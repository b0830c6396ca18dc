package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

type Config struct {
	Redis    RedisConfig    `mapstructure:"redis" validate:"required"`
	Daemon   DaemonConfig   `mapstructure:"daemon" validate:"required"`
	Network  NetworkConfig  `mapstructure:"network"`
	TLS      TLSConfig      `mapstructure:"tls"`
	Results  ResultsConfig  `mapstructure:"results" validate:"required"`
	HTTP     HTTPConfig     `mapstructure:"http" validate:"required"`
	Asynqmon AsynqmonConfig `mapstructure:"asynqmon" validate:"required"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required,hostname_port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"min=0,max=15"`
}

type DaemonConfig struct {
	LogLevel    string `mapstructure:"log_level" validate:"required,oneof=debug info warn error fatal"`
	Concurrency int    `mapstructure:"concurrency" validate:"min=1,max=100"`
	Queue       string `mapstructure:"queue" validate:"required"`
	// MaxRetry is how often the queue re-runs an attempt that broke on the
	// transport. Uploads are re-run at most once.
	MaxRetry               int `mapstructure:"max_retry" validate:"min=0,max=1"`
	TaskTimeoutMinutes     int `mapstructure:"task_timeout_minutes" validate:"required,min=1,max=1440"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds" validate:"min=1,max=600"`
	StateRetentionHours    int `mapstructure:"state_retention_hours" validate:"min=1"`
	ArchiveSweepSeconds    int `mapstructure:"archive_sweep_seconds" validate:"min=1,max=86400"`
}

type NetworkConfig struct {
	Enabled              bool   `mapstructure:"enabled"`
	ProbeAddr            string `mapstructure:"probe_addr" validate:"required_if=Enabled true,omitempty,hostname_port"`
	ProbeIntervalSeconds int    `mapstructure:"probe_interval_seconds" validate:"min=1,max=3600"`
	ProbeTimeoutSeconds  int    `mapstructure:"probe_timeout_seconds" validate:"min=1,max=60"`
}

// TLSConfig locates the FTPS trust material managed outside the daemon.
type TLSConfig struct {
	KnownServersFile string `mapstructure:"known_servers_file"`
	ClientCertFile   string `mapstructure:"client_cert_file" validate:"required_with=ClientKeyFile"`
	ClientKeyFile    string `mapstructure:"client_key_file" validate:"required_with=ClientCertFile"`
}

type ResultsConfig struct {
	Buffer       int    `mapstructure:"buffer" validate:"min=1,max=100000"`
	RedisChannel string `mapstructure:"redis_channel"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr" validate:"required,hostname_port"`
}

type AsynqmonConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	RootPath       string `mapstructure:"root_path" validate:"required"`
	ReadOnlyMode   bool   `mapstructure:"read_only_mode"`
	PrometheusAddr string `mapstructure:"prometheus_addr" validate:"omitempty,url"`
}

func (r RedisConfig) AsynqOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     r.Addr,
		Password: r.Password,
		DB:       r.DB,
	}
}

func (r RedisConfig) Options() *redis.Options {
	return &redis.Options{
		Addr:     r.Addr,
		Password: r.Password,
		DB:       r.DB,
	}
}

func (d DaemonConfig) TaskTimeout() time.Duration {
	return time.Duration(d.TaskTimeoutMinutes) * time.Minute
}

func (d DaemonConfig) ShutdownTimeout() time.Duration {
	return time.Duration(d.ShutdownTimeoutSeconds) * time.Second
}

func (d DaemonConfig) StateRetention() time.Duration {
	return time.Duration(d.StateRetentionHours) * time.Hour
}

func (d DaemonConfig) ArchiveSweepInterval() time.Duration {
	return time.Duration(d.ArchiveSweepSeconds) * time.Second
}

func (n NetworkConfig) ProbeInterval() time.Duration {
	return time.Duration(n.ProbeIntervalSeconds) * time.Second
}

func (n NetworkConfig) ProbeTimeout() time.Duration {
	return time.Duration(n.ProbeTimeoutSeconds) * time.Second
}

func LoadFromFile(filename string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(filename)
	v.SetConfigType("toml")

	v.SetEnvPrefix("TRACKUP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("daemon.log_level", "info")
	v.SetDefault("daemon.concurrency", 4)
	v.SetDefault("daemon.queue", "uploads")
	v.SetDefault("daemon.max_retry", 1)
	v.SetDefault("daemon.task_timeout_minutes", 30)
	v.SetDefault("daemon.shutdown_timeout_seconds", 30)
	v.SetDefault("daemon.state_retention_hours", 24)
	v.SetDefault("daemon.archive_sweep_seconds", 60)

	v.SetDefault("network.enabled", false)
	v.SetDefault("network.probe_addr", "")
	v.SetDefault("network.probe_interval_seconds", 15)
	v.SetDefault("network.probe_timeout_seconds", 5)

	v.SetDefault("tls.known_servers_file", "")
	v.SetDefault("tls.client_cert_file", "")
	v.SetDefault("tls.client_key_file", "")

	v.SetDefault("results.buffer", 64)
	v.SetDefault("results.redis_channel", "trackup:outcomes")

	v.SetDefault("http.addr", ":8080")

	v.SetDefault("asynqmon.enabled", true)
	v.SetDefault("asynqmon.root_path", "/monitoring")
	v.SetDefault("asynqmon.read_only_mode", false)
	v.SetDefault("asynqmon.prometheus_addr", "")
}

func validateConfig(config *Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	return validate.Struct(config)
}
