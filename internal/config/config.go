// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Repository struct {
	DSN string `mapstructure:"dsn"`
}

type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

// CommandBus selects and configures the broadcast Command Bus backend
// (spec.md §4.7): "local" for a single-process in-memory bus, "nats" to
// fan commands out across processes.
type CommandBus struct {
	Backend  string `mapstructure:"backend"`
	Capacity int    `mapstructure:"capacity"`
	NATSURL  string `mapstructure:"nats_url"`
}

// UIBridge configures the websocket connection to the UI process
// (spec.md §4.4).
type UIBridge struct {
	URL              string        `mapstructure:"url"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	ReconnectBackoff time.Duration `mapstructure:"reconnect_backoff"`
}

type Runtime struct {
	LivenessSweepInterval time.Duration `mapstructure:"liveness_sweep_interval"`
	BreakerWindow         time.Duration `mapstructure:"breaker_window"`
	BreakerCooldown       time.Duration `mapstructure:"breaker_cooldown"`
	BreakerFailureThresh  float64       `mapstructure:"breaker_failure_threshold"`
	BreakerMinSamples     int           `mapstructure:"breaker_min_samples"`
	PermissionTimeout     time.Duration `mapstructure:"permission_timeout"`
}

type TracingConfig struct {
	Enabled            bool              `mapstructure:"enabled"`
	Endpoint           string            `mapstructure:"endpoint"`
	Environment        string            `mapstructure:"environment"`
	SamplingStrategy   string            `mapstructure:"sampling_strategy"`
	SamplingRate       float64           `mapstructure:"sampling_rate"`
	BatchTimeout       time.Duration     `mapstructure:"batch_timeout"`
	MaxExportBatchSize int               `mapstructure:"max_export_batch_size"`
	Headers            map[string]string `mapstructure:"headers"`
	Insecure           bool              `mapstructure:"insecure"`
}

type ObservabilityConfig struct {
	MetricsPort int           `mapstructure:"metrics_port"`
	LogLevel    string        `mapstructure:"log_level"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

// Webhooks configures the HTTP API used to manage plugin lifecycle-event
// subscriptions (spec.md §4.8's supplemental notification layer).
type Webhooks struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type Config struct {
	Repository    Repository          `mapstructure:"repository"`
	Redis         Redis               `mapstructure:"redis"`
	CommandBus    CommandBus          `mapstructure:"command_bus"`
	UIBridge      UIBridge            `mapstructure:"ui_bridge"`
	Runtime       Runtime             `mapstructure:"runtime"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Webhooks      Webhooks            `mapstructure:"webhooks"`
}

func defaultConfig() *Config {
	return &Config{
		Repository: Repository{
			DSN: "file:gauntlet-plugins.db?_foreign_keys=on",
		},
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		CommandBus: CommandBus{
			Backend:  "local",
			Capacity: 100,
		},
		UIBridge: UIBridge{
			URL:              "ws://127.0.0.1:7890/plugin-bridge",
			DialTimeout:      5 * time.Second,
			ReconnectBackoff: 2 * time.Second,
		},
		Runtime: Runtime{
			LivenessSweepInterval: 1 * time.Minute,
			BreakerWindow:         5 * time.Minute,
			BreakerCooldown:       30 * time.Second,
			BreakerFailureThresh:  0.5,
			BreakerMinSamples:     3,
			PermissionTimeout:     2 * time.Second,
		},
		Observability: ObservabilityConfig{
			MetricsPort: 9090,
			LogLevel:    "info",
			Tracing:     TracingConfig{Enabled: false, SamplingStrategy: "probabilistic", SamplingRate: 0.1},
		},
		Webhooks: Webhooks{
			Enabled: true,
			Port:    9091,
		},
	}
}

// Load reads configuration from a YAML file at path, overridden by
// GAUNTLET_-prefixed environment variables, falling back to defaults for
// anything the file and environment don't set.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("gauntlet")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("repository.dsn", def.Repository.DSN)

	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("command_bus.backend", def.CommandBus.Backend)
	v.SetDefault("command_bus.capacity", def.CommandBus.Capacity)
	v.SetDefault("command_bus.nats_url", def.CommandBus.NATSURL)

	v.SetDefault("ui_bridge.url", def.UIBridge.URL)
	v.SetDefault("ui_bridge.dial_timeout", def.UIBridge.DialTimeout)
	v.SetDefault("ui_bridge.reconnect_backoff", def.UIBridge.ReconnectBackoff)

	v.SetDefault("runtime.liveness_sweep_interval", def.Runtime.LivenessSweepInterval)
	v.SetDefault("runtime.breaker_window", def.Runtime.BreakerWindow)
	v.SetDefault("runtime.breaker_cooldown", def.Runtime.BreakerCooldown)
	v.SetDefault("runtime.breaker_failure_threshold", def.Runtime.BreakerFailureThresh)
	v.SetDefault("runtime.breaker_min_samples", def.Runtime.BreakerMinSamples)
	v.SetDefault("runtime.permission_timeout", def.Runtime.PermissionTimeout)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)
	v.SetDefault("observability.tracing.sampling_strategy", def.Observability.Tracing.SamplingStrategy)
	v.SetDefault("observability.tracing.sampling_rate", def.Observability.Tracing.SamplingRate)

	v.SetDefault("webhooks.enabled", def.Webhooks.Enabled)
	v.SetDefault("webhooks.port", def.Webhooks.Port)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Repository.DSN == "" {
		return fmt.Errorf("repository.dsn must not be empty")
	}
	switch cfg.CommandBus.Backend {
	case "local":
	case "nats":
		if cfg.CommandBus.NATSURL == "" {
			return fmt.Errorf("command_bus.nats_url is required when command_bus.backend is nats")
		}
	default:
		return fmt.Errorf("command_bus.backend must be local or nats, got %q", cfg.CommandBus.Backend)
	}
	if cfg.CommandBus.Capacity < 1 {
		return fmt.Errorf("command_bus.capacity must be >= 1")
	}
	if cfg.UIBridge.URL == "" {
		return fmt.Errorf("ui_bridge.url must not be empty")
	}
	if cfg.Runtime.LivenessSweepInterval <= 0 {
		return fmt.Errorf("runtime.liveness_sweep_interval must be > 0")
	}
	if cfg.Runtime.PermissionTimeout <= 0 {
		return fmt.Errorf("runtime.permission_timeout must be > 0")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if cfg.Webhooks.Enabled && (cfg.Webhooks.Port <= 0 || cfg.Webhooks.Port > 65535) {
		return fmt.Errorf("webhooks.port must be 1..65535")
	}
	return nil
}
