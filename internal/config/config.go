// Package config handles configuration loading and management for foreman.
// It supports XDG config paths, project-level overrides, and environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/wavework/foreman/internal/planner"
	"github.com/wavework/foreman/internal/pool"
	"github.com/wavework/foreman/pkg/models"
)

// Config holds all configuration for foreman.
type Config struct {
	Planner   PlannerConfig   `mapstructure:"planner"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Health    HealthConfig    `mapstructure:"health"`
	Transport TransportConfig `mapstructure:"transport"`
	Server    ServerConfig    `mapstructure:"server"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Log       LogConfig       `mapstructure:"log"`
}

// PlannerConfig holds the planner's calibration constants. Base durations
// and multipliers are estimates, not load-bearing business logic; tune them
// per deployment.
type PlannerConfig struct {
	MaxConcurrentPerWorker int                      `mapstructure:"max_concurrent_per_worker"`
	BaseDurations          map[string]time.Duration `mapstructure:"base_durations"`
	PriorityMultipliers    map[string]float64       `mapstructure:"priority_multipliers"`
}

// Options converts the calibration into planner options.
func (pc PlannerConfig) Options() planner.Options {
	opts := planner.Options{
		MaxConcurrentPerWorker: pc.MaxConcurrentPerWorker,
		BaseDurations:          pc.BaseDurations,
	}
	if len(pc.PriorityMultipliers) > 0 {
		opts.PriorityMultipliers = make(map[models.Priority]float64, len(pc.PriorityMultipliers))
		for k, v := range pc.PriorityMultipliers {
			opts.PriorityMultipliers[models.Priority(k)] = v
		}
	}
	return opts
}

// QueueConfig holds work queue settings.
type QueueConfig struct {
	MaxRetries      int `mapstructure:"max_retries"`
	ConcurrentTasks int `mapstructure:"concurrent_tasks"`
}

// PoolConfig holds server pool settings.
type PoolConfig struct {
	Strategy string `mapstructure:"strategy"`
}

// LoadBalancingStrategy returns the configured strategy, falling back to
// round robin on unknown values.
func (pc PoolConfig) LoadBalancingStrategy() pool.Strategy {
	s := pool.Strategy(pc.Strategy)
	if !s.Valid() {
		return pool.StrategyRoundRobin
	}
	return s
}

// HealthConfig holds health monitor settings.
type HealthConfig struct {
	DegradedThreshold int           `mapstructure:"degraded_threshold"`
	OfflineThreshold  int           `mapstructure:"offline_threshold"`
	CheckInterval     time.Duration `mapstructure:"check_interval"`
	ProbeTimeout      time.Duration `mapstructure:"probe_timeout"`
}

// TransportConfig holds transport settings.
type TransportConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ServerConfig holds serve-mode settings.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// RedisConfig holds the optional Redis event bus settings. When Addr is
// empty, events stay in process.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load loads configuration from XDG paths, project overrides, and
// environment variables. Precedence (highest to lowest):
// 1. Environment variables (FOREMAN_*)
// 2. Project config (.foreman.yaml in current directory or parent)
// 3. User config (~/.config/foreman/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	// Project config takes precedence over the user config.
	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("FOREMAN")
	v.AutomaticEnv()
	v.BindEnv("redis.addr", "FOREMAN_REDIS_ADDR")
	v.BindEnv("redis.password", "FOREMAN_REDIS_PASSWORD")
	v.BindEnv("server.addr", "FOREMAN_SERVER_ADDR")
	v.BindEnv("log.level", "FOREMAN_LOG_LEVEL")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Redis.Password = os.ExpandEnv(cfg.Redis.Password)

	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Redis.Password = os.ExpandEnv(cfg.Redis.Password)

	return cfg, nil
}

// Save writes the current configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configPath := filepath.Join(userConfigDir, "config.yaml")

	v := viper.New()
	v.SetConfigFile(configPath)

	v.Set("planner.max_concurrent_per_worker", cfg.Planner.MaxConcurrentPerWorker)
	v.Set("queue.max_retries", cfg.Queue.MaxRetries)
	v.Set("queue.concurrent_tasks", cfg.Queue.ConcurrentTasks)
	v.Set("pool.strategy", cfg.Pool.Strategy)
	v.Set("health.degraded_threshold", cfg.Health.DegradedThreshold)
	v.Set("health.offline_threshold", cfg.Health.OfflineThreshold)
	v.Set("health.check_interval", cfg.Health.CheckInterval.String())
	v.Set("health.probe_timeout", cfg.Health.ProbeTimeout.String())
	v.Set("transport.request_timeout", cfg.Transport.RequestTimeout.String())
	v.Set("server.addr", cfg.Server.Addr)
	v.Set("redis.addr", cfg.Redis.Addr)
	v.Set("redis.db", cfg.Redis.DB)
	v.Set("log.level", cfg.Log.Level)

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("planner.max_concurrent_per_worker", 3)
	v.SetDefault("planner.base_durations", map[string]string{})
	v.SetDefault("planner.priority_multipliers", map[string]float64{})

	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.concurrent_tasks", 5)

	v.SetDefault("pool.strategy", string(pool.StrategyRoundRobin))

	v.SetDefault("health.degraded_threshold", 2)
	v.SetDefault("health.offline_threshold", 5)
	v.SetDefault("health.check_interval", "30s")
	v.SetDefault("health.probe_timeout", "5s")

	v.SetDefault("transport.request_timeout", "30s")

	v.SetDefault("server.addr", ":8420")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("log.level", "info")
}

// getUserConfigDir returns the XDG config directory for foreman.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "foreman")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "foreman")
	}
	return filepath.Join(home, ".config", "foreman")
}

// findProjectConfig searches for .foreman.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".foreman.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Planner: PlannerConfig{
			MaxConcurrentPerWorker: 3,
		},
		Queue: QueueConfig{
			MaxRetries:      3,
			ConcurrentTasks: 5,
		},
		Pool: PoolConfig{
			Strategy: string(pool.StrategyRoundRobin),
		},
		Health: HealthConfig{
			DegradedThreshold: 2,
			OfflineThreshold:  5,
			CheckInterval:     30 * time.Second,
			ProbeTimeout:      5 * time.Second,
		},
		Transport: TransportConfig{
			RequestTimeout: 30 * time.Second,
		},
		Server: ServerConfig{
			Addr: ":8420",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
