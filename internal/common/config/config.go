// Package config loads service configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the full service configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Pool    PoolConfig    `mapstructure:"pool"`
	Store   StoreConfig   `mapstructure:"store"`
	NATS    NATSConfig    `mapstructure:"nats"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port         int `mapstructure:"port"`
	ReadTimeout  int `mapstructure:"read_timeout"`  // seconds
	WriteTimeout int `mapstructure:"write_timeout"` // seconds
}

// ReadTimeoutDuration returns the read timeout as a duration
func (s ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a duration
func (s ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AgentConfig holds settings for the agent executable
type AgentConfig struct {
	Command        string       `mapstructure:"command"`
	Args           []string     `mapstructure:"args"`
	TimeoutSeconds int          `mapstructure:"timeout_seconds"`
	SystemPrompt   string       `mapstructure:"system_prompt"`
	UseDocker      bool         `mapstructure:"use_docker"`
	Docker         DockerConfig `mapstructure:"docker"`
}

// Timeout returns the agent execution timeout as a duration
func (a AgentConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// DockerConfig holds settings for the container-based agent runner
type DockerConfig struct {
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"api_version"`
	Image      string `mapstructure:"image"`
	MemoryMB   int64  `mapstructure:"memory_mb"`
	CPUCores   float64 `mapstructure:"cpu_cores"`
}

// PoolConfig holds worker pool settings
type PoolConfig struct {
	Size             int `mapstructure:"size"`
	QueueWaitSeconds int `mapstructure:"queue_wait_seconds"`
}

// QueueWait returns the maximum admission wait as a duration
func (p PoolConfig) QueueWait() time.Duration {
	return time.Duration(p.QueueWaitSeconds) * time.Second
}

// StoreConfig holds conversation store settings
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // memory, sqlite, postgres
	Path   string `mapstructure:"path"`   // sqlite database file
	DSN    string `mapstructure:"dsn"`    // postgres connection string
}

// NATSConfig holds event bus settings
type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// Load reads configuration from forgeflow.yaml and FORGEFLOW_* env vars
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("forgeflow")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.forgeflow")
	v.AddConfigPath("/etc/forgeflow")

	v.SetEnvPrefix("FORGEFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Running purely from defaults and env is fine
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks configuration invariants
func (c *Config) Validate() error {
	if c.Agent.TimeoutSeconds <= 0 {
		return fmt.Errorf("agent.timeout_seconds must be greater than zero")
	}
	if c.Pool.Size <= 0 {
		return fmt.Errorf("pool.size must be greater than zero")
	}
	switch c.Store.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("store.driver must be one of memory, sqlite, postgres (got %q)", c.Store.Driver)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 0) // streaming responses must not be cut off

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("agent.command", "claude")
	v.SetDefault("agent.args", []string{"-p", "--dangerously-skip-permissions"})
	v.SetDefault("agent.timeout_seconds", 600)
	v.SetDefault("agent.system_prompt", "")
	v.SetDefault("agent.use_docker", false)
	v.SetDefault("agent.docker.image", "forgeflow/agent:latest")
	v.SetDefault("agent.docker.memory_mb", 4096)
	v.SetDefault("agent.docker.cpu_cores", 2.0)

	v.SetDefault("pool.size", 4)
	v.SetDefault("pool.queue_wait_seconds", 30)

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.path", "forgeflow.db")
	v.SetDefault("store.dsn", "")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
}
