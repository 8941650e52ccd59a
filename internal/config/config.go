// Package config provides configuration loading from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the main application configuration, loaded from environment
// variables using github.com/caarlos0/env.
type Config struct {
	// ExecutionMode selects the job backend: "api" or "docker".
	ExecutionMode string `env:"EXECUTION_MODE" envDefault:"api"`

	HTTP      HTTPConfig      `envPrefix:"HTTP_"`
	Store     StoreConfig     `envPrefix:"STORE_"`
	Remote    RemoteConfig    `envPrefix:"REMOTE_"`
	Docker    DockerConfig    `envPrefix:"DOCKER_"`
	Processor ProcessorConfig `envPrefix:"PROCESSOR_"`
	Stream    StreamConfig    `envPrefix:"STREAM_"`
	Auth      AuthConfig      `envPrefix:"AUTH_"`
	Webhook   WebhookConfig   `envPrefix:"WEBHOOK_"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Addr        string `env:"ADDR" envDefault:":8080"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`

	ReadHeaderTimeout time.Duration `env:"READ_HEADER_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// ShutdownDrainWait is the time to wait for the load balancer to stop
	// routing traffic before closing listeners (0 to skip).
	ShutdownDrainWait time.Duration `env:"SHUTDOWN_DRAIN_WAIT" envDefault:"5s"`
}

// StoreConfig holds job persistence configuration.
type StoreConfig struct {
	// Driver selects the store implementation: "sqlite" or "memory".
	Driver string `env:"DRIVER" envDefault:"sqlite"`
	Path   string `env:"PATH" envDefault:"patchwork.db"`
}

// RemoteConfig holds configuration for the remote execution API backend.
type RemoteConfig struct {
	BaseURL string `env:"BASE_URL"`

	// Token authenticates service-level requests to the remote API. It can
	// also be supplied via TokenFile (Docker/K8s secret mounts).
	Token     string `env:"TOKEN"`
	TokenFile string `env:"TOKEN_FILE"`

	Timeout          time.Duration `env:"TIMEOUT" envDefault:"30s"`
	BreakerThreshold int           `env:"BREAKER_THRESHOLD" envDefault:"5"`
	BreakerCooldown  time.Duration `env:"BREAKER_COOLDOWN" envDefault:"30s"`
}

// DockerConfig holds configuration for the local container backend.
type DockerConfig struct {
	Image      string        `env:"IMAGE" envDefault:"patchwork-runner:latest"`
	Workspace  string        `env:"WORKSPACE" envDefault:"/workspace"`
	Timeout    time.Duration `env:"TIMEOUT" envDefault:"30m"`
	CPU        float64       `env:"CPU" envDefault:"1"`
	MemoryMB   int           `env:"MEMORY_MB" envDefault:"1024"`
	ExtraHosts []string      `env:"EXTRA_HOSTS" envSeparator:","`
}

// ProcessorConfig holds job processor configuration.
type ProcessorConfig struct {
	PollInterval   time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`
	MaxPollRetries int           `env:"MAX_POLL_RETRIES" envDefault:"3"`
}

// StreamConfig holds log streaming configuration.
type StreamConfig struct {
	Interval time.Duration `env:"INTERVAL" envDefault:"2s"`
}

// AuthConfig holds session configuration.
type AuthConfig struct {
	SessionTTL time.Duration `env:"SESSION_TTL" envDefault:"24h"`
}

// WebhookConfig holds job notification webhook configuration. Delivery is
// disabled when URL is empty.
type WebhookConfig struct {
	URL string `env:"URL"`

	SigningKey     string `env:"SIGNING_KEY"`
	SigningKeyFile string `env:"SIGNING_KEY_FILE"`

	Workers          int           `env:"WORKERS" envDefault:"2"`
	BufferSize       int           `env:"BUFFER_SIZE" envDefault:"64"`
	MaxRetries       int           `env:"MAX_RETRIES" envDefault:"3"`
	HTTPTimeout      time.Duration `env:"HTTP_TIMEOUT" envDefault:"10s"`
	BreakerThreshold int           `env:"BREAKER_THRESHOLD" envDefault:"5"`
	BreakerCooldown  time.Duration `env:"BREAKER_COOLDOWN" envDefault:"30s"`
}

// Load reads configuration from the environment, loading a .env file first
// if one exists.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, fmt.Errorf("load .env file: %w", err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Sanitize applies guardrails to configuration values loaded from env.
func (c *Config) Sanitize() {
	c.ExecutionMode = strings.ToLower(strings.TrimSpace(c.ExecutionMode))
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))

	if c.HTTP.ReadHeaderTimeout <= 0 {
		c.HTTP.ReadHeaderTimeout = 10 * time.Second
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		c.HTTP.ShutdownTimeout = 30 * time.Second
	}
	if c.HTTP.ShutdownDrainWait < 0 {
		c.HTTP.ShutdownDrainWait = 0
	}

	if c.Remote.Token == "" {
		c.Remote.Token = ReadSecretFile(c.Remote.TokenFile)
	}
	if c.Remote.Timeout <= 0 {
		c.Remote.Timeout = 30 * time.Second
	}

	if c.Docker.Timeout <= 0 {
		c.Docker.Timeout = 30 * time.Minute
	}
	if c.Docker.CPU <= 0 {
		c.Docker.CPU = 1
	}
	if c.Docker.MemoryMB <= 0 {
		c.Docker.MemoryMB = 1024
	}

	if c.Processor.PollInterval <= 0 {
		c.Processor.PollInterval = time.Second
	}
	if c.Processor.MaxPollRetries <= 0 {
		c.Processor.MaxPollRetries = 3
	}

	if c.Stream.Interval <= 0 {
		c.Stream.Interval = 2 * time.Second
	}

	if c.Auth.SessionTTL <= 0 {
		c.Auth.SessionTTL = 24 * time.Hour
	}

	if c.Webhook.SigningKey == "" {
		c.Webhook.SigningKey = ReadSecretFile(c.Webhook.SigningKeyFile)
	}
	if c.Webhook.Workers <= 0 {
		c.Webhook.Workers = 2
	}
	if c.Webhook.BufferSize <= 0 {
		c.Webhook.BufferSize = 64
	}
	if c.Webhook.MaxRetries < 0 {
		c.Webhook.MaxRetries = 0
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	switch c.ExecutionMode {
	case "api", "docker":
	default:
		return fmt.Errorf("invalid EXECUTION_MODE %q: must be \"api\" or \"docker\"", c.ExecutionMode)
	}

	switch c.Store.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("invalid STORE_DRIVER %q: must be \"sqlite\" or \"memory\"", c.Store.Driver)
	}
	if c.Store.Driver == "sqlite" && c.Store.Path == "" {
		return errors.New("STORE_PATH is required when STORE_DRIVER is sqlite")
	}

	if c.ExecutionMode == "api" && c.Remote.BaseURL == "" {
		return errors.New("REMOTE_BASE_URL is required when EXECUTION_MODE is api")
	}

	return nil
}

// ReadSecretFile reads a secret from a file path. Works with Docker secrets
// (/run/secrets/) and K8s secrets (mounted volumes). Returns an empty string
// if the path is empty or unreadable.
func ReadSecretFile(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
