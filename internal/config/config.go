package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all configuration for the requestflow service.
type Config struct {
	// Server configuration
	HTTPPort int    `env:"RF_HTTP_PORT" envDefault:"8080"`
	GRPCPort int    `env:"RF_GRPC_PORT" envDefault:"9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Root of the local document share searched by retrieval
	DocumentsRoot string `env:"DOCUMENTS_ROOT" envDefault:"./data/documents"`

	// Event bus configuration
	Bus BusConfig

	// Agent scheduling configuration
	Agents AgentsConfig

	// Supervisor configuration
	Supervisor SupervisorConfig

	// Redis configuration (request store backend)
	Redis RedisConfig

	// Classifier configuration
	Classifier ClassifierConfig

	// Timeouts
	Timeouts TimeoutConfig
}

// BusConfig bounds the event bus queue and history buffers.
type BusConfig struct {
	QueueSize   int `env:"BUS_QUEUE_SIZE" envDefault:"10000"`
	HistorySize int `env:"BUS_HISTORY_SIZE" envDefault:"1000"`
}

// AgentsConfig holds per-agent scheduling and retry knobs.
type AgentsConfig struct {
	HeartbeatInterval time.Duration `env:"AGENT_HEARTBEAT_INTERVAL" envDefault:"30s"`

	RequestPollInterval time.Duration `env:"REQUEST_POLL_INTERVAL" envDefault:"30s"`
	RequestBatchSize    int           `env:"REQUEST_BATCH_SIZE" envDefault:"10"`

	RetrievalRunInterval time.Duration `env:"RETRIEVAL_RUN_INTERVAL" envDefault:"15s"`

	ClassificationRunInterval time.Duration `env:"CLASSIFICATION_RUN_INTERVAL" envDefault:"20s"`
	ClassificationBatchSize   int           `env:"CLASSIFICATION_BATCH_SIZE" envDefault:"10"`
	ClassificationRatePerMin  int           `env:"CLASSIFICATION_RATE_PER_MINUTE" envDefault:"30"`

	DeadlineCheckInterval time.Duration `env:"DEADLINE_CHECK_INTERVAL" envDefault:"4h"`

	MaxRetries        int           `env:"AGENT_MAX_RETRIES" envDefault:"3"`
	RetryInitialDelay time.Duration `env:"AGENT_RETRY_INITIAL_DELAY" envDefault:"1s"`
	RetryMaxDelay     time.Duration `env:"AGENT_RETRY_MAX_DELAY" envDefault:"5m"`
}

// SupervisorConfig holds health-check and restart behaviour.
type SupervisorConfig struct {
	AutoRestart         bool          `env:"SUPERVISOR_AUTO_RESTART" envDefault:"true"`
	HealthCheckInterval time.Duration `env:"SUPERVISOR_HEALTH_CHECK_INTERVAL" envDefault:"60s"`
	MaxRestartAttempts  int           `env:"SUPERVISOR_MAX_RESTART_ATTEMPTS" envDefault:"3"`
	RestartCooldown     time.Duration `env:"SUPERVISOR_RESTART_COOLDOWN" envDefault:"2s"`
}

// RedisConfig holds Redis connection configuration. When disabled the
// service falls back to the in-memory request store.
type RedisConfig struct {
	Enabled  bool   `env:"REDIS_ENABLED" envDefault:"false"`
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	// Connection pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`
}

// ClassifierConfig selects and configures the document classifier. With an
// empty API key the keyword classifier is used.
type ClassifierConfig struct {
	Provider string `env:"CLASSIFIER_PROVIDER" envDefault:"anthropic"`
	APIKey   string `env:"CLASSIFIER_API_KEY"`
	Model    string `env:"CLASSIFIER_MODEL" envDefault:"claude-3-5-sonnet-20241022"`

	RequestTimeout time.Duration `env:"CLASSIFIER_REQUEST_TIMEOUT" envDefault:"120s"`
}

// TimeoutConfig holds shutdown timeouts.
type TimeoutConfig struct {
	ShutdownTimeout  time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"60s"`
	AgentStopTimeout time.Duration `env:"TIMEOUT_AGENT_STOP" envDefault:"30s"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}

	if c.Bus.QueueSize < 1 {
		return fmt.Errorf("bus queue size must be at least 1")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required when redis is enabled")
	}

	if c.Classifier.Provider != "anthropic" && c.Classifier.Provider != "keyword" {
		return fmt.Errorf("unsupported classifier provider: %s", c.Classifier.Provider)
	}

	if c.Agents.RequestBatchSize < 1 {
		return fmt.Errorf("request batch size must be at least 1")
	}
	if c.Agents.ClassificationRatePerMin < 1 {
		return fmt.Errorf("classification rate must be at least 1 per minute")
	}
	if c.Supervisor.MaxRestartAttempts < 0 {
		return fmt.Errorf("max restart attempts must not be negative")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// GetHTTPAddr returns the HTTP server address.
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// GetGRPCAddr returns the gRPC server address.
func (c *Config) GetGRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}
