package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all runtime settings for the collaboration server.
// Values come from COLLAB_* environment variables with defaults suitable
// for local development.
type Config struct {
	Host     string `env:"COLLAB_HOST" envDefault:"0.0.0.0"`
	Port     int    `env:"COLLAB_PORT" envDefault:"8080"`
	LogLevel string `env:"COLLAB_LOG_LEVEL" envDefault:"info"`

	HTTPReadTimeout  time.Duration `env:"COLLAB_HTTP_READ_TIMEOUT" envDefault:"30s"`
	HTTPWriteTimeout time.Duration `env:"COLLAB_HTTP_WRITE_TIMEOUT" envDefault:"30s"`

	DatabasePath string `env:"COLLAB_DATABASE_PATH" envDefault:"./collab.db"`

	UsersServiceURL     string `env:"COLLAB_USERS_SERVICE_URL" envDefault:"http://localhost:8081"`
	QuestionsServiceURL string `env:"COLLAB_QUESTIONS_SERVICE_URL" envDefault:"http://localhost:8082"`

	// CheckpointInterval is how often dirty sessions are flushed to the
	// store. InactivityTimeout ends a session that stays clean across
	// consecutive checkpoint ticks.
	CheckpointInterval time.Duration `env:"COLLAB_CHECKPOINT_INTERVAL" envDefault:"10s"`
	InactivityTimeout  time.Duration `env:"COLLAB_INACTIVITY_TIMEOUT" envDefault:"30m"`

	PingInterval     time.Duration `env:"COLLAB_WS_PING_INTERVAL" envDefault:"30s"`
	WSReadTimeout    time.Duration `env:"COLLAB_WS_READ_TIMEOUT" envDefault:"60s"`
	WSWriteTimeout   time.Duration `env:"COLLAB_WS_WRITE_TIMEOUT" envDefault:"10s"`
	SendBufferFrames int           `env:"COLLAB_WS_SEND_BUFFER" envDefault:"128"`
}

// Load parses configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in defaults without consulting the environment.
func Default() *Config {
	return &Config{
		Host:                "0.0.0.0",
		Port:                8080,
		LogLevel:            "info",
		HTTPReadTimeout:     30 * time.Second,
		HTTPWriteTimeout:    30 * time.Second,
		DatabasePath:        "./collab.db",
		UsersServiceURL:     "http://localhost:8081",
		QuestionsServiceURL: "http://localhost:8082",
		CheckpointInterval:  10 * time.Second,
		InactivityTimeout:   30 * time.Minute,
		PingInterval:        30 * time.Second,
		WSReadTimeout:       60 * time.Second,
		WSWriteTimeout:      10 * time.Second,
		SendBufferFrames:    128,
	}
}

// Validate rejects configurations that would fail at runtime.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.UsersServiceURL == "" {
		return fmt.Errorf("users service URL cannot be empty")
	}
	if c.QuestionsServiceURL == "" {
		return fmt.Errorf("questions service URL cannot be empty")
	}
	if c.CheckpointInterval <= 0 {
		return fmt.Errorf("checkpoint interval must be positive")
	}
	if c.InactivityTimeout <= 0 {
		return fmt.Errorf("inactivity timeout must be positive")
	}
	if c.InactivityTimeout < c.CheckpointInterval {
		return fmt.Errorf("inactivity timeout must not be shorter than the checkpoint interval")
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("ping interval must be positive")
	}
	if c.WSReadTimeout <= c.PingInterval {
		return fmt.Errorf("websocket read timeout must be longer than the ping interval")
	}
	if c.WSWriteTimeout <= 0 {
		return fmt.Errorf("websocket write timeout must be positive")
	}
	if c.SendBufferFrames <= 0 {
		return fmt.Errorf("send buffer size must be positive")
	}
	return nil
}
