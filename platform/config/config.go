// Package config provides application configuration loading.
// This is part of the platform layer and contains no business logic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// =============================================================================
// Module-Specific Config Interfaces (Principle of Least Privilege)
// =============================================================================

// DatabaseConfig provides database connection settings.
type DatabaseConfig interface {
	GetDatabaseURL() string
}

// RedisConfig provides Redis connection settings for cluster coordination
// and the task queue transport.
type RedisConfig interface {
	GetRedisURL() string
	GetRedisTLSInsecure() bool
}

// DirectoryConfig provides settings for the external identity directory API.
type DirectoryConfig interface {
	GetDirectoryBaseURL() string
	GetDirectorySystemID() string
	GetDirectoryAPIToken() string
}

// SchedulerConfig provides settings for the sync scheduler process.
type SchedulerConfig interface {
	RedisConfig
	GetTickInterval() time.Duration
	GetAsynqQueueName() string
	GetAsynqConcurrency() int
}

// =============================================================================
// Main Config Struct
// =============================================================================

// Config holds all application configuration values.
type Config struct {
	Env               string
	DatabaseURL       string `validate:"required"`
	RedisURL          string
	RedisTLSInsecure  bool
	DirectoryBaseURL  string `validate:"required,url"`
	DirectorySystemID string `validate:"required"`
	DirectoryAPIToken string `validate:"required"`
	TickInterval      time.Duration
	AsynqQueueName    string
	AsynqConcurrency  int
}

// =============================================================================
// Interface Implementations
// =============================================================================

// DatabaseConfig implementation
func (c *Config) GetDatabaseURL() string { return c.DatabaseURL }

// RedisConfig implementation
func (c *Config) GetRedisURL() string       { return c.RedisURL }
func (c *Config) GetRedisTLSInsecure() bool { return c.RedisTLSInsecure }

// DirectoryConfig implementation
func (c *Config) GetDirectoryBaseURL() string  { return c.DirectoryBaseURL }
func (c *Config) GetDirectorySystemID() string { return c.DirectorySystemID }
func (c *Config) GetDirectoryAPIToken() string { return c.DirectoryAPIToken }

// SchedulerConfig implementation
func (c *Config) GetTickInterval() time.Duration { return c.TickInterval }
func (c *Config) GetAsynqQueueName() string      { return c.AsynqQueueName }
func (c *Config) GetAsynqConcurrency() int       { return c.AsynqConcurrency }

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env:               getEnv("APP_ENV", "development"),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		RedisURL:          getEnv("REDIS_URL", ""),
		RedisTLSInsecure:  strings.EqualFold(getEnv("REDIS_TLS_INSECURE", "false"), "true"),
		DirectoryBaseURL:  getEnv("DIRECTORY_API_URL", ""),
		DirectorySystemID: getEnv("DIRECTORY_SYSTEM_ID", ""),
		DirectoryAPIToken: getEnv("DIRECTORY_API_TOKEN", ""),
		TickInterval:      mustDuration(getEnv("SYNC_TICK_INTERVAL", "1m")),
		AsynqQueueName:    getEnv("ASYNQ_QUEUE_NAME", "dirsync"),
		AsynqConcurrency:  mustInt(getEnv("ASYNQ_CONCURRENCY", "2")),
	}

	if cfg.TickInterval < time.Second {
		cfg.TickInterval = time.Minute
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func mustDuration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

func mustInt(value string) int {
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return result
}
