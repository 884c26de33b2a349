// Package config loads the engine configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	// Server
	Port string

	// Database
	DBDriver    string // sqlite, postgres
	DBPath      string
	PostgresDSN string

	// Sweep
	SweepInterval     time.Duration
	SweepBatchSize    int
	ReminderLookahead time.Duration

	// Hold policies (JSON file, optional)
	HoldPolicyPath string

	// Kafka (disabled when no brokers are set)
	KafkaBrokers            []string
	KafkaEventsTopic        string
	KafkaNotificationsTopic string

	LogLevel string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	godotenv.Load()

	cfg := &Config{
		Port: getEnv("PORT", "8080"),

		DBDriver:    getEnv("DB_DRIVER", "sqlite"),
		DBPath:      getEnv("DB_PATH", "./data/engine.db"),
		PostgresDSN: getEnv("POSTGRES_DSN", ""),

		SweepInterval:     getEnvAsDuration("SWEEP_INTERVAL", 5*time.Minute),
		SweepBatchSize:    getEnvAsInt("SWEEP_BATCH_SIZE", 100),
		ReminderLookahead: getEnvAsDuration("REMINDER_LOOKAHEAD", 0),

		HoldPolicyPath: getEnv("HOLD_POLICY_PATH", ""),

		KafkaBrokers:            getEnvAsList("KAFKA_BROKERS"),
		KafkaEventsTopic:        getEnv("KAFKA_EVENTS_TOPIC", "service-requests.events"),
		KafkaNotificationsTopic: getEnv("KAFKA_NOTIFICATIONS_TOPIC", "service-requests.notifications"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "sqlite":
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required when DB_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("unknown DB_DRIVER %q", c.DBDriver)
	}
	if c.SweepBatchSize <= 0 {
		return fmt.Errorf("SWEEP_BATCH_SIZE must be positive")
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("SWEEP_INTERVAL must not be negative")
	}
	return nil
}

// KafkaEnabled reports whether events and notifications go to Kafka.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// Helper functions to get environment variables
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
