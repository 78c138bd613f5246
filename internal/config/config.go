// Package config loads engine configuration from environment variables and
// analysis request files.
package config

import (
	"os"
	"strconv"

	"portimpact/internal/errors"
)

// Config represents the complete application configuration
type Config struct {
	Database DatabaseConfig
	Features FeatureConfig
	Logging  LoggingConfig
}

// DatabaseConfig holds database connection settings. The URL is optional:
// persistence is only attempted when the caller asks for it.
type DatabaseConfig struct {
	URL     string
	SSLMode string
}

// FeatureConfig gates the optional methods. Methods outside this struct
// are always available.
type FeatureConfig struct {
	SCM          bool
	AugmentedSCM bool
}

// LoggingConfig holds log output settings
type LoggingConfig struct {
	Level string
}

// Load reads configuration from environment variables and validates it
func Load() (*Config, error) {
	config := &Config{
		Database: DatabaseConfig{
			URL:     getEnvOrDefault("DATABASE_URL", ""),
			SSLMode: getEnvOrDefault("SSL_MODE", "disable"),
		},
		Features: FeatureConfig{
			SCM:          getEnvBoolOrDefault("FEATURE_SCM", true),
			AugmentedSCM: getEnvBoolOrDefault("FEATURE_AUGMENTED_SCM", false),
		},
		Logging: LoggingConfig{
			Level: getEnvOrDefault("LOG_LEVEL", "info"),
		},
	}

	if err := validateConfig(config); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}
	return config, nil
}

func validateConfig(config *Config) error {
	switch config.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.Validation("LOG_LEVEL must be one of debug, info, warn, error, got %q", config.Logging.Level)
	}
	return nil
}

// Helper functions for environment variable parsing
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
