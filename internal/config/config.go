// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	DataDir  string // Base directory for the databases, always absolute
	Port     int
	LogLevel string
	DevMode  bool

	// ScheduleEnabled turns on the nightly scheduled backtest run.
	ScheduleEnabled bool
	// ScheduleSpec is the cron expression for the nightly run.
	ScheduleSpec string
	// ResultsKeep bounds the number of stored runs kept by the nightly prune.
	ResultsKeep int
}

// Load reads configuration from the environment, with a .env file applied
// first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("FINPACK_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:         absDataDir,
		Port:            getEnvAsInt("FINPACK_PORT", 8000),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		DevMode:         getEnvAsBool("DEV_MODE", false),
		ScheduleEnabled: getEnvAsBool("FINPACK_SCHEDULE_ENABLED", false),
		ScheduleSpec:    getEnv("FINPACK_SCHEDULE_SPEC", "0 2 * * *"),
		ResultsKeep:     getEnvAsInt("FINPACK_RESULTS_KEEP", 100),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.ResultsKeep < 1 {
		return fmt.Errorf("invalid results keep count: %d", c.ResultsKeep)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}
