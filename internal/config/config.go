package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir   string // Base directory for all databases (defaults to "./data")
	BackupDir string // Directory for database backups
	Port      int
	DevMode   bool
	LogLevel  string

	// Daily/event provider (tushare-pro wire protocol)
	ProviderURL      string
	ProviderToken    string
	ProviderCallsMin int           // Rate limit: calls per rolling minute
	ProviderTimeout  time.Duration // Per-call watchdog timeout

	// Exchange driving the trading calendar
	Exchange string

	// Minute-bar worker bridge (vendor SDK runs in its own runtime)
	WorkerPython   string        // Interpreter of the vendor runtime
	WorkerScript   string        // Worker script path
	WorkerPeriod   string        // Bar granularity the worker downloads
	WorkerDeadline time.Duration // How long to wait for a result file
	WorkerTempDir  string        // Where work-order/result files are exchanged

	// Minute-bar backfill
	ShardCount       int
	MinuteChunkSize  int // Entity keys per worker invocation
	MinuteKeepDays   int // Retention in open trading days
	DailyKeepDays    int // Default retention for daily feeds that don't override it
	IndexWeightCodes string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("DATA_DIR", "")
	if dataDir == "" {
		if _, err := os.Stat("../data"); err == nil {
			dataDir = "../data"
		} else {
			dataDir = "./data"
		}
	}

	cfg := &Config{
		DataDir:   dataDir,
		BackupDir: getEnv("BACKUP_DIR", dataDir+"/backups"),
		Port:      getEnvAsInt("PORT", 8010),
		DevMode:   getEnvAsBool("DEV_MODE", false),
		LogLevel:  getEnv("LOG_LEVEL", "info"),

		ProviderURL:      getEnv("PROVIDER_URL", "http://api.tushare.pro"),
		ProviderToken:    getEnv("PROVIDER_TOKEN", ""),
		ProviderCallsMin: getEnvAsInt("PROVIDER_MAX_CALLS_PER_MIN", 300),
		ProviderTimeout:  getEnvAsDuration("PROVIDER_CALL_TIMEOUT", 45*time.Second),

		Exchange: getEnv("EXCHANGE", "SSE"),

		WorkerPython:   getEnv("WORKER_PYTHON", ""),
		WorkerScript:   getEnv("WORKER_SCRIPT", "scripts/xtdata_worker.py"),
		WorkerPeriod:   getEnv("WORKER_PERIOD", "5m"),
		WorkerDeadline: getEnvAsDuration("WORKER_DEADLINE", 120*time.Second),
		WorkerTempDir:  getEnv("WORKER_TEMP_DIR", os.TempDir()),

		ShardCount:       getEnvAsInt("SHARD_COUNT", 3),
		MinuteChunkSize:  getEnvAsInt("MINUTE_CHUNK_SIZE", 400),
		MinuteKeepDays:   getEnvAsInt("MINUTE_KEEP_OPEN_DAYS", 250),
		DailyKeepDays:    getEnvAsInt("DAILY_KEEP_OPEN_DAYS", 500),
		IndexWeightCodes: getEnv("INDEX_WEIGHT_CODES", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.ShardCount <= 0 {
		return fmt.Errorf("SHARD_COUNT must be positive, got %d", c.ShardCount)
	}
	if c.MinuteChunkSize <= 0 {
		return fmt.Errorf("MINUTE_CHUNK_SIZE must be positive, got %d", c.MinuteChunkSize)
	}
	// Provider token is optional at startup: the ops API can still serve
	// status, and the minute-bar path doesn't need it.
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
