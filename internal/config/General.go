package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// AppConfig holds all application configuration loaded from environment variables.
// These are populated at startup by the LoadConfig function.
var (
	// DBHost is the PostgreSQL host.
	DBHost string
	// DBPort is the PostgreSQL port.
	DBPort int
	// DBUser is the PostgreSQL user.
	DBUser string
	// DBPassword is the PostgreSQL password.
	DBPassword string
	// DBName is the PostgreSQL database name.
	DBName string
	// DBSSLMode is the PostgreSQL SSL mode (e.g., "disable", "require").
	DBSSLMode string

	// AllocationCronSpec is the cron schedule for allocation passes.
	AllocationCronSpec string
	// GuardianSweepInterval is the interval between guardian sweeps.
	GuardianSweepInterval time.Duration
	// SweepBatchSize caps positions fetched and chain calls per sweep.
	SweepBatchSize int

	// RetryMaxAttempts bounds chain call retries.
	RetryMaxAttempts int
	// RetryBackoffBase is the initial retry backoff.
	RetryBackoffBase time.Duration
	// RetryBackoffMax caps the exponential backoff.
	RetryBackoffMax time.Duration

	// ExpectedGasUSD is the assumed cost of a single position operation,
	// used by the profitability gate.
	ExpectedGasUSD float64

	// ChainRateLimitRPS throttles outbound gateway calls.
	ChainRateLimitRPS float64
)

// LoadConfig loads configuration from environment variables and sets the global config vars.
// All environment variables are required and must be set.
func LoadConfig() error {
	log.Info().Msg("Loading application configuration from environment variables...")

	var err error

	DBHost, err = getEnv("DB_HOST")
	if err != nil {
		return err
	}

	DBPort, err = getEnvAsInt("DB_PORT")
	if err != nil {
		return err
	}

	DBUser, err = getEnv("DB_USER")
	if err != nil {
		return err
	}

	DBPassword, err = getEnv("DB_PASSWORD")
	if err != nil {
		return err
	}

	DBName, err = getEnv("DB_NAME")
	if err != nil {
		return err
	}

	DBSSLMode, err = getEnv("DB_SSLMODE")
	if err != nil {
		return err
	}

	AllocationCronSpec, err = getEnv("ALLOCATION_CRON_SPEC")
	if err != nil {
		return err
	}

	sweepSeconds, err := getEnvAsInt("GUARDIAN_SWEEP_INTERVAL_SECONDS")
	if err != nil {
		return err
	}
	GuardianSweepInterval = time.Duration(sweepSeconds) * time.Second

	SweepBatchSize, err = getEnvAsInt("SWEEP_BATCH_SIZE")
	if err != nil {
		return err
	}

	RetryMaxAttempts, err = getEnvAsInt("RETRY_MAX_ATTEMPTS")
	if err != nil {
		return err
	}

	backoffBaseMs, err := getEnvAsInt("RETRY_BACKOFF_BASE_MS")
	if err != nil {
		return err
	}
	RetryBackoffBase = time.Duration(backoffBaseMs) * time.Millisecond

	backoffMaxMs, err := getEnvAsInt("RETRY_BACKOFF_MAX_MS")
	if err != nil {
		return err
	}
	RetryBackoffMax = time.Duration(backoffMaxMs) * time.Millisecond

	ExpectedGasUSD, err = getEnvAsFloat64("EXPECTED_GAS_USD")
	if err != nil {
		return err
	}

	ChainRateLimitRPS, err = getEnvAsFloat64("CHAIN_RATE_LIMIT_RPS")
	if err != nil {
		return err
	}

	// Load endpoint configuration
	if err := loadEndpointConfig(); err != nil {
		return err
	}

	log.Debug().
		Str("DBHost", DBHost).
		Str("AllocationCronSpec", AllocationCronSpec).
		Str("GuardianSweepInterval", GuardianSweepInterval.String()).
		Int("SweepBatchSize", SweepBatchSize).
		Msg("Configuration loaded successfully.")

	return nil
}

// getEnv retrieves a string environment variable. Returns error if not set.
func getEnv(key string) (string, error) {
	if value, exists := os.LookupEnv(key); exists {
		return value, nil
	}
	return "", errors.New("environment variable " + key + " is required but not set")
}

// getEnvAsInt retrieves an environment variable as an int. Returns error if not set or invalid.
func getEnvAsInt(key string) (int, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid integer, got: " + valueStr)
	}
	return value, nil
}

// getEnvAsFloat64 retrieves an environment variable as a float64. Returns error if not set or invalid.
func getEnvAsFloat64(key string) (float64, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid float64, got: " + valueStr)
	}
	return value, nil
}
