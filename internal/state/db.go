// ./internal/state/db.go
package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog/log"
)

// DB is a global database connection pool.
var DB *sql.DB

// DBConfig holds database connection parameters.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string // "disable", "require", "verify-full", etc.
}

// InitDB initializes the database connection pool.
func InitDB(cfg DBConfig) error {
	psqlInfo := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)

	var err error
	DB, err = sql.Open("postgres", psqlInfo)
	if err != nil {
		return fmt.Errorf("failed to open database connection: %w", err)
	}

	DB.SetMaxOpenConns(25)
	DB.SetMaxIdleConns(25)
	DB.SetConnMaxLifetime(5 * time.Minute)

	err = DB.Ping()
	if err != nil {
		DB.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().Msg("Successfully connected to the PostgreSQL database!")
	return nil
}

// CloseDB closes the database connection pool.
func CloseDB() {
	if DB != nil {
		log.Info().Msg("Closing database connection...")
		if err := DB.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing database connection")
		}
	}
}

// EnsureSchema applies the necessary DDL to create tables if they don't exist.
func EnsureSchema() error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}

	schemaSQL := `
		CREATE TABLE IF NOT EXISTS positions (
			position_id UUID PRIMARY KEY,
			external_ref TEXT,
			user_id TEXT NOT NULL,
			pool_id BIGINT NOT NULL,
			base_asset TEXT NOT NULL,
			deposited_usd DECIMAL(20, 8) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL DEFAULT 0,
			lower_range_percent DECIMAL(10, 4) NOT NULL,
			upper_range_percent DECIMAL(10, 4) NOT NULL,
			lower_tick BIGINT NOT NULL DEFAULT 0,
			upper_tick BIGINT NOT NULL DEFAULT 0,
			liquidity NUMERIC(40, 0) NOT NULL DEFAULT 0,
			proceeds NUMERIC(40, 0),
			proceeds_usd DECIMAL(20, 8),
			returned_amount NUMERIC(40, 0),
			returned_usd DECIMAL(20, 8),
			status VARCHAR(32) NOT NULL,
			liquidating BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			executed_at TIMESTAMPTZ,
			liquidated_at TIMESTAMPTZ,
			CONSTRAINT chk_positions_range CHECK (lower_range_percent < upper_range_percent)
		);
		CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);
		CREATE INDEX IF NOT EXISTS idx_positions_user ON positions(user_id);
		CREATE INDEX IF NOT EXISTS idx_positions_sweepable ON positions(status, created_at) WHERE status IN ('ACTIVE', 'LIQUIDATING');

		CREATE TABLE IF NOT EXISTS user_strategies (
			user_id TEXT PRIMARY KEY,
			enabled BOOLEAN NOT NULL DEFAULT FALSE,
			min_apy DECIMAL(10, 4) NOT NULL,
			min_tvl_usd DECIMAL(20, 8) NOT NULL,
			min_pool_age_days INTEGER NOT NULL,
			allowed_tokens TEXT[] NOT NULL DEFAULT '{}',
			risk_aversion DECIMAL(10, 8) NOT NULL,
			max_positions INTEGER NOT NULL,
			max_alloc_per_position_usd DECIMAL(20, 8) NOT NULL,
			min_position_size_usd DECIMAL(20, 8) NOT NULL,
			rebalance_drift_tolerance DECIMAL(10, 8) NOT NULL DEFAULT 0.01,
			daily_rebalance_limit INTEGER NOT NULL,
			hourly_rebalance_limit INTEGER NOT NULL,
			max_il_loss_percent DECIMAL(10, 4) NOT NULL,
			allow_gate_override_on_il BOOLEAN NOT NULL DEFAULT FALSE,
			theta_min_benefit DECIMAL(10, 4) NOT NULL,
			default_lower_range_percent DECIMAL(10, 4) NOT NULL,
			default_upper_range_percent DECIMAL(10, 4) NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CONSTRAINT chk_strategies_range CHECK (default_lower_range_percent < default_upper_range_percent)
		);

		CREATE TABLE IF NOT EXISTS candidate_pools (
			pool_id BIGINT PRIMARY KEY,
			chain TEXT NOT NULL,
			token_a_symbol TEXT NOT NULL,
			token_a_denom TEXT NOT NULL,
			token_a_precision INTEGER NOT NULL DEFAULT 6,
			token_b_symbol TEXT NOT NULL,
			token_b_denom TEXT NOT NULL,
			token_b_precision INTEGER NOT NULL DEFAULT 6,
			fee_tier_percent DECIMAL(10, 4) NOT NULL,
			tvl_usd DECIMAL(20, 8) NOT NULL,
			volume_24h_usd DECIMAL(20, 8) NOT NULL,
			advertised_apr DECIMAL(10, 4) NOT NULL,
			age_in_days INTEGER NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_candidate_pools_active ON candidate_pools(is_active);

		CREATE TABLE IF NOT EXISTS wallet_balances (
			user_id TEXT PRIMARY KEY,
			liquid_usd DECIMAL(20, 8) NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS rebalance_log (
			rebalance_id SERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			executed_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			withdrawals INTEGER NOT NULL,
			entries INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_rebalance_log_user_time ON rebalance_log(user_id, executed_at DESC);
	`
	_, err := DB.Exec(schemaSQL)
	if err != nil {
		return fmt.Errorf("failed to execute schema DDL: %w", err)
	}
	log.Info().Msg("Database schema ensured.")
	return nil
}

// TestDBConnection tests if the database connection is healthy
func TestDBConnection() error {
	if DB == nil {
		return fmt.Errorf("database connection is nil")
	}

	// Use a short timeout context for health checks
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := DB.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	return nil
}
