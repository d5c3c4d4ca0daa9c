/*

PostgreSQL-backed market and preference repository: candidate pools, user
strategies, custody wallet balances, and the per-user rebalance log feeding
the engine's rate-limit gate. All reads; the only write is the rebalance
log append.

*/

package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/harborfin/steward/internal/config"
	"github.com/harborfin/steward/internal/logger"
	"github.com/harborfin/steward/internal/types"
)

// PostgresMarketRepository implements MarketRepository.
type PostgresMarketRepository struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewMarketRepository wraps the given connection pool (normally state.DB).
func NewMarketRepository(db *sql.DB) *PostgresMarketRepository {
	return &PostgresMarketRepository{
		db:     db,
		logger: logger.GetForComponent("market_repository"),
	}
}

const strategyColumns = `user_id, enabled, min_apy, min_tvl_usd, min_pool_age_days,
	allowed_tokens, risk_aversion, max_positions, max_alloc_per_position_usd,
	min_position_size_usd, rebalance_drift_tolerance, daily_rebalance_limit,
	hourly_rebalance_limit, max_il_loss_percent, allow_gate_override_on_il,
	theta_min_benefit, default_lower_range_percent, default_upper_range_percent`

// GetUserStrategy implements MarketRepository. A user without a stored row
// gets the seeded defaults until they customize; defaults ship disabled, so
// the scheduler never picks such a user up.
func (r *PostgresMarketRepository) GetUserStrategy(ctx context.Context, userID string) (types.UserStrategy, error) {
	query := `SELECT ` + strategyColumns + ` FROM user_strategies WHERE user_id = $1;`
	strategy, err := scanStrategy(r.db.QueryRowContext(ctx, query, userID))
	if errors.Is(err, sql.ErrNoRows) {
		strategy = config.DefaultStrategy
		strategy.UserID = userID
		r.logger.Debug().Str("userID", userID).Msg("No stored strategy, using defaults")
		return strategy, nil
	}
	return strategy, err
}

// ListEnabledStrategies implements MarketRepository.
func (r *PostgresMarketRepository) ListEnabledStrategies(ctx context.Context) ([]types.UserStrategy, error) {
	query := `SELECT ` + strategyColumns + ` FROM user_strategies WHERE enabled = TRUE ORDER BY user_id;`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled strategies: %w", err)
	}
	defer rows.Close()

	var strategies []types.UserStrategy
	for rows.Next() {
		strategy, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		strategies = append(strategies, strategy)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("strategy row iteration failed: %w", err)
	}
	return strategies, nil
}

// ListCandidatePools implements MarketRepository. Inactive pools are
// included; the engine filters on the activity flag itself so advisory
// results can explain exclusions.
func (r *PostgresMarketRepository) ListCandidatePools(ctx context.Context) ([]types.Pool, error) {
	query := `
		SELECT pool_id, chain, token_a_symbol, token_a_denom, token_a_precision,
			token_b_symbol, token_b_denom, token_b_precision,
			fee_tier_percent, tvl_usd, volume_24h_usd, advertised_apr, age_in_days, is_active
		FROM candidate_pools
		ORDER BY pool_id;`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidate pools: %w", err)
	}
	defer rows.Close()

	var pools []types.Pool
	for rows.Next() {
		var (
			pool   types.Pool
			poolID int64
		)
		err := rows.Scan(
			&poolID, &pool.Chain,
			&pool.TokenA.Symbol, &pool.TokenA.Denom, &pool.TokenA.Precision,
			&pool.TokenB.Symbol, &pool.TokenB.Denom, &pool.TokenB.Precision,
			&pool.FeeTierPercent, &pool.TvlUSD, &pool.Volume24hUSD,
			&pool.AdvertisedAPR, &pool.AgeInDays, &pool.IsActive,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan candidate pool: %w", err)
		}
		pool.ID = types.PoolID(poolID)
		pools = append(pools, pool)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("candidate pool row iteration failed: %w", err)
	}
	return pools, nil
}

// GetWalletBalance implements MarketRepository. A missing row means the
// custody layer has not credited the user yet: zero balance, not an error.
func (r *PostgresMarketRepository) GetWalletBalance(ctx context.Context, userID string) (float64, error) {
	query := `SELECT liquid_usd FROM wallet_balances WHERE user_id = $1;`
	var balance float64
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get wallet balance for user %s: %w", userID, err)
	}
	return balance, nil
}

// CountRebalancesSince implements MarketRepository.
func (r *PostgresMarketRepository) CountRebalancesSince(ctx context.Context, userID string, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM rebalance_log WHERE user_id = $1 AND executed_at > $2;`
	var count int
	if err := r.db.QueryRowContext(ctx, query, userID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count rebalances for user %s: %w", userID, err)
	}
	return count, nil
}

// RecordRebalance implements MarketRepository.
func (r *PostgresMarketRepository) RecordRebalance(ctx context.Context, userID string, withdrawals, entries int) error {
	query := `INSERT INTO rebalance_log (user_id, withdrawals, entries) VALUES ($1, $2, $3);`
	if _, err := r.db.ExecContext(ctx, query, userID, withdrawals, entries); err != nil {
		return fmt.Errorf("failed to record rebalance for user %s: %w", userID, err)
	}
	r.logger.Debug().
		Str("userID", userID).
		Int("withdrawals", withdrawals).
		Int("entries", entries).
		Msg("Rebalance recorded")
	return nil
}

func scanStrategy(row rowScanner) (types.UserStrategy, error) {
	var (
		strategy types.UserStrategy
		allowed  pq.StringArray
	)
	err := row.Scan(
		&strategy.UserID, &strategy.Enabled, &strategy.MinAPY, &strategy.MinTvlUSD, &strategy.MinPoolAgeDays,
		&allowed, &strategy.RiskAversion, &strategy.MaxPositions, &strategy.MaxAllocPerPositionUSD,
		&strategy.MinPositionSizeUSD, &strategy.RebalanceDriftTolerance, &strategy.DailyRebalanceLimit,
		&strategy.HourlyRebalanceLimit, &strategy.MaxILLossPercent, &strategy.AllowGateOverrideOnIL,
		&strategy.ThetaMinBenefit, &strategy.DefaultLowerRangePercent, &strategy.DefaultUpperRangePercent,
	)
	if err != nil {
		return types.UserStrategy{}, err
	}
	strategy.AllowedTokens = []string(allowed)
	return strategy, nil
}
