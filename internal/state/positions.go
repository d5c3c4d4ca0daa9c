/*

PostgreSQL implementation of the position store. Every lifecycle mutation is
a conditional UPDATE keyed on the current status (and, for guard
acquisition, the guard flag): zero rows affected means another worker got
there first, which the caller treats as a skip, never a failure.

*/

package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"

	"github.com/harborfin/steward/internal/logger"
	"github.com/harborfin/steward/internal/types"
)

// PostgresPositionStore implements PositionStore on top of database/sql.
type PostgresPositionStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewPositionStore wraps the given connection pool (normally state.DB).
func NewPositionStore(db *sql.DB) *PostgresPositionStore {
	return &PostgresPositionStore{
		db:     db,
		logger: logger.GetForComponent("position_store"),
	}
}

const positionColumns = `position_id, external_ref, user_id, pool_id, base_asset,
	deposited_usd, entry_price, lower_range_percent, upper_range_percent,
	lower_tick, upper_tick, liquidity, proceeds, proceeds_usd, returned_amount, returned_usd,
	status, liquidating, created_at, executed_at, liquidated_at`

// Insert stores a freshly created position. The range invariant is also
// enforced by a table constraint; checking here gives a clearer error.
func (s *PostgresPositionStore) Insert(ctx context.Context, position types.Position) error {
	if position.LowerRangePercent >= position.UpperRangePercent {
		return fmt.Errorf("refusing to insert position %s with inverted range bounds", position.ID)
	}
	if !position.Status.Valid() {
		return fmt.Errorf("refusing to insert position %s with unknown status %q", position.ID, position.Status)
	}

	query := `
		INSERT INTO positions (
			position_id, external_ref, user_id, pool_id, base_asset,
			deposited_usd, entry_price, lower_range_percent, upper_range_percent,
			lower_tick, upper_tick, liquidity, status, liquidating, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15);`

	_, err := s.db.ExecContext(ctx, query,
		position.ID, nullString(position.ExternalRef), position.UserID, int64(position.PoolID), position.BaseAsset,
		position.DepositedUSD, position.EntryPrice, position.LowerRangePercent, position.UpperRangePercent,
		position.LowerTick, position.UpperTick, intString(position.Liquidity), string(position.Status),
		position.Liquidating, position.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert position %s: %w", position.ID, err)
	}
	return nil
}

// Get fetches a single position by internal ID.
func (s *PostgresPositionStore) Get(ctx context.Context, positionID string) (types.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE position_id = $1;`
	row := s.db.QueryRowContext(ctx, query, positionID)
	position, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Position{}, errors.Join(ErrPositionNotFound, fmt.Errorf("position %s", positionID))
	}
	return position, err
}

// ListSweepable implements PositionStore.
func (s *PostgresPositionStore) ListSweepable(ctx context.Context, limit int) ([]types.Position, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("sweep limit must be positive, got %d", limit)
	}
	query := `SELECT ` + positionColumns + `
		FROM positions
		WHERE status IN ($1, $2)
		ORDER BY created_at ASC
		LIMIT $3;`
	return s.queryPositions(ctx, query, string(types.StatusActive), string(types.StatusLiquidating), limit)
}

// ListOpenByUser implements PositionStore.
func (s *PostgresPositionStore) ListOpenByUser(ctx context.Context, userID string) ([]types.Position, error) {
	query := `SELECT ` + positionColumns + `
		FROM positions
		WHERE user_id = $1 AND status NOT IN ($2, $3)
		ORDER BY created_at ASC;`
	return s.queryPositions(ctx, query, userID, string(types.StatusLiquidated), string(types.StatusFailed))
}

// TryAcquireGuard implements the pessimistic lock: one atomic conditional
// update claiming both the status edge and the guard flag.
func (s *PostgresPositionStore) TryAcquireGuard(ctx context.Context, positionID string, from, to types.PositionStatus) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, fmt.Errorf("illegal transition %s -> %s for position %s", from, to, positionID)
	}

	query := `
		UPDATE positions
		SET status = $1, liquidating = TRUE
		WHERE position_id = $2 AND status = $3 AND liquidating = FALSE;`

	result, err := s.db.ExecContext(ctx, query, string(to), positionID, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to acquire guard on position %s: %w", positionID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected for position %s: %w", positionID, err)
	}
	if affected == 0 {
		s.logger.Debug().Str("positionID", positionID).Msg("Guard already held or status precondition unmet")
		return false, nil
	}
	return true, nil
}

// ReleaseGuard implements PositionStore.
func (s *PostgresPositionStore) ReleaseGuard(ctx context.Context, positionID string) error {
	query := `UPDATE positions SET liquidating = FALSE WHERE position_id = $1;`
	result, err := s.db.ExecContext(ctx, query, positionID)
	if err != nil {
		return fmt.Errorf("failed to release guard on position %s: %w", positionID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected for position %s: %w", positionID, err)
	}
	if affected == 0 {
		return errors.Join(ErrPositionNotFound, fmt.Errorf("position %s", positionID))
	}
	return nil
}

// Transition implements PositionStore. The SET clause is assembled from the
// provided fields; the WHERE clause keeps the update conditional on the
// expected current status.
func (s *PostgresPositionStore) Transition(ctx context.Context, positionID string, from, to types.PositionStatus, fields TransitionFields) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, fmt.Errorf("illegal transition %s -> %s for position %s", from, to, positionID)
	}

	setClauses := []string{"status = $1"}
	args := []any{string(to)}

	addSet := func(column string, value any) {
		args = append(args, value)
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if fields.ExternalRef != nil {
		addSet("external_ref", *fields.ExternalRef)
	}
	if fields.EntryPrice != nil {
		addSet("entry_price", *fields.EntryPrice)
	}
	if fields.LowerTick != nil {
		addSet("lower_tick", *fields.LowerTick)
	}
	if fields.UpperTick != nil {
		addSet("upper_tick", *fields.UpperTick)
	}
	if fields.Liquidity != nil {
		addSet("liquidity", fields.Liquidity.String())
	}
	if fields.Proceeds != nil {
		addSet("proceeds", fields.Proceeds.String())
	}
	if fields.ProceedsUSD != nil {
		addSet("proceeds_usd", *fields.ProceedsUSD)
	}
	if fields.ReturnedAmount != nil {
		addSet("returned_amount", fields.ReturnedAmount.String())
	}
	if fields.ReturnedUSD != nil {
		addSet("returned_usd", *fields.ReturnedUSD)
	}
	if fields.ExecutedAt != nil {
		addSet("executed_at", *fields.ExecutedAt)
	}
	if fields.LiquidatedAt != nil {
		addSet("liquidated_at", *fields.LiquidatedAt)
	}
	if fields.ClearGuard {
		setClauses = append(setClauses, "liquidating = FALSE")
	}

	args = append(args, positionID)
	idArg := len(args)
	args = append(args, string(from))
	fromArg := len(args)

	query := fmt.Sprintf(
		"UPDATE positions SET %s WHERE position_id = $%d AND status = $%d;",
		strings.Join(setClauses, ", "), idArg, fromArg,
	)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to transition position %s from %s to %s: %w", positionID, from, to, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected for position %s: %w", positionID, err)
	}
	if affected == 0 {
		return false, nil
	}

	s.logger.Debug().
		Str("positionID", positionID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Position transitioned")
	return true, nil
}

// ForceLiquidate implements the emergency admin path. The status check is a
// plain filter on the terminal states rather than a guard claim.
func (s *PostgresPositionStore) ForceLiquidate(ctx context.Context, positionID string, returned sdkmath.Int, returnedUSD float64) error {
	query := `
		UPDATE positions
		SET status = $1, liquidating = FALSE, returned_amount = $2, returned_usd = $3,
			liquidated_at = $4
		WHERE position_id = $5 AND status NOT IN ($6, $7);`

	result, err := s.db.ExecContext(ctx, query,
		string(types.StatusLiquidated), returned.String(), returnedUSD, time.Now().UTC(),
		positionID, string(types.StatusLiquidated), string(types.StatusFailed),
	)
	if err != nil {
		return fmt.Errorf("failed to force-liquidate position %s: %w", positionID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected for position %s: %w", positionID, err)
	}
	if affected == 0 {
		return errors.Join(ErrStateConflict, fmt.Errorf("position %s is terminal or missing", positionID))
	}

	s.logger.Warn().Str("positionID", positionID).Msg("Position force-liquidated via emergency path")
	return nil
}

func (s *PostgresPositionStore) queryPositions(ctx context.Context, query string, args ...any) ([]types.Position, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("position query failed: %w", err)
	}
	defer rows.Close()

	var positions []types.Position
	for rows.Next() {
		position, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, position)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("position row iteration failed: %w", err)
	}
	return positions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (types.Position, error) {
	var (
		position     types.Position
		externalRef  sql.NullString
		poolID       int64
		liquidity    string
		proceeds     sql.NullString
		proceedsUSD  sql.NullFloat64
		returned     sql.NullString
		returnedUSD  sql.NullFloat64
		status       string
		executedAt   sql.NullTime
		liquidatedAt sql.NullTime
	)

	err := row.Scan(
		&position.ID, &externalRef, &position.UserID, &poolID, &position.BaseAsset,
		&position.DepositedUSD, &position.EntryPrice, &position.LowerRangePercent, &position.UpperRangePercent,
		&position.LowerTick, &position.UpperTick, &liquidity, &proceeds, &proceedsUSD, &returned, &returnedUSD,
		&status, &position.Liquidating, &position.CreatedAt, &executedAt, &liquidatedAt,
	)
	if err != nil {
		return types.Position{}, err
	}

	position.ExternalRef = externalRef.String
	position.PoolID = types.PoolID(poolID)
	position.Status = types.PositionStatus(status)

	position.Liquidity, err = parseInt(liquidity)
	if err != nil {
		return types.Position{}, fmt.Errorf("position %s has unparsable liquidity: %w", position.ID, err)
	}
	if proceeds.Valid {
		position.Proceeds, err = parseInt(proceeds.String)
		if err != nil {
			return types.Position{}, fmt.Errorf("position %s has unparsable proceeds: %w", position.ID, err)
		}
	}
	if proceedsUSD.Valid {
		position.ProceedsUSD = proceedsUSD.Float64
	}
	if returned.Valid {
		position.ReturnedAmount, err = parseInt(returned.String)
		if err != nil {
			return types.Position{}, fmt.Errorf("position %s has unparsable returned amount: %w", position.ID, err)
		}
	}
	if returnedUSD.Valid {
		position.ReturnedUSD = returnedUSD.Float64
	}
	if executedAt.Valid {
		t := executedAt.Time
		position.ExecutedAt = &t
	}
	if liquidatedAt.Valid {
		t := liquidatedAt.Time
		position.LiquidatedAt = &t
	}

	return position, nil
}

func parseInt(raw string) (sdkmath.Int, error) {
	value, ok := sdkmath.NewIntFromString(raw)
	if !ok {
		return sdkmath.Int{}, fmt.Errorf("not a valid integer: %q", raw)
	}
	return value, nil
}

func intString(value sdkmath.Int) string {
	if value.IsNil() {
		return "0"
	}
	return value.String()
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
