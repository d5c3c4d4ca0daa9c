/*

The position guardian: a fixed-interval sweep over open positions that
detects out-of-range prices and drives positions through liquidation and
settlement. Liquidation must happen at most once per position even with
multiple guardian instances running, so every step rides on the store's
conditional updates; the guardian itself keeps no state between sweeps and
is restart-safe.

*/

package guardian

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/harborfin/steward/internal/chain"
	"github.com/harborfin/steward/internal/logger"
	"github.com/harborfin/steward/internal/metrics"
	"github.com/harborfin/steward/internal/state"
	"github.com/harborfin/steward/internal/types"
)

// ErrFatalLiquidation means the liquidation call itself failed after
// retries. The position is left OUT_OF_RANGE with the guard cleared and is
// never auto-retried: a stuck exit needs an operator, not a hammering loop.
var ErrFatalLiquidation = errors.New("liquidation failed, manual intervention required")

// Outcome classifies what happened to one position during a sweep.
type Outcome string

const (
	OutcomeInRange           Outcome = "in_range"
	OutcomeSkipped           Outcome = "skipped" // another worker holds the guard
	OutcomeLiquidated        Outcome = "liquidated"
	OutcomeSettlementPending Outcome = "settlement_pending"
	OutcomeFatal             Outcome = "fatal"
	OutcomeCheckFailed       Outcome = "check_failed"
)

// LiquidationResult reports the outcome for one position in one sweep.
type LiquidationResult struct {
	PositionID  string
	PoolID      types.PoolID
	Outcome     Outcome
	ReturnedUSD float64
	Err         error
}

// Guardian supervises open positions.
type Guardian struct {
	store     state.PositionStore
	chain     chain.Capability
	retry     chain.RetryPolicy
	batchSize int
	logger    zerolog.Logger
}

// New validates dependencies and builds a guardian. batchSize caps both the
// positions fetched per sweep and the concurrent chain calls.
func New(store state.PositionStore, capability chain.Capability, retry chain.RetryPolicy, batchSize int) (*Guardian, error) {
	if store == nil {
		return nil, errors.New("position store cannot be nil")
	}
	if capability == nil {
		return nil, errors.New("chain capability cannot be nil")
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("sweep batch size must be positive, got %d", batchSize)
	}
	return &Guardian{
		store:     store,
		chain:     capability,
		retry:     retry,
		batchSize: batchSize,
		logger:    logger.GetForComponent("position_guardian"),
	}, nil
}

// Sweep runs one supervision pass: fetch sweepable positions (bounded page),
// check each against its range, and drive out-of-range ones through
// liquidation with bounded concurrency. Chain calls are the dominant
// latency, so they are parallelized; everything local stays synchronous.
func (g *Guardian) Sweep(ctx context.Context) []LiquidationResult {
	sweepStart := time.Now()
	sweepLogger := g.logger.With().Str("sweep_id", uuid.New().String()).Logger()
	metrics.SweepsTotal.Inc()

	positions, err := g.store.ListSweepable(ctx, g.batchSize)
	if err != nil {
		sweepLogger.Error().Err(err).Msg("Sweep aborted: failed to list positions")
		return nil
	}
	if len(positions) == 0 {
		return nil
	}

	sweepLogger.Debug().Int("positions", len(positions)).Msg("Sweep started")

	results := make([]LiquidationResult, len(positions))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(g.batchSize)

	for i, position := range positions {
		i, position := i, position
		group.Go(func() error {
			results[i] = g.processPosition(groupCtx, position, sweepLogger)
			return nil
		})
	}
	// Workers never return errors; failures are per-position results.
	_ = group.Wait()

	metrics.SweepDuration.Observe(time.Since(sweepStart).Seconds())
	g.logSweepSummary(sweepLogger, results, time.Since(sweepStart))
	return results
}

// processPosition handles a single position. ACTIVE positions get a range
// check and, if breached, a locked liquidation. LIQUIDATING positions are
// leftovers from earlier sweeps awaiting cross-chain settlement.
func (g *Guardian) processPosition(ctx context.Context, position types.Position, sweepLogger zerolog.Logger) LiquidationResult {
	result := LiquidationResult{PositionID: position.ID, PoolID: position.PoolID}

	switch position.Status {
	case types.StatusLiquidating:
		return g.confirmAndFinalize(ctx, position, sweepLogger)

	case types.StatusActive:
		var outOfRange bool
		err := g.retry.Do(ctx, "is_out_of_range", func(ctx context.Context) error {
			var checkErr error
			outOfRange, checkErr = g.chain.IsOutOfRange(ctx, position)
			return checkErr
		})
		if err != nil {
			result.Outcome = OutcomeCheckFailed
			result.Err = err
			sweepLogger.Warn().Str("positionID", position.ID).Err(err).Msg("Range check failed, will retry next sweep")
			return result
		}
		if !outOfRange {
			result.Outcome = OutcomeInRange
			return result
		}

		metrics.OutOfRangeDetected.Inc()
		sweepLogger.Info().
			Str("positionID", position.ID).
			Uint64("poolID", uint64(position.PoolID)).
			Msg("Position out of range, attempting to acquire liquidation lock")

		acquired, err := g.store.TryAcquireGuard(ctx, position.ID, types.StatusActive, types.StatusOutOfRange)
		if err != nil {
			result.Outcome = OutcomeCheckFailed
			result.Err = err
			return result
		}
		if !acquired {
			// Another worker owns this position this cycle. Not an error.
			metrics.GuardConflicts.Inc()
			result.Outcome = OutcomeSkipped
			result.Err = state.ErrStateConflict
			return result
		}

		position.Status = types.StatusOutOfRange
		position.Liquidating = true
		return g.Liquidate(ctx, position)

	default:
		result.Outcome = OutcomeSkipped
		result.Err = errors.Join(state.ErrStateConflict, fmt.Errorf("unexpected status %s in sweep", position.Status))
		return result
	}
}

// Liquidate drives an OUT_OF_RANGE position whose guard the caller already
// holds through the liquidation call and settlement. The executor reuses
// this for rebalance exits so the locking model stays uniform.
func (g *Guardian) Liquidate(ctx context.Context, position types.Position) LiquidationResult {
	result := LiquidationResult{PositionID: position.ID, PoolID: position.PoolID}

	if position.Status != types.StatusOutOfRange || !position.Liquidating {
		result.Outcome = OutcomeSkipped
		result.Err = errors.Join(state.ErrStateConflict,
			fmt.Errorf("liquidation requires a guarded OUT_OF_RANGE position, got %s", position.Status))
		return result
	}

	var receipt chain.LiquidationReceipt
	err := g.retry.Do(ctx, "liquidate_and_return", func(ctx context.Context) error {
		var callErr error
		receipt, callErr = g.chain.LiquidateAndReturn(ctx, position)
		return callErr
	})
	if err != nil {
		// Clear the guard but leave the position OUT_OF_RANGE: an operator
		// must look at it. Re-liquidating automatically risks repeated
		// failed chain calls against an already half-burnt position.
		if releaseErr := g.store.ReleaseGuard(ctx, position.ID); releaseErr != nil {
			g.logger.Error().Str("positionID", position.ID).Err(releaseErr).Msg("Failed to release guard after liquidation failure")
		}
		metrics.Liquidations.WithLabelValues(string(OutcomeFatal)).Inc()
		g.logger.Error().
			Str("positionID", position.ID).
			Uint64("poolID", uint64(position.PoolID)).
			Err(err).
			Msg("ALERT: liquidation failed, position requires manual intervention")
		result.Outcome = OutcomeFatal
		result.Err = errors.Join(ErrFatalLiquidation, err)
		return result
	}

	ok, err := g.store.Transition(ctx, position.ID, types.StatusOutOfRange, types.StatusLiquidating, state.TransitionFields{
		Proceeds:    &receipt.Proceeds,
		ProceedsUSD: &receipt.ProceedsUSD,
	})
	if err != nil {
		result.Outcome = OutcomeCheckFailed
		result.Err = err
		return result
	}
	if !ok {
		result.Outcome = OutcomeSkipped
		result.Err = state.ErrStateConflict
		return result
	}

	position.Status = types.StatusLiquidating
	position.Proceeds = receipt.Proceeds
	position.ProceedsUSD = receipt.ProceedsUSD
	return g.confirmAndFinalize(ctx, position, g.logger)
}

// confirmAndFinalize polls settlement and, once confirmed, stamps the
// terminal state. Pending settlement is left for the next sweep rather than
// spun on: confirmSettlement is idempotent and cheap to re-check.
func (g *Guardian) confirmAndFinalize(ctx context.Context, position types.Position, log zerolog.Logger) LiquidationResult {
	result := LiquidationResult{PositionID: position.ID, PoolID: position.PoolID}

	var confirmed bool
	err := g.retry.Do(ctx, "confirm_settlement", func(ctx context.Context) error {
		var confirmErr error
		confirmed, confirmErr = g.chain.ConfirmSettlement(ctx, position)
		return confirmErr
	})
	if err != nil || !confirmed {
		result.Outcome = OutcomeSettlementPending
		result.Err = chain.ErrSettlementPending
		if err != nil {
			result.Err = errors.Join(chain.ErrSettlementPending, err)
		}
		log.Debug().Str("positionID", position.ID).Msg("Settlement not yet confirmed, re-checking next sweep")
		return result
	}

	now := time.Now().UTC()
	ok, err := g.store.Transition(ctx, position.ID, types.StatusLiquidating, types.StatusLiquidated, state.TransitionFields{
		ReturnedAmount: &position.Proceeds,
		ReturnedUSD:    &position.ProceedsUSD,
		LiquidatedAt:   &now,
		ClearGuard:     true,
	})
	if err != nil {
		result.Outcome = OutcomeCheckFailed
		result.Err = err
		return result
	}
	if !ok {
		// Another worker finalized this position between our confirm and
		// our update. Fine: settlement is idempotent.
		result.Outcome = OutcomeSkipped
		result.Err = state.ErrStateConflict
		return result
	}

	metrics.Liquidations.WithLabelValues(string(OutcomeLiquidated)).Inc()
	log.Info().
		Str("positionID", position.ID).
		Uint64("poolID", uint64(position.PoolID)).
		Float64("returnedUSD", position.ProceedsUSD).
		Msg("Position liquidated and settled")

	result.Outcome = OutcomeLiquidated
	result.ReturnedUSD = position.ProceedsUSD
	return result
}

func (g *Guardian) logSweepSummary(sweepLogger zerolog.Logger, results []LiquidationResult, elapsed time.Duration) {
	counts := make(map[Outcome]int)
	for _, result := range results {
		counts[result.Outcome]++
	}
	sweepLogger.Info().
		Int("positions", len(results)).
		Int("inRange", counts[OutcomeInRange]).
		Int("liquidated", counts[OutcomeLiquidated]).
		Int("settlementPending", counts[OutcomeSettlementPending]).
		Int("skipped", counts[OutcomeSkipped]).
		Int("fatal", counts[OutcomeFatal]).
		Int("checkFailed", counts[OutcomeCheckFailed]).
		Str("duration", elapsed.String()).
		Msg("Sweep completed")
}
