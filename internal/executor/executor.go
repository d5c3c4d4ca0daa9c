/*

The executor bridges the pure allocation engine and the outside world. It
assembles the engine's inputs from the market repository and the position
store, and — only when a decision passes every gate — performs the chain
calls and position writes the decision asks for. Overlapping rebalances for
the same capital are prevented by the same per-position guard the guardian
uses, claimed at the moment a position is about to be mutated.

*/

package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/harborfin/steward/internal/chain"
	"github.com/harborfin/steward/internal/engine"
	"github.com/harborfin/steward/internal/guardian"
	"github.com/harborfin/steward/internal/logger"
	"github.com/harborfin/steward/internal/metrics"
	"github.com/harborfin/steward/internal/risk"
	"github.com/harborfin/steward/internal/state"
	"github.com/harborfin/steward/internal/types"
)

var ErrPositionTerminal = errors.New("position already terminal")

// Liquidator drives a guarded OUT_OF_RANGE position to liquidation. The
// guardian provides the only implementation; the indirection exists for
// tests.
type Liquidator interface {
	Liquidate(ctx context.Context, position types.Position) guardian.LiquidationResult
}

// Executor runs allocation cycles for individual users.
type Executor struct {
	store          state.PositionStore
	market         state.MarketRepository
	chain          chain.Capability
	retry          chain.RetryPolicy
	liquidator     Liquidator
	expectedGasUSD float64
	logger         zerolog.Logger
}

// New validates dependencies and builds an executor.
func New(store state.PositionStore, market state.MarketRepository, capability chain.Capability, retry chain.RetryPolicy, liquidator Liquidator, expectedGasUSD float64) (*Executor, error) {
	if store == nil {
		return nil, errors.New("position store cannot be nil")
	}
	if market == nil {
		return nil, errors.New("market repository cannot be nil")
	}
	if capability == nil {
		return nil, errors.New("chain capability cannot be nil")
	}
	if liquidator == nil {
		return nil, errors.New("liquidator cannot be nil")
	}
	if expectedGasUSD < 0 {
		return nil, fmt.Errorf("expected gas cost cannot be negative, got %f", expectedGasUSD)
	}
	return &Executor{
		store:          store,
		market:         market,
		chain:          capability,
		retry:          retry,
		liquidator:     liquidator,
		expectedGasUSD: expectedGasUSD,
		logger:         logger.GetForComponent("allocation_executor"),
	}, nil
}

// Preview evaluates the engine for a user without side effects. Safe to
// call concurrently with running cycles; the decision it returns is
// advisory until someone executes it.
func (e *Executor) Preview(ctx context.Context, userID string) (types.Decision, error) {
	request, _, err := e.buildRequest(ctx, userID)
	if err != nil {
		return types.Decision{}, err
	}
	return engine.Decide(request)
}

// RunUser executes one full allocation cycle for a user: evaluate, and if
// every gate holds, apply the actions and record the rebalance.
func (e *Executor) RunUser(ctx context.Context, userID string) (types.Decision, error) {
	cycleLogger := e.logger.With().
		Str("cycle_id", uuid.New().String()).
		Str("userID", userID).
		Logger()

	request, pools, err := e.buildRequest(ctx, userID)
	if err != nil {
		return types.Decision{}, err
	}

	decision, err := engine.Decide(request)
	if err != nil {
		metrics.Decisions.WithLabelValues("invalid").Inc()
		return types.Decision{}, err
	}

	if !decision.Executable() {
		metrics.Decisions.WithLabelValues("advisory").Inc()
		cycleLogger.Info().
			Str("reason", decision.Reason).
			Strs("gateFailures", decision.Metadata.GateFailures).
			Msg("No rebalance executed")
		return decision, nil
	}

	metrics.Decisions.WithLabelValues("executed").Inc()
	cycleLogger.Info().
		Int("withdrawals", len(decision.Actions.ToWithdraw)).
		Int("entries", len(decision.Actions.ToEnter)).
		Float64("netProfitUSD", decision.Metadata.NetProfitUSD).
		Msg("Executing rebalance")

	e.applyWithdrawals(ctx, decision.Actions.ToWithdraw, cycleLogger)
	e.applyEntries(ctx, userID, decision.Actions.ToEnter, pools, request.Strategy, cycleLogger)

	if err := e.market.RecordRebalance(ctx, userID, len(decision.Actions.ToWithdraw), len(decision.Actions.ToEnter)); err != nil {
		cycleLogger.Error().Err(err).Msg("Failed to record rebalance; rate-limit gate may undercount")
	}
	metrics.RebalancesExecuted.Inc()

	return decision, nil
}

// buildRequest gathers every engine input for a user. Also returns the pool
// map so apply steps can reuse it.
func (e *Executor) buildRequest(ctx context.Context, userID string) (engine.Request, map[types.PoolID]types.Pool, error) {
	strategy, err := e.market.GetUserStrategy(ctx, userID)
	if err != nil {
		return engine.Request{}, nil, err
	}

	pools, err := e.market.ListCandidatePools(ctx)
	if err != nil {
		return engine.Request{}, nil, err
	}

	positions, err := e.store.ListOpenByUser(ctx, userID)
	if err != nil {
		return engine.Request{}, nil, err
	}

	balance, err := e.market.GetWalletBalance(ctx, userID)
	if err != nil {
		return engine.Request{}, nil, err
	}

	now := time.Now().UTC()
	rebalancesToday, err := e.market.CountRebalancesSince(ctx, userID, now.Add(-24*time.Hour))
	if err != nil {
		return engine.Request{}, nil, err
	}
	rebalancesThisHour, err := e.market.CountRebalancesSince(ctx, userID, now.Add(-time.Hour))
	if err != nil {
		return engine.Request{}, nil, err
	}

	poolsByID := make(map[types.PoolID]types.Pool, len(pools))
	for _, pool := range pools {
		poolsByID[pool.ID] = pool
	}

	return engine.Request{
		UserID:             userID,
		Strategy:           strategy,
		CurrentPositions:   positions,
		CandidatePools:     pools,
		WalletBalanceUSD:   balance,
		RebalancesToday:    rebalancesToday,
		RebalancesThisHour: rebalancesThisHour,
		ExpectedGasUSD:     e.expectedGasUSD,
		ILEstimates:        e.estimateImpermanentLoss(ctx, positions),
	}, poolsByID, nil
}

// estimateImpermanentLoss reads current pool prices and estimates IL for
// each open position. A failed price read leaves that position without an
// estimate; the gate then cannot block on it, which is logged loudly.
func (e *Executor) estimateImpermanentLoss(ctx context.Context, positions []types.Position) map[string]float64 {
	estimates := make(map[string]float64, len(positions))
	for _, position := range positions {
		if position.Status != types.StatusActive || position.EntryPrice <= 0 {
			continue
		}
		var price float64
		err := e.retry.Do(ctx, "pool_price", func(ctx context.Context) error {
			var priceErr error
			price, priceErr = e.chain.PoolPrice(ctx, position.PoolID)
			return priceErr
		})
		if err != nil {
			e.logger.Warn().
				Str("positionID", position.ID).
				Uint64("poolID", uint64(position.PoolID)).
				Err(err).
				Msg("Price read failed; IL gate has no estimate for this position")
			continue
		}
		estimates[position.ID] = risk.ImpermanentLossPercent(position.EntryPrice, price)
	}
	return estimates
}

// applyWithdrawals exits positions the decision marked for withdrawal. Each
// exit claims the position guard first; losing the claim means the guardian
// or another cycle already owns the position, so it is skipped.
func (e *Executor) applyWithdrawals(ctx context.Context, withdrawals []types.WithdrawAction, cycleLogger zerolog.Logger) {
	for _, action := range withdrawals {
		acquired, err := e.store.TryAcquireGuard(ctx, action.PositionID, types.StatusActive, types.StatusOutOfRange)
		if err != nil {
			cycleLogger.Error().Str("positionID", action.PositionID).Err(err).Msg("Guard acquisition failed for withdrawal")
			continue
		}
		if !acquired {
			cycleLogger.Info().Str("positionID", action.PositionID).Msg("Position busy, withdrawal skipped this cycle")
			continue
		}

		position, err := e.store.Get(ctx, action.PositionID)
		if err != nil {
			cycleLogger.Error().Str("positionID", action.PositionID).Err(err).Msg("Failed to load position after locking")
			if releaseErr := e.store.ReleaseGuard(ctx, action.PositionID); releaseErr != nil {
				cycleLogger.Error().Str("positionID", action.PositionID).Err(releaseErr).Msg("Failed to release guard")
			}
			continue
		}

		result := e.liquidator.Liquidate(ctx, position)
		cycleLogger.Info().
			Str("positionID", action.PositionID).
			Str("outcome", string(result.Outcome)).
			Str("reason", action.Reason).
			Msg("Withdrawal processed")
	}
}

// applyEntries dispatches new investments. A position row is created before
// the chain call so a dispatch failure lands in FAILED instead of vanishing.
func (e *Executor) applyEntries(ctx context.Context, userID string, entries []types.EnterAction, poolsByID map[types.PoolID]types.Pool, strategy types.UserStrategy, cycleLogger zerolog.Logger) {
	for _, action := range entries {
		pool, known := poolsByID[action.PoolID]
		if !known {
			cycleLogger.Error().Uint64("poolID", uint64(action.PoolID)).Msg("Decision references unknown pool, entry skipped")
			continue
		}

		position := types.Position{
			ID:                uuid.New().String(),
			UserID:            userID,
			PoolID:            action.PoolID,
			BaseAsset:         pool.TokenB.Denom,
			DepositedUSD:      action.AmountUSD,
			LowerRangePercent: action.LowerRangePercent,
			UpperRangePercent: action.UpperRangePercent,
			Status:            types.StatusPendingExecution,
			CreatedAt:         time.Now().UTC(),
		}
		if err := e.store.Insert(ctx, position); err != nil {
			cycleLogger.Error().Uint64("poolID", uint64(action.PoolID)).Err(err).Msg("Failed to create position record, entry skipped")
			continue
		}

		bounds := chain.RangeBounds{
			LowerPercent: action.LowerRangePercent,
			UpperPercent: action.UpperRangePercent,
		}
		var receipt chain.InvestmentReceipt
		err := e.retry.Do(ctx, "dispatch_investment", func(ctx context.Context) error {
			var dispatchErr error
			receipt, dispatchErr = e.chain.DispatchInvestment(ctx, userID, pool, action.AmountUSD, bounds)
			return dispatchErr
		})
		if err != nil {
			cycleLogger.Error().
				Str("positionID", position.ID).
				Uint64("poolID", uint64(action.PoolID)).
				Err(err).
				Msg("Investment dispatch failed")
			if _, failErr := e.store.Transition(ctx, position.ID, types.StatusPendingExecution, types.StatusFailed, state.TransitionFields{}); failErr != nil {
				cycleLogger.Error().Str("positionID", position.ID).Err(failErr).Msg("Failed to mark position FAILED")
			}
			continue
		}

		now := time.Now().UTC()
		ok, err := e.store.Transition(ctx, position.ID, types.StatusPendingExecution, types.StatusActive, state.TransitionFields{
			ExternalRef: &receipt.ExternalRef,
			EntryPrice:  &receipt.EntryPrice,
			LowerTick:   &receipt.LowerTick,
			UpperTick:   &receipt.UpperTick,
			Liquidity:   &receipt.Liquidity,
			ExecutedAt:  &now,
		})
		if err != nil || !ok {
			cycleLogger.Error().
				Str("positionID", position.ID).
				Err(err).
				Msg("Failed to promote dispatched position to ACTIVE")
			continue
		}

		cycleLogger.Info().
			Str("positionID", position.ID).
			Uint64("poolID", uint64(action.PoolID)).
			Float64("amountUSD", action.AmountUSD).
			Str("externalRef", receipt.ExternalRef).
			Msg("Position entered")
	}
}

// EmergencyExit is the admin path: liquidate immediately and jump the
// position to LIQUIDATED, bypassing the guard. Single authorized caller by
// construction (admin API), so no race exists here.
func (e *Executor) EmergencyExit(ctx context.Context, positionID string) error {
	position, err := e.store.Get(ctx, positionID)
	if err != nil {
		return err
	}
	if !position.Status.CanForceLiquidate() {
		return errors.Join(ErrPositionTerminal, fmt.Errorf("position %s is %s", positionID, position.Status))
	}

	var receipt chain.LiquidationReceipt
	err = e.retry.Do(ctx, "emergency_liquidate", func(ctx context.Context) error {
		var callErr error
		receipt, callErr = e.chain.LiquidateAndReturn(ctx, position)
		return callErr
	})
	if err != nil {
		return fmt.Errorf("emergency liquidation of position %s failed: %w", positionID, err)
	}

	if err := e.store.ForceLiquidate(ctx, positionID, receipt.Proceeds, receipt.ProceedsUSD); err != nil {
		return err
	}

	e.logger.Warn().
		Str("positionID", positionID).
		Float64("returnedUSD", receipt.ProceedsUSD).
		Msg("Emergency exit completed")
	return nil
}
