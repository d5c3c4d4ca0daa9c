package engine

import (
	"fmt"
	"math"

	"github.com/harborfin/steward/internal/risk"
	"github.com/harborfin/steward/internal/types"
)

// Cost model coefficients: a withdrawal is a remove plus a possible swap, an
// entry is a swap plus a mint.
const (
	gasWithdrawCoefficient = 1.8
	gasEnterCoefficient    = 1.6
)

const (
	// Net profit must exceed this multiple of the gas cost before a rebalance
	// is worth executing.
	profitToGasMultiple = 4.0

	// Minimum weighted-yield uplift, in percentage points.
	minYieldUpliftPP = 0.7

	// Fallback relative drift between the ideal and current allocation of a
	// pool before the position is marked for adjustment (withdraw and
	// re-enter), used when the strategy does not set its own tolerance.
	defaultDriftTolerance = 0.01

	projectionDays = 30.0
)

// Gate identifiers reported in DecisionMetadata.GateFailures.
const (
	GateRebalanceLimit = "rebalance_limit"
	GateNetProfit      = "net_profit"
	GateYieldUplift    = "yield_uplift"
	GateUtilityGain    = "utility_gain"
	GateILLoss         = "il_loss"
)

// evaluateRebalance diffs the ideal portfolio against the current positions,
// prices the move, and applies the gate conjunction. Actions are attached to
// the decision only when every gate holds.
func evaluateRebalance(req Request, scored []scoredPool, decision *types.Decision) {
	proposed := diffPortfolio(req, decision.Ideal)

	if len(proposed.ToWithdraw) == 0 && len(proposed.ToEnter) == 0 {
		decision.Reason = ReasonAtTarget
		return
	}

	totalCapital := decision.Metadata.TotalCapitalUSD
	scoredByPool := make(map[types.PoolID]scoredPool, len(scored))
	for _, sp := range scored {
		scoredByPool[sp.pool.ID] = sp
	}
	poolsByID := make(map[types.PoolID]types.Pool, len(req.CandidatePools))
	for _, pool := range req.CandidatePools {
		poolsByID[pool.ID] = pool
	}

	gasCost := (float64(len(proposed.ToWithdraw))*gasWithdrawCoefficient +
		float64(len(proposed.ToEnter))*gasEnterCoefficient) * req.ExpectedGasUSD

	currentYield, currentUtility := currentPortfolioFigures(req, poolsByID, totalCapital)
	idealYield, idealUtility := idealPortfolioFigures(req.Strategy, decision.Ideal, poolsByID, totalCapital)

	projectedProfit := (idealYield - currentYield) / 100 * totalCapital * projectionDays / 365
	netProfit := projectedProfit - gasCost
	netUtilityGain := idealUtility - currentUtility

	decision.Metadata.CurrentWeightedYield = currentYield
	decision.Metadata.IdealWeightedYield = idealYield
	decision.Metadata.GasCostUSD = gasCost
	decision.Metadata.ProjectedProfit30dUSD = projectedProfit
	decision.Metadata.NetProfitUSD = netProfit
	decision.Metadata.NetUtilityGain = netUtilityGain

	failures := applyGates(req, proposed, netProfit, gasCost, idealYield-currentYield, netUtilityGain)
	decision.Metadata.GateFailures = failures
	decision.Metadata.GatesPassed = len(failures) == 0

	if decision.Metadata.GatesPassed {
		decision.Actions = proposed
	}
}

// diffPortfolio compares the ideal portfolio against the open positions by
// pool identity. Positions outside the ideal are withdrawn; ideal pools
// without a position are entered; pools present on both sides with a
// materially different allocation are adjusted via withdraw plus re-enter.
func diffPortfolio(req Request, ideal []types.PoolAllocation) types.RebalanceActions {
	var actions types.RebalanceActions

	tolerance := req.Strategy.RebalanceDriftTolerance
	if tolerance <= 0 {
		tolerance = defaultDriftTolerance
	}

	idealByPool := make(map[types.PoolID]types.PoolAllocation, len(ideal))
	for _, alloc := range ideal {
		idealByPool[alloc.PoolID] = alloc
	}

	currentByPool := make(map[types.PoolID]float64)
	for _, pos := range req.CurrentPositions {
		currentByPool[pos.PoolID] += pos.DepositedUSD
	}

	adjusted := make(map[types.PoolID]bool)
	for _, pos := range req.CurrentPositions {
		alloc, inIdeal := idealByPool[pos.PoolID]
		if !inIdeal {
			actions.ToWithdraw = append(actions.ToWithdraw, types.WithdrawAction{
				PositionID: pos.ID,
				PoolID:     pos.PoolID,
				Reason:     "pool no longer in ideal portfolio",
			})
			continue
		}
		drift := math.Abs(alloc.AmountUSD - currentByPool[pos.PoolID])
		if drift > tolerance*alloc.AmountUSD {
			actions.ToWithdraw = append(actions.ToWithdraw, types.WithdrawAction{
				PositionID: pos.ID,
				PoolID:     pos.PoolID,
				Reason: fmt.Sprintf("allocation drifted from target by $%.2f", drift),
			})
			adjusted[pos.PoolID] = true
		}
	}

	for _, alloc := range ideal {
		_, held := currentByPool[alloc.PoolID]
		if held && !adjusted[alloc.PoolID] {
			continue
		}
		actions.ToEnter = append(actions.ToEnter, types.EnterAction{
			PoolID:            alloc.PoolID,
			AmountUSD:         alloc.AmountUSD,
			LowerRangePercent: req.Strategy.DefaultLowerRangePercent,
			UpperRangePercent: req.Strategy.DefaultUpperRangePercent,
		})
	}

	return actions
}

// currentPortfolioFigures computes the weighted effective yield and the
// utility of the open positions. Weights are relative to total capital, so
// idle capital drags both figures toward zero.
func currentPortfolioFigures(req Request, poolsByID map[types.PoolID]types.Pool, totalCapital float64) (weightedYield, utility float64) {
	if totalCapital <= 0 {
		return 0, 0
	}
	for _, pos := range req.CurrentPositions {
		weight := pos.DepositedUSD / totalCapital
		pool, known := poolsByID[pos.PoolID]
		if !known {
			// A position in a pool that vanished from the candidate feed
			// earns nothing in the comparison.
			continue
		}
		rf := risk.PoolRiskFactor(pool)
		effective := pool.AdvertisedAPR - rf*100 - req.Strategy.RiskAversion*rf*100
		weightedYield += weight * effective
		utility += weight * (pool.AdvertisedAPR - req.Strategy.RiskAversion*rf*100 - pool.FeeTierPercent)
	}
	return weightedYield, utility
}

// idealPortfolioFigures computes the same two figures for the ideal
// portfolio.
func idealPortfolioFigures(strategy types.UserStrategy, ideal []types.PoolAllocation, poolsByID map[types.PoolID]types.Pool, totalCapital float64) (weightedYield, utility float64) {
	if totalCapital <= 0 {
		return 0, 0
	}
	for _, alloc := range ideal {
		weight := alloc.AmountUSD / totalCapital
		weightedYield += weight * alloc.EffectiveYield
		fee := 0.0
		apr := alloc.RealYield + alloc.RiskFactor*100 // back out the advertised yield
		if pool, known := poolsByID[alloc.PoolID]; known {
			fee = pool.FeeTierPercent
			apr = pool.AdvertisedAPR
		}
		utility += weight * (apr - strategy.RiskAversion*alloc.RiskFactor*100 - fee)
	}
	return weightedYield, utility
}

// applyGates evaluates the five-gate conjunction and returns the identifiers
// of every gate that failed. An empty slice means the rebalance may execute.
func applyGates(req Request, proposed types.RebalanceActions, netProfit, gasCost, yieldUplift, netUtilityGain float64) []string {
	var failures []string

	if req.RebalancesToday >= req.Strategy.DailyRebalanceLimit ||
		req.RebalancesThisHour >= req.Strategy.HourlyRebalanceLimit {
		failures = append(failures, GateRebalanceLimit)
	}
	if netProfit <= profitToGasMultiple*gasCost {
		failures = append(failures, GateNetProfit)
	}
	if yieldUplift < minYieldUpliftPP {
		failures = append(failures, GateYieldUplift)
	}
	if netUtilityGain < req.Strategy.ThetaMinBenefit {
		failures = append(failures, GateUtilityGain)
	}

	ilBreached := false
	for _, withdraw := range proposed.ToWithdraw {
		if il, known := req.ILEstimates[withdraw.PositionID]; known && il >= req.Strategy.MaxILLossPercent {
			ilBreached = true
			break
		}
	}
	if ilBreached {
		// The IL gate may be overridden only when explicitly enabled and
		// every other gate already holds.
		if !(req.Strategy.AllowGateOverrideOnIL && len(failures) == 0) {
			failures = append(failures, GateILLoss)
		}
	}

	return failures
}
