/*

Position is the central mutable entity of the system: one concentrated
liquidity position owned by a user, tracked from dispatch through liquidation
and settlement. Its lifecycle is a forward-only state machine enforced both
here (for validation) and by status-conditional updates in the store.

*/

package types

import (
	"time"

	sdkmath "cosmossdk.io/math"
)

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	StatusPendingExecution PositionStatus = "PENDING_EXECUTION"
	StatusActive           PositionStatus = "ACTIVE"
	StatusOutOfRange       PositionStatus = "OUT_OF_RANGE"
	StatusLiquidating      PositionStatus = "LIQUIDATING"
	StatusLiquidated       PositionStatus = "LIQUIDATED"
	StatusFailed           PositionStatus = "FAILED"
)

// forwardEdges encodes the directed transition graph. Statuses only move
// forward, never backward.
var forwardEdges = map[PositionStatus][]PositionStatus{
	StatusPendingExecution: {StatusActive, StatusFailed},
	StatusActive:           {StatusOutOfRange},
	StatusOutOfRange:       {StatusLiquidating},
	StatusLiquidating:      {StatusLiquidated},
	StatusLiquidated:       {},
	StatusFailed:           {},
}

// CanTransitionTo reports whether moving from s to next follows a forward
// edge of the lifecycle graph. The emergency admin path is the one exception
// and is handled by CanForceLiquidate instead.
func (s PositionStatus) CanTransitionTo(next PositionStatus) bool {
	for _, allowed := range forwardEdges[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status has no outgoing edges.
func (s PositionStatus) IsTerminal() bool {
	return len(forwardEdges[s]) == 0
}

// CanForceLiquidate reports whether the emergency admin path may jump this
// status directly to LIQUIDATED. Any non-terminal state qualifies.
func (s PositionStatus) CanForceLiquidate() bool {
	return !s.IsTerminal()
}

// Valid reports whether s is a known lifecycle status.
func (s PositionStatus) Valid() bool {
	_, ok := forwardEdges[s]
	return ok
}

// Position represents a single concentrated liquidity position.
type Position struct {
	ID          string `json:"id"`                     // Internal UUID
	ExternalRef string `json:"external_ref,omitempty"` // On-chain position reference
	UserID      string `json:"user_id"`
	PoolID      PoolID `json:"pool_id"`

	BaseAsset         string      `json:"base_asset"`     // Denom the deposit was funded in
	DepositedUSD      float64     `json:"deposited_usd"`  // Capital committed at entry
	EntryPrice        float64     `json:"entry_price"`    // Pool spot price at execution
	LowerRangePercent float64     `json:"lower_range_percent"` // Offset below entry, always < UpperRangePercent
	UpperRangePercent float64     `json:"upper_range_percent"` // Offset above entry
	LowerTick         int64       `json:"lower_tick"`
	UpperTick         int64       `json:"upper_tick"`
	Liquidity         sdkmath.Int `json:"liquidity"`                 // On-chain liquidity amount
	Proceeds          sdkmath.Int `json:"proceeds,omitempty"`        // Gross proceeds of the liquidation call, stamped at LIQUIDATING
	ProceedsUSD       float64     `json:"proceeds_usd,omitempty"`
	ReturnedAmount    sdkmath.Int `json:"returned_amount,omitempty"` // Settled amount, stamped exactly once at LIQUIDATED
	ReturnedUSD       float64     `json:"returned_usd,omitempty"`

	Status PositionStatus `json:"status"`

	// Liquidating is the mutual-exclusion token for liquidation: true while
	// some worker owns this position's exit. Set and cleared only through
	// conditional updates on the store.
	Liquidating bool `json:"liquidating"`

	CreatedAt    time.Time  `json:"created_at"`
	ExecutedAt   *time.Time `json:"executed_at,omitempty"`
	LiquidatedAt *time.Time `json:"liquidated_at,omitempty"`
}
