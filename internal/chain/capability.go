/*

The chain capability boundary. Everything the core loops need from the chain
side is behind this interface: dispatching an investment, reading pool
price/tick state, triggering a liquidation, and confirming cross-chain
settlement. The live implementation speaks JSON-RPC to the execution
gateway; tests substitute fakes.

*/

package chain

import (
	"context"
	"errors"

	sdkmath "cosmossdk.io/math"

	"github.com/harborfin/steward/internal/types"
)

var (
	// ErrTransient marks failures worth retrying: network errors, timeouts,
	// nonce races. The retry policy retries only errors wrapping this.
	ErrTransient = errors.New("transient chain error")

	// ErrSettlementPending means the liquidation call succeeded but the
	// cross-chain settlement has not been observed yet. Re-checked next
	// sweep, never retried in a tight loop.
	ErrSettlementPending = errors.New("settlement not yet confirmed")
)

// RangeBounds is the price band of a new position, both as percent offsets
// from the entry price and as absolute ticks.
type RangeBounds struct {
	LowerPercent float64 `json:"lower_percent"`
	UpperPercent float64 `json:"upper_percent"`
	LowerTick    int64   `json:"lower_tick"`
	UpperTick    int64   `json:"upper_tick"`
}

// InvestmentReceipt is returned by a successful dispatch.
type InvestmentReceipt struct {
	ExternalRef string      `json:"external_ref"`
	Liquidity   sdkmath.Int `json:"liquidity"`
	EntryPrice  float64     `json:"entry_price"`
	LowerTick   int64       `json:"lower_tick"`
	UpperTick   int64       `json:"upper_tick"`
	TxHash      string      `json:"tx_hash"`
}

// LiquidationReceipt is returned by a successful liquidation call. Proceeds
// are gross; settlement confirmation happens separately.
type LiquidationReceipt struct {
	Proceeds    sdkmath.Int `json:"proceeds"`
	ProceedsUSD float64     `json:"proceeds_usd"`
	TxHash      string      `json:"tx_hash"`
}

// Capability is the contract both loops call across the chain boundary. All
// methods may fail transiently and are wrapped by the shared retry policy.
type Capability interface {
	// DispatchInvestment opens a position in the given pool.
	DispatchInvestment(ctx context.Context, userID string, pool types.Pool, amountUSD float64, bounds RangeBounds) (InvestmentReceipt, error)

	// IsOutOfRange reports whether the pool's current tick sits outside the
	// position's configured band. The check is symmetric: it covers both the
	// stop-loss and the take-profit side.
	IsOutOfRange(ctx context.Context, position types.Position) (bool, error)

	// PoolPrice returns the current spot price of the pool, used for
	// impermanent-loss estimation on open positions.
	PoolPrice(ctx context.Context, poolID types.PoolID) (float64, error)

	// LiquidateAndReturn burns the position's liquidity and starts the
	// return transfer. Not idempotent; callers must hold the position guard.
	LiquidateAndReturn(ctx context.Context, position types.Position) (LiquidationReceipt, error)

	// ConfirmSettlement reports whether the liquidated funds have arrived
	// back at custody. Idempotent and safe to poll.
	ConfirmSettlement(ctx context.Context, position types.Position) (bool, error)
}
