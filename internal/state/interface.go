/*

Storage contracts for the core loops. The position store is the single
source of truth and the only synchronization point between workers: its
conditional updates (guard acquisition and status transitions) are the sole
concurrency primitive in the system.

*/

package state

import (
	"context"
	"errors"
	"time"

	sdkmath "cosmossdk.io/math"

	"github.com/harborfin/steward/internal/types"
)

var (
	// ErrStateConflict means a guard or status precondition failed on a
	// conditional update. Expected under concurrency and never fatal: the
	// losing worker simply skips the position this cycle.
	ErrStateConflict = errors.New("position state conflict")

	ErrPositionNotFound = errors.New("position not found")
)

// TransitionFields are the optional columns stamped alongside a status
// transition. Nil pointers leave the column untouched.
type TransitionFields struct {
	ExternalRef    *string
	EntryPrice     *float64
	LowerTick      *int64
	UpperTick      *int64
	Liquidity      *sdkmath.Int
	Proceeds       *sdkmath.Int
	ProceedsUSD    *float64
	ReturnedAmount *sdkmath.Int
	ReturnedUSD    *float64
	ExecutedAt     *time.Time
	LiquidatedAt   *time.Time

	// ClearGuard releases the liquidation guard in the same atomic update.
	ClearGuard bool
}

// PositionStore is the durable record of positions and their lifecycle.
type PositionStore interface {
	Insert(ctx context.Context, position types.Position) error
	Get(ctx context.Context, positionID string) (types.Position, error)

	// ListSweepable returns positions the guardian must look at: ACTIVE ones
	// for range checks and LIQUIDATING ones awaiting settlement, oldest
	// first, capped by limit to bound per-sweep load.
	ListSweepable(ctx context.Context, limit int) ([]types.Position, error)

	// ListOpenByUser returns the user's non-terminal positions.
	ListOpenByUser(ctx context.Context, userID string) ([]types.Position, error)

	// TryAcquireGuard atomically moves the position from one status to
	// another while claiming the liquidation guard. Returns false when
	// another worker already holds the guard or the status precondition is
	// unmet; that is an expected outcome, not an error.
	TryAcquireGuard(ctx context.Context, positionID string, from, to types.PositionStatus) (bool, error)

	// ReleaseGuard clears the guard without changing status, used when a
	// liquidation attempt fails and the position stays OUT_OF_RANGE.
	ReleaseGuard(ctx context.Context, positionID string) error

	// Transition conditionally advances the lifecycle status and stamps the
	// given fields. Returns false when the status precondition is unmet.
	Transition(ctx context.Context, positionID string, from, to types.PositionStatus, fields TransitionFields) (bool, error)

	// ForceLiquidate is the emergency admin path: jumps any non-terminal
	// position straight to LIQUIDATED, bypassing the guard. Single
	// authorized caller, so no race exists at this entry point.
	ForceLiquidate(ctx context.Context, positionID string, returned sdkmath.Int, returnedUSD float64) error
}

// MarketRepository is the read-only view of candidate pools, user
// configuration, and rebalance history.
type MarketRepository interface {
	// GetUserStrategy returns the user's stored strategy, falling back to
	// the seeded defaults when no row exists yet.
	GetUserStrategy(ctx context.Context, userID string) (types.UserStrategy, error)
	ListEnabledStrategies(ctx context.Context) ([]types.UserStrategy, error)
	ListCandidatePools(ctx context.Context) ([]types.Pool, error)
	GetWalletBalance(ctx context.Context, userID string) (float64, error)

	// CountRebalancesSince counts the user's executed rebalances after the
	// given instant. Counters are strictly per user.
	CountRebalancesSince(ctx context.Context, userID string, since time.Time) (int, error)
	RecordRebalance(ctx context.Context, userID string, withdrawals, entries int) error
}
