/*

This file contains the default strategy parameters.

These parameters are seeded for a new user who has not customized a strategy.
They favor capital preservation over aggressive yield chasing.

*/

package config

import (
	"github.com/harborfin/steward/internal/types"
)

// DefaultStrategy provides a baseline strategy for users without a stored one.
// The market repository falls back to it when a user has no user_strategies
// row yet; every field is overridable per user afterwards.
var DefaultStrategy = types.UserStrategy{
	Enabled: false, // Users opt in explicitly.

	// --- Pool eligibility filters ---
	MinAPY:          5.0,      // Ignore pools advertising under 5% APR.
	MinTvlUSD:       500_000,  // Thin pools cannot absorb a meaningful deposit.
	MinPoolAgeDays:  30,       // New pools carry unaudited-contract and rug risk.
	AllowedTokens:   []string{"USDC", "USDT", "ETH", "WBTC", "ATOM"},

	// --- Allocation shape ---
	RiskAversion:            1.0,
	MaxPositions:            4,
	MaxAllocPerPositionUSD:  25_000,
	MinPositionSizeUSD:      1_000, // Smaller positions cannot recoup gas.
	RebalanceDriftTolerance: 0.01,

	// --- Churn limits ---
	DailyRebalanceLimit:  4,
	HourlyRebalanceLimit: 1,

	// --- Exit guards ---
	MaxILLossPercent:      5.0,
	AllowGateOverrideOnIL: false,
	ThetaMinBenefit:       0.05,

	// --- Default position range ---
	DefaultLowerRangePercent: -10.0,
	DefaultUpperRangePercent: 15.0,
}
