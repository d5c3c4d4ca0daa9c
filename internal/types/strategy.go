/*

UserStrategy holds the per-user risk and allocation parameters consumed by
the allocation engine. It is created and updated by the user-facing API and
read-only to the core loops.

*/

package types

// UserStrategy defines how aggressively and under what constraints a user's
// capital is allocated across candidate pools.
type UserStrategy struct {
	UserID  string `json:"user_id"`
	Enabled bool   `json:"enabled"`

	// --- Pool eligibility filters ---
	MinAPY         float64  `json:"min_apy"`          // Minimum advertised yield in percentage points
	MinTvlUSD      float64  `json:"min_tvl_usd"`      // Minimum pool TVL
	MinPoolAgeDays int      `json:"min_pool_age_days"`
	AllowedTokens  []string `json:"allowed_tokens"` // Token symbols; empty means unrestricted

	// --- Allocation constraints ---
	RiskAversion           float64 `json:"risk_aversion"` // Lambda in [0,1]; scales the risk penalty on yield
	MaxPositions           int     `json:"max_positions"`
	MaxAllocPerPositionUSD float64 `json:"max_alloc_per_position_usd"`
	MinPositionSizeUSD     float64 `json:"min_position_size_usd"`

	// RebalanceDriftTolerance is the relative drift from the target
	// allocation before a held position is re-sized (0.01 = 1%). Zero or
	// negative falls back to the engine default.
	RebalanceDriftTolerance float64 `json:"rebalance_drift_tolerance"`

	// --- Rebalance gating ---
	DailyRebalanceLimit   int     `json:"daily_rebalance_limit"`
	HourlyRebalanceLimit  int     `json:"hourly_rebalance_limit"`
	MaxILLossPercent      float64 `json:"max_il_loss_percent"` // Maximum tolerable impermanent loss on a forced exit
	AllowGateOverrideOnIL bool    `json:"allow_gate_override_on_il"` // If true, the IL gate yields when all other gates pass
	ThetaMinBenefit       float64 `json:"theta_min_benefit"` // Minimum net utility gain required to execute

	// --- Range defaults for new positions ---
	DefaultLowerRangePercent float64 `json:"default_lower_range_percent"` // Negative offset below entry price
	DefaultUpperRangePercent float64 `json:"default_upper_range_percent"` // Positive offset above entry price
}
