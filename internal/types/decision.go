/*

Decision is the output of the allocation engine: the ideal portfolio, the
diff against current positions, the gate evaluation, and (only when every
gate holds) the executable action set. A decision with an empty action set
is advisory and has no side effects anywhere.

*/

package types

// PoolAllocation is one slot of the ideal portfolio.
type PoolAllocation struct {
	PoolID         PoolID  `json:"pool_id"`
	AmountUSD      float64 `json:"amount_usd"`
	RealYield      float64 `json:"real_yield"`      // Advertised yield minus the raw risk penalty
	EffectiveYield float64 `json:"effective_yield"` // RealYield minus the risk-aversion scaled penalty
	RiskFactor     float64 `json:"risk_factor"`
}

// WithdrawAction asks the executor to exit one open position.
type WithdrawAction struct {
	PositionID string `json:"position_id"`
	PoolID     PoolID `json:"pool_id"`
	Reason     string `json:"reason"` // e.g., "pool no longer in ideal portfolio"
}

// EnterAction asks the executor to dispatch a new investment.
type EnterAction struct {
	PoolID            PoolID  `json:"pool_id"`
	AmountUSD         float64 `json:"amount_usd"`
	LowerRangePercent float64 `json:"lower_range_percent"`
	UpperRangePercent float64 `json:"upper_range_percent"`
}

// RebalanceActions is the executable half of a decision.
type RebalanceActions struct {
	ToWithdraw []WithdrawAction `json:"to_withdraw"`
	ToEnter    []EnterAction    `json:"to_enter"`
}

// DecisionMetadata carries the intermediate figures behind a decision so
// advisory results remain fully explainable.
type DecisionMetadata struct {
	TotalCapitalUSD       float64  `json:"total_capital_usd"`
	UnallocatedUSD        float64  `json:"unallocated_usd"`
	CurrentWeightedYield  float64  `json:"current_weighted_yield"`
	IdealWeightedYield    float64  `json:"ideal_weighted_yield"`
	ProjectedProfit30dUSD float64  `json:"projected_profit_30d_usd"`
	GasCostUSD            float64  `json:"gas_cost_usd"`
	NetProfitUSD          float64  `json:"net_profit_usd"`
	NetUtilityGain        float64  `json:"net_utility_gain"`
	GatesPassed           bool     `json:"gates_passed"`
	GateFailures          []string `json:"gate_failures,omitempty"`
}

// Decision is the full result of one engine evaluation.
type Decision struct {
	UserID   string           `json:"user_id"`
	Ideal    []PoolAllocation `json:"ideal"`
	Actions  RebalanceActions `json:"actions"`
	Metadata DecisionMetadata `json:"metadata"`

	// Reason is set on empty decisions ("no eligible pools", "no deposit
	// amount specified", ...) so callers can surface a human-readable cause
	// without treating it as an error.
	Reason string `json:"reason,omitempty"`
}

// Executable reports whether the decision carries actions to perform.
func (d Decision) Executable() bool {
	return len(d.Actions.ToWithdraw) > 0 || len(d.Actions.ToEnter) > 0
}
