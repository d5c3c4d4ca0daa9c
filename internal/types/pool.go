/*

Custom type for candidate trading pools, carrying everything the allocation
engine needs to filter, score, and rank them. Pools are read-mostly and
treated as immutable within a single decision cycle.

*/

package types

type PoolID uint64

type Pool struct {
	ID             PoolID  `json:"id"`
	Chain          string  `json:"chain"`            // e.g., "osmosis-1"
	TokenA         Token   `json:"token_a"`          // e.g., ATOM
	TokenB         Token   `json:"token_b"`          // e.g., USDC
	FeeTierPercent float64 `json:"fee_tier_percent"` // Swap fee tier as a percentage (0.3 = 0.3%)
	TvlUSD         float64 `json:"tvl_usd"`          // Total Value Locked in USD
	Volume24hUSD   float64 `json:"volume_24h_usd"`   // 24h Trading Volume in USD
	AdvertisedAPR  float64 `json:"advertised_apr"`   // Advertised yield in percentage points (20 = 20%)
	AgeInDays      int     `json:"age_in_days"`
	IsActive       bool    `json:"is_active"`
}

type Token struct {
	Symbol    string `json:"symbol"`    // e.g., "atom"
	Denom     string `json:"denom"`     // e.g., "uatom" or "ibc/273...A8"
	Precision int    `json:"precision"` // e.g., 6 decimal places
}
