/*

Pure risk classification: maps tokens to a volatility tier and pools to an
impermanent-loss risk factor. No side effects, no state. Both the allocation
engine and the position guardian build on these numbers.

*/

package risk

import (
	"math"
	"strings"

	"github.com/harborfin/steward/internal/types"
)

// Risk factors per volatility tier. Unclassified tokens get the highest
// tier, a conservative default.
const (
	FactorStable       = 0.00
	FactorBlueChip     = 0.08
	FactorMidCap       = 0.18
	FactorUnclassified = 0.30
)

var stableTokens = map[string]bool{
	"usdc": true,
	"usdt": true,
	"dai":  true,
	"usde": true,
	"lusd": true,
}

var blueChipTokens = map[string]bool{
	"btc":  true,
	"wbtc": true,
	"eth":  true,
	"weth": true,
	"atom": true,
	"sol":  true,
	"bnb":  true,
}

var midCapTokens = map[string]bool{
	"osmo": true,
	"tia":  true,
	"inj":  true,
	"link": true,
	"uni":  true,
	"aave": true,
	"dot":  true,
	"avax": true,
}

// TokenRiskFactor returns the risk factor for a token symbol. Lookup is
// case-insensitive.
func TokenRiskFactor(symbol string) float64 {
	s := strings.ToLower(strings.TrimSpace(symbol))
	switch {
	case stableTokens[s]:
		return FactorStable
	case blueChipTokens[s]:
		return FactorBlueChip
	case midCapTokens[s]:
		return FactorMidCap
	default:
		return FactorUnclassified
	}
}

// PoolRiskFactor returns the risk factor of a pool: the worse of its two
// tokens.
func PoolRiskFactor(pool types.Pool) float64 {
	return math.Max(TokenRiskFactor(pool.TokenA.Symbol), TokenRiskFactor(pool.TokenB.Symbol))
}

// ImpermanentLossPercent estimates the impermanent loss of a two-sided
// position given the price move since entry, as a positive percentage.
// Uses the standard constant-product formula: IL = 1 - 2*sqrt(r)/(1+r)
// where r is the price ratio.
func ImpermanentLossPercent(entryPrice, currentPrice float64) float64 {
	if entryPrice <= 0 || currentPrice <= 0 {
		return 0
	}
	r := currentPrice / entryPrice
	il := 1 - (2*math.Sqrt(r))/(1+r)
	if math.IsNaN(il) || math.IsInf(il, 0) || il < 0 {
		return 0
	}
	return il * 100
}
