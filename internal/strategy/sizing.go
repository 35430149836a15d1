package strategy

// KellyPercentage is the fractional-Kelly bet size in percent:
//
//	100 * fraction * (winRate - (1-winRate)/riskReward)
//
// It is negative when the edge is negative.
func KellyPercentage(winRate, riskReward, fraction float64) float64 {
	return 100 * fraction * (winRate - (1-winRate)/riskReward)
}

// PositionSize converts a Kelly percentage into a base-asset quantity:
// account * allocation * kellyPct/100 / price. Zero for a non-positive price.
func PositionSize(account, allocation, kellyPct, price float64) float64 {
	if price <= 0 {
		return 0
	}
	return account * allocation * kellyPct / 100 / price
}
