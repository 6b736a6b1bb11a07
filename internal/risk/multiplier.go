package risk

// DefaultTPMultiplier is used when neither the signal type, the strategy
// profile nor the price mode names a multiplier.
const DefaultTPMultiplier = 1.0

var signalTPMultiplier = map[string]float64{
	"pullback_buy":        1.2,
	"breakout_buy":        1.5,
	"consolidation_buy":   1.0,
	"reversal_buy":        1.5,
	"bounce_buy":          1.5,
	"negative_div_bounce": 1.2,
	"trend_sell":          1.2,
	"bounce_sell":         1.0,
	"breakdown_sell":      1.5,
	"high_sell":           1.5,
	"reversal_sell":       1.5,
}

var modeTPMultiplier = map[int]float64{
	0: 1.2,
	1: 1.5,
	2: 1.5,
}

// TPMultiplier picks the ATR multiplier for a take-profit. The signal type
// wins, then the strategy profile, then the entry price mode.
func TPMultiplier(signalType string, profileMultiplier float64, priceMode int) float64 {
	if m, ok := signalTPMultiplier[signalType]; ok {
		return m
	}
	if profileMultiplier > 0 {
		return profileMultiplier
	}
	if m, ok := modeTPMultiplier[priceMode]; ok {
		return m
	}
	return DefaultTPMultiplier
}
