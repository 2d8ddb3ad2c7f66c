package viper

import "math"

// Trend classifications produced by classifyTrend.
const (
	TrendBullish = "bullish"
	TrendBearish = "bearish"
	TrendNeutral = "neutral"
)

// trendEpsilon is the windowed mean-return magnitude separating a trend
// from noise.
const trendEpsilon = 0.001

// Analysis is the scored view of one instrument's recent price series.
// Signals and scores are dimensionless and clamped to [0,1]; they feed
// sizing decisions but never touch balance arithmetic directly.
type Analysis struct {
	VolatilityIndex   float64 // [0,100]
	Trend             string
	Momentum          float64
	Support           float64 // 0 when no pivot found
	Resistance        float64 // 0 when no pivot found
	EntrySignal       float64
	ExitSignal        float64
	RiskScore         float64
	OpportunityRating float64
}

// Analyze runs the full scoring pipeline over a price series. The
// series is oldest-first; fewer than 3 points yields a neutral result.
func Analyze(prices []float64) Analysis {
	if len(prices) < 3 {
		return Analysis{Trend: TrendNeutral, EntrySignal: 0.5, ExitSignal: 0.5, OpportunityRating: 0}
	}
	rets := returns(prices)

	a := Analysis{
		VolatilityIndex: volatilityIndex(rets),
		Trend:           classifyTrend(rets),
		Momentum:        momentum(rets),
	}
	a.Support, a.Resistance = supportResistance(prices)
	a.RiskScore = clamp01(a.VolatilityIndex / 100)

	current := prices[len(prices)-1]
	a.EntrySignal = entrySignal(a, current)
	a.ExitSignal = exitSignal(a, current)
	a.OpportunityRating = clamp01(a.EntrySignal*0.6 + (a.VolatilityIndex/100)*0.4)
	return a
}

// returns converts a price series into simple period returns.
func returns(prices []float64) []float64 {
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, (prices[i]-prices[i-1])/prices[i-1])
	}
	return out
}

// volatilityIndex is the population standard deviation of returns
// scaled x10000 and clamped to [0,100].
func volatilityIndex(rets []float64) float64 {
	if len(rets) == 0 {
		return 0
	}
	mean := meanOf(rets)
	var sum float64
	for _, r := range rets {
		d := r - mean
		sum += d * d
	}
	std := math.Sqrt(sum / float64(len(rets)))
	v := std * 10000
	if v > 100 {
		return 100
	}
	return v
}

// classifyTrend looks at the windowed mean of the most recent returns:
// above +trendEpsilon is bullish, below -trendEpsilon bearish.
func classifyTrend(rets []float64) string {
	window := rets
	if len(window) > 20 {
		window = window[len(window)-20:]
	}
	m := meanOf(window)
	switch {
	case m > trendEpsilon:
		return TrendBullish
	case m < -trendEpsilon:
		return TrendBearish
	default:
		return TrendNeutral
	}
}

// momentum is the mean of the latest 10 returns minus the mean of the
// 10 before them. Series shorter than 20 returns score 0.
func momentum(rets []float64) float64 {
	if len(rets) < 20 {
		return 0
	}
	recent := rets[len(rets)-10:]
	prior := rets[len(rets)-20 : len(rets)-10]
	return meanOf(recent) - meanOf(prior)
}

// supportResistance scans the last ~50 prices with a 5-point local
// extremum test: a point lower than its two neighbours on each side is
// a support pivot, higher is resistance. The most recent pivot of each
// kind wins.
func supportResistance(prices []float64) (support, resistance float64) {
	window := prices
	if len(window) > 50 {
		window = window[len(window)-50:]
	}
	for i := 2; i < len(window)-2; i++ {
		p := window[i]
		if p < window[i-1] && p < window[i-2] && p < window[i+1] && p < window[i+2] {
			support = p
		}
		if p > window[i-1] && p > window[i-2] && p > window[i+1] && p > window[i+2] {
			resistance = p
		}
	}
	return support, resistance
}

// entrySignal blends trend, momentum and support proximity into [0,1].
// A bullish trend with positive momentum near support scores highest.
func entrySignal(a Analysis, current float64) float64 {
	s := 0.5 + a.Momentum*50
	switch a.Trend {
	case TrendBullish:
		s += 0.2
	case TrendBearish:
		s -= 0.2
	}
	if a.Support > 0 && current > 0 {
		if dist := (current - a.Support) / current; dist >= 0 && dist < 0.01 {
			s += 0.15
		}
	}
	return clamp01(s)
}

// exitSignal mirrors entrySignal: bearish momentum near resistance
// argues for closing.
func exitSignal(a Analysis, current float64) float64 {
	s := 0.5 - a.Momentum*50
	switch a.Trend {
	case TrendBullish:
		s -= 0.2
	case TrendBearish:
		s += 0.2
	}
	if a.Resistance > 0 && current > 0 {
		if dist := (a.Resistance - current) / current; dist >= 0 && dist < 0.01 {
			s += 0.15
		}
	}
	return clamp01(s)
}

func meanOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
