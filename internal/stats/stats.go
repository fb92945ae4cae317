package stats

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// TradingDaysPerYear is the annualisation base for daily return series.
const TradingDaysPerYear = 252

// Mean returns the arithmetic mean of data, 0 for empty input.
func Mean(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.Mean(data, nil)
}

// StdDev returns the sample standard deviation, 0 for fewer than 2 points.
func StdDev(data []float64) float64 {
	if len(data) < 2 {
		return 0
	}
	return stat.StdDev(data, nil)
}

// Variance returns the sample variance, 0 for fewer than 2 points.
func Variance(data []float64) float64 {
	if len(data) < 2 {
		return 0
	}
	return stat.Variance(data, nil)
}

// Correlation returns the Pearson correlation of x and y, 0 when the
// series are empty or of unequal length.
func Correlation(x, y []float64) float64 {
	if len(x) == 0 || len(x) != len(y) {
		return 0
	}
	c := stat.Correlation(x, y, nil)
	if math.IsNaN(c) {
		return 0
	}
	return c
}

// Returns converts a price series to simple per-step returns.
func Returns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
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

// AnnualizedVolatility scales the stddev of daily returns by sqrt(252).
func AnnualizedVolatility(dailyReturns []float64) float64 {
	return StdDev(dailyReturns) * math.Sqrt(TradingDaysPerYear)
}

// Sharpe computes the annualised Sharpe ratio of daily returns against
// an annual risk-free rate.
func Sharpe(dailyReturns []float64, annualRiskFree float64) float64 {
	if len(dailyReturns) < 2 {
		return 0
	}
	dailyRF := annualRiskFree / TradingDaysPerYear
	excess := make([]float64, len(dailyReturns))
	for i, r := range dailyReturns {
		excess[i] = r - dailyRF
	}
	sd := StdDev(excess)
	if sd == 0 {
		return 0
	}
	return Mean(excess) / sd * math.Sqrt(TradingDaysPerYear)
}

// Sortino is Sharpe with downside deviation in the denominator.
func Sortino(dailyReturns []float64, annualRiskFree float64) float64 {
	if len(dailyReturns) < 2 {
		return 0
	}
	dailyRF := annualRiskFree / TradingDaysPerYear
	var downside []float64
	var sum float64
	for _, r := range dailyReturns {
		ex := r - dailyRF
		sum += ex
		if ex < 0 {
			downside = append(downside, ex)
		}
	}
	if len(downside) == 0 {
		return 0
	}
	var sq float64
	for _, d := range downside {
		sq += d * d
	}
	dd := math.Sqrt(sq / float64(len(downside)))
	if dd == 0 {
		return 0
	}
	mean := sum / float64(len(dailyReturns))
	return mean / dd * math.Sqrt(TradingDaysPerYear)
}

// MaxDrawdown returns the largest peak-to-trough decline of an equity
// curve as a negative fraction (0 when the curve never declines).
func MaxDrawdown(equity []float64) float64 {
	if len(equity) == 0 {
		return 0
	}
	peak := equity[0]
	maxDD := 0.0
	for _, v := range equity {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			dd := (v - peak) / peak
			if dd < maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

// HHI returns the Herfindahl-Hirschman index of a weight vector.
// Weights are normalised first so unnormalised exposures are accepted.
func HHI(weights []float64) float64 {
	var total float64
	for _, w := range weights {
		total += math.Abs(w)
	}
	if total == 0 {
		return 0
	}
	var hhi float64
	for _, w := range weights {
		n := math.Abs(w) / total
		hhi += n * n
	}
	return hhi
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
