package strategy

import (
	"math"

	"spot-trading-bot/internal/binance"
)

// Series helpers. All of them return a slice the same length as the
// input; positions before the warm-up window hold NaN so a caller can
// tell "no value yet" from a real zero.

func closes(klines []binance.Kline) []float64 {
	out := make([]float64, len(klines))
	for i, k := range klines {
		out[i] = k.Close
	}
	return out
}

func highs(klines []binance.Kline) []float64 {
	out := make([]float64, len(klines))
	for i, k := range klines {
		out[i] = k.High
	}
	return out
}

func lows(klines []binance.Kline) []float64 {
	out := make([]float64, len(klines))
	for i, k := range klines {
		out[i] = k.Low
	}
	return out
}

func volumes(klines []binance.Kline) []float64 {
	out := make([]float64, len(klines))
	for i, k := range klines {
		out[i] = k.Volume
	}
	return out
}

// ema is the exponentially weighted mean seeded with the first value.
func ema(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	alpha := 2.0 / (float64(period) + 1.0)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

// sma is the simple rolling mean; NaN until the window fills.
func sma(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	var sum float64
	for i := range values {
		sum += values[i]
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		} else {
			out[i] = math.NaN()
		}
	}
	return out
}

// rollingStd is the rolling sample standard deviation.
func rollingStd(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	for i := range values {
		if i < period-1 {
			out[i] = math.NaN()
			continue
		}
		window := values[i-period+1 : i+1]
		var mean float64
		for _, v := range window {
			mean += v
		}
		mean /= float64(period)
		var variance float64
		for _, v := range window {
			variance += (v - mean) * (v - mean)
		}
		variance /= float64(period - 1)
		out[i] = math.Sqrt(variance)
	}
	return out
}

// rsi computes the SMA-smoothed relative strength index.
func rsi(closeValues []float64, period int) []float64 {
	n := len(closeValues)
	gains := make([]float64, n)
	losses := make([]float64, n)
	for i := 1; i < n; i++ {
		change := closeValues[i] - closeValues[i-1]
		if change > 0 {
			gains[i] = change
		} else {
			losses[i] = -change
		}
	}

	avgGain := sma(gains, period)
	avgLoss := sma(losses, period)

	out := make([]float64, n)
	for i := range out {
		switch {
		case math.IsNaN(avgGain[i]) || math.IsNaN(avgLoss[i]):
			out[i] = math.NaN()
		case avgLoss[i] == 0:
			out[i] = 100
		default:
			rs := avgGain[i] / avgLoss[i]
			out[i] = 100 - 100/(1+rs)
		}
	}
	return out
}

// bollinger returns the middle, upper and lower bands.
func bollinger(values []float64, period int, stdDev float64) (middle, upper, lower []float64) {
	middle = sma(values, period)
	std := rollingStd(values, period)
	upper = make([]float64, len(values))
	lower = make([]float64, len(values))
	for i := range values {
		upper[i] = middle[i] + std[i]*stdDev
		lower[i] = middle[i] - std[i]*stdDev
	}
	return middle, upper, lower
}

// macd returns the MACD line, its signal line, and the histogram
// using the standard 12/26/9 periods.
func macd(values []float64) (line, signal, hist []float64) {
	fast := ema(values, 12)
	slow := ema(values, 26)
	line = make([]float64, len(values))
	for i := range values {
		line[i] = fast[i] - slow[i]
	}
	signal = ema(line, 9)
	hist = make([]float64, len(values))
	for i := range values {
		hist[i] = line[i] - signal[i]
	}
	return line, signal, hist
}

// stochastic returns %K over a 14-candle window and %D as its
// 3-candle SMA.
func stochastic(highValues, lowValues, closeValues []float64) (k, d []float64) {
	const period = 14
	n := len(closeValues)
	k = make([]float64, n)
	for i := 0; i < n; i++ {
		if i < period-1 {
			k[i] = math.NaN()
			continue
		}
		lowest := math.Inf(1)
		highest := math.Inf(-1)
		for j := i - period + 1; j <= i; j++ {
			lowest = math.Min(lowest, lowValues[j])
			highest = math.Max(highest, highValues[j])
		}
		if highest == lowest {
			k[i] = 50
			continue
		}
		k[i] = 100 * (closeValues[i] - lowest) / (highest - lowest)
	}
	d = sma(k, 3)
	return k, d
}

// volatility is the rolling standard deviation as a percent of price.
func volatility(closeValues []float64, period int) []float64 {
	std := rollingStd(closeValues, period)
	out := make([]float64, len(closeValues))
	for i := range closeValues {
		if closeValues[i] == 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = std[i] / closeValues[i] * 100
	}
	return out
}

// pctChange is the percent change against the value n positions back.
func pctChange(values []float64, periods int) []float64 {
	out := make([]float64, len(values))
	for i := range values {
		if i < periods || values[i-periods] == 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = (values[i] - values[i-periods]) / values[i-periods] * 100
	}
	return out
}

// tailMean averages the last n non-NaN values of a series.
func tailMean(values []float64, n int) float64 {
	start := len(values) - n
	if start < 0 {
		start = 0
	}
	var sum float64
	var count int
	for _, v := range values[start:] {
		if math.IsNaN(v) {
			continue
		}
		sum += v
		count++
	}
	if count == 0 {
		return math.NaN()
	}
	return sum / float64(count)
}
