package backtest

import "math"

// EMA is the recursive exponential mean with alpha = 2/(span+1), seeded with the
// first value.
func EMA(values []float64, span int) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	alpha := 2.0 / (float64(span) + 1.0)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

// RSI uses simple rolling means of gains and losses over period bars. Bars
// before the window fills are NaN, as are windows with no movement at all.
func RSI(closes []float64, period int) []float64 {
	out := make([]float64, len(closes))
	for i := range out {
		out[i] = math.NaN()
	}
	if period < 1 || len(closes) < period {
		return out
	}
	gains := make([]float64, len(closes))
	losses := make([]float64, len(closes))
	for i := 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gains[i] = d
		} else if d < 0 {
			losses[i] = -d
		}
	}

	var sumGain, sumLoss float64
	for i := 0; i < len(closes); i++ {
		sumGain += gains[i]
		sumLoss += losses[i]
		if i >= period {
			sumGain -= gains[i-period]
			sumLoss -= losses[i-period]
		}
		if i < period-1 {
			continue
		}
		avgGain := sumGain / float64(period)
		avgLoss := sumLoss / float64(period)
		switch {
		case avgLoss <= 0 && avgGain <= 0:
			out[i] = math.NaN()
		case avgLoss <= 0:
			out[i] = 100
		default:
			out[i] = 100 - 100/(1+avgGain/avgLoss)
		}
	}
	return out
}

// MACD returns the fast-minus-slow EMA line and its signal EMA.
func MACD(closes []float64, fast, slow, signal int) (line, signalLine []float64) {
	f := EMA(closes, fast)
	s := EMA(closes, slow)
	line = make([]float64, len(closes))
	for i := range closes {
		line[i] = f[i] - s[i]
	}
	return line, EMA(line, signal)
}
