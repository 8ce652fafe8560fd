package backtest

import "math"

type Signal int

const (
	Hold Signal = iota
	Buy
	Sell
)

func (s Signal) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "hold"
	}
}

// signalFunc evaluates a rule on every bar from the closes seen so far and the
// bar's own close.
type signalFunc func(closes []float64, params map[string]float64) []Signal

var signalFuncs = map[string]signalFunc{
	"RSI":      rsiSignals,
	"MACD":     macdSignals,
	"RSI_MACD": rsiMACDSignals,
}

func rsiSignals(closes []float64, p map[string]float64) []Signal {
	rsi := RSI(closes, int(p["period"]))
	out := make([]Signal, len(closes))
	for i, v := range rsi {
		switch {
		case math.IsNaN(v):
		case v < p["oversold"]:
			out[i] = Buy
		case v > p["overbought"]:
			out[i] = Sell
		}
	}
	return out
}

func macdSignals(closes []float64, p map[string]float64) []Signal {
	line, sig := MACD(closes, int(p["fast"]), int(p["slow"]), int(p["signal"]))
	out := make([]Signal, len(closes))
	for i := range closes {
		switch diff := line[i] - sig[i]; {
		case diff > 0:
			out[i] = Buy
		case diff < 0:
			out[i] = Sell
		}
	}
	return out
}

// rsiMACDSignals buys only when both agree and sells when either turns.
func rsiMACDSignals(closes []float64, p map[string]float64) []Signal {
	rsi := RSI(closes, int(p["rsi_period"]))
	line, sig := MACD(closes, int(p["fast"]), int(p["slow"]), int(p["signal"]))
	out := make([]Signal, len(closes))
	for i := range closes {
		if math.IsNaN(rsi[i]) {
			continue
		}
		switch {
		case rsi[i] < p["oversold"] && line[i] > sig[i]:
			out[i] = Buy
		case rsi[i] > p["overbought"]:
			out[i] = Sell
		case line[i] < sig[i]:
			out[i] = Sell
		}
	}
	return out
}
