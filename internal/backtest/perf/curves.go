package perf

import (
	"github.com/animus-labs/backtest-orchestrator/internal/backtest"
	"github.com/animus-labs/backtest-orchestrator/internal/codec"
)

func equityCurve(history []backtest.Mark) []codec.EquityPoint {
	out := make([]codec.EquityPoint, len(history))
	for i, m := range history {
		out[i] = codec.EquityPoint{Date: dateOf(m.Date), Equity: round(m.Value, 2)}
	}
	return out
}

// drawdownCurve is derived from the rounded equity curve so the two always agree.
func drawdownCurve(equity []codec.EquityPoint) []codec.DrawdownPoint {
	out := make([]codec.DrawdownPoint, len(equity))
	var peak float64
	for i, p := range equity {
		if p.Equity > peak {
			peak = p.Equity
		}
		var dd float64
		if peak > 0 {
			dd = (p.Equity - peak) / peak * 100
		}
		out[i] = codec.DrawdownPoint{Date: p.Date, DrawdownPct: round(dd, 2)}
	}
	return out
}

func portfolioCurve(history []backtest.Mark) []codec.PortfolioPoint {
	out := make([]codec.PortfolioPoint, len(history))
	for i, m := range history {
		out[i] = codec.PortfolioPoint{
			Date:     dateOf(m.Date),
			Cash:     round(m.Cash, 2),
			Position: round(m.Holdings, 2),
			Total:    round(m.Value, 2),
		}
	}
	return out
}
