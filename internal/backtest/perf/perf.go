// Package perf turns a simulated outcome into the persisted result document:
// headline metrics, equity, drawdown and portfolio curves, and closed trades.
package perf

import (
	"errors"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/animus-labs/backtest-orchestrator/internal/backtest"
	"github.com/animus-labs/backtest-orchestrator/internal/codec"
)

const (
	tradingDays = 252
	dayLayout   = "2006-01-02"
	// Daily bars are stamped at the US market close.
	dailyCloseUTC = 21 * time.Hour
)

// Derive builds a completed result for outcome.
func Derive(runID string, outcome backtest.Outcome) (codec.Result, error) {
	if len(outcome.History) == 0 {
		return codec.Result{}, errors.New("outcome has no portfolio history")
	}
	values := make([]float64, len(outcome.History))
	for i, m := range outcome.History {
		values[i] = m.Value
	}

	returns := dailyReturns(values)
	maxDD := maxDrawdown(values)
	trips := roundTrips(outcome.Fills)
	winRate, profitFactor := winStats(trips)
	years := float64(len(values)) / tradingDays

	equity := equityCurve(outcome.History)
	return codec.Result{
		RunID:  runID,
		Status: codec.ResultCompleted,
		Metrics: codec.Metrics{
			TotalReturnPct: round(outcome.TotalReturn*100, 2),
			SharpeRatio:    round(sharpe(returns), 2),
			MaxDrawdownPct: round(maxDD*100, 2),
			NumTrades:      len(trips),
			Ticker:         outcome.Ticker,
			InitialCapital: outcome.InitialCapital,
			FinalValue:     round(outcome.FinalValue, 2),
			WinRate:        round(winRate, 1),
			SortinoRatio:   round(sortino(returns), 2),
			CalmarRatio:    round(calmar(outcome.TotalReturn, maxDD, years), 2),
			ProfitFactor:   round(profitFactor, 2),
		},
		EquityCurve:    equity,
		DrawdownCurve:  drawdownCurve(equity),
		PortfolioCurve: portfolioCurve(outcome.History),
		Trades:         trades(trips),
		Charts:         map[string]string{},
	}, nil
}

// round rounds half away from zero on the shortest decimal form of v.
// Non-finite values become 0.
func round(v float64, places int32) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	out := decimal.NewFromFloat(v).Round(places).InexactFloat64()
	if out == 0 {
		return 0
	}
	return out
}

func dailyReturns(values []float64) []float64 {
	out := make([]float64, 0, len(values))
	for i := 1; i < len(values); i++ {
		if values[i-1] == 0 {
			continue
		}
		out = append(out, values[i]/values[i-1]-1)
	}
	return out
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	var s float64
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}

// stdev is the sample standard deviation.
func stdev(xs []float64) float64 {
	if len(xs) < 2 {
		return math.NaN()
	}
	m := mean(xs)
	var ss float64
	for _, x := range xs {
		ss += (x - m) * (x - m)
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

func sharpe(returns []float64) float64 {
	sd := stdev(returns)
	if len(returns) == 0 || sd == 0 || math.IsNaN(sd) {
		return 0
	}
	return math.Sqrt(tradingDays) * mean(returns) / sd
}

// sortino divides the mean return by the deviation of losing days only.
func sortino(returns []float64) float64 {
	var down []float64
	for _, r := range returns {
		if r < 0 {
			down = append(down, r)
		}
	}
	sd := stdev(down)
	if len(down) == 0 || sd == 0 || math.IsNaN(sd) {
		return 0
	}
	return math.Sqrt(tradingDays) * mean(returns) / sd
}

// maxDrawdown is the deepest fall from a running peak, as a positive fraction.
func maxDrawdown(values []float64) float64 {
	var peak, worst float64
	for i, v := range values {
		if i == 0 || v > peak {
			peak = v
		}
		if peak == 0 {
			continue
		}
		if dd := (v - peak) / peak; dd < worst {
			worst = dd
		}
	}
	return math.Abs(worst)
}

func calmar(totalReturn, maxDD, years float64) float64 {
	if maxDD == 0 || years <= 0 {
		return 0
	}
	annual := math.Pow(1+totalReturn, 1/years) - 1
	return annual / maxDD
}

func dateOf(t time.Time) string {
	return t.UTC().Format(dayLayout)
}

func closeStamp(t time.Time) string {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Add(dailyCloseUTC).Format("2006-01-02T15:04:05+00:00")
}
