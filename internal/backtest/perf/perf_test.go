package perf

import (
	"math"
	"testing"
	"time"

	"github.com/animus-labs/backtest-orchestrator/internal/backtest"
	"github.com/animus-labs/backtest-orchestrator/internal/codec"
)

var day0 = time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC)

func marks(values ...float64) []backtest.Mark {
	out := make([]backtest.Mark, len(values))
	for i, v := range values {
		out[i] = backtest.Mark{Date: day0.AddDate(0, 0, i), Cash: v, Value: v}
	}
	return out
}

func TestRound(t *testing.T) {
	cases := []struct {
		in   float64
		p    int32
		want float64
	}{
		{1.005, 2, 1.01},
		{-1.005, 2, -1.01},
		{2.675, 2, 2.68},
		{-0.001, 2, 0},
		{math.NaN(), 2, 0},
		{math.Inf(1), 2, 0},
	}
	for _, tc := range cases {
		got := round(tc.in, tc.p)
		if got != tc.want || math.Signbit(got) != math.Signbit(tc.want) {
			t.Fatalf("round(%v,%d)=%v want %v", tc.in, tc.p, got, tc.want)
		}
	}
}

func TestMaxDrawdown(t *testing.T) {
	got := maxDrawdown([]float64{100, 120, 90, 130, 117})
	if math.Abs(got-0.25) > 1e-12 {
		t.Fatalf("maxDrawdown=%v", got)
	}
	if maxDrawdown([]float64{1, 2, 3}) != 0 {
		t.Fatalf("monotonic series has drawdown")
	}
}

func TestSharpeAndSortinoDegenerate(t *testing.T) {
	if sharpe(nil) != 0 || sharpe([]float64{0.01}) != 0 || sharpe([]float64{0.01, 0.01}) != 0 {
		t.Fatalf("degenerate sharpe not zero")
	}
	if sortino([]float64{0.01, 0.02}) != 0 {
		t.Fatalf("sortino without losing days not zero")
	}
	got := sharpe([]float64{0.01, -0.01, 0.03})
	want := math.Sqrt(252) * 0.01 / 0.02
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("sharpe=%v want %v", got, want)
	}
}

func TestDrawdownCurveNeverPositive(t *testing.T) {
	equity := []codec.EquityPoint{{Date: "a", Equity: 100}, {Date: "b", Equity: 90}, {Date: "c", Equity: 110}}
	dd := drawdownCurve(equity)
	want := []float64{0, -10, 0}
	for i := range want {
		if dd[i].DrawdownPct != want[i] || math.Signbit(dd[i].DrawdownPct) && want[i] == 0 {
			t.Fatalf("drawdown[%d]=%v want %v", i, dd[i].DrawdownPct, want[i])
		}
	}
}

func TestRoundTripsGroupTopUps(t *testing.T) {
	fills := []backtest.Fill{
		{Date: day0, Action: backtest.Buy, Quantity: 100, Price: 10, EffectivePrice: 10, Commission: 1},
		{Date: day0.AddDate(0, 0, 1), Action: backtest.Buy, Quantity: 1, Price: 9, EffectivePrice: 9, Commission: 0.01},
		{Date: day0.AddDate(0, 0, 3), Action: backtest.Sell, Quantity: 101, Price: 12, EffectivePrice: 12, Commission: 1.2},
		{Date: day0.AddDate(0, 0, 4), Action: backtest.Buy, Quantity: 50, Price: 20, EffectivePrice: 20},
	}
	trips := roundTrips(fills)
	if len(trips) != 1 {
		t.Fatalf("trips=%+v, open position must be excluded", trips)
	}
	tr := trips[0]
	if tr.size != 101 || tr.entryDate != day0 || math.Abs(tr.entryPrice-1009.0/101) > 1e-12 || math.Abs(tr.entryFees-1.01) > 1e-12 {
		t.Fatalf("trip=%+v", tr)
	}

	got := trades(trips)[0]
	if got.TradeNo != 0 || got.Side != "BUY" || got.Size != 101 {
		t.Fatalf("trade=%+v", got)
	}
	if got.EntryTimestamp != "2020-01-02T21:00:00+00:00" || got.ExitTimestamp != "2020-01-05T21:00:00+00:00" {
		t.Fatalf("timestamps=%s %s", got.EntryTimestamp, got.ExitTimestamp)
	}
	if got.HoldingPeriod != 3 {
		t.Fatalf("holding=%v", got.HoldingPeriod)
	}
	// (12*101 - 1009) - 1.01 - 1.2
	if got.PnLAbs != 200.79 {
		t.Fatalf("pnl_abs=%v", got.PnLAbs)
	}
}

func TestWinStats(t *testing.T) {
	trips := []roundTrip{
		{size: 10, entryEffective: 10, exitEffective: 12},
		{size: 10, entryEffective: 10, exitEffective: 9},
		{size: 10, entryEffective: 10, exitEffective: 11},
		{size: 10, entryEffective: 10, exitEffective: 10},
	}
	rate, pf := winStats(trips)
	if rate != 50 {
		t.Fatalf("win rate=%v", rate)
	}
	if math.Abs(pf-30.0/10) > 1e-12 {
		t.Fatalf("profit factor=%v", pf)
	}
	if _, pf := winStats(trips[:1]); pf != 0 {
		t.Fatalf("profit factor without losses=%v", pf)
	}
}

func TestDerive(t *testing.T) {
	history := marks(1000, 1100, 990, 1210)
	history[1].Cash, history[1].Holdings = 100, 1000
	out := backtest.Outcome{
		Ticker:         "AAPL",
		InitialCapital: 1000,
		FinalValue:     1210,
		TotalReturn:    0.21,
		History:        history,
	}
	res, err := Derive("run-1", out)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if res.RunID != "run-1" || res.Status != codec.ResultCompleted || res.ErrorMessage != nil {
		t.Fatalf("header=%+v", res)
	}
	m := res.Metrics
	if m.TotalReturnPct != 21 || m.MaxDrawdownPct != 10 || m.NumTrades != 0 || m.FinalValue != 1210 || m.Ticker != "AAPL" {
		t.Fatalf("metrics=%+v", m)
	}
	if len(res.EquityCurve) != 4 || res.EquityCurve[0].Date != "2020-01-02" || res.EquityCurve[3].Equity != 1210 {
		t.Fatalf("equity=%+v", res.EquityCurve)
	}
	if res.DrawdownCurve[2].DrawdownPct != -10 {
		t.Fatalf("drawdown=%+v", res.DrawdownCurve)
	}
	if p := res.PortfolioCurve[1]; p.Cash != 100 || p.Position != 1000 || p.Total != 1100 {
		t.Fatalf("portfolio=%+v", p)
	}
	if res.Trades == nil || res.Charts == nil {
		t.Fatalf("collections must be non-nil")
	}

	if _, err := Derive("run-1", backtest.Outcome{}); err == nil {
		t.Fatalf("expected error for empty history")
	}
}
