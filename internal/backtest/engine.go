// Package backtest simulates a single-ticker rule on daily closes. Orders fill
// at the close of the bar that produced the signal.
package backtest

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/animus-labs/backtest-orchestrator/internal/codec"
	"github.com/animus-labs/backtest-orchestrator/internal/marketdata"
)

// ComputationVersion is recorded with every result. Bump it whenever a change
// here can alter output for the same inputs.
const ComputationVersion = "backtest-engine/1"

var (
	ErrNoData        = errors.New("no data in selected date range")
	ErrNotEnoughBars = errors.New("not enough bars")
)

// Fill is one executed order.
type Fill struct {
	Date           time.Time
	Action         Signal
	Quantity       int64
	Price          float64
	EffectivePrice float64
	Commission     float64
}

// Mark is the portfolio valued at one bar's close.
type Mark struct {
	Date     time.Time
	Cash     float64
	Holdings float64
	Value    float64
}

type Outcome struct {
	Ticker         string
	InitialCapital float64
	FinalValue     float64
	TotalReturn    float64
	History        []Mark
	Fills          []Fill
}

var defaultCatalog = sync.OnceValue(DefaultCatalog)

// Run filters series to the request's date range, evaluates the rule and
// simulates an all-in long-only book.
func Run(series marketdata.Series, req codec.Request) (Outcome, error) {
	return RunWithCatalog(defaultCatalog(), series, req)
}

func RunWithCatalog(catalog *Catalog, series marketdata.Series, req codec.Request) (Outcome, error) {
	start, end, err := req.DateRange()
	if err != nil {
		return Outcome{}, err
	}
	params, err := catalog.Resolve(req.RuleType, req.Params)
	if err != nil {
		return Outcome{}, err
	}
	signals := signalFuncs[mustLookup(catalog, req.RuleType)]

	bars := series.Between(start, end)
	if len(bars) == 0 {
		return Outcome{}, ErrNoData
	}
	if len(bars) < 2 {
		return Outcome{}, ErrNotEnoughBars
	}
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}

	eng := &engine{
		cash:       req.InitialCapital,
		commission: req.FeeRate,
		slippage:   req.SlippageBps / 10000.0,
	}
	for i, s := range signals(closes, params) {
		eng.step(bars[i], s)
	}

	final := eng.history[len(eng.history)-1].Value
	return Outcome{
		Ticker:         series.Ticker,
		InitialCapital: req.InitialCapital,
		FinalValue:     final,
		TotalReturn:    (final - req.InitialCapital) / req.InitialCapital,
		History:        eng.history,
		Fills:          eng.fills,
	}, nil
}

func mustLookup(c *Catalog, ruleType string) string {
	spec, ok := c.Lookup(ruleType)
	if !ok {
		panic(fmt.Sprintf("rule type %q vanished from catalog", ruleType))
	}
	return spec.Type
}

type engine struct {
	cash       float64
	position   int64
	commission float64
	slippage   float64
	history    []Mark
	fills      []Fill
}

func (e *engine) step(bar marketdata.Bar, s Signal) {
	switch {
	case s == Buy && e.cash > 0:
		e.buy(bar)
	case s == Sell && e.position > 0:
		e.sell(bar)
	}
	holdings := float64(e.position) * bar.Close
	e.history = append(e.history, Mark{
		Date:     bar.Date,
		Cash:     e.cash,
		Holdings: holdings,
		Value:    e.cash + holdings,
	})
}

func (e *engine) buy(bar marketdata.Bar) {
	eff := bar.Close * (1 + e.slippage)
	qty := int64(math.Floor(e.cash / (eff * (1 + e.commission))))
	if qty <= 0 {
		return
	}
	cost := float64(qty) * eff
	fee := cost * e.commission
	e.cash -= cost + fee
	e.position += qty
	e.fills = append(e.fills, Fill{
		Date: bar.Date, Action: Buy, Quantity: qty,
		Price: bar.Close, EffectivePrice: eff, Commission: fee,
	})
}

func (e *engine) sell(bar marketdata.Bar) {
	qty := e.position
	eff := bar.Close * (1 - e.slippage)
	proceeds := float64(qty) * eff
	fee := proceeds * e.commission
	e.cash += proceeds - fee
	e.position = 0
	e.fills = append(e.fills, Fill{
		Date: bar.Date, Action: Sell, Quantity: qty,
		Price: bar.Close, EffectivePrice: eff, Commission: fee,
	})
}
