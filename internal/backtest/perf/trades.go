package perf

import (
	"time"

	"github.com/animus-labs/backtest-orchestrator/internal/backtest"
	"github.com/animus-labs/backtest-orchestrator/internal/codec"
)

// roundTrip groups every buy since the book was last flat with the sell that
// closed it. Entry prices are quantity-weighted.
type roundTrip struct {
	entryDate      time.Time
	exitDate       time.Time
	size           int64
	entryPrice     float64
	entryEffective float64
	entryFees      float64
	exitPrice      float64
	exitEffective  float64
	exitFees       float64
}

func roundTrips(fills []backtest.Fill) []roundTrip {
	var (
		out  []roundTrip
		open *roundTrip
		qty  int64
	)
	for _, f := range fills {
		switch f.Action {
		case backtest.Buy:
			if open == nil {
				open = &roundTrip{entryDate: f.Date}
			}
			total := float64(qty + f.Quantity)
			open.entryPrice = (open.entryPrice*float64(qty) + f.Price*float64(f.Quantity)) / total
			open.entryEffective = (open.entryEffective*float64(qty) + f.EffectivePrice*float64(f.Quantity)) / total
			open.entryFees += f.Commission
			qty += f.Quantity
		case backtest.Sell:
			if open == nil {
				continue
			}
			open.exitDate = f.Date
			open.size = f.Quantity
			open.exitPrice = f.Price
			open.exitEffective = f.EffectivePrice
			open.exitFees = f.Commission
			out = append(out, *open)
			open, qty = nil, 0
		}
	}
	return out
}

// winStats scores trips on effective prices, before fees.
func winStats(trips []roundTrip) (winRate, profitFactor float64) {
	if len(trips) == 0 {
		return 0, 0
	}
	var wins, grossWin, grossLoss float64
	for _, t := range trips {
		profit := (t.exitEffective - t.entryEffective) * float64(t.size)
		if profit > 0 {
			wins++
			grossWin += profit
		} else {
			grossLoss -= profit
		}
	}
	winRate = wins / float64(len(trips)) * 100
	if grossLoss > 0 {
		profitFactor = grossWin / grossLoss
	}
	return winRate, profitFactor
}

func trades(trips []roundTrip) []codec.Trade {
	out := make([]codec.Trade, len(trips))
	for i, t := range trips {
		size := float64(t.size)
		pnl := (t.exitPrice-t.entryPrice)*size - t.entryFees - t.exitFees
		var pnlPct float64
		if cost := t.entryPrice * size; cost > 0 {
			pnlPct = pnl / cost * 100
		}
		out[i] = codec.Trade{
			TradeNo:        i,
			Side:           "BUY",
			Size:           t.size,
			EntryTimestamp: closeStamp(t.entryDate),
			EntryPrice:     round(t.entryPrice, 2),
			EntryFees:      round(t.entryFees, 2),
			ExitTimestamp:  closeStamp(t.exitDate),
			ExitPrice:      round(t.exitPrice, 2),
			ExitFees:       round(t.exitFees, 2),
			PnLAbs:         round(pnl, 2),
			PnLPct:         round(pnlPct, 2),
			HoldingPeriod:  round(t.exitDate.Sub(t.entryDate).Hours()/24, 1),
		}
	}
	return out
}
