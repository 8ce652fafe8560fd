package codec

// Request is the frozen submission schema. New fields must carry defaults so
// older snapshots keep decoding to the same request.
type Request struct {
	RunID          string             `json:"run_id,omitempty"`
	Ticker         string             `json:"ticker"`
	RuleType       string             `json:"rule_type"`
	Params         map[string]float64 `json:"params"`
	RuleID         string             `json:"rule_id,omitempty"`
	StartDate      string             `json:"start_date"`
	EndDate        string             `json:"end_date"`
	InitialCapital float64            `json:"initial_capital"`
	FeeRate        float64            `json:"fee_rate"`
	SlippageBps    float64            `json:"slippage_bps"`
	PositionSize   float64            `json:"position_size"`
	SizeType       string             `json:"size_type"`
	Direction      string             `json:"direction"`
	Timeframe      string             `json:"timeframe"`
}

const (
	DefaultInitialCapital = 100000.0
	DefaultFeeRate        = 0.001
	DefaultSlippageBps    = 0.0
	DefaultPositionSize   = 10000.0
	DefaultSizeType       = "value"
	DefaultDirection      = "longonly"
	DefaultTimeframe      = "1d"
)

// ResultStatus values of the frozen result schema.
const (
	ResultCompleted = "completed"
	ResultFailed    = "failed"
)

// Result is the frozen response schema produced by a worker.
type Result struct {
	RunID          string            `json:"run_id"`
	Status         string            `json:"status"`
	ErrorMessage   *string           `json:"error_message"`
	Metrics        Metrics           `json:"metrics"`
	EquityCurve    []EquityPoint     `json:"equity_curve"`
	DrawdownCurve  []DrawdownPoint   `json:"drawdown_curve"`
	PortfolioCurve []PortfolioPoint  `json:"portfolio_curve"`
	Trades         []Trade           `json:"trades"`
	Charts         map[string]string `json:"charts"`
}

type Metrics struct {
	TotalReturnPct float64 `json:"total_return_pct"`
	SharpeRatio    float64 `json:"sharpe_ratio"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	NumTrades      int     `json:"num_trades"`
	Ticker         string  `json:"ticker"`
	InitialCapital float64 `json:"initial_capital"`
	FinalValue     float64 `json:"final_value"`
	WinRate        float64 `json:"win_rate"`
	SortinoRatio   float64 `json:"sortino_ratio"`
	CalmarRatio    float64 `json:"calmar_ratio"`
	ProfitFactor   float64 `json:"profit_factor"`
}

type EquityPoint struct {
	Date   string  `json:"date"`
	Equity float64 `json:"equity"`
}

// DrawdownPoint values are never positive: 0 at a new peak.
type DrawdownPoint struct {
	Date        string  `json:"date"`
	DrawdownPct float64 `json:"drawdown_pct"`
}

type PortfolioPoint struct {
	Date     string  `json:"date"`
	Cash     float64 `json:"cash"`
	Position float64 `json:"position"`
	Total    float64 `json:"total"`
}

// Trade is one completed round trip (entry and exit).
type Trade struct {
	TradeNo        int     `json:"trade_no"`
	Side           string  `json:"side"`
	Size           int64   `json:"size"`
	EntryTimestamp string  `json:"entry_timestamp"`
	EntryPrice     float64 `json:"entry_price"`
	EntryFees      float64 `json:"entry_fees"`
	ExitTimestamp  string  `json:"exit_timestamp"`
	ExitPrice      float64 `json:"exit_price"`
	ExitFees       float64 `json:"exit_fees"`
	PnLAbs         float64 `json:"pnl_abs"`
	PnLPct         float64 `json:"pnl_pct"`
	HoldingPeriod  float64 `json:"holding_period"`
}
