package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/animus-labs/backtest-orchestrator/internal/domain"
)

// NewRequest returns a request populated with every schema default. Decoding
// on top of it keeps explicit zero values (fee_rate=0) and fills absent fields.
func NewRequest() Request {
	return Request{
		Params:         map[string]float64{},
		InitialCapital: DefaultInitialCapital,
		FeeRate:        DefaultFeeRate,
		SlippageBps:    DefaultSlippageBps,
		PositionSize:   DefaultPositionSize,
		SizeType:       DefaultSizeType,
		Direction:      DefaultDirection,
		Timeframe:      DefaultTimeframe,
	}
}

// Normalize trims identifiers and applies canonical casing.
func (r Request) Normalize() Request {
	r.RunID = strings.TrimSpace(r.RunID)
	r.Ticker = strings.ToUpper(strings.TrimSuffix(strings.TrimSpace(r.Ticker), ".csv"))
	r.RuleType = strings.ToUpper(strings.TrimSpace(r.RuleType))
	r.RuleID = strings.TrimSpace(r.RuleID)
	r.StartDate = strings.TrimSpace(r.StartDate)
	r.EndDate = strings.TrimSpace(r.EndDate)
	r.SizeType = strings.ToLower(strings.TrimSpace(r.SizeType))
	r.Direction = strings.ToLower(strings.TrimSpace(r.Direction))
	r.Timeframe = strings.ToLower(strings.TrimSpace(r.Timeframe))
	if r.Params == nil {
		r.Params = map[string]float64{}
	}
	return r
}

// DefaultRuleID derives the rule id used when the caller did not supply one.
func DefaultRuleID(ruleType, runID string) string {
	short := strings.ReplaceAll(runID, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("WEB_%s_%s", strings.ToUpper(ruleType), short)
}

type wireRequest struct {
	Request
	// Strategy is the legacy name of rule_type.
	Strategy string `json:"strategy,omitempty"`
}

// DecodeRequestJSON reads a single request document from r on top of defaults.
func DecodeRequestJSON(r io.Reader) (Request, error) {
	wire := wireRequest{Request: NewRequest()}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&wire); err != nil {
		return Request{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Request{}, errors.New("multiple JSON values")
	}
	req := wire.Request
	if strings.TrimSpace(req.RuleType) == "" {
		req.RuleType = wire.Strategy
	}
	return req, nil
}

func EncodeRequest(req Request) (domain.Payload, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return domain.Payload(raw), nil
}

// DecodeRequest decodes a stored snapshot. Unknown fields are tolerated so a
// newer writer never breaks an older reader.
func DecodeRequest(payload domain.Payload) (Request, error) {
	if len(payload) == 0 {
		return Request{}, errors.New("decode request: empty payload")
	}
	req := NewRequest()
	if err := json.Unmarshal(payload, &req); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

func EncodeResult(res Result) (domain.Payload, error) {
	if res.Charts == nil {
		res.Charts = map[string]string{}
	}
	if res.EquityCurve == nil {
		res.EquityCurve = []EquityPoint{}
	}
	if res.DrawdownCurve == nil {
		res.DrawdownCurve = []DrawdownPoint{}
	}
	if res.PortfolioCurve == nil {
		res.PortfolioCurve = []PortfolioPoint{}
	}
	if res.Trades == nil {
		res.Trades = []Trade{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(res); err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return domain.Payload(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

func DecodeResult(payload domain.Payload) (Result, error) {
	if len(payload) == 0 {
		return Result{}, errors.New("decode result: empty payload")
	}
	var res Result
	if err := json.Unmarshal(payload, &res); err != nil {
		return Result{}, fmt.Errorf("decode result: %w", err)
	}
	if res.Charts == nil {
		res.Charts = map[string]string{}
	}
	return res, nil
}
