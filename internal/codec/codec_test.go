package codec

import (
	"errors"
	"strings"
	"testing"
)

type fakeRules struct{}

func (fakeRules) CheckRule(ruleType string, params map[string]float64) []string {
	if ruleType != "RSI" {
		return []string{"unknown rule_type: " + ruleType}
	}
	return nil
}

func validRequest() Request {
	req := NewRequest()
	req.Ticker = "AAPL"
	req.RuleType = "RSI"
	req.Params = map[string]float64{"period": 14, "oversold": 30, "overbought": 70}
	req.StartDate = "2020-01-01"
	req.EndDate = "2020-06-01"
	return req
}

func TestDecodeRequestJSONAppliesDefaults(t *testing.T) {
	body := `{"ticker":"aapl.csv","rule_type":"rsi","params":{"period":14},"start_date":"2020-01-01","end_date":"2020-06-01","fee_rate":0}`
	req, err := DecodeRequestJSON(strings.NewReader(body))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	req = req.Normalize()
	if req.Ticker != "AAPL" || req.RuleType != "RSI" {
		t.Fatalf("normalize: ticker=%q rule=%q", req.Ticker, req.RuleType)
	}
	if req.FeeRate != 0 {
		t.Fatalf("explicit fee_rate=0 must be kept, got %v", req.FeeRate)
	}
	if req.InitialCapital != DefaultInitialCapital || req.PositionSize != DefaultPositionSize {
		t.Fatalf("defaults not applied: %+v", req)
	}
	if req.SizeType != "value" || req.Direction != "longonly" || req.Timeframe != "1d" {
		t.Fatalf("string defaults not applied: %+v", req)
	}
}

func TestDecodeRequestJSONLegacyStrategyKey(t *testing.T) {
	body := `{"ticker":"AAPL","strategy":"MACD","start_date":"2020-01-01","end_date":"2020-02-01"}`
	req, err := DecodeRequestJSON(strings.NewReader(body))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.RuleType != "MACD" {
		t.Fatalf("expected strategy alias, got %q", req.RuleType)
	}
}

func TestDecodeRequestJSONRejectsUnknownAndTrailing(t *testing.T) {
	if _, err := DecodeRequestJSON(strings.NewReader(`{"ticker":"AAPL","bogus":1}`)); err == nil {
		t.Fatalf("expected unknown field error")
	}
	if _, err := DecodeRequestJSON(strings.NewReader(`{"ticker":"AAPL"}{}`)); err == nil {
		t.Fatalf("expected multiple values error")
	}
	if _, err := DecodeRequestJSON(strings.NewReader(`{"params":{"period":"fourteen"}}`)); err == nil {
		t.Fatalf("expected non-numeric param error")
	}
}

func TestRequestSnapshotRoundTripIsStable(t *testing.T) {
	req := validRequest()
	req.RunID = "6f1c1d4e-8a4b-4b5e-9d2a-3f0c2b1a9e77"
	first, err := EncodeRequest(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeRequest(first)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	second, err := EncodeRequest(decoded)
	if err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf("snapshot not stable:\n%s\n%s", first, second)
	}
}

func TestDecodeRequestFillsFieldsMissingFromOldSnapshots(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"ticker":"AAPL","rule_type":"RSI","start_date":"2020-01-01","end_date":"2020-02-01"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.Timeframe != DefaultTimeframe || req.FeeRate != DefaultFeeRate {
		t.Fatalf("expected defaults for absent fields: %+v", req)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Request)
		issue  string
	}{
		{name: "valid"},
		{name: "inverted range", mutate: func(r *Request) { r.StartDate, r.EndDate = "2020-06-01", "2020-01-01" }, issue: "start_date must be before end_date"},
		{name: "missing start", mutate: func(r *Request) { r.StartDate = "" }, issue: "missing required parameter: start_date"},
		{name: "bad end", mutate: func(r *Request) { r.EndDate = "06/01/2020" }, issue: "invalid end_date format"},
		{name: "missing ticker", mutate: func(r *Request) { r.Ticker = "" }, issue: "ticker is required"},
		{name: "path ticker", mutate: func(r *Request) { r.Ticker = "../etc/passwd" }, issue: "path separators"},
		{name: "unknown rule", mutate: func(r *Request) { r.RuleType = "BOLLINGER" }, issue: "unknown rule_type"},
		{name: "negative fee", mutate: func(r *Request) { r.FeeRate = -0.1 }, issue: "fee_rate must be >= 0"},
		{name: "negative slippage", mutate: func(r *Request) { r.SlippageBps = -1 }, issue: "slippage_bps must be >= 0"},
		{name: "zero position", mutate: func(r *Request) { r.PositionSize = 0 }, issue: "position_size must be > 0"},
		{name: "zero capital", mutate: func(r *Request) { r.InitialCapital = 0 }, issue: "initial_capital must be > 0"},
		{name: "longshort", mutate: func(r *Request) { r.Direction = "longshort" }, issue: "not supported"},
		{name: "intraday", mutate: func(r *Request) { r.Timeframe = "1h" }, issue: "timeframe '1h' is not supported"},
		{name: "bad size type", mutate: func(r *Request) { r.SizeType = "lots" }, issue: "invalid size_type"},
	}
	for _, tt := range tests {
		req := validRequest()
		if tt.mutate != nil {
			tt.mutate(&req)
		}
		err := Validate(req, fakeRules{})
		if tt.issue == "" {
			if err != nil {
				t.Fatalf("%s: unexpected error %v", tt.name, err)
			}
			continue
		}
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("%s: expected ValidationError, got %v", tt.name, err)
		}
		if !strings.Contains(verr.Error(), tt.issue) {
			t.Fatalf("%s: expected issue %q in %q", tt.name, tt.issue, verr.Error())
		}
	}
}

func TestValidateAggregatesIssues(t *testing.T) {
	req := validRequest()
	req.Ticker = ""
	req.FeeRate = -1
	req.StartDate = ""
	err := Validate(req, fakeRules{})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(verr.Issues) != 3 {
		t.Fatalf("expected 3 issues, got %v", verr.Issues)
	}
}

func TestEncodeResultFillsEmptyCollections(t *testing.T) {
	payload, err := EncodeResult(Result{RunID: "r", Status: ResultCompleted})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for _, want := range []string{`"charts":{}`, `"trades":[]`, `"equity_curve":[]`, `"error_message":null`} {
		if !strings.Contains(string(payload), want) {
			t.Fatalf("expected %s in %s", want, payload)
		}
	}
	res, err := DecodeResult(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Status != ResultCompleted || res.Metrics.NumTrades != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestDefaultRuleID(t *testing.T) {
	if got := DefaultRuleID("rsi", "6f1c1d4e-8a4b-4b5e-9d2a-3f0c2b1a9e77"); got != "WEB_RSI_6f1c1d4e" {
		t.Fatalf("DefaultRuleID()=%q", got)
	}
}
