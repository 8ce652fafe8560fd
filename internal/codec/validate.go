package codec

import (
	"fmt"
	"math"
	"strings"
	"time"
)

const DateLayout = "2006-01-02"

// ValidationError aggregates request validation issues.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "request validation failed"
	}
	return "request validation failed: " + strings.Join(e.Issues, "; ")
}

func (e *ValidationError) Add(issue string) {
	if strings.TrimSpace(issue) == "" {
		return
	}
	e.Issues = append(e.Issues, issue)
}

func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}

// RuleChecker resolves rule types and their parameters.
type RuleChecker interface {
	// CheckRule returns issues for an unknown rule type or bad parameters.
	CheckRule(ruleType string, params map[string]float64) []string
}

var sizeTypes = map[string]bool{"value": true, "shares": true, "percent": true}

// Validate checks a normalized request. It never touches the store.
func Validate(req Request, rules RuleChecker) error {
	issues := &ValidationError{}

	switch {
	case req.Ticker == "":
		issues.Add("ticker is required")
	case strings.ContainsAny(req.Ticker, `/\`) || strings.Contains(req.Ticker, ".."):
		issues.Add("ticker must not contain path separators")
	}

	if req.RuleType == "" {
		issues.Add("rule_type is required")
	} else if rules != nil {
		for _, issue := range rules.CheckRule(req.RuleType, req.Params) {
			issues.Add(issue)
		}
	}

	start, startOK := parseDate(issues, "start_date", req.StartDate)
	end, endOK := parseDate(issues, "end_date", req.EndDate)
	if startOK && endOK && start.After(end) {
		issues.Add("start_date must be before end_date")
	}

	checkFinite(issues, "initial_capital", req.InitialCapital)
	checkFinite(issues, "fee_rate", req.FeeRate)
	checkFinite(issues, "slippage_bps", req.SlippageBps)
	checkFinite(issues, "position_size", req.PositionSize)
	if req.InitialCapital <= 0 {
		issues.Add("initial_capital must be > 0")
	}
	if req.FeeRate < 0 {
		issues.Add("fee_rate must be >= 0")
	}
	if req.SlippageBps < 0 {
		issues.Add("slippage_bps must be >= 0")
	}
	if req.PositionSize <= 0 {
		issues.Add("position_size must be > 0")
	}
	if !sizeTypes[req.SizeType] {
		issues.Add(fmt.Sprintf("invalid size_type: %s. Supported values: value, shares, percent", req.SizeType))
	}

	switch req.Direction {
	case "longonly":
	case "longshort":
		issues.Add("direction 'longshort' is not supported; only 'longonly' is available")
	default:
		issues.Add(fmt.Sprintf("invalid direction: %s. Supported values: longonly", req.Direction))
	}

	switch req.Timeframe {
	case "1d":
	case "5m", "1h":
		issues.Add(fmt.Sprintf("timeframe '%s' is not supported; only '1d' is available", req.Timeframe))
	default:
		issues.Add(fmt.Sprintf("invalid timeframe: %s. Supported values: 1d", req.Timeframe))
	}

	return issues.OrNil()
}

// DateRange returns the parsed inclusive date range of a validated request.
func (r Request) DateRange() (time.Time, time.Time, error) {
	start, err := time.Parse(DateLayout, r.StartDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start_date format: %s", r.StartDate)
	}
	end, err := time.Parse(DateLayout, r.EndDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end_date format: %s", r.EndDate)
	}
	return start, end, nil
}

func parseDate(issues *ValidationError, field, value string) (time.Time, bool) {
	if value == "" {
		issues.Add("missing required parameter: " + field)
		return time.Time{}, false
	}
	t, err := time.Parse(DateLayout, value)
	if err != nil {
		issues.Add(fmt.Sprintf("invalid %s format: %s", field, value))
		return time.Time{}, false
	}
	return t, true
}

func checkFinite(issues *ValidationError, field string, v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		issues.Add(field + " must be a finite number")
	}
}
