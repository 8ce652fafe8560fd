package backtest

import (
	_ "embed"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const CatalogSchemaV1 = "backtest.rules.v1"

//go:embed rules.yaml
var builtinRules []byte

type ParamSpec struct {
	Name    string   `json:"name" yaml:"name"`
	Default float64  `json:"default" yaml:"default"`
	Integer bool     `json:"integer,omitempty" yaml:"integer,omitempty"`
	Min     *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max     *float64 `json:"max,omitempty" yaml:"max,omitempty"`
}

type RuleSpec struct {
	Type        string      `json:"type" yaml:"type"`
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Params      []ParamSpec `json:"params" yaml:"params"`
}

// Catalog lists the rule types a request may name and their parameters.
type Catalog struct {
	Schema string     `yaml:"schema"`
	Rules  []RuleSpec `yaml:"rules"`

	byType map[string]RuleSpec
}

// DefaultCatalog parses the embedded catalog. It panics only if the embedded
// file is broken, which tests catch.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(builtinRules)
	if err != nil {
		panic(fmt.Sprintf("embedded rule catalog: %v", err))
	}
	return c
}

func ParseCatalog(input []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(input, &c); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if err := c.index(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) index() error {
	if strings.TrimSpace(c.Schema) != CatalogSchemaV1 {
		return fmt.Errorf("catalog.schema must be %q", CatalogSchemaV1)
	}
	if len(c.Rules) == 0 {
		return errors.New("catalog.rules must be non-empty")
	}
	c.byType = make(map[string]RuleSpec, len(c.Rules))
	for i, r := range c.Rules {
		key := strings.ToUpper(strings.TrimSpace(r.Type))
		if key == "" {
			return fmt.Errorf("catalog.rules[%d].type is required", i)
		}
		if _, dup := c.byType[key]; dup {
			return fmt.Errorf("catalog.rules[%d].type duplicated: %s", i, key)
		}
		if _, ok := signalFuncs[key]; !ok {
			return fmt.Errorf("catalog.rules[%d].type has no implementation: %s", i, key)
		}
		r.Type = key
		c.Rules[i] = r
		c.byType[key] = r
	}
	return nil
}

func (c *Catalog) Lookup(ruleType string) (RuleSpec, bool) {
	r, ok := c.byType[strings.ToUpper(strings.TrimSpace(ruleType))]
	return r, ok
}

// Types returns the known rule types in sorted order.
func (c *Catalog) Types() []string {
	out := make([]string, 0, len(c.byType))
	for k := range c.byType {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// CheckRule reports an unknown rule type, unknown parameter names and values
// outside their declared bounds.
func (c *Catalog) CheckRule(ruleType string, params map[string]float64) []string {
	spec, ok := c.Lookup(ruleType)
	if !ok {
		return []string{fmt.Sprintf("unknown rule_type %q (known: %s)", ruleType, strings.Join(c.Types(), ", "))}
	}

	var issues []string
	declared := make(map[string]ParamSpec, len(spec.Params))
	for _, p := range spec.Params {
		declared[p.Name] = p
	}
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p, ok := declared[name]
		if !ok {
			issues = append(issues, fmt.Sprintf("params.%s is not a parameter of %s", name, spec.Type))
			continue
		}
		v := params[name]
		switch {
		case math.IsNaN(v) || math.IsInf(v, 0):
			issues = append(issues, fmt.Sprintf("params.%s must be a finite number", name))
		case p.Integer && v != math.Trunc(v):
			issues = append(issues, fmt.Sprintf("params.%s must be a whole number", name))
		case p.Min != nil && v < *p.Min:
			issues = append(issues, fmt.Sprintf("params.%s must be >= %g", name, *p.Min))
		case p.Max != nil && v > *p.Max:
			issues = append(issues, fmt.Sprintf("params.%s must be <= %g", name, *p.Max))
		}
	}
	if len(issues) > 0 {
		return issues
	}

	resolved := c.resolve(spec, params)
	if lo, hi, ok := pair(resolved, "oversold", "overbought"); ok && lo >= hi {
		issues = append(issues, "params.oversold must be below params.overbought")
	}
	if lo, hi, ok := pair(resolved, "fast", "slow"); ok && lo >= hi {
		issues = append(issues, "params.fast must be below params.slow")
	}
	return issues
}

// Resolve fills unset parameters with their defaults.
func (c *Catalog) Resolve(ruleType string, params map[string]float64) (map[string]float64, error) {
	spec, ok := c.Lookup(ruleType)
	if !ok {
		return nil, fmt.Errorf("unknown rule_type %q", ruleType)
	}
	return c.resolve(spec, params), nil
}

func (c *Catalog) resolve(spec RuleSpec, params map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(spec.Params))
	for _, p := range spec.Params {
		if v, ok := params[p.Name]; ok {
			out[p.Name] = v
			continue
		}
		out[p.Name] = p.Default
	}
	return out
}

func pair(params map[string]float64, a, b string) (float64, float64, bool) {
	x, okA := params[a]
	y, okB := params[b]
	return x, y, okA && okB
}
