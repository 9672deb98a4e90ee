// Package preprocessor is the rule engine that mutates points and spans
// between decoding and the handler. Rules are pure mutators applied in
// configuration order; rejection stays the handler's job.
package preprocessor

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/szibis/telemetry-proxy/internal/entity"
)

var (
	ruleAppliedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_proxy_preprocessor_rule_applied_total",
		Help: "Total number of times each preprocessor rule mutated an item",
	}, []string{"handle", "rule"})

	ruleCPUNanosTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_proxy_preprocessor_rule_cpu_nanos_total",
		Help: "Total CPU nanoseconds spent in each preprocessor rule",
	}, []string{"handle", "rule"})
)

func init() {
	prometheus.MustRegister(ruleAppliedTotal)
	prometheus.MustRegister(ruleCPUNanosTotal)
}

// RuleMetrics is the per-rule counter pair handed to every rule.
type RuleMetrics struct {
	applied  prometheus.Counter
	cpuNanos prometheus.Counter
}

// NewRuleMetrics creates the counter pair for one named rule.
func NewRuleMetrics(handle, rule string) *RuleMetrics {
	return &RuleMetrics{
		applied:  ruleAppliedTotal.WithLabelValues(handle, rule),
		cpuNanos: ruleCPUNanosTotal.WithLabelValues(handle, rule),
	}
}

// Start marks the beginning of a rule application.
func (m *RuleMetrics) Start() time.Time {
	return time.Now()
}

// End records elapsed CPU time for a rule application.
func (m *RuleMetrics) End(start time.Time) {
	m.cpuNanos.Add(float64(time.Since(start).Nanoseconds()))
}

// Applied increments the rule-applied counter.
func (m *RuleMetrics) Applied() {
	m.applied.Inc()
}

// PointRule mutates a point in place.
type PointRule interface {
	Apply(p *entity.Point)
}

// SpanRule mutates a span in place.
type SpanRule interface {
	Apply(s *entity.Span)
}

// Preprocessor is an ordered rule chain for a single handle.
type Preprocessor struct {
	pointRules []PointRule
	spanRules  []SpanRule
}

// PreprocessPoint runs all point rules in order.
func (pp *Preprocessor) PreprocessPoint(p *entity.Point) {
	for _, r := range pp.pointRules {
		r.Apply(p)
	}
}

// PreprocessSpan runs all span rules in order.
func (pp *Preprocessor) PreprocessSpan(s *entity.Span) {
	for _, r := range pp.spanRules {
		r.Apply(s)
	}
}

// PointRuleCount returns the number of configured point rules.
func (pp *Preprocessor) PointRuleCount() int { return len(pp.pointRules) }

// SpanRuleCount returns the number of configured span rules.
func (pp *Preprocessor) SpanRuleCount() int { return len(pp.spanRules) }

// LengthAction is what limitLength does when the field is too long.
type LengthAction string

const (
	ActionTruncate             LengthAction = "TRUNCATE"
	ActionTruncateWithEllipsis LengthAction = "TRUNCATE_WITH_ELLIPSIS"
	ActionDrop                 LengthAction = "DROP"
)

// RuleConfig is one rule as it appears in the YAML file.
type RuleConfig struct {
	Rule           string       `yaml:"rule"`
	Action         string       `yaml:"action"`
	Key            string       `yaml:"key"`
	Value          string       `yaml:"value"`
	NewKey         string       `yaml:"newkey"`
	Input          string       `yaml:"input"`
	Scope          string       `yaml:"scope"`
	Search         string       `yaml:"search"`
	Replace        string       `yaml:"replace"`
	ReplaceInput   string       `yaml:"replaceInput"`
	Match          string       `yaml:"match"`
	MaxLength      int          `yaml:"maxLength"`
	LengthAction   LengthAction `yaml:"actionSubtype"`
	FirstMatchOnly bool         `yaml:"firstMatchOnly"`
}

// FileConfig is the top-level structure of a preprocessor rule file:
// rules keyed by handle, split by entity kind.
type FileConfig struct {
	Rules map[string]HandleRules `yaml:"rules"`
}

// HandleRules holds the rule chains for one handle.
type HandleRules struct {
	Points []RuleConfig `yaml:"points"`
	Spans  []RuleConfig `yaml:"spans"`
}

// LoadFile loads preprocessor configs from a YAML file and compiles
// one Preprocessor per handle. Malformed rules fail the load.
func LoadFile(path string) (map[string]*Preprocessor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("preprocessor: read config: %w", err)
	}
	return Parse(data)
}

// Parse parses and compiles preprocessor configs from YAML bytes.
func Parse(data []byte) (map[string]*Preprocessor, error) {
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("preprocessor: parse config: %w", err)
	}
	out := make(map[string]*Preprocessor, len(fc.Rules))
	for handle, hr := range fc.Rules {
		pp := &Preprocessor{}
		for i, rc := range hr.Points {
			r, err := compilePointRule(handle, rc)
			if err != nil {
				return nil, fmt.Errorf("preprocessor: handle %s point rule %d (%s): %w", handle, i, rc.Rule, err)
			}
			pp.pointRules = append(pp.pointRules, r)
		}
		for i, rc := range hr.Spans {
			r, err := compileSpanRule(handle, rc)
			if err != nil {
				return nil, fmt.Errorf("preprocessor: handle %s span rule %d (%s): %w", handle, i, rc.Rule, err)
			}
			pp.spanRules = append(pp.spanRules, r)
		}
		out[handle] = pp
	}
	return out, nil
}

func compileRegex(expr, field string) (*regexp.Regexp, error) {
	if expr == "" {
		return nil, fmt.Errorf("[%s] can't be blank", field)
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("[%s] invalid regex %q: %w", field, expr, err)
	}
	return re, nil
}

func compileOptionalRegex(expr, field string) (*regexp.Regexp, error) {
	if expr == "" {
		return nil, nil
	}
	return compileRegex(expr, field)
}
