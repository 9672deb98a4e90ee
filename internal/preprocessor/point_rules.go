package preprocessor

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/szibis/telemetry-proxy/internal/entity"
)

const (
	scopeMetricName = "metricName"
	scopeSourceName = "sourceName"
)

func compilePointRule(handle string, rc RuleConfig) (PointRule, error) {
	metrics := NewRuleMetrics(handle, rc.Rule)
	switch rc.Action {
	case "addTag", "addTagIfNotExists":
		if rc.Key == "" {
			return nil, fmt.Errorf("[key] can't be blank")
		}
		if rc.Value == "" {
			return nil, fmt.Errorf("[value] can't be blank")
		}
		return &pointAddTag{key: rc.Key, value: rc.Value,
			ifNotExists: rc.Action == "addTagIfNotExists", metrics: metrics}, nil

	case "dropTag":
		keyRe, err := compileRegex(rc.Key, "key")
		if err != nil {
			return nil, err
		}
		valueRe, err := compileOptionalRegex(rc.Match, "match")
		if err != nil {
			return nil, err
		}
		return &pointDropTag{key: keyRe, value: valueRe, metrics: metrics}, nil

	case "renameTag":
		if rc.Key == "" {
			return nil, fmt.Errorf("[key] can't be blank")
		}
		if rc.NewKey == "" {
			return nil, fmt.Errorf("[newkey] can't be blank")
		}
		valueRe, err := compileOptionalRegex(rc.Match, "match")
		if err != nil {
			return nil, err
		}
		return &pointRenameTag{key: rc.Key, newKey: rc.NewKey, value: valueRe, metrics: metrics}, nil

	case "extractTag":
		if rc.Key == "" {
			return nil, fmt.Errorf("[key] can't be blank")
		}
		if rc.Input == "" {
			return nil, fmt.Errorf("[input] can't be blank")
		}
		searchRe, err := compileRegex(rc.Search, "search")
		if err != nil {
			return nil, err
		}
		matchRe, err := compileOptionalRegex(rc.Match, "match")
		if err != nil {
			return nil, err
		}
		if rc.Replace == "" {
			return nil, fmt.Errorf("[replace] can't be blank")
		}
		return &pointExtractTag{key: rc.Key, input: rc.Input, search: searchRe,
			replace: rc.Replace, replaceInput: rc.ReplaceInput, match: matchRe,
			metrics: metrics}, nil

	case "limitLength":
		if rc.Scope == "" {
			return nil, fmt.Errorf("[scope] can't be blank")
		}
		if rc.MaxLength <= 0 {
			return nil, fmt.Errorf("[maxLength] must be positive")
		}
		action := rc.LengthAction
		if action == "" {
			action = ActionTruncate
		}
		if action == ActionDrop && (rc.Scope == scopeMetricName || rc.Scope == scopeSourceName) {
			return nil, fmt.Errorf("DROP action can't be applied to %s", rc.Scope)
		}
		if action == ActionTruncateWithEllipsis && rc.MaxLength < 3 {
			return nil, fmt.Errorf("[maxLength] must be at least 3 for TRUNCATE_WITH_ELLIPSIS")
		}
		matchRe, err := compileOptionalRegex(rc.Match, "match")
		if err != nil {
			return nil, err
		}
		return &pointLimitLength{scope: rc.Scope, maxLength: rc.MaxLength,
			action: action, match: matchRe, metrics: metrics}, nil

	case "forceLowercase":
		if rc.Scope == "" {
			return nil, fmt.Errorf("[scope] can't be blank")
		}
		matchRe, err := compileOptionalRegex(rc.Match, "match")
		if err != nil {
			return nil, err
		}
		return &pointForceLowercase{scope: rc.Scope, match: matchRe, metrics: metrics}, nil

	case "replaceRegex":
		if rc.Scope == "" {
			return nil, fmt.Errorf("[scope] can't be blank")
		}
		searchRe, err := compileRegex(rc.Search, "search")
		if err != nil {
			return nil, err
		}
		matchRe, err := compileOptionalRegex(rc.Match, "match")
		if err != nil {
			return nil, err
		}
		return &pointReplaceRegex{scope: rc.Scope, search: searchRe,
			replace: rc.Replace, match: matchRe, metrics: metrics}, nil

	default:
		return nil, fmt.Errorf("unknown point rule action: %s", rc.Action)
	}
}

// pointAddTag overwrites (or conditionally sets) tag key=value with
// placeholder expansion of value.
type pointAddTag struct {
	key         string
	value       string
	ifNotExists bool
	metrics     *RuleMetrics
}

func (r *pointAddTag) Apply(p *entity.Point) {
	start := r.metrics.Start()
	defer r.metrics.End(start)
	if r.ifNotExists {
		if _, ok := p.Annotations[r.key]; ok {
			return
		}
	}
	if p.Annotations == nil {
		p.Annotations = make(map[string]string)
	}
	p.Annotations[r.key] = expandPoint(r.value, p)
	r.metrics.Applied()
}

// pointDropTag removes tags whose key matches the key regex and,
// when a value regex is configured, whose value matches it too.
type pointDropTag struct {
	key     *regexp.Regexp
	value   *regexp.Regexp
	metrics *RuleMetrics
}

func (r *pointDropTag) Apply(p *entity.Point) {
	start := r.metrics.Start()
	defer r.metrics.End(start)
	for k, v := range p.Annotations {
		if !r.key.MatchString(k) {
			continue
		}
		if r.value != nil && !r.value.MatchString(v) {
			continue
		}
		delete(p.Annotations, k)
		r.metrics.Applied()
	}
}

// pointRenameTag renames key to newKey, optionally gated on a value regex.
type pointRenameTag struct {
	key     string
	newKey  string
	value   *regexp.Regexp
	metrics *RuleMetrics
}

func (r *pointRenameTag) Apply(p *entity.Point) {
	start := r.metrics.Start()
	defer r.metrics.End(start)
	v, ok := p.Annotations[r.key]
	if !ok {
		return
	}
	if r.value != nil && !r.value.MatchString(v) {
		return
	}
	delete(p.Annotations, r.key)
	p.Annotations[r.newKey] = v
	r.metrics.Applied()
}

// pointExtractTag creates a tag by extracting a regex group from the
// metric name, source name, or another tag; optionally rewrites the
// source input afterwards.
type pointExtractTag struct {
	key          string
	input        string
	search       *regexp.Regexp
	replace      string
	replaceInput string
	match        *regexp.Regexp
	metrics      *RuleMetrics
}

func (r *pointExtractTag) extract(p *entity.Point, from string) bool {
	if from == "" || (r.match != nil && !r.match.MatchString(from)) {
		return false
	}
	loc := r.search.FindStringSubmatchIndex(from)
	if loc == nil {
		return false
	}
	value := string(r.search.ExpandString(nil, expandPoint(r.replace, p), from, loc))
	if value != "" {
		if p.Annotations == nil {
			p.Annotations = make(map[string]string)
		}
		p.Annotations[r.key] = value
		r.metrics.Applied()
	}
	return true
}

func (r *pointExtractTag) Apply(p *entity.Point) {
	start := r.metrics.Start()
	defer r.metrics.End(start)
	switch r.input {
	case scopeMetricName:
		if r.extract(p, p.Metric) && r.replaceInput != "" {
			p.Metric = r.search.ReplaceAllString(p.Metric, expandPoint(r.replaceInput, p))
		}
	case scopeSourceName:
		if r.extract(p, p.Source) && r.replaceInput != "" {
			p.Source = r.search.ReplaceAllString(p.Source, expandPoint(r.replaceInput, p))
		}
	default:
		v, ok := p.Annotations[r.input]
		if !ok {
			return
		}
		if r.extract(p, v) && r.replaceInput != "" {
			p.Annotations[r.input] = r.search.ReplaceAllString(v, expandPoint(r.replaceInput, p))
		}
	}
}

// pointLimitLength enforces a length ceiling on a field.
type pointLimitLength struct {
	scope     string
	maxLength int
	action    LengthAction
	match     *regexp.Regexp
	metrics   *RuleMetrics
}

func (r *pointLimitLength) trim(s string) (string, bool) {
	if len(s) <= r.maxLength {
		return s, false
	}
	if r.action == ActionTruncateWithEllipsis {
		return s[:r.maxLength-3] + "...", true
	}
	return s[:r.maxLength], true
}

func (r *pointLimitLength) Apply(p *entity.Point) {
	start := r.metrics.Start()
	defer r.metrics.End(start)
	switch r.scope {
	case scopeMetricName:
		if r.match != nil && !r.match.MatchString(p.Metric) {
			return
		}
		if v, changed := r.trim(p.Metric); changed {
			p.Metric = v
			r.metrics.Applied()
		}
	case scopeSourceName:
		if r.match != nil && !r.match.MatchString(p.Source) {
			return
		}
		if v, changed := r.trim(p.Source); changed {
			p.Source = v
			r.metrics.Applied()
		}
	default:
		v, ok := p.Annotations[r.scope]
		if !ok || len(v) <= r.maxLength {
			return
		}
		if r.match != nil && !r.match.MatchString(v) {
			return
		}
		if r.action == ActionDrop {
			delete(p.Annotations, r.scope)
		} else {
			trimmed, _ := r.trim(v)
			p.Annotations[r.scope] = trimmed
		}
		r.metrics.Applied()
	}
}

// pointForceLowercase lowercases a field, optionally gated on a regex.
type pointForceLowercase struct {
	scope   string
	match   *regexp.Regexp
	metrics *RuleMetrics
}

func (r *pointForceLowercase) Apply(p *entity.Point) {
	start := r.metrics.Start()
	defer r.metrics.End(start)
	apply := func(s string) (string, bool) {
		if r.match != nil && !r.match.MatchString(s) {
			return s, false
		}
		lower := strings.ToLower(s)
		return lower, lower != s
	}
	switch r.scope {
	case scopeMetricName:
		if v, changed := apply(p.Metric); changed {
			p.Metric = v
			r.metrics.Applied()
		}
	case scopeSourceName:
		if v, changed := apply(p.Source); changed {
			p.Source = v
			r.metrics.Applied()
		}
	default:
		if v, ok := p.Annotations[r.scope]; ok {
			if lower, changed := apply(v); changed {
				p.Annotations[r.scope] = lower
				r.metrics.Applied()
			}
		}
	}
}

// pointReplaceRegex replaces search matches in a field with the
// (placeholder-expanded) replacement.
type pointReplaceRegex struct {
	scope   string
	search  *regexp.Regexp
	replace string
	match   *regexp.Regexp
	metrics *RuleMetrics
}

func (r *pointReplaceRegex) Apply(p *entity.Point) {
	start := r.metrics.Start()
	defer r.metrics.End(start)
	apply := func(s string) (string, bool) {
		if r.match != nil && !r.match.MatchString(s) {
			return s, false
		}
		out := r.search.ReplaceAllString(s, expandPoint(r.replace, p))
		return out, out != s
	}
	switch r.scope {
	case scopeMetricName:
		if v, changed := apply(p.Metric); changed {
			p.Metric = v
			r.metrics.Applied()
		}
	case scopeSourceName:
		if v, changed := apply(p.Source); changed {
			p.Source = v
			r.metrics.Applied()
		}
	default:
		if v, ok := p.Annotations[r.scope]; ok {
			if out, changed := apply(v); changed {
				p.Annotations[r.scope] = out
				r.metrics.Applied()
			}
		}
	}
}
