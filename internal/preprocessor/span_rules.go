package preprocessor

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/szibis/telemetry-proxy/internal/entity"
)

const scopeSpanName = "spanName"

func compileSpanRule(handle string, rc RuleConfig) (SpanRule, error) {
	metrics := NewRuleMetrics(handle, rc.Rule)
	switch rc.Action {
	case "spanAddTag", "spanAddTagIfNotExists":
		if rc.Key == "" {
			return nil, fmt.Errorf("[key] can't be blank")
		}
		if rc.Value == "" {
			return nil, fmt.Errorf("[value] can't be blank")
		}
		return &spanAddTag{key: rc.Key, value: rc.Value,
			ifNotExists: rc.Action == "spanAddTagIfNotExists", metrics: metrics}, nil

	case "spanDropTag":
		keyRe, err := compileRegex(rc.Key, "key")
		if err != nil {
			return nil, err
		}
		valueRe, err := compileOptionalRegex(rc.Match, "match")
		if err != nil {
			return nil, err
		}
		return &spanDropTag{key: keyRe, value: valueRe,
			firstMatchOnly: rc.FirstMatchOnly, metrics: metrics}, nil

	case "spanRenameTag":
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
		return &spanRenameTag{key: rc.Key, newKey: rc.NewKey, value: valueRe,
			firstMatchOnly: rc.FirstMatchOnly, metrics: metrics}, nil

	case "spanExtractTag":
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
		return &spanExtractTag{key: rc.Key, input: rc.Input, search: searchRe,
			replace: rc.Replace, replaceInput: rc.ReplaceInput, match: matchRe,
			firstMatchOnly: rc.FirstMatchOnly, metrics: metrics}, nil

	case "spanLimitLength":
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
		if action == ActionDrop && (rc.Scope == scopeSpanName || rc.Scope == scopeSourceName) {
			return nil, fmt.Errorf("DROP action can't be applied to %s", rc.Scope)
		}
		if action == ActionTruncateWithEllipsis && rc.MaxLength < 3 {
			return nil, fmt.Errorf("[maxLength] must be at least 3 for TRUNCATE_WITH_ELLIPSIS")
		}
		matchRe, err := compileOptionalRegex(rc.Match, "match")
		if err != nil {
			return nil, err
		}
		return &spanLimitLength{scope: rc.Scope, maxLength: rc.MaxLength,
			action: action, match: matchRe, firstMatchOnly: rc.FirstMatchOnly,
			metrics: metrics}, nil

	case "spanForceLowercase":
		if rc.Scope == "" {
			return nil, fmt.Errorf("[scope] can't be blank")
		}
		matchRe, err := compileOptionalRegex(rc.Match, "match")
		if err != nil {
			return nil, err
		}
		return &spanForceLowercase{scope: rc.Scope, match: matchRe,
			firstMatchOnly: rc.FirstMatchOnly, metrics: metrics}, nil

	case "spanReplaceRegex":
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
		return &spanReplaceRegex{scope: rc.Scope, search: searchRe,
			replace: rc.Replace, match: matchRe, firstMatchOnly: rc.FirstMatchOnly,
			metrics: metrics}, nil

	default:
		return nil, fmt.Errorf("unknown span rule action: %s", rc.Action)
	}
}

// spanAddTag appends an annotation (or sets it only when absent).
// Span annotations are ordered and may repeat, so addTag appends.
type spanAddTag struct {
	key         string
	value       string
	ifNotExists bool
	metrics     *RuleMetrics
}

func (r *spanAddTag) Apply(s *entity.Span) {
	start := r.metrics.Start()
	defer r.metrics.End(start)
	if r.ifNotExists {
		for _, a := range s.Annotations {
			if a.Key == r.key {
				return
			}
		}
	}
	s.Annotations = append(s.Annotations, entity.Annotation{
		Key:   r.key,
		Value: expandSpan(r.value, s),
	})
	r.metrics.Applied()
}

// spanDropTag removes matching annotations; with firstMatchOnly only
// the first match goes.
type spanDropTag struct {
	key            *regexp.Regexp
	value          *regexp.Regexp
	firstMatchOnly bool
	metrics        *RuleMetrics
}

func (r *spanDropTag) Apply(s *entity.Span) {
	start := r.metrics.Start()
	defer r.metrics.End(start)
	kept := s.Annotations[:0]
	dropped := false
	for i, a := range s.Annotations {
		match := r.key.MatchString(a.Key) && (r.value == nil || r.value.MatchString(a.Value))
		if match && !(r.firstMatchOnly && dropped) {
			dropped = true
			r.metrics.Applied()
			continue
		}
		kept = append(kept, s.Annotations[i])
	}
	s.Annotations = kept
}

// spanRenameTag renames annotation keys, optionally gated on a value regex.
type spanRenameTag struct {
	key            string
	newKey         string
	value          *regexp.Regexp
	firstMatchOnly bool
	metrics        *RuleMetrics
}

func (r *spanRenameTag) Apply(s *entity.Span) {
	start := r.metrics.Start()
	defer r.metrics.End(start)
	for i := range s.Annotations {
		a := &s.Annotations[i]
		if a.Key != r.key {
			continue
		}
		if r.value != nil && !r.value.MatchString(a.Value) {
			continue
		}
		a.Key = r.newKey
		r.metrics.Applied()
		if r.firstMatchOnly {
			return
		}
	}
}

// spanExtractTag creates an annotation by extracting from the span
// name, source name, or another annotation. When the input is an
// annotation key and firstMatchOnly is set, only the first matching
// annotation is rewritten.
type spanExtractTag struct {
	key            string
	input          string
	search         *regexp.Regexp
	replace        string
	replaceInput   string
	match          *regexp.Regexp
	firstMatchOnly bool
	metrics        *RuleMetrics
}

func (r *spanExtractTag) extract(s *entity.Span, from string) bool {
	if from == "" || (r.match != nil && !r.match.MatchString(from)) {
		return false
	}
	if !r.search.MatchString(from) {
		return false
	}
	value := r.search.ReplaceAllString(from, expandSpan(r.replace, s))
	if value != "" {
		s.Annotations = append(s.Annotations, entity.Annotation{Key: r.key, Value: value})
		r.metrics.Applied()
	}
	return true
}

func (r *spanExtractTag) Apply(s *entity.Span) {
	start := r.metrics.Start()
	defer r.metrics.End(start)
	switch r.input {
	case scopeSpanName:
		if r.extract(s, s.Name) && r.replaceInput != "" {
			s.Name = r.search.ReplaceAllString(s.Name, expandSpan(r.replaceInput, s))
		}
	case scopeSourceName:
		if r.extract(s, s.Source) && r.replaceInput != "" {
			s.Source = r.search.ReplaceAllString(s.Source, expandSpan(r.replaceInput, s))
		}
	default:
		for i := range s.Annotations {
			a := &s.Annotations[i]
			if a.Key != r.input {
				continue
			}
			if r.extract(s, a.Value) {
				if r.replaceInput != "" {
					s.Annotations[i].Value = r.search.ReplaceAllString(a.Value, expandSpan(r.replaceInput, s))
				}
				if r.firstMatchOnly {
					return
				}
			}
		}
	}
}

// spanLimitLength enforces a length ceiling on the span name, source,
// or annotation values.
type spanLimitLength struct {
	scope          string
	maxLength      int
	action         LengthAction
	match          *regexp.Regexp
	firstMatchOnly bool
	metrics        *RuleMetrics
}

func (r *spanLimitLength) trim(s string) string {
	if r.action == ActionTruncateWithEllipsis {
		return s[:r.maxLength-3] + "..."
	}
	return s[:r.maxLength]
}

func (r *spanLimitLength) Apply(s *entity.Span) {
	start := r.metrics.Start()
	defer r.metrics.End(start)
	switch r.scope {
	case scopeSpanName:
		if len(s.Name) > r.maxLength && (r.match == nil || r.match.MatchString(s.Name)) {
			s.Name = r.trim(s.Name)
			r.metrics.Applied()
		}
	case scopeSourceName:
		if len(s.Source) > r.maxLength && (r.match == nil || r.match.MatchString(s.Source)) {
			s.Source = r.trim(s.Source)
			r.metrics.Applied()
		}
	default:
		kept := s.Annotations[:0]
		applied := false
		for i := range s.Annotations {
			a := s.Annotations[i]
			over := a.Key == r.scope && len(a.Value) > r.maxLength &&
				(r.match == nil || r.match.MatchString(a.Value)) &&
				!(r.firstMatchOnly && applied)
			if over {
				applied = true
				r.metrics.Applied()
				if r.action == ActionDrop {
					continue
				}
				a.Value = r.trim(a.Value)
			}
			kept = append(kept, a)
		}
		s.Annotations = kept
	}
}

// spanForceLowercase lowercases the span name, source, or annotation values.
type spanForceLowercase struct {
	scope          string
	match          *regexp.Regexp
	firstMatchOnly bool
	metrics        *RuleMetrics
}

func (r *spanForceLowercase) Apply(s *entity.Span) {
	start := r.metrics.Start()
	defer r.metrics.End(start)
	switch r.scope {
	case scopeSpanName:
		if r.match == nil || r.match.MatchString(s.Name) {
			lower := strings.ToLower(s.Name)
			if lower != s.Name {
				s.Name = lower
				r.metrics.Applied()
			}
		}
	case scopeSourceName:
		if r.match == nil || r.match.MatchString(s.Source) {
			lower := strings.ToLower(s.Source)
			if lower != s.Source {
				s.Source = lower
				r.metrics.Applied()
			}
		}
	default:
		for i := range s.Annotations {
			a := &s.Annotations[i]
			if a.Key != r.scope {
				continue
			}
			if r.match != nil && !r.match.MatchString(a.Value) {
				continue
			}
			lower := strings.ToLower(a.Value)
			if lower != a.Value {
				a.Value = lower
				r.metrics.Applied()
			}
			if r.firstMatchOnly {
				return
			}
		}
	}
}

// spanReplaceRegex replaces search matches in the span name, source,
// or annotation values.
type spanReplaceRegex struct {
	scope          string
	search         *regexp.Regexp
	replace        string
	match          *regexp.Regexp
	firstMatchOnly bool
	metrics        *RuleMetrics
}

func (r *spanReplaceRegex) Apply(s *entity.Span) {
	start := r.metrics.Start()
	defer r.metrics.End(start)
	switch r.scope {
	case scopeSpanName:
		if r.match == nil || r.match.MatchString(s.Name) {
			out := r.search.ReplaceAllString(s.Name, expandSpan(r.replace, s))
			if out != s.Name {
				s.Name = out
				r.metrics.Applied()
			}
		}
	case scopeSourceName:
		if r.match == nil || r.match.MatchString(s.Source) {
			out := r.search.ReplaceAllString(s.Source, expandSpan(r.replace, s))
			if out != s.Source {
				s.Source = out
				r.metrics.Applied()
			}
		}
	default:
		for i := range s.Annotations {
			a := &s.Annotations[i]
			if a.Key != r.scope {
				continue
			}
			if r.match != nil && !r.match.MatchString(a.Value) {
				continue
			}
			out := r.search.ReplaceAllString(a.Value, expandSpan(r.replace, s))
			if out != a.Value {
				a.Value = out
				r.metrics.Applied()
				if r.firstMatchOnly {
					return
				}
			}
		}
	}
}
