package entity

import (
	"fmt"
	"math"
	"time"
)

// ValidationError is a rejection reason surfaced as a value. Handlers
// treat it as a reject, never as an escape.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func invalid(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// ValidationConfig bounds what the proxy accepts.
type ValidationConfig struct {
	// MaxMetricLength bounds the metric name length (default 255).
	MaxMetricLength int
	// MaxSourceLength bounds the source name length (default 1023).
	MaxSourceLength int
	// MaxAnnotationKeyLength bounds annotation key length (default 255).
	MaxAnnotationKeyLength int
	// MaxAnnotationValueLength bounds annotation value length (default 255).
	MaxAnnotationValueLength int
	// TimestampRetention is how far in the past a timestamp may be (default 1 year).
	TimestampRetention time.Duration
	// TimestampTolerance is how far ahead a timestamp may be (default 15 min).
	TimestampTolerance time.Duration
}

// DefaultValidationConfig returns the standard bounds.
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		MaxMetricLength:          255,
		MaxSourceLength:          1023,
		MaxAnnotationKeyLength:   255,
		MaxAnnotationValueLength: 255,
		TimestampRetention:       365 * 24 * time.Hour,
		TimestampTolerance:       15 * time.Minute,
	}
}

// charOK reports whether c is legal in metric names and annotation keys.
func charOK(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
		c == '-' || c == '_' || c == '.'
}

func validName(s string) bool {
	for i := 0; i < len(s); i++ {
		if !charOK(s[i]) {
			return false
		}
	}
	return len(s) > 0
}

// ValidatePoint checks a point against cfg, using now for the timestamp
// window. A valid point is returned unchanged; validation is idempotent.
func ValidatePoint(p *Point, cfg ValidationConfig, now time.Time) error {
	if p.Source == "" {
		return invalid("WF-406: source/host name is required")
	}
	if len(p.Source) > cfg.MaxSourceLength {
		return invalid("WF-407: source/host name is too long (%d characters, max: %d): %s",
			len(p.Source), cfg.MaxSourceLength, p.Source)
	}
	metric := p.Metric
	for _, prefix := range []string{DeltaPrefix, AltDeltaPrefix} {
		if len(metric) >= len(prefix) && metric[:len(prefix)] == prefix {
			metric = metric[len(prefix):]
			break
		}
	}
	if !validName(metric) {
		return invalid("WF-400: point metric has illegal character(s): %s", p.Metric)
	}
	if len(p.Metric) > cfg.MaxMetricLength {
		return invalid("WF-301: metric name is too long (%d characters, max: %d): %s",
			len(p.Metric), cfg.MaxMetricLength, p.Metric)
	}
	if p.Timestamp != 0 {
		ts := time.UnixMilli(p.Timestamp)
		if ts.Before(now.Add(-cfg.TimestampRetention)) {
			return invalid("WF-402: point outside of reasonable timeframe (too old): %s", p.Metric)
		}
		if ts.After(now.Add(cfg.TimestampTolerance)) {
			return invalid("WF-402: point outside of reasonable timeframe (too far ahead): %s", p.Metric)
		}
	}
	if p.HistogramValue == nil {
		if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
			return invalid("WF-404: point value is not a finite number: %s", p.Metric)
		}
	}
	for k, v := range p.Annotations {
		if !validName(k) {
			return invalid("WF-401: point annotation key has illegal character(s): %s", k)
		}
		if len(k) > cfg.MaxAnnotationKeyLength {
			return invalid("WF-301: annotation key is too long (%d characters, max: %d): %s",
				len(k), cfg.MaxAnnotationKeyLength, k)
		}
		if len(v) > cfg.MaxAnnotationValueLength {
			return invalid("WF-301: annotation value is too long (%d characters, max: %d): %s=%s",
				len(v), cfg.MaxAnnotationValueLength, k, v)
		}
	}
	return nil
}

// ValidateSpan checks a span against cfg.
func ValidateSpan(s *Span, cfg ValidationConfig, now time.Time) error {
	if s.Source == "" {
		return invalid("WF-426: span source/host name is required")
	}
	if len(s.Source) > cfg.MaxSourceLength {
		return invalid("WF-427: span source/host name is too long (%d characters, max: %d): %s",
			len(s.Source), cfg.MaxSourceLength, s.Source)
	}
	if s.Name == "" {
		return invalid("WF-428: span name is required")
	}
	if len(s.Name) > cfg.MaxMetricLength {
		return invalid("WF-428: span name is too long (%d characters, max: %d): %s",
			len(s.Name), cfg.MaxMetricLength, s.Name)
	}
	if s.TraceID == "" || s.SpanID == "" {
		return invalid("WF-429: span trace id and span id are required: %s", s.Name)
	}
	if s.StartMillis != 0 {
		ts := time.UnixMilli(s.StartMillis)
		if ts.Before(now.Add(-cfg.TimestampRetention)) {
			return invalid("WF-432: span outside of reasonable timeframe (too old): %s", s.Name)
		}
		if ts.After(now.Add(cfg.TimestampTolerance)) {
			return invalid("WF-432: span outside of reasonable timeframe (too far ahead): %s", s.Name)
		}
	}
	for _, a := range s.Annotations {
		if !validName(a.Key) {
			return invalid("WF-430: span annotation key has illegal character(s): %s", a.Key)
		}
		if len(a.Value) > cfg.MaxAnnotationValueLength {
			return invalid("WF-431: span annotation value is too long (%d characters, max: %d): %s=%s",
				len(a.Value), cfg.MaxAnnotationValueLength, a.Key, a.Value)
		}
	}
	return nil
}

// ValidateSourceTag checks a source-tag operation.
func ValidateSourceTag(st *SourceTag, cfg ValidationConfig) error {
	if st.Source == "" {
		return invalid("WF-406: source/host name is required")
	}
	switch st.Op {
	case OpSourceDescription:
		if st.Action != ActionDelete && len(st.Annotations) == 0 {
			return invalid("WF-410: source description requires a value")
		}
	case OpSourceTag:
		if len(st.Annotations) == 0 {
			return invalid("WF-410: source tag operation requires at least one tag")
		}
	default:
		return invalid("WF-410: unknown source tag operation: %s", st.Op)
	}
	switch st.Action {
	case ActionAdd, ActionSave, ActionDelete:
	default:
		return invalid("WF-410: unknown source tag action: %s", st.Action)
	}
	return nil
}
