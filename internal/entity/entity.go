package entity

import (
	"sort"
	"strconv"
	"strings"
)

// Type identifies the kind of telemetry an item or a pipeline carries.
type Type string

const (
	TypePoint     Type = "points"
	TypeHistogram Type = "histograms"
	TypeSourceTag Type = "sourceTags"
	TypeSpan      Type = "spans"
	TypeSpanLogs  Type = "spanLogs"
)

// RateUnit returns the unit used in human-readable rate log lines.
func (t Type) RateUnit() string {
	switch t {
	case TypePoint, TypeHistogram:
		return "pps"
	case TypeSpan:
		return "sps"
	case TypeSpanLogs:
		return "span logs/s"
	case TypeSourceTag:
		return "tags/s"
	default:
		return "items/s"
	}
}

// Capitalized returns the entity type name with a leading capital,
// for stats printer output.
func (t Type) Capitalized() string {
	s := string(t)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// HandlerKey identifies a pipeline: entity type plus listener handle
// (customarily the port number as a string). All routing inside the
// proxy is keyed by this pair.
type HandlerKey struct {
	Type   Type
	Handle string
}

// MakeKey builds a HandlerKey.
func MakeKey(t Type, handle string) HandlerKey {
	return HandlerKey{Type: t, Handle: handle}
}

func (k HandlerKey) String() string {
	return string(k.Type) + "." + k.Handle
}

// Annotation is a single key/value pair on a span. Span annotations are
// an ordered list: duplicates are legal and order is significant.
type Annotation struct {
	Key   string
	Value string
}

// Point is a single metric sample. Value holds the scalar; when the
// point carries a distribution instead, HistogramValue is non-nil and
// Value is ignored.
type Point struct {
	Metric         string
	Source         string
	Timestamp      int64 // epoch millis
	Value          float64
	HistogramValue *Histogram
	Annotations    map[string]string
}

// Bin is one centroid of a histogram distribution.
type Bin struct {
	Centroid float64
	Count    uint32
}

// Histogram is a distribution over a fixed aggregation window.
type Histogram struct {
	DurationMillis int64
	Bins           []Bin
}

// Samples returns the total sample count across all bins.
func (h *Histogram) Samples() int64 {
	var n int64
	for _, b := range h.Bins {
		n += int64(b.Count)
	}
	return n
}

// Span is a single unit of a distributed trace.
type Span struct {
	Name           string
	Source         string
	TraceID        string
	SpanID         string
	Parents        []string
	FollowsFrom    []string
	StartMillis    int64
	DurationMillis int64
	Annotations    []Annotation
}

// Annotation returns the value of the first annotation with the given
// key, or "" when absent.
func (s *Span) Annotation(key string) string {
	for _, a := range s.Annotations {
		if a.Key == key {
			return a.Value
		}
	}
	return ""
}

// SpanLog is a single timestamped log attached to a span.
type SpanLog struct {
	TimestampMicros int64
	Fields          map[string]string
}

// SpanLogs carries the logs for one span.
type SpanLogs struct {
	TraceID string
	SpanID  string
	Logs    []SpanLog
}

// SourceTagOp is the kind of source metadata being mutated.
type SourceTagOp string

const (
	OpSourceDescription SourceTagOp = "SOURCE_DESCRIPTION"
	OpSourceTag         SourceTagOp = "SOURCE_TAG"
)

// SourceTagAction is what to do with the metadata.
type SourceTagAction string

const (
	ActionAdd    SourceTagAction = "ADD"
	ActionSave   SourceTagAction = "SAVE"
	ActionDelete SourceTagAction = "DELETE"
)

// SourceTag is a source metadata mutation request.
type SourceTag struct {
	Op          SourceTagOp
	Action      SourceTagAction
	Source      string
	Annotations []string
}

// HostMetricTagsPair is the aggregation key for delta counters.
// Equality uses host, metric, and the tag mapping compared as a set.
type HostMetricTagsPair struct {
	Host   string
	Metric string
	Tags   map[string]string
}

// Key returns a canonical string form usable as a map key: tags sorted
// by key so that insertion order never affects equality.
func (p HostMetricTagsPair) Key() string {
	var sb strings.Builder
	sb.WriteString(p.Host)
	sb.WriteByte('\x00')
	sb.WriteString(p.Metric)
	keys := make([]string, 0, len(p.Tags))
	for k := range p.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteByte('\x00')
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(p.Tags[k])
	}
	return sb.String()
}

const (
	// DeltaPrefix marks a delta counter metric name (U+2206 INCREMENT).
	DeltaPrefix = "∆"
	// AltDeltaPrefix is the alternative marker (U+0394 GREEK CAPITAL DELTA).
	AltDeltaPrefix = "Δ"
)

// IsDelta reports whether the metric name carries a delta prefix marker.
func IsDelta(metric string) bool {
	return strings.HasPrefix(metric, DeltaPrefix) || strings.HasPrefix(metric, AltDeltaPrefix)
}

// quote escapes a string for line-protocol output.
func quote(s string) string {
	return strconv.Quote(s)
}
