package entity

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// PointLine renders a point in Wavefront line protocol. Used for
// blocked-item logs and for /report payload assembly.
func PointLine(p *Point) string {
	var sb strings.Builder
	if p.HistogramValue != nil {
		return histogramLine(p)
	}
	sb.WriteString(quote(p.Metric))
	sb.WriteByte(' ')
	sb.WriteString(strconv.FormatFloat(p.Value, 'f', -1, 64))
	if p.Timestamp != 0 {
		sb.WriteByte(' ')
		sb.WriteString(strconv.FormatInt(p.Timestamp/1000, 10))
	}
	sb.WriteString(" source=")
	sb.WriteString(quote(p.Source))
	writeTags(&sb, p.Annotations)
	return sb.String()
}

// histogramLine renders a distribution in Wavefront histogram format:
// !M/!H/!D <ts> #<count> <centroid> [...] <metric> source=<source> tags.
func histogramLine(p *Point) string {
	var sb strings.Builder
	switch p.HistogramValue.DurationMillis {
	case 3600000:
		sb.WriteString("!H ")
	case 86400000:
		sb.WriteString("!D ")
	default:
		sb.WriteString("!M ")
	}
	if p.Timestamp != 0 {
		sb.WriteString(strconv.FormatInt(p.Timestamp/1000, 10))
		sb.WriteByte(' ')
	}
	for _, b := range p.HistogramValue.Bins {
		sb.WriteByte('#')
		sb.WriteString(strconv.FormatUint(uint64(b.Count), 10))
		sb.WriteByte(' ')
		sb.WriteString(strconv.FormatFloat(b.Centroid, 'f', -1, 64))
		sb.WriteByte(' ')
	}
	sb.WriteString(quote(p.Metric))
	sb.WriteString(" source=")
	sb.WriteString(quote(p.Source))
	writeTags(&sb, p.Annotations)
	return sb.String()
}

// SpanLine renders a span in the native span format.
func SpanLine(s *Span) string {
	var sb strings.Builder
	sb.WriteString(quote(s.Name))
	sb.WriteString(" source=")
	sb.WriteString(quote(s.Source))
	sb.WriteString(" traceId=")
	sb.WriteString(s.TraceID)
	sb.WriteString(" spanId=")
	sb.WriteString(s.SpanID)
	for _, p := range s.Parents {
		sb.WriteString(" parent=")
		sb.WriteString(p)
	}
	for _, f := range s.FollowsFrom {
		sb.WriteString(" followsFrom=")
		sb.WriteString(f)
	}
	for _, a := range s.Annotations {
		sb.WriteByte(' ')
		sb.WriteString(quote(a.Key))
		sb.WriteByte('=')
		sb.WriteString(quote(a.Value))
	}
	sb.WriteByte(' ')
	sb.WriteString(strconv.FormatInt(s.StartMillis, 10))
	sb.WriteByte(' ')
	sb.WriteString(strconv.FormatInt(s.DurationMillis, 10))
	return sb.String()
}

// SpanLogsLine renders span logs as a single JSON document, the wire
// form used for /report submissions and blocked-item logs.
func SpanLogsLine(sl *SpanLogs) string {
	type logEntry struct {
		Timestamp int64             `json:"timestamp"`
		Fields    map[string]string `json:"fields"`
	}
	doc := struct {
		TraceID string     `json:"traceId"`
		SpanID  string     `json:"spanId"`
		Logs    []logEntry `json:"logs"`
	}{TraceID: sl.TraceID, SpanID: sl.SpanID}
	for _, l := range sl.Logs {
		doc.Logs = append(doc.Logs, logEntry{Timestamp: l.TimestampMicros, Fields: l.Fields})
	}
	data, _ := json.Marshal(doc)
	return string(data)
}

// SourceTagLine renders a source-tag operation for logging.
func SourceTagLine(st *SourceTag) string {
	var sb strings.Builder
	sb.WriteString("@")
	if st.Op == OpSourceDescription {
		sb.WriteString("SourceDescription")
	} else {
		sb.WriteString("SourceTag")
	}
	sb.WriteString(" action=")
	sb.WriteString(strings.ToLower(string(st.Action)))
	sb.WriteString(" source=")
	sb.WriteString(quote(st.Source))
	for _, a := range st.Annotations {
		sb.WriteByte(' ')
		sb.WriteString(quote(a))
	}
	return sb.String()
}

func writeTags(sb *strings.Builder, tags map[string]string) {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteByte(' ')
		sb.WriteString(quote(k))
		sb.WriteByte('=')
		sb.WriteString(quote(tags[k]))
	}
}
