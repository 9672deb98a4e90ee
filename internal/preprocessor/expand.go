package preprocessor

import (
	"regexp"

	"github.com/szibis/telemetry-proxy/internal/entity"
)

var placeholderRe = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// expandPoint substitutes {{metric}}, {{source}} and {{annotation.X}}
// placeholders in a template with the point's fields. Undefined
// placeholders expand to the empty string.
func expandPoint(template string, p *entity.Point) string {
	if p == nil {
		return template
	}
	return placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		name := m[2 : len(m)-2]
		switch name {
		case "metric", "metricName":
			return p.Metric
		case "source", "sourceName":
			return p.Source
		}
		if len(name) > 11 && name[:11] == "annotation." {
			return p.Annotations[name[11:]]
		}
		return ""
	})
}

// expandSpan substitutes {{spanName}}, {{source}} and {{annotation.X}}
// placeholders in a template with the span's fields. For duplicated
// annotation keys the first occurrence wins.
func expandSpan(template string, s *entity.Span) string {
	if s == nil {
		return template
	}
	return placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		name := m[2 : len(m)-2]
		switch name {
		case "spanName":
			return s.Name
		case "source", "sourceName":
			return s.Source
		}
		if len(name) > 11 && name[:11] == "annotation." {
			return s.Annotation(name[11:])
		}
		return ""
	})
}
