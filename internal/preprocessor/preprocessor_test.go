package preprocessor

import (
	"testing"

	"github.com/szibis/telemetry-proxy/internal/entity"
)

func compileTestPointRule(t *testing.T, rc RuleConfig) PointRule {
	t.Helper()
	r, err := compilePointRule("2878", rc)
	if err != nil {
		t.Fatalf("compile rule: %v", err)
	}
	return r
}

func compileTestSpanRule(t *testing.T, rc RuleConfig) SpanRule {
	t.Helper()
	r, err := compileSpanRule("30001", rc)
	if err != nil {
		t.Fatalf("compile rule: %v", err)
	}
	return r
}

func TestAddTag_PlaceholderExpansion(t *testing.T) {
	r := compileTestPointRule(t, RuleConfig{
		Rule: "expand", Action: "addTag", Key: "k", Value: "{{source}}-{{annotation.a}}",
	})
	p := &entity.Point{Metric: "m", Source: "s", Annotations: map[string]string{"a": "b"}}
	r.Apply(p)
	if got := p.Annotations["k"]; got != "s-b" {
		t.Errorf("expected k=s-b, got %q", got)
	}
}

func TestAddTag_UndefinedPlaceholderExpandsEmpty(t *testing.T) {
	r := compileTestPointRule(t, RuleConfig{
		Rule: "expand", Action: "addTag", Key: "k", Value: "x{{annotation.missing}}y",
	})
	p := &entity.Point{Metric: "m", Source: "s"}
	r.Apply(p)
	if got := p.Annotations["k"]; got != "xy" {
		t.Errorf("expected k=xy, got %q", got)
	}
}

func TestAddTagIfNotExists(t *testing.T) {
	r := compileTestPointRule(t, RuleConfig{
		Rule: "default-env", Action: "addTagIfNotExists", Key: "env", Value: "prod",
	})
	p := &entity.Point{Metric: "m", Source: "s", Annotations: map[string]string{"env": "staging"}}
	r.Apply(p)
	if p.Annotations["env"] != "staging" {
		t.Error("addTagIfNotExists must not overwrite")
	}
	p2 := &entity.Point{Metric: "m", Source: "s"}
	r.Apply(p2)
	if p2.Annotations["env"] != "prod" {
		t.Error("addTagIfNotExists must set when absent")
	}
}

func TestDropTag_WithValueFilter(t *testing.T) {
	r := compileTestPointRule(t, RuleConfig{
		Rule: "drop-staging", Action: "dropTag", Key: "env", Match: "staging",
	})
	p := &entity.Point{Metric: "m", Source: "s",
		Annotations: map[string]string{"env": "staging", "app": "x"}}
	r.Apply(p)
	if _, ok := p.Annotations["env"]; ok {
		t.Error("expected env=staging dropped")
	}
	if p.Annotations["app"] != "x" {
		t.Error("expected app=x preserved")
	}

	p2 := &entity.Point{Metric: "m", Source: "s", Annotations: map[string]string{"env": "prod"}}
	r.Apply(p2)
	if p2.Annotations["env"] != "prod" {
		t.Error("expected non-matching value preserved")
	}
}

func TestRenameTag(t *testing.T) {
	r := compileTestPointRule(t, RuleConfig{
		Rule: "rename", Action: "renameTag", Key: "dc", NewKey: "datacenter",
	})
	p := &entity.Point{Metric: "m", Source: "s", Annotations: map[string]string{"dc": "us-west"}}
	r.Apply(p)
	if p.Annotations["datacenter"] != "us-west" {
		t.Error("expected dc renamed to datacenter")
	}
	if _, ok := p.Annotations["dc"]; ok {
		t.Error("expected old key removed")
	}
}

func TestExtractTag_FromMetricWithRewrite(t *testing.T) {
	r := compileTestPointRule(t, RuleConfig{
		Rule: "extract-dc", Action: "extractTag", Key: "dc", Input: "metricName",
		Search: `^([^.]+)\.`, Replace: "$1", ReplaceInput: "",
	})
	p := &entity.Point{Metric: "uswest.cpu.load", Source: "s"}
	r.Apply(p)
	if p.Annotations["dc"] != "uswest" {
		t.Errorf("expected dc=uswest, got %q", p.Annotations["dc"])
	}
	if p.Metric != "uswest.cpu.load" {
		t.Error("metric must stay unchanged without replaceInput")
	}

	r2 := compileTestPointRule(t, RuleConfig{
		Rule: "extract-strip", Action: "extractTag", Key: "dc", Input: "metricName",
		Search: `^([^.]+)\.`, Replace: "$1", ReplaceInput: "_",
	})
	p2 := &entity.Point{Metric: "uswest.cpu.load", Source: "s"}
	r2.Apply(p2)
	if p2.Metric != "_cpu.load" {
		t.Errorf("expected metric rewritten, got %q", p2.Metric)
	}
}

func TestLimitLength(t *testing.T) {
	r := compileTestPointRule(t, RuleConfig{
		Rule: "trim", Action: "limitLength", Scope: "metricName", MaxLength: 5,
		LengthAction: ActionTruncate,
	})
	p := &entity.Point{Metric: "abcdefghij", Source: "s"}
	r.Apply(p)
	if p.Metric != "abcde" {
		t.Errorf("expected truncated metric, got %q", p.Metric)
	}

	ellipsis := compileTestPointRule(t, RuleConfig{
		Rule: "trim2", Action: "limitLength", Scope: "note", MaxLength: 8,
		LengthAction: ActionTruncateWithEllipsis,
	})
	p2 := &entity.Point{Metric: "m", Source: "s", Annotations: map[string]string{"note": "0123456789"}}
	ellipsis.Apply(p2)
	if p2.Annotations["note"] != "01234..." {
		t.Errorf("expected ellipsis truncation, got %q", p2.Annotations["note"])
	}

	drop := compileTestPointRule(t, RuleConfig{
		Rule: "trim3", Action: "limitLength", Scope: "note", MaxLength: 3,
		LengthAction: ActionDrop,
	})
	p3 := &entity.Point{Metric: "m", Source: "s", Annotations: map[string]string{"note": "too long"}}
	drop.Apply(p3)
	if _, ok := p3.Annotations["note"]; ok {
		t.Error("expected over-length annotation dropped")
	}
}

func TestLimitLength_DropOnMetricRejectedAtCompile(t *testing.T) {
	_, err := compilePointRule("2878", RuleConfig{
		Rule: "bad", Action: "limitLength", Scope: "metricName", MaxLength: 5,
		LengthAction: ActionDrop,
	})
	if err == nil {
		t.Error("expected compile error for DROP on metricName")
	}
}

func TestForceLowercase(t *testing.T) {
	r := compileTestPointRule(t, RuleConfig{
		Rule: "lower", Action: "forceLowercase", Scope: "metricName",
	})
	p := &entity.Point{Metric: "CPU.Load", Source: "s"}
	r.Apply(p)
	if p.Metric != "cpu.load" {
		t.Errorf("expected lowercased metric, got %q", p.Metric)
	}
}

func TestReplaceRegex(t *testing.T) {
	r := compileTestPointRule(t, RuleConfig{
		Rule: "dots", Action: "replaceRegex", Scope: "sourceName", Search: "_", Replace: ".",
	})
	p := &entity.Point{Metric: "m", Source: "web_01_east"}
	r.Apply(p)
	if p.Source != "web.01.east" {
		t.Errorf("expected dots, got %q", p.Source)
	}
}

func TestSpanAddTag_AppendsOrdered(t *testing.T) {
	r := compileTestSpanRule(t, RuleConfig{
		Rule: "tag", Action: "spanAddTag", Key: "env", Value: "prod",
	})
	s := &entity.Span{Name: "op", Source: "s",
		Annotations: []entity.Annotation{{Key: "env", Value: "staging"}}}
	r.Apply(s)
	if len(s.Annotations) != 2 {
		t.Fatalf("expected append, got %d annotations", len(s.Annotations))
	}
	if s.Annotations[1].Key != "env" || s.Annotations[1].Value != "prod" {
		t.Error("expected appended env=prod at the tail")
	}
}

func TestSpanExtractTag_AnnotationFirstMatchOnly(t *testing.T) {
	r := compileTestSpanRule(t, RuleConfig{
		Rule: "extract", Action: "spanExtractTag", Key: "short", Input: "url",
		Search: `^/api/(\w+)`, Replace: "$1", ReplaceInput: "/$1", FirstMatchOnly: true,
	})
	s := &entity.Span{Name: "op", Source: "s", Annotations: []entity.Annotation{
		{Key: "url", Value: "/api/orders/1"},
		{Key: "url", Value: "/api/users/2"},
	}}
	r.Apply(s)
	if s.Annotations[0].Value != "/orders/1" {
		t.Errorf("expected first annotation rewritten, got %q", s.Annotations[0].Value)
	}
	if s.Annotations[1].Value != "/api/users/2" {
		t.Errorf("expected second annotation untouched, got %q", s.Annotations[1].Value)
	}
	found := 0
	for _, a := range s.Annotations {
		if a.Key == "short" {
			found++
		}
	}
	if found != 1 {
		t.Errorf("expected exactly one extracted annotation, got %d", found)
	}
}

func TestSpanDropTag_FirstMatchOnly(t *testing.T) {
	r := compileTestSpanRule(t, RuleConfig{
		Rule: "drop", Action: "spanDropTag", Key: "debug", FirstMatchOnly: true,
	})
	s := &entity.Span{Name: "op", Source: "s", Annotations: []entity.Annotation{
		{Key: "debug", Value: "1"},
		{Key: "debug", Value: "2"},
	}}
	r.Apply(s)
	if len(s.Annotations) != 1 || s.Annotations[0].Value != "2" {
		t.Errorf("expected only first dropped, got %+v", s.Annotations)
	}
}

func TestParse_FullConfig(t *testing.T) {
	yaml := `
rules:
  "2878":
    points:
      - rule: add-env
        action: addTag
        key: env
        value: prod
      - rule: drop-debug
        action: dropTag
        key: debug
  "30001":
    spans:
      - rule: lowercase-span
        action: spanForceLowercase
        scope: spanName
`
	pps, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if pps["2878"].PointRuleCount() != 2 {
		t.Errorf("expected 2 point rules, got %d", pps["2878"].PointRuleCount())
	}
	if pps["30001"].SpanRuleCount() != 1 {
		t.Errorf("expected 1 span rule, got %d", pps["30001"].SpanRuleCount())
	}
}

func TestParse_InvalidRegexFailsLoad(t *testing.T) {
	yaml := `
rules:
  "2878":
    points:
      - rule: broken
        action: dropTag
        key: "["
`
	if _, err := Parse([]byte(yaml)); err == nil {
		t.Error("expected load failure for invalid regex")
	}
}

func TestRulesAppliedInConfigurationOrder(t *testing.T) {
	yaml := `
rules:
  "2878":
    points:
      - rule: first
        action: addTag
        key: k
        value: one
      - rule: second
        action: addTag
        key: k
        value: two
`
	pps, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	p := &entity.Point{Metric: "m", Source: "s"}
	pps["2878"].PreprocessPoint(p)
	if p.Annotations["k"] != "two" {
		t.Errorf("expected later rule to win, got %q", p.Annotations["k"])
	}
}
