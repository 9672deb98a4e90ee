package trace

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/szibis/telemetry-proxy/internal/entity"
	"github.com/szibis/telemetry-proxy/internal/logging"
	"github.com/szibis/telemetry-proxy/internal/preprocessor"
)

// Standard span annotation keys.
const (
	applicationTagKey = "application"
	serviceTagKey     = "service"
	clusterTagKey     = "cluster"
	shardTagKey       = "shard"
	componentTagKey   = "component"
	errorTagKey       = "error"

	// nullTagValue stands in for missing tuple members.
	nullTagValue = "none"

	// derivedPrefix prefixes every RED metric the proxy generates.
	derivedPrefix = "tracing.derived"

	// heartbeatMetric is the synthetic point emitted per live tuple.
	heartbeatMetric = "~component.heartbeat"

	// heartbeatTTL expires tuples not seen for this long.
	heartbeatTTL = 10 * time.Minute

	redAccuracy = 0.01
)

var (
	spansDiscardedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_proxy_spans_discarded_total",
		Help: "Total spans discarded for missing application or service tags",
	}, []string{"handle"})

	spansSampledTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_proxy_spans_sampled_total",
		Help: "Total spans forwarded to the span pipeline after sampling",
	}, []string{"handle"})

	heartbeatsEmittedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_proxy_heartbeats_emitted_total",
		Help: "Total heartbeat points emitted",
	})
)

func init() {
	prometheus.MustRegister(spansDiscardedTotal)
	prometheus.MustRegister(spansSampledTotal)
	prometheus.MustRegister(heartbeatsEmittedTotal)
}

// SpanSink receives sampled spans; satisfied by *handler.SpanHandler.
type SpanSink interface {
	Report(span *entity.Span)
}

// SpanLogsSink receives span logs; satisfied by *handler.SpanLogsHandler.
type SpanLogsSink interface {
	Report(logs *entity.SpanLogs)
}

// Emitter receives serialized derived-metric points; satisfied by
// *sender.Pool.
type Emitter interface {
	Add(line string)
}

// redKey identifies one RED aggregate.
type redKey struct {
	Application string
	Service     string
	Cluster     string
	Shard       string
	Component   string
	Source      string
	Operation   string
	CustomTags  string
}

type redCell struct {
	requests atomic.Int64
	errors   atomic.Int64

	mu       sync.Mutex
	duration *ddsketch.DDSketch
}

// Config seeds a span processor.
type Config struct {
	Handle string
	// Sampler decides span forwarding; nil keeps everything.
	Sampler Sampler
	// AlwaysSampleErrors forces forwarding of spans tagged error=true.
	AlwaysSampleErrors bool
	// CustomTagKeys are extra annotation keys folded into RED metric
	// tags and heartbeat identity.
	CustomTagKeys []string
	// Preprocessor is the handle's span rule chain (nil for none),
	// applied before sampling and derivation.
	Preprocessor *preprocessor.Preprocessor
	// Source labels heartbeat points.
	Source string
	// Clock is injectable for tests; nil uses the wall clock.
	Clock clock.Clock
}

// Processor is the span fan-in for one listener handle.
type Processor struct {
	handle             string
	pp                 *preprocessor.Preprocessor
	sampler            Sampler
	alwaysSampleErrors atomic.Bool
	customTagKeys      []string
	source             string
	clock              clock.Clock

	spans    SpanSink
	spanLogs SpanLogsSink
	emitter  Emitter

	red        sync.Map // redKey -> *redCell
	heartbeats sync.Map // redKey -> int64 last-seen unix millis

	started  atomic.Bool
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewProcessor creates a span processor feeding the given sinks.
func NewProcessor(cfg Config, spans SpanSink, spanLogs SpanLogsSink, emitter Emitter) *Processor {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	src := cfg.Source
	if src == "" {
		src = "telemetry-proxy"
	}
	p := &Processor{
		handle:        cfg.Handle,
		pp:            cfg.Preprocessor,
		sampler:       cfg.Sampler,
		customTagKeys: cfg.CustomTagKeys,
		source:        src,
		clock:         clk,
		spans:         spans,
		spanLogs:      spanLogs,
		emitter:       emitter,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	p.alwaysSampleErrors.Store(cfg.AlwaysSampleErrors)
	return p
}

// SetAlwaysSampleErrors updates the error-bias flag at runtime.
func (p *Processor) SetAlwaysSampleErrors(v bool) {
	p.alwaysSampleErrors.Store(v)
}

// ReportSpan runs one decoded, preprocessed span through sampling and
// RED derivation. Spans without application/service are discarded with
// a counter, never an error.
func (p *Processor) ReportSpan(span *entity.Span) {
	if p.pp != nil {
		p.pp.PreprocessSpan(span)
	}
	applicationName := nullTagValue
	serviceName := nullTagValue
	cluster := nullTagValue
	shard := nullTagValue
	componentTagValue := nullTagValue
	isError := "false"

	for _, a := range span.Annotations {
		switch a.Key {
		case applicationTagKey:
			applicationName = a.Value
		case serviceTagKey:
			serviceName = a.Value
			fallthrough
		case clusterTagKey:
			cluster = a.Value
		case shardTagKey:
			shard = a.Value
		case componentTagKey:
			componentTagValue = a.Value
		case errorTagKey:
			isError = a.Value
		}
	}

	if applicationName == nullTagValue || serviceName == nullTagValue {
		logging.Warn("ingested span discarded: application/service name is missing", logging.F(
			"handle", p.handle,
			"span", span.Name,
		))
		spansDiscardedTotal.WithLabelValues(p.handle).Inc()
		return
	}

	sampleError := p.alwaysSampleErrors.Load() && hasErrorTag(span)
	if sampleError || p.sample(span) {
		spansSampledTotal.WithLabelValues(p.handle).Inc()
		p.spans.Report(span)
	}

	errVal, _ := strconv.ParseBool(isError)
	key := redKey{
		Application: applicationName,
		Service:     serviceName,
		Cluster:     cluster,
		Shard:       shard,
		Component:   componentTagValue,
		Source:      span.Source,
		Operation:   span.Name,
		CustomTags:  p.customTagsKey(span),
	}
	p.recordRED(key, errVal, span.DurationMillis)
	p.heartbeats.Store(key, p.clock.Now().UnixMilli())
}

// ReportSpanLogs forwards span logs to their pipeline.
func (p *Processor) ReportSpanLogs(logs *entity.SpanLogs) {
	if p.spanLogs != nil {
		p.spanLogs.Report(logs)
	}
}

func (p *Processor) sample(span *entity.Span) bool {
	if p.sampler == nil {
		return true
	}
	return p.sampler.Decide(span)
}

func (p *Processor) customTagsKey(span *entity.Span) string {
	if len(p.customTagKeys) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, k := range p.customTagKeys {
		if v := span.Annotation(k); v != "" {
			sb.WriteString(k)
			sb.WriteByte('=')
			sb.WriteString(v)
			sb.WriteByte('\x00')
		}
	}
	return sb.String()
}

func (p *Processor) recordRED(key redKey, isError bool, durationMillis int64) {
	v, ok := p.red.Load(key)
	if !ok {
		sketch, err := ddsketch.NewDefaultDDSketch(redAccuracy)
		if err != nil {
			return
		}
		v, _ = p.red.LoadOrStore(key, &redCell{duration: sketch})
	}
	cell := v.(*redCell)
	cell.requests.Add(1)
	if isError {
		cell.errors.Add(1)
	}
	cell.mu.Lock()
	_ = cell.duration.Add(float64(durationMillis))
	cell.mu.Unlock()
}

// Start launches the minute reporter for derived metrics and heartbeats.
func (p *Processor) Start(ctx context.Context) {
	p.started.Store(true)
	go func() {
		defer close(p.done)
		ticker := p.clock.Ticker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stop:
				return
			case <-ticker.C:
				p.FlushDerived()
				p.EmitHeartbeats()
			}
		}
	}()
}

// Shutdown stops the reporter and flushes once more.
func (p *Processor) Shutdown() {
	p.stopOnce.Do(func() {
		close(p.stop)
		if p.started.Load() {
			<-p.done
		}
		p.FlushDerived()
	})
}

// FlushDerived emits the RED aggregates accumulated since the previous
// flush: request and error deltas plus a duration distribution.
func (p *Processor) FlushDerived() {
	now := p.clock.Now().UnixMilli()
	p.red.Range(func(k, v interface{}) bool {
		key := k.(redKey)
		cell := v.(*redCell)
		p.red.Delete(k)

		tags := p.redTags(key)
		requests := cell.requests.Load()
		errors := cell.errors.Load()
		if requests > 0 {
			p.emitDelta(key, "invocation.count", float64(requests), now, tags)
		}
		if errors > 0 {
			p.emitDelta(key, "error.count", float64(errors), now, tags)
		}
		cell.mu.Lock()
		bins := redBins(cell.duration)
		cell.mu.Unlock()
		if len(bins) > 0 {
			point := &entity.Point{
				Metric:    derivedMetricName(key.Operation, "duration.millis.m"),
				Source:    key.Source,
				Timestamp: now,
				HistogramValue: &entity.Histogram{
					DurationMillis: 60_000,
					Bins:           bins,
				},
				Annotations: tags,
			}
			p.emitter.Add(entity.PointLine(point))
		}
		return true
	})
}

func (p *Processor) emitDelta(key redKey, suffix string, value float64, ts int64, tags map[string]string) {
	point := &entity.Point{
		Metric:      entity.DeltaPrefix + derivedMetricName(key.Operation, suffix),
		Source:      key.Source,
		Timestamp:   ts,
		Value:       value,
		Annotations: tags,
	}
	p.emitter.Add(entity.PointLine(point))
}

func (p *Processor) redTags(key redKey) map[string]string {
	tags := map[string]string{
		applicationTagKey: key.Application,
		serviceTagKey:     key.Service,
		clusterTagKey:     key.Cluster,
		shardTagKey:       key.Shard,
		componentTagKey:   key.Component,
		"operationName":   key.Operation,
	}
	if key.CustomTags != "" {
		for _, kv := range strings.Split(strings.TrimRight(key.CustomTags, "\x00"), "\x00") {
			if i := strings.IndexByte(kv, '='); i > 0 {
				tags[kv[:i]] = kv[i+1:]
			}
		}
	}
	return tags
}

func derivedMetricName(operation, suffix string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, operation)
	return derivedPrefix + "." + sanitized + "." + suffix
}

// EmitHeartbeats sends one synthetic heartbeat point per live tuple
// and expires tuples not refreshed within the TTL.
func (p *Processor) EmitHeartbeats() {
	now := p.clock.Now()
	cutoff := now.Add(-heartbeatTTL).UnixMilli()
	p.heartbeats.Range(func(k, v interface{}) bool {
		key := k.(redKey)
		if v.(int64) < cutoff {
			p.heartbeats.Delete(k)
			return true
		}
		point := &entity.Point{
			Metric:    heartbeatMetric,
			Source:    key.Source,
			Timestamp: now.UnixMilli(),
			Value:     1,
			Annotations: map[string]string{
				applicationTagKey: key.Application,
				serviceTagKey:     key.Service,
				clusterTagKey:     key.Cluster,
				shardTagKey:       key.Shard,
				componentTagKey:   key.Component,
			},
		}
		p.emitter.Add(entity.PointLine(point))
		heartbeatsEmittedTotal.Inc()
		return true
	})
}

// HeartbeatCount returns the number of live heartbeat tuples.
func (p *Processor) HeartbeatCount() int {
	n := 0
	p.heartbeats.Range(func(_, _ interface{}) bool { n++; return true })
	return n
}

func redBins(sketch *ddsketch.DDSketch) []entity.Bin {
	var bins []entity.Bin
	sketch.ForEach(func(value, count float64) bool {
		c := uint32(count + 0.5)
		if c == 0 {
			c = 1
		}
		bins = append(bins, entity.Bin{Centroid: value, Count: c})
		return false
	})
	sort.Slice(bins, func(i, j int) bool { return bins[i].Centroid < bins[j].Centroid })
	return bins
}
