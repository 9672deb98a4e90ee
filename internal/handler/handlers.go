package handler

import (
	"time"

	"github.com/szibis/telemetry-proxy/internal/accumulator"
	"github.com/szibis/telemetry-proxy/internal/entity"
	"github.com/szibis/telemetry-proxy/internal/sender"
)

// PointHandler admits regular (non-delta) points into the sender pool.
type PointHandler struct {
	*base[*entity.Point]
}

// NewPointHandler creates the standard point pipeline handler.
func NewPointHandler(key entity.HandlerKey, pool *sender.Pool, opts Options) *PointHandler {
	h := &PointHandler{}
	h.base = newBase[*entity.Point](key, pool, opts, entity.PointLine,
		func(p *entity.Point) error {
			if entity.IsDelta(p.Metric) {
				return &entity.ValidationError{
					Reason: "Port is not configured to accept delta counter data!",
				}
			}
			return entity.ValidatePoint(p, opts.Validation, time.Now())
		},
		func(p *entity.Point) {
			h.observeLag(p.Timestamp)
			pool.Add(entity.PointLine(p))
		})
	return h
}

// DeltaHandler aggregates delta counter points into an accumulator
// instead of forwarding them directly.
type DeltaHandler struct {
	*base[*entity.Point]
	acc *accumulator.DeltaAccumulator
}

// NewDeltaHandler creates the delta counter pipeline handler.
func NewDeltaHandler(key entity.HandlerKey, pool *sender.Pool,
	acc *accumulator.DeltaAccumulator, opts Options) *DeltaHandler {
	h := &DeltaHandler{acc: acc}
	h.base = newBase[*entity.Point](key, pool, opts, entity.PointLine,
		func(p *entity.Point) error {
			if !entity.IsDelta(p.Metric) {
				return &entity.ValidationError{
					Reason: "Port is not configured to accept non-delta counter data!",
				}
			}
			return entity.ValidatePoint(p, opts.Validation, time.Now())
		},
		func(p *entity.Point) {
			h.observeLag(p.Timestamp)
			acc.Add(entity.HostMetricTagsPair{
				Host:   p.Source,
				Metric: p.Metric,
				Tags:   p.Annotations,
			}, p.Value)
		})
	return h
}

// Shutdown stops the printers and flushes the accumulator.
func (h *DeltaHandler) Shutdown() {
	h.base.Shutdown()
	h.acc.Shutdown()
}

// HistogramHandler ships points to a histogram accumulator. Scalar
// samples become one-sample additions; incoming distributions merge
// bin-by-bin, rejected when coarser than the accumulator granularity.
type HistogramHandler struct {
	*base[*entity.Point]
	acc *accumulator.HistogramAccumulator
}

// NewHistogramHandler creates the distribution pipeline handler.
func NewHistogramHandler(key entity.HandlerKey, pool *sender.Pool,
	acc *accumulator.HistogramAccumulator, opts Options) *HistogramHandler {
	h := &HistogramHandler{acc: acc}
	h.base = newBase[*entity.Point](key, pool, opts, entity.PointLine,
		func(p *entity.Point) error {
			if err := entity.ValidatePoint(p, opts.Validation, time.Now()); err != nil {
				return err
			}
			if p.HistogramValue != nil {
				incoming := accumulator.GranularityFromMillis(p.HistogramValue.DurationMillis)
				if incoming.Millis() > acc.Granularity().Millis() {
					return &entity.ValidationError{
						Reason: "Attempting to send coarser granularity (" + incoming.String() +
							") distribution to a finer granularity (" + acc.Granularity().String() + ") port",
					}
				}
			}
			return nil
		},
		func(p *entity.Point) {
			h.observeLag(p.Timestamp)
			if p.HistogramValue != nil {
				_ = acc.AddDistribution(p, p.HistogramValue)
				return
			}
			_ = acc.AddSample(p, p.Value)
		})
	return h
}

// Shutdown stops the printers and flushes the accumulator.
func (h *HistogramHandler) Shutdown() {
	h.base.Shutdown()
	h.acc.Shutdown()
}

// SpanHandler admits spans into the sender pool.
type SpanHandler struct {
	*base[*entity.Span]
}

// NewSpanHandler creates the span pipeline handler.
func NewSpanHandler(key entity.HandlerKey, pool *sender.Pool, opts Options) *SpanHandler {
	h := &SpanHandler{}
	h.base = newBase[*entity.Span](key, pool, opts, entity.SpanLine,
		func(s *entity.Span) error {
			return entity.ValidateSpan(s, opts.Validation, time.Now())
		},
		func(s *entity.Span) {
			h.observeLag(s.StartMillis)
			pool.Add(entity.SpanLine(s))
		})
	return h
}

// SpanLogsHandler admits span logs into the sender pool.
type SpanLogsHandler struct {
	*base[*entity.SpanLogs]
}

// NewSpanLogsHandler creates the span-logs pipeline handler.
func NewSpanLogsHandler(key entity.HandlerKey, pool *sender.Pool, opts Options) *SpanLogsHandler {
	h := &SpanLogsHandler{}
	h.base = newBase[*entity.SpanLogs](key, pool, opts, entity.SpanLogsLine,
		func(sl *entity.SpanLogs) error {
			if sl.TraceID == "" || sl.SpanID == "" {
				return &entity.ValidationError{
					Reason: "WF-429: span logs trace id and span id are required",
				}
			}
			return nil
		},
		func(sl *entity.SpanLogs) {
			pool.Add(entity.SpanLogsLine(sl))
		})
	return h
}

// SourceTagHandler admits source-tag mutations into the sender pool.
type SourceTagHandler struct {
	*base[*entity.SourceTag]
}

// NewSourceTagHandler creates the source-tag pipeline handler.
func NewSourceTagHandler(key entity.HandlerKey, pool *sender.Pool, opts Options) *SourceTagHandler {
	h := &SourceTagHandler{}
	h.base = newBase[*entity.SourceTag](key, pool, opts, entity.SourceTagLine,
		func(st *entity.SourceTag) error {
			return entity.ValidateSourceTag(st, opts.Validation)
		},
		func(st *entity.SourceTag) {
			pool.AddSourceTag(*st)
		})
	return h
}
