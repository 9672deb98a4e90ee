// Package trace is the span fan-in stage: sampling, RED metric
// derivation, and service heartbeats for every decoded span batch.
package trace

import (
	"hash/fnv"
	"math"
	"strconv"
	"sync/atomic"

	"github.com/szibis/telemetry-proxy/internal/entity"
)

// Sampler decides whether a span is forwarded to the span pipeline.
// RED metrics are derived regardless of the decision.
type Sampler interface {
	Decide(span *entity.Span) bool
}

// RateSampler keeps a fixed fraction of traces, keyed on trace id so
// all spans of one trace get the same decision. The rate is updatable
// at runtime from check-in responses.
type RateSampler struct {
	rateBits atomic.Uint64
}

// NewRateSampler creates a sampler keeping the given fraction [0..1].
func NewRateSampler(rate float64) *RateSampler {
	s := &RateSampler{}
	s.SetRate(rate)
	return s
}

// SetRate updates the sampling fraction.
func (s *RateSampler) SetRate(rate float64) {
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	s.rateBits.Store(math.Float64bits(rate))
}

// Rate returns the current sampling fraction.
func (s *RateSampler) Rate() float64 {
	return math.Float64frombits(s.rateBits.Load())
}

// Decide hashes the trace id into [0,1) and compares against the rate.
func (s *RateSampler) Decide(span *entity.Span) bool {
	rate := s.Rate()
	if rate >= 1 {
		return true
	}
	if rate <= 0 {
		return false
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(span.TraceID))
	bucket := float64(h.Sum64()%10000) / 10000
	return bucket < rate
}

// DurationSampler keeps spans at or above a duration threshold.
type DurationSampler struct {
	thresholdMillis atomic.Int64
}

// NewDurationSampler creates a sampler keeping spans with duration
// greater than or equal to thresholdMillis.
func NewDurationSampler(thresholdMillis int64) *DurationSampler {
	s := &DurationSampler{}
	s.thresholdMillis.Store(thresholdMillis)
	return s
}

// SetThreshold updates the duration threshold.
func (s *DurationSampler) SetThreshold(millis int64) {
	s.thresholdMillis.Store(millis)
}

// Decide keeps spans meeting the threshold.
func (s *DurationSampler) Decide(span *entity.Span) bool {
	return span.DurationMillis >= s.thresholdMillis.Load()
}

// CompositeSampler keeps a span when any member sampler does.
type CompositeSampler struct {
	samplers []Sampler
}

// NewCompositeSampler combines samplers with OR semantics.
func NewCompositeSampler(samplers ...Sampler) *CompositeSampler {
	return &CompositeSampler{samplers: samplers}
}

// Decide returns true when any member sampler keeps the span.
func (s *CompositeSampler) Decide(span *entity.Span) bool {
	for _, member := range s.samplers {
		if member.Decide(span) {
			return true
		}
	}
	return len(s.samplers) == 0
}

// hasErrorTag reports whether the span carries error=true.
func hasErrorTag(span *entity.Span) bool {
	for _, a := range span.Annotations {
		if a.Key == errorTagKey {
			if b, err := strconv.ParseBool(a.Value); err == nil && b {
				return true
			}
		}
	}
	return false
}
