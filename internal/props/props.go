// Package props holds the dynamic per-entity tunables that the backend
// can update at runtime through check-in responses. Senders read the
// values through atomic slots on every flush, so an update takes effect
// without restarting any pipeline.
package props

import (
	"math"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/szibis/telemetry-proxy/internal/entity"
)

// NoRateLimit is the sentinel for "unlimited" (items per second).
const NoRateLimit = 10_000_000

// Default values for dynamic properties.
const (
	DefaultSplitPushWhenRateLimited = false
	DefaultRetryBackoffBaseSeconds  = 2.0
	DefaultFlushIntervalMillis      = 1000
	DefaultMaxBurstSeconds          = 10
	DefaultBatchSize                = 40000
	DefaultBatchSizeHistograms      = 10000
	DefaultBatchSizeSourceTags      = 50
	DefaultBatchSizeSpans           = 5000
	DefaultBatchSizeSpanLogs        = 1000
	DefaultMinBatchSplitSize        = 100
)

// EntityProperties is the mutable tunable set for one entity type.
// All getters are safe for concurrent use; setters may be called from
// the check-in thread at any time.
type EntityProperties struct {
	itemsPerBatchOriginal int
	rateLimitOriginal     float64
	maxBurstSeconds       int

	itemsPerBatch           atomic.Int64
	flushIntervalMillis     atomic.Int64
	retryBackoffBaseSeconds atomic.Uint64 // float64 bits
	minBatchSplitSize       atomic.Int64
	splitPushWhenRateLimited atomic.Bool
	featureDisabled          atomic.Bool

	mu          sync.Mutex
	rateLimit   float64
	rateLimiter *rate.Limiter
}

// Config seeds an EntityProperties.
type Config struct {
	ItemsPerBatch            int
	RateLimit                float64
	RateLimitMaxBurstSeconds int
	FlushIntervalMillis      int
	RetryBackoffBaseSeconds  float64
	MinBatchSplitSize        int
	SplitPushWhenRateLimited bool
}

// New creates entity properties from cfg, filling zero values with defaults.
func New(cfg Config) *EntityProperties {
	if cfg.ItemsPerBatch <= 0 {
		cfg.ItemsPerBatch = DefaultBatchSize
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = NoRateLimit
	}
	if cfg.RateLimitMaxBurstSeconds <= 0 {
		cfg.RateLimitMaxBurstSeconds = DefaultMaxBurstSeconds
	}
	if cfg.FlushIntervalMillis <= 0 {
		cfg.FlushIntervalMillis = DefaultFlushIntervalMillis
	}
	if cfg.RetryBackoffBaseSeconds <= 0 {
		cfg.RetryBackoffBaseSeconds = DefaultRetryBackoffBaseSeconds
	}
	if cfg.MinBatchSplitSize <= 0 {
		cfg.MinBatchSplitSize = DefaultMinBatchSplitSize
	}

	p := &EntityProperties{
		itemsPerBatchOriginal: cfg.ItemsPerBatch,
		rateLimitOriginal:     cfg.RateLimit,
		maxBurstSeconds:       cfg.RateLimitMaxBurstSeconds,
		rateLimit:             cfg.RateLimit,
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.RateLimit),
			int(cfg.RateLimit)*cfg.RateLimitMaxBurstSeconds),
	}
	p.itemsPerBatch.Store(int64(cfg.ItemsPerBatch))
	p.flushIntervalMillis.Store(int64(cfg.FlushIntervalMillis))
	p.retryBackoffBaseSeconds.Store(math.Float64bits(cfg.RetryBackoffBaseSeconds))
	p.minBatchSplitSize.Store(int64(cfg.MinBatchSplitSize))
	p.splitPushWhenRateLimited.Store(cfg.SplitPushWhenRateLimited)
	return p
}

// ItemsPerBatchOriginal returns the initially configured batch size.
func (p *EntityProperties) ItemsPerBatchOriginal() int {
	return p.itemsPerBatchOriginal
}

// ItemsPerBatch returns the maximum number of items per single flush.
func (p *EntityProperties) ItemsPerBatch() int {
	return int(p.itemsPerBatch.Load())
}

// SetItemsPerBatch updates the batch size; nil restores the original.
func (p *EntityProperties) SetItemsPerBatch(n *int) {
	if n == nil {
		p.itemsPerBatch.Store(int64(p.itemsPerBatchOriginal))
		return
	}
	p.itemsPerBatch.Store(int64(*n))
}

// MemoryBufferLimit is the max number of items that can stay in memory
// buffers before spooling to disk: 16 × ItemsPerBatch, minimum one batch.
func (p *EntityProperties) MemoryBufferLimit() int {
	b := p.ItemsPerBatch()
	limit := 16 * b
	if limit < b {
		limit = b
	}
	return limit
}

// FlushIntervalMillis returns the interval between batches.
func (p *EntityProperties) FlushIntervalMillis() int {
	return int(p.flushIntervalMillis.Load())
}

// SetFlushIntervalMillis updates the flush interval.
func (p *EntityProperties) SetFlushIntervalMillis(ms int) {
	p.flushIntervalMillis.Store(int64(ms))
}

// RetryBackoffBaseSeconds returns the base for retry exponential backoff.
func (p *EntityProperties) RetryBackoffBaseSeconds() float64 {
	return math.Float64frombits(p.retryBackoffBaseSeconds.Load())
}

// SetRetryBackoffBaseSeconds updates the backoff base; nil restores the default.
func (p *EntityProperties) SetRetryBackoffBaseSeconds(v *float64) {
	if v == nil {
		p.retryBackoffBaseSeconds.Store(math.Float64bits(DefaultRetryBackoffBaseSeconds))
		return
	}
	p.retryBackoffBaseSeconds.Store(math.Float64bits(*v))
}

// MinBatchSplitSize returns the smallest batch that may still be split.
func (p *EntityProperties) MinBatchSplitSize() int {
	return int(p.minBatchSplitSize.Load())
}

// SplitPushWhenRateLimited reports whether HTTP 406 responses should
// split the batch instead of spooling it.
func (p *EntityProperties) SplitPushWhenRateLimited() bool {
	return p.splitPushWhenRateLimited.Load()
}

// SetSplitPushWhenRateLimited updates the pushback-split flag.
func (p *EntityProperties) SetSplitPushWhenRateLimited(v bool) {
	p.splitPushWhenRateLimited.Store(v)
}

// FeatureDisabled reports whether data flow for this entity is disabled
// by the backend.
func (p *EntityProperties) FeatureDisabled() bool {
	return p.featureDisabled.Load()
}

// SetFeatureDisabled updates the feature flag; nil means enabled.
func (p *EntityProperties) SetFeatureDisabled(v *bool) {
	p.featureDisabled.Store(v != nil && *v)
}

// RateLimit returns the current rate limit (items per second).
func (p *EntityProperties) RateLimit() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rateLimit
}

// RateLimitMaxBurstSeconds returns the burst window used to size the
// token bucket.
func (p *EntityProperties) RateLimitMaxBurstSeconds() int {
	return p.maxBurstSeconds
}

// SetRateLimit updates the limiter in place so senders holding the
// limiter observe the new rate immediately; nil restores the original.
func (p *EntityProperties) SetRateLimit(limit *float64) {
	v := p.rateLimitOriginal
	if limit != nil && *limit > 0 {
		v = *limit
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if v == p.rateLimit {
		return
	}
	p.rateLimit = v
	p.rateLimiter.SetLimit(rate.Limit(v))
	p.rateLimiter.SetBurst(int(v) * p.maxBurstSeconds)
}

// RateLimiter returns the shared smoothed token bucket for this entity.
func (p *EntityProperties) RateLimiter() *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rateLimiter
}

// Registry maps entity types to their dynamic properties.
type Registry struct {
	mu    sync.RWMutex
	props map[entity.Type]*EntityProperties
}

// NewRegistry creates a registry with default properties for every
// known entity type.
func NewRegistry() *Registry {
	return &Registry{
		props: map[entity.Type]*EntityProperties{
			entity.TypePoint:     New(Config{ItemsPerBatch: DefaultBatchSize}),
			entity.TypeHistogram: New(Config{ItemsPerBatch: DefaultBatchSizeHistograms}),
			entity.TypeSourceTag: New(Config{ItemsPerBatch: DefaultBatchSizeSourceTags}),
			entity.TypeSpan:      New(Config{ItemsPerBatch: DefaultBatchSizeSpans}),
			entity.TypeSpanLogs:  New(Config{ItemsPerBatch: DefaultBatchSizeSpanLogs}),
		},
	}
}

// Get returns the properties for an entity type, creating defaults for
// unknown types.
func (r *Registry) Get(t entity.Type) *EntityProperties {
	r.mu.RLock()
	p, ok := r.props[t]
	r.mu.RUnlock()
	if ok {
		return p
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok = r.props[t]; ok {
		return p
	}
	p = New(Config{})
	r.props[t] = p
	return p
}

// Put replaces the properties for an entity type.
func (r *Registry) Put(t entity.Type, p *EntityProperties) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.props[t] = p
}
