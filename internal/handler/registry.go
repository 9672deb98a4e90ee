package handler

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/szibis/telemetry-proxy/internal/accumulator"
	"github.com/szibis/telemetry-proxy/internal/api"
	"github.com/szibis/telemetry-proxy/internal/entity"
	"github.com/szibis/telemetry-proxy/internal/logging"
	"github.com/szibis/telemetry-proxy/internal/props"
	"github.com/szibis/telemetry-proxy/internal/sender"
	"github.com/szibis/telemetry-proxy/internal/spool"
)

// Pipeline bundles the components for one HandlerKey. Components refer
// to each other through the registry by key, never by owning pointer,
// so there are no reference cycles to manage.
type Pipeline struct {
	Key   entity.HandlerKey
	Pool  *sender.Pool
	Queue *spool.TaskQueue

	shutdownHandler func()
}

// RegistryConfig seeds pipeline construction.
type RegistryConfig struct {
	// Client is the shared backend client.
	Client *api.Client
	// Props is the dynamic tunables registry.
	Props *props.Registry
	// SpoolDir is the root directory for disk queues; one subdirectory
	// per HandlerKey.
	SpoolDir string
	// SendersPerKey is the sender task count per pipeline (default 4).
	SendersPerKey int
	// BlockedItemsPerBatch samples blocked items into the main log.
	BlockedItemsPerBatch int
	// SpoolCompression enables snappy compression of spool records.
	SpoolCompression bool
	// Validation bounds handler admission.
	Validation entity.ValidationConfig
	// SetupMetrics enables the periodic stats printers.
	SetupMetrics bool
	// DeltaAggregationInterval is the delta counter flush window
	// (default 30s).
	DeltaAggregationInterval time.Duration
	// HistogramGranularity is the distribution accumulation window.
	HistogramGranularity accumulator.Granularity
	// BlockedLog receives blocked items at full rate.
	BlockedLog *logging.Logger
}

// Registry is the arena mapping each HandlerKey to its handler, sender
// pool, and disk queue. There is exactly one pipeline per key.
type Registry struct {
	cfg RegistryConfig
	ctx context.Context

	mu        sync.Mutex
	pipelines map[entity.HandlerKey]*Pipeline
}

// NewRegistry creates an empty pipeline registry. ctx bounds every
// pipeline goroutine the registry starts.
func NewRegistry(ctx context.Context, cfg RegistryConfig) *Registry {
	if cfg.SendersPerKey <= 0 {
		cfg.SendersPerKey = 4
	}
	if cfg.DeltaAggregationInterval <= 0 {
		cfg.DeltaAggregationInterval = 30 * time.Second
	}
	if cfg.BlockedItemsPerBatch == 0 {
		cfg.BlockedItemsPerBatch = props.DefaultBatchSize / 10
	}
	return &Registry{cfg: cfg, ctx: ctx, pipelines: make(map[entity.HandlerKey]*Pipeline)}
}

// EnsurePipeline returns the pipeline for a key, building the pool and
// queue on first use. Emit-only callers (derived metrics, heartbeats)
// use this to reach a point pipeline without a handler.
func (r *Registry) EnsurePipeline(key entity.HandlerKey) (*Pipeline, error) {
	return r.pipeline(key)
}

// Get returns the pipeline for a key, or nil when absent.
func (r *Registry) Get(key entity.HandlerKey) *Pipeline {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pipelines[key]
}

// pipeline builds (or returns) the pool and queue for a key.
func (r *Registry) pipeline(key entity.HandlerKey) (*Pipeline, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pipelines[key]; ok {
		return p, nil
	}
	queue, err := spool.Open(spool.Config{
		Dir:         filepath.Join(r.cfg.SpoolDir, key.String()),
		Key:         key.String(),
		Compression: r.cfg.SpoolCompression,
	})
	if err != nil {
		return nil, err
	}
	pool := sender.NewPool(key, r.cfg.SendersPerKey, r.cfg.Props.Get(key.Type), r.cfg.Client, queue)
	pool.Start(r.ctx)
	p := &Pipeline{Key: key, Pool: pool, Queue: queue}
	r.pipelines[key] = p
	return p, nil
}

func (r *Registry) opts() Options {
	return Options{
		BlockedItemsPerBatch: r.cfg.BlockedItemsPerBatch,
		BlockedLog:           r.cfg.BlockedLog,
		SetupMetrics:         r.cfg.SetupMetrics,
		Validation:           r.cfg.Validation,
	}
}

// PointHandler builds the point pipeline for a handle.
func (r *Registry) PointHandler(handle string) (*PointHandler, error) {
	p, err := r.pipeline(entity.MakeKey(entity.TypePoint, handle))
	if err != nil {
		return nil, err
	}
	h := NewPointHandler(p.Key, p.Pool, r.opts())
	p.shutdownHandler = h.Shutdown
	return h, nil
}

// DeltaHandler builds the delta counter pipeline for a handle. The
// accumulator emits back into the same pool, bypassing re-validation.
func (r *Registry) DeltaHandler(handle string) (*DeltaHandler, error) {
	p, err := r.pipeline(entity.MakeKey(entity.TypePoint, handle))
	if err != nil {
		return nil, err
	}
	acc := accumulator.NewDelta(p.Key, r.cfg.DeltaAggregationInterval, p.Pool, nil)
	acc.Start(r.ctx)
	h := NewDeltaHandler(p.Key, p.Pool, acc, r.opts())
	p.shutdownHandler = h.Shutdown
	return h, nil
}

// HistogramHandler builds the distribution pipeline for a handle.
func (r *Registry) HistogramHandler(handle string) (*HistogramHandler, error) {
	p, err := r.pipeline(entity.MakeKey(entity.TypeHistogram, handle))
	if err != nil {
		return nil, err
	}
	acc := accumulator.NewHistogram(p.Key, r.cfg.HistogramGranularity, p.Pool, nil)
	acc.Start(r.ctx)
	h := NewHistogramHandler(p.Key, p.Pool, acc, r.opts())
	p.shutdownHandler = h.Shutdown
	return h, nil
}

// SpanHandler builds the span pipeline for a handle.
func (r *Registry) SpanHandler(handle string) (*SpanHandler, error) {
	p, err := r.pipeline(entity.MakeKey(entity.TypeSpan, handle))
	if err != nil {
		return nil, err
	}
	h := NewSpanHandler(p.Key, p.Pool, r.opts())
	p.shutdownHandler = h.Shutdown
	return h, nil
}

// SpanLogsHandler builds the span-logs pipeline for a handle.
func (r *Registry) SpanLogsHandler(handle string) (*SpanLogsHandler, error) {
	p, err := r.pipeline(entity.MakeKey(entity.TypeSpanLogs, handle))
	if err != nil {
		return nil, err
	}
	h := NewSpanLogsHandler(p.Key, p.Pool, r.opts())
	p.shutdownHandler = h.Shutdown
	return h, nil
}

// SourceTagHandler builds the source-tag pipeline for a handle.
func (r *Registry) SourceTagHandler(handle string) (*SourceTagHandler, error) {
	p, err := r.pipeline(entity.MakeKey(entity.TypeSourceTag, handle))
	if err != nil {
		return nil, err
	}
	h := NewSourceTagHandler(p.Key, p.Pool, r.opts())
	p.shutdownHandler = h.Shutdown
	return h, nil
}

// Shutdown tears down every pipeline: handlers stop printing, pools
// drain their buffers to disk, queues close.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, p := range r.pipelines {
		if p.shutdownHandler != nil {
			p.shutdownHandler()
		}
		p.Pool.Shutdown()
		if err := p.Queue.Close(); err != nil {
			logging.Error("failed to close spool", logging.F(
				"key", key.String(),
				"error", err.Error(),
			))
		}
	}
}
