// Package handler implements the per-pipeline entity handlers: the
// validate/reject/block gate every item passes through between the
// preprocessor and the sender pool.
package handler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/szibis/telemetry-proxy/internal/entity"
	"github.com/szibis/telemetry-proxy/internal/logging"
	"github.com/szibis/telemetry-proxy/internal/sender"
)

var (
	handlerReceivedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_proxy_handler_received_total",
		Help: "Total items received by pipeline",
	}, []string{"key"})

	handlerBlockedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_proxy_handler_blocked_total",
		Help: "Total items blocked by pipeline",
	}, []string{"key"})

	handlerRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_proxy_handler_rejected_total",
		Help: "Total items rejected on validation by pipeline",
	}, []string{"key"})

	handlerReceivedLag = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "telemetry_proxy_handler_received_lag_seconds",
		Help:    "Difference between arrival time and item timestamp",
		Buckets: []float64{0.1, 1, 5, 30, 60, 300, 600, 3600},
	}, []string{"key"})

	handlerMaxBurstRate = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "telemetry_proxy_handler_received_max_burst_rate",
		Help: "Highest observed per-second received rate since last scrape window",
	}, []string{"key"})
)

func init() {
	prometheus.MustRegister(handlerReceivedTotal)
	prometheus.MustRegister(handlerBlockedTotal)
	prometheus.MustRegister(handlerRejectedTotal)
	prometheus.MustRegister(handlerReceivedLag)
	prometheus.MustRegister(handlerMaxBurstRate)
}

// Handler is the uniform contract for all entity handlers.
type Handler[T any] interface {
	// Report validates and admits one item.
	Report(item T)
	// Block suppresses delivery of an item the backend disabled.
	Block(item T, message string)
	// Reject drops an invalid item.
	Reject(item T, message string)
	// Shutdown stops the stats printers.
	Shutdown()
}

// Options configures a handler.
type Options struct {
	// BlockedItemsPerBatch controls the sample rate of blocked items
	// written to the main log: BlockedItemsPerBatch/10 lines per second.
	// Zero disables main-log sampling entirely.
	BlockedItemsPerBatch int
	// BlockedLog receives every blocked/rejected item at full rate.
	BlockedLog *logging.Logger
	// ValidLog, when set, receives every admitted item.
	ValidLog *logging.Logger
	// SetupMetrics enables the periodic stats printers.
	SetupMetrics bool
	// Validation bounds what the handler accepts.
	Validation entity.ValidationConfig
}

// base carries the state shared by all handler kinds. Specialized
// behavior arrives as a validator function and an emit function at
// construction, not via inheritance.
type base[T any] struct {
	key        entity.HandlerKey
	serializer func(T) string
	validate   func(T) error
	emit       func(T)
	pool       *sender.Pool

	received atomic.Int64
	blocked  atomic.Int64
	rejected atomic.Int64

	receivedStats  *BurstTracker
	deliveredStats *BurstTracker
	lastDelivered  int64

	blockedLog *logging.Logger
	validLog   *logging.Logger
	logLimiter *rate.Limiter
	lag        prometheus.Observer

	rateUnit string

	stop     chan struct{}
	stopOnce sync.Once
}

func newBase[T any](key entity.HandlerKey, pool *sender.Pool, opts Options,
	serializer func(T) string, validate func(T) error, emit func(T)) *base[T] {

	b := &base[T]{
		key:            key,
		serializer:     serializer,
		validate:       validate,
		emit:           emit,
		pool:           pool,
		receivedStats:  NewBurstTracker(nil),
		deliveredStats: NewBurstTracker(nil),
		blockedLog:     opts.BlockedLog,
		validLog:       opts.ValidLog,
		lag:            handlerReceivedLag.WithLabelValues(key.String()),
		rateUnit:       key.Type.RateUnit(),
		stop:           make(chan struct{}),
	}
	if opts.BlockedItemsPerBatch > 0 {
		perSec := float64(opts.BlockedItemsPerBatch) / 10
		b.logLimiter = rate.NewLimiter(rate.Limit(perSec), 1)
	}
	if opts.SetupMetrics {
		go b.statsLoop()
	}
	return b
}

// Report validates and admits one item. A validation failure rejects;
// any other panic is contained, logged as WF-500, and dropped.
func (b *base[T]) Report(item T) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("WF-500 Uncaught exception when handling input", logging.F(
				"key", b.key.String(),
				"panic", r,
			))
		}
	}()
	if err := b.validate(item); err != nil {
		b.Reject(item, err.Error())
		return
	}
	b.received.Add(1)
	b.receivedStats.Mark(1)
	handlerReceivedTotal.WithLabelValues(b.key.String()).Inc()
	if b.validLog != nil {
		b.validLog.Info(b.serializer(item))
	}
	b.emit(item)
}

// Reject drops an invalid item: blocked and rejected counters, the
// blocked-items log at full rate, and the main log behind the token
// bucket.
func (b *base[T]) Reject(item T, message string) {
	b.blocked.Add(1)
	b.rejected.Add(1)
	handlerBlockedTotal.WithLabelValues(b.key.String()).Inc()
	handlerRejectedTotal.WithLabelValues(b.key.String()).Inc()
	if b.blockedLog != nil {
		b.blockedLog.Warn(b.serializer(item))
	}
	if message != "" && b.logLimiter != nil && b.logLimiter.Allow() {
		logging.Info("blocked input", logging.F(
			"handle", b.key.Handle,
			"reason", message,
		))
	}
}

// Block suppresses an item the backend disabled: blocked counter only,
// blocked-items log at info level.
func (b *base[T]) Block(item T, message string) {
	b.blocked.Add(1)
	handlerBlockedTotal.WithLabelValues(b.key.String()).Inc()
	if b.blockedLog != nil {
		b.blockedLog.Info(b.serializer(item))
		if message != "" {
			b.blockedLog.Info(message)
		}
	}
}

// observeLag records arrival lag for items carrying a timestamp.
func (b *base[T]) observeLag(timestampMillis int64) {
	if timestampMillis != 0 {
		b.lag.Observe(float64(time.Now().UnixMilli()-timestampMillis) / 1000)
	}
}

// Shutdown stops the stats printers.
func (b *base[T]) Shutdown() {
	b.stopOnce.Do(func() { close(b.stop) })
}

// Counters returns received, blocked, rejected totals.
func (b *base[T]) Counters() (received, blocked, rejected int64) {
	return b.received.Load(), b.blocked.Load(), b.rejected.Load()
}

// statsLoop prints human-readable rate lines every 10 s and lifetime
// totals every 60 s.
func (b *base[T]) statsLoop() {
	statsTicker := time.NewTicker(10 * time.Second)
	totalTicker := time.NewTicker(60 * time.Second)
	defer statsTicker.Stop()
	defer totalTicker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-statsTicker.C:
			b.sampleDelivered()
			b.printStats()
		case <-totalTicker.C:
			b.printTotal()
		}
	}
}

// sampleDelivered feeds the pool's delivered counter into the
// delivered burst tracker.
func (b *base[T]) sampleDelivered() {
	if b.pool == nil {
		return
	}
	_, delivered, _, _ := b.pool.Counters()
	if diff := delivered - b.lastDelivered; diff > 0 {
		b.deliveredStats.Mark(diff)
	}
	b.lastDelivered = delivered
}

func (b *base[T]) printStats() {
	handlerMaxBurstRate.WithLabelValues(b.key.String()).
		Set(float64(b.receivedStats.MaxBurstRateAndClear()))
	logging.Info(b.key.Type.Capitalized()+" received rate", logging.F(
		"handle", b.key.Handle,
		"one_min", printableRate(b.receivedStats.Rate(60))+" "+b.rateUnit,
		"five_min", printableRate(b.receivedStats.Rate(300))+" "+b.rateUnit,
		"current", printableRate(float64(b.receivedStats.CurrentRate()))+" "+b.rateUnit,
	))
	if b.deliveredStats.Count(300) == 0 {
		return
	}
	logging.Info(b.key.Type.Capitalized()+" delivered rate", logging.F(
		"handle", b.key.Handle,
		"one_min", printableRate(b.deliveredStats.Rate(60))+" "+b.rateUnit,
		"five_min", printableRate(b.deliveredStats.Rate(300))+" "+b.rateUnit,
	))
}

func (b *base[T]) printTotal() {
	var attempted, blocked int64
	if b.pool != nil {
		attempted, _, _, _ = b.pool.Counters()
	}
	blocked = b.blocked.Load()
	logging.Info(b.key.Type.Capitalized()+" processed since start", logging.F(
		"handle", b.key.Handle,
		"attempted", attempted,
		"blocked", blocked,
	))
}
