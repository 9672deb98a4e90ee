// Package accumulator aggregates short-window values — delta counter
// increments and histogram samples — into single per-window submissions.
// Emission goes straight into the sender pool for the owning
// HandlerKey, bypassing handler re-validation.
package accumulator

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/szibis/telemetry-proxy/internal/entity"
)

var (
	deltaAccumulatorSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "telemetry_proxy_delta_accumulator_size",
		Help: "Number of live delta counter cells",
	}, []string{"key"})

	deltaReportedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_proxy_delta_reported_total",
		Help: "Total aggregated delta values emitted",
	}, []string{"key"})

	deltaEvictedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_proxy_delta_evicted_total",
		Help: "Total delta cells evicted after idle TTL",
	}, []string{"key"})
)

func init() {
	prometheus.MustRegister(deltaAccumulatorSize)
	prometheus.MustRegister(deltaReportedTotal)
	prometheus.MustRegister(deltaEvictedTotal)
}

// AtomicDouble is a lock-free float64 cell.
type AtomicDouble struct {
	bits atomic.Uint64
}

// GetAndAdd adds delta and returns the previous value.
func (d *AtomicDouble) GetAndAdd(delta float64) float64 {
	for {
		old := d.bits.Load()
		cur := math.Float64frombits(old)
		if d.bits.CompareAndSwap(old, math.Float64bits(cur+delta)) {
			return cur
		}
	}
}

// GetAndSet replaces the value and returns the previous one.
func (d *AtomicDouble) GetAndSet(v float64) float64 {
	return math.Float64frombits(d.bits.Swap(math.Float64bits(v)))
}

// Load returns the current value.
func (d *AtomicDouble) Load() float64 {
	return math.Float64frombits(d.bits.Load())
}

type deltaCell struct {
	pair       entity.HostMetricTagsPair
	value      AtomicDouble
	lastAccess atomic.Int64 // unix millis
}

// Emitter receives serialized points from accumulators. Satisfied by
// *sender.Pool.
type Emitter interface {
	Add(line string)
}

// DeltaAccumulator aggregates delta counter increments per
// HostMetricTagsPair and emits one summed point per flush window.
// There is at most one live cell per pair.
type DeltaAccumulator struct {
	key      entity.HandlerKey
	interval time.Duration
	emitter  Emitter
	clock    clock.Clock

	cells sync.Map // string -> *deltaCell
	size  atomic.Int64

	started  atomic.Bool
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewDelta creates a delta accumulator flushing every interval.
func NewDelta(key entity.HandlerKey, interval time.Duration, emitter Emitter, clk clock.Clock) *DeltaAccumulator {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if clk == nil {
		clk = clock.New()
	}
	return &DeltaAccumulator{
		key:      key,
		interval: interval,
		emitter:  emitter,
		clock:    clk,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Add accumulates one delta increment. compute-if-absent keeps the
// at-most-one-cell-per-pair invariant.
func (a *DeltaAccumulator) Add(pair entity.HostMetricTagsPair, delta float64) {
	k := pair.Key()
	actual, loaded := a.cells.Load(k)
	if !loaded {
		actual, loaded = a.cells.LoadOrStore(k, &deltaCell{pair: pair})
		if !loaded {
			a.size.Add(1)
			deltaAccumulatorSize.WithLabelValues(a.key.String()).Set(float64(a.size.Load()))
		}
	}
	cell := actual.(*deltaCell)
	cell.value.GetAndAdd(delta)
	cell.lastAccess.Store(a.clock.Now().UnixMilli())
}

// Size returns the number of live cells.
func (a *DeltaAccumulator) Size() int {
	return int(a.size.Load())
}

// Start runs the periodic flush until ctx is done or Shutdown is called.
func (a *DeltaAccumulator) Start(ctx context.Context) {
	a.started.Store(true)
	go func() {
		defer close(a.done)
		ticker := a.clock.Ticker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-a.stop:
				return
			case <-ticker.C:
				a.Flush()
				a.evictIdle()
			}
		}
	}()
}

// Flush emits every cell's accumulated value. Cells that read zero
// after the atomic reset emit nothing.
func (a *DeltaAccumulator) Flush() {
	a.cells.Range(func(_, v interface{}) bool {
		a.report(v.(*deltaCell))
		return true
	})
}

// evictIdle removes cells untouched for 5x the aggregation interval,
// emitting any non-zero remainder on the way out.
func (a *DeltaAccumulator) evictIdle() {
	ttl := 5 * a.interval
	cutoff := a.clock.Now().Add(-ttl).UnixMilli()
	a.cells.Range(func(k, v interface{}) bool {
		cell := v.(*deltaCell)
		if cell.lastAccess.Load() < cutoff {
			a.report(cell)
			a.cells.Delete(k)
			a.size.Add(-1)
			deltaEvictedTotal.WithLabelValues(a.key.String()).Inc()
			deltaAccumulatorSize.WithLabelValues(a.key.String()).Set(float64(a.size.Load()))
		}
		return true
	})
}

// report reads-and-resets one cell and emits the sum as a single point.
func (a *DeltaAccumulator) report(cell *deltaCell) {
	value := cell.value.GetAndSet(0)
	if value == 0 {
		return
	}
	deltaReportedTotal.WithLabelValues(a.key.String()).Inc()
	point := &entity.Point{
		Metric:      cell.pair.Metric,
		Source:      cell.pair.Host,
		Timestamp:   a.clock.Now().UnixMilli(),
		Value:       value,
		Annotations: cell.pair.Tags,
	}
	a.emitter.Add(entity.PointLine(point))
}

// Shutdown flushes remaining values and stops the flush loop.
func (a *DeltaAccumulator) Shutdown() {
	a.stopOnce.Do(func() {
		close(a.stop)
		if a.started.Load() {
			<-a.done
		}
		a.Flush()
	})
}
