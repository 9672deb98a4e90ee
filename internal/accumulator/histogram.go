package accumulator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/szibis/telemetry-proxy/internal/entity"
	"github.com/szibis/telemetry-proxy/internal/logging"
)

// digestAccuracy is the DDSketch relative accuracy for accumulated
// distributions.
const digestAccuracy = 0.01

// Granularity is the histogram aggregation window.
type Granularity int

const (
	GranularityMinute Granularity = iota
	GranularityHour
	GranularityDay
)

// Millis returns the window duration in milliseconds.
func (g Granularity) Millis() int64 {
	switch g {
	case GranularityHour:
		return 3600_000
	case GranularityDay:
		return 86_400_000
	default:
		return 60_000
	}
}

func (g Granularity) String() string {
	switch g {
	case GranularityHour:
		return "hour"
	case GranularityDay:
		return "day"
	default:
		return "minute"
	}
}

// GranularityFromMillis maps an incoming histogram duration to the
// closest granularity level.
func GranularityFromMillis(ms int64) Granularity {
	switch {
	case ms >= 86_400_000:
		return GranularityDay
	case ms >= 3600_000:
		return GranularityHour
	default:
		return GranularityMinute
	}
}

var (
	histogramAccumulatorSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "telemetry_proxy_histogram_accumulator_size",
		Help: "Number of live histogram digests",
	}, []string{"granularity"})

	histogramSampleAdded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_proxy_histogram_samples_added_total",
		Help: "Total scalar samples added to histogram digests",
	}, []string{"granularity"})

	histogramMerged = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_proxy_histogram_distributions_merged_total",
		Help: "Total incoming distributions merged bin-by-bin into digests",
	}, []string{"granularity"})

	histogramFlushedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_proxy_histogram_flushed_total",
		Help: "Total combined histograms emitted on flush",
	}, []string{"granularity"})
)

func init() {
	prometheus.MustRegister(histogramAccumulatorSize)
	prometheus.MustRegister(histogramSampleAdded)
	prometheus.MustRegister(histogramMerged)
	prometheus.MustRegister(histogramFlushedTotal)
}

// histogramKey identifies one accumulation bucket: series identity plus
// the window start.
type histogramKey struct {
	Metric      string
	Source      string
	TagsKey     string
	BinStartMs  int64
	Granularity Granularity
}

func makeHistogramKey(p *entity.Point, g Granularity, ts int64) (histogramKey, map[string]string) {
	binStart := ts - ts%g.Millis()
	var sb strings.Builder
	keys := make([]string, 0, len(p.Annotations))
	for k := range p.Annotations {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(p.Annotations[k])
		sb.WriteByte('\x00')
	}
	return histogramKey{
		Metric:      p.Metric,
		Source:      p.Source,
		TagsKey:     sb.String(),
		BinStartMs:  binStart,
		Granularity: g,
	}, p.Annotations
}

// histogramCell pairs a digest with the tags it was built from. The
// mutex guards merges so no reader ever observes a half-merged digest;
// insertion into the map is a single atomic LoadOrStore.
type histogramCell struct {
	mu     sync.Mutex
	sketch *ddsketch.DDSketch
	tags   map[string]string
}

// HistogramAccumulator aggregates samples and incoming distributions
// into per-window digests at a fixed granularity.
type HistogramAccumulator struct {
	key         entity.HandlerKey
	granularity Granularity
	emitter     Emitter
	clock       clock.Clock

	cells sync.Map // histogramKey -> *histogramCell
	size  atomic.Int64

	started  atomic.Bool
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewHistogram creates a histogram accumulator at the given granularity.
func NewHistogram(key entity.HandlerKey, g Granularity, emitter Emitter, clk clock.Clock) *HistogramAccumulator {
	if clk == nil {
		clk = clock.New()
	}
	return &HistogramAccumulator{
		key:         key,
		granularity: g,
		emitter:     emitter,
		clock:       clk,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Granularity returns the accumulator's window level.
func (a *HistogramAccumulator) Granularity() Granularity {
	return a.granularity
}

func (a *HistogramAccumulator) cell(p *entity.Point) (*histogramCell, error) {
	ts := p.Timestamp
	if ts == 0 {
		ts = a.clock.Now().UnixMilli()
	}
	k, tags := makeHistogramKey(p, a.granularity, ts)
	if v, ok := a.cells.Load(k); ok {
		return v.(*histogramCell), nil
	}
	sketch, err := ddsketch.NewDefaultDDSketch(digestAccuracy)
	if err != nil {
		return nil, fmt.Errorf("accumulator: create digest: %w", err)
	}
	fresh := &histogramCell{sketch: sketch, tags: tags}
	actual, loaded := a.cells.LoadOrStore(k, fresh)
	if !loaded {
		a.size.Add(1)
		histogramAccumulatorSize.WithLabelValues(a.granularity.String()).Set(float64(a.size.Load()))
	}
	return actual.(*histogramCell), nil
}

// AddSample folds one scalar sample into the point's digest.
func (a *HistogramAccumulator) AddSample(p *entity.Point, value float64) error {
	cell, err := a.cell(p)
	if err != nil {
		return err
	}
	cell.mu.Lock()
	defer cell.mu.Unlock()
	if err := cell.sketch.Add(value); err != nil {
		return err
	}
	histogramSampleAdded.WithLabelValues(a.granularity.String()).Inc()
	return nil
}

// AddDistribution merges an incoming histogram bin-by-bin. The caller
// has already verified the granularity gate (incoming duration must
// not be coarser than the accumulator's).
func (a *HistogramAccumulator) AddDistribution(p *entity.Point, h *entity.Histogram) error {
	cell, err := a.cell(p)
	if err != nil {
		return err
	}
	cell.mu.Lock()
	defer cell.mu.Unlock()
	for _, b := range h.Bins {
		if b.Count == 0 {
			continue
		}
		if err := cell.sketch.AddWithCount(b.Centroid, float64(b.Count)); err != nil {
			return err
		}
	}
	histogramMerged.WithLabelValues(a.granularity.String()).Inc()
	return nil
}

// Size returns the number of live digests.
func (a *HistogramAccumulator) Size() int {
	return int(a.size.Load())
}

// Start runs the periodic flush on the granularity interval.
func (a *HistogramAccumulator) Start(ctx context.Context) {
	a.started.Store(true)
	go func() {
		defer close(a.done)
		ticker := a.clock.Ticker(time.Duration(a.granularity.Millis()) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-a.stop:
				return
			case <-ticker.C:
				a.Flush()
			}
		}
	}()
}

// Flush emits one combined histogram per live bucket and clears it.
// Emitted histograms carry a single logical timestamp per window.
func (a *HistogramAccumulator) Flush() {
	a.cells.Range(func(k, v interface{}) bool {
		key := k.(histogramKey)
		cell := v.(*histogramCell)
		a.cells.Delete(k)
		a.size.Add(-1)
		histogramAccumulatorSize.WithLabelValues(a.granularity.String()).Set(float64(a.size.Load()))

		cell.mu.Lock()
		bins := digestBins(cell.sketch)
		cell.mu.Unlock()
		if len(bins) == 0 {
			return true
		}
		point := &entity.Point{
			Metric:    key.Metric,
			Source:    key.Source,
			Timestamp: key.BinStartMs,
			HistogramValue: &entity.Histogram{
				DurationMillis: a.granularity.Millis(),
				Bins:           bins,
			},
			Annotations: cell.tags,
		}
		a.emitter.Add(entity.PointLine(point))
		histogramFlushedTotal.WithLabelValues(a.granularity.String()).Inc()
		return true
	})
}

// digestBins extracts centroid bins from a digest.
func digestBins(sketch *ddsketch.DDSketch) []entity.Bin {
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

// Shutdown stops the flush loop and emits whatever is buffered.
func (a *HistogramAccumulator) Shutdown() {
	a.stopOnce.Do(func() {
		close(a.stop)
		if a.started.Load() {
			<-a.done
		}
		a.Flush()
		logging.Info("histogram accumulator stopped", logging.F(
			"key", a.key.String(),
			"granularity", a.granularity.String(),
		))
	})
}
