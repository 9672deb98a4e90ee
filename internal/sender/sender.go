package sender

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/szibis/telemetry-proxy/internal/api"
	"github.com/szibis/telemetry-proxy/internal/entity"
	"github.com/szibis/telemetry-proxy/internal/logging"
	"github.com/szibis/telemetry-proxy/internal/props"
	"github.com/szibis/telemetry-proxy/internal/spool"
)

var (
	senderAttemptedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_proxy_sender_attempted_total",
		Help: "Total submission attempts by pipeline",
	}, []string{"key"})

	senderDeliveredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_proxy_sender_delivered_total",
		Help: "Total items delivered to the backend by pipeline",
	}, []string{"key"})

	senderFailedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_proxy_sender_failed_total",
		Help: "Total items dropped on permanent errors by pipeline",
	}, []string{"key"})

	senderBlockedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_proxy_sender_blocked_total",
		Help: "Total items dropped because the feature is disabled",
	}, []string{"key"})

	senderRateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_proxy_sender_rate_limited_flushes_total",
		Help: "Total flushes deferred by the rate limiter",
	}, []string{"key"})

	senderSplitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_proxy_sender_pushback_splits_total",
		Help: "Total batch splits triggered by HTTP 406 pushback",
	}, []string{"key"})

	senderLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "telemetry_proxy_sender_submission_latency_seconds",
		Help:    "Observed latency of successful backend submissions",
		Buckets: prometheus.DefBuckets,
	}, []string{"key"})
)

func init() {
	prometheus.MustRegister(senderAttemptedTotal)
	prometheus.MustRegister(senderDeliveredTotal)
	prometheus.MustRegister(senderFailedTotal)
	prometheus.MustRegister(senderBlockedTotal)
	prometheus.MustRegister(senderRateLimitedTotal)
	prometheus.MustRegister(senderSplitTotal)
	prometheus.MustRegister(senderLatencySeconds)
}

// SenderTask owns one batch buffer and its scheduled flush loop. All
// buffer access goes through the task's mutex; tunables are re-read
// from the entity properties on every flush.
type SenderTask struct {
	id     int
	key    entity.HandlerKey
	props  *props.EntityProperties
	client *api.Client
	queue  *spool.TaskQueue
	pool   *Pool

	mu         sync.Mutex
	lines      []string
	sourceTags []entity.SourceTag
	// pending holds already-assembled tasks awaiting resubmission,
	// head first. Split halves land here so they keep their batch
	// identity across flush cycles.
	pending []*SubmissionTask

	stop chan struct{}
	done chan struct{}
}

func newSenderTask(id int, pool *Pool) *SenderTask {
	return &SenderTask{
		id:     id,
		key:    pool.key,
		props:  pool.props,
		client: pool.client,
		queue:  pool.queue,
		pool:   pool,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// TryAdd buffers one serialized item. Returns false when the buffer is
// already holding a full batch; the caller then drains the pool to the
// spool and retries.
func (t *SenderTask) TryAdd(line string) bool {
	limit := t.props.ItemsPerBatch()
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.lines) >= limit {
		return false
	}
	t.lines = append(t.lines, line)
	return true
}

// TryAddSourceTag buffers one source-tag operation.
func (t *SenderTask) TryAddSourceTag(op entity.SourceTag) bool {
	limit := t.props.ItemsPerBatch()
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sourceTags) >= limit {
		return false
	}
	t.sourceTags = append(t.sourceTags, op)
	return true
}

// Score is a relative measure of this task's backlog, used by the
// round-robin pick to bias away from the most loaded task.
func (t *SenderTask) Score() int64 {
	return int64(t.bufferedWeight())
}

// bufferedWeight returns the current buffered item count, including
// assembled tasks awaiting resubmission.
func (t *SenderTask) bufferedWeight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.lines) + len(t.sourceTags)
	for _, task := range t.pending {
		n += task.Weight()
	}
	return n
}

// run is the scheduled flush loop. The interval is re-read each cycle
// so check-in updates take effect without restart.
func (t *SenderTask) run(ctx context.Context) {
	defer close(t.done)
	for {
		interval := time.Duration(t.props.FlushIntervalMillis()) * time.Millisecond
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-t.stop:
			timer.Stop()
			return
		case <-timer.C:
			t.flushOnce(ctx)
		}
	}
}

// takeBatch removes up to itemsPerBatch buffered items and assembles a
// submission task, or nil when the buffer is empty.
func (t *SenderTask) takeBatch() *SubmissionTask {
	limit := t.props.ItemsPerBatch()
	// A batch larger than the limiter burst could never acquire.
	if burst := t.props.RateLimiter().Burst(); burst > 0 && burst < limit {
		limit = burst
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sourceTags) > 0 {
		n := len(t.sourceTags)
		if n > limit {
			n = limit
		}
		ops := make([]entity.SourceTag, n)
		copy(ops, t.sourceTags[:n])
		t.sourceTags = t.sourceTags[n:]
		return NewSourceTagTask(t.key.Handle, ops)
	}
	if len(t.lines) == 0 {
		return nil
	}
	n := len(t.lines)
	if n > limit {
		n = limit
	}
	lines := make([]string, n)
	copy(lines, t.lines[:n])
	t.lines = t.lines[n:]
	return NewLineTask(t.key.Type, t.key.Handle, lines)
}

// requeueHead puts an assembled task back at the head of the pending
// queue, so submission order is preserved within this task and split
// halves keep their batch identity.
func (t *SenderTask) requeueHead(task *SubmissionTask) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append([]*SubmissionTask{task}, t.pending...)
}

// nextTask pops the head pending task, or assembles a fresh batch from
// the buffer.
func (t *SenderTask) nextTask() *SubmissionTask {
	t.mu.Lock()
	if len(t.pending) > 0 {
		task := t.pending[0]
		t.pending = t.pending[1:]
		t.mu.Unlock()
		return task
	}
	t.mu.Unlock()
	return t.takeBatch()
}

// flushOnce assembles and submits one batch.
func (t *SenderTask) flushOnce(ctx context.Context) {
	if t.props.FeatureDisabled() {
		t.dropAllBlocked()
		return
	}
	task := t.nextTask()
	if task == nil {
		return
	}
	weight := task.Weight()

	// Acquire tokens without blocking the flush loop. An unfilled
	// reservation leaves the batch buffered for the next cycle.
	if !t.props.RateLimiter().AllowN(time.Now(), weight) {
		senderRateLimitedTotal.WithLabelValues(t.key.String()).Inc()
		t.requeueHead(task)
		return
	}

	t.submit(ctx, task)
}

// submit executes the task and routes the outcome: deliver, split,
// spool, or drop.
func (t *SenderTask) submit(ctx context.Context, task *SubmissionTask) {
	keyLabel := t.key.String()
	weight := task.Weight()
	t.pool.attempted.Add(1)
	senderAttemptedTotal.WithLabelValues(keyLabel).Inc()

	callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	start := time.Now()
	err := task.Execute(callCtx, t.client)
	cancel()

	if err == nil {
		t.pool.delivered.Add(int64(weight))
		senderDeliveredTotal.WithLabelValues(keyLabel).Add(float64(weight))
		senderLatencySeconds.WithLabelValues(keyLabel).Observe(time.Since(start).Seconds())
		return
	}

	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.IsPushback():
			minSplit := t.props.MinBatchSplitSize()
			if t.props.SplitPushWhenRateLimited() && weight >= minSplit*2 {
				halves := task.Split(minSplit)
				senderSplitTotal.WithLabelValues(keyLabel).Inc()
				// Head re-queue: repeated 406 splits recursively on
				// the next flush cycles.
				for i := len(halves) - 1; i >= 0; i-- {
					t.requeueHead(halves[i])
				}
				return
			}
			t.spoolTask(task, spool.ReasonRateLimit)
			return
		case apiErr.IsRetryable():
			t.spoolTask(task, spool.ReasonServerError)
			return
		default:
			t.pool.failed.Add(int64(weight))
			senderFailedTotal.WithLabelValues(keyLabel).Add(float64(weight))
			logging.Warn("batch dropped on permanent error", logging.F(
				"key", keyLabel,
				"task_id", t.id,
				"items", weight,
				"status", apiErr.StatusCode,
				"error", apiErr.Error(),
			))
			return
		}
	}

	// Errors without classification are treated as transient.
	t.spoolTask(task, spool.ReasonServerError)
}

// spoolTask persists the task for the queue processor to retry.
func (t *SenderTask) spoolTask(task *SubmissionTask, reason spool.Reason) {
	data, err := task.Marshal()
	if err != nil {
		t.pool.failed.Add(int64(task.Weight()))
		logging.Error("cannot serialize task for spooling, items lost", logging.F(
			"key", t.key.String(),
			"error", err.Error(),
		))
		return
	}
	err = t.queue.Add(spool.Record{
		Data:               data,
		FirstAttemptMillis: task.FirstAttemptMillis,
		Attempts:           task.Attempts,
	}, reason)
	if err != nil {
		t.pool.failed.Add(int64(task.Weight()))
		senderFailedTotal.WithLabelValues(t.key.String()).Add(float64(task.Weight()))
		logging.Error("spool rejected task, items lost", logging.F(
			"key", t.key.String(),
			"reason", string(reason),
			"items", task.Weight(),
			"error", err.Error(),
		))
	}
}

// dropAllBlocked silently discards the buffer while the feature is
// disabled by the backend; intake continues so re-enabling mid-flight
// resumes cleanly.
func (t *SenderTask) dropAllBlocked() {
	t.mu.Lock()
	n := len(t.lines) + len(t.sourceTags)
	for _, task := range t.pending {
		n += task.Weight()
	}
	t.lines = nil
	t.sourceTags = nil
	t.pending = nil
	t.mu.Unlock()
	if n > 0 {
		t.pool.blocked.Add(int64(n))
		senderBlockedTotal.WithLabelValues(t.key.String()).Add(float64(n))
	}
}

// drainToSpool moves everything buffered onto the disk queue, pending
// tasks first to keep their order ahead of fresh batches.
func (t *SenderTask) drainToSpool(reason spool.Reason) {
	for {
		task := t.nextTask()
		if task == nil {
			return
		}
		t.spoolTask(task, reason)
	}
}

// backoffSleep sleeps for the given duration with up to 10% jitter,
// waking early on stop.
func backoffSleep(d time.Duration, stop <-chan struct{}) {
	d += time.Duration(rand.Float64() * 0.1 * float64(d)) //nolint:gosec // jitter doesn't need crypto randomness
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-stop:
	case <-timer.C:
	}
}
