package sender

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/szibis/telemetry-proxy/internal/api"
	"github.com/szibis/telemetry-proxy/internal/entity"
	"github.com/szibis/telemetry-proxy/internal/logging"
	"github.com/szibis/telemetry-proxy/internal/props"
	"github.com/szibis/telemetry-proxy/internal/spool"
)

// shutdownDeadline bounds how long Shutdown waits for in-flight
// submissions before giving up the join.
const shutdownDeadline = 5 * time.Second

// Pool is the set of sender tasks for one HandlerKey, plus the queue
// processor draining that key's spool.
type Pool struct {
	key    entity.HandlerKey
	props  *props.EntityProperties
	client *api.Client
	queue  *spool.TaskQueue

	tasks []*SenderTask
	rr    atomic.Uint64

	attempted atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	blocked   atomic.Int64

	qp *queueProcessor

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
}

// NewPool creates a pool of n sender tasks for one pipeline.
func NewPool(key entity.HandlerKey, n int, p *props.EntityProperties,
	client *api.Client, queue *spool.TaskQueue) *Pool {
	if n <= 0 {
		n = 1
	}
	pool := &Pool{key: key, props: p, client: client, queue: queue}
	for i := 0; i < n; i++ {
		pool.tasks = append(pool.tasks, newSenderTask(i, pool))
	}
	pool.qp = newQueueProcessor(pool)
	return pool
}

// Start launches the flush loops and the queue processor.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		ctx, p.cancel = context.WithCancel(ctx)
		for _, t := range p.tasks {
			go t.run(ctx)
		}
		go p.qp.run(ctx)
	})
}

// PickTask selects a sender task by round-robin, advancing once more
// when the pick is currently the worst (highest score). This biases
// away from the most loaded task while preserving fairness.
func (p *Pool) PickTask() *SenderTask {
	n := len(p.tasks)
	if n == 1 {
		return p.tasks[0]
	}
	next := int(p.rr.Add(1)-1) % n
	worstScore := int64(0)
	worstID := 0
	for i, t := range p.tasks {
		if score := t.Score(); score > worstScore {
			worstScore = score
			worstID = i
		}
	}
	if next == worstID {
		next = int(p.rr.Add(1)-1) % n
	}
	return p.tasks[next]
}

// Add routes one serialized item to a sender task. When the picked
// task's buffer is full, or when the pool as a whole breaches the
// memory buffer limit, everything buffered spills to the spool with
// reason BUFFER_SIZE.
func (p *Pool) Add(line string) {
	t := p.PickTask()
	if !t.TryAdd(line) {
		p.DrainBuffersToQueue(spool.ReasonBufferSize)
		_ = t.TryAdd(line)
		return
	}
	if p.BufferedWeight() > p.props.MemoryBufferLimit() {
		p.DrainBuffersToQueue(spool.ReasonBufferSize)
	}
}

// AddSourceTag routes one source-tag operation to a sender task.
func (p *Pool) AddSourceTag(op entity.SourceTag) {
	t := p.PickTask()
	if !t.TryAddSourceTag(op) {
		p.DrainBuffersToQueue(spool.ReasonBufferSize)
		_ = t.TryAddSourceTag(op)
	}
}

// BufferedWeight sums buffered items across all tasks in the pool.
func (p *Pool) BufferedWeight() int {
	total := 0
	for _, t := range p.tasks {
		total += t.bufferedWeight()
	}
	return total
}

// DrainBuffersToQueue spools everything currently buffered across all
// tasks, tagged with the queueing reason.
func (p *Pool) DrainBuffersToQueue(reason spool.Reason) {
	drained := 0
	for _, t := range p.tasks {
		drained += t.bufferedWeight()
		t.drainToSpool(reason)
	}
	if drained > 0 {
		logging.Info("buffers drained to disk queue", logging.F(
			"key", p.key.String(),
			"reason", string(reason),
			"items", drained,
		))
	}
}

// Counters returns the pool's lifetime counters for the stats printers:
// attempted, delivered, failed, blocked.
func (p *Pool) Counters() (attempted, delivered, failed, blocked int64) {
	return p.attempted.Load(), p.delivered.Load(), p.failed.Load(), p.blocked.Load()
}

// QueueSize returns the number of tasks in this pool's spool.
func (p *Pool) QueueSize() int {
	return p.queue.Size()
}

// Shutdown stops the flush loops and the queue processor, waits up to
// 5 s for in-flight work, then drains all buffers to the spool with
// reason PROXY_SHUTDOWN. It does not block Add.
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() {
		for _, t := range p.tasks {
			close(t.stop)
		}
		p.qp.stop()

		g, _ := errgroup.WithContext(context.Background())
		for _, t := range p.tasks {
			t := t
			g.Go(func() error {
				select {
				case <-t.done:
				case <-time.After(shutdownDeadline):
				}
				return nil
			})
		}
		g.Go(func() error {
			select {
			case <-p.qp.done:
			case <-time.After(shutdownDeadline):
			}
			return nil
		})
		_ = g.Wait()

		if p.cancel != nil {
			p.cancel()
		}
		p.DrainBuffersToQueue(spool.ReasonProxyShutdown)
	})
}

// queueProcessor drains the spool: peek, submit, remove on success,
// backoff and re-queue on retryable failure.
type queueProcessor struct {
	pool     *Pool
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newQueueProcessor(pool *Pool) *queueProcessor {
	return &queueProcessor{
		pool:   pool,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (qp *queueProcessor) stop() {
	qp.stopOnce.Do(func() { close(qp.stopCh) })
}

func (qp *queueProcessor) run(ctx context.Context) {
	defer close(qp.done)
	idle := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-qp.stopCh:
			return
		default:
		}

		if !qp.processOne(ctx) {
			backoffSleep(idle, qp.stopCh)
		}
	}
}

// processOne handles the head spool record. Returns false when the
// spool is empty or the caller should back off before the next record.
func (qp *queueProcessor) processOne(ctx context.Context) bool {
	p := qp.pool
	keyLabel := p.key.String()

	rec, err := p.queue.Peek()
	if err != nil || rec == nil {
		return false
	}
	task, err := UnmarshalTask(rec.Data)
	if err != nil {
		// Schema-level corruption: the spool's CRC was fine but the
		// envelope is not usable. Count and drop.
		p.failed.Add(1)
		senderFailedTotal.WithLabelValues(keyLabel).Inc()
		logging.Warn("dropping undecodable spooled task", logging.F(
			"key", keyLabel,
			"error", err.Error(),
		))
		_ = p.queue.Remove()
		return true
	}
	task.Attempts = rec.Attempts
	task.FirstAttemptMillis = rec.FirstAttemptMillis

	if p.props.FeatureDisabled() {
		p.blocked.Add(int64(task.Weight()))
		senderBlockedTotal.WithLabelValues(keyLabel).Add(float64(task.Weight()))
		_ = p.queue.Remove()
		return true
	}

	weight := task.Weight()
	if burst := p.props.RateLimiter().Burst(); burst > 0 && weight > burst && weight >= 2 {
		// The task could never acquire enough tokens in one piece.
		_ = p.queue.Remove()
		for _, half := range task.Split(1) {
			qp.requeue(half, spool.ReasonRateLimit)
		}
		return true
	}
	if !p.props.RateLimiter().AllowN(time.Now(), weight) {
		return false
	}

	p.attempted.Add(1)
	senderAttemptedTotal.WithLabelValues(keyLabel).Inc()
	callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	start := time.Now()
	execErr := task.Execute(callCtx, p.client)
	cancel()

	if execErr == nil {
		_ = p.queue.Remove()
		p.delivered.Add(int64(weight))
		senderDeliveredTotal.WithLabelValues(keyLabel).Add(float64(weight))
		senderLatencySeconds.WithLabelValues(keyLabel).Observe(time.Since(start).Seconds())
		return true
	}

	var apiErr *api.APIError
	if errors.As(execErr, &apiErr) {
		switch {
		case apiErr.IsPushback():
			_ = p.queue.Remove()
			minSplit := p.props.MinBatchSplitSize()
			if p.props.SplitPushWhenRateLimited() && weight >= minSplit*2 {
				senderSplitTotal.WithLabelValues(keyLabel).Inc()
				for _, half := range task.Split(minSplit) {
					qp.requeue(half, spool.ReasonRateLimit)
				}
				return true
			}
			qp.requeue(task, spool.ReasonRateLimit)
		case apiErr.IsRetryable():
			_ = p.queue.Remove()
			qp.requeue(task, spool.ReasonServerError)
			backoffSleep(qp.backoff(task.Attempts), qp.stopCh)
		default:
			_ = p.queue.Remove()
			p.failed.Add(int64(weight))
			senderFailedTotal.WithLabelValues(keyLabel).Add(float64(weight))
			logging.Warn("spooled batch dropped on permanent error", logging.F(
				"key", keyLabel,
				"items", weight,
				"status", apiErr.StatusCode,
				"error", apiErr.Error(),
			))
		}
		return true
	}

	_ = p.queue.Remove()
	qp.requeue(task, spool.ReasonServerError)
	backoffSleep(qp.backoff(task.Attempts), qp.stopCh)
	return true
}

// requeue puts a task back on the spool, preserving attempt count.
func (qp *queueProcessor) requeue(task *SubmissionTask, reason spool.Reason) {
	data, err := task.Marshal()
	if err != nil {
		qp.pool.failed.Add(int64(task.Weight()))
		return
	}
	if err := qp.pool.queue.Add(spool.Record{
		Data:               data,
		FirstAttemptMillis: task.FirstAttemptMillis,
		Attempts:           task.Attempts,
	}, reason); err != nil {
		qp.pool.failed.Add(int64(task.Weight()))
		senderFailedTotal.WithLabelValues(qp.pool.key.String()).Add(float64(task.Weight()))
		logging.Error("spool rejected retry task, items lost", logging.F(
			"key", qp.pool.key.String(),
			"error", err.Error(),
		))
	}
}

// backoff computes base^attempts seconds, capped at 60 s. Jitter is
// added by backoffSleep.
func (qp *queueProcessor) backoff(attempts int) time.Duration {
	base := qp.pool.props.RetryBackoffBaseSeconds()
	secs := math.Pow(base, float64(attempts))
	if secs > 60 {
		secs = 60
	}
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs * float64(time.Second))
}
