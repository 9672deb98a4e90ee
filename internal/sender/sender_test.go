package sender

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/szibis/telemetry-proxy/internal/api"
	"github.com/szibis/telemetry-proxy/internal/entity"
	"github.com/szibis/telemetry-proxy/internal/props"
	"github.com/szibis/telemetry-proxy/internal/spool"
)

// testBackend records /report bodies and plays back a scripted status
// sequence.
type testBackend struct {
	mu       sync.Mutex
	statuses []int
	bodies   []string
	requests int
}

func (b *testBackend) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		body, _ := io.ReadAll(r.Body)
		if r.Header.Get("Content-Encoding") == "gzip" {
			zr, err := gzip.NewReader(strings.NewReader(string(body)))
			if err == nil {
				unzipped, _ := io.ReadAll(zr)
				body = unzipped
			}
		}
		b.bodies = append(b.bodies, string(body))
		status := http.StatusAccepted
		if b.requests < len(b.statuses) {
			status = b.statuses[b.requests]
		}
		b.requests++
		w.WriteHeader(status)
	}
}

func (b *testBackend) requestCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests
}

func (b *testBackend) allLines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var lines []string
	for i, body := range b.bodies {
		if i < len(b.statuses) && b.statuses[i] != http.StatusAccepted && b.statuses[i] != http.StatusOK {
			continue // only count delivered bodies
		}
		for _, l := range strings.Split(body, "\n") {
			if l != "" {
				lines = append(lines, l)
			}
		}
	}
	return lines
}

func newTestPool(t *testing.T, serverURL string, cfg props.Config) (*Pool, *spool.TaskQueue) {
	t.Helper()
	if cfg.FlushIntervalMillis == 0 {
		cfg.FlushIntervalMillis = 3_600_000 // manual flushes only
	}
	queue, err := spool.Open(spool.Config{Dir: t.TempDir(), Key: "points.2878"})
	if err != nil {
		t.Fatalf("open spool: %v", err)
	}
	client := api.NewClient(api.Config{Server: serverURL, Token: "test"})
	pool := NewPool(entity.MakeKey(entity.TypePoint, "2878"), 1, props.New(cfg), client, queue)
	t.Cleanup(func() { queue.Close() })
	return pool, queue
}

func TestFlush_DeliversBatch(t *testing.T) {
	backend := &testBackend{}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	pool, _ := newTestPool(t, srv.URL, props.Config{ItemsPerBatch: 10})
	for i := 0; i < 5; i++ {
		pool.Add(fmt.Sprintf("line-%d", i))
	}
	pool.tasks[0].flushOnce(context.Background())

	if backend.requestCount() != 1 {
		t.Fatalf("expected 1 request, got %d", backend.requestCount())
	}
	attempted, delivered, _, _ := pool.Counters()
	if attempted != 1 || delivered != 5 {
		t.Errorf("expected attempted=1 delivered=5, got %d/%d", attempted, delivered)
	}
}

func TestFlush_PushbackSplitsRecursively(t *testing.T) {
	// 406 on the full batch and on the first half, then success:
	// 8 items become two delivered batches, no item lost or duplicated.
	backend := &testBackend{statuses: []int{406, 406}}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	pool, queue := newTestPool(t, srv.URL, props.Config{
		ItemsPerBatch:            8,
		MinBatchSplitSize:        2,
		SplitPushWhenRateLimited: true,
	})
	var sent []string
	for i := 0; i < 8; i++ {
		line := fmt.Sprintf("line-%d", i)
		sent = append(sent, line)
		pool.Add(line)
	}

	task := pool.tasks[0]
	for i := 0; i < 6 && task.bufferedWeight() > 0; i++ {
		task.flushOnce(context.Background())
	}

	if queue.Size() != 0 {
		t.Errorf("expected nothing spooled, got %d", queue.Size())
	}
	got := backend.allLines()
	sort.Strings(got)
	sort.Strings(sent)
	if strings.Join(got, ",") != strings.Join(sent, ",") {
		t.Errorf("delivered lines mismatch:\n got %v\nwant %v", got, sent)
	}
	_, delivered, _, _ := pool.Counters()
	if delivered != 8 {
		t.Errorf("expected delivered=8, got %d", delivered)
	}
}

func TestFlush_PushbackBelowSplitSizeSpools(t *testing.T) {
	backend := &testBackend{statuses: []int{406}}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	pool, queue := newTestPool(t, srv.URL, props.Config{
		ItemsPerBatch:            4,
		MinBatchSplitSize:        100,
		SplitPushWhenRateLimited: true,
	})
	for i := 0; i < 4; i++ {
		pool.Add(fmt.Sprintf("line-%d", i))
	}
	pool.tasks[0].flushOnce(context.Background())

	if queue.Size() != 1 {
		t.Errorf("expected task spooled on unsplittable pushback, got %d", queue.Size())
	}
}

func TestFlush_TransientErrorSpools(t *testing.T) {
	backend := &testBackend{statuses: []int{503}}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	pool, queue := newTestPool(t, srv.URL, props.Config{ItemsPerBatch: 4})
	pool.Add("line-0")
	pool.tasks[0].flushOnce(context.Background())

	if queue.Size() != 1 {
		t.Fatalf("expected 1 spooled task, got %d", queue.Size())
	}
	rec, err := queue.Peek()
	if err != nil || rec == nil {
		t.Fatalf("peek: %v", err)
	}
	task, err := UnmarshalTask(rec.Data)
	if err != nil {
		t.Fatalf("unmarshal spooled task: %v", err)
	}
	if len(task.Lines) != 1 || task.Lines[0] != "line-0" {
		t.Errorf("unexpected spooled payload: %+v", task.Lines)
	}
}

func TestFlush_PermanentErrorDrops(t *testing.T) {
	backend := &testBackend{statuses: []int{400}}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	pool, queue := newTestPool(t, srv.URL, props.Config{ItemsPerBatch: 4})
	pool.Add("line-0")
	pool.tasks[0].flushOnce(context.Background())

	if queue.Size() != 0 {
		t.Errorf("expected nothing spooled on 400, got %d", queue.Size())
	}
	_, delivered, failed, _ := pool.Counters()
	if delivered != 0 || failed != 1 {
		t.Errorf("expected delivered=0 failed=1, got %d/%d", delivered, failed)
	}
}

func TestFlush_FeatureDisabledDropsWithoutHTTP(t *testing.T) {
	backend := &testBackend{}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	cfg := props.Config{ItemsPerBatch: 200}
	p := props.New(cfg)
	queue, err := spool.Open(spool.Config{Dir: t.TempDir(), Key: "spans.30001"})
	if err != nil {
		t.Fatalf("open spool: %v", err)
	}
	defer queue.Close()
	client := api.NewClient(api.Config{Server: srv.URL, Token: "test"})
	pool := NewPool(entity.MakeKey(entity.TypeSpan, "30001"), 1, p, client, queue)

	disabled := true
	p.SetFeatureDisabled(&disabled)
	for i := 0; i < 100; i++ {
		pool.Add(fmt.Sprintf("span-%d", i))
	}
	// Two flush cycles: all buffered items drop silently.
	pool.tasks[0].flushOnce(context.Background())
	pool.tasks[0].flushOnce(context.Background())

	if backend.requestCount() != 0 {
		t.Errorf("expected zero HTTP calls while disabled, got %d", backend.requestCount())
	}
	_, _, _, blocked := pool.Counters()
	if blocked != 100 {
		t.Errorf("expected blocked=100, got %d", blocked)
	}

	// Re-enabling mid-flight resumes cleanly.
	p.SetFeatureDisabled(nil)
	pool.Add("span-after")
	pool.tasks[0].flushOnce(context.Background())
	if backend.requestCount() != 1 {
		t.Errorf("expected delivery after re-enable, got %d requests", backend.requestCount())
	}
}

func TestFlush_RateLimitLeavesBatchBuffered(t *testing.T) {
	backend := &testBackend{}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	pool, _ := newTestPool(t, srv.URL, props.Config{
		ItemsPerBatch:            20,
		RateLimit:                10,
		RateLimitMaxBurstSeconds: 1,
	})
	for i := 0; i < 20; i++ {
		pool.Add(fmt.Sprintf("line-%d", i))
	}
	task := pool.tasks[0]
	task.flushOnce(context.Background()) // consumes the burst
	task.flushOnce(context.Background()) // no tokens left

	if backend.requestCount() != 1 {
		t.Errorf("expected exactly 1 request within the burst window, got %d", backend.requestCount())
	}
	if task.bufferedWeight() != 10 {
		t.Errorf("expected 10 items left buffered, got %d", task.bufferedWeight())
	}
}

func TestPool_PickTaskSkipsWorst(t *testing.T) {
	backend := &testBackend{}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	queue, err := spool.Open(spool.Config{Dir: t.TempDir(), Key: "points.2878"})
	if err != nil {
		t.Fatalf("open spool: %v", err)
	}
	defer queue.Close()
	client := api.NewClient(api.Config{Server: srv.URL, Token: "test"})
	pool := NewPool(entity.MakeKey(entity.TypePoint, "2878"), 3,
		props.New(props.Config{ItemsPerBatch: 100, FlushIntervalMillis: 3_600_000}), client, queue)

	// Load task 1 so it becomes the worst.
	for i := 0; i < 5; i++ {
		pool.tasks[1].TryAdd("x")
	}
	// Position round-robin so the natural pick is the worst task.
	pool.rr.Store(1)
	picked := pool.PickTask()
	if picked == pool.tasks[1] {
		t.Error("expected round-robin to skip the worst task")
	}
}

func TestPool_BufferFullDrainsToSpool(t *testing.T) {
	backend := &testBackend{}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	pool, queue := newTestPool(t, srv.URL, props.Config{ItemsPerBatch: 4})
	// One sender task, capacity 4: the fifth add drains to spool.
	for i := 0; i < 5; i++ {
		pool.Add(fmt.Sprintf("line-%d", i))
	}
	if queue.Size() == 0 {
		t.Error("expected overflow drained to spool")
	}
}

func TestPool_ShutdownDrainsWithReason(t *testing.T) {
	backend := &testBackend{statuses: []int{503, 503, 503, 503}}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	pool, queue := newTestPool(t, srv.URL, props.Config{ItemsPerBatch: 100})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	pool.Add("line-0")
	pool.Add("line-1")
	pool.Shutdown()

	if queue.Size() != 1 {
		t.Fatalf("expected 1 drained task after shutdown, got %d", queue.Size())
	}
	rec, _ := queue.Peek()
	task, err := UnmarshalTask(rec.Data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if task.Weight() != 2 {
		t.Errorf("expected both items in the drained task, got %d", task.Weight())
	}
}

func TestQueueProcessor_RetriesSpooledTask(t *testing.T) {
	backend := &testBackend{}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	pool, queue := newTestPool(t, srv.URL, props.Config{ItemsPerBatch: 10})
	task := NewLineTask(entity.TypePoint, "2878", []string{"a", "b"})
	data, _ := task.Marshal()
	if err := queue.Add(spool.Record{Data: data}, spool.ReasonServerError); err != nil {
		t.Fatalf("add: %v", err)
	}

	if !pool.qp.processOne(context.Background()) {
		t.Fatal("expected processOne to handle the task")
	}
	if queue.Size() != 0 {
		t.Errorf("expected spool emptied, got %d", queue.Size())
	}
	_, delivered, _, _ := pool.Counters()
	if delivered != 2 {
		t.Errorf("expected delivered=2, got %d", delivered)
	}
}

func TestQueueProcessor_RequeuesOnTransientError(t *testing.T) {
	backend := &testBackend{statuses: []int{503}}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	pool, queue := newTestPool(t, srv.URL, props.Config{ItemsPerBatch: 10})
	task := NewLineTask(entity.TypePoint, "2878", []string{"a"})
	data, _ := task.Marshal()
	_ = queue.Add(spool.Record{Data: data}, spool.ReasonServerError)

	done := make(chan struct{})
	go func() {
		pool.qp.processOne(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("processOne did not return")
	}

	if queue.Size() != 1 {
		t.Fatalf("expected task re-queued, got %d", queue.Size())
	}
	rec, _ := queue.Peek()
	if rec.Attempts != 1 {
		t.Errorf("expected attempts=1 after one failure, got %d", rec.Attempts)
	}
}

func TestSubmissionTask_SplitPreservesItems(t *testing.T) {
	lines := make([]string, 9)
	for i := range lines {
		lines[i] = fmt.Sprintf("l%d", i)
	}
	task := NewLineTask(entity.TypePoint, "2878", lines)
	halves := task.Split(2)
	if len(halves) != 2 {
		t.Fatalf("expected 2 halves, got %d", len(halves))
	}
	var joined []string
	joined = append(joined, halves[0].Lines...)
	joined = append(joined, halves[1].Lines...)
	if strings.Join(joined, ",") != strings.Join(lines, ",") {
		t.Errorf("split lost or reordered items: %v", joined)
	}

	small := NewLineTask(entity.TypePoint, "2878", []string{"only"})
	if got := small.Split(2); len(got) != 1 || got[0] != small {
		t.Error("expected unsplittable task returned unchanged")
	}
}

func TestSubmissionTask_EnvelopeRoundTrip(t *testing.T) {
	task := NewSourceTagTask("4878", []entity.SourceTag{{
		Op: entity.OpSourceTag, Action: entity.ActionSave, Source: "web-01",
		Annotations: []string{"a", "b"},
	}})
	task.Attempts = 2
	data, err := task.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := UnmarshalTask(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Kind != taskKindSourceTags || len(got.SourceTags) != 1 || got.Attempts != 2 {
		t.Errorf("round trip mismatch: %+v", got)
	}

	if _, err := UnmarshalTask([]byte(`{"kind":"martian"}`)); err == nil {
		t.Error("expected error for unknown task kind")
	}
}
