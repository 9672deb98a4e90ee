package checkin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/szibis/telemetry-proxy/internal/api"
)

// checkinBackend scripts check-in responses and records payloads.
type checkinBackend struct {
	mu       sync.Mutex
	statuses []int
	payloads []map[string]interface{}
	response map[string]interface{}
	requests int
}

func (b *checkinBackend) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if !strings.Contains(r.URL.Path, "/checkin") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var doc map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&doc)
		b.payloads = append(b.payloads, doc)
		status := http.StatusOK
		if b.requests < len(b.statuses) {
			status = b.statuses[b.requests]
		}
		b.requests++
		w.WriteHeader(status)
		if status < 400 {
			resp := b.response
			if resp == nil {
				resp = map[string]interface{}{}
			}
			_ = json.NewEncoder(w).Encode(resp)
		}
	}
}

func testGatherer(t *testing.T) prometheus.Gatherer {
	t.Helper()
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter", Help: "test"})
	reg.MustRegister(c)
	c.Add(42)
	return reg
}

func newTestController(t *testing.T, server string, cfgServer string,
	apply func(*api.AgentConfiguration), exit func(int)) (*Controller, *api.Client) {
	t.Helper()
	client := api.NewClient(api.Config{Server: server, Token: "test", Timeout: 2 * time.Second})
	if apply == nil {
		apply = func(*api.AgentConfiguration) {}
	}
	if exit == nil {
		exit = func(code int) { t.Fatalf("unexpected exit(%d)", code) }
	}
	c := New(Config{
		ProxyID:  uuid.New(),
		Hostname: "test-host",
		Version:  "0.0.1",
		Server:   cfgServer,
	}, client, NewLogicalClock(), apply,
		WithExitFunc(exit), WithGatherer(testGatherer(t)))
	return c, client
}

func TestCheckin_Success(t *testing.T) {
	backend := &checkinBackend{response: map[string]interface{}{"pointsPerBatch": 1234}}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	var applied *api.AgentConfiguration
	c, _ := newTestController(t, srv.URL, srv.URL, func(cfg *api.AgentConfiguration) { applied = cfg }, nil)
	c.Bootstrap(context.Background())

	if !c.HadSuccessfulCheckin() {
		t.Fatal("expected successful check-in")
	}
	if applied == nil || applied.PointsPerBatch == nil || *applied.PointsPerBatch != 1234 {
		t.Errorf("expected applied configuration, got %+v", applied)
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.payloads) != 1 {
		t.Fatalf("expected one check-in payload, got %d", len(backend.payloads))
	}
	if backend.payloads[0]["agentMetrics"] == nil {
		t.Error("expected metrics snapshot in check-in payload")
	}
}

func TestCheckin_URLAutofix(t *testing.T) {
	// First check-in 404s against the bare host; the controller appends
	// /api/ and retries once, then succeeds.
	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c, client := newTestController(t, srv.URL, srv.URL, nil, nil)
	c.Bootstrap(context.Background())

	if !c.HadSuccessfulCheckin() {
		t.Fatal("expected hadSuccessfulCheckin=true after the /api retry")
	}
	if !strings.HasSuffix(client.ServerURL(), "/api") {
		t.Errorf("expected server URL fixed up with /api, got %s", client.ServerURL())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(paths) != 2 {
		t.Errorf("expected exactly one automatic retry, got %d calls", len(paths))
	}
}

func TestCheckin_FirstRunMisconfigurationAborts(t *testing.T) {
	// 404 persists even against /api/: the proxy must abort startup.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	exitCode := 0
	c, _ := newTestController(t, srv.URL, srv.URL, nil, func(code int) { exitCode = code })
	c.Bootstrap(context.Background())

	if exitCode != ExitCheckinMisconfigured {
		t.Errorf("expected exit code %d, got %d", ExitCheckinMisconfigured, exitCode)
	}
	if c.HadSuccessfulCheckin() {
		t.Error("expected no successful check-in")
	}
}

func TestCheckin_SnapshotPreservedAcrossServerErrors(t *testing.T) {
	// Consecutive 500s must not consume the snapshot: the payload
	// delivered on the first 200 equals the one captured before the
	// first 500.
	backend := &checkinBackend{statuses: []int{500, 500, 500, 200}}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	c, _ := newTestController(t, srv.URL, srv.URL, nil, nil)
	c.updateMetrics()

	c.metricsMu.Lock()
	captured := string(c.metrics)
	c.metricsMu.Unlock()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if cfg := c.checkinOnce(ctx); cfg != nil {
			t.Fatalf("attempt %d: expected nil config on 500", i)
		}
		if c.HadSuccessfulCheckin() {
			t.Fatal("flag must not flip on 500")
		}
	}
	if cfg := c.checkinOnce(ctx); cfg == nil {
		t.Fatal("expected config on 200")
	}
	if !c.HadSuccessfulCheckin() {
		t.Error("expected flag transition to true on the 200")
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.payloads) != 4 {
		t.Fatalf("expected 4 attempts, got %d", len(backend.payloads))
	}
	first, _ := json.Marshal(backend.payloads[0]["agentMetrics"])
	last, _ := json.Marshal(backend.payloads[3]["agentMetrics"])
	if string(first) != string(last) {
		t.Error("expected the same snapshot resent after server errors")
	}
	var doc map[string]float64
	if err := json.Unmarshal([]byte(captured), &doc); err != nil {
		t.Fatalf("captured snapshot not JSON: %v", err)
	}
	if doc["test_counter"] != 42 {
		t.Errorf("expected test_counter=42 in snapshot, got %v", doc["test_counter"])
	}
}

func TestCheckin_ShutOffTerminates(t *testing.T) {
	backend := &checkinBackend{response: map[string]interface{}{"shutOffAgents": true}}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	exitCode := -1
	c, _ := newTestController(t, srv.URL, srv.URL, nil, func(code int) { exitCode = code })
	c.updateMetrics()
	c.updateConfiguration(context.Background())

	if exitCode != ExitShutOffByBackend {
		t.Errorf("expected exit code %d, got %d", ExitShutOffByBackend, exitCode)
	}
}

func TestCheckin_CurrentTimeRebasesClock(t *testing.T) {
	backendTime := time.Now().Add(90 * time.Second).UnixMilli()
	backend := &checkinBackend{response: map[string]interface{}{"currentTime": backendTime}}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	client := api.NewClient(api.Config{Server: srv.URL, Token: "test"})
	clk := NewLogicalClock()
	c := New(Config{ProxyID: uuid.New(), Hostname: "h", Server: srv.URL}, client, clk,
		func(*api.AgentConfiguration) {}, WithGatherer(testGatherer(t)),
		WithExitFunc(func(int) {}))
	c.updateMetrics()
	if cfg := c.checkinOnce(context.Background()); cfg == nil {
		t.Fatal("expected config")
	}

	offset := clk.Offset()
	if offset < 80_000 || offset > 100_000 {
		t.Errorf("expected clock rebased ~90s ahead, offset=%dms", offset)
	}
}

func TestCheckin_NetworkErrorKeepsRetrying(t *testing.T) {
	// Point at a closed port: connection refused must not consume the
	// snapshot or flip any flags.
	c, _ := newTestController(t, "http://127.0.0.1:1", "http://127.0.0.1:1", nil, nil)
	c.updateMetrics()
	if cfg := c.checkinOnce(context.Background()); cfg != nil {
		t.Fatal("expected nil config on connect error")
	}
	if c.HadSuccessfulCheckin() {
		t.Error("flag must not flip on network error")
	}
	c.metricsMu.Lock()
	defer c.metricsMu.Unlock()
	if c.metrics == nil {
		t.Error("expected snapshot restored after network error")
	}
}

func TestLogicalClock(t *testing.T) {
	clk := NewLogicalClock()
	target := time.Now().Add(time.Hour).UnixMilli()
	clk.Set(target)
	if diff := clk.Now() - target; diff < -1000 || diff > 1000 {
		t.Errorf("expected Now to track backend time, diff=%dms", diff)
	}
}

func TestStartAndShutdown(t *testing.T) {
	backend := &checkinBackend{}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	c, _ := newTestController(t, srv.URL, srv.URL, nil, nil)
	c.cfg.Interval = 10 * time.Millisecond
	c.cfg.MetricsInterval = 15 * time.Millisecond
	c.Bootstrap(context.Background())
	c.Start(context.Background())

	deadline := time.After(2 * time.Second)
	for {
		backend.mu.Lock()
		n := backend.requests
		backend.mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected scheduled check-ins")
		case <-time.After(10 * time.Millisecond):
		}
	}
	c.Shutdown()
}
