// Package checkin registers the proxy with the backend, runs the
// regular one-second check-in loop, captures a metrics snapshot every
// minute, and applies returned dynamic configuration to the rest of
// the proxy.
package checkin

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/szibis/telemetry-proxy/internal/api"
	"github.com/szibis/telemetry-proxy/internal/logging"
)

// Exit codes surfaced through the injectable exit function.
const (
	// ExitShutOffByBackend is used when the backend sets shutOffAgents.
	ExitShutOffByBackend = 1
	// ExitCheckinMisconfigured aborts startup after the /api retry
	// also fails with 404/405.
	ExitCheckinMisconfigured = -5
)

// Config seeds the controller.
type Config struct {
	ProxyID   uuid.UUID
	Hostname  string
	Version   string
	Ephemeral bool
	// Server is the originally configured backend URL, kept for the
	// /api autofix heuristic.
	Server string
	// Interval is the check-in period (default 1s).
	Interval time.Duration
	// MetricsInterval is the snapshot period (default 60s).
	MetricsInterval time.Duration
}

// Controller runs the check-in loops.
type Controller struct {
	cfg      Config
	client   *api.Client
	apply    func(*api.AgentConfiguration)
	gatherer prometheus.Gatherer
	clock    *LogicalClock
	exit     func(code int)

	// metricsMu pairs the snapshot with its capture timestamp. Never
	// held across I/O.
	metricsMu sync.Mutex
	metrics   json.RawMessage
	metricsTs int64

	hadSuccessfulCheckin atomic.Bool
	retryCheckin         bool

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Option mutates a Controller at construction.
type Option func(*Controller)

// WithExitFunc replaces os.Exit; tests use this to observe exits.
func WithExitFunc(f func(int)) Option {
	return func(c *Controller) { c.exit = f }
}

// WithGatherer replaces the default prometheus gatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(c *Controller) { c.gatherer = g }
}

// New creates a check-in controller. apply receives every successfully
// fetched configuration.
func New(cfg Config, client *api.Client, clk *LogicalClock,
	apply func(*api.AgentConfiguration), opts ...Option) *Controller {

	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = time.Minute
	}
	c := &Controller{
		cfg:      cfg,
		client:   client,
		apply:    apply,
		gatherer: prometheus.DefaultGatherer,
		clock:    clk,
		exit:     os.Exit,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// HadSuccessfulCheckin reports whether at least one check-in succeeded.
func (c *Controller) HadSuccessfulCheckin() bool {
	return c.hadSuccessfulCheckin.Load()
}

// Bootstrap performs the initial snapshot and the first check-in,
// retrying once immediately when the server endpoint URL was fixed up
// with an /api suffix.
func (c *Controller) Bootstrap(ctx context.Context) {
	c.updateMetrics()
	cfg := c.checkinOnce(ctx)
	if cfg == nil && c.retryCheckin {
		c.updateMetrics()
		cfg = c.checkinOnce(ctx)
	}
	if cfg != nil {
		logging.Info("initial configuration is available, setting up proxy")
		c.apply(cfg)
	}
}

// Start schedules the regular check-ins: metrics snapshot every minute,
// configuration fetch every second.
func (c *Controller) Start(ctx context.Context) {
	logging.Info("scheduling regular check-ins")
	go func() {
		defer close(c.done)
		checkinTicker := time.NewTicker(c.cfg.Interval)
		metricsTicker := time.NewTicker(c.cfg.MetricsInterval)
		defer checkinTicker.Stop()
		defer metricsTicker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-metricsTicker.C:
				c.updateMetrics()
			case <-checkinTicker.C:
				c.updateConfiguration(ctx)
			}
		}
	}()
}

// Shutdown stops the loops immediately.
func (c *Controller) Shutdown() {
	c.stopOnce.Do(func() {
		close(c.stop)
		<-c.done
	})
}

// updateConfiguration runs one scheduled check-in and applies the result.
func (c *Controller) updateConfiguration(ctx context.Context) {
	doShutdown := false
	cfg := c.checkinOnce(ctx)
	if cfg != nil {
		c.apply(cfg)
		doShutdown = cfg.ShutOffAgents
	}
	if doShutdown {
		logging.Warn("shutting down: backend-side flag indicates proxy has to shut down")
		c.exit(ExitShutOffByBackend)
	}
}

// updateMetrics captures the process metrics snapshot. Guarded by the
// metrics mutex against the check-in reader.
func (c *Controller) updateMetrics() {
	doc, err := snapshotMetrics(c.gatherer)
	if err != nil {
		logging.Error("could not generate proxy metrics", logging.F("error", err.Error()))
		return
	}
	c.metricsMu.Lock()
	c.metrics = doc
	c.metricsTs = time.Now().UnixMilli()
	c.metricsMu.Unlock()
}

// checkinOnce performs one check-in round trip. The metrics snapshot is
// consumed on success and restored when the HTTP attempt failed, so the
// next attempt resends the same document.
func (c *Controller) checkinOnce(ctx context.Context) *api.AgentConfiguration {
	c.metricsMu.Lock()
	if c.metrics == nil {
		c.metricsMu.Unlock()
		return nil
	}
	workingCopy := c.metrics
	workingTs := c.metricsTs
	c.metrics = nil
	c.metricsMu.Unlock()

	restore := func() {
		c.metricsMu.Lock()
		if c.metrics == nil {
			c.metrics = workingCopy
			c.metricsTs = workingTs
		}
		c.metricsMu.Unlock()
	}

	result, err := c.client.ProxyCheckin(ctx, c.cfg.ProxyID, c.cfg.Hostname,
		c.cfg.Version, workingTs, workingCopy, c.cfg.Ephemeral)
	if err != nil {
		if errors.Is(err, api.ErrInvalidConfiguration) {
			logging.Warn(err.Error())
			if repErr := c.client.ProxyError(ctx, c.cfg.ProxyID, err.Error()); repErr != nil {
				logging.Warn("cannot report error to backend", logging.F("error", repErr.Error()))
			}
			return nil
		}
		var apiErr *api.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
			restore()
			return c.handleClientError(apiErr)
		}
		// Server-side or network-level failure: keep the snapshot for
		// the next attempt so the same document is resent, and keep
		// retrying without flag changes.
		restore()
		c.checkinError("unable to check in with "+c.client.ServerURL()+": "+err.Error(),
			"Please verify your network/firewall settings!")
		return nil
	}

	c.hadSuccessfulCheckin.Store(true)
	cfg := result.Config
	if cfg.CurrentTime != nil {
		c.clock.Set(*cfg.CurrentTime)
	}
	return cfg
}

// handleClientError interprets HTTP-level check-in failures.
func (c *Controller) handleClientError(apiErr *api.APIError) *api.AgentConfiguration {
	switch apiErr.StatusCode {
	case 401:
		c.checkinError("HTTP 401 Unauthorized: Please verify that your server and token settings",
			"are correct and that the token has Proxy Management permission!")
	case 403:
		c.checkinError("HTTP 403 Forbidden: Please verify that your token has Proxy Management permission!", "")
	case 404, 405:
		serverURL := strings.TrimRight(c.cfg.Server, "/")
		if !c.hadSuccessfulCheckin.Load() && !c.retryCheckin && !strings.HasSuffix(serverURL, "/api") {
			fixed := serverURL + "/api/"
			c.checkinError("possible server endpoint misconfiguration detected, attempting to use "+fixed, "")
			c.client.UpdateServerURL(fixed)
			c.retryCheckin = true
			return nil
		}
		secondary := "Server endpoint URLs normally end with '/api/'. Current setting: " + c.cfg.Server
		if strings.HasSuffix(serverURL, "/api") {
			secondary = "Current setting: " + c.cfg.Server
		}
		c.checkinError("HTTP "+strconv.Itoa(apiErr.StatusCode)+": misconfiguration detected, "+
			"please verify that your server setting is correct", secondary)
		if !c.hadSuccessfulCheckin.Load() {
			logging.Warn("aborting start-up")
			c.exit(ExitCheckinMisconfigured)
		}
	case 407:
		c.checkinError("HTTP 407 Proxy Authentication Required: Please verify that proxyUser and proxyPassword",
			"settings are correct and make sure your HTTP proxy is not rate limiting!")
	default:
		c.checkinError("HTTP "+strconv.Itoa(apiErr.StatusCode)+" error: unable to check in with the backend!",
			c.cfg.Server+": "+apiErr.Error())
	}
	// Return an empty configuration; applying it changes nothing. The
	// snapshot was restored by the caller and is resent next attempt.
	return &api.AgentConfiguration{}
}

// checkinError logs a failure; the first-ever failure gets a banner.
func (c *Controller) checkinError(msg, secondary string) {
	if c.hadSuccessfulCheckin.Load() {
		if secondary != "" {
			msg += " " + secondary
		}
		logging.Error(msg)
		return
	}
	border := strings.Repeat("*", len(msg))
	logging.Error(border)
	logging.Error(msg)
	if secondary != "" {
		logging.Error(secondary)
	}
	logging.Error(border)
}

// snapshotMetrics renders the prometheus registry into a flat JSON
// document of metric name to value.
func snapshotMetrics(g prometheus.Gatherer) (json.RawMessage, error) {
	families, err := g.Gather()
	if err != nil {
		return nil, err
	}
	doc := make(map[string]float64, len(families))
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			name := mf.GetName() + labelSuffix(m)
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				doc[name] = m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				doc[name] = m.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				doc[name+".count"] = float64(m.GetHistogram().GetSampleCount())
				doc[name+".sum"] = m.GetHistogram().GetSampleSum()
			case dto.MetricType_SUMMARY:
				doc[name+".count"] = float64(m.GetSummary().GetSampleCount())
				doc[name+".sum"] = m.GetSummary().GetSampleSum()
			}
		}
	}
	return json.Marshal(doc)
}

func labelSuffix(m *dto.Metric) string {
	if len(m.GetLabel()) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, l := range m.GetLabel() {
		sb.WriteByte('.')
		sb.WriteString(l.GetValue())
	}
	return sb.String()
}

