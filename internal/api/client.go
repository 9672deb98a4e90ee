// Package api is the HTTP client for the Wavefront-style backend:
// batched /report submissions, proxy check-ins, and source-tag
// mutations. All calls return *APIError on failure so callers can
// classify without string matching.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/szibis/telemetry-proxy/internal/entity"
)

// ErrInvalidConfiguration marks a check-in response that could not be
// decoded; the controller reports it back to the backend best-effort.
var ErrInvalidConfiguration = errors.New("configuration retrieved from server is invalid")

// AgentConfiguration is the dynamic configuration document returned by
// a successful check-in.
type AgentConfiguration struct {
	CurrentTime   *int64 `json:"currentTime,omitempty"`
	ShutOffAgents bool   `json:"shutOffAgents,omitempty"`

	PointsPerBatch          *int     `json:"pointsPerBatch,omitempty"`
	HistogramsPerBatch      *int     `json:"histogramsPerBatch,omitempty"`
	SpansPerBatch           *int     `json:"spansPerBatch,omitempty"`
	SpanLogsPerBatch        *int     `json:"spanLogsPerBatch,omitempty"`
	CollectorRateLimit      *float64 `json:"collectorRateLimit,omitempty"`
	HistogramRateLimit      *float64 `json:"histogramRateLimit,omitempty"`
	SpanRateLimit           *float64 `json:"spanRateLimit,omitempty"`
	SpanLogsRateLimit       *float64 `json:"spanLogsRateLimit,omitempty"`
	RetryBackoffBaseSeconds *float64 `json:"retryBackoffBaseSeconds,omitempty"`
	SplitPushWhenRateLimited *bool   `json:"splitPushWhenRateLimited,omitempty"`

	PointsFeatureDisabled     *bool `json:"pointsDisabled,omitempty"`
	HistogramsFeatureDisabled *bool `json:"histogramDisabled,omitempty"`
	TraceFeatureDisabled      *bool `json:"traceDisabled,omitempty"`
	SpanLogsFeatureDisabled   *bool `json:"spanLogsDisabled,omitempty"`

	TraceSamplingRate            *float64 `json:"retryBackoffSamplingRate,omitempty"`
	TraceAlwaysSampleErrors      *bool    `json:"traceAlwaysSampleErrors,omitempty"`
	DropSpansDelayedMinutes      *int     `json:"dropSpansDelayedMinutes,omitempty"`
	ValidationTimestampTolerance *int64   `json:"dataUpdateTolerance,omitempty"`
}

// contentTypes maps entity type to the /report content type.
var contentTypes = map[entity.Type]string{
	entity.TypePoint:     "application/x-wavefront-line",
	entity.TypeHistogram: "application/x-wavefront-histogram",
	entity.TypeSpan:      "application/x-wavefront-span",
	entity.TypeSpanLogs:  "application/json",
}

// Config holds client settings.
type Config struct {
	// Server is the backend base URL, e.g. https://example.wavefront.com/api/.
	Server string
	// Token is the bearer token for all calls.
	Token string
	// Timeout is the per-request timeout (default 30s).
	Timeout time.Duration
	// GzipCompression enables gzip of /report bodies (default in prod wiring).
	GzipCompression bool
}

// Client talks to the backend.
type Client struct {
	cfg  Config
	http *http.Client

	mu        sync.RWMutex
	serverURL string
}

// NewClient creates a backend client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:       cfg,
		http:      &http.Client{Timeout: cfg.Timeout},
		serverURL: strings.TrimRight(cfg.Server, "/"),
	}
}

// ServerURL returns the currently effective backend base URL.
func (c *Client) ServerURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverURL
}

// UpdateServerURL switches the backend base URL at runtime. Used by the
// check-in controller when it detects a missing /api suffix.
func (c *Client) UpdateServerURL(u string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serverURL = strings.TrimRight(u, "/")
}

// Report submits a batch body for one entity type.
func (c *Client) Report(ctx context.Context, t entity.Type, body io.Reader) error {
	ct, ok := contentTypes[t]
	if !ok {
		ct = "text/plain"
	}
	u := c.ServerURL() + "/report?f=" + url.QueryEscape(string(t))

	var reqBody io.Reader = body
	encoding := ""
	if c.cfg.GzipCompression {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := io.Copy(zw, body); err != nil {
			return &APIError{Err: fmt.Errorf("compressing report body: %w", err), Type: ErrorTypeUnknown}
		}
		if err := zw.Close(); err != nil {
			return &APIError{Err: fmt.Errorf("compressing report body: %w", err), Type: ErrorTypeUnknown}
		}
		reqBody = &buf
		encoding = "gzip"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, reqBody)
	if err != nil {
		return &APIError{Err: err, Type: ErrorTypeUnknown}
	}
	req.Header.Set("Content-Type", ct)
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	c.authorize(req)
	return c.do(req)
}

// CheckinResult carries the outcome of one proxy check-in.
type CheckinResult struct {
	Config     *AgentConfiguration
	StatusCode int
}

// ProxyCheckin registers the proxy and fetches AgentConfiguration.
func (c *Client) ProxyCheckin(ctx context.Context, proxyID uuid.UUID, hostname,
	version string, metricsTs int64, metrics json.RawMessage, ephemeral bool) (*CheckinResult, error) {

	doc := map[string]interface{}{
		"hostname":         hostname,
		"version":          version,
		"currentMillis":    metricsTs,
		"ephemeral":        ephemeral,
		"agentMetrics":     metrics,
		"agentMetricsTime": metricsTs,
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, &APIError{Err: err, Type: ErrorTypeUnknown}
	}

	u := c.ServerURL() + "/daemon/" + proxyID.String() + "/checkin"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, &APIError{Err: err, Type: ErrorTypeUnknown}
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, wrapTransportError(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 400 {
		return &CheckinResult{StatusCode: resp.StatusCode}, statusError(resp.StatusCode, string(body))
	}
	var cfg AgentConfiguration
	if err := json.Unmarshal(body, &cfg); err != nil {
		return nil, &APIError{
			Err:  fmt.Errorf("%w: %v", ErrInvalidConfiguration, err),
			Type: ErrorTypeUnknown,
		}
	}
	return &CheckinResult{Config: &cfg, StatusCode: resp.StatusCode}, nil
}

// ProxyError reports a proxy-side configuration problem to the backend.
// Best effort: failures are returned but callers typically only log them.
func (c *Client) ProxyError(ctx context.Context, proxyID uuid.UUID, message string) error {
	u := c.ServerURL() + "/daemon/" + proxyID.String() + "/error"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(message))
	if err != nil {
		return &APIError{Err: err, Type: ErrorTypeUnknown}
	}
	req.Header.Set("Content-Type", "text/plain")
	c.authorize(req)
	return c.do(req)
}

// SetDescription sets the description on a source. Idempotent.
func (c *Client) SetDescription(ctx context.Context, source, description string) error {
	return c.sourceCall(ctx, http.MethodPut, source, "description", strings.NewReader(description), "text/plain")
}

// RemoveDescription clears the description on a source. Idempotent.
func (c *Client) RemoveDescription(ctx context.Context, source string) error {
	return c.sourceCall(ctx, http.MethodDelete, source, "description", nil, "")
}

// AppendTag adds a single tag to a source. Idempotent.
func (c *Client) AppendTag(ctx context.Context, source, tag string) error {
	return c.sourceCall(ctx, http.MethodPut, source, "tag/"+url.PathEscape(tag), nil, "")
}

// RemoveTag deletes a single tag from a source. Idempotent.
func (c *Client) RemoveTag(ctx context.Context, source, tag string) error {
	return c.sourceCall(ctx, http.MethodDelete, source, "tag/"+url.PathEscape(tag), nil, "")
}

// SetTags replaces all tags on a source. Idempotent.
func (c *Client) SetTags(ctx context.Context, source string, tags []string) error {
	payload, err := json.Marshal(tags)
	if err != nil {
		return &APIError{Err: err, Type: ErrorTypeUnknown}
	}
	return c.sourceCall(ctx, http.MethodPost, source, "tag", bytes.NewReader(payload), "application/json")
}

func (c *Client) sourceCall(ctx context.Context, method, source, suffix string, body io.Reader, ct string) error {
	u := c.ServerURL() + "/source/" + url.PathEscape(source) + "/" + suffix
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return &APIError{Err: err, Type: ErrorTypeUnknown}
	}
	if ct != "" {
		req.Header.Set("Content-Type", ct)
	}
	c.authorize(req)
	return c.do(req)
}

func (c *Client) authorize(req *http.Request) {
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
}

func (c *Client) do(req *http.Request) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return wrapTransportError(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 400 {
		return statusError(resp.StatusCode, string(body))
	}
	return nil
}
