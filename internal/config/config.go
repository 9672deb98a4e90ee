// Package config holds the proxy's static configuration: everything
// the check-in loop cannot change at runtime.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the proxy configuration, loadable from YAML.
type Config struct {
	// Server is the backend base URL, e.g. https://example.wavefront.com/api/.
	Server string `yaml:"server"`
	// Token is the bearer token with Proxy Management permission.
	Token string `yaml:"token"`
	// Hostname identifies this proxy to the backend.
	Hostname string `yaml:"hostname"`
	// Ephemeral proxies are removed from the backend after inactivity.
	Ephemeral bool `yaml:"ephemeral"`

	// SpoolDir is the root directory for disk queues.
	SpoolDir string `yaml:"spoolDir"`
	// SpoolCompression enables snappy compression of spool records.
	SpoolCompression bool `yaml:"spoolCompression"`

	// PushListenerPorts are the handles for point pipelines.
	PushListenerPorts []string `yaml:"pushListenerPorts"`
	// DeltaCounterPorts are the handles for delta counter pipelines.
	DeltaCounterPorts []string `yaml:"deltaCounterPorts"`
	// HistogramPorts are the handles for distribution pipelines.
	HistogramPorts []string `yaml:"histogramPorts"`
	// TracePorts are the handles for span pipelines.
	TracePorts []string `yaml:"tracePorts"`

	// SendersPerKey is the sender task count per pipeline.
	SendersPerKey int `yaml:"flushThreads"`
	// PushFlushIntervalMillis is the initial interval between batches.
	PushFlushIntervalMillis int `yaml:"pushFlushInterval"`
	// PushRateLimit is the initial rate limit (items/s, 0 = unlimited).
	PushRateLimit float64 `yaml:"pushRateLimit"`
	// PushRateLimitMaxBurstSeconds sizes the rate limiter bucket.
	PushRateLimitMaxBurstSeconds int `yaml:"pushRateLimitMaxBurstSeconds"`
	// SplitPushWhenRateLimited splits batches on HTTP 406.
	SplitPushWhenRateLimited bool `yaml:"splitPushWhenRateLimited"`
	// BlockedItemsPerBatch samples blocked items into the main log.
	BlockedItemsPerBatch int `yaml:"pushBlockedSamples"`

	// DeltaCountersAggregationIntervalSeconds is the delta flush window.
	DeltaCountersAggregationIntervalSeconds int `yaml:"deltaCountersAggregationIntervalSeconds"`
	// HistogramGranularity is minute, hour, or day.
	HistogramGranularity string `yaml:"histogramGranularity"`

	// TraceSamplingRate keeps this fraction of traces [0..1].
	TraceSamplingRate float64 `yaml:"traceSamplingRate"`
	// TraceSamplingDuration keeps spans at or over this many millis
	// regardless of rate (0 disables).
	TraceSamplingDuration int64 `yaml:"traceSamplingDuration"`
	// TraceAlwaysSampleErrors forwards spans tagged error=true.
	TraceAlwaysSampleErrors bool `yaml:"traceAlwaysSampleErrors"`
	// TraceDerivedCustomTagKeys are folded into derived RED metrics.
	TraceDerivedCustomTagKeys []string `yaml:"traceDerivedCustomTagKeys"`

	// PreprocessorConfigFile points at the preprocessor rule YAML.
	PreprocessorConfigFile string `yaml:"preprocessorConfigFile"`

	// RequestTimeout bounds each backend call.
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	// GzipCompression compresses /report bodies.
	GzipCompression bool `yaml:"gzipCompression"`
}

// Default returns the standard configuration.
func Default() Config {
	hostname, _ := os.Hostname()
	return Config{
		Hostname:                                hostname,
		SpoolDir:                                "./spool",
		SendersPerKey:                           4,
		PushFlushIntervalMillis:                 1000,
		PushRateLimitMaxBurstSeconds:            10,
		SplitPushWhenRateLimited:                false,
		DeltaCountersAggregationIntervalSeconds: 30,
		HistogramGranularity:                    "minute",
		TraceSamplingRate:                       1.0,
		TraceAlwaysSampleErrors:                 true,
		RequestTimeout:                          30 * time.Second,
		GzipCompression:                         true,
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the proxy cannot start with.
func (c *Config) Validate() error {
	if c.Server == "" {
		return fmt.Errorf("config: server is required")
	}
	if c.Token == "" {
		return fmt.Errorf("config: token is required")
	}
	switch c.HistogramGranularity {
	case "minute", "hour", "day":
	default:
		return fmt.Errorf("config: invalid histogramGranularity %q", c.HistogramGranularity)
	}
	if c.TraceSamplingRate < 0 || c.TraceSamplingRate > 1 {
		return fmt.Errorf("config: traceSamplingRate must be within [0..1]")
	}
	return nil
}
