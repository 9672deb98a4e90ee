package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/szibis/telemetry-proxy/internal/accumulator"
	"github.com/szibis/telemetry-proxy/internal/api"
	"github.com/szibis/telemetry-proxy/internal/checkin"
	"github.com/szibis/telemetry-proxy/internal/config"
	"github.com/szibis/telemetry-proxy/internal/entity"
	"github.com/szibis/telemetry-proxy/internal/handler"
	"github.com/szibis/telemetry-proxy/internal/logging"
	"github.com/szibis/telemetry-proxy/internal/preprocessor"
	"github.com/szibis/telemetry-proxy/internal/props"
	"github.com/szibis/telemetry-proxy/internal/trace"
)

const buildVersion = "1.0.0"

func main() {
	configPath := flag.String("config", "telemetry-proxy.yaml", "path to proxy configuration file")
	statsAddr := flag.String("stats-addr", ":2879", "address for the internal /metrics endpoint")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Fatal("failed to load configuration", logging.F("error", err.Error()))
	}

	logging.SetResource(map[string]string{
		"service.name":    "telemetry-proxy",
		"service.version": buildVersion,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := api.NewClient(api.Config{
		Server:          cfg.Server,
		Token:           cfg.Token,
		Timeout:         cfg.RequestTimeout,
		GzipCompression: cfg.GzipCompression,
	})

	registry := props.NewRegistry()
	registry.Put(entity.TypePoint, props.New(props.Config{
		ItemsPerBatch:            props.DefaultBatchSize,
		RateLimit:                cfg.PushRateLimit,
		RateLimitMaxBurstSeconds: cfg.PushRateLimitMaxBurstSeconds,
		FlushIntervalMillis:      cfg.PushFlushIntervalMillis,
		SplitPushWhenRateLimited: cfg.SplitPushWhenRateLimited,
	}))

	// Preprocessor rules, keyed by handle.
	preprocessors := map[string]*preprocessor.Preprocessor{}
	if cfg.PreprocessorConfigFile != "" {
		preprocessors, err = preprocessor.LoadFile(cfg.PreprocessorConfigFile)
		if err != nil {
			logging.Fatal("failed to load preprocessor rules", logging.F(
				"error", err.Error(),
				"path", cfg.PreprocessorConfigFile,
			))
		}
	}
	granularity := accumulator.GranularityMinute
	switch cfg.HistogramGranularity {
	case "hour":
		granularity = accumulator.GranularityHour
	case "day":
		granularity = accumulator.GranularityDay
	}

	pipelines := handler.NewRegistry(ctx, handler.RegistryConfig{
		Client:                   client,
		Props:                    registry,
		SpoolDir:                 cfg.SpoolDir,
		SendersPerKey:            cfg.SendersPerKey,
		BlockedItemsPerBatch:     cfg.BlockedItemsPerBatch,
		SpoolCompression:         cfg.SpoolCompression,
		Validation:               entity.DefaultValidationConfig(),
		SetupMetrics:             true,
		DeltaAggregationInterval: time.Duration(cfg.DeltaCountersAggregationIntervalSeconds) * time.Second,
		HistogramGranularity:     granularity,
		BlockedLog:               logging.New(os.Stderr),
	})

	// intakes are the decoder-facing entry points, one per handle;
	// listeners feed decoded items into them.
	intakes := make(map[string]*handler.PointIntake)
	for _, port := range cfg.PushListenerPorts {
		h, err := pipelines.PointHandler(port)
		if err != nil {
			logging.Fatal("failed to build point pipeline", logging.F("handle", port, "error", err.Error()))
		}
		intakes[port] = handler.NewPointIntake(preprocessors[port], h)
	}
	for _, port := range cfg.DeltaCounterPorts {
		h, err := pipelines.DeltaHandler(port)
		if err != nil {
			logging.Fatal("failed to build delta pipeline", logging.F("handle", port, "error", err.Error()))
		}
		intakes[port] = handler.NewPointIntake(preprocessors[port], h)
	}
	for _, port := range cfg.HistogramPorts {
		h, err := pipelines.HistogramHandler(port)
		if err != nil {
			logging.Fatal("failed to build histogram pipeline", logging.F("handle", port, "error", err.Error()))
		}
		intakes[port] = handler.NewPointIntake(preprocessors[port], h)
	}
	logging.Info("pipelines ready", logging.F("intakes", len(intakes)))

	rateSampler := trace.NewRateSampler(cfg.TraceSamplingRate)
	var sampler trace.Sampler = rateSampler
	if cfg.TraceSamplingDuration > 0 {
		sampler = trace.NewCompositeSampler(rateSampler, trace.NewDurationSampler(cfg.TraceSamplingDuration))
	}

	var traceProcessors []*trace.Processor
	for _, port := range cfg.TracePorts {
		spanHandler, err := pipelines.SpanHandler(port)
		if err != nil {
			logging.Fatal("failed to build span pipeline", logging.F("handle", port, "error", err.Error()))
		}
		spanLogsHandler, err := pipelines.SpanLogsHandler(port)
		if err != nil {
			logging.Fatal("failed to build span logs pipeline", logging.F("handle", port, "error", err.Error()))
		}
		// Derived RED metrics and heartbeats are points; they flow
		// through a point pipeline on the same handle.
		pointPipeline, err := pipelines.EnsurePipeline(entity.MakeKey(entity.TypePoint, port))
		if err != nil {
			logging.Fatal("failed to build derived metrics pipeline", logging.F("handle", port, "error", err.Error()))
		}
		processor := trace.NewProcessor(trace.Config{
			Handle:             port,
			Preprocessor:       preprocessors[port],
			Sampler:            sampler,
			AlwaysSampleErrors: cfg.TraceAlwaysSampleErrors,
			CustomTagKeys:      cfg.TraceDerivedCustomTagKeys,
			Source:             cfg.Hostname,
		}, spanHandler, spanLogsHandler, pointPipeline.Pool)
		processor.Start(ctx)
		traceProcessors = append(traceProcessors, processor)
	}

	// Check-in: bootstrap synchronously, then schedule the loops.
	proxyID := uuid.New()
	clk := checkin.NewLogicalClock()
	controller := checkin.New(checkin.Config{
		ProxyID:   proxyID,
		Hostname:  cfg.Hostname,
		Version:   buildVersion,
		Ephemeral: cfg.Ephemeral,
		Server:    cfg.Server,
	}, client, clk, func(ac *api.AgentConfiguration) {
		props.ApplyAgentConfiguration(registry, ac)
		if ac.TraceSamplingRate != nil {
			rateSampler.SetRate(*ac.TraceSamplingRate)
		}
		if ac.TraceAlwaysSampleErrors != nil {
			for _, p := range traceProcessors {
				p.SetAlwaysSampleErrors(*ac.TraceAlwaysSampleErrors)
			}
		}
	})
	controller.Bootstrap(ctx)
	controller.Start(ctx)

	statsServer := &http.Server{Addr: *statsAddr, Handler: promhttp.Handler()}
	go func() {
		logging.Info("stats endpoint started", logging.F("addr", *statsAddr, "path", "/metrics"))
		if err := statsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("stats server error", logging.F("error", err.Error()))
		}
	}()

	logging.Info("telemetry-proxy started", logging.F(
		"proxy_id", proxyID.String(),
		"server", client.ServerURL(),
		"push_ports", cfg.PushListenerPorts,
		"delta_ports", cfg.DeltaCounterPorts,
		"histogram_ports", cfg.HistogramPorts,
		"trace_ports", cfg.TracePorts,
		"spool_dir", cfg.SpoolDir,
	))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logging.Info("shutting down")

	controller.Shutdown()
	for _, p := range traceProcessors {
		p.Shutdown()
	}
	pipelines.Shutdown()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = statsServer.Shutdown(shutdownCtx)
	shutdownCancel()
	cancel()

	logging.Info("shutdown complete")
}
