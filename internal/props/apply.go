package props

import (
	"github.com/szibis/telemetry-proxy/internal/api"
	"github.com/szibis/telemetry-proxy/internal/entity"
	"github.com/szibis/telemetry-proxy/internal/logging"
)

// ApplyAgentConfiguration pushes a check-in response into the registry.
// Senders observe the new values on their next flush.
func ApplyAgentConfiguration(r *Registry, cfg *api.AgentConfiguration) {
	points := r.Get(entity.TypePoint)
	histograms := r.Get(entity.TypeHistogram)
	spans := r.Get(entity.TypeSpan)
	spanLogs := r.Get(entity.TypeSpanLogs)

	points.SetItemsPerBatch(cfg.PointsPerBatch)
	histograms.SetItemsPerBatch(cfg.HistogramsPerBatch)
	spans.SetItemsPerBatch(cfg.SpansPerBatch)
	spanLogs.SetItemsPerBatch(cfg.SpanLogsPerBatch)

	points.SetRateLimit(cfg.CollectorRateLimit)
	histograms.SetRateLimit(cfg.HistogramRateLimit)
	spans.SetRateLimit(cfg.SpanRateLimit)
	spanLogs.SetRateLimit(cfg.SpanLogsRateLimit)

	points.SetRetryBackoffBaseSeconds(cfg.RetryBackoffBaseSeconds)
	histograms.SetRetryBackoffBaseSeconds(cfg.RetryBackoffBaseSeconds)
	spans.SetRetryBackoffBaseSeconds(cfg.RetryBackoffBaseSeconds)
	spanLogs.SetRetryBackoffBaseSeconds(cfg.RetryBackoffBaseSeconds)

	if cfg.SplitPushWhenRateLimited != nil {
		points.SetSplitPushWhenRateLimited(*cfg.SplitPushWhenRateLimited)
		histograms.SetSplitPushWhenRateLimited(*cfg.SplitPushWhenRateLimited)
		spans.SetSplitPushWhenRateLimited(*cfg.SplitPushWhenRateLimited)
		spanLogs.SetSplitPushWhenRateLimited(*cfg.SplitPushWhenRateLimited)
	}

	applyFeatureFlag(points, cfg.PointsFeatureDisabled, "points")
	applyFeatureFlag(histograms, cfg.HistogramsFeatureDisabled, "histograms")
	applyFeatureFlag(spans, cfg.TraceFeatureDisabled, "spans")
	applyFeatureFlag(spanLogs, cfg.SpanLogsFeatureDisabled, "spanLogs")
}

func applyFeatureFlag(p *EntityProperties, flag *bool, name string) {
	was := p.FeatureDisabled()
	p.SetFeatureDisabled(flag)
	now := p.FeatureDisabled()
	if was != now {
		if now {
			logging.Warn("data flow disabled by backend", logging.F("entity", name))
		} else {
			logging.Info("data flow re-enabled by backend", logging.F("entity", name))
		}
	}
}
