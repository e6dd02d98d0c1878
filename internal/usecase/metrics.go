package usecase

import "context"

// MetricsSummary represents aggregated try-on session insights.
type MetricsSummary struct {
	TotalSessions          int64   `json:"total_sessions"`
	ActiveSessions         int     `json:"active_sessions"`
	TotalTicks             int64   `json:"total_ticks"`
	TotalApplied           int64   `json:"total_applied"`
	TotalDetectionFailures int64   `json:"total_detection_failures"`
	ApplyRate              float64 `json:"apply_rate"`
	AverageDurationMs      float64 `json:"average_duration_ms"`
	FailureStops           int64   `json:"failure_stops"`
}

// GetMetricsSummary aggregates session telemetry from persisted logs.
func (uc *TryOnUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalSessions:          aggregation.TotalSessions,
		ActiveSessions:         uc.activeCount(),
		TotalTicks:             aggregation.TotalTicks,
		TotalApplied:           aggregation.TotalApplied,
		TotalDetectionFailures: aggregation.TotalDetectionFailures,
		AverageDurationMs:      aggregation.AverageDurationMs,
		FailureStops:           aggregation.FailureStops,
	}

	if aggregation.TotalTicks > 0 {
		summary.ApplyRate = float64(aggregation.TotalApplied) / float64(aggregation.TotalTicks)
	}

	return summary, nil
}
