package usecase

import (
	"context"
	"errors"
)

// ErrAuditDisabled is returned by metrics queries when no audit log is configured.
var ErrAuditDisabled = errors.New("inference audit log is disabled")

// MetricsSummary represents aggregated diagnosis insights.
type MetricsSummary struct {
	TotalRequests              int64   `json:"total_requests"`
	SuccessfulRequests         int64   `json:"successful_requests"`
	SuccessRate                float64 `json:"success_rate"`
	CacheHitRate               float64 `json:"cache_hit_rate"`
	AverageProcessingLatencyMs float64 `json:"average_processing_latency_ms"`
}

// GetMetricsSummary aggregates diagnosis metrics from persisted audit logs.
func (s *DiagnosisService) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if s.audit == nil {
		return nil, ErrAuditDisabled
	}

	aggregation, err := s.audit.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:              aggregation.TotalCount,
		SuccessfulRequests:         aggregation.SuccessCount,
		AverageProcessingLatencyMs: aggregation.AverageLatencyMs,
	}

	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.SuccessCount) / float64(aggregation.TotalCount)
		summary.CacheHitRate = float64(aggregation.CacheHitCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
