package usecase

import "context"

// MetricsSummary represents aggregated verification insights.
type MetricsSummary struct {
	TotalRequests              int64   `json:"total_requests"`
	MatchedRequests            int64   `json:"matched_requests"`
	NotMatchedRequests         int64   `json:"not_matched_requests"`
	NoFaceRequests             int64   `json:"no_face_requests"`
	ErrorRequests              int64   `json:"error_requests"`
	MatchRate                  float64 `json:"match_rate"`
	AverageProcessingLatencyMs float64 `json:"average_processing_latency_ms"`
	ModelsReady                bool    `json:"models_ready"`
}

// GetMetricsSummary aggregates the stored verify counters.
func (uc *VerificationUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.stats.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:      aggregation.TotalCount,
		MatchedRequests:    aggregation.MatchedCount,
		NotMatchedRequests: aggregation.NotMatchedCount,
		NoFaceRequests:     aggregation.NoFaceCount,
		ErrorRequests:      aggregation.ErrorCount,
		ModelsReady:        uc.models.Status().Ready,
	}

	// Match rate only counts runs that reached a verdict.
	if compared := aggregation.MatchedCount + aggregation.NotMatchedCount; compared > 0 {
		summary.MatchRate = float64(aggregation.MatchedCount) / float64(compared)
	}
	if aggregation.TotalCount > 0 {
		summary.AverageProcessingLatencyMs = float64(aggregation.TotalLatencyMs) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
