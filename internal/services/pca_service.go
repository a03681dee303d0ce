package services

import (
	"context"
	"sort"

	"weather-analytics/internal/analytics"
	"weather-analytics/internal/config"
	"weather-analytics/internal/models"
	"weather-analytics/internal/repository"
	"weather-analytics/pkg/logging"
	"weather-analytics/pkg/metrics"
)

// PCAService orchestrates principal component analyses over fetched
// observation sets: standardization, decomposition, anomaly detection, and
// the derived interpretation tables.
type PCAService struct {
	repo    repository.ObservationRepository
	cfg     config.AnalyticsConfig
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewPCAService creates a new PCA service
func NewPCAService(repo repository.ObservationRepository, cfg config.AnalyticsConfig, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *PCAService {
	return &PCAService{
		repo:    repo,
		cfg:     cfg,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// PCARequest is the contract for one PCA analysis.
type PCARequest struct {
	StartDate         string   `json:"start_date"`
	EndDate           string   `json:"end_date"`
	StationID         *string  `json:"station_id,omitempty"`
	Parameters        []string `json:"parameters,omitempty"`
	Aggregation       string   `json:"aggregation,omitempty"` // "none" (default) or "daily"
	NComponents       *int     `json:"n_components,omitempty"`
	VarianceThreshold *float64 `json:"variance_threshold,omitempty"`
}

// PCAResultSummary is the transport shape of one PCA analysis run.
type PCAResultSummary struct {
	NComponents             int                                   `json:"n_components"`
	ExplainedVariance       []float64                             `json:"explained_variance"`
	ExplainedVarianceRatio  []float64                             `json:"explained_variance_ratio"`
	CumulativeVarianceRatio []float64                             `json:"cumulative_variance_ratio"`
	Loadings                map[string]map[string]float64         `json:"loadings"`
	TopContributors         map[string][]analytics.Contributor    `json:"top_contributors"`
	FeatureImportance       []analytics.FeatureImportance         `json:"feature_importance"`
	Anomalies               AnomalySummary                        `json:"anomalies"`
	TemporalPatterns        map[string]*analytics.TemporalPattern `json:"temporal_patterns"`
	FeatureNames            []string                              `json:"feature_names"`
	ExcludedColumns         []analytics.ExcludedColumn            `json:"excluded_columns,omitempty"`
	Observations            int                                   `json:"observations"`
	Aggregation             string                                `json:"aggregation"`
}

// AnomalySummary condenses the anomaly report for transport; the full
// per-row table stays internal.
type AnomalySummary struct {
	Total               int                 `json:"total"`
	Rate                float64             `json:"rate"`
	Threshold           float64             `json:"threshold"`
	ThresholdPercentile float64             `json:"threshold_percentile"`
	TopAnomalies        []analytics.Anomaly `json:"top_anomalies"`
}

// topAnomalyLimit bounds the per-response anomaly detail list.
const topAnomalyLimit = 20

// AnalyzePCA runs a complete PCA for the request: fetch, optional daily
// aggregation, standardization, decomposition, and the derived outputs.
func (s *PCAService) AnalyzePCA(ctx context.Context, req PCARequest) (*PCAResultSummary, error) {
	timer := s.metrics.NewTimer(s.metrics.AnalysisDuration.WithLabelValues("pca"))
	defer timer.ObserveDuration()

	fm, aggregation, observations, err := s.prepareFeatureMatrix(ctx, req)
	if err != nil {
		return nil, err
	}

	nComponents := 0
	if req.NComponents != nil {
		nComponents = *req.NComponents
	}
	varianceThreshold := s.cfg.VarianceThreshold
	if req.VarianceThreshold != nil {
		varianceThreshold = *req.VarianceThreshold
	}

	result, err := analytics.PerformPCA(fm, nComponents, varianceThreshold)
	if err != nil {
		s.metrics.RecordAnalysisError("pca", "decomposition")
		return nil, err
	}

	s.metrics.ComponentsRetained.Observe(float64(result.NComponents))

	errs := analytics.CalculateReconstructionErrors(fm, result)
	report := analytics.DetectAnomalies(errs, s.cfg.AnomalyPercentile)
	s.metrics.AnomaliesDetected.Observe(float64(report.TotalAnomalies))

	s.logger.Info(ctx, "[PCA_COMPLETE] PCA analysis completed", logging.Fields{
		"observations": observations,
		"features":     len(fm.FeatureNames),
		"components":   result.NComponents,
		"anomalies":    report.TotalAnomalies,
		"aggregation":  aggregation,
	})

	return &PCAResultSummary{
		NComponents:             result.NComponents,
		ExplainedVariance:       result.ExplainedVariance,
		ExplainedVarianceRatio:  result.ExplainedVarianceRatio,
		CumulativeVarianceRatio: result.CumulativeVarianceRatio,
		Loadings:                result.LoadingsMap(),
		TopContributors:         analytics.IdentifyTopContributors(result, s.cfg.TopContributors),
		FeatureImportance:       analytics.RankFeatureImportance(result),
		Anomalies:               summarizeAnomalies(report),
		TemporalPatterns:        analytics.AnalyzeTemporalPatterns(result),
		FeatureNames:            result.FeatureNames,
		ExcludedColumns:         fm.Excluded,
		Observations:            observations,
		Aggregation:             aggregation,
	}, nil
}

// BiplotRequest extends the PCA contract with the two components to plot.
type BiplotRequest struct {
	PCARequest
	PCX         *int     `json:"pc_x,omitempty"` // 1-indexed, default 1
	PCY         *int     `json:"pc_y,omitempty"` // 1-indexed, default 2
	ScaleFactor *float64 `json:"scale_factor,omitempty"`
}

// AnalyzeBiplot runs a PCA and extracts biplot coordinates for the two
// requested components.
func (s *PCAService) AnalyzeBiplot(ctx context.Context, req BiplotRequest) (*analytics.BiplotData, error) {
	timer := s.metrics.NewTimer(s.metrics.AnalysisDuration.WithLabelValues("pca_biplot"))
	defer timer.ObserveDuration()

	fm, _, _, err := s.prepareFeatureMatrix(ctx, req.PCARequest)
	if err != nil {
		return nil, err
	}

	nComponents := 0
	if req.NComponents != nil {
		nComponents = *req.NComponents
	}
	varianceThreshold := s.cfg.VarianceThreshold
	if req.VarianceThreshold != nil {
		varianceThreshold = *req.VarianceThreshold
	}

	result, err := analytics.PerformPCA(fm, nComponents, varianceThreshold)
	if err != nil {
		s.metrics.RecordAnalysisError("pca", "decomposition")
		return nil, err
	}

	pcX, pcY := 1, 2
	if req.PCX != nil {
		pcX = *req.PCX
	}
	if req.PCY != nil {
		pcY = *req.PCY
	}
	scale := s.cfg.BiplotScaleFactor
	if req.ScaleFactor != nil {
		scale = *req.ScaleFactor
	}

	return analytics.CreateBiplotData(result, pcX, pcY, scale)
}

// prepareFeatureMatrix fetches observations for the request and builds the
// standardized feature matrix, applying daily aggregation when asked for.
func (s *PCAService) prepareFeatureMatrix(ctx context.Context, req PCARequest) (*analytics.FeatureMatrix, string, int, error) {
	start, end, err := parseDateRange(req.StartDate, req.EndDate)
	if err != nil {
		return nil, "", 0, err
	}

	aggregation := req.Aggregation
	switch aggregation {
	case "":
		aggregation = "none"
	case "none", "daily":
	default:
		return nil, "", 0, &models.ValidationError{
			Field:   "aggregation",
			Value:   req.Aggregation,
			Message: "aggregation must be none or daily",
		}
	}

	params, err := models.ValidateParameters(req.Parameters)
	if err != nil {
		return nil, "", 0, err
	}

	observations, err := s.repo.FetchObservations(ctx, repository.ObservationQuery{
		Start:      start,
		End:        end,
		StationID:  req.StationID,
		Parameters: params,
		Limit:      s.cfg.MaxObservationsFetch,
	})
	if err != nil {
		s.metrics.RecordAnalysisError("pca", "store")
		return nil, "", 0, err
	}

	if aggregation == "daily" {
		observations = analytics.AggregateDaily(observations, params)
	}

	ds := analytics.NewDataset(observations, params)
	fm, err := analytics.NewFeatureMatrix(ds)
	if err != nil {
		s.metrics.RecordAnalysisError("pca", "insufficient_data")
		return nil, "", 0, err
	}

	for _, ex := range fm.Excluded {
		s.metrics.ColumnsExcludedTotal.Inc()
		s.logger.Warn(ctx, "[COLUMN_EXCLUDED] Parameter excluded from analysis", logging.Fields{
			"engine":      "pca",
			"parameter":   ex.Name,
			"non_missing": ex.NonMissing,
			"reason":      ex.Reason,
		})
	}

	return fm, aggregation, len(observations), nil
}

// summarizeAnomalies keeps the strongest flagged rows for transport.
func summarizeAnomalies(report *analytics.AnomalyReport) AnomalySummary {
	var flagged []analytics.Anomaly
	for _, row := range report.Rows {
		if row.IsAnomaly {
			flagged = append(flagged, row)
		}
	}

	// Highest error first.
	sort.SliceStable(flagged, func(i, j int) bool { return flagged[i].Error > flagged[j].Error })
	if len(flagged) > topAnomalyLimit {
		flagged = flagged[:topAnomalyLimit]
	}

	return AnomalySummary{
		Total:               report.TotalAnomalies,
		Rate:                report.AnomalyRate,
		Threshold:           report.Threshold,
		ThresholdPercentile: report.ThresholdPercentile,
		TopAnomalies:        flagged,
	}
}
