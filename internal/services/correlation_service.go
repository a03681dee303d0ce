package services

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"weather-analytics/internal/analytics"
	"weather-analytics/internal/config"
	"weather-analytics/internal/models"
	"weather-analytics/internal/repository"
	"weather-analytics/pkg/logging"
	"weather-analytics/pkg/metrics"
)

// CorrelationService orchestrates correlation analyses: it validates the
// request, fetches observations once per call, and hands the in-memory
// dataset to the analytics engine.
type CorrelationService struct {
	repo    repository.ObservationRepository
	cfg     config.AnalyticsConfig
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewCorrelationService creates a new correlation service
func NewCorrelationService(repo repository.ObservationRepository, cfg config.AnalyticsConfig, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *CorrelationService {
	return &CorrelationService{
		repo:    repo,
		cfg:     cfg,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// CorrelationRequest is the contract for a single correlation analysis.
type CorrelationRequest struct {
	StartDate       string   `json:"start_date"`
	EndDate         string   `json:"end_date"`
	StationID       *string  `json:"station_id,omitempty"`
	Parameters      []string `json:"parameters,omitempty"`
	Method          string   `json:"method,omitempty"`
	Threshold       *float64 `json:"threshold,omitempty"`
	PValueThreshold *float64 `json:"pvalue_threshold,omitempty"`
}

// CorrelationResult is the full output of one correlation analysis run.
type CorrelationResult struct {
	Matrices           map[string]map[string]map[string]float64 `json:"matrices"`
	StrongCorrelations []analytics.StrongCorrelation            `json:"strong_correlations"`
	Parameters         []string                                 `json:"parameters"`
	ExcludedColumns    []analytics.ExcludedColumn               `json:"excluded_columns,omitempty"`
	Observations       int                                      `json:"observations"`
	Method             string                                   `json:"method"`
	Summary            CorrelationSummary                       `json:"summary"`
}

// CorrelationSummary condenses the primary coefficient matrix.
type CorrelationSummary struct {
	MeanAbsCoefficient float64 `json:"mean_abs_coefficient"`
	MaxAbsCoefficient  float64 `json:"max_abs_coefficient"`
}

// AnalyzeCorrelations runs a full correlation analysis for the request.
func (s *CorrelationService) AnalyzeCorrelations(ctx context.Context, req CorrelationRequest) (*CorrelationResult, error) {
	timer := s.metrics.NewTimer(s.metrics.AnalysisDuration.WithLabelValues("correlation"))
	defer timer.ObserveDuration()

	start, end, err := parseDateRange(req.StartDate, req.EndDate)
	if err != nil {
		return nil, err
	}

	method, err := analytics.ParseMethod(req.Method)
	if err != nil {
		return nil, &models.ValidationError{Field: "method", Value: req.Method, Message: err.Error()}
	}

	params, err := models.ValidateParameters(req.Parameters)
	if err != nil {
		return nil, err
	}

	observations, err := s.repo.FetchObservations(ctx, repository.ObservationQuery{
		Start:      start,
		End:        end,
		StationID:  req.StationID,
		Parameters: params,
		Limit:      s.cfg.MaxObservationsFetch,
	})
	if err != nil {
		s.metrics.RecordAnalysisError("correlation", "store")
		return nil, err
	}

	ds := analytics.NewDataset(observations, params)

	bundle, err := analytics.CalculateCorrelations(ds, method, s.cfg.MinObservations)
	if err != nil {
		s.metrics.RecordAnalysisError("correlation", "insufficient_data")
		return nil, err
	}

	s.reportExclusions(ctx, "correlation", bundle.Excluded)

	matrices := make(map[string]map[string]map[string]float64, len(bundle.Matrices))
	for name, matrix := range bundle.Matrices {
		matrices[name] = matrix.ToMap()
	}

	// Strong pairs come from the Pearson matrix when available, otherwise
	// from the Spearman matrix.
	primary := "pearson"
	if bundle.Coefficients(primary) == nil {
		primary = "spearman"
	}

	threshold := s.cfg.StrongCorrThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	pvalueThreshold := s.cfg.PValueThreshold
	if req.PValueThreshold != nil {
		pvalueThreshold = *req.PValueThreshold
	}

	strong := analytics.IdentifyStrongCorrelations(
		bundle.Coefficients(primary), bundle.PValues(primary), threshold, pvalueThreshold)

	meanAbs, maxAbs := bundle.Coefficients(primary).UpperTriangleSummary()

	s.logger.Info(ctx, "[CORRELATION_COMPLETE] Correlation analysis completed", logging.Fields{
		"observations": bundle.Observations,
		"parameters":   len(bundle.Parameters),
		"strong_pairs": len(strong),
		"method":       method.String(),
	})

	return &CorrelationResult{
		Matrices:           matrices,
		StrongCorrelations: strong,
		Parameters:         bundle.Parameters,
		ExcludedColumns:    bundle.Excluded,
		Observations:       bundle.Observations,
		Method:             method.String(),
		Summary: CorrelationSummary{
			MeanAbsCoefficient: meanAbs,
			MaxAbsCoefficient:  maxAbs,
		},
	}, nil
}

// TemporalStabilityRequest extends the correlation contract with windowing.
type TemporalStabilityRequest struct {
	StartDate  string   `json:"start_date"`
	EndDate    string   `json:"end_date"`
	StationID  *string  `json:"station_id,omitempty"`
	Parameters []string `json:"parameters,omitempty"`
	WindowDays *int     `json:"window_days,omitempty"`
	StepDays   *int     `json:"step_days,omitempty"`
}

// WindowResult is one computed stability window. Skipped windows are absent.
type WindowResult struct {
	Start        time.Time          `json:"start"`
	End          time.Time          `json:"end"`
	Observations int                `json:"observations"`
	Pearson      map[string]float64 `json:"pearson"`
	Spearman     map[string]float64 `json:"spearman"`
}

// PairSeries tracks one unordered pair's coefficients across the computed
// windows. Entries are nil where the pair was excluded from a window.
type PairSeries struct {
	Pearson  []*float64 `json:"pearson"`
	Spearman []*float64 `json:"spearman"`
}

// TemporalStabilityResult holds the computed windows in window-start order
// plus the per-pair series aligned with them.
type TemporalStabilityResult struct {
	Windows        []WindowResult         `json:"windows"`
	Series         map[string]*PairSeries `json:"series"`
	WindowDays     int                    `json:"window_days"`
	StepDays       int                    `json:"step_days"`
	WindowsTotal   int                    `json:"windows_total"`
	WindowsSkipped int                    `json:"windows_skipped"`
}

// AnalyzeTemporalStability computes correlation matrices over rolling windows
// [t, t+window) stepped by step_days. Windows are independent fetch+compute
// units run in parallel under a bounded worker group; failed or underfilled
// windows are skipped with a warning, never fatal. Results are reassembled in
// window-start order regardless of completion order.
func (s *CorrelationService) AnalyzeTemporalStability(ctx context.Context, req TemporalStabilityRequest) (*TemporalStabilityResult, error) {
	timer := s.metrics.NewTimer(s.metrics.AnalysisDuration.WithLabelValues("temporal_stability"))
	defer timer.ObserveDuration()

	start, end, err := parseDateRange(req.StartDate, req.EndDate)
	if err != nil {
		return nil, err
	}

	windowDays := s.cfg.WindowDays
	if req.WindowDays != nil {
		windowDays = *req.WindowDays
	}
	stepDays := s.cfg.StepDays
	if req.StepDays != nil {
		stepDays = *req.StepDays
	}
	if windowDays <= 0 {
		return nil, &models.ValidationError{Field: "window_days", Message: fmt.Sprintf("window_days must be positive, got %d", windowDays)}
	}
	if stepDays <= 0 {
		return nil, &models.ValidationError{Field: "step_days", Message: fmt.Sprintf("step_days must be positive, got %d", stepDays)}
	}

	params, err := models.ValidateParameters(req.Parameters)
	if err != nil {
		return nil, err
	}

	// Last partial window that would exceed end is dropped, not truncated.
	var starts []time.Time
	window := time.Duration(windowDays) * 24 * time.Hour
	step := time.Duration(stepDays) * 24 * time.Hour
	for t := start; !t.Add(window).After(end); t = t.Add(step) {
		starts = append(starts, t)
	}

	results := make([]*WindowResult, len(starts))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.cfg.WindowWorkers)

	for i, windowStart := range starts {
		i, windowStart := i, windowStart
		group.Go(func() error {
			// A cancelled deadline stops issuing new windows; completed
			// ones are kept as a valid partial result.
			if groupCtx.Err() != nil {
				return nil
			}
			results[i] = s.computeWindow(groupCtx, windowStart, windowStart.Add(window), req.StationID, params)
			return nil
		})
	}

	// Workers only signal skips through nil slots, never errors.
	group.Wait()

	result := &TemporalStabilityResult{
		Series:       make(map[string]*PairSeries),
		WindowDays:   windowDays,
		StepDays:     stepDays,
		WindowsTotal: len(starts),
	}

	for _, wr := range results {
		if wr == nil {
			result.WindowsSkipped++
			continue
		}
		result.Windows = append(result.Windows, *wr)
	}

	for i := 0; i < len(params); i++ {
		for j := i + 1; j < len(params); j++ {
			key := pairKey(params[i], params[j])
			series := &PairSeries{
				Pearson:  make([]*float64, len(result.Windows)),
				Spearman: make([]*float64, len(result.Windows)),
			}
			for w, wr := range result.Windows {
				if v, ok := wr.Pearson[key]; ok {
					value := v
					series.Pearson[w] = &value
				}
				if v, ok := wr.Spearman[key]; ok {
					value := v
					series.Spearman[w] = &value
				}
			}
			result.Series[key] = series
		}
	}

	s.logger.Info(ctx, "[STABILITY_COMPLETE] Temporal stability analysis completed", logging.Fields{
		"windows_total":   result.WindowsTotal,
		"windows_skipped": result.WindowsSkipped,
		"window_days":     windowDays,
		"step_days":       stepDays,
	})

	return result, nil
}

// computeWindow fetches and analyzes one stability window. Any failure is
// reported as a skip (nil result), honoring the skip-on-failure policy.
func (s *CorrelationService) computeWindow(ctx context.Context, start, end time.Time, stationID *string, params []string) *WindowResult {
	observations, err := s.repo.FetchObservations(ctx, repository.ObservationQuery{
		Start:      start,
		End:        end,
		StationID:  stationID,
		Parameters: params,
		Limit:      s.cfg.MaxObservationsFetch,
	})
	if err != nil {
		s.skipWindow(ctx, start, end, "fetch_failed", err)
		return nil
	}

	if len(observations) < s.cfg.MinObservations {
		s.skipWindow(ctx, start, end, "insufficient_rows", nil)
		return nil
	}

	ds := analytics.NewDataset(observations, params)
	bundle, err := analytics.CalculateCorrelations(ds, analytics.MethodBoth, s.cfg.MinObservations)
	if err != nil {
		s.skipWindow(ctx, start, end, "computation_failed", err)
		return nil
	}

	wr := &WindowResult{
		Start:        start,
		End:          end,
		Observations: bundle.Observations,
		Pearson:      upperTriangleMap(bundle.Coefficients("pearson")),
		Spearman:     upperTriangleMap(bundle.Coefficients("spearman")),
	}

	s.metrics.WindowsComputedTotal.Inc()
	return wr
}

func (s *CorrelationService) skipWindow(ctx context.Context, start, end time.Time, reason string, err error) {
	s.metrics.RecordWindowSkipped(reason)
	fields := logging.Fields{
		"window_start": start.Format(time.RFC3339),
		"window_end":   end.Format(time.RFC3339),
		"reason":       reason,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	s.logger.Warn(ctx, "[WINDOW_SKIPPED] Stability window skipped", fields)
}

func (s *CorrelationService) reportExclusions(ctx context.Context, engine string, excluded []analytics.ExcludedColumn) {
	for _, ex := range excluded {
		s.metrics.ColumnsExcludedTotal.Inc()
		s.logger.Warn(ctx, "[COLUMN_EXCLUDED] Parameter excluded from analysis", logging.Fields{
			"engine":      engine,
			"parameter":   ex.Name,
			"non_missing": ex.NonMissing,
			"reason":      ex.Reason,
		})
	}
}

// upperTriangleMap flattens a matrix's strict upper triangle to pair keys.
func upperTriangleMap(matrix *analytics.Matrix) map[string]float64 {
	out := make(map[string]float64)
	if matrix == nil {
		return out
	}
	for i := 0; i < len(matrix.Parameters); i++ {
		for j := i + 1; j < len(matrix.Parameters); j++ {
			out[pairKey(matrix.Parameters[i], matrix.Parameters[j])] = matrix.At(i, j)
		}
	}
	return out
}

func pairKey(a, b string) string {
	return a + "__" + b
}

// dateLayouts are the accepted request date encodings, most specific first.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
}

// parseDateRange validates the request time range. End is exclusive.
func parseDateRange(startStr, endStr string) (start, end time.Time, err error) {
	start, err = parseDate("start_date", startStr)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err = parseDate("end_date", endStr)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !start.Before(end) {
		return time.Time{}, time.Time{}, &models.ValidationError{
			Field:   "end_date",
			Value:   endStr,
			Message: "end_date must be after start_date",
		}
	}
	return start, end, nil
}

func parseDate(field, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, &models.ValidationError{Field: field, Message: field + " is required"}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, &models.ValidationError{
		Field:   field,
		Value:   value,
		Message: fmt.Sprintf("invalid %s, expected YYYY-MM-DD or RFC3339", field),
	}
}
