package services

import (
	"context"
	"io"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weather-analytics/internal/config"
	"weather-analytics/internal/models"
	"weather-analytics/internal/repository"
	"weather-analytics/pkg/logging"
	"weather-analytics/pkg/metrics"
)

// Collectors register against the global Prometheus registry, so the test
// binary shares a single instance.
var testMetrics = metrics.NewCollector("weather_analytics_services_test")

func testLogger() *logging.StructuredLogger {
	logger := logging.NewStructuredLogger("test", "0.0.0", logging.ErrorLevel)
	logger.SetOutput(io.Discard)
	return logger
}

func testAnalyticsConfig() config.AnalyticsConfig {
	return config.AnalyticsConfig{
		MinObservations:      30,
		StrongCorrThreshold:  0.7,
		PValueThreshold:      0.05,
		VarianceThreshold:    0.95,
		AnomalyPercentile:    0.95,
		WindowDays:           30,
		StepDays:             7,
		WindowWorkers:        4,
		TopContributors:      3,
		BiplotScaleFactor:    3.0,
		MaxObservationsFetch: 500000,
	}
}

// fakeRepository serves synthetic observations through a pluggable fetch
// function so tests can simulate store failures per query.
type fakeRepository struct {
	fetch      func(q repository.ObservationQuery) ([]*models.Observation, error)
	fetchCalls int
}

func (f *fakeRepository) FetchObservations(_ context.Context, q repository.ObservationQuery) ([]*models.Observation, error) {
	f.fetchCalls++
	return f.fetch(q)
}

func (f *fakeRepository) CreateObservationsBatch(context.Context, []*models.Observation) error {
	return nil
}

func (f *fakeRepository) ListStations(context.Context) ([]string, error) {
	return []string{"TEST001"}, nil
}

func (f *fakeRepository) HealthCheck(context.Context) error {
	return nil
}

// hourlyObservations generates deterministic hourly rows in [start, end)
// with a strong negative temperature/humidity relationship.
func hourlyObservations(start, end time.Time) []*models.Observation {
	rng := rand.New(rand.NewSource(start.Unix()))

	var observations []*models.Observation
	for t := start; t.Before(end); t = t.Add(time.Hour) {
		temp := 15 + 10*math.Sin(float64(t.Unix())/86400) + rng.Float64()
		humidity := 100 - 2*temp + 0.3*rng.NormFloat64()
		wind := 2 + 3*rng.Float64()

		obs := &models.Observation{Timestamp: t, StationID: "TEST001"}
		obs.SetValue(models.ParamTemperature, &temp)
		obs.SetValue(models.ParamHumidity, &humidity)
		obs.SetValue(models.ParamWindSpeed, &wind)
		observations = append(observations, obs)
	}
	return observations
}

func newHourlyFakeRepository() *fakeRepository {
	return &fakeRepository{
		fetch: func(q repository.ObservationQuery) ([]*models.Observation, error) {
			return hourlyObservations(q.Start, q.End), nil
		},
	}
}

func TestAnalyzeCorrelations(t *testing.T) {
	svc := NewCorrelationService(newHourlyFakeRepository(), testAnalyticsConfig(), testLogger(), testMetrics)

	result, err := svc.AnalyzeCorrelations(context.Background(), CorrelationRequest{
		StartDate:  "2023-01-01",
		EndDate:    "2023-02-01",
		Parameters: []string{models.ParamTemperature, models.ParamHumidity},
	})
	require.NoError(t, err)

	assert.Equal(t, 31*24, result.Observations)
	assert.Equal(t, []string{models.ParamTemperature, models.ParamHumidity}, result.Parameters)
	assert.Contains(t, result.Matrices, "pearson")
	assert.Contains(t, result.Matrices, "pearson_pvalues")
	assert.Contains(t, result.Matrices, "spearman")
	assert.Contains(t, result.Matrices, "spearman_pvalues")
	assert.Equal(t, "both", result.Method)

	r := result.Matrices["pearson"][models.ParamTemperature][models.ParamHumidity]
	assert.InDelta(t, -1.0, r, 0.05)

	require.Len(t, result.StrongCorrelations, 1)
	assert.Negative(t, result.StrongCorrelations[0].Coefficient)
	assert.Greater(t, result.Summary.MaxAbsCoefficient, 0.9)
}

func TestAnalyzeCorrelations_Validation(t *testing.T) {
	svc := NewCorrelationService(newHourlyFakeRepository(), testAnalyticsConfig(), testLogger(), testMetrics)
	ctx := context.Background()

	tests := []struct {
		name string
		req  CorrelationRequest
	}{
		{"missing start date", CorrelationRequest{EndDate: "2023-02-01"}},
		{"malformed date", CorrelationRequest{StartDate: "01/01/2023", EndDate: "2023-02-01"}},
		{"end before start", CorrelationRequest{StartDate: "2023-02-01", EndDate: "2023-01-01"}},
		{"unknown method", CorrelationRequest{StartDate: "2023-01-01", EndDate: "2023-02-01", Method: "kendall"}},
		{"unknown parameter", CorrelationRequest{StartDate: "2023-01-01", EndDate: "2023-02-01", Parameters: []string{"pressure"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.AnalyzeCorrelations(ctx, tt.req)
			var validationErr *models.ValidationError
			assert.ErrorAs(t, err, &validationErr)
		})
	}
}

func TestAnalyzeCorrelations_StoreErrorPropagates(t *testing.T) {
	repo := &fakeRepository{
		fetch: func(repository.ObservationQuery) ([]*models.Observation, error) {
			return nil, &repository.StoreUnavailableError{Op: "fetch_observations"}
		},
	}
	svc := NewCorrelationService(repo, testAnalyticsConfig(), testLogger(), testMetrics)

	_, err := svc.AnalyzeCorrelations(context.Background(), CorrelationRequest{
		StartDate: "2023-01-01",
		EndDate:   "2023-02-01",
	})

	var storeErr *repository.StoreUnavailableError
	assert.ErrorAs(t, err, &storeErr)
}

func TestAnalyzeTemporalStability_WindowGeneration(t *testing.T) {
	svc := NewCorrelationService(newHourlyFakeRepository(), testAnalyticsConfig(), testLogger(), testMetrics)

	windowDays, stepDays := 30, 30
	result, err := svc.AnalyzeTemporalStability(context.Background(), TemporalStabilityRequest{
		StartDate:  "2023-01-01",
		EndDate:    "2023-03-31", // 89 days: a third window would overrun
		Parameters: []string{models.ParamTemperature, models.ParamHumidity},
		WindowDays: &windowDays,
		StepDays:   &stepDays,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.WindowsTotal)
	assert.Equal(t, 0, result.WindowsSkipped)
	require.Len(t, result.Windows, 2)

	first := result.Windows[0]
	second := result.Windows[1]
	assert.True(t, first.Start.Before(second.Start), "windows in start order")
	assert.Equal(t, first.Start.AddDate(0, 0, 30), first.End)
	assert.Equal(t, first.End, second.Start)
	assert.Equal(t, 30*24, first.Observations)

	key := models.ParamTemperature + "__" + models.ParamHumidity
	for _, w := range result.Windows {
		require.Contains(t, w.Pearson, key)
		require.Contains(t, w.Spearman, key)
		assert.InDelta(t, -1.0, w.Pearson[key], 0.1)
	}

	series := result.Series[key]
	require.NotNil(t, series)
	require.Len(t, series.Pearson, 2)
	require.Len(t, series.Spearman, 2)
	for i := range series.Pearson {
		require.NotNil(t, series.Pearson[i])
		require.NotNil(t, series.Spearman[i])
	}
}

func TestAnalyzeTemporalStability_SkipOnFailure(t *testing.T) {
	cutover := time.Date(2023, 1, 31, 0, 0, 0, 0, time.UTC)
	repo := &fakeRepository{
		fetch: func(q repository.ObservationQuery) ([]*models.Observation, error) {
			if !q.Start.Before(cutover) {
				return nil, &repository.StoreUnavailableError{Op: "fetch_observations"}
			}
			return hourlyObservations(q.Start, q.End), nil
		},
	}
	svc := NewCorrelationService(repo, testAnalyticsConfig(), testLogger(), testMetrics)

	windowDays, stepDays := 30, 30
	result, err := svc.AnalyzeTemporalStability(context.Background(), TemporalStabilityRequest{
		StartDate:  "2023-01-01",
		EndDate:    "2023-03-31",
		Parameters: []string{models.ParamTemperature, models.ParamHumidity},
		WindowDays: &windowDays,
		StepDays:   &stepDays,
	})
	require.NoError(t, err, "a failed window is skipped, never fatal")

	assert.Equal(t, 2, result.WindowsTotal)
	assert.Equal(t, 1, result.WindowsSkipped)
	require.Len(t, result.Windows, 1)
	assert.Equal(t, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), result.Windows[0].Start)
}

func TestAnalyzeTemporalStability_UnderfilledWindowSkipped(t *testing.T) {
	repo := &fakeRepository{
		fetch: func(q repository.ObservationQuery) ([]*models.Observation, error) {
			// Ten rows per window, below the minimum of thirty.
			return hourlyObservations(q.Start, q.Start.Add(10*time.Hour)), nil
		},
	}
	svc := NewCorrelationService(repo, testAnalyticsConfig(), testLogger(), testMetrics)

	windowDays, stepDays := 30, 30
	result, err := svc.AnalyzeTemporalStability(context.Background(), TemporalStabilityRequest{
		StartDate:  "2023-01-01",
		EndDate:    "2023-03-31",
		WindowDays: &windowDays,
		StepDays:   &stepDays,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.WindowsSkipped)
	assert.Empty(t, result.Windows)
}

func TestAnalyzeTemporalStability_Validation(t *testing.T) {
	svc := NewCorrelationService(newHourlyFakeRepository(), testAnalyticsConfig(), testLogger(), testMetrics)
	ctx := context.Background()

	zero := 0
	_, err := svc.AnalyzeTemporalStability(ctx, TemporalStabilityRequest{
		StartDate:  "2023-01-01",
		EndDate:    "2023-03-31",
		WindowDays: &zero,
	})
	var validationErr *models.ValidationError
	assert.ErrorAs(t, err, &validationErr)

	_, err = svc.AnalyzeTemporalStability(ctx, TemporalStabilityRequest{
		StartDate: "2023-01-01",
		EndDate:   "2023-03-31",
		StepDays:  &zero,
	})
	assert.ErrorAs(t, err, &validationErr)
}

func TestAnalyzeCorrelations_PearsonOnly(t *testing.T) {
	svc := NewCorrelationService(newHourlyFakeRepository(), testAnalyticsConfig(), testLogger(), testMetrics)

	result, err := svc.AnalyzeCorrelations(context.Background(), CorrelationRequest{
		StartDate: "2023-01-01",
		EndDate:   "2023-02-01",
		Method:    "pearson",
	})
	require.NoError(t, err)

	assert.Contains(t, result.Matrices, "pearson")
	assert.NotContains(t, result.Matrices, "spearman")
	assert.Equal(t, "pearson", result.Method)
}
