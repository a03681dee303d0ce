package analytics

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weather-analytics/internal/models"
)

// featureMatrixFromColumns standardizes raw columns through the normal path.
func featureMatrixFromColumns(t *testing.T, columns map[string][]float64, order []string) *FeatureMatrix {
	t.Helper()
	fm, err := NewFeatureMatrix(datasetFromColumns(columns, order))
	require.NoError(t, err)
	return fm
}

func TestNewFeatureMatrix_Standardization(t *testing.T) {
	rng := rand.New(rand.NewSource(10))
	n := 80

	temp := make([]float64, n)
	humidity := make([]float64, n)
	for i := 0; i < n; i++ {
		temp[i] = 20 + 5*rng.NormFloat64()
		humidity[i] = 50 + 10*rng.NormFloat64()
	}
	// Punch some holes; imputation must keep the column usable.
	humidity[3] = math.NaN()
	humidity[17] = math.NaN()

	fm := featureMatrixFromColumns(t, map[string][]float64{
		models.ParamTemperature: temp,
		models.ParamHumidity:    humidity,
	}, []string{models.ParamTemperature, models.ParamHumidity})

	rows, cols := fm.Data.Dims()
	require.Equal(t, n, rows)
	require.Equal(t, 2, cols)

	for j := 0; j < cols; j++ {
		mean := 0.0
		for i := 0; i < rows; i++ {
			mean += fm.Data.At(i, j)
		}
		mean /= float64(rows)

		variance := 0.0
		for i := 0; i < rows; i++ {
			diff := fm.Data.At(i, j) - mean
			variance += diff * diff
		}
		variance /= float64(rows)

		assert.InDelta(t, 0.0, mean, 1e-9, "standardized column mean")
		assert.InDelta(t, 1.0, variance, 1e-9, "standardized column variance")
	}

	// Imputed cells sit exactly at the column mean, i.e. zero after scaling.
	assert.InDelta(t, 0.0, fm.Data.At(3, 1), 1e-12)
	assert.InDelta(t, 0.0, fm.Data.At(17, 1), 1e-12)
}

func TestNewFeatureMatrix_ExcludesDegenerateColumns(t *testing.T) {
	n := 40
	temp := make([]float64, n)
	humidity := make([]float64, n)
	wind := make([]float64, n)
	radiation := make([]float64, n)
	for i := 0; i < n; i++ {
		temp[i] = float64(i)
		humidity[i] = float64(i * i)
		wind[i] = 3.0 // constant
		radiation[i] = math.NaN()
	}

	fm := featureMatrixFromColumns(t, map[string][]float64{
		models.ParamTemperature: temp,
		models.ParamHumidity:    humidity,
		models.ParamWindSpeed:   wind,
		models.ParamRadiation:   radiation,
	}, []string{models.ParamTemperature, models.ParamHumidity, models.ParamWindSpeed, models.ParamRadiation})

	assert.Equal(t, []string{models.ParamTemperature, models.ParamHumidity}, fm.FeatureNames)
	require.Len(t, fm.Excluded, 2)

	reasons := map[string]string{}
	for _, ex := range fm.Excluded {
		reasons[ex.Name] = ex.Reason
	}
	assert.Equal(t, ExclusionDegenerate, reasons[models.ParamWindSpeed])
	assert.Equal(t, ExclusionAllMissing, reasons[models.ParamRadiation])
}

func TestNewFeatureMatrix_TooFewUsableColumns(t *testing.T) {
	n := 40
	temp := make([]float64, n)
	wind := make([]float64, n)
	for i := 0; i < n; i++ {
		temp[i] = float64(i)
		wind[i] = 1.0
	}

	_, err := NewFeatureMatrix(datasetFromColumns(map[string][]float64{
		models.ParamTemperature: temp,
		models.ParamWindSpeed:   wind,
	}, []string{models.ParamTemperature, models.ParamWindSpeed}))

	var insufficientErr *InsufficientDataError
	require.ErrorAs(t, err, &insufficientErr)
	assert.Contains(t, insufficientErr.Columns, models.ParamWindSpeed)
}

// correlatedTestMatrix builds a matrix whose first two columns share most of
// their variance, giving a dominant first component.
func correlatedTestMatrix(t *testing.T, n int, seed int64) *FeatureMatrix {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))

	temp := make([]float64, n)
	humidity := make([]float64, n)
	wind := make([]float64, n)
	for i := 0; i < n; i++ {
		temp[i] = rng.NormFloat64()
		humidity[i] = temp[i] + 0.1*rng.NormFloat64()
		wind[i] = rng.NormFloat64()
	}

	return featureMatrixFromColumns(t, map[string][]float64{
		models.ParamTemperature: temp,
		models.ParamHumidity:    humidity,
		models.ParamWindSpeed:   wind,
	}, []string{models.ParamTemperature, models.ParamHumidity, models.ParamWindSpeed})
}

func TestPerformPCA_VarianceOrderingAndRatios(t *testing.T) {
	fm := correlatedTestMatrix(t, 150, 20)

	result, err := PerformPCA(fm, 3, 0.95)
	require.NoError(t, err)
	require.Equal(t, 3, result.NComponents)

	for i := 1; i < len(result.ExplainedVariance); i++ {
		assert.GreaterOrEqual(t, result.ExplainedVariance[i-1], result.ExplainedVariance[i],
			"explained variance must be non-increasing")
	}

	cumulative := 0.0
	for i, ratio := range result.ExplainedVarianceRatio {
		assert.GreaterOrEqual(t, ratio, 0.0)
		assert.LessOrEqual(t, ratio, 1.0)
		cumulative += ratio
		assert.InDelta(t, cumulative, result.CumulativeVarianceRatio[i], 1e-12)
	}
	assert.InDelta(t, 1.0, result.CumulativeVarianceRatio[2], 1e-9,
		"all components together explain everything")
}

func TestPerformPCA_Orthonormality(t *testing.T) {
	fm := correlatedTestMatrix(t, 150, 21)

	result, err := PerformPCA(fm, 3, 0.95)
	require.NoError(t, err)

	d, k := result.Components.Dims()
	require.Equal(t, 3, d)
	require.Equal(t, 3, k)

	for a := 0; a < k; a++ {
		for b := 0; b < k; b++ {
			dot := 0.0
			for i := 0; i < d; i++ {
				dot += result.Components.At(i, a) * result.Components.At(i, b)
			}
			want := 0.0
			if a == b {
				want = 1.0
			}
			assert.InDelta(t, want, dot, 1e-6, "loadings columns must be orthonormal")
		}
	}
}

func TestPerformPCA_AutoComponentSelection(t *testing.T) {
	fm := correlatedTestMatrix(t, 150, 22)

	// The correlated pair dominates: one component covers most variance.
	result, err := PerformPCA(fm, 0, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 1, result.NComponents)
	assert.GreaterOrEqual(t, result.CumulativeVarianceRatio[0], 0.5)
}

func TestPerformPCA_VarianceThresholdScenario(t *testing.T) {
	// Four independent standardized parameters.
	rng := rand.New(rand.NewSource(23))
	n := 200
	columns := make(map[string][]float64, 4)
	order := []string{models.ParamTemperature, models.ParamHumidity, models.ParamWindSpeed, models.ParamRadiation}
	for _, name := range order {
		col := make([]float64, n)
		for i := range col {
			col[i] = rng.NormFloat64()
		}
		columns[name] = col
	}

	fm := featureMatrixFromColumns(t, columns, order)

	result, err := PerformPCA(fm, 0, 0.99)
	require.NoError(t, err)

	assert.LessOrEqual(t, result.NComponents, 4)
	last := result.CumulativeVarianceRatio[result.NComponents-1]
	if result.NComponents < 4 {
		assert.GreaterOrEqual(t, last, 0.99)
	} else {
		assert.InDelta(t, 1.0, last, 1e-9)
	}
}

func TestPerformPCA_ExplicitComponentsOutOfRange(t *testing.T) {
	fm := correlatedTestMatrix(t, 100, 24)

	_, err := PerformPCA(fm, 10, 0.95)
	var validationErr *models.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "n_components", validationErr.Field)
}

func TestReconstructionErrors_FullRankIsExact(t *testing.T) {
	fm := correlatedTestMatrix(t, 120, 25)

	result, err := PerformPCA(fm, 3, 0.95)
	require.NoError(t, err)

	errs := CalculateReconstructionErrors(fm, result)
	require.Len(t, errs, 120)
	for _, e := range errs {
		assert.InDelta(t, 0.0, e.Error, 1e-9, "full-rank reconstruction must be exact")
	}
}

func TestDetectAnomalies_OutlierFlagged(t *testing.T) {
	// Two correlated columns plus a small-noise column, with one row
	// carrying a value far outside the noise column's scale. A single
	// retained component captures the correlated pair, leaving the outlier
	// with the dominant residual.
	rng := rand.New(rand.NewSource(26))
	n := 60

	temp := make([]float64, n)
	humidity := make([]float64, n)
	wind := make([]float64, n)
	for i := 0; i < n; i++ {
		temp[i] = rng.NormFloat64()
		humidity[i] = temp[i] + 0.05*rng.NormFloat64()
		wind[i] = 0.1 * rng.NormFloat64()
	}
	outlierRow := 42
	wind[outlierRow] = 10.0

	fm := featureMatrixFromColumns(t, map[string][]float64{
		models.ParamTemperature: temp,
		models.ParamHumidity:    humidity,
		models.ParamWindSpeed:   wind,
	}, []string{models.ParamTemperature, models.ParamHumidity, models.ParamWindSpeed})

	result, err := PerformPCA(fm, 1, 0.95)
	require.NoError(t, err)

	errs := CalculateReconstructionErrors(fm, result)

	maxRow, maxErr := -1, -1.0
	for _, e := range errs {
		if e.Error > maxErr {
			maxErr = e.Error
			maxRow = e.RowIndex
		}
	}
	assert.Equal(t, outlierRow, maxRow, "the outlier row must have the maximum reconstruction error")

	report := DetectAnomalies(errs, 0.95)
	flagged := map[int]bool{}
	for _, row := range report.Rows {
		if row.IsAnomaly {
			flagged[row.RowIndex] = true
			assert.Greater(t, row.Error, report.Threshold)
			assert.LessOrEqual(t, row.Score, 3.0)
		}
	}
	assert.True(t, flagged[outlierRow], "the outlier must be flagged anomalous")
	assert.Equal(t, len(flagged), report.TotalAnomalies)
	assert.InDelta(t, float64(report.TotalAnomalies)/float64(n), report.AnomalyRate, 1e-12)
}

func TestDetectAnomalies_PercentileMonotonicity(t *testing.T) {
	rng := rand.New(rand.NewSource(27))
	errs := make([]ReconstructionError, 100)
	for i := range errs {
		errs[i] = ReconstructionError{RowIndex: i, Error: rng.ExpFloat64()}
	}

	previous := -1
	for _, pct := range []float64{0.5, 0.75, 0.9, 0.95, 0.99} {
		report := DetectAnomalies(errs, pct)
		if previous >= 0 {
			assert.LessOrEqual(t, report.TotalAnomalies, previous,
				"raising the percentile must never increase the anomaly count")
		}
		previous = report.TotalAnomalies
	}
}

func TestPercentileRanks(t *testing.T) {
	errs := []ReconstructionError{
		{RowIndex: 0, Error: 3.0},
		{RowIndex: 1, Error: 1.0},
		{RowIndex: 2, Error: 2.0},
		{RowIndex: 3, Error: 2.0},
	}

	ranks := percentileRanks(errs)
	assert.InDelta(t, 1.0, ranks[0], 1e-12)
	assert.InDelta(t, 0.25, ranks[1], 1e-12)
	assert.InDelta(t, 0.625, ranks[2], 1e-12, "ties share the average rank")
	assert.InDelta(t, 0.625, ranks[3], 1e-12)
}

func TestQuantile(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5}
	assert.InDelta(t, 3.0, quantile(values, 0.5), 1e-12)
	assert.InDelta(t, 4.8, quantile(values, 0.95), 1e-12)
	assert.InDelta(t, 1.0, quantile(values, 0), 1e-12)
	assert.InDelta(t, 5.0, quantile(values, 1), 1e-12)
}

func TestIdentifyTopContributors(t *testing.T) {
	fm := correlatedTestMatrix(t, 120, 28)

	result, err := PerformPCA(fm, 2, 0.95)
	require.NoError(t, err)

	contributors := IdentifyTopContributors(result, 2)
	require.Len(t, contributors, 2)

	for name, list := range contributors {
		require.LessOrEqual(t, len(list), 2, name)
		for i := 1; i < len(list); i++ {
			assert.GreaterOrEqual(t,
				math.Abs(list[i-1].Loading), math.Abs(list[i].Loading),
				"contributors ordered by absolute loading")
		}
	}

	// The correlated pair drives the first component.
	pc1 := contributors["PC1"]
	names := []string{pc1[0].Feature, pc1[1].Feature}
	assert.ElementsMatch(t, []string{models.ParamTemperature, models.ParamHumidity}, names)
}

func TestAnalyzeTemporalPatterns(t *testing.T) {
	fm := correlatedTestMatrix(t, 96, 29)

	result, err := PerformPCA(fm, 1, 0.95)
	require.NoError(t, err)

	patterns := AnalyzeTemporalPatterns(result)
	require.Contains(t, patterns, "PC1")

	pattern := patterns["PC1"]
	// Hourly timestamps over 96 rows cover all 24 hours.
	assert.Len(t, pattern.Hourly, 24)
	for hour := range pattern.Hourly {
		assert.GreaterOrEqual(t, hour, 0)
		assert.LessOrEqual(t, hour, 23)
	}
	for weekday := range pattern.Weekday {
		assert.GreaterOrEqual(t, weekday, 0)
		assert.LessOrEqual(t, weekday, 6)
	}
	for month := range pattern.Monthly {
		assert.GreaterOrEqual(t, month, 1)
		assert.LessOrEqual(t, month, 12)
	}

	assert.GreaterOrEqual(t, pattern.Stats.Max, pattern.Stats.Min)
}

func TestCreateBiplotData(t *testing.T) {
	fm := correlatedTestMatrix(t, 120, 30)

	result, err := PerformPCA(fm, 2, 0.95)
	require.NoError(t, err)

	data, err := CreateBiplotData(result, 1, 2, 3.0)
	require.NoError(t, err)

	assert.Len(t, data.ScoresX, 120)
	assert.Len(t, data.ScoresY, 120)
	assert.Equal(t, result.FeatureNames, data.Features)

	for i := range data.Features {
		assert.InDelta(t, result.Components.At(i, 0)*3.0, data.LoadingsX[i], 1e-12)
		assert.InDelta(t, result.Components.At(i, 1)*3.0, data.LoadingsY[i], 1e-12)
	}

	assert.Contains(t, data.VarianceExplained, "PC1")
	assert.Contains(t, data.VarianceExplained, "PC2")

	// 1-indexed bounds.
	_, err = CreateBiplotData(result, 0, 2, 3.0)
	assert.Error(t, err)
	_, err = CreateBiplotData(result, 1, 3, 3.0)
	assert.Error(t, err)
}

func TestRankFeatureImportance(t *testing.T) {
	fm := correlatedTestMatrix(t, 120, 31)

	result, err := PerformPCA(fm, 3, 0.95)
	require.NoError(t, err)

	importance := RankFeatureImportance(result)
	require.Len(t, importance, 3)

	for i := 1; i < len(importance); i++ {
		assert.GreaterOrEqual(t, importance[i-1].Importance, importance[i].Importance,
			"strongest feature first")
	}
	for _, fi := range importance {
		assert.Greater(t, fi.Importance, 0.0)
	}
}
