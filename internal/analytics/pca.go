package analytics

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"weather-analytics/internal/models"
)

// FeatureMatrix is the standardized input to PCA: rows are observations,
// columns are parameters in the fixed FeatureNames order, values are
// mean-imputed then z-scored. The fitted mean and scale vectors are carried
// so reconstructions and projections stay consistent.
type FeatureMatrix struct {
	Data         *mat.Dense
	FeatureNames []string
	Mean         []float64
	Scale        []float64
	Timestamps   []time.Time
	StationIDs   []string
	Excluded     []ExcludedColumn
}

// NewFeatureMatrix prepares a dataset for PCA: missing values are replaced
// by the column mean (fit on this same data), then each column is scaled to
// zero mean and unit variance. Columns that are entirely missing or
// (near-)constant are excluded with a warning entry; at least two usable
// columns must remain.
func NewFeatureMatrix(ds *Dataset) (*FeatureMatrix, error) {
	n := ds.Len()
	if n == 0 {
		return nil, &InsufficientDataError{
			Op:     "prepare_feature_matrix",
			Reason: "no observations in range",
		}
	}

	type fitted struct {
		name    string
		imputed []float64
		mean    float64
		scale   float64
	}

	var columns []fitted
	var excluded []ExcludedColumn

	for _, param := range ds.Parameters {
		col := ds.Column(param)

		nonMissing := 0
		mean := 0.0
		for _, v := range col {
			if !math.IsNaN(v) {
				nonMissing++
				mean += v
			}
		}
		if nonMissing == 0 {
			excluded = append(excluded, ExcludedColumn{Name: param, Reason: ExclusionAllMissing})
			continue
		}
		mean /= float64(nonMissing)

		imputed := make([]float64, n)
		variance := 0.0
		for i, v := range col {
			if math.IsNaN(v) {
				imputed[i] = mean
			} else {
				imputed[i] = v
			}
			diff := imputed[i] - mean
			variance += diff * diff
		}
		// Population variance, matching the fit-transform scaler semantics.
		variance /= float64(n)

		if variance < degenerateVariance {
			excluded = append(excluded, ExcludedColumn{Name: param, NonMissing: nonMissing, Reason: ExclusionDegenerate})
			continue
		}

		columns = append(columns, fitted{
			name:    param,
			imputed: imputed,
			mean:    mean,
			scale:   math.Sqrt(variance),
		})
	}

	if len(columns) < 2 {
		names := make([]string, 0, len(excluded))
		for _, ex := range excluded {
			names = append(names, ex.Name)
		}
		return nil, &InsufficientDataError{
			Op:      "prepare_feature_matrix",
			Reason:  fmt.Sprintf("need at least 2 usable parameters, have %d", len(columns)),
			Columns: names,
		}
	}

	d := len(columns)
	fm := &FeatureMatrix{
		Data:         mat.NewDense(n, d, nil),
		FeatureNames: make([]string, d),
		Mean:         make([]float64, d),
		Scale:        make([]float64, d),
		Timestamps:   append([]time.Time(nil), ds.Timestamps...),
		StationIDs:   append([]string(nil), ds.StationIDs...),
		Excluded:     excluded,
	}

	for j, col := range columns {
		fm.FeatureNames[j] = col.name
		fm.Mean[j] = col.mean
		fm.Scale[j] = col.scale
		for i := 0; i < n; i++ {
			fm.Data.Set(i, j, (col.imputed[i]-col.mean)/col.scale)
		}
	}

	return fm, nil
}

// PCAResult holds a fitted reduced orthogonal basis. Immutable once computed.
type PCAResult struct {
	NComponents             int
	ExplainedVariance       []float64
	ExplainedVarianceRatio  []float64
	CumulativeVarianceRatio []float64
	Components              *mat.Dense // d×k loadings, columns orthonormal
	Scores                  *mat.Dense // n×k projections
	FeatureNames            []string
	Mean                    []float64
	Scale                   []float64
	Timestamps              []time.Time
}

// ComponentName returns the 1-indexed display name for component i.
func (r *PCAResult) ComponentName(i int) string {
	return fmt.Sprintf("PC%d", i+1)
}

// LoadingsMap renders the loadings table as feature→component→loading maps.
func (r *PCAResult) LoadingsMap() map[string]map[string]float64 {
	out := make(map[string]map[string]float64, len(r.FeatureNames))
	for i, feature := range r.FeatureNames {
		row := make(map[string]float64, r.NComponents)
		for j := 0; j < r.NComponents; j++ {
			row[r.ComponentName(j)] = r.Components.At(i, j)
		}
		out[feature] = row
	}
	return out
}

// PerformPCA fits the principal components of the standardized feature
// matrix. When nComponents is zero the smallest k whose cumulative explained
// variance ratio reaches varianceThreshold is selected. Variance ratios are
// normalized over all possible components, not just the retained ones.
func PerformPCA(fm *FeatureMatrix, nComponents int, varianceThreshold float64) (*PCAResult, error) {
	n, d := fm.Data.Dims()
	if n < 2 {
		return nil, &InsufficientDataError{
			Op:     "perform_pca",
			Reason: fmt.Sprintf("need at least 2 observations, have %d", n),
		}
	}

	var pc stat.PC
	if ok := pc.PrincipalComponents(fm.Data, nil); !ok {
		return nil, fmt.Errorf("perform_pca: decomposition failed")
	}

	vars := pc.VarsTo(nil)
	available := len(vars)

	total := 0.0
	for _, v := range vars {
		total += v
	}
	if total <= 0 {
		return nil, &InsufficientDataError{
			Op:     "perform_pca",
			Reason: "feature matrix has no variance",
		}
	}

	ratios := make([]float64, available)
	cumulative := make([]float64, available)
	running := 0.0
	for i, v := range vars {
		ratios[i] = v / total
		running += ratios[i]
		cumulative[i] = running
	}

	k := nComponents
	if k <= 0 {
		k = available
		for i, c := range cumulative {
			if c >= varianceThreshold {
				k = i + 1
				break
			}
		}
	} else if k > available {
		return nil, &models.ValidationError{
			Field:   "n_components",
			Value:   strconv.Itoa(k),
			Message: fmt.Sprintf("n_components %d exceeds the %d available components", k, available),
		}
	}

	var vec mat.Dense
	pc.VectorsTo(&vec)

	components := mat.NewDense(d, k, nil)
	components.Copy(vec.Slice(0, d, 0, k))

	scores := mat.NewDense(n, k, nil)
	scores.Mul(fm.Data, components)

	return &PCAResult{
		NComponents:             k,
		ExplainedVariance:       append([]float64(nil), vars[:k]...),
		ExplainedVarianceRatio:  append([]float64(nil), ratios[:k]...),
		CumulativeVarianceRatio: append([]float64(nil), cumulative[:k]...),
		Components:              components,
		Scores:                  scores,
		FeatureNames:            fm.FeatureNames,
		Mean:                    append([]float64(nil), fm.Mean...),
		Scale:                   append([]float64(nil), fm.Scale...),
		Timestamps:              fm.Timestamps,
	}, nil
}

// Contributor is one feature's signed loading within a component.
type Contributor struct {
	Feature string  `json:"feature"`
	Loading float64 `json:"loading"`
}

// IdentifyTopContributors ranks features by absolute loading per component
// and keeps the nTop strongest, preserving the signed loading value.
func IdentifyTopContributors(result *PCAResult, nTop int) map[string][]Contributor {
	out := make(map[string][]Contributor, result.NComponents)

	for j := 0; j < result.NComponents; j++ {
		contributors := make([]Contributor, len(result.FeatureNames))
		for i, feature := range result.FeatureNames {
			contributors[i] = Contributor{Feature: feature, Loading: result.Components.At(i, j)}
		}

		sort.SliceStable(contributors, func(a, b int) bool {
			return math.Abs(contributors[a].Loading) > math.Abs(contributors[b].Loading)
		})

		if nTop < len(contributors) {
			contributors = contributors[:nTop]
		}
		out[result.ComponentName(j)] = contributors
	}

	return out
}

// ReconstructionError is one observation's squared distance from its
// reconstruction out of the retained components. The timestamp is the
// explicit row identity; Percentile is this row's rank among all rows.
type ReconstructionError struct {
	RowIndex   int       `json:"row_index"`
	Timestamp  time.Time `json:"timestamp"`
	Error      float64   `json:"error"`
	Percentile float64   `json:"percentile"`
}

// CalculateReconstructionErrors reconstructs the standardized matrix from
// the retained components and returns per-row squared residual sums.
func CalculateReconstructionErrors(fm *FeatureMatrix, result *PCAResult) []ReconstructionError {
	n, d := fm.Data.Dims()

	var reconstructed mat.Dense
	reconstructed.Mul(result.Scores, result.Components.T())

	errs := make([]ReconstructionError, n)
	for i := 0; i < n; i++ {
		sum := 0.0
		for j := 0; j < d; j++ {
			diff := fm.Data.At(i, j) - reconstructed.At(i, j)
			sum += diff * diff
		}
		errs[i] = ReconstructionError{
			RowIndex:  i,
			Timestamp: fm.Timestamps[i],
			Error:     sum,
		}
	}

	for i, pct := range percentileRanks(errs) {
		errs[i].Percentile = pct
	}

	return errs
}

// percentileRanks computes each row's average-rank percentile (rank/n with
// ties averaged) over the error values.
func percentileRanks(errs []ReconstructionError) []float64 {
	n := len(errs)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return errs[order[a]].Error < errs[order[b]].Error })

	ranks := make([]float64, n)
	for i := 0; i < n; {
		j := i
		for j+1 < n && errs[order[j+1]].Error == errs[order[i]].Error {
			j++
		}
		mean := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			ranks[order[k]] = mean / float64(n)
		}
		i = j + 1
	}

	return ranks
}

// Anomaly flags one observation against the run's error distribution.
type Anomaly struct {
	RowIndex  int       `json:"row_index"`
	Timestamp time.Time `json:"timestamp"`
	Error     float64   `json:"error"`
	IsAnomaly bool      `json:"is_anomaly"`
	Score     float64   `json:"score"`
}

// AnomalyReport summarizes anomaly detection for one analysis run.
type AnomalyReport struct {
	Threshold           float64   `json:"threshold"`
	ThresholdPercentile float64   `json:"threshold_percentile"`
	Rows                []Anomaly `json:"rows"`
	TotalAnomalies      int       `json:"total_anomalies"`
	AnomalyRate         float64   `json:"anomaly_rate"`
}

// anomalyScoreCap keeps extreme outliers from dominating scaled displays.
const anomalyScoreCap = 3.0

// DetectAnomalies flags rows whose reconstruction error strictly exceeds the
// empirical thresholdPercentile of this run's error distribution. The score
// is error/threshold capped at 3.0.
func DetectAnomalies(errs []ReconstructionError, thresholdPercentile float64) *AnomalyReport {
	values := make([]float64, len(errs))
	for i, e := range errs {
		values[i] = e.Error
	}

	threshold := quantile(values, thresholdPercentile)

	report := &AnomalyReport{
		Threshold:           threshold,
		ThresholdPercentile: thresholdPercentile,
		Rows:                make([]Anomaly, len(errs)),
	}

	for i, e := range errs {
		flagged := e.Error > threshold

		score := 0.0
		if threshold > 0 {
			score = math.Min(e.Error/threshold, anomalyScoreCap)
		} else if flagged {
			score = anomalyScoreCap
		}

		report.Rows[i] = Anomaly{
			RowIndex:  e.RowIndex,
			Timestamp: e.Timestamp,
			Error:     e.Error,
			IsAnomaly: flagged,
			Score:     score,
		}
		if flagged {
			report.TotalAnomalies++
		}
	}

	if len(errs) > 0 {
		report.AnomalyRate = float64(report.TotalAnomalies) / float64(len(errs))
	}

	return report
}

// quantile returns the p-quantile of values using linear interpolation
// between order statistics.
func quantile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}

	h := p * float64(len(sorted)-1)
	lo := int(math.Floor(h))
	frac := h - float64(lo)
	if lo+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

// SummaryStats holds the overall distribution of one component's scores.
type SummaryStats struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

// TemporalPattern is one component's mean score grouped by calendar
// features. Weekday keys follow Go's convention (0 = Sunday). Groups with no
// data are simply absent.
type TemporalPattern struct {
	Hourly  map[int]float64 `json:"hourly"`
	Weekday map[int]float64 `json:"weekday"`
	Monthly map[int]float64 `json:"monthly"`
	Stats   SummaryStats    `json:"stats"`
}

// AnalyzeTemporalPatterns groups each component's scores by hour-of-day,
// weekday, and month extracted from the row timestamps, averaging within
// each group. No smoothing across empty groups.
func AnalyzeTemporalPatterns(result *PCAResult) map[string]*TemporalPattern {
	n, _ := result.Scores.Dims()
	patterns := make(map[string]*TemporalPattern, result.NComponents)

	for j := 0; j < result.NComponents; j++ {
		col := mat.Col(nil, j, result.Scores)

		hourly := groupMeans(col, result.Timestamps, func(t time.Time) int { return t.Hour() })
		weekday := groupMeans(col, result.Timestamps, func(t time.Time) int { return int(t.Weekday()) })
		monthly := groupMeans(col, result.Timestamps, func(t time.Time) int { return int(t.Month()) })

		stats := SummaryStats{}
		if n > 0 {
			stats.Mean = stat.Mean(col, nil)
			stats.Min = floats.Min(col)
			stats.Max = floats.Max(col)
		}
		if n > 1 {
			stats.Std = stat.StdDev(col, nil)
		}

		patterns[result.ComponentName(j)] = &TemporalPattern{
			Hourly:  hourly,
			Weekday: weekday,
			Monthly: monthly,
			Stats:   stats,
		}
	}

	return patterns
}

func groupMeans(values []float64, timestamps []time.Time, keyFn func(time.Time) int) map[int]float64 {
	sums := make(map[int]float64)
	counts := make(map[int]int)
	for i, v := range values {
		key := keyFn(timestamps[i])
		sums[key] += v
		counts[key]++
	}

	means := make(map[int]float64, len(sums))
	for key, sum := range sums {
		means[key] = sum / float64(counts[key])
	}
	return means
}

// BiplotData is the selection/scaling transform behind a PCA biplot: the
// score cloud for two chosen components plus the loading vectors scaled for
// visual comparability. No new statistics are computed.
type BiplotData struct {
	ScoresX           []float64          `json:"scores_x"`
	ScoresY           []float64          `json:"scores_y"`
	Timestamps        []time.Time        `json:"timestamps"`
	Features          []string           `json:"features"`
	LoadingsX         []float64          `json:"loadings_x"`
	LoadingsY         []float64          `json:"loadings_y"`
	VarianceExplained map[string]float64 `json:"variance_explained"`
}

// CreateBiplotData extracts biplot coordinates for the 1-indexed components
// pcX and pcY, scaling the loading vectors by scaleFactor.
func CreateBiplotData(result *PCAResult, pcX, pcY int, scaleFactor float64) (*BiplotData, error) {
	for _, pc := range []int{pcX, pcY} {
		if pc < 1 || pc > result.NComponents {
			return nil, &models.ValidationError{
				Field:   "pc",
				Value:   strconv.Itoa(pc),
				Message: fmt.Sprintf("component index %d out of range [1, %d]", pc, result.NComponents),
			}
		}
	}

	x := pcX - 1
	y := pcY - 1

	data := &BiplotData{
		ScoresX:    mat.Col(nil, x, result.Scores),
		ScoresY:    mat.Col(nil, y, result.Scores),
		Timestamps: result.Timestamps,
		Features:   result.FeatureNames,
		LoadingsX:  make([]float64, len(result.FeatureNames)),
		LoadingsY:  make([]float64, len(result.FeatureNames)),
		VarianceExplained: map[string]float64{
			result.ComponentName(x): result.ExplainedVarianceRatio[x],
			result.ComponentName(y): result.ExplainedVarianceRatio[y],
		},
	}

	for i := range result.FeatureNames {
		data.LoadingsX[i] = result.Components.At(i, x) * scaleFactor
		data.LoadingsY[i] = result.Components.At(i, y) * scaleFactor
	}

	return data, nil
}

// FeatureImportance is a feature's overall weight across retained
// components: the variance-ratio-weighted sum of absolute loadings.
type FeatureImportance struct {
	Feature    string  `json:"feature"`
	Importance float64 `json:"importance"`
}

// RankFeatureImportance orders features by their weighted contribution to
// the retained components, strongest first.
func RankFeatureImportance(result *PCAResult) []FeatureImportance {
	out := make([]FeatureImportance, len(result.FeatureNames))
	for i, feature := range result.FeatureNames {
		importance := 0.0
		for j := 0; j < result.NComponents; j++ {
			importance += math.Abs(result.Components.At(i, j)) * result.ExplainedVarianceRatio[j]
		}
		out[i] = FeatureImportance{Feature: feature, Importance: importance}
	}

	sort.SliceStable(out, func(a, b int) bool { return out[a].Importance > out[b].Importance })
	return out
}
