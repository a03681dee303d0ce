package analytics

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"
)

// Method selects which correlation coefficients to compute.
type Method int

const (
	MethodBoth Method = iota
	MethodPearson
	MethodSpearman
)

// ParseMethod converts a request string to a Method. Empty input means both.
func ParseMethod(s string) (Method, error) {
	switch s {
	case "", "both":
		return MethodBoth, nil
	case "pearson":
		return MethodPearson, nil
	case "spearman":
		return MethodSpearman, nil
	default:
		return MethodBoth, fmt.Errorf("unknown correlation method %q, expected pearson, spearman, or both", s)
	}
}

func (m Method) String() string {
	switch m {
	case MethodPearson:
		return "pearson"
	case MethodSpearman:
		return "spearman"
	default:
		return "both"
	}
}

func (m Method) wantsPearson() bool  { return m == MethodPearson || m == MethodBoth }
func (m Method) wantsSpearman() bool { return m == MethodSpearman || m == MethodBoth }

// Matrix is a symmetric square mapping from (parameter, parameter) to a
// value, with parameter order fixed at creation. It is produced fresh per
// analysis call and never mutated afterwards.
type Matrix struct {
	Parameters []string    `json:"parameters"`
	Values     [][]float64 `json:"values"`
}

// NewMatrix allocates a zeroed n×n matrix over the given parameter order.
func NewMatrix(parameters []string) *Matrix {
	n := len(parameters)
	values := make([][]float64, n)
	for i := range values {
		values[i] = make([]float64, n)
	}
	return &Matrix{
		Parameters: append([]string(nil), parameters...),
		Values:     values,
	}
}

// At returns the value at row i, column j.
func (m *Matrix) At(i, j int) float64 {
	return m.Values[i][j]
}

func (m *Matrix) set(i, j int, v float64) {
	m.Values[i][j] = v
}

// ToMap renders the matrix as nested parameter→parameter→value maps for
// transport payloads.
func (m *Matrix) ToMap() map[string]map[string]float64 {
	out := make(map[string]map[string]float64, len(m.Parameters))
	for i, a := range m.Parameters {
		row := make(map[string]float64, len(m.Parameters))
		for j, b := range m.Parameters {
			row[b] = m.Values[i][j]
		}
		out[a] = row
	}
	return out
}

// UpperTriangleSummary returns the mean and maximum absolute coefficient over
// the strict upper triangle.
func (m *Matrix) UpperTriangleSummary() (meanAbs, maxAbs float64) {
	count := 0
	for i := 0; i < len(m.Parameters); i++ {
		for j := i + 1; j < len(m.Parameters); j++ {
			abs := math.Abs(m.Values[i][j])
			meanAbs += abs
			if abs > maxAbs {
				maxAbs = abs
			}
			count++
		}
	}
	if count > 0 {
		meanAbs /= float64(count)
	}
	return meanAbs, maxAbs
}

// CorrelationBundle holds the matrices produced by one analysis run, keyed
// by method name ("pearson", "spearman") and "<method>_pvalues".
type CorrelationBundle struct {
	Matrices     map[string]*Matrix
	Parameters   []string
	Excluded     []ExcludedColumn
	Observations int
}

// Coefficients returns the coefficient matrix for a method, or nil.
func (b *CorrelationBundle) Coefficients(method string) *Matrix {
	return b.Matrices[method]
}

// PValues returns the p-value matrix for a method, or nil.
func (b *CorrelationBundle) PValues(method string) *Matrix {
	return b.Matrices[method+"_pvalues"]
}

// CalculateCorrelations computes pairwise correlation matrices over the
// dataset using pairwise-complete-observations semantics: each pair's
// coefficient uses only the rows where both of that pair's values are
// present, independent of other columns.
//
// Columns with fewer than minObservations non-missing values, or with
// degenerate variance, are excluded (reported in the bundle, not fatal). At
// least two usable columns must remain.
func CalculateCorrelations(ds *Dataset, method Method, minObservations int) (*CorrelationBundle, error) {
	kept, excluded := ds.usableColumns(minObservations)

	if len(kept) < 2 {
		names := make([]string, 0, len(excluded))
		for _, ex := range excluded {
			names = append(names, ex.Name)
		}
		return nil, &InsufficientDataError{
			Op:       "calculate_correlations",
			Reason:   fmt.Sprintf("need at least 2 usable parameters, have %d", len(kept)),
			Columns:  names,
			Required: minObservations,
		}
	}

	bundle := &CorrelationBundle{
		Matrices:     make(map[string]*Matrix, 4),
		Parameters:   kept,
		Excluded:     excluded,
		Observations: ds.Len(),
	}

	if method.wantsPearson() {
		coeff, pvals := correlationMatrices(ds, kept, false)
		bundle.Matrices["pearson"] = coeff
		bundle.Matrices["pearson_pvalues"] = pvals
	}

	if method.wantsSpearman() {
		coeff, pvals := correlationMatrices(ds, kept, true)
		bundle.Matrices["spearman"] = coeff
		bundle.Matrices["spearman_pvalues"] = pvals
	}

	return bundle, nil
}

// correlationMatrices fills the coefficient and p-value matrices for one
// method. Diagonals are fixed at 1 (coefficient) and 0 (p-value).
func correlationMatrices(ds *Dataset, parameters []string, rankBased bool) (*Matrix, *Matrix) {
	coeff := NewMatrix(parameters)
	pvals := NewMatrix(parameters)

	for i := range parameters {
		coeff.set(i, i, 1.0)
		pvals.set(i, i, 0.0)
	}

	for i := 0; i < len(parameters); i++ {
		for j := i + 1; j < len(parameters); j++ {
			xs, ys := jointComplete(ds.Column(parameters[i]), ds.Column(parameters[j]))

			r, p := pairCorrelation(xs, ys, rankBased)

			coeff.Values[i][j] = r
			coeff.Values[j][i] = r
			pvals.Values[i][j] = p
			pvals.Values[j][i] = p
		}
	}

	return coeff, pvals
}

// pairCorrelation computes one pair's coefficient and two-sided p-value.
// Degenerate pairs never fail the matrix: fewer than 3 joint rows yields
// p = 1.0, and zero joint variance yields coefficient 0 with p = 1.0.
func pairCorrelation(xs, ys []float64, rankBased bool) (r, p float64) {
	n := len(xs)
	if n < 2 {
		return 0, 1.0
	}

	if rankBased {
		xs = averageRanks(xs)
		ys = averageRanks(ys)
	}

	r = pearsonCoefficient(xs, ys)
	if math.IsNaN(r) {
		return 0, 1.0
	}

	// Clamp accumulated float error so callers can rely on [-1, 1].
	if r > 1 {
		r = 1
	} else if r < -1 {
		r = -1
	}

	if n < 3 {
		return r, 1.0
	}

	return r, tTestPValue(r, n)
}

// jointComplete extracts the rows where both columns have values.
func jointComplete(x, y []float64) (xs, ys []float64) {
	for i := range x {
		if !math.IsNaN(x[i]) && !math.IsNaN(y[i]) {
			xs = append(xs, x[i])
			ys = append(ys, y[i])
		}
	}
	return xs, ys
}

// pearsonCoefficient computes the sample correlation of two equal-length
// series. Returns NaN when either series has zero variance.
func pearsonCoefficient(x, y []float64) float64 {
	n := float64(len(x))
	if n < 2 {
		return math.NaN()
	}

	var meanX, meanY float64
	for i := range x {
		meanX += x[i]
		meanY += y[i]
	}
	meanX /= n
	meanY /= n

	var covXY, varX, varY float64
	for i := range x {
		dx := x[i] - meanX
		dy := y[i] - meanY
		covXY += dx * dy
		varX += dx * dx
		varY += dy * dy
	}

	if varX < degenerateVariance || varY < degenerateVariance {
		return math.NaN()
	}

	return covXY / math.Sqrt(varX*varY)
}

// averageRanks converts values to ranks (1-based), averaging ties, which
// makes Pearson-on-ranks equal to the Spearman coefficient.
func averageRanks(values []float64) []float64 {
	n := len(values)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return values[order[a]] < values[order[b]] })

	ranks := make([]float64, n)
	for i := 0; i < n; {
		j := i
		for j+1 < n && values[order[j+1]] == values[order[i]] {
			j++
		}
		// Tied values share the mean of the ranks they span.
		mean := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			ranks[order[k]] = mean
		}
		i = j + 1
	}

	return ranks
}

// tTestPValue computes the two-sided p-value for a sample correlation r over
// n joint observations via the t-distribution with n-2 degrees of freedom.
func tTestPValue(r float64, n int) float64 {
	if n < 3 {
		return 1.0
	}

	denom := 1 - r*r
	if denom <= 0 {
		// Perfect correlation.
		return 0.0
	}

	t := r * math.Sqrt(float64(n-2)/denom)
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(n - 2)}
	p := 2 * dist.CDF(-math.Abs(t))

	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// StrongCorrelation is a derived unordered-pair fact materialized for pairs
// that meet the thresholds. Computed on demand, never persisted.
type StrongCorrelation struct {
	ParameterA  string   `json:"parameter_a"`
	ParameterB  string   `json:"parameter_b"`
	Coefficient float64  `json:"coefficient"`
	PValue      *float64 `json:"p_value,omitempty"`
}

// IdentifyStrongCorrelations walks the strict upper triangle once per pair
// and keeps pairs with |coefficient| >= threshold and, when a p-value matrix
// is supplied, p-value <= pvalueThreshold. Results are ordered by descending
// absolute coefficient; ties keep matrix iteration order.
func IdentifyStrongCorrelations(matrix, pvalueMatrix *Matrix, threshold, pvalueThreshold float64) []StrongCorrelation {
	var strong []StrongCorrelation

	for i := 0; i < len(matrix.Parameters); i++ {
		for j := i + 1; j < len(matrix.Parameters); j++ {
			coefficient := matrix.Values[i][j]
			if math.Abs(coefficient) < threshold {
				continue
			}

			var pValue *float64
			if pvalueMatrix != nil {
				p := pvalueMatrix.Values[i][j]
				if p > pvalueThreshold {
					continue
				}
				pValue = &p
			}

			strong = append(strong, StrongCorrelation{
				ParameterA:  matrix.Parameters[i],
				ParameterB:  matrix.Parameters[j],
				Coefficient: coefficient,
				PValue:      pValue,
			})
		}
	}

	sort.SliceStable(strong, func(a, b int) bool {
		return math.Abs(strong[a].Coefficient) > math.Abs(strong[b].Coefficient)
	})

	return strong
}
