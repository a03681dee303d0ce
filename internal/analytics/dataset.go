package analytics

import (
	"math"
	"sort"
	"time"

	"weather-analytics/internal/models"
)

// Dataset is the column-oriented view of an observation set that both
// engines compute over. Missing values are encoded as NaN. Rows keep their
// source timestamps as explicit join keys; derived structures reference rows
// through them rather than through positional coincidence.
type Dataset struct {
	Parameters []string
	Timestamps []time.Time
	StationIDs []string
	columns    map[string][]float64
}

// NewDataset builds a Dataset from fetched observations for the given
// validated parameter list. The observations are not mutated.
func NewDataset(observations []*models.Observation, parameters []string) *Dataset {
	n := len(observations)

	ds := &Dataset{
		Parameters: append([]string(nil), parameters...),
		Timestamps: make([]time.Time, n),
		StationIDs: make([]string, n),
		columns:    make(map[string][]float64, len(parameters)),
	}

	for _, param := range parameters {
		ds.columns[param] = make([]float64, n)
	}

	for i, obs := range observations {
		ds.Timestamps[i] = obs.Timestamp
		ds.StationIDs[i] = obs.StationID
		for _, param := range parameters {
			if v := obs.Value(param); v != nil {
				ds.columns[param][i] = *v
			} else {
				ds.columns[param][i] = math.NaN()
			}
		}
	}

	return ds
}

// Len returns the number of rows.
func (d *Dataset) Len() int {
	return len(d.Timestamps)
}

// Column returns the values for a parameter, NaN where missing. The returned
// slice is the dataset's own storage and must not be modified.
func (d *Dataset) Column(param string) []float64 {
	return d.columns[param]
}

// NonMissingCount returns the number of non-NaN values in a column.
func (d *Dataset) NonMissingCount(param string) int {
	count := 0
	for _, v := range d.columns[param] {
		if !math.IsNaN(v) {
			count++
		}
	}
	return count
}

// usableColumns partitions parameters into those fit for matrix computation
// and those excluded. A column is usable when it has at least minObservations
// non-missing values and those values are not (near-)constant.
func (d *Dataset) usableColumns(minObservations int) (kept []string, excluded []ExcludedColumn) {
	for _, param := range d.Parameters {
		col := d.columns[param]

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
		if nonMissing < minObservations {
			excluded = append(excluded, ExcludedColumn{Name: param, NonMissing: nonMissing, Reason: ExclusionTooFewValues})
			continue
		}

		mean /= float64(nonMissing)
		variance := 0.0
		for _, v := range col {
			if !math.IsNaN(v) {
				diff := v - mean
				variance += diff * diff
			}
		}
		variance /= float64(nonMissing)

		if variance < degenerateVariance {
			excluded = append(excluded, ExcludedColumn{Name: param, NonMissing: nonMissing, Reason: ExclusionDegenerate})
			continue
		}

		kept = append(kept, param)
	}

	return kept, excluded
}

// degenerateVariance is the cutoff below which a column is treated as
// constant and excluded, since correlation against it is undefined.
const degenerateVariance = 1e-12

// AggregateDaily groups observations by calendar date (UTC), averaging each
// parameter over its non-missing values. The station identifier of the first
// observation in each group is kept; a single run is expected to be
// station-scoped for daily aggregation to be meaningful.
func AggregateDaily(observations []*models.Observation, parameters []string) []*models.Observation {
	type group struct {
		first  *models.Observation
		sums   map[string]float64
		counts map[string]int
	}

	groups := make(map[time.Time]*group)
	for _, obs := range observations {
		day := time.Date(obs.Timestamp.Year(), obs.Timestamp.Month(), obs.Timestamp.Day(), 0, 0, 0, 0, time.UTC)
		g, ok := groups[day]
		if !ok {
			g = &group{
				first:  obs,
				sums:   make(map[string]float64, len(parameters)),
				counts: make(map[string]int, len(parameters)),
			}
			groups[day] = g
		}
		for _, param := range parameters {
			if v := obs.Value(param); v != nil {
				g.sums[param] += *v
				g.counts[param]++
			}
		}
	}

	days := make([]time.Time, 0, len(groups))
	for day := range groups {
		days = append(days, day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	aggregated := make([]*models.Observation, 0, len(days))
	for _, day := range days {
		g := groups[day]
		obs := &models.Observation{
			Timestamp: day,
			StationID: g.first.StationID,
		}
		for _, param := range parameters {
			if count := g.counts[param]; count > 0 {
				mean := g.sums[param] / float64(count)
				obs.SetValue(param, &mean)
			}
		}
		aggregated = append(aggregated, obs)
	}

	return aggregated
}
