package analytics

import (
	"fmt"
	"strings"
)

// InsufficientDataError reports that an analysis cannot run because too few
// usable parameters or observations remain after filtering. It is always
// surfaced to the caller, never downgraded to a partial result.
type InsufficientDataError struct {
	Op       string
	Reason   string
	Columns  []string
	Required int
}

func (e *InsufficientDataError) Error() string {
	msg := fmt.Sprintf("%s: insufficient data: %s", e.Op, e.Reason)
	if len(e.Columns) > 0 {
		msg += fmt.Sprintf(" (excluded columns: %s)", strings.Join(e.Columns, ", "))
	}
	return msg
}

func (e *InsufficientDataError) IsTransient() bool {
	return false
}

// ExcludedColumn records a parameter dropped from an analysis and why.
// Exclusions are warnings, not errors; the computation proceeds with the
// remaining columns.
type ExcludedColumn struct {
	Name       string `json:"name"`
	NonMissing int    `json:"non_missing"`
	Reason     string `json:"reason"`
}

const (
	// ExclusionTooFewValues marks columns below the minimum non-missing count.
	ExclusionTooFewValues = "insufficient_observations"
	// ExclusionDegenerate marks columns whose non-missing values have
	// (near-)zero variance, for which correlation is undefined.
	ExclusionDegenerate = "degenerate_variance"
	// ExclusionAllMissing marks columns with no values at all.
	ExclusionAllMissing = "all_missing"
)
