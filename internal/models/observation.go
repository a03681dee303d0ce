package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Parameter names as stored in the weather_observations table. Every analysis
// references parameters through this fixed registry; unknown names are
// rejected at the entry of each engine operation.
const (
	ParamTemperature   = "temperature"
	ParamHumidity      = "humidity"
	ParamWindSpeed     = "wind_speed"
	ParamWindDirection = "wind_direction"
	ParamRadiation     = "radiation"
	ParamPrecipitation = "precipitation"
)

// DefaultParameters is the canonical parameter ordering used when a request
// does not name an explicit subset.
var DefaultParameters = []string{
	ParamTemperature,
	ParamHumidity,
	ParamWindSpeed,
	ParamWindDirection,
	ParamRadiation,
	ParamPrecipitation,
}

// Observation represents a single weather reading from one station at one
// instant. NULL parameter values are represented as nil pointers.
type Observation struct {
	Timestamp     time.Time `json:"timestamp" db:"timestamp"`
	StationID     string    `json:"station_id" db:"station_id"`
	Temperature   *float64  `json:"temperature,omitempty" db:"temperature"`
	Humidity      *float64  `json:"humidity,omitempty" db:"humidity"`
	WindSpeed     *float64  `json:"wind_speed,omitempty" db:"wind_speed"`
	WindDirection *float64  `json:"wind_direction,omitempty" db:"wind_direction"`
	Radiation     *float64  `json:"radiation,omitempty" db:"radiation"`
	Precipitation *float64  `json:"precipitation,omitempty" db:"precipitation"`
}

// Value returns the observation's value for the named parameter, or nil if
// the value is missing. Unknown parameter names return nil.
func (o *Observation) Value(param string) *float64 {
	switch param {
	case ParamTemperature:
		return o.Temperature
	case ParamHumidity:
		return o.Humidity
	case ParamWindSpeed:
		return o.WindSpeed
	case ParamWindDirection:
		return o.WindDirection
	case ParamRadiation:
		return o.Radiation
	case ParamPrecipitation:
		return o.Precipitation
	default:
		return nil
	}
}

// SetValue sets the named parameter. Unknown names are ignored.
func (o *Observation) SetValue(param string, v *float64) {
	switch param {
	case ParamTemperature:
		o.Temperature = v
	case ParamHumidity:
		o.Humidity = v
	case ParamWindSpeed:
		o.WindSpeed = v
	case ParamWindDirection:
		o.WindDirection = v
	case ParamRadiation:
		o.Radiation = v
	case ParamPrecipitation:
		o.Precipitation = v
	}
}

// ValidateParameters checks that every name is a known parameter and that the
// list is non-empty and free of duplicates. It returns the validated list,
// or DefaultParameters when names is empty.
func ValidateParameters(names []string) ([]string, error) {
	if len(names) == 0 {
		out := make([]string, len(DefaultParameters))
		copy(out, DefaultParameters)
		return out, nil
	}

	known := make(map[string]bool, len(DefaultParameters))
	for _, p := range DefaultParameters {
		known[p] = true
	}

	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		if !known[name] {
			return nil, &ValidationError{
				Field:   "parameters",
				Value:   name,
				Message: fmt.Sprintf("unknown parameter %q", name),
			}
		}
		if seen[name] {
			return nil, &ValidationError{
				Field:   "parameters",
				Value:   name,
				Message: fmt.Sprintf("duplicate parameter %q", name),
			}
		}
		seen[name] = true
		out = append(out, name)
	}

	return out, nil
}

// RawCSVRecord represents a single row from an input CSV file before
// normalization. Used during ingestion.
type RawCSVRecord struct {
	Timestamp string
	StationID string
	Values    map[string]string
}

// csvTimeLayouts are the accepted timestamp encodings across source files.
var csvTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ToObservation converts a raw CSV record to an Observation. Empty or
// unparseable numeric fields become NULL values rather than errors; a bad
// timestamp fails the whole record.
func (r *RawCSVRecord) ToObservation() (*Observation, error) {
	ts, err := parseCSVTime(r.Timestamp)
	if err != nil {
		return nil, &ValidationError{
			Field:   "timestamp",
			Value:   r.Timestamp,
			Message: "unrecognized timestamp format",
		}
	}

	obs := &Observation{
		Timestamp: ts,
		StationID: r.StationID,
	}

	for _, param := range DefaultParameters {
		raw, ok := r.Values[param]
		if !ok {
			continue
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		value := v
		obs.SetValue(param, &value)
	}

	return obs, nil
}

func parseCSVTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range csvTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// ValidationError represents a data validation error
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// IsTransient returns false as validation errors are permanent
func (e *ValidationError) IsTransient() bool {
	return false
}
