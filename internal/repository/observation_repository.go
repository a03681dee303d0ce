package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"weather-analytics/internal/models"
	"weather-analytics/pkg/database"
	"weather-analytics/pkg/logging"
	"weather-analytics/pkg/metrics"
)

// ObservationRepository supplies filtered, time-ordered observation rows to
// the analysis engines. It is the only gateway between the engines and the
// storage backend.
type ObservationRepository interface {
	// FetchObservations returns observations in [query.Start, query.End)
	// ordered by ascending timestamp.
	FetchObservations(ctx context.Context, query ObservationQuery) ([]*models.Observation, error)

	// CreateObservationsBatch upserts observations in a single transaction.
	CreateObservationsBatch(ctx context.Context, observations []*models.Observation) error

	// ListStations returns the distinct station identifiers present in storage.
	ListStations(ctx context.Context) ([]string, error)

	HealthCheck(ctx context.Context) error
}

// ObservationQuery defines the store fetch contract: a half-open time range,
// an optional station filter, and an explicit parameter list. An empty
// parameter list means the default parameter set.
type ObservationQuery struct {
	Start      time.Time
	End        time.Time
	StationID  *string
	Parameters []string
	Limit      int
}

// observationRepository implements ObservationRepository on PostgreSQL
type observationRepository struct {
	db      *database.PostgresDB
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewObservationRepository creates a new PostgreSQL-backed repository
func NewObservationRepository(db *database.PostgresDB, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) ObservationRepository {
	return &observationRepository{
		db:      db,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// FetchObservations retrieves observations for the analysis engines.
func (r *observationRepository) FetchObservations(ctx context.Context, query ObservationQuery) ([]*models.Observation, error) {
	params, err := models.ValidateParameters(query.Parameters)
	if err != nil {
		return nil, err
	}

	// Parameter names are validated against the fixed registry above, so
	// interpolating them into the column list is safe.
	columns := append([]string{"timestamp", "station_id"}, params...)

	sqlQuery := fmt.Sprintf(`
		SELECT %s
		FROM weather_observations
		WHERE timestamp >= $1 AND timestamp < $2
	`, strings.Join(columns, ", "))

	args := []interface{}{query.Start, query.End}
	argNum := 3

	if query.StationID != nil {
		sqlQuery += fmt.Sprintf(" AND station_id = $%d", argNum)
		args = append(args, *query.StationID)
		argNum++
	}

	sqlQuery += " ORDER BY timestamp"

	if query.Limit > 0 {
		sqlQuery += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, query.Limit)
	}

	var observations []*models.Observation
	if err := r.db.SelectContext(ctx, "fetch_observations", &observations, sqlQuery, args...); err != nil {
		return nil, &StoreUnavailableError{Op: "fetch_observations", Err: err}
	}

	r.logger.Debug(ctx, "[REPO_FETCH] Observations fetched", logging.Fields{
		"start": query.Start.Format(time.RFC3339),
		"end":   query.End.Format(time.RFC3339),
		"rows":  len(observations),
	})

	return observations, nil
}

// CreateObservationsBatch upserts observations in a single transaction
func (r *observationRepository) CreateObservationsBatch(ctx context.Context, observations []*models.Observation) error {
	if len(observations) == 0 {
		return nil
	}

	timer := time.Now()
	defer func() {
		r.metrics.IngestionBatchSize.Observe(float64(len(observations)))
		r.logger.Debug(ctx, "[REPO_BATCH_INSERT] Batch insert completed", logging.Fields{
			"count":       len(observations),
			"duration_ms": time.Since(timer).Milliseconds(),
		})
	}()

	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return &StoreUnavailableError{Op: "begin_transaction", Err: err}
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO weather_observations (
			timestamp, station_id,
			temperature, humidity, wind_speed, wind_direction, radiation, precipitation
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (station_id, timestamp) DO UPDATE SET
			temperature = EXCLUDED.temperature,
			humidity = EXCLUDED.humidity,
			wind_speed = EXCLUDED.wind_speed,
			wind_direction = EXCLUDED.wind_direction,
			radiation = EXCLUDED.radiation,
			precipitation = EXCLUDED.precipitation
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, obs := range observations {
		_, err := stmt.ExecContext(ctx,
			obs.Timestamp,
			obs.StationID,
			obs.Temperature,
			obs.Humidity,
			obs.WindSpeed,
			obs.WindDirection,
			obs.Radiation,
			obs.Precipitation,
		)
		if err != nil {
			return fmt.Errorf("failed to insert observation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.metrics.IngestionRecordsTotal.Add(float64(len(observations)))

	return nil
}

// ListStations returns all distinct station identifiers
func (r *observationRepository) ListStations(ctx context.Context) ([]string, error) {
	query := `
		SELECT DISTINCT station_id
		FROM weather_observations
		ORDER BY station_id
	`

	var stations []string
	if err := r.db.SelectContext(ctx, "list_stations", &stations, query); err != nil {
		return nil, &StoreUnavailableError{Op: "list_stations", Err: err}
	}

	return stations, nil
}

// HealthCheck performs a repository health check
func (r *observationRepository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}

// StoreUnavailableError indicates the storage backend failed to serve a
// query. It is propagated to callers unchanged; retries belong to the store
// adapter, not the analysis engines.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("observation store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}

func (e *StoreUnavailableError) IsTransient() bool {
	return true
}
