package services

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"weather-analytics/internal/models"
	"weather-analytics/internal/repository"
	"weather-analytics/pkg/logging"
	"weather-analytics/pkg/metrics"
)

// IngestionService loads observation CSV files into the store in batches.
type IngestionService struct {
	repo    repository.ObservationRepository
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// IngestionResult contains ingestion statistics
type IngestionResult struct {
	TotalFiles        int
	TotalRecords      int
	SuccessfulRecords int
	FailedRecords     int
	Duration          time.Duration
	Errors            []string
}

// NewIngestionService creates a new ingestion service
func NewIngestionService(repo repository.ObservationRepository, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *IngestionService {
	return &IngestionService{
		repo:    repo,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// IngestDirectory ingests all CSV files from a directory
func (s *IngestionService) IngestDirectory(ctx context.Context, dataDir string, batchSize int) (*IngestionResult, error) {
	startTime := time.Now()

	s.logger.Info(ctx, "[INGEST_START] Starting data ingestion", logging.Fields{
		"data_dir":   dataDir,
		"batch_size": batchSize,
		"stage":      "INITIALIZATION",
	})

	result := &IngestionResult{
		Errors: make([]string, 0),
	}

	files, err := filepath.Glob(filepath.Join(dataDir, "*.csv"))
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no data files found in %s", dataDir)
	}

	result.TotalFiles = len(files)

	s.logger.Info(ctx, "[INGEST_FILES] Found data files", logging.Fields{
		"file_count": len(files),
		"stage":      "FILE_DISCOVERY",
	})

	for _, filePath := range files {
		fileResult, err := s.ingestFile(ctx, filePath, batchSize)
		if err != nil {
			errMsg := fmt.Sprintf("failed to ingest %s: %v", filePath, err)
			result.Errors = append(result.Errors, errMsg)
			s.logger.Error(ctx, "[INGEST_FILE_ERROR] File ingestion failed", logging.Fields{
				"file_path": filePath,
				"stage":     "FILE_PROCESSING",
			}, err)
			s.metrics.RecordIngestionError("file_error")
			continue
		}

		result.TotalRecords += fileResult.TotalRecords
		result.SuccessfulRecords += fileResult.SuccessfulRecords
		result.FailedRecords += fileResult.FailedRecords

		s.logger.Info(ctx, "[INGEST_FILE_SUCCESS] File ingested successfully", logging.Fields{
			"file_path":          filePath,
			"total_records":      fileResult.TotalRecords,
			"successful_records": fileResult.SuccessfulRecords,
			"failed_records":     fileResult.FailedRecords,
			"stage":              "FILE_COMPLETE",
		})
	}

	result.Duration = time.Since(startTime)
	s.metrics.IngestionDuration.Observe(result.Duration.Seconds())

	s.logger.Info(ctx, "[INGEST_COMPLETE] Data ingestion completed", logging.Fields{
		"total_files":        result.TotalFiles,
		"total_records":      result.TotalRecords,
		"successful_records": result.SuccessfulRecords,
		"failed_records":     result.FailedRecords,
		"duration_seconds":   result.Duration.Seconds(),
		"error_count":        len(result.Errors),
		"stage":              "COMPLETE",
	})

	return result, nil
}

// FileIngestionResult contains per-file ingestion statistics
type FileIngestionResult struct {
	TotalRecords      int
	SuccessfulRecords int
	FailedRecords     int
}

// headerAliases maps accepted CSV header spellings to canonical field names.
var headerAliases = map[string]string{
	"timestamp":       "timestamp",
	"time":            "timestamp",
	"date":            "timestamp",
	"datetime":        "timestamp",
	"station_id":      "station_id",
	"station":         "station_id",
	"temperature":     models.ParamTemperature,
	"temp":            models.ParamTemperature,
	"humidity":        models.ParamHumidity,
	"rel_humidity":    models.ParamHumidity,
	"wind_speed":      models.ParamWindSpeed,
	"windspeed":       models.ParamWindSpeed,
	"wind_direction":  models.ParamWindDirection,
	"winddir":         models.ParamWindDirection,
	"radiation":       models.ParamRadiation,
	"solar_radiation": models.ParamRadiation,
	"precipitation":   models.ParamPrecipitation,
	"precip":          models.ParamPrecipitation,
	"rainfall":        models.ParamPrecipitation,
}

// ingestFile ingests a single CSV file. The station identifier falls back to
// the file name when the file carries no station column.
func (s *IngestionService) ingestFile(ctx context.Context, filePath string, batchSize int) (*FileIngestionResult, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	fileName := filepath.Base(filePath)
	fallbackStation := strings.TrimSuffix(fileName, filepath.Ext(fileName))

	reader := csv.NewReader(file)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	columns, err := mapHeader(header)
	if err != nil {
		return nil, err
	}

	result := &FileIngestionResult{}
	batch := make([]*models.Observation, 0, batchSize)

	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			result.TotalRecords++
			result.FailedRecords++
			s.metrics.RecordIngestionError("parse_error")
			continue
		}

		result.TotalRecords++

		record := rowToRecord(row, columns, fallbackStation)
		observation, err := record.ToObservation()
		if err != nil {
			result.FailedRecords++
			s.metrics.RecordIngestionError("conversion_error")
			continue
		}

		batch = append(batch, observation)

		if len(batch) >= batchSize {
			if err := s.repo.CreateObservationsBatch(ctx, batch); err != nil {
				return nil, fmt.Errorf("failed to insert batch: %w", err)
			}
			result.SuccessfulRecords += len(batch)
			batch = batch[:0]
		}
	}

	if len(batch) > 0 {
		if err := s.repo.CreateObservationsBatch(ctx, batch); err != nil {
			return nil, fmt.Errorf("failed to insert final batch: %w", err)
		}
		result.SuccessfulRecords += len(batch)
	}

	return result, nil
}

// mapHeader resolves each CSV column to its canonical field. A timestamp
// column is required; everything unrecognized is ignored.
func mapHeader(header []string) (map[int]string, error) {
	columns := make(map[int]string, len(header))
	hasTimestamp := false

	for i, name := range header {
		canonical, ok := headerAliases[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			continue
		}
		columns[i] = canonical
		if canonical == "timestamp" {
			hasTimestamp = true
		}
	}

	if !hasTimestamp {
		return nil, fmt.Errorf("no timestamp column found in header %v", header)
	}

	return columns, nil
}

func rowToRecord(row []string, columns map[int]string, fallbackStation string) *models.RawCSVRecord {
	record := &models.RawCSVRecord{
		StationID: fallbackStation,
		Values:    make(map[string]string),
	}

	for i, field := range columns {
		if i >= len(row) {
			continue
		}
		switch field {
		case "timestamp":
			record.Timestamp = row[i]
		case "station_id":
			if v := strings.TrimSpace(row[i]); v != "" {
				record.StationID = v
			}
		default:
			record.Values[field] = row[i]
		}
	}

	return record
}
