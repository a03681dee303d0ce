package services

import (
	"context"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"weather-analytics/pkg/logging"
	"weather-analytics/pkg/metrics"
)

// ExportService renders analysis results as downloadable workbooks. Nothing
// is persisted; the workbook streams straight to the caller.
type ExportService struct {
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewExportService creates a new export service
func NewExportService(logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *ExportService {
	return &ExportService{
		logger:  logger,
		metrics: metricsCollector,
	}
}

// WriteCorrelationWorkbook writes an XLSX workbook with one sheet per
// coefficient matrix plus a strong-correlations sheet.
func (s *ExportService) WriteCorrelationWorkbook(ctx context.Context, result *CorrelationResult, w io.Writer) error {
	f := excelize.NewFile()
	defer f.Close()

	sheets := 0
	for _, method := range []string{"pearson", "spearman"} {
		matrix, ok := result.Matrices[method]
		if !ok {
			continue
		}
		sheetName := titleCase(method)
		if _, err := f.NewSheet(sheetName); err != nil {
			return fmt.Errorf("failed to create sheet %s: %w", sheetName, err)
		}
		if err := writeMatrixSheet(f, sheetName, result.Parameters, matrix); err != nil {
			return err
		}
		sheets++
	}

	if _, err := f.NewSheet("Strong Correlations"); err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}
	if err := writeStrongSheet(f, "Strong Correlations", result); err != nil {
		return err
	}
	sheets++

	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("failed to drop default sheet: %w", err)
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}

	s.logger.Info(ctx, "[EXPORT_COMPLETE] Correlation workbook exported", logging.Fields{
		"sheets":       sheets,
		"parameters":   len(result.Parameters),
		"strong_pairs": len(result.StrongCorrelations),
	})

	return nil
}

// writeMatrixSheet lays out a square matrix with parameter labels on both
// axes, the analyst-facing shape of a correlation table.
func writeMatrixSheet(f *excelize.File, sheet string, parameters []string, matrix map[string]map[string]float64) error {
	for j, param := range parameters {
		cell, err := excelize.CoordinatesToCellName(j+2, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, param); err != nil {
			return err
		}
	}

	for i, rowParam := range parameters {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, rowParam); err != nil {
			return err
		}

		for j, colParam := range parameters {
			cell, err := excelize.CoordinatesToCellName(j+2, i+2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheet, cell, matrix[rowParam][colParam]); err != nil {
				return err
			}
		}
	}

	return nil
}

func writeStrongSheet(f *excelize.File, sheet string, result *CorrelationResult) error {
	headers := []string{"Parameter A", "Parameter B", "Coefficient", "P-Value"}
	for j, h := range headers {
		cell, err := excelize.CoordinatesToCellName(j+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return err
		}
	}

	for i, sc := range result.StrongCorrelations {
		row := i + 2
		values := []interface{}{sc.ParameterA, sc.ParameterB, sc.Coefficient}
		if sc.PValue != nil {
			values = append(values, *sc.PValue)
		} else {
			values = append(values, "")
		}
		for j, v := range values {
			cell, err := excelize.CoordinatesToCellName(j+1, row)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return err
			}
		}
	}

	return nil
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}
