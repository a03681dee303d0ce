package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"weather-analytics/internal/analytics"
	"weather-analytics/internal/models"
	"weather-analytics/internal/repository"
	"weather-analytics/internal/services"
	"weather-analytics/pkg/logging"
	"weather-analytics/pkg/metrics"
)

// AnalyticsHandler handles the analytics API endpoints
type AnalyticsHandler struct {
	correlationService *services.CorrelationService
	pcaService         *services.PCAService
	exportService      *services.ExportService
	repo               repository.ObservationRepository
	logger             *logging.StructuredLogger
	metrics            *metrics.Collector
}

// NewAnalyticsHandler creates a new analytics handler
func NewAnalyticsHandler(
	correlationService *services.CorrelationService,
	pcaService *services.PCAService,
	exportService *services.ExportService,
	repo repository.ObservationRepository,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
) *AnalyticsHandler {
	return &AnalyticsHandler{
		correlationService: correlationService,
		pcaService:         pcaService,
		exportService:      exportService,
		repo:               repo,
		logger:             logger,
		metrics:            metricsCollector,
	}
}

// APIResponse is the uniform response envelope.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Correlation handles POST /api/analytics/correlation
func (h *AnalyticsHandler) Correlation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	defer func() {
		duration := time.Since(startTime)
		h.metrics.APIRequestDuration.WithLabelValues("/api/analytics/correlation").Observe(duration.Seconds())
	}()

	var req services.CorrelationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, r, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.correlationService.AnalyzeCorrelations(ctx, req)
	if err != nil {
		h.handleServiceError(w, r, "/api/analytics/correlation", err)
		return
	}

	h.metrics.RecordAPIRequest("/api/analytics/correlation", "POST", "200")
	h.sendJSON(w, APIResponse{Success: true, Data: result}, http.StatusOK)
}

// TemporalStability handles POST /api/analytics/correlation/temporal
func (h *AnalyticsHandler) TemporalStability(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	defer func() {
		duration := time.Since(startTime)
		h.metrics.APIRequestDuration.WithLabelValues("/api/analytics/correlation/temporal").Observe(duration.Seconds())
	}()

	var req services.TemporalStabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, r, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.correlationService.AnalyzeTemporalStability(ctx, req)
	if err != nil {
		h.handleServiceError(w, r, "/api/analytics/correlation/temporal", err)
		return
	}

	h.metrics.RecordAPIRequest("/api/analytics/correlation/temporal", "POST", "200")
	h.sendJSON(w, APIResponse{Success: true, Data: result}, http.StatusOK)
}

// PCA handles POST /api/analytics/pca
func (h *AnalyticsHandler) PCA(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	defer func() {
		duration := time.Since(startTime)
		h.metrics.APIRequestDuration.WithLabelValues("/api/analytics/pca").Observe(duration.Seconds())
	}()

	var req services.PCARequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, r, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.pcaService.AnalyzePCA(ctx, req)
	if err != nil {
		h.handleServiceError(w, r, "/api/analytics/pca", err)
		return
	}

	h.metrics.RecordAPIRequest("/api/analytics/pca", "POST", "200")
	h.sendJSON(w, APIResponse{Success: true, Data: result}, http.StatusOK)
}

// Biplot handles POST /api/analytics/pca/biplot
func (h *AnalyticsHandler) Biplot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	defer func() {
		duration := time.Since(startTime)
		h.metrics.APIRequestDuration.WithLabelValues("/api/analytics/pca/biplot").Observe(duration.Seconds())
	}()

	var req services.BiplotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, r, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.pcaService.AnalyzeBiplot(ctx, req)
	if err != nil {
		h.handleServiceError(w, r, "/api/analytics/pca/biplot", err)
		return
	}

	h.metrics.RecordAPIRequest("/api/analytics/pca/biplot", "POST", "200")
	h.sendJSON(w, APIResponse{Success: true, Data: result}, http.StatusOK)
}

// ExportCorrelation handles GET /api/analytics/export/correlation. The
// analysis parameters come from the query string; the result streams as an
// XLSX attachment.
func (h *AnalyticsHandler) ExportCorrelation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	defer func() {
		duration := time.Since(startTime)
		h.metrics.APIRequestDuration.WithLabelValues("/api/analytics/export/correlation").Observe(duration.Seconds())
	}()

	query := r.URL.Query()
	req := services.CorrelationRequest{
		StartDate: query.Get("start_date"),
		EndDate:   query.Get("end_date"),
		Method:    query.Get("method"),
	}
	if stationID := query.Get("station_id"); stationID != "" {
		req.StationID = &stationID
	}
	if params, ok := query["parameters"]; ok {
		req.Parameters = params
	}

	result, err := h.correlationService.AnalyzeCorrelations(ctx, req)
	if err != nil {
		h.handleServiceError(w, r, "/api/analytics/export/correlation", err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="correlation_analysis.xlsx"`)

	if err := h.exportService.WriteCorrelationWorkbook(ctx, result, w); err != nil {
		// Headers are already out; log and abandon the stream.
		h.logger.Error(ctx, "[API_EXPORT_ERROR] Workbook export failed", logging.Fields{
			"endpoint": "/api/analytics/export/correlation",
		}, err)
		h.metrics.RecordAPIError("export_error", "/api/analytics/export/correlation")
		return
	}

	h.metrics.RecordAPIRequest("/api/analytics/export/correlation", "GET", "200")
}

// HealthCheck handles GET /health
func (h *AnalyticsHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if err := h.repo.HealthCheck(ctx); err != nil {
		h.logger.Error(ctx, "[HEALTH_CHECK_ERROR] Store health check failed", logging.Fields{}, err)
		status["status"] = "degraded"
		status["store"] = "unavailable"
		h.sendJSON(w, status, http.StatusServiceUnavailable)
		return
	}

	h.logger.Debug(ctx, "[HEALTH_CHECK] Health check requested", logging.Fields{})
	h.sendJSON(w, status, http.StatusOK)
}

// handleServiceError maps typed service errors to HTTP status codes:
// validation 400, insufficient data 422, store unavailable 503, rest 500.
func (h *AnalyticsHandler) handleServiceError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	var validationErr *models.ValidationError
	var insufficientErr *analytics.InsufficientDataError
	var storeErr *repository.StoreUnavailableError

	switch {
	case errors.As(err, &validationErr):
		h.metrics.RecordAPIError("validation_error", endpoint)
		h.sendError(w, r, validationErr.Error(), http.StatusBadRequest)
	case errors.As(err, &insufficientErr):
		h.metrics.RecordAPIError("insufficient_data", endpoint)
		h.sendError(w, r, insufficientErr.Error(), http.StatusUnprocessableEntity)
	case errors.As(err, &storeErr):
		h.logger.Error(r.Context(), "[API_STORE_ERROR] Observation store unavailable", logging.Fields{
			"endpoint": endpoint,
		}, err)
		h.metrics.RecordAPIError("store_unavailable", endpoint)
		h.sendError(w, r, "observation store unavailable", http.StatusServiceUnavailable)
	default:
		h.logger.Error(r.Context(), "[API_INTERNAL_ERROR] Analysis failed", logging.Fields{
			"endpoint": endpoint,
		}, err)
		h.metrics.RecordAPIError("internal_error", endpoint)
		h.sendError(w, r, "analysis failed", http.StatusInternalServerError)
	}
}

// sendJSON sends a JSON response
func (h *AnalyticsHandler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// sendError sends an error response in the envelope shape
func (h *AnalyticsHandler) sendError(w http.ResponseWriter, r *http.Request, message string, statusCode int) {
	h.metrics.RecordAPIRequest(r.URL.Path, r.Method, strconv.Itoa(statusCode))
	h.sendJSON(w, APIResponse{Success: false, Error: message}, statusCode)
}

// RegisterRoutes registers all analytics API routes
func (h *AnalyticsHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/analytics/correlation", h.Correlation).Methods("POST")
	router.HandleFunc("/api/analytics/correlation/temporal", h.TemporalStability).Methods("POST")
	router.HandleFunc("/api/analytics/pca", h.PCA).Methods("POST")
	router.HandleFunc("/api/analytics/pca/biplot", h.Biplot).Methods("POST")
	router.HandleFunc("/api/analytics/export/correlation", h.ExportCorrelation).Methods("GET")
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
	router.HandleFunc("/api/docs/openapi.json", OpenAPISpec).Methods("GET")
	router.HandleFunc("/api/docs", SwaggerUI).Methods("GET")
}
