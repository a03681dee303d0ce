package handlers

import (
	"encoding/json"
	"net/http"
)

// OpenAPISpec returns the OpenAPI 3.0 specification for the Weather Analytics API
func OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	dateRangeProperties := map[string]interface{}{
		"start_date": map[string]string{"type": "string", "format": "date", "description": "Inclusive range start (YYYY-MM-DD or RFC3339)"},
		"end_date":   map[string]string{"type": "string", "format": "date", "description": "Exclusive range end"},
		"station_id": map[string]interface{}{"type": "string", "nullable": true, "description": "Optional station filter; absent means all stations"},
		"parameters": map[string]interface{}{
			"type":        "array",
			"items":       map[string]string{"type": "string"},
			"description": "Optional parameter subset; absent means the default set",
		},
	}

	correlationProperties := map[string]interface{}{
		"method":           map[string]interface{}{"type": "string", "enum": []string{"pearson", "spearman", "both"}, "default": "both"},
		"threshold":        map[string]interface{}{"type": "number", "default": 0.7, "description": "Strong-correlation coefficient magnitude threshold"},
		"pvalue_threshold": map[string]interface{}{"type": "number", "default": 0.05},
	}
	for k, v := range dateRangeProperties {
		correlationProperties[k] = v
	}

	temporalProperties := map[string]interface{}{
		"window_days": map[string]interface{}{"type": "integer", "default": 30},
		"step_days":   map[string]interface{}{"type": "integer", "default": 7},
	}
	for k, v := range dateRangeProperties {
		temporalProperties[k] = v
	}

	pcaProperties := map[string]interface{}{
		"aggregation":        map[string]interface{}{"type": "string", "enum": []string{"none", "daily"}, "default": "none"},
		"n_components":       map[string]interface{}{"type": "integer", "nullable": true, "description": "Explicit component count; absent selects by variance threshold"},
		"variance_threshold": map[string]interface{}{"type": "number", "default": 0.95},
	}
	for k, v := range dateRangeProperties {
		pcaProperties[k] = v
	}

	biplotProperties := map[string]interface{}{
		"pc_x":         map[string]interface{}{"type": "integer", "default": 1, "description": "First component axis, 1-indexed"},
		"pc_y":         map[string]interface{}{"type": "integer", "default": 2},
		"scale_factor": map[string]interface{}{"type": "number", "default": 3.0, "description": "Loading vector scale factor"},
	}
	for k, v := range pcaProperties {
		biplotProperties[k] = v
	}

	envelopeResponse := map[string]interface{}{
		"200": map[string]interface{}{
			"description": "Successful analysis",
			"content": map[string]interface{}{
				"application/json": map[string]interface{}{
					"schema": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"success": map[string]string{"type": "boolean"},
							"data":    map[string]string{"type": "object"},
						},
					},
				},
			},
		},
		"400": map[string]interface{}{"description": "Malformed request"},
		"422": map[string]interface{}{"description": "Insufficient data for the analysis"},
		"503": map[string]interface{}{"description": "Observation store unavailable"},
	}

	postOperation := func(summary, description string, properties map[string]interface{}) map[string]interface{} {
		return map[string]interface{}{
			"post": map[string]interface{}{
				"summary":     summary,
				"description": description,
				"requestBody": map[string]interface{}{
					"required": true,
					"content": map[string]interface{}{
						"application/json": map[string]interface{}{
							"schema": map[string]interface{}{
								"type":       "object",
								"required":   []string{"start_date", "end_date"},
								"properties": properties,
							},
						},
					},
				},
				"responses": envelopeResponse,
			},
		}
	}

	spec := map[string]interface{}{
		"openapi": "3.0.0",
		"info": map[string]interface{}{
			"title":       "Weather Analytics API",
			"description": "Multivariate statistics over weather-station observations: correlation analysis, temporal stability, and principal component analysis",
			"version":     "1.0.0",
			"contact": map[string]string{
				"name": "Weather Analytics Team",
			},
		},
		"servers": []map[string]string{
			{"url": "http://localhost:8080", "description": "Local development server"},
		},
		"paths": map[string]interface{}{
			"/api/analytics/correlation": postOperation(
				"Run correlation analysis",
				"Compute Pearson/Spearman coefficient and p-value matrices with pairwise-complete semantics, plus strong-correlation pairs",
				correlationProperties,
			),
			"/api/analytics/correlation/temporal": postOperation(
				"Run temporal stability analysis",
				"Compute correlation matrices over rolling windows to track how pairwise relationships drift over time",
				temporalProperties,
			),
			"/api/analytics/pca": postOperation(
				"Run principal component analysis",
				"Standardize observations, fit principal components, and derive loadings, anomalies, and temporal patterns",
				pcaProperties,
			),
			"/api/analytics/pca/biplot": postOperation(
				"Extract PCA biplot coordinates",
				"Run a PCA and return score and scaled loading coordinates for two chosen components",
				biplotProperties,
			),
			"/api/analytics/export/correlation": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "Export correlation analysis as XLSX",
					"description": "Runs a correlation analysis and streams the matrices and strong pairs as a workbook",
					"parameters": []map[string]interface{}{
						{"name": "start_date", "in": "query", "required": true, "schema": map[string]string{"type": "string", "format": "date"}},
						{"name": "end_date", "in": "query", "required": true, "schema": map[string]string{"type": "string", "format": "date"}},
						{"name": "station_id", "in": "query", "required": false, "schema": map[string]string{"type": "string"}},
						{"name": "method", "in": "query", "required": false, "schema": map[string]interface{}{"type": "string", "enum": []string{"pearson", "spearman", "both"}}},
					},
					"responses": map[string]interface{}{
						"200": map[string]interface{}{
							"description": "XLSX workbook",
							"content": map[string]interface{}{
								"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": map[string]interface{}{
									"schema": map[string]string{"type": "string", "format": "binary"},
								},
							},
						},
					},
				},
			},
			"/health": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "Health check",
					"description": "Check if the API and its observation store are reachable",
					"responses": map[string]interface{}{
						"200": map[string]interface{}{
							"description": "API is healthy",
							"content": map[string]interface{}{
								"application/json": map[string]interface{}{
									"schema": map[string]interface{}{
										"type": "object",
										"properties": map[string]interface{}{
											"status": map[string]string{"type": "string"},
										},
									},
								},
							},
						},
					},
				},
			},
			"/metrics": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "Prometheus metrics",
					"description": "Prometheus metrics endpoint for monitoring",
					"responses": map[string]interface{}{
						"200": map[string]interface{}{
							"description": "Prometheus metrics in text format",
							"content": map[string]interface{}{
								"text/plain": map[string]interface{}{
									"schema": map[string]string{"type": "string"},
								},
							},
						},
					},
				},
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(spec)
}
